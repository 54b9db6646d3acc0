package watchdog

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/mjasion/balena-home/podwatch/scanner"
)

type fakeSession struct {
	mu       sync.Mutex
	state    scanner.State
	startErr error
	starts   int
	started  chan struct{}
}

func newFakeSession(state scanner.State) *fakeSession {
	return &fakeSession{state: state, started: make(chan struct{}, 8)}
}

func (s *fakeSession) State() scanner.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *fakeSession) OnStart(ctx context.Context) error {
	s.mu.Lock()
	s.starts++
	if s.startErr == nil {
		s.state = scanner.StateScanning
	}
	err := s.startErr
	s.mu.Unlock()
	s.started <- struct{}{}
	return err
}

func (s *fakeSession) startCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.starts
}

func TestCheck_RestartsIdle(t *testing.T) {
	session := newFakeSession(scanner.StateIdle)
	w, err := New(session, time.Minute, zap.NewNop())
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	w.Check()

	if session.startCount() != 1 {
		t.Errorf("Expected 1 start, got %d", session.startCount())
	}
	if w.Restarts() != 1 {
		t.Errorf("Expected 1 restart, got %d", w.Restarts())
	}
}

func TestCheck_AfterStop(t *testing.T) {
	session := newFakeSession(scanner.StateIdle)
	w, err := New(session, time.Minute, zap.NewNop())
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	w.Start()
	w.Stop()

	w.Check()

	if session.startCount() != 0 {
		t.Errorf("Expected no start after Stop, got %d", session.startCount())
	}
	if session.State() != scanner.StateIdle {
		t.Errorf("Expected state to stay idle, got %s", session.State())
	}
}

func TestCheck_LeavesScanningAndStopped(t *testing.T) {
	for _, state := range []scanner.State{scanner.StateScanning, scanner.StateStopped} {
		t.Run(state.String(), func(t *testing.T) {
			session := newFakeSession(state)
			w, _ := New(session, time.Minute, zap.NewNop())

			w.Check()

			if session.startCount() != 0 {
				t.Errorf("Expected no start, got %d", session.startCount())
			}
		})
	}
}

func TestCheck_CountsFailures(t *testing.T) {
	session := newFakeSession(scanner.StateIdle)
	session.startErr = errors.New("radio busy")
	w, _ := New(session, time.Minute, zap.NewNop())

	w.Check()
	w.Check()

	if w.Failures() != 2 {
		t.Errorf("Expected 2 failures, got %d", w.Failures())
	}
	if w.Restarts() != 0 {
		t.Errorf("Expected 0 restarts, got %d", w.Restarts())
	}
}

func TestCheck_StillIdleAfterStart(t *testing.T) {
	// A start without an adapter succeeds but stays idle
	session := &stuckSession{}
	w, _ := New(session, time.Minute, zap.NewNop())

	w.Check()

	if w.Restarts() != 0 {
		t.Errorf("Expected 0 restarts, got %d", w.Restarts())
	}
	if w.Failures() != 0 {
		t.Errorf("Expected 0 failures, got %d", w.Failures())
	}
}

type stuckSession struct{}

func (stuckSession) State() scanner.State              { return scanner.StateIdle }
func (stuckSession) OnStart(ctx context.Context) error { return nil }

func TestWatchdog_Schedule(t *testing.T) {
	session := newFakeSession(scanner.StateIdle)
	w, err := New(session, time.Second, zap.NewNop())
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	w.Start()
	defer w.Stop()

	select {
	case <-session.started:
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for scheduled restart")
	}
}
