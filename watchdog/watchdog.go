// Package watchdog periodically restarts a scan session that is not running.
package watchdog

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/mjasion/balena-home/podwatch/scanner"
)

// Session is the part of the scan controller the watchdog drives
type Session interface {
	State() scanner.State
	OnStart(ctx context.Context) error
}

// Watchdog re-issues OnStart on a cron schedule while the session is not
// scanning. A stopped session is left alone.
type Watchdog struct {
	session Session
	cron    *cron.Cron
	logger  *zap.Logger
	timeout time.Duration

	stopped  atomic.Bool
	restarts atomic.Uint64
	failures atomic.Uint64
}

// New schedules the check every interval. Start must be called to run it.
func New(session Session, interval time.Duration, logger *zap.Logger) (*Watchdog, error) {
	w := &Watchdog{
		session: session,
		cron:    cron.New(),
		logger:  logger,
		timeout: interval,
	}

	if _, err := w.cron.AddFunc(fmt.Sprintf("@every %s", interval), w.Check); err != nil {
		return nil, fmt.Errorf("failed to schedule watchdog: %w", err)
	}
	return w, nil
}

// Start runs the schedule in its own goroutine
func (w *Watchdog) Start() {
	w.cron.Start()
	w.logger.Info("scan watchdog started", zap.Int("entries", len(w.cron.Entries())))
}

// Stop halts the schedule and waits for a running check to finish. Checks
// after Stop do nothing.
func (w *Watchdog) Stop() {
	w.stopped.Store(true)
	<-w.cron.Stop().Done()
}

// Check restarts the session if it is idle
func (w *Watchdog) Check() {
	if w.stopped.Load() {
		return
	}

	state := w.session.State()
	switch state {
	case scanner.StateScanning, scanner.StateStopped:
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
	defer cancel()

	w.logger.Info("scan not running, retrying start", zap.Stringer("state", state))
	if err := w.session.OnStart(ctx); err != nil {
		n := w.failures.Add(1)
		w.logger.Warn("scan restart failed", zap.Error(err), zap.Uint64("failures", n))
		return
	}
	if w.session.State() == scanner.StateScanning {
		w.restarts.Add(1)
		w.logger.Info("scan restarted")
	}
}

// Restarts returns how many checks brought the session back to scanning
func (w *Watchdog) Restarts() uint64 {
	return w.restarts.Load()
}

// Failures returns how many restart attempts returned an error
func (w *Watchdog) Failures() uint64 {
	return w.failures.Load()
}
