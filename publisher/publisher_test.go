package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/mjasion/balena-home/podwatch/decoder"
	"github.com/mjasion/balena-home/podwatch/types"
)

type published struct {
	topic   string
	payload []byte
}

type fakeBroker struct {
	mu   sync.Mutex
	msgs []published
	err  error
	got  chan struct{}
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{got: make(chan struct{}, 16)}
}

func (b *fakeBroker) publish(topic string, payload []byte) error {
	b.mu.Lock()
	defer func() {
		b.mu.Unlock()
		b.got <- struct{}{}
	}()
	if b.err != nil {
		return b.err
	}
	b.msgs = append(b.msgs, published{topic: topic, payload: payload})
	return nil
}

var ts = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func TestMessage_Battery(t *testing.T) {
	r := types.NewBatteryReading(ts, "Office", decoder.BatteryReport{
		Source: "AA:BB:CC:DD:EE:01", Left: 10, Right: 15, Case: 3, LeftCharging: true,
	})

	topic, payload, err := Message("home/airpods", r)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if topic != "home/airpods/AA:BB:CC:DD:EE:01/battery" {
		t.Errorf("Unexpected topic: %s", topic)
	}

	var msg BatteryMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		t.Fatalf("Failed to decode payload: %v", err)
	}
	if msg.Device != "Office" || msg.Address != "AA:BB:CC:DD:EE:01" {
		t.Errorf("Unexpected identity: %+v", msg)
	}
	if !msg.Timestamp.Equal(ts) {
		t.Errorf("Expected timestamp %v, got %v", ts, msg.Timestamp)
	}
	if msg.Left.Percent == nil || *msg.Left.Percent != 100 || !msg.Left.Charging {
		t.Errorf("Unexpected left state: %+v", msg.Left)
	}
	if msg.Right.Percent != nil || msg.Right.Level != 15 {
		t.Errorf("Expected unknown right level without percent, got %+v", msg.Right)
	}
	if msg.Case.Percent == nil || *msg.Case.Percent != 30 || msg.Case.Charging {
		t.Errorf("Unexpected case state: %+v", msg.Case)
	}
}

func TestMessage_Pairing(t *testing.T) {
	r := types.NewPairingReading(ts, "", "AA:BB:CC:DD:EE:02")

	topic, payload, err := Message("podwatch", r)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if topic != "podwatch/AA:BB:CC:DD:EE:02/pairing" {
		t.Errorf("Unexpected topic: %s", topic)
	}

	var raw map[string]any
	if err := json.Unmarshal(payload, &raw); err != nil {
		t.Fatalf("Failed to decode payload: %v", err)
	}
	if _, ok := raw["device"]; ok {
		t.Error("Expected device to be omitted when unnamed")
	}
	if raw["address"] != "AA:BB:CC:DD:EE:02" {
		t.Errorf("Unexpected address: %v", raw["address"])
	}
}

func TestMessage_UnknownType(t *testing.T) {
	if _, _, err := Message("p", &types.Reading{Type: "other"}); err == nil {
		t.Error("Expected error for unknown reading type")
	}
}

func TestPublisher_Run(t *testing.T) {
	broker := newFakeBroker()
	p := newPublisher("podwatch", 10, broker.publish, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	p.Enqueue(types.NewBatteryReading(ts, "", decoder.BatteryReport{Source: "A"}))
	p.Enqueue(types.NewPairingReading(ts, "", "B"))

	for i := 0; i < 2; i++ {
		select {
		case <-broker.got:
		case <-time.After(2 * time.Second):
			t.Fatal("Timed out waiting for publish")
		}
	}

	broker.mu.Lock()
	defer broker.mu.Unlock()
	if len(broker.msgs) != 2 {
		t.Fatalf("Expected 2 messages, got %d", len(broker.msgs))
	}
	if broker.msgs[0].topic != "podwatch/A/battery" || broker.msgs[1].topic != "podwatch/B/pairing" {
		t.Errorf("Unexpected topics: %s, %s", broker.msgs[0].topic, broker.msgs[1].topic)
	}
	if p.Published() != 2 {
		t.Errorf("Expected 2 published, got %d", p.Published())
	}
}

func TestPublisher_DropsWhenFull(t *testing.T) {
	p := newPublisher("podwatch", 1, newFakeBroker().publish, zap.NewNop())

	if !p.Enqueue(types.NewPairingReading(ts, "", "A")) {
		t.Error("Expected first reading to be queued")
	}
	if p.Enqueue(types.NewPairingReading(ts, "", "B")) {
		t.Error("Expected second reading to be dropped")
	}
	if p.Dropped() != 1 {
		t.Errorf("Expected 1 dropped, got %d", p.Dropped())
	}
}

func TestPublisher_PublishError(t *testing.T) {
	broker := newFakeBroker()
	broker.err = errors.New("not connected")
	p := newPublisher("podwatch", 10, broker.publish, zap.NewNop())

	p.send(types.NewPairingReading(ts, "", "A"))

	if p.Published() != 0 {
		t.Errorf("Expected nothing published, got %d", p.Published())
	}
}

func TestPublisher_CloseWithoutClient(t *testing.T) {
	p := newPublisher("podwatch", 1, nil, zap.NewNop())
	p.Close()
	p.Close()
}
