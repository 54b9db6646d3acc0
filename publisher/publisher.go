// Package publisher forwards decoded readings to an MQTT broker as JSON.
package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/mjasion/balena-home/podwatch/config"
	"github.com/mjasion/balena-home/podwatch/decoder"
	"github.com/mjasion/balena-home/podwatch/types"
)

const publishTimeout = 5 * time.Second

var errNotConnected = errors.New("mqtt client not connected")

// ComponentState is the JSON form of one earbud or the case
type ComponentState struct {
	Level    uint8 `json:"level"`
	Percent  *int  `json:"percent,omitempty"`
	Charging bool  `json:"charging"`
}

// BatteryMessage is published to <prefix>/<address>/battery
type BatteryMessage struct {
	Address   string         `json:"address"`
	Device    string         `json:"device,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Left      ComponentState `json:"left"`
	Right     ComponentState `json:"right"`
	Case      ComponentState `json:"case"`
}

// PairingMessage is published to <prefix>/<address>/pairing
type PairingMessage struct {
	Address   string    `json:"address"`
	Device    string    `json:"device,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func componentState(level uint8, charging bool) ComponentState {
	s := ComponentState{Level: level, Charging: charging}
	if pct, ok := decoder.LevelPercent(level); ok {
		s.Percent = &pct
	}
	return s
}

// Message builds the topic and JSON payload for a reading
func Message(prefix string, r *types.Reading) (string, []byte, error) {
	var (
		topic string
		body  any
	)

	switch r.Type {
	case types.ReadingTypeBattery:
		b := r.Battery
		topic = fmt.Sprintf("%s/%s/battery", prefix, b.Address)
		body = BatteryMessage{
			Address:   b.Address,
			Device:    b.DeviceName,
			Timestamp: b.Timestamp.UTC(),
			Left:      componentState(b.Report.Left, b.Report.LeftCharging),
			Right:     componentState(b.Report.Right, b.Report.RightCharging),
			Case:      componentState(b.Report.Case, b.Report.CaseCharging),
		}
	case types.ReadingTypePairing:
		p := r.Pairing
		topic = fmt.Sprintf("%s/%s/pairing", prefix, p.Address)
		body = PairingMessage{
			Address:   p.Address,
			Device:    p.DeviceName,
			Timestamp: p.Timestamp.UTC(),
		}
	default:
		return "", nil, fmt.Errorf("unknown reading type %q", r.Type)
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return "", nil, fmt.Errorf("marshal %s message: %w", r.Type, err)
	}
	return topic, payload, nil
}

// Publisher queues readings and publishes them from a single goroutine, so
// callers on the radio path never wait for the broker
type Publisher struct {
	prefix  string
	queue   chan *types.Reading
	publish func(topic string, payload []byte) error
	logger  *zap.Logger

	dropped   atomic.Uint64
	published atomic.Uint64

	client   mqtt.Client
	stopOnce sync.Once
}

// New creates a publisher connected through paho. Connect must be called
// before Run.
func New(cfg config.MQTTConfig, logger *zap.Logger) *Publisher {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(60 * time.Second)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetOnConnectHandler(func(mqtt.Client) {
		logger.Info("mqtt connected", zap.String("broker", cfg.Broker))
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn("mqtt connection lost", zap.Error(err))
	})

	p := newPublisher(cfg.TopicPrefix, cfg.QueueSize, nil, logger)
	p.client = mqtt.NewClient(opts)
	p.publish = p.publishMQTT
	return p
}

func newPublisher(prefix string, queueSize int, publish func(string, []byte) error, logger *zap.Logger) *Publisher {
	return &Publisher{
		prefix:  prefix,
		queue:   make(chan *types.Reading, queueSize),
		publish: publish,
		logger:  logger,
	}
}

// Connect waits for the initial broker connection
func (p *Publisher) Connect(ctx context.Context) error {
	token := p.client.Connect()
	for {
		if token.WaitTimeout(200 * time.Millisecond) {
			if err := token.Error(); err != nil {
				return fmt.Errorf("mqtt connect: %w", err)
			}
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}

func (p *Publisher) publishMQTT(topic string, payload []byte) error {
	if !p.client.IsConnectionOpen() {
		return errNotConnected
	}
	token := p.client.Publish(topic, 1, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish timeout for topic %s", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Enqueue schedules a reading for publishing. When the queue is full the
// reading is dropped.
func (p *Publisher) Enqueue(r *types.Reading) bool {
	select {
	case p.queue <- r:
		return true
	default:
		n := p.dropped.Add(1)
		p.logger.Warn("mqtt queue full, dropping reading",
			zap.String("address", r.GetAddress()),
			zap.Uint64("dropped_total", n),
		)
		return false
	}
}

// Run publishes queued readings until ctx is done
func (p *Publisher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case r := <-p.queue:
			p.send(r)
		}
	}
}

func (p *Publisher) send(r *types.Reading) {
	topic, payload, err := Message(p.prefix, r)
	if err != nil {
		p.logger.Error("failed to build mqtt message", zap.Error(err))
		return
	}
	if err := p.publish(topic, payload); err != nil {
		p.logger.Warn("failed to publish reading", zap.String("topic", topic), zap.Error(err))
		return
	}
	p.published.Add(1)
	p.logger.Debug("published reading", zap.String("topic", topic))
}

// Dropped returns how many readings were dropped on a full queue
func (p *Publisher) Dropped() uint64 {
	return p.dropped.Load()
}

// Published returns how many readings reached the broker
func (p *Publisher) Published() uint64 {
	return p.published.Load()
}

// Close disconnects from the broker
func (p *Publisher) Close() {
	p.stopOnce.Do(func() {
		if p.client != nil {
			p.client.Disconnect(250)
			p.logger.Info("mqtt disconnected")
		}
	})
}
