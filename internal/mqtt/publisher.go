package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/frinny-ai/frinny/internal/config"
	"github.com/frinny-ai/frinny/internal/events"
)

// StatsSource provides runtime data for the state document. The
// concrete adapter is wired in main.go to avoid coupling this package
// to the router or registry.
type StatsSource interface {
	// Uptime returns the process uptime.
	Uptime() time.Duration
	// Version returns the software version string.
	Version() string
	// Rooms returns the number of users with a live connection and the
	// total connection count.
	Rooms() (rooms, connections int)
	// CachedContexts returns the number of contexts held in memory.
	CachedContexts() int
}

// publishFunc is the subset of [autopaho.ConnectionManager] the
// publisher needs.
type publishFunc func(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error)

// Durability is the retained checkpoint state document.
type Durability struct {
	Backend   string    `json:"backend"`
	Degraded  bool      `json:"degraded"`
	Down      bool      `json:"down"`
	LastError string    `json:"last_error,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// State is the retained periodic status document.
type State struct {
	InstanceID     string `json:"instance_id"`
	Version        string `json:"version"`
	Uptime         string `json:"uptime"`
	Rooms          int    `json:"rooms"`
	Connections    int    `json:"connections"`
	CachedContexts int    `json:"cached_contexts"`
	TurnsToday     int64  `json:"turns_today"`
	FailedToday    int64  `json:"failed_today"`
	CreatedToday   int64  `json:"contexts_created_today"`
}

// Publisher manages the MQTT connection and forwards bus events to the
// broker.
type Publisher struct {
	cfg        config.MQTTConfig
	instanceID string
	bus        *events.Bus
	counts     *DailyCounts
	stats      StatsSource
	logger     *slog.Logger

	connMu  sync.Mutex
	cm      *autopaho.ConnectionManager
	publish publishFunc

	mu         sync.Mutex
	durability Durability
}

// New creates a Publisher but does not connect. Call [Publisher.Start]
// to begin the connection and publish loop.
func New(cfg config.MQTTConfig, instanceID string, bus *events.Bus, stats StatsSource, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		cfg:        cfg,
		instanceID: instanceID,
		bus:        bus,
		counts:     NewDailyCounts(nil),
		stats:      stats,
		logger:     logger,
	}
}

// SetDurability seeds the durability document with the backend chosen
// at startup. Events published before the publisher subscribed to the
// bus are otherwise lost.
func (p *Publisher) SetDurability(backend string, degraded bool) {
	p.mu.Lock()
	p.durability = Durability{Backend: backend, Degraded: degraded, UpdatedAt: time.Now().UTC()}
	p.mu.Unlock()
}

// Start connects to the MQTT broker and forwards bus events until ctx
// is cancelled. On every (re-)connect it publishes a birth message and
// the durability document.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   p.availabilityTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.setConn(cm)
			p.logger.Info("mqtt connected to broker", "broker", p.cfg.Broker)
			p.publishAvailability(ctx, "online")
			p.publishDurability(ctx)
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: p.clientID(),
		},
	}

	// Enable TLS for mqtts:// or ssl:// schemes.
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	// Subscribe before connecting so nothing published during the
	// handshake is missed.
	ch := p.bus.Subscribe(64)
	defer p.bus.Unsubscribe(ch)

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.setConn(cm)

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background.
		p.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	p.run(ctx, ch)
	return nil
}

// Stop publishes an "offline" availability message and disconnects.
func (p *Publisher) Stop(ctx context.Context) error {
	cm := p.conn()
	if cm == nil {
		return nil
	}
	p.publishAvailability(ctx, "offline")
	return cm.Disconnect(ctx)
}

// AwaitConnection blocks until the broker connection is established or
// ctx expires. Used as a connwatch probe.
func (p *Publisher) AwaitConnection(ctx context.Context) error {
	cm := p.conn()
	if cm == nil {
		return fmt.Errorf("mqtt publisher not started")
	}
	return cm.AwaitConnection(ctx)
}

func (p *Publisher) setConn(cm *autopaho.ConnectionManager) {
	p.connMu.Lock()
	p.cm = cm
	p.publish = cm.Publish
	p.connMu.Unlock()
}

func (p *Publisher) conn() *autopaho.ConnectionManager {
	p.connMu.Lock()
	defer p.connMu.Unlock()
	return p.cm
}

// --- Topic helpers ---

func (p *Publisher) clientID() string {
	id := p.cfg.ClientID
	if p.instanceID != "" {
		id += "-" + p.instanceID
	}
	return id
}

func (p *Publisher) availabilityTopic() string {
	return p.cfg.TopicPrefix + "/availability"
}

func (p *Publisher) durabilityTopic() string {
	return p.cfg.TopicPrefix + "/durability"
}

func (p *Publisher) stateTopic() string {
	return p.cfg.TopicPrefix + "/state"
}

func (p *Publisher) eventTopic(ev events.Event) string {
	return p.cfg.TopicPrefix + "/events/" + ev.Source + "/" + ev.Kind
}

// --- Loop ---

func (p *Publisher) run(ctx context.Context, ch <-chan events.Event) {
	interval := p.cfg.PublishInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.publishState(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			p.handleEvent(ctx, ev)
		case <-ticker.C:
			p.publishState(ctx)
		}
	}
}

func (p *Publisher) handleEvent(ctx context.Context, ev events.Event) {
	p.counts.Observe(ev)
	if p.applyDurability(ev) {
		p.publishDurability(ctx)
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		p.logger.Error("mqtt marshal event", "kind", ev.Kind, "error", err)
		return
	}
	p.send(ctx, &paho.Publish{Topic: p.eventTopic(ev), Payload: payload, QoS: 0})
}

// applyDurability folds a checkpoint event into the durability
// document and reports whether it changed.
func (p *Publisher) applyDurability(ev events.Event) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	d := &p.durability
	backend, _ := ev.Data["backend"].(string)
	switch ev.Kind {
	case events.KindDurabilityDegraded:
		d.Degraded = true
		if backend != "" {
			d.Backend = backend
		}
	case events.KindBackendDown:
		d.Down = true
		d.LastError, _ = ev.Data["error"].(string)
	case events.KindBackendRecovered:
		d.Down = false
		d.LastError = ""
	case events.KindPersistenceDegraded:
		d.LastError, _ = ev.Data["error"].(string)
	default:
		return false
	}
	d.UpdatedAt = ev.Timestamp.UTC()
	return true
}

func (p *Publisher) publishDurability(ctx context.Context) {
	p.mu.Lock()
	d := p.durability
	p.mu.Unlock()

	payload, err := json.Marshal(d)
	if err != nil {
		p.logger.Error("mqtt marshal durability", "error", err)
		return
	}
	p.send(ctx, &paho.Publish{Topic: p.durabilityTopic(), Payload: payload, QoS: 1, Retain: true})
}

// Snapshot assembles the current state document.
func (p *Publisher) Snapshot() State {
	turns, failed, created := p.counts.Snapshot()
	s := State{
		InstanceID:   p.instanceID,
		TurnsToday:   turns,
		FailedToday:  failed,
		CreatedToday: created,
	}
	if p.stats != nil {
		s.Version = p.stats.Version()
		s.Uptime = p.stats.Uptime().Truncate(time.Second).String()
		s.Rooms, s.Connections = p.stats.Rooms()
		s.CachedContexts = p.stats.CachedContexts()
	}
	return s
}

func (p *Publisher) publishState(ctx context.Context) {
	payload, err := json.Marshal(p.Snapshot())
	if err != nil {
		p.logger.Error("mqtt marshal state", "error", err)
		return
	}
	p.send(ctx, &paho.Publish{Topic: p.stateTopic(), Payload: payload, QoS: 0, Retain: true})
}

func (p *Publisher) publishAvailability(ctx context.Context, status string) {
	if p.send(ctx, &paho.Publish{
		Topic:   p.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}) {
		p.logger.Info("mqtt availability published", "status", status)
	}
}

func (p *Publisher) send(ctx context.Context, msg *paho.Publish) bool {
	p.connMu.Lock()
	publish := p.publish
	p.connMu.Unlock()
	if publish == nil {
		return false
	}
	if _, err := publish(ctx, msg); err != nil {
		p.logger.Debug("mqtt publish failed", "topic", msg.Topic, "error", err)
		return false
	}
	return true
}
