package config

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// ChangeSubject carries live configuration changes
const ChangeSubject = "config.changed"

// Manager handles configuration management with live updates
type Manager struct {
	client      *Client
	nats        *nats.Conn
	logger      *slog.Logger
	current     *Snapshot
	mu          sync.RWMutex
	subscribers []func(*Snapshot)
	sub         *nats.Subscription
}

// ChangeMessage represents a configuration change from NATS
type ChangeMessage struct {
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	Scope     string          `json:"scope"`
	UpdatedBy string          `json:"updated_by"`
	Timestamp int64           `json:"timestamp"`
}

// NewManager creates a new configuration manager. nc may be nil, in which
// case live updates are disabled.
func NewManager(client *Client, nc *nats.Conn, logger *slog.Logger) *Manager {
	return &Manager{
		client:      client,
		nats:        nc,
		logger:      logger,
		subscribers: make([]func(*Snapshot), 0),
	}
}

// Initialize loads the initial snapshot and subscribes to live changes
func (m *Manager) Initialize(ctx context.Context, defaults *Snapshot) error {
	m.logger.Info("Loading initial configuration snapshot")
	m.update(m.client.GetSnapshotWithFallback(ctx, defaults))

	if m.nats == nil {
		m.logger.Warn("No NATS connection, live configuration updates disabled")
		return nil
	}

	sub, err := m.nats.Subscribe(ChangeSubject, func(msg *nats.Msg) {
		m.HandleChange(msg.Data)
	})
	if err != nil {
		m.logger.Error("Failed to subscribe to config changes", "error", err)
		return err
	}
	m.sub = sub

	m.logger.Info("Subscribed to config changes", "subject", ChangeSubject)
	return nil
}

// Close stops receiving live changes
func (m *Manager) Close() {
	if m.sub != nil {
		if err := m.sub.Unsubscribe(); err != nil {
			m.logger.Warn("Failed to unsubscribe from config changes", "error", err)
		}
	}
}

// Current returns a copy of the current snapshot
func (m *Manager) Current() *Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.current == nil {
		return Defaults()
	}
	snapshot := *m.current
	return &snapshot
}

// Subscribe adds a callback invoked after every configuration change
func (m *Manager) Subscribe(callback func(*Snapshot)) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.subscribers = append(m.subscribers, callback)
}

// HandleChange applies one config.changed message. Unknown keys and changes
// that would produce an invalid snapshot are ignored.
func (m *Manager) HandleChange(data []byte) {
	var change ChangeMessage
	if err := json.Unmarshal(data, &change); err != nil {
		m.logger.Error("Failed to unmarshal config change message", "error", err)
		return
	}

	m.mu.Lock()
	next := Defaults()
	if m.current != nil {
		copied := *m.current
		next = &copied
	}

	if !apply(next, change.Key, change.Value) {
		m.mu.Unlock()
		m.logger.Debug("Ignoring unknown configuration key", "key", change.Key)
		return
	}
	if err := next.Validate(); err != nil {
		m.mu.Unlock()
		m.logger.Warn("Rejecting configuration change", "key", change.Key, "error", err)
		return
	}

	next.LastUpdated = time.Unix(change.Timestamp, 0)
	m.current = next
	m.mu.Unlock()

	m.logger.Info("Configuration updated live",
		"key", change.Key,
		"updated_by", change.UpdatedBy,
		"max_epochs", next.MaxEpochs,
		"stop_on_lockdown", next.StopOnLockdown,
		"exhaustion_epochs", next.ExhaustionEpochs)

	m.notify(next)
}

func (m *Manager) update(snapshot *Snapshot) {
	m.mu.Lock()
	m.current = snapshot
	m.mu.Unlock()

	m.notify(snapshot)
}

func (m *Manager) notify(snapshot *Snapshot) {
	m.mu.RLock()
	subscribers := make([]func(*Snapshot), len(m.subscribers))
	copy(subscribers, m.subscribers)
	m.mu.RUnlock()

	for _, callback := range subscribers {
		copied := *snapshot
		go func(cb func(*Snapshot)) {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error("Panic in config subscriber callback", "panic", r)
				}
			}()
			cb(&copied)
		}(callback)
	}
}
