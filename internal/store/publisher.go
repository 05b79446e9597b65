package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/sgerhart/aegisflux/backend/exposure/internal/metrics"
	"github.com/sgerhart/aegisflux/backend/exposure/internal/model"
)

// SavedSubject is published after every stored iteration
const SavedSubject = "exposure.iteration.saved"

// NATSPublisher defines the interface for publishing NATS messages
type NATSPublisher interface {
	Publish(subject string, data []byte) error
}

// SavedEvent is the payload of SavedSubject
type SavedEvent struct {
	Type      string          `json:"type"`
	ID        string          `json:"id"`
	Epoch     int             `json:"epoch"`
	Lockdown  bool            `json:"lockdown"`
	Timestamp time.Time       `json:"timestamp"`
	Iteration model.Iteration `json:"iteration"`
}

// PublishingStore announces every saved iteration on NATS. Publish
// failures are logged and counted but never fail the save.
type PublishingStore struct {
	Store
	publisher NATSPublisher
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// WithPublisher wraps s so saves are announced through publisher
func WithPublisher(s Store, publisher NATSPublisher, m *metrics.Metrics, logger *slog.Logger) *PublishingStore {
	return &PublishingStore{
		Store:     s,
		publisher: publisher,
		metrics:   m,
		logger:    logger,
	}
}

// SaveIteration saves through the wrapped store, then publishes
func (p *PublishingStore) SaveIteration(ctx context.Context, it model.Iteration) (string, error) {
	id, err := p.Store.SaveIteration(ctx, it)
	if err != nil {
		return "", err
	}

	saved, err := p.Store.Iteration(ctx, id)
	if err != nil {
		p.logger.Warn("Failed to reload saved iteration", "id", id, "error", err)
		saved = it
		saved.ID = id
	}

	if err := p.publish(saved); err != nil {
		p.logger.Warn("Failed to publish iteration event", "id", id, "error", err)
		if p.metrics != nil {
			p.metrics.IncNatsPublishErrors()
		}
	}
	if p.metrics != nil {
		if n, err := p.Store.Count(ctx); err == nil {
			p.metrics.SetIterationsStored(n)
		}
	}
	return id, nil
}

func (p *PublishingStore) publish(it model.Iteration) error {
	if p.publisher == nil {
		return nil
	}

	event := SavedEvent{
		Type:      "saved",
		ID:        it.ID,
		Epoch:     it.Epoch,
		Lockdown:  it.LockdownStatus,
		Timestamp: time.Now(),
		Iteration: it,
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal iteration event: %w", err)
	}
	return p.publisher.Publish(SavedSubject, data)
}
