package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/sgerhart/aegisflux/backend/exposure/internal/model"
)

// ErrNotFound is returned when an iteration id is unknown
var ErrNotFound = errors.New("iteration not found")

// Store is the episodic memory of the exposure loop. Saved iterations are immutable.
type Store interface {
	// SaveIteration persists a record and returns its id
	SaveIteration(ctx context.Context, it model.Iteration) (string, error)
	// RecentIterations returns up to limit records, newest first
	RecentIterations(ctx context.Context, limit int) ([]model.Iteration, error)
	// AllIterations returns every record, oldest first
	AllIterations(ctx context.Context) ([]model.Iteration, error)
	// Iteration returns one record by id
	Iteration(ctx context.Context, id string) (model.Iteration, error)
	// Count returns the number of stored records
	Count(ctx context.Context) (int, error)
	Close() error
}

// prepare assigns an id and creation time to a record about to be saved
func prepare(it model.Iteration) model.Iteration {
	if it.ID == "" {
		it.ID = uuid.NewString()
	}
	if it.CreatedAt.IsZero() {
		it.CreatedAt = time.Now().UTC()
	}
	return it
}

func encode(it model.Iteration) ([]byte, error) {
	data, err := json.Marshal(it)
	if err != nil {
		return nil, fmt.Errorf("marshal iteration: %w", err)
	}
	return data, nil
}

func decode(data []byte) (model.Iteration, error) {
	var it model.Iteration
	if err := json.Unmarshal(data, &it); err != nil {
		return model.Iteration{}, fmt.Errorf("unmarshal iteration: %w", err)
	}
	return it, nil
}
