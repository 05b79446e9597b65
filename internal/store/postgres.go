package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/lib/pq"

	"github.com/sgerhart/aegisflux/backend/exposure/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS exposure_iterations (
	seq        BIGSERIAL PRIMARY KEY,
	id         UUID NOT NULL UNIQUE,
	epoch      INTEGER NOT NULL,
	lockdown   BOOLEAN NOT NULL DEFAULT FALSE,
	record     JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
)`

// PostgresStore persists iterations as JSONB rows
type PostgresStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// PostgresConfig holds connection settings
type PostgresConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// DSN renders the lib/pq connection string
func (c PostgresConfig) DSN() string {
	sslmode := c.SSLMode
	if sslmode == "" {
		sslmode = "disable"
	}
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, sslmode)
}

// NewPostgresStore connects and ensures the iteration table exists
func NewPostgresStore(ctx context.Context, cfg PostgresConfig, logger *slog.Logger) (*PostgresStore, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &PostgresStore{
		db:     db,
		logger: logger,
	}, nil
}

// Close closes the database connection
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// SaveIteration inserts a record
func (s *PostgresStore) SaveIteration(ctx context.Context, it model.Iteration) (string, error) {
	it = prepare(it)
	data, err := encode(it)
	if err != nil {
		return "", err
	}

	query := `
		INSERT INTO exposure_iterations (id, epoch, lockdown, record, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	if _, err := s.db.ExecContext(ctx, query, it.ID, it.Epoch, it.LockdownStatus, string(data), it.CreatedAt); err != nil {
		return "", fmt.Errorf("failed to insert iteration: %w", err)
	}

	s.logger.Debug("Saved iteration", "id", it.ID, "epoch", it.Epoch)
	return it.ID, nil
}

// RecentIterations returns up to limit records, newest first
func (s *PostgresStore) RecentIterations(ctx context.Context, limit int) ([]model.Iteration, error) {
	if limit <= 0 {
		return s.query(ctx, `SELECT record FROM exposure_iterations ORDER BY seq DESC`)
	}
	return s.query(ctx, `SELECT record FROM exposure_iterations ORDER BY seq DESC LIMIT $1`, limit)
}

// AllIterations returns every record, oldest first
func (s *PostgresStore) AllIterations(ctx context.Context) ([]model.Iteration, error) {
	return s.query(ctx, `SELECT record FROM exposure_iterations ORDER BY seq ASC`)
}

// Iteration returns one record by id
func (s *PostgresStore) Iteration(ctx context.Context, id string) (model.Iteration, error) {
	var record string
	err := s.db.QueryRowContext(ctx, `SELECT record FROM exposure_iterations WHERE id = $1`, id).Scan(&record)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Iteration{}, ErrNotFound
	}
	if err != nil {
		return model.Iteration{}, fmt.Errorf("failed to query iteration: %w", err)
	}
	return decode([]byte(record))
}

// Count returns the number of stored records
func (s *PostgresStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM exposure_iterations`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count iterations: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) query(ctx context.Context, query string, args ...any) ([]model.Iteration, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query iterations: %w", err)
	}
	defer rows.Close()

	var out []model.Iteration
	for rows.Next() {
		var record string
		if err := rows.Scan(&record); err != nil {
			return nil, fmt.Errorf("failed to scan iteration: %w", err)
		}
		it, err := decode([]byte(record))
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate rows: %w", err)
	}
	return out, nil
}
