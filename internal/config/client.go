package config

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Client fetches configuration entries from config-api
type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// Entry represents a configuration entry from the API
type Entry struct {
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	Scope     string          `json:"scope"`
	UpdatedBy string          `json:"updated_by"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// NewClient creates a new configuration client. An empty baseURL disables remote config.
func NewClient(baseURL string, logger *slog.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		logger: logger,
	}
}

// GetSnapshot overlays the config-api entries onto base
func (c *Client) GetSnapshot(ctx context.Context, base *Snapshot) (*Snapshot, error) {
	if c.baseURL == "" {
		return nil, fmt.Errorf("config-api url not set")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/config", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch config: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("config-api returned status %d", resp.StatusCode)
	}

	var response struct {
		Configs []Entry `json:"configs"`
		Count   int     `json:"count"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("failed to decode config response: %w", err)
	}

	snapshot := *base
	applied := 0
	for _, entry := range response.Configs {
		if apply(&snapshot, entry.Key, entry.Value) {
			applied++
		}
	}
	if err := snapshot.Validate(); err != nil {
		return nil, fmt.Errorf("config-api snapshot invalid: %w", err)
	}
	snapshot.LastUpdated = time.Now()

	c.logger.Info("Configuration snapshot loaded",
		"max_epochs", snapshot.MaxEpochs,
		"attack_duration", snapshot.AttackDurationSeconds,
		"exhaustion_epochs", snapshot.ExhaustionEpochs,
		"registry_key_mode", snapshot.RegistryKeyMode,
		"applied_keys", applied,
		"config_count", response.Count)

	return &snapshot, nil
}

// GetSnapshotWithFallback fetches the snapshot and falls back to defaults on any failure
func (c *Client) GetSnapshotWithFallback(ctx context.Context, defaults *Snapshot) *Snapshot {
	snapshot, err := c.GetSnapshot(ctx, defaults)
	if err != nil {
		c.logger.Warn("Failed to fetch config snapshot, using local defaults",
			"error", err,
			"fallback_max_epochs", defaults.MaxEpochs,
			"fallback_attack_duration", defaults.AttackDurationSeconds)
		return defaults
	}
	return snapshot
}
