package firewall

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sgerhart/aegisflux/backend/exposure/internal/model"
)

// ClientConfig contains configuration for the firewall agent client
type ClientConfig struct {
	BaseURL string
	Timeout time.Duration
}

// HTTPClient talks to a firewall agent over its REST API
type HTTPClient struct {
	config ClientConfig
	client *http.Client
	logger *slog.Logger
}

type ruleRequest struct {
	SourceIP string `json:"source_ip"`
	DestIP   string `json:"dest_ip"`
	Protocol string `json:"protocol"`
}

type removeRequest struct {
	RuleNumbers []int `json:"rule_numbers"`
}

type changeResponse struct {
	Message string `json:"message"`
}

type rulesResponse struct {
	Rules []model.FirewallRule `json:"rules"`
}

// NewHTTPClient creates a new firewall agent client
func NewHTTPClient(config ClientConfig, logger *slog.Logger) *HTTPClient {
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")

	return &HTTPClient{
		config: config,
		client: &http.Client{Timeout: config.Timeout},
		logger: logger,
	}
}

// AddAllowRule allows traffic from source to dest
func (c *HTTPClient) AddAllowRule(ctx context.Context, source, dest, protocol string) (string, error) {
	return c.change(ctx, "/rules/allow", ruleRequest{SourceIP: source, DestIP: dest, Protocol: protocol})
}

// AddBlockRule blocks traffic from source to dest
func (c *HTTPClient) AddBlockRule(ctx context.Context, source, dest, protocol string) (string, error) {
	return c.change(ctx, "/rules/block", ruleRequest{SourceIP: source, DestIP: dest, Protocol: protocol})
}

// RemoveRules removes rules by number
func (c *HTTPClient) RemoveRules(ctx context.Context, numbers []int) (string, error) {
	return c.change(ctx, "/rules/remove", removeRequest{RuleNumbers: numbers})
}

// Rules returns the current rule table
func (c *HTTPClient) Rules(ctx context.Context) ([]model.FirewallRule, error) {
	body, err := c.do(ctx, http.MethodGet, "/rules", nil)
	if err != nil {
		return nil, err
	}

	var resp rulesResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse rules: %w", err)
	}
	return resp.Rules, nil
}

func (c *HTTPClient) change(ctx context.Context, path string, payload any) (string, error) {
	body, err := c.do(ctx, http.MethodPost, path, payload)
	if err != nil {
		return "", err
	}

	var resp changeResponse
	if err := json.Unmarshal(body, &resp); err != nil || resp.Message == "" {
		return strings.TrimSpace(string(body)), nil
	}
	return resp.Message, nil
}

func (c *HTTPClient) do(ctx context.Context, method, path string, payload any) ([]byte, error) {
	var reader io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.config.BaseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	c.logger.Debug("Calling firewall agent", "method", method, "path", path)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	switch {
	case resp.StatusCode >= http.StatusInternalServerError:
		return nil, fmt.Errorf("%w: status %d: %s", ErrUnavailable, resp.StatusCode, string(body))
	case resp.StatusCode >= http.StatusBadRequest:
		return nil, fmt.Errorf("firewall agent rejected %s %s with status %d: %s", method, path, resp.StatusCode, string(body))
	}
	return body, nil
}
