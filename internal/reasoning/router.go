package reasoning

import (
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

// Roles served by the router
const (
	RoleInference = "inference"
	RoleExposure  = "exposure"
	RoleFirewall  = "firewall"
)

// ProviderConfig represents configuration for an LLM provider
type ProviderConfig struct {
	Provider string `yaml:"provider"`
	BaseURL  string `yaml:"base_url,omitempty"`
	Model    string `yaml:"model,omitempty"`
}

// RoleConfig represents configuration for a specific role
type RoleConfig struct {
	Role        string           `yaml:"role"`
	Provider    string           `yaml:"provider"`
	MaxTokens   int              `yaml:"max_tokens"`
	Temperature float64          `yaml:"temperature"`
	Providers   []ProviderConfig `yaml:"providers"`
}

// RouterConfig represents the overall router configuration
type RouterConfig struct {
	Roles []RoleConfig `yaml:"roles"`
}

// DefaultRouterConfig routes every role to OpenAI with a local fallback
func DefaultRouterConfig() RouterConfig {
	role := func(name string, maxTokens int, temperature float64) RoleConfig {
		return RoleConfig{
			Role:        name,
			Provider:    "openai",
			MaxTokens:   maxTokens,
			Temperature: temperature,
			Providers: []ProviderConfig{
				{Provider: "openai", Model: "gpt-4.1"},
				{Provider: "local", BaseURL: DefaultLocalURL, Model: "llama3.1"},
			},
		}
	}
	return RouterConfig{
		Roles: []RoleConfig{
			role(RoleInference, 4000, 0.2),
			role(RoleExposure, 2000, 0.3),
			role(RoleFirewall, 2000, 0.3),
		},
	}
}

// LoadRouterConfig reads a YAML route file. An empty path returns the defaults.
func LoadRouterConfig(path string) (RouterConfig, error) {
	if path == "" {
		return DefaultRouterConfig(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return RouterConfig{}, fmt.Errorf("failed to read route config %s: %w", path, err)
	}

	var cfg RouterConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return RouterConfig{}, fmt.Errorf("failed to parse route config: %w", err)
	}
	if len(cfg.Roles) == 0 {
		return RouterConfig{}, fmt.Errorf("route config %s defines no roles", path)
	}
	return cfg, nil
}

// Router manages LLM client routing based on role
type Router struct {
	config  RouterConfig
	logger  *slog.Logger
	clients map[string]LLMClient
}

// NewRouter builds a client for every role/provider pair it can. OpenAI
// providers are skipped when apiKey is empty.
func NewRouter(cfg RouterConfig, apiKey string, logger *slog.Logger) (*Router, error) {
	r := &Router{
		config:  cfg,
		logger:  logger,
		clients: make(map[string]LLMClient),
	}

	for _, role := range cfg.Roles {
		for _, provider := range role.Providers {
			client, err := createClient(provider, role, apiKey)
			if err != nil {
				logger.Warn("Failed to create client, skipping",
					"role", role.Role,
					"provider", provider.Provider,
					"error", err)
				continue
			}
			r.clients[clientKey(role.Role, provider.Provider)] = client
			logger.Debug("Created client", "role", role.Role, "provider", provider.Provider, "model", provider.Model)
		}
	}

	if len(r.clients) == 0 {
		return nil, fmt.Errorf("no clients could be initialized - check your configuration and API keys")
	}

	logger.Info("Initialized LLM router", "roles", len(cfg.Roles), "client_count", len(r.clients))
	return r, nil
}

func clientKey(role, provider string) string {
	return role + ":" + provider
}

func createClient(provider ProviderConfig, role RoleConfig, apiKey string) (LLMClient, error) {
	switch provider.Provider {
	case "openai":
		if apiKey == "" {
			return nil, fmt.Errorf("OPENAI_API_KEY not set")
		}
		return NewOpenAIClient(provider.BaseURL, apiKey, provider.Model, role.MaxTokens, role.Temperature), nil
	case "local":
		return NewLocalClient(provider.BaseURL, provider.Model, role.MaxTokens, role.Temperature), nil
	default:
		return nil, fmt.Errorf("unsupported provider: %s", provider.Provider)
	}
}

// ClientFor returns the primary client for role, falling back to any other
// configured provider
func (r *Router) ClientFor(role string) (LLMClient, error) {
	var rc *RoleConfig
	for i := range r.config.Roles {
		if r.config.Roles[i].Role == role {
			rc = &r.config.Roles[i]
			break
		}
	}
	if rc == nil {
		return nil, fmt.Errorf("role not found: %s", role)
	}

	if client, ok := r.clients[clientKey(role, rc.Provider)]; ok {
		return client, nil
	}
	for _, provider := range rc.Providers {
		if client, ok := r.clients[clientKey(role, provider.Provider)]; ok {
			r.logger.Debug("Using fallback provider", "role", role, "provider", provider.Provider)
			return client, nil
		}
	}
	return nil, fmt.Errorf("no client available for role: %s", role)
}

// Roles returns the configured role names
func (r *Router) Roles() []string {
	roles := make([]string, 0, len(r.config.Roles))
	for _, role := range r.config.Roles {
		roles = append(roles, role.Role)
	}
	return roles
}
