package reasoning

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Prompt is a rendered system/user message pair
type Prompt struct {
	System string
	User   string
}

// LLMClient defines the interface for LLM clients
type LLMClient interface {
	// Generate returns the model's completion for prompt
	Generate(ctx context.Context, prompt Prompt) (string, error)
	// Provider returns the provider name
	Provider() string
}

// Message represents a message in the conversation
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []Message       `json:"messages"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	Temperature    float64         `json:"temperature"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
	Stream         bool            `json:"stream"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatResponse struct {
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
}

type apiError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// OpenAIClient implements LLMClient for the OpenAI chat completions API
type OpenAIClient struct {
	baseURL     string
	apiKey      string
	model       string
	maxTokens   int
	temperature float64
	httpClient  *http.Client
}

// DefaultOpenAIURL is the public OpenAI endpoint
const DefaultOpenAIURL = "https://api.openai.com"

// NewOpenAIClient creates a new OpenAI client. An empty baseURL uses DefaultOpenAIURL.
func NewOpenAIClient(baseURL, apiKey, model string, maxTokens int, temperature float64) *OpenAIClient {
	if baseURL == "" {
		baseURL = DefaultOpenAIURL
	}
	return &OpenAIClient{
		baseURL:     strings.TrimRight(baseURL, "/"),
		apiKey:      apiKey,
		model:       model,
		maxTokens:   maxTokens,
		temperature: temperature,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

// Generate requests a JSON-object completion
func (c *OpenAIClient) Generate(ctx context.Context, prompt Prompt) (string, error) {
	req := chatRequest{
		Model:          c.model,
		Messages:       messages(prompt),
		MaxTokens:      c.maxTokens,
		Temperature:    c.temperature,
		ResponseFormat: &responseFormat{Type: "json_object"},
	}
	return complete(ctx, c.httpClient, c.baseURL+"/v1/chat/completions", c.apiKey, req)
}

// Provider returns the provider name
func (c *OpenAIClient) Provider() string {
	return "openai"
}

// LocalClient implements LLMClient for local OpenAI-compatible APIs (like Ollama)
type LocalClient struct {
	baseURL     string
	model       string
	maxTokens   int
	temperature float64
	httpClient  *http.Client
}

// DefaultLocalURL is the default Ollama address
const DefaultLocalURL = "http://localhost:11434"

// NewLocalClient creates a new local client
func NewLocalClient(baseURL, model string, maxTokens int, temperature float64) *LocalClient {
	if baseURL == "" {
		baseURL = DefaultLocalURL
	}
	return &LocalClient{
		baseURL:     strings.TrimRight(baseURL, "/"),
		model:       model,
		maxTokens:   maxTokens,
		temperature: temperature,
		httpClient: &http.Client{
			Timeout: 120 * time.Second, // local models are slow
		},
	}
}

// Generate requests a completion from the local API
func (c *LocalClient) Generate(ctx context.Context, prompt Prompt) (string, error) {
	req := chatRequest{
		Model:       c.model,
		Messages:    messages(prompt),
		MaxTokens:   c.maxTokens,
		Temperature: c.temperature,
	}
	return complete(ctx, c.httpClient, c.baseURL+"/v1/chat/completions", "", req)
}

// Provider returns the provider name
func (c *LocalClient) Provider() string {
	return "local"
}

func messages(p Prompt) []Message {
	var out []Message
	if p.System != "" {
		out = append(out, Message{Role: "system", Content: p.System})
	}
	return append(out, Message{Role: "user", Content: p.User})
}

func complete(ctx context.Context, client *http.Client, url, apiKey string, request chatRequest) (string, error) {
	jsonData, err := json.Marshal(request)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonData))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var apiErr apiError
		if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Error.Message != "" {
			return "", fmt.Errorf("LLM API error (status %d): %s", resp.StatusCode, apiErr.Error.Message)
		}
		return "", fmt.Errorf("LLM API request failed with status %d: %s", resp.StatusCode, string(body))
	}

	var response chatResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return "", fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if len(response.Choices) == 0 {
		return "", fmt.Errorf("no choices in response")
	}
	return response.Choices[0].Message.Content, nil
}
