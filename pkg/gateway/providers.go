package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/aluskort/aluskort/pkg/llm"
)

// Default provider endpoints. Tests point BaseURL at a local server.
const (
	anthropicBaseURL = "https://api.anthropic.com/v1/messages"
	openaiBaseURL    = "https://api.openai.com/v1/chat/completions"

	anthropicVersion = "2023-06-01"
	providerTimeout  = 30 * time.Second
)

// ModelResult is what comes back from a provider call.
type ModelResult struct {
	Text         string
	InputTokens  int
	OutputTokens int
}

// ModelCaller executes an assembled prompt against one provider.
type ModelCaller interface {
	Provider() string
	Call(ctx context.Context, prompt AssembledPrompt) (*ModelResult, error)
}

// ProviderConfig holds one provider's credentials and endpoint.
type ProviderConfig struct {
	APIKey  string
	BaseURL string
}

// AnthropicClient talks to the Anthropic messages API.
type AnthropicClient struct {
	cfg     ProviderConfig
	httpc   *http.Client
	adapter AnthropicAdapter
}

// NewAnthropicClient builds a client; an empty BaseURL uses the public API.
func NewAnthropicClient(cfg ProviderConfig) *AnthropicClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = anthropicBaseURL
	}
	return &AnthropicClient{
		cfg:   cfg,
		httpc: &http.Client{Timeout: providerTimeout},
	}
}

func (c *AnthropicClient) Provider() string { return llm.ProviderAnthropic }

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func (c *AnthropicClient) Call(ctx context.Context, prompt AssembledPrompt) (*ModelResult, error) {
	body, err := c.adapter.Build(prompt)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("anthropic request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.cfg.APIKey)
	req.Header.Set("anthropic-version", anthropicVersion)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("anthropic call: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, llm.NewProviderError(llm.ProviderAnthropic, resp.StatusCode, bodySnippet(resp.Body))
	}

	var parsed anthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode anthropic response: %w", err)
	}
	var text string
	for _, block := range parsed.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	return &ModelResult{
		Text:         text,
		InputTokens:  parsed.Usage.InputTokens,
		OutputTokens: parsed.Usage.OutputTokens,
	}, nil
}

// OpenAIClient talks to the chat completions API.
type OpenAIClient struct {
	cfg     ProviderConfig
	httpc   *http.Client
	adapter OpenAIAdapter
}

// NewOpenAIClient builds a client; an empty BaseURL uses the public API.
func NewOpenAIClient(cfg ProviderConfig) *OpenAIClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = openaiBaseURL
	}
	return &OpenAIClient{
		cfg:   cfg,
		httpc: &http.Client{Timeout: providerTimeout},
	}
}

func (c *OpenAIClient) Provider() string { return llm.ProviderOpenAI }

type openaiResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

func (c *OpenAIClient) Call(ctx context.Context, prompt AssembledPrompt) (*ModelResult, error) {
	body, err := c.adapter.Build(prompt)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("openai request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("openai call: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, llm.NewProviderError(llm.ProviderOpenAI, resp.StatusCode, bodySnippet(resp.Body))
	}

	var parsed openaiResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode openai response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return nil, llm.NewProviderError(llm.ProviderOpenAI, resp.StatusCode, "response carried no choices")
	}
	return &ModelResult{
		Text:         parsed.Choices[0].Message.Content,
		InputTokens:  parsed.Usage.PromptTokens,
		OutputTokens: parsed.Usage.CompletionTokens,
	}, nil
}

// bodySnippet reads enough of an error body for diagnostics without trusting
// its size.
func bodySnippet(r io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(r, 512))
	if err != nil || len(raw) == 0 {
		return "no response body"
	}
	return string(raw)
}

// StubClient is the deterministic no-network provider. Dev deployments
// configure it under kind "stub"; it always returns a suspicious verdict at
// mid confidence so nothing auto-closes and nothing executes off its word.
type StubClient struct {
	provider string
}

// NewStubClient builds a stub registered under the given provider name so
// the router and breaker paths see a real provider identity.
func NewStubClient(provider string) *StubClient {
	if provider == "" {
		provider = "stub"
	}
	return &StubClient{provider: provider}
}

func (c *StubClient) Provider() string { return c.provider }

func (c *StubClient) Call(_ context.Context, prompt AssembledPrompt) (*ModelResult, error) {
	text := `{"classification":"suspicious","confidence":0.5,"rationale":"stub provider verdict"}`
	return &ModelResult{
		Text:         text,
		InputTokens:  len(prompt.userContent()) / 4,
		OutputTokens: len(text) / 4,
	}, nil
}

var (
	_ ModelCaller = (*AnthropicClient)(nil)
	_ ModelCaller = (*OpenAIClient)(nil)
	_ ModelCaller = (*StubClient)(nil)
)
