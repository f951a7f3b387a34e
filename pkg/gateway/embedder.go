package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/aluskort/aluskort/pkg/llm"
)

const openaiEmbeddingsURL = "https://api.openai.com/v1/embeddings"

// OpenAIEmbedder calls the embeddings API for incident memory and playbook
// retrieval. It satisfies the vector store's Embedder interface.
type OpenAIEmbedder struct {
	cfg   ProviderConfig
	model string
	dims  uint64
	httpc *http.Client
}

// NewOpenAIEmbedder builds an embedder for the given model. dims of zero
// lets the provider use the model's native width; an empty BaseURL uses the
// public API.
func NewOpenAIEmbedder(cfg ProviderConfig, model string, dims uint64) *OpenAIEmbedder {
	if cfg.BaseURL == "" {
		cfg.BaseURL = openaiEmbeddingsURL
	}
	return &OpenAIEmbedder{
		cfg:   cfg,
		model: model,
		dims:  dims,
		httpc: &http.Client{Timeout: providerTimeout},
	}
}

type openaiEmbeddingRequest struct {
	Model      string   `json:"model"`
	Input      []string `json:"input"`
	Dimensions uint64   `json:"dimensions,omitempty"`
}

type openaiEmbeddingResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// Embed returns one vector per input text, in input order.
func (c *OpenAIEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	body, err := json.Marshal(openaiEmbeddingRequest{Model: c.model, Input: texts, Dimensions: c.dims})
	if err != nil {
		return nil, fmt.Errorf("build embeddings request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("embeddings request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embeddings call: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, llm.NewProviderError(llm.ProviderOpenAI, resp.StatusCode, bodySnippet(resp.Body))
	}

	var parsed openaiEmbeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode embeddings response: %w", err)
	}
	if len(parsed.Data) != len(texts) {
		return nil, fmt.Errorf("embeddings response carried %d vectors for %d inputs", len(parsed.Data), len(texts))
	}

	out := make([][]float32, len(texts))
	for _, d := range parsed.Data {
		if d.Index < 0 || d.Index >= len(out) {
			return nil, fmt.Errorf("embeddings response index %d out of range", d.Index)
		}
		out[d.Index] = d.Embedding
	}
	return out, nil
}
