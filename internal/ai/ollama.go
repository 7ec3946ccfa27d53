// Package ai talks to the local Ollama server used for title embeddings.
package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/sync/singleflight"
)

type OllamaClient struct {
	BaseURL    string
	EmbedModel string

	http  *http.Client
	group singleflight.Group
}

func NewOllamaClient(baseURL, embedModel string) *OllamaClient {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if embedModel == "" {
		embedModel = "nomic-embed-text"
	}
	return &OllamaClient{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		EmbedModel: embedModel,
		http:       &http.Client{Timeout: 10 * time.Second},
	}
}

type embeddingRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type embeddingResponse struct {
	Embedding []float32 `json:"embedding"`
}

// Embed returns the embedding for text. Concurrent calls for the same text
// share one request.
func (c *OllamaClient) Embed(ctx context.Context, text string) ([]float32, error) {
	v, err, _ := c.group.Do(text, func() (any, error) {
		return c.embed(ctx, text)
	})
	if err != nil {
		return nil, err
	}
	vec := v.([]float32)
	out := make([]float32, len(vec))
	copy(out, vec)
	return out, nil
}

func (c *OllamaClient) embed(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(embeddingRequest{Model: c.EmbedModel, Prompt: text})
	if err != nil {
		return nil, eris.Wrap(err, "ollama: marshal request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/api/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, eris.Wrap(err, "ollama: create request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "ollama: request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, eris.Errorf("ollama: returned status %d", resp.StatusCode)
	}

	var parsed embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, eris.Wrap(err, "ollama: decode response")
	}
	if len(parsed.Embedding) == 0 {
		return nil, eris.New("ollama: empty embedding")
	}
	return parsed.Embedding, nil
}

// Ping checks that the server answers.
func (c *OllamaClient) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/api/tags", nil)
	if err != nil {
		return eris.Wrap(err, "ollama: create request")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return eris.Wrap(err, "ollama: ping")
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return eris.Errorf("ollama: ping returned status %d", resp.StatusCode)
	}
	return nil
}
