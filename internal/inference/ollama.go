package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/session"
)

// OllamaEngine talks to a local Ollama instance.
type OllamaEngine struct {
	name           string
	baseURL        string
	embeddingModel string
	httpClient     *http.Client
}

// NewOllamaEngine creates an engine from its config block.
func NewOllamaEngine(ec config.EngineConfig) (*OllamaEngine, error) {
	if ec.URL == "" {
		return nil, fmt.Errorf("ollama URL is required")
	}
	embeddingModel := ec.EmbeddingModel
	if embeddingModel == "" {
		embeddingModel = "nomic-embed-text"
	}
	return &OllamaEngine{
		name:           ec.Name,
		baseURL:        strings.TrimSuffix(ec.URL, "/"),
		embeddingModel: embeddingModel,
		httpClient:     &http.Client{Timeout: ec.GetTimeout()},
	}, nil
}

func (e *OllamaEngine) Name() string { return e.name }

type ollamaChatRequest struct {
	Model    string            `json:"model"`
	Messages []session.Message `json:"messages"`
	Stream   bool              `json:"stream"`
	Options  map[string]any    `json:"options,omitempty"`
}

type ollamaChatResponse struct {
	Model   string          `json:"model"`
	Message session.Message `json:"message"`
	Done    bool            `json:"done"`
	// eval_count is completion tokens only; prompt tokens arrive
	// separately.
	PromptCount int `json:"prompt_eval_count"`
	EvalCount   int `json:"eval_count"`
}

// Chat sends the rendered prompt to /api/chat.
func (e *OllamaEngine) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	payload := ollamaChatRequest{
		Model:    req.Model,
		Messages: req.Messages,
		Stream:   false,
	}
	if req.MaxTokens > 0 {
		payload.Options = map[string]any{"num_predict": req.MaxTokens}
	}

	var out ollamaChatResponse
	if err := e.post(ctx, "/api/chat", payload, &out); err != nil {
		return nil, err
	}
	if out.Message.Content == "" {
		return nil, ErrNoChoices
	}
	return &ChatResponse{
		Content:    out.Message.Content,
		Model:      out.Model,
		TokensUsed: out.PromptCount + out.EvalCount,
	}, nil
}

type ollamaEmbeddingRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaEmbeddingResponse struct {
	Embedding []float32 `json:"embedding"`
}

// Embed converts text to a vector via /api/embeddings.
func (e *OllamaEngine) Embed(ctx context.Context, text string) ([]float32, error) {
	payload := ollamaEmbeddingRequest{Model: e.embeddingModel, Prompt: text}

	var out ollamaEmbeddingResponse
	if err := e.post(ctx, "/api/embeddings", payload, &out); err != nil {
		return nil, err
	}
	if len(out.Embedding) == 0 {
		return nil, fmt.Errorf("no embedding in response")
	}
	return out.Embedding, nil
}

// Health checks the tags endpoint.
func (e *OllamaEngine) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.baseURL+"/api/tags", nil)
	if err != nil {
		return fmt.Errorf("failed to create health request: %w", err)
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ollama health check returned status %d", resp.StatusCode)
	}
	return nil
}

func (e *OllamaEngine) post(ctx context.Context, path string, payload, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("ollama returned status %d: %s", resp.StatusCode, string(msg))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
