package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/session"
)

// ErrNoChoices means the backend answered cleanly but returned an empty
// choice list.
var ErrNoChoices = errors.New("no choices in response")

// IsNoChoices reports whether err means the backend returned zero
// choices rather than failing outright.
func IsNoChoices(err error) bool {
	return errors.Is(err, ErrNoChoices)
}

const defaultEmbeddingModel = "text-embedding-ada-002"

// OpenAIEngine talks to any OpenAI-compatible chat/embeddings API.
type OpenAIEngine struct {
	name           string
	baseURL        string
	apiKey         string
	embeddingModel string
	httpClient     *http.Client
}

// NewOpenAIEngine creates an engine from its config block.
func NewOpenAIEngine(ec config.EngineConfig) (*OpenAIEngine, error) {
	if ec.URL == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	embeddingModel := ec.EmbeddingModel
	if embeddingModel == "" {
		embeddingModel = defaultEmbeddingModel
	}
	return &OpenAIEngine{
		name:           ec.Name,
		baseURL:        strings.TrimSuffix(ec.URL, "/"),
		apiKey:         ec.APIKey,
		embeddingModel: embeddingModel,
		httpClient:     &http.Client{Timeout: ec.GetTimeout()},
	}, nil
}

func (e *OpenAIEngine) Name() string { return e.name }

type openAIChatRequest struct {
	Model     string            `json:"model"`
	Messages  []session.Message `json:"messages"`
	MaxTokens int               `json:"max_tokens,omitempty"`
}

type openAIChatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index   int             `json:"index"`
		Message session.Message `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// Chat sends the rendered prompt to /chat/completions and returns the
// first choice.
func (e *OpenAIEngine) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	payload := openAIChatRequest{
		Model:     req.Model,
		Messages:  req.Messages,
		MaxTokens: req.MaxTokens,
	}

	var out openAIChatResponse
	if err := e.post(ctx, "/chat/completions", payload, &out); err != nil {
		return nil, err
	}
	if len(out.Choices) == 0 {
		return nil, ErrNoChoices
	}
	return &ChatResponse{
		Content:    out.Choices[0].Message.Content,
		Model:      out.Model,
		TokensUsed: out.Usage.TotalTokens,
	}, nil
}

type openAIEmbeddingRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type openAIEmbeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// Embed converts text to a vector via /embeddings.
func (e *OpenAIEngine) Embed(ctx context.Context, text string) ([]float32, error) {
	payload := openAIEmbeddingRequest{Model: e.embeddingModel, Input: text}

	var out openAIEmbeddingResponse
	if err := e.post(ctx, "/embeddings", payload, &out); err != nil {
		return nil, err
	}
	if len(out.Data) == 0 {
		return nil, fmt.Errorf("no embedding in response")
	}
	return out.Data[0].Embedding, nil
}

// Health verifies the engine is usable without spending tokens.
func (e *OpenAIEngine) Health(ctx context.Context) error {
	if e.apiKey == "" {
		return fmt.Errorf("API key is not configured")
	}
	return nil
}

func (e *OpenAIEngine) post(ctx context.Context, path string, payload, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if e.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+e.apiKey)
	}

	resp, err := e.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("openai API returned status %d: %s", resp.StatusCode, string(msg))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
