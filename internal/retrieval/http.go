package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/passage"
	"github.com/parleyhq/parley/internal/rank"
)

// HTTPRetriever queries a remote retrieval service that owns its own
// index.
type HTTPRetriever struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPRetriever creates a client for the configured service.
func NewHTTPRetriever(cfg *config.RetrievalConfig) *HTTPRetriever {
	return &HTTPRetriever{
		baseURL: strings.TrimSuffix(cfg.URL, "/"),
		httpClient: &http.Client{
			Timeout: cfg.GetTimeout(),
		},
	}
}

type searchRequest struct {
	Query string `json:"query"`
	Limit int    `json:"limit,omitempty"`
}

type searchResult struct {
	Content  string    `json:"content"`
	SourceID string    `json:"source_id,omitempty"`
	Vector   []float32 `json:"vector,omitempty"`
	Distance float32   `json:"distance"`
}

type searchResponse struct {
	Results []searchResult `json:"results"`
}

// Search posts the query and maps results to scored passages.
func (r *HTTPRetriever) Search(ctx context.Context, query string, limit int) ([]rank.Scored[passage.Passage], error) {
	body, err := json.Marshal(searchRequest{Query: query, Limit: limit})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal search request: %w", err)
	}

	resp, err := r.doRequest(ctx, http.MethodPost, "/api/v1/search", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("search request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("retrieval service returned status %d: %s", resp.StatusCode, string(msg))
	}

	var out searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode search response: %w", err)
	}

	scored := make([]rank.Scored[passage.Passage], 0, len(out.Results))
	for _, res := range out.Results {
		scored = append(scored, rank.Scored[passage.Passage]{
			Item:     passage.Passage{Content: res.Content, Vector: res.Vector, SourceID: res.SourceID},
			Distance: res.Distance,
		})
	}
	return scored, nil
}

// Health checks the service's health endpoint.
func (r *HTTPRetriever) Health(ctx context.Context) error {
	resp, err := r.doRequest(ctx, http.MethodGet, "/health", nil)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("retrieval service health returned status %d", resp.StatusCode)
	}
	return nil
}

func (r *HTTPRetriever) doRequest(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, r.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Parley/1.0.0")

	return r.httpClient.Do(req)
}
