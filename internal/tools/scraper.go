package tools

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

// scraperClient talks to the repository scraping service.
type scraperClient struct {
	baseURL    string
	httpClient *http.Client
}

func newScraperClient(baseURL string, timeout time.Duration) *scraperClient {
	return &scraperClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type scrapeRequest struct {
	Repo string `json:"repo"`
}

// ScrapedFile is one repository file with its fetched content. Path is
// used as the passage source id, so re-scraping replaces prior rows.
type ScrapedFile struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

type scrapeResponse struct {
	Files []ScrapedFile `json:"files"`
}

// Scrape fetches every file of the referenced repository
// ("owner/repo").
func (c *scraperClient) Scrape(ctx context.Context, repo string) ([]ScrapedFile, error) {
	body, err := json.Marshal(scrapeRequest{Repo: repo})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal scrape request: %w", err)
	}

	resp, err := c.doRequest(ctx, http.MethodPost, "/api/v1/scrape", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("scrape request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("scraper returned status %d: %s", resp.StatusCode, string(msg))
	}

	var out scrapeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode scrape response: %w", err)
	}
	return out.Files, nil
}

func (c *scraperClient) doRequest(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Parley/1.0.0")

	return c.httpClient.Do(req)
}
