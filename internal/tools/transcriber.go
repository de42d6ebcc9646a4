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

// transcriberClient talks to the media transcription service.
type transcriberClient struct {
	baseURL    string
	httpClient *http.Client
}

func newTranscriberClient(baseURL string, timeout time.Duration) *transcriberClient {
	return &transcriberClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type transcribeRequest struct {
	URL string `json:"url"`
}

type transcribeResponse struct {
	Title      string `json:"title,omitempty"`
	Transcript string `json:"transcript"`
}

// Transcribe fetches the text of the media behind url.
func (c *transcriberClient) Transcribe(ctx context.Context, url string) (*transcribeResponse, error) {
	body, err := json.Marshal(transcribeRequest{URL: url})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal transcribe request: %w", err)
	}

	resp, err := c.doRequest(ctx, http.MethodPost, "/api/v1/transcribe", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("transcribe request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("transcriber returned status %d: %s", resp.StatusCode, string(msg))
	}

	var out transcribeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode transcribe response: %w", err)
	}
	if out.Transcript == "" {
		return nil, fmt.Errorf("transcriber returned an empty transcript for %s", url)
	}
	return &out, nil
}

func (c *transcriberClient) doRequest(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Parley/1.0.0")

	return c.httpClient.Do(req)
}
