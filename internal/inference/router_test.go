package inference

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/session"
)

func testConfig(url string) *config.Config {
	return &config.Config{
		Inference: config.InferenceConfig{
			Engines: []config.EngineConfig{
				{Name: "primary", Type: "openai", URL: url, APIKey: "test-key"},
			},
			DefaultEngine: "primary",
		},
	}
}

func TestNewRouter(t *testing.T) {
	router, err := NewRouter(testConfig("http://localhost:9999/v1"))
	if err != nil {
		t.Fatalf("NewRouter failed: %v", err)
	}
	if router.Default() != "primary" {
		t.Errorf("expected default engine primary, got %s", router.Default())
	}
}

func TestNewRouterUnknownDefault(t *testing.T) {
	cfg := testConfig("http://localhost:9999/v1")
	cfg.Inference.DefaultEngine = "missing"
	if _, err := NewRouter(cfg); err == nil {
		t.Fatal("expected error for unknown default engine")
	}
}

func TestNewRouterUnknownType(t *testing.T) {
	cfg := testConfig("http://localhost:9999/v1")
	cfg.Inference.Engines[0].Type = "quantum"
	if _, err := NewRouter(cfg); err == nil {
		t.Fatal("expected error for unknown engine type")
	}
}

func TestRouterEngineFallsBackToDefault(t *testing.T) {
	router, err := NewRouter(testConfig("http://localhost:9999/v1"))
	if err != nil {
		t.Fatalf("NewRouter failed: %v", err)
	}
	eng, err := router.Engine("")
	if err != nil {
		t.Fatalf("Engine lookup failed: %v", err)
	}
	if eng.Name() != "primary" {
		t.Errorf("expected primary, got %s", eng.Name())
	}
	if _, err := router.Engine("nope"); err == nil {
		t.Error("expected error for unknown engine name")
	}
}

func TestOpenAIChat(t *testing.T) {
	var gotReq openAIChatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer test-key" {
			t.Errorf("unexpected auth header %q", auth)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"model": "gpt-3.5-turbo",
			"choices": []map[string]any{
				{"index": 0, "message": map[string]string{"role": "assistant", "content": "hello there"}},
			},
			"usage": map[string]int{"total_tokens": 21},
		})
	}))
	defer srv.Close()

	router, err := NewRouter(testConfig(srv.URL))
	if err != nil {
		t.Fatalf("NewRouter failed: %v", err)
	}

	resp, err := router.Chat(context.Background(), "", &ChatRequest{
		Model:     "gpt-3.5-turbo",
		Messages:  []session.Message{{Role: session.RoleUser, Content: "hi", Name: "alice"}},
		MaxTokens: 64,
	})
	if err != nil {
		t.Fatalf("Chat failed: %v", err)
	}
	if resp.Content != "hello there" {
		t.Errorf("unexpected content %q", resp.Content)
	}
	if resp.TokensUsed != 21 {
		t.Errorf("unexpected token count %d", resp.TokensUsed)
	}
	if gotReq.MaxTokens != 64 {
		t.Errorf("max_tokens not forwarded, got %d", gotReq.MaxTokens)
	}
	if len(gotReq.Messages) != 1 || gotReq.Messages[0].Name != "alice" {
		t.Errorf("speaker name not forwarded: %+v", gotReq.Messages)
	}
}

func TestOpenAIChatNoChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"model": "gpt-3.5-turbo", "choices": []any{}})
	}))
	defer srv.Close()

	router, err := NewRouter(testConfig(srv.URL))
	if err != nil {
		t.Fatalf("NewRouter failed: %v", err)
	}

	_, err = router.Chat(context.Background(), "primary", &ChatRequest{Model: "gpt-3.5-turbo"})
	if err == nil {
		t.Fatal("expected error for empty choice list")
	}
	if !IsNoChoices(err) {
		t.Errorf("expected ErrNoChoices, got %v", err)
	}
}

func TestOpenAIEmbed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/embeddings" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{{"embedding": []float32{0.1, 0.2, 0.3}}},
		})
	}))
	defer srv.Close()

	router, err := NewRouter(testConfig(srv.URL))
	if err != nil {
		t.Fatalf("NewRouter failed: %v", err)
	}

	vec, err := router.Embed(context.Background(), "", "some text")
	if err != nil {
		t.Fatalf("Embed failed: %v", err)
	}
	if len(vec) != 3 {
		t.Errorf("unexpected vector length %d", len(vec))
	}
}

func TestOpenAIChatServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	router, err := NewRouter(testConfig(srv.URL))
	if err != nil {
		t.Fatalf("NewRouter failed: %v", err)
	}

	_, err = router.Chat(context.Background(), "", &ChatRequest{Model: "gpt-3.5-turbo"})
	if err == nil {
		t.Fatal("expected error for 503 response")
	}
	if IsNoChoices(err) {
		t.Error("transport error must not look like an empty choice list")
	}
}
