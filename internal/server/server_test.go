package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/parleyhq/parley/internal/channel"
	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/conversation"
	"github.com/parleyhq/parley/internal/inference"
	"github.com/parleyhq/parley/internal/messaging"
)

type stubBroadcaster struct{}

func (stubBroadcaster) Send(channel.ConversationID, string) {}
func (stubBroadcaster) TypingStart(channel.ConversationID)  {}
func (stubBroadcaster) TypingStop(channel.ConversationID)   {}

type stubGenerator struct{}

func (stubGenerator) Chat(ctx context.Context, engine string, req *inference.ChatRequest) (*inference.ChatResponse, error) {
	return &inference.ChatResponse{Content: "stub reply", Model: req.Model}, nil
}

func testServer(t *testing.T, port int) (*Server, *conversation.Registry) {
	t.Helper()
	cfg := &config.Config{
		Server: config.ServerConfig{Host: "localhost", Port: port},
		Inference: config.InferenceConfig{
			DefaultEngine: "openai",
			Engines: []config.EngineConfig{
				{Name: "openai", Type: "openai", URL: "http://localhost:9"},
			},
		},
	}
	router, err := inference.NewRouter(cfg)
	if err != nil {
		t.Fatalf("building router: %v", err)
	}
	reg := conversation.NewRegistry(conversation.Settings{
		WakePhrase: "Lovelace",
		Model:      "gpt-3.5-turbo",
		Threshold:  0.35,
		Limit:      4,
	}, conversation.Deps{
		Broadcaster: stubBroadcaster{},
		Generator:   stubGenerator{},
	})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	reg.Start(ctx)
	return New(cfg, reg, router, channel.NewHub(4), nil), reg
}

type stubDLQ struct {
	letters []messaging.DeadLetter
	retried []string
	deleted []string
}

func (q *stubDLQ) DeadLetters(ctx context.Context, count int) ([]messaging.DeadLetter, error) {
	if count > len(q.letters) {
		count = len(q.letters)
	}
	return q.letters[:count], nil
}

func (q *stubDLQ) find(id string) bool {
	for _, l := range q.letters {
		if l.DLQID == id {
			return true
		}
	}
	return false
}

func (q *stubDLQ) Retry(ctx context.Context, id string) error {
	if !q.find(id) {
		return fmt.Errorf("DLQ message not found: %s", id)
	}
	q.retried = append(q.retried, id)
	return nil
}

func (q *stubDLQ) Delete(ctx context.Context, id string) error {
	if !q.find(id) {
		return fmt.Errorf("DLQ message not found: %s", id)
	}
	q.deleted = append(q.deleted, id)
	return nil
}

func (q *stubDLQ) Count(ctx context.Context) (int64, error) {
	return int64(len(q.letters)), nil
}

func doRequest(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshaling body: %v", err)
		}
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rd)
	w := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	s, _ := testServer(t, 18800)
	w := doRequest(t, s, http.MethodGet, "/health", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var hr HealthResponse
	if err := json.NewDecoder(w.Body).Decode(&hr); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if hr.Status != "healthy" {
		t.Errorf("expected healthy, got %s", hr.Status)
	}
}

func TestStatusCountsConversations(t *testing.T) {
	s, reg := testServer(t, 18800)
	if _, err := reg.FetchOrCreate(context.Background(), nil); err != nil {
		t.Fatalf("creating conversation: %v", err)
	}

	w := doRequest(t, s, http.MethodGet, "/api/v1/status", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var sr StatusResponse
	if err := json.NewDecoder(w.Body).Decode(&sr); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if sr.Conversations != 1 {
		t.Errorf("expected 1 conversation, got %d", sr.Conversations)
	}
	if sr.DefaultEngine != "openai" {
		t.Errorf("expected default engine openai, got %s", sr.DefaultEngine)
	}
	if len(sr.Engines) != 1 || sr.Engines[0] != "openai" {
		t.Errorf("unexpected engines: %v", sr.Engines)
	}
}

func TestHistoryUnknownConversationIs404(t *testing.T) {
	s, reg := testServer(t, 18800)
	w := doRequest(t, s, http.MethodGet, "/api/v1/conversations/99/history", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
	var body map[string]string
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decoding error body: %v", err)
	}
	if body["error"] == "" {
		t.Error("expected a JSON error message")
	}
	// A read must never create the conversation as a side effect.
	if reg.Exists(context.Background(), 99) {
		t.Error("lookup created the conversation")
	}
}

func TestHistoryReturnsOrderedTurns(t *testing.T) {
	s, reg := testServer(t, 18800)
	id := channel.ConversationID(7)
	a, err := reg.FetchOrCreate(context.Background(), &id)
	if err != nil {
		t.Fatalf("creating conversation: %v", err)
	}
	a.Deliver(&channel.Envelope{Conversation: id, Author: "alice", Text: "hi there"})

	w := doRequest(t, s, http.MethodGet, "/api/v1/conversations/7/history", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var hr HistoryResponse
	if err := json.NewDecoder(w.Body).Decode(&hr); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if hr.ID != id {
		t.Errorf("expected id 7, got %s", hr.ID)
	}
	if len(hr.Turns) != 2 {
		t.Fatalf("expected 2 turns, got %d", len(hr.Turns))
	}
	if hr.Turns[0].Speaker != "alice" || hr.Turns[0].Text != "hi there" {
		t.Errorf("unexpected first turn: %+v", hr.Turns[0])
	}
	if hr.Turns[1].Speaker != "Lovelace" || hr.Turns[1].Text != "stub reply" {
		t.Errorf("unexpected second turn: %+v", hr.Turns[1])
	}
}

func TestClearEmptiesHistory(t *testing.T) {
	s, reg := testServer(t, 18800)
	id := channel.ConversationID(8)
	a, err := reg.FetchOrCreate(context.Background(), &id)
	if err != nil {
		t.Fatalf("creating conversation: %v", err)
	}
	a.Deliver(&channel.Envelope{Conversation: id, Author: "alice", Text: "hi there"})

	w := doRequest(t, s, http.MethodPost, "/api/v1/conversations/8/clear", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	w = doRequest(t, s, http.MethodGet, "/api/v1/conversations/8/history", nil)
	var hr HistoryResponse
	if err := json.NewDecoder(w.Body).Decode(&hr); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if len(hr.Turns) != 0 {
		t.Errorf("expected empty history, got %d turns", len(hr.Turns))
	}
}

func TestWakeUpdatesPhrase(t *testing.T) {
	s, reg := testServer(t, 18800)
	id := channel.ConversationID(9)
	a, err := reg.FetchOrCreate(context.Background(), &id)
	if err != nil {
		t.Fatalf("creating conversation: %v", err)
	}

	w := doRequest(t, s, http.MethodPost, "/api/v1/conversations/9/wake", map[string]string{"phrase": "Ada"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	info, err := a.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if info.WakePhrase != "Ada" {
		t.Errorf("expected wake phrase Ada, got %s", info.WakePhrase)
	}
}

func TestModelSwitchAndValidation(t *testing.T) {
	s, reg := testServer(t, 18800)
	id := channel.ConversationID(10)
	a, err := reg.FetchOrCreate(context.Background(), &id)
	if err != nil {
		t.Fatalf("creating conversation: %v", err)
	}

	w := doRequest(t, s, http.MethodPost, "/api/v1/conversations/10/model", map[string]string{})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing model, got %d", w.Code)
	}

	w = doRequest(t, s, http.MethodPost, "/api/v1/conversations/10/model", map[string]string{"model": "gpt-4"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	info, err := a.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if info.Model != "gpt-4" {
		t.Errorf("expected model gpt-4, got %s", info.Model)
	}
}

func TestCreateWithExplicitID(t *testing.T) {
	s, reg := testServer(t, 18800)
	w := doRequest(t, s, http.MethodPost, "/api/v1/conversations", map[string]string{"id": "42"})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", w.Code)
	}
	var info conversation.Info
	if err := json.NewDecoder(w.Body).Decode(&info); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if info.ID != 42 {
		t.Errorf("expected id 42, got %s", info.ID)
	}
	if !reg.Exists(context.Background(), 42) {
		t.Error("conversation was not registered")
	}
}

func TestCreateDrawsRandomID(t *testing.T) {
	s, reg := testServer(t, 18800)
	w := doRequest(t, s, http.MethodPost, "/api/v1/conversations", nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", w.Code)
	}
	var info conversation.Info
	if err := json.NewDecoder(w.Body).Decode(&info); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if !reg.Exists(context.Background(), info.ID) {
		t.Errorf("conversation %s was not registered", info.ID)
	}
}

func TestUnknownActionIs404(t *testing.T) {
	s, _ := testServer(t, 18800)
	w := doRequest(t, s, http.MethodGet, "/api/v1/conversations/7/bogus", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestBadConversationIDIs400(t *testing.T) {
	s, _ := testServer(t, 18800)
	w := doRequest(t, s, http.MethodGet, "/api/v1/conversations/abc/history", nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestMethodGuards(t *testing.T) {
	s, _ := testServer(t, 18800)
	w := doRequest(t, s, http.MethodGet, "/api/v1/conversations", nil)
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405 for GET create, got %d", w.Code)
	}
	w = doRequest(t, s, http.MethodPost, "/health", nil)
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405 for POST health, got %d", w.Code)
	}
}

func TestDLQRoutes404WithoutBroker(t *testing.T) {
	s, _ := testServer(t, 18800)
	w := doRequest(t, s, http.MethodGet, "/api/v1/dlq", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404 for list, got %d", w.Code)
	}
	w = doRequest(t, s, http.MethodPost, "/api/v1/dlq/abc/retry", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404 for retry, got %d", w.Code)
	}
}

func TestDLQListReportsDepthAndLetters(t *testing.T) {
	s, _ := testServer(t, 18800)
	s.dlq = &stubDLQ{letters: []messaging.DeadLetter{
		{DLQID: "1-0", Values: map[string]interface{}{"text": "hi"}, Error: "missing conversation field", DeadAt: 1700000000},
		{DLQID: "2-0", Values: map[string]interface{}{"text": "yo"}, Error: "missing author field", DeadAt: 1700000060},
	}}

	w := doRequest(t, s, http.MethodGet, "/api/v1/dlq", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp DLQResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.Depth != 2 {
		t.Errorf("expected depth 2, got %d", resp.Depth)
	}
	if len(resp.Letters) != 2 {
		t.Fatalf("expected 2 letters, got %d", len(resp.Letters))
	}
	if resp.Letters[0].ID != "1-0" || resp.Letters[0].Error != "missing conversation field" {
		t.Errorf("unexpected first letter: %+v", resp.Letters[0])
	}

	w = doRequest(t, s, http.MethodGet, "/api/v1/dlq?count=1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	resp = DLQResponse{}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if len(resp.Letters) != 1 {
		t.Errorf("expected count to cap letters at 1, got %d", len(resp.Letters))
	}
	if resp.Depth != 2 {
		t.Errorf("depth must report the full queue, got %d", resp.Depth)
	}

	w = doRequest(t, s, http.MethodGet, "/api/v1/dlq?count=zero", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad count, got %d", w.Code)
	}
}

func TestDLQRetryAndDelete(t *testing.T) {
	s, _ := testServer(t, 18800)
	q := &stubDLQ{letters: []messaging.DeadLetter{{DLQID: "1-0"}}}
	s.dlq = q

	w := doRequest(t, s, http.MethodPost, "/api/v1/dlq/1-0/retry", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if len(q.retried) != 1 || q.retried[0] != "1-0" {
		t.Errorf("retry was not forwarded: %v", q.retried)
	}

	w = doRequest(t, s, http.MethodDelete, "/api/v1/dlq/1-0", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if len(q.deleted) != 1 || q.deleted[0] != "1-0" {
		t.Errorf("delete was not forwarded: %v", q.deleted)
	}

	w = doRequest(t, s, http.MethodPost, "/api/v1/dlq/9-9/retry", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown id, got %d", w.Code)
	}
	w = doRequest(t, s, http.MethodGet, "/api/v1/dlq/1-0", nil)
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405 for GET on an item, got %d", w.Code)
	}
}

func TestShutdown(t *testing.T) {
	s, _ := testServer(t, 18801)
	go s.Start()
	time.Sleep(100 * time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		t.Errorf("shutdown failed: %v", err)
	}
}
