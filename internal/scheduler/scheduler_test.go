package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/parleyhq/parley/internal/channel"
	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/conversation"
	"github.com/parleyhq/parley/internal/inference"
	"github.com/parleyhq/parley/internal/passage"
)

type stubBroadcaster struct{}

func (stubBroadcaster) Send(channel.ConversationID, string) {}
func (stubBroadcaster) TypingStart(channel.ConversationID)  {}
func (stubBroadcaster) TypingStop(channel.ConversationID)   {}

type stubGenerator struct{}

func (stubGenerator) Chat(ctx context.Context, engine string, req *inference.ChatRequest) (*inference.ChatResponse, error) {
	return &inference.ChatResponse{Content: "ok", Model: req.Model}, nil
}

func testRegistry(t *testing.T) *conversation.Registry {
	t.Helper()
	reg := conversation.NewRegistry(conversation.Settings{
		Model:     "gpt-3.5-turbo",
		Threshold: 0.35,
		Limit:     4,
	}, conversation.Deps{
		Broadcaster: stubBroadcaster{},
		Generator:   stubGenerator{},
	})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	reg.Start(ctx)
	return reg
}

func TestNewRejectsBadCronSpec(t *testing.T) {
	cfg := &config.SchedulerConfig{IdleSweep: "not a cron spec"}
	if _, err := New(cfg, testRegistry(t), nil); err == nil {
		t.Fatal("expected an error for a bad cron spec")
	}
}

func TestEmptySpecsDisableJobs(t *testing.T) {
	s, err := New(&config.SchedulerConfig{}, testRegistry(t), nil)
	if err != nil {
		t.Fatalf("building scheduler: %v", err)
	}
	s.Start()
	s.Stop()
}

func TestSweepStopsIdleConversations(t *testing.T) {
	reg := testRegistry(t)
	id := channel.ConversationID(3)
	if _, err := reg.FetchOrCreate(context.Background(), &id); err != nil {
		t.Fatalf("creating conversation: %v", err)
	}

	cfg := &config.SchedulerConfig{IdleSweep: "@every 1h", IdleAfter: "10ms"}
	s, err := New(cfg, reg, nil)
	if err != nil {
		t.Fatalf("building scheduler: %v", err)
	}

	time.Sleep(30 * time.Millisecond)
	s.sweepIdle()

	if reg.Exists(context.Background(), id) {
		t.Error("idle conversation survived the sweep")
	}
}

func TestVacuumRunsAgainstStore(t *testing.T) {
	store, err := passage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	cfg := &config.SchedulerConfig{Vacuum: "@every 1h"}
	s, err := New(cfg, testRegistry(t), store)
	if err != nil {
		t.Fatalf("building scheduler: %v", err)
	}
	s.vacuum()

	if _, err := store.Count(context.Background()); err != nil {
		t.Errorf("store unusable after vacuum: %v", err)
	}
}
