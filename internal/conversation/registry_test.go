package conversation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parleyhq/parley/internal/channel"
	"github.com/parleyhq/parley/internal/inference"
)

func startRegistry(t *testing.T, deps Deps) *Registry {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if deps.Broadcaster == nil {
		deps.Broadcaster = &mockBroadcaster{}
	}
	if deps.Generator == nil {
		deps.Generator = &mockGenerator{}
	}
	r := NewRegistry(testSettings(), deps)
	r.Start(ctx)
	return r
}

func TestFetchOrCreateDrawsDistinctIDs(t *testing.T) {
	r := startRegistry(t, Deps{})
	ctx := context.Background()

	a, err := r.FetchOrCreate(ctx, nil)
	require.NoError(t, err)
	b, err := r.FetchOrCreate(ctx, nil)
	require.NoError(t, err)

	assert.NotEqual(t, a.ID(), b.ID())
	assert.NotSame(t, a, b)
}

func TestFetchOrCreateReturnsSameHandle(t *testing.T) {
	r := startRegistry(t, Deps{})
	ctx := context.Background()
	id := channel.ConversationID(42)

	a, err := r.FetchOrCreate(ctx, &id)
	require.NoError(t, err)
	b, err := r.FetchOrCreate(ctx, &id)
	require.NoError(t, err)

	assert.Same(t, a, b)
	assert.Equal(t, id, a.ID())
	assert.True(t, r.Exists(ctx, id))
}

func TestGetNeverCreates(t *testing.T) {
	r := startRegistry(t, Deps{})
	ctx := context.Background()
	id := channel.ConversationID(99)

	_, err := r.Get(ctx, id)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.False(t, r.Exists(ctx, id), "a failed lookup must not create the conversation")
}

func TestStopConversationFreesID(t *testing.T) {
	r := startRegistry(t, Deps{})
	ctx := context.Background()
	id := channel.ConversationID(7)

	a, err := r.FetchOrCreate(ctx, &id)
	require.NoError(t, err)

	require.NoError(t, r.StopConversation(ctx, id))
	assert.False(t, r.Exists(ctx, id))
	assert.ErrorIs(t, r.StopConversation(ctx, id), ErrNotFound)

	select {
	case <-a.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("stopped actor did not terminate")
	}

	// The id is immediately reusable with a fresh actor.
	b, err := r.FetchOrCreate(ctx, &id)
	require.NoError(t, err)
	assert.NotSame(t, a, b)
}

func TestCrashReapsMappingAndRecreates(t *testing.T) {
	g := &mockGenerator{fn: func(*inference.ChatRequest) (*inference.ChatResponse, error) {
		panic("backend client bug")
	}}
	r := startRegistry(t, Deps{Generator: g})
	ctx := context.Background()

	env := envelope(11, "alice", "lovelace hello", true)
	require.NoError(t, r.Route(ctx, env))

	require.Eventually(t, func() bool {
		return !r.Exists(ctx, 11)
	}, 2*time.Second, 10*time.Millisecond, "crashed actor's mapping must be reaped")

	// A later reference starts fresh; the in-flight turn was dropped.
	a, err := r.FetchOrCreate(ctx, &env.Conversation)
	require.NoError(t, err)
	turns, err := a.History(ctx)
	require.NoError(t, err)
	assert.Empty(t, turns)
}

func TestRouteCreatesOnFirstContact(t *testing.T) {
	r := startRegistry(t, Deps{})
	ctx := context.Background()

	env := envelope(23, "alice", "hello there", false)
	require.NoError(t, r.Route(ctx, env))

	a, err := r.Get(ctx, 23)
	require.NoError(t, err)
	turns, err := a.History(ctx)
	require.NoError(t, err)
	require.Len(t, turns, 2, "routed envelope engaged the conversation")
}

func TestListIsSorted(t *testing.T) {
	r := startRegistry(t, Deps{})
	ctx := context.Background()

	for _, id := range []channel.ConversationID{50, 3, 17} {
		_, err := r.FetchOrCreate(ctx, &id)
		require.NoError(t, err)
	}

	ids, err := r.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []channel.ConversationID{3, 17, 50}, ids)
}

func TestSweepStopsIdleConversations(t *testing.T) {
	r := startRegistry(t, Deps{})
	ctx := context.Background()

	idA := channel.ConversationID(1)
	idB := channel.ConversationID(2)
	_, err := r.FetchOrCreate(ctx, &idA)
	require.NoError(t, err)
	_, err = r.FetchOrCreate(ctx, &idB)
	require.NoError(t, err)

	// Zero disables the sweep entirely.
	n, err := r.Sweep(ctx, 0)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.True(t, r.Exists(ctx, idA))

	time.Sleep(30 * time.Millisecond)
	n, err = r.Sweep(ctx, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.False(t, r.Exists(ctx, idA))
	assert.False(t, r.Exists(ctx, idB))
}

func TestSweepSparesActiveConversations(t *testing.T) {
	r := startRegistry(t, Deps{})
	ctx := context.Background()

	idle := channel.ConversationID(1)
	_, err := r.FetchOrCreate(ctx, &idle)
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)

	busy := channel.ConversationID(2)
	busyActor, err := r.FetchOrCreate(ctx, &busy)
	require.NoError(t, err)
	busyActor.Deliver(envelope(busy, "alice", "hello", false))
	_, err = busyActor.History(ctx)
	require.NoError(t, err)

	n, err := r.Sweep(ctx, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.False(t, r.Exists(ctx, idle))
	assert.True(t, r.Exists(ctx, busy))
}

func TestRegistryClosedAfterShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := NewRegistry(testSettings(), Deps{Broadcaster: &mockBroadcaster{}, Generator: &mockGenerator{}})
	r.Start(ctx)

	id := channel.ConversationID(5)
	_, err := r.FetchOrCreate(ctx, &id)
	require.NoError(t, err)

	cancel()

	require.Eventually(t, func() bool {
		_, err := r.FetchOrCreate(context.Background(), nil)
		return err != nil
	}, 2*time.Second, 10*time.Millisecond)

	_, err = r.FetchOrCreate(context.Background(), nil)
	assert.ErrorIs(t, err, ErrRegistryClosed)
}
