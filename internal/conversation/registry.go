package conversation

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"slices"
	"time"

	"github.com/parleyhq/parley/internal/channel"
	"github.com/parleyhq/parley/internal/logging"
	"github.com/parleyhq/parley/internal/metrics"
)

// ErrNotFound marks a conversation id with no live actor.
var ErrNotFound = errors.New("conversation not found")

// ErrRegistryClosed is returned for calls after the registry has shut
// down.
var ErrRegistryClosed = errors.New("registry closed")

type regKind int

const (
	regFetchOrCreate regKind = iota
	regGet
	regList
	regStop
	regSweep
)

type regRequest struct {
	kind   regKind
	id     *channel.ConversationID
	cutoff time.Duration
	reply  chan regResponse
}

type regResponse struct {
	actor *Actor
	ok    bool
	ids   []channel.ConversationID
	n     int
}

// Registry supervises the conversation actors. A single goroutine owns
// the id map, so lookup and creation cannot race; callers talk to it
// over a request channel.
type Registry struct {
	settings Settings
	deps     Deps

	actors map[channel.ConversationID]*Actor
	// stopping counts actors told to stop whose termination has not
	// arrived yet, so a late notification cannot reap a successor
	// created under the same id.
	stopping map[channel.ConversationID]int

	requests     chan regRequest
	terminations chan channel.ConversationID
	done         chan struct{}
	logger       *slog.Logger
}

// NewRegistry builds a registry that seeds every new actor with the
// given settings and collaborators.
func NewRegistry(settings Settings, deps Deps) *Registry {
	return &Registry{
		settings:     settings,
		deps:         deps,
		actors:       make(map[channel.ConversationID]*Actor),
		stopping:     make(map[channel.ConversationID]int),
		requests:     make(chan regRequest),
		terminations: make(chan channel.ConversationID, 16),
		done:         make(chan struct{}),
		logger:       logging.WithComponent("registry"),
	}
}

// Start runs the supervisor loop until ctx is cancelled. Actors share
// the same ctx and wind down with it.
func (r *Registry) Start(ctx context.Context) {
	go r.run(ctx)
}

func (r *Registry) run(ctx context.Context) {
	defer close(r.done)
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-r.terminations:
			r.reap(id)
		case req := <-r.requests:
			r.handle(ctx, req)
		}
	}
}

// reap removes a terminated actor's mapping. The notification carries
// only the id because a crashed actor's state is already gone.
func (r *Registry) reap(id channel.ConversationID) {
	if n := r.stopping[id]; n > 0 {
		if n == 1 {
			delete(r.stopping, id)
		} else {
			r.stopping[id] = n - 1
		}
		return
	}
	if _, ok := r.actors[id]; !ok {
		return
	}
	delete(r.actors, id)
	metrics.ActiveConversations.Set(float64(len(r.actors)))
	r.logger.Info("conversation reaped", "conversation", id.String())
}

func (r *Registry) handle(ctx context.Context, req regRequest) {
	switch req.kind {
	case regFetchOrCreate:
		req.reply <- regResponse{actor: r.fetchOrCreate(ctx, req.id), ok: true}
	case regGet:
		a, ok := r.actors[*req.id]
		req.reply <- regResponse{actor: a, ok: ok}
	case regList:
		ids := make([]channel.ConversationID, 0, len(r.actors))
		for id := range r.actors {
			ids = append(ids, id)
		}
		slices.Sort(ids)
		req.reply <- regResponse{ids: ids}
	case regStop:
		_, ok := r.actors[*req.id]
		if ok {
			r.stopActor(*req.id)
			metrics.ActiveConversations.Set(float64(len(r.actors)))
		}
		req.reply <- regResponse{ok: ok}
	case regSweep:
		req.reply <- regResponse{n: r.sweep(req.cutoff)}
	}
}

func (r *Registry) fetchOrCreate(ctx context.Context, want *channel.ConversationID) *Actor {
	var id channel.ConversationID
	if want != nil {
		if a, ok := r.actors[*want]; ok {
			return a
		}
		id = *want
	} else {
		for {
			id = channel.ConversationID(rand.Uint64())
			if _, taken := r.actors[id]; !taken {
				break
			}
		}
	}

	a := newActor(id, r.settings, r.deps, r.terminations)
	go a.run(ctx)
	r.actors[id] = a
	metrics.ActiveConversations.Set(float64(len(r.actors)))
	r.logger.Info("conversation created", "conversation", id.String())
	return a
}

// stopActor signals the actor and drops the mapping immediately so the
// id is free for reuse before the goroutine finishes unwinding.
func (r *Registry) stopActor(id channel.ConversationID) {
	r.actors[id].Stop()
	delete(r.actors, id)
	r.stopping[id]++
}

func (r *Registry) sweep(idleFor time.Duration) int {
	if idleFor <= 0 {
		return 0
	}
	now := time.Now()
	swept := 0
	for id, a := range r.actors {
		if now.Sub(a.LastActive()) > idleFor {
			r.stopActor(id)
			swept++
		}
	}
	if swept > 0 {
		metrics.ActiveConversations.Set(float64(len(r.actors)))
		r.logger.Info("idle conversations swept", "count", swept)
	}
	return swept
}

// FetchOrCreate returns the actor for id, creating it if absent. A nil
// id draws an unused random one.
func (r *Registry) FetchOrCreate(ctx context.Context, id *channel.ConversationID) (*Actor, error) {
	resp, err := r.ask(ctx, regRequest{kind: regFetchOrCreate, id: id})
	if err != nil {
		return nil, err
	}
	return resp.actor, nil
}

// Get returns the live actor for id, or ErrNotFound. It never creates.
func (r *Registry) Get(ctx context.Context, id channel.ConversationID) (*Actor, error) {
	resp, err := r.ask(ctx, regRequest{kind: regGet, id: &id})
	if err != nil {
		return nil, err
	}
	if !resp.ok {
		return nil, ErrNotFound
	}
	return resp.actor, nil
}

// Exists reports whether a live actor holds the id.
func (r *Registry) Exists(ctx context.Context, id channel.ConversationID) bool {
	_, err := r.Get(ctx, id)
	return err == nil
}

// List returns the live conversation ids in ascending order.
func (r *Registry) List(ctx context.Context) ([]channel.ConversationID, error) {
	resp, err := r.ask(ctx, regRequest{kind: regList})
	if err != nil {
		return nil, err
	}
	return resp.ids, nil
}

// StopConversation terminates one conversation and frees its id.
func (r *Registry) StopConversation(ctx context.Context, id channel.ConversationID) error {
	resp, err := r.ask(ctx, regRequest{kind: regStop, id: &id})
	if err != nil {
		return err
	}
	if !resp.ok {
		return ErrNotFound
	}
	return nil
}

// Sweep stops conversations idle for longer than idleFor and reports
// how many went. Zero or negative disables the sweep.
func (r *Registry) Sweep(ctx context.Context, idleFor time.Duration) (int, error) {
	resp, err := r.ask(ctx, regRequest{kind: regSweep, cutoff: idleFor})
	if err != nil {
		return 0, err
	}
	return resp.n, nil
}

// Route delivers an inbound envelope to its conversation, creating the
// actor on first contact.
func (r *Registry) Route(ctx context.Context, env *channel.Envelope) error {
	a, err := r.FetchOrCreate(ctx, &env.Conversation)
	if err != nil {
		return err
	}
	a.Deliver(env)
	return nil
}

func (r *Registry) ask(ctx context.Context, req regRequest) (regResponse, error) {
	req.reply = make(chan regResponse, 1)
	select {
	case r.requests <- req:
	case <-r.done:
		return regResponse{}, ErrRegistryClosed
	case <-ctx.Done():
		return regResponse{}, ctx.Err()
	}
	select {
	case resp := <-req.reply:
		return resp, nil
	case <-r.done:
		return regResponse{}, ErrRegistryClosed
	case <-ctx.Done():
		return regResponse{}, ctx.Err()
	}
}
