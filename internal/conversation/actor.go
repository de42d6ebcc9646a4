// Package conversation holds the per-conversation actors and the
// registry that supervises them. Each actor owns one dialogue: a
// mailbox goroutine processes envelopes and admin requests strictly in
// arrival order, so the session store needs no locking.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/parleyhq/parley/internal/channel"
	"github.com/parleyhq/parley/internal/inference"
	"github.com/parleyhq/parley/internal/logging"
	"github.com/parleyhq/parley/internal/metrics"
	"github.com/parleyhq/parley/internal/rank"
	"github.com/parleyhq/parley/internal/retrieval"
	"github.com/parleyhq/parley/internal/session"
	"github.com/parleyhq/parley/internal/tools"
)

// Fixed user-visible failure strings. Participants never see raw
// backend errors.
const (
	failureGeneric   = "Failed to generate response"
	failureNoChoices = "Failed to generate response: No choices"
)

// defaultIdentity names the assistant when no wake phrase is
// configured.
const defaultIdentity = "Computer"

// correctiveInstruction is injected before the single regeneration
// attempt when a reply fails the structural check.
const correctiveInstruction = "Rewrite your answer as one plain paragraph. Do not format it as multiple labelled sections."

// labelPattern detects "Word: " section labels; more than one means the
// reply sprawled into multiple sections.
var labelPattern = regexp.MustCompile(`(?m)\b[A-Za-z][A-Za-z0-9_]*: `)

// Broadcaster publishes replies and typing signals to every transport.
// Satisfied by channel.Hub.
type Broadcaster interface {
	Send(conv channel.ConversationID, text string)
	TypingStart(conv channel.ConversationID)
	TypingStop(conv channel.ConversationID)
}

// Generator produces chat completions. Satisfied by inference.Router.
type Generator interface {
	Chat(ctx context.Context, engine string, req *inference.ChatRequest) (*inference.ChatResponse, error)
}

// ToolRunner executes external tool commands. Satisfied by
// tools.Dispatcher.
type ToolRunner interface {
	Dispatch(ctx context.Context, command, arg string) <-chan tools.Result
}

// Deps are the collaborators shared by every actor.
type Deps struct {
	Broadcaster Broadcaster
	Generator   Generator
	Retriever   retrieval.Retriever
	Tools       ToolRunner
}

// Settings are the per-conversation defaults drawn from config.
type Settings struct {
	WakePhrase  string
	Model       string
	Engine      string
	Tools       []string
	Static      []string
	Threshold   float32
	Limit       int
	MailboxSize int
}

// Info is a point-in-time snapshot of one conversation.
type Info struct {
	ID         channel.ConversationID `json:"id"`
	Model      string                 `json:"model"`
	WakePhrase string                 `json:"wake_phrase"`
	Turns      int                    `json:"turns"`
	Passages   int                    `json:"passages"`
	LastActive time.Time              `json:"last_active"`
}

type reqKind int

const (
	reqEnvelope reqKind = iota
	reqHistory
	reqClear
	reqSetWake
	reqSetModel
	reqSetTools
	reqInfo
)

type request struct {
	kind  reqKind
	env   *channel.Envelope
	text  string
	names []string
	reply chan response
}

type response struct {
	turns []session.Turn
	info  Info
}

// ErrStopped is returned by calls against an actor that has already
// terminated.
var ErrStopped = errors.New("conversation stopped")

// Actor owns one conversation. All state behind the mailbox is touched
// only by the run goroutine.
type Actor struct {
	id    channel.ConversationID
	store *session.Store
	deps  Deps

	wake      string
	model     string
	engine    string
	toolNames []string
	threshold float32
	limit     int

	mailbox    chan request
	stop       chan struct{}
	stopOnce   sync.Once
	done       chan struct{}
	lastActive atomic.Int64
	terminated chan<- channel.ConversationID
	logger     *slog.Logger
}

func newActor(id channel.ConversationID, st Settings, deps Deps, terminated chan<- channel.ConversationID) *Actor {
	size := st.MailboxSize
	if size <= 0 {
		size = 64
	}
	a := &Actor{
		id:         id,
		store:      session.New(st.Static),
		deps:       deps,
		wake:       st.WakePhrase,
		model:      st.Model,
		engine:     st.Engine,
		toolNames:  st.Tools,
		threshold:  st.Threshold,
		limit:      st.Limit,
		mailbox:    make(chan request, size),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
		terminated: terminated,
		logger:     logging.WithComponent("conversation").With("conversation", id.String()),
	}
	a.touch()
	return a
}

// ID returns the conversation id.
func (a *Actor) ID() channel.ConversationID {
	return a.id
}

// LastActive reports when the actor last processed a request. Safe to
// call from any goroutine.
func (a *Actor) LastActive() time.Time {
	return time.Unix(0, a.lastActive.Load())
}

func (a *Actor) touch() {
	a.lastActive.Store(time.Now().UnixNano())
}

// Deliver hands an inbound envelope to the actor without blocking the
// caller. A full mailbox drops the envelope with a log; one stalled
// conversation must not hold up the rest.
func (a *Actor) Deliver(env *channel.Envelope) {
	select {
	case a.mailbox <- request{kind: reqEnvelope, env: env}:
	case <-a.done:
	default:
		metrics.MailboxDrops.Inc()
		a.logger.Warn("mailbox full, dropping envelope", "envelope", env.ID)
	}
}

// History returns a copy of the dialogue turns in order.
func (a *Actor) History(ctx context.Context) ([]session.Turn, error) {
	resp, err := a.call(ctx, request{kind: reqHistory})
	if err != nil {
		return nil, err
	}
	return resp.turns, nil
}

// Clear resets the dialogue, keeping static context.
func (a *Actor) Clear(ctx context.Context) error {
	_, err := a.call(ctx, request{kind: reqClear})
	return err
}

// SetWakePhrase changes the wake phrase and assistant identity.
func (a *Actor) SetWakePhrase(ctx context.Context, phrase string) error {
	_, err := a.call(ctx, request{kind: reqSetWake, text: phrase})
	return err
}

// SetModel switches the generation model for this conversation.
func (a *Actor) SetModel(ctx context.Context, model string) error {
	_, err := a.call(ctx, request{kind: reqSetModel, text: model})
	return err
}

// SetTools replaces the set of commands this conversation may run.
func (a *Actor) SetTools(ctx context.Context, names []string) error {
	_, err := a.call(ctx, request{kind: reqSetTools, names: names})
	return err
}

// Snapshot returns a point-in-time view of the conversation.
func (a *Actor) Snapshot(ctx context.Context) (Info, error) {
	resp, err := a.call(ctx, request{kind: reqInfo})
	if err != nil {
		return Info{}, err
	}
	return resp.info, nil
}

// Stop asks the actor to terminate. Idempotent and non-blocking;
// termination is reported to the registry.
func (a *Actor) Stop() {
	a.stopOnce.Do(func() { close(a.stop) })
}

// Done closes when the actor has terminated.
func (a *Actor) Done() <-chan struct{} {
	return a.done
}

// call performs a synchronous request against the mailbox. A stopped
// actor fails immediately instead of hanging.
func (a *Actor) call(ctx context.Context, req request) (response, error) {
	req.reply = make(chan response, 1)
	select {
	case a.mailbox <- req:
	case <-a.done:
		return response{}, ErrStopped
	case <-ctx.Done():
		return response{}, ctx.Err()
	}
	select {
	case resp := <-req.reply:
		return resp, nil
	case <-a.done:
		return response{}, ErrStopped
	case <-ctx.Done():
		return response{}, ctx.Err()
	}
}

// run is the actor's sequential mailbox loop. A panic while processing
// a turn terminates the actor; the registry reaps it and a later
// fetch_or_create starts fresh.
func (a *Actor) run(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			metrics.ConversationCrashes.Inc()
			a.logger.Error("conversation crashed", "panic", r)
		}
		close(a.done)
		select {
		case a.terminated <- a.id:
		case <-ctx.Done():
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-a.stop:
			a.logger.Info("conversation stopping")
			return
		case req := <-a.mailbox:
			a.touch()
			switch req.kind {
			case reqEnvelope:
				a.processEnvelope(ctx, req.env)
			case reqHistory:
				req.reply <- response{turns: a.store.History()}
			case reqClear:
				a.store.Clear()
				a.logger.Info("context cleared")
				req.reply <- response{}
			case reqSetWake:
				a.wake = req.text
				a.logger.Info("wake phrase changed")
				req.reply <- response{}
			case reqSetModel:
				a.model = req.text
				a.logger.Info("model changed", "model", req.text)
				req.reply <- response{}
			case reqSetTools:
				a.toolNames = req.names
				a.logger.Info("tool set changed", "tools", req.names)
				req.reply <- response{}
			case reqInfo:
				req.reply <- response{info: a.info()}
			}
		}
	}
}

func (a *Actor) info() Info {
	return Info{
		ID:         a.id,
		Model:      a.model,
		WakePhrase: a.wake,
		Turns:      a.store.Len(),
		Passages:   len(a.store.Available()),
		LastActive: a.LastActive(),
	}
}

func (a *Actor) identity() string {
	if a.wake != "" {
		return a.wake
	}
	return defaultIdentity
}

func (a *Actor) toolEnabled(name string) bool {
	for _, t := range a.toolNames {
		if t == name {
			return true
		}
	}
	return false
}

func (a *Actor) processEnvelope(ctx context.Context, env *channel.Envelope) {
	switch Decide(env, a.wake) {
	case DecideCommand:
		metrics.EngagementDecisions.WithLabelValues("command").Inc()
		a.handleCommand(ctx, env)
	case DecideRecordAuthor:
		metrics.EngagementDecisions.WithLabelValues("author_match").Inc()
		a.store.PushTurn(env.Author, env.Text)
	case DecideRecordNoWake:
		metrics.EngagementDecisions.WithLabelValues("no_wake").Inc()
		a.store.PushTurn(env.Author, env.Text)
	case DecideEngage:
		metrics.EngagementDecisions.WithLabelValues("engaged").Inc()
		a.engage(ctx, env)
	}
}

// handleCommand runs the tool, then records the raw command and the
// result into the conversation. Commands never reach generation.
func (a *Actor) handleCommand(ctx context.Context, env *channel.Envelope) {
	name, arg := ParseCommand(env.Text)
	var reply string
	switch name {
	case "model":
		if arg == "" {
			reply = fmt.Sprintf("Current model: %s", a.model)
		} else {
			a.model = arg
			reply = fmt.Sprintf("Model switched to %s", arg)
		}
		metrics.ToolInvocations.WithLabelValues(name, "ok").Inc()
	case "debug":
		reply = a.debugSummary()
		metrics.ToolInvocations.WithLabelValues(name, "ok").Inc()
	default:
		reply = a.runTool(ctx, name, arg)
	}

	a.store.PushTurn(env.Author, env.Text)
	if reply == "" {
		return
	}
	a.store.PushTurn(a.identity(), reply)
	a.deps.Broadcaster.Send(a.id, reply)
}

func (a *Actor) runTool(ctx context.Context, name, arg string) string {
	if a.deps.Tools == nil || !a.toolEnabled(name) {
		metrics.ToolInvocations.WithLabelValues(name, "unknown").Inc()
		return fmt.Sprintf("Unknown command: %s", name)
	}

	select {
	case res := <-a.deps.Tools.Dispatch(ctx, name, arg):
		outcome := "ok"
		if res.Err != nil {
			outcome = "error"
			a.logger.Warn("tool failed", "tool", name, "error", res.Err)
		}
		metrics.ToolInvocations.WithLabelValues(name, outcome).Inc()
		if len(res.Passages) > 0 {
			a.store.AddAvailable(res.Passages...)
			a.store.SetSelectedPassages(res.Passages)
		}
		return res.Reply
	case <-ctx.Done():
		return ""
	}
}

func (a *Actor) debugSummary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "conversation %s\n", a.id.String())
	fmt.Fprintf(&b, "model: %s\n", a.model)
	fmt.Fprintf(&b, "wake phrase: %s\n", a.identity())
	fmt.Fprintf(&b, "history turns: %d\n", a.store.Len())
	fmt.Fprintf(&b, "ingested passages: %d\n", len(a.store.Available()))
	fmt.Fprintf(&b, "remaining tokens (%s): %d", a.model, a.store.Remaining(a.model))
	return b.String()
}

// engage runs the full retrieval + generation sequence for one turn.
func (a *Actor) engage(ctx context.Context, env *channel.Envelope) {
	a.deps.Broadcaster.TypingStart(a.id)
	typingStopped := false
	stopTyping := func() {
		if !typingStopped {
			typingStopped = true
			a.deps.Broadcaster.TypingStop(a.id)
		}
	}
	defer stopTyping()

	text := env.Text
	if a.toolEnabled("transcribe") {
		text = a.preprocess(ctx, text)
	}
	a.store.PushTurn(env.Author, text)

	query := stripWake(text, a.wake)
	a.retrieve(ctx, query)

	evicted, err := a.store.ManageTokens(a.model)
	if evicted > 0 {
		metrics.HistoryEvictions.Add(float64(evicted))
		a.logger.Debug("evicted history turns", "count", evicted)
	}
	if err != nil {
		a.logger.Error("token budget exhausted with empty history", "error", err)
	}

	reply := a.generate(ctx)

	a.store.PushTurn(a.identity(), reply)
	stopTyping()
	a.deps.Broadcaster.Send(a.id, reply)
}

// preprocess replaces URLs in the inbound text with quoted transcripts
// so the model sees content instead of opaque links. Failures leave
// the text untouched.
func (a *Actor) preprocess(ctx context.Context, text string) string {
	if a.deps.Tools == nil {
		return text
	}
	urls := tools.ExtractURLs(text)
	for _, url := range urls {
		select {
		case res := <-a.deps.Tools.Dispatch(ctx, "transcribe", url):
			if res.Err != nil || res.Transcript == "" {
				a.logger.Warn("url transcription failed", "url", url, "error", res.Err)
				continue
			}
			text = strings.Replace(text, url, `"`+res.Transcript+`"`, 1)
			if len(res.Passages) > 0 {
				a.store.AddAvailable(res.Passages...)
			}
		case <-ctx.Done():
			return text
		}
	}
	return text
}

// retrieve selects the passages for this turn. An unavailable backend
// means an unaugmented prompt, never a failed turn.
func (a *Actor) retrieve(ctx context.Context, query string) {
	if a.deps.Retriever == nil {
		a.store.SetSelectedPassages(nil)
		return
	}

	timer := prometheus.NewTimer(metrics.RetrievalLatency)
	scored, err := a.deps.Retriever.Search(ctx, query, a.limit)
	timer.ObserveDuration()
	if err != nil {
		a.logger.Warn("retrieval unavailable", "error", err)
		a.store.SetSelectedPassages(nil)
		return
	}
	a.store.SetSelectedPassages(rank.Select(scored, a.threshold))
}

// generate renders the prompt and calls the backend, substituting the
// fixed failure strings on error. A reply that sprawls into multiple
// labelled sections is regenerated once with a corrective instruction.
func (a *Actor) generate(ctx context.Context) string {
	req := &inference.ChatRequest{
		Model:     a.model,
		Messages:  a.store.RenderPrompt(a.store.HasPassages()),
		MaxTokens: a.store.MaxReplyTokens(a.model),
	}

	timer := prometheus.NewTimer(metrics.GenerationLatency)
	resp, err := a.deps.Generator.Chat(ctx, a.engine, req)
	timer.ObserveDuration()
	if err != nil {
		metrics.GenerationErrors.Inc()
		a.logger.Error("generation failed", "model", a.model, "error", err)
		if inference.IsNoChoices(err) {
			return failureNoChoices
		}
		return failureGeneric
	}

	reply := resp.Content
	if countLabels(reply) > 1 {
		metrics.Regenerations.Inc()
		a.logger.Debug("reply failed structure check, regenerating")
		retryReq := &inference.ChatRequest{
			Model:     a.model,
			Messages:  append(req.Messages, session.Message{Role: session.RoleSystem, Content: correctiveInstruction}),
			MaxTokens: req.MaxTokens,
		}
		if retry, err := a.deps.Generator.Chat(ctx, a.engine, retryReq); err == nil {
			// A second violation is accepted as-is.
			reply = retry.Content
		}
	}
	return reply
}

func countLabels(reply string) int {
	return len(labelPattern.FindAllString(reply, -1))
}
