// Package session holds a single conversation's bounded context: static
// instruction text, dialogue history, and the reference passages
// selected for the current turn.
package session

import (
	"errors"

	"github.com/parleyhq/parley/internal/passage"
)

// TokenFloor is the minimum budget that must remain available for the
// reply after the prompt is rendered. History is evicted oldest-first
// until the floor is met.
const TokenFloor = 750

// ReplyMargin is subtracted from the remaining budget when requesting a
// reply, absorbing tokenizer drift between our estimate and the
// backend's count.
const ReplyMargin = 110

// ErrStaticContextTooLarge reports that eviction emptied the history and
// the token floor still cannot be met: the static context alone fills
// the model window. This is a configuration error, not a runtime one.
var ErrStaticContextTooLarge = errors.New("static context leaves no room for replies in the model window")

// Message is one rendered prompt message in backend wire order.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}

// Chat roles used when rendering prompts.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// passageInstruction trails the selected passages in the rendered
// prompt, telling the model how to use them.
const passageInstruction = "Given the documentation above, answer the question. If the answer is not in the documentation, say so. Include the URL of the source document in your response."

// Turn is one dialogue exchange unit: a user message or a generated
// reply.
type Turn struct {
	Speaker string
	Text    string
}

// Store owns one conversation's context. It is not safe for concurrent
// use; the owning conversation actor serializes all access through its
// mailbox.
type Store struct {
	static    []string
	history   []Turn
	available []passage.Passage
	selected  []passage.Passage
}

// New creates a Store with fixed instruction text. The static context
// is immutable afterwards.
func New(static []string) *Store {
	s := &Store{}
	if len(static) > 0 {
		s.static = make([]string, len(static))
		copy(s.static, static)
	}
	return s
}

// PushTurn appends a dialogue turn. Content is recorded as-is.
func (s *Store) PushTurn(speaker, text string) {
	s.history = append(s.history, Turn{Speaker: speaker, Text: text})
}

// SetSelectedPassages replaces the passages injected into the current
// turn's prompt. An empty slice clears augmentation for the turn.
func (s *Store) SetSelectedPassages(passages []passage.Passage) {
	s.selected = passages
}

// AddAvailable records passages ingested for this conversation (tool
// results); they become candidates for later turns' retrieval.
func (s *Store) AddAvailable(passages ...passage.Passage) {
	s.available = append(s.available, passages...)
}

// Available returns the ingested passage pool.
func (s *Store) Available() []passage.Passage {
	return s.available
}

// HasPassages reports whether the current turn carries selected
// passages. It gates the static context in the rendered prompt.
func (s *Store) HasPassages() bool {
	return len(s.selected) > 0
}

// History returns a copy of the dialogue history.
func (s *Store) History() []Turn {
	out := make([]Turn, len(s.history))
	copy(out, s.history)
	return out
}

// Len returns the number of history turns.
func (s *Store) Len() int {
	return len(s.history)
}

// Clear resets history and selected passages. Static context and the
// ingested passage pool survive.
func (s *Store) Clear() {
	s.history = nil
	s.selected = nil
}

// RenderPrompt renders the conversation in backend order: static
// context (when includeStatic), all history but the most recent turn,
// the selected passages with their usage instruction, and the most
// recent turn last. The live question always ends the prompt so the
// model's attention is anchored on it rather than on injected
// documentation.
func (s *Store) RenderPrompt(includeStatic bool) []Message {
	msgs := make([]Message, 0, len(s.static)+len(s.history)+len(s.selected)+1)

	if includeStatic {
		for _, entry := range s.static {
			msgs = append(msgs, Message{Role: RoleSystem, Content: entry})
		}
	}

	last := len(s.history) - 1
	for i := 0; i < last; i++ {
		t := s.history[i]
		msgs = append(msgs, Message{Role: RoleUser, Content: t.Text, Name: t.Speaker})
	}

	if len(s.selected) > 0 {
		for _, p := range s.selected {
			msgs = append(msgs, Message{Role: RoleSystem, Content: p.Content})
		}
		msgs = append(msgs, Message{Role: RoleSystem, Content: passageInstruction})
	}

	if last >= 0 {
		t := s.history[last]
		msgs = append(msgs, Message{Role: RoleUser, Content: t.Text, Name: t.Speaker})
	}

	return msgs
}

// Remaining returns the token budget left in the model's window after
// the full prompt (static included) is accounted for.
func (s *Store) Remaining(model string) int {
	return Window(model) - PromptCost(s.RenderPrompt(true))
}

// ManageTokens evicts history oldest-first until at least TokenFloor
// tokens remain in the model's window. It returns the number of evicted
// turns. If eviction empties the history and the floor is still unmet,
// it returns ErrStaticContextTooLarge.
func (s *Store) ManageTokens(model string) (int, error) {
	evicted := 0
	for s.Remaining(model) < TokenFloor {
		if len(s.history) == 0 {
			return evicted, ErrStaticContextTooLarge
		}
		s.history = s.history[1:]
		evicted++
	}
	return evicted, nil
}

// MaxReplyTokens is the output budget for a generation request:
// whatever remains in the window minus the safety margin.
func (s *Store) MaxReplyTokens(model string) int {
	n := s.Remaining(model) - ReplyMargin
	if n < 1 {
		return 1
	}
	return n
}

// CheckStaticBudget verifies at startup that the configured static
// context leaves at least the token floor within the model's window.
// Catching this here turns a mid-conversation fatal into a config
// error.
func CheckStaticBudget(static []string, model string) error {
	s := New(static)
	if s.Remaining(model) < TokenFloor {
		return ErrStaticContextTooLarge
	}
	return nil
}
