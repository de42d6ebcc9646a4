// Package inference talks to chat-completion and embedding backends.
// Engines are declared in config; the router holds one client per
// engine and dispatches by name.
package inference

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/session"
)

// Engine is one inference backend, able to complete chats and embed
// text for retrieval.
type Engine interface {
	Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error)
	Embed(ctx context.Context, text string) ([]float32, error)
	Health(ctx context.Context) error
	Name() string
}

// ChatRequest carries an already-rendered prompt.
type ChatRequest struct {
	Model     string
	Messages  []session.Message
	MaxTokens int
}

// ChatResponse is the first choice of a completion.
type ChatResponse struct {
	Content    string
	Model      string
	TokensUsed int
}

// Router dispatches requests to named engines.
type Router struct {
	mu          sync.RWMutex
	engines     map[string]Engine
	defaultName string
}

// NewRouter builds one client per configured engine.
func NewRouter(cfg *config.Config) (*Router, error) {
	r := &Router{engines: make(map[string]Engine)}

	for _, ec := range cfg.Inference.Engines {
		eng, err := newEngine(ec)
		if err != nil {
			return nil, fmt.Errorf("engine %s: %w", ec.Name, err)
		}
		r.engines[ec.Name] = eng
	}

	r.defaultName = cfg.Inference.DefaultEngine
	if r.defaultName == "" {
		names := r.names()
		if len(names) > 0 {
			r.defaultName = names[0]
		}
	}
	if _, ok := r.engines[r.defaultName]; !ok {
		return nil, fmt.Errorf("default engine %q not configured", r.defaultName)
	}
	return r, nil
}

func newEngine(ec config.EngineConfig) (Engine, error) {
	switch ec.Type {
	case "openai":
		return NewOpenAIEngine(ec)
	case "ollama":
		return NewOllamaEngine(ec)
	default:
		return nil, fmt.Errorf("unsupported engine type %q", ec.Type)
	}
}

// Default returns the default engine's name.
func (r *Router) Default() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defaultName
}

// Engine looks an engine up by name; the empty name resolves to the
// default engine.
func (r *Router) Engine(name string) (Engine, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if name == "" {
		name = r.defaultName
	}
	eng, ok := r.engines[name]
	if !ok {
		return nil, fmt.Errorf("engine %q not configured", name)
	}
	return eng, nil
}

// Chat routes a completion request to the named engine.
func (r *Router) Chat(ctx context.Context, engine string, req *ChatRequest) (*ChatResponse, error) {
	eng, err := r.Engine(engine)
	if err != nil {
		return nil, err
	}
	return eng.Chat(ctx, req)
}

// Embed routes an embedding request to the named engine.
func (r *Router) Embed(ctx context.Context, engine, text string) ([]float32, error) {
	eng, err := r.Engine(engine)
	if err != nil {
		return nil, err
	}
	return eng.Embed(ctx, text)
}

// Health probes every engine and reports per-engine results.
func (r *Router) Health(ctx context.Context) map[string]error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	results := make(map[string]error, len(r.engines))
	for name, eng := range r.engines {
		results[name] = eng.Health(ctx)
	}
	return results
}

// Names returns the configured engine names, sorted.
func (r *Router) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.names()
}

func (r *Router) names() []string {
	names := make([]string, 0, len(r.engines))
	for name := range r.engines {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
