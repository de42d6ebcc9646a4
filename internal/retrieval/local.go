package retrieval

import (
	"context"
	"fmt"

	"github.com/parleyhq/parley/internal/passage"
	"github.com/parleyhq/parley/internal/rank"
)

// Embedder turns text into a vector. Satisfied by inference engines.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// LocalRetriever embeds the query and scans the local passage store.
// Suits a single node where the ingest pipeline and the search share
// one database.
type LocalRetriever struct {
	embedder Embedder
	store    *passage.Store
}

// NewLocalRetriever wires an embedder to a passage store.
func NewLocalRetriever(embedder Embedder, store *passage.Store) *LocalRetriever {
	return &LocalRetriever{embedder: embedder, store: store}
}

// Search embeds the query and returns the nearest passages.
func (r *LocalRetriever) Search(ctx context.Context, query string, limit int) ([]rank.Scored[passage.Passage], error) {
	vec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}
	return r.store.Search(ctx, vec, limit)
}
