// Package retrieval finds passages relevant to a query. Two backends
// exist: an HTTP service that owns its own index, and a local backend
// that embeds the query and scans the passage store. Either way the
// caller receives distance-scored passages; ranking against the
// engagement threshold happens upstream.
package retrieval

import (
	"context"

	"github.com/parleyhq/parley/internal/passage"
	"github.com/parleyhq/parley/internal/rank"
)

// Retriever turns a query into distance-scored passages, nearest first.
type Retriever interface {
	Search(ctx context.Context, query string, limit int) ([]rank.Scored[passage.Passage], error)
}

// Disabled is the retriever used when no retrieval backend is
// configured; every search comes back empty.
type Disabled struct{}

func (Disabled) Search(ctx context.Context, query string, limit int) ([]rank.Scored[passage.Passage], error) {
	return nil, nil
}
