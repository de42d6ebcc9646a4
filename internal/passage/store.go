package passage

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/parleyhq/parley/internal/rank"

	_ "modernc.org/sqlite"
)

// Store is a SQLite-backed passage index. Vectors are scanned linearly;
// the corpus per deployment is tool-ingested documentation, small enough
// that an approximate index would not pay for itself.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// Open opens (or creates) the passage database at path. Use ":memory:"
// for an ephemeral store.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open passage database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate passage database: %w", err)
	}

	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS passages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		source_id TEXT NOT NULL,
		content TEXT NOT NULL,
		vector BLOB NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_passages_source ON passages(source_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Insert stores passages. Passages without a vector are rejected.
func (s *Store) Insert(ctx context.Context, passages ...Passage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin insert: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO passages (source_id, content, vector, created_at) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().Unix()
	for _, p := range passages {
		if len(p.Vector) == 0 {
			return fmt.Errorf("passage from %q has no vector", p.SourceID)
		}
		if _, err := stmt.ExecContext(ctx, p.SourceID, p.Content, vectorToBytes(p.Vector), now); err != nil {
			return fmt.Errorf("failed to insert passage: %w", err)
		}
	}

	return tx.Commit()
}

// Search scans all stored passages and returns up to limit candidates
// ordered by ascending cosine distance from the query vector.
func (s *Store) Search(ctx context.Context, query []float32, limit int) ([]rank.Scored[Passage], error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT source_id, content, vector FROM passages`)
	if err != nil {
		return nil, fmt.Errorf("failed to query passages: %w", err)
	}
	defer rows.Close()

	var scored []rank.Scored[Passage]
	for rows.Next() {
		var p Passage
		var blob []byte
		if err := rows.Scan(&p.SourceID, &p.Content, &blob); err != nil {
			return nil, fmt.Errorf("failed to scan passage: %w", err)
		}
		p.Vector = bytesToVector(blob)
		scored = append(scored, rank.Scored[Passage]{
			Item:     p,
			Distance: float32(rank.CosineDistance(query, p.Vector)),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read passages: %w", err)
	}

	sort.Slice(scored, func(i, j int) bool { return scored[i].Distance < scored[j].Distance })
	if limit > 0 && len(scored) > limit {
		scored = scored[:limit]
	}
	return scored, nil
}

// DeleteBySource removes all passages ingested under one source id.
func (s *Store) DeleteBySource(ctx context.Context, sourceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `DELETE FROM passages WHERE source_id = ?`, sourceID)
	if err != nil {
		return fmt.Errorf("failed to delete passages for %q: %w", sourceID, err)
	}
	return nil
}

// Count returns the number of stored passages.
func (s *Store) Count(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM passages`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count passages: %w", err)
	}
	return n, nil
}

// Vacuum reclaims space after deletions. Run from the maintenance
// scheduler, not on the request path.
func (s *Store) Vacuum(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, `VACUUM`); err != nil {
		return fmt.Errorf("failed to vacuum passage database: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
