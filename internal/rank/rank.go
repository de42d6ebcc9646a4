// Package rank scores and orders reference passages for prompt injection.
package rank

import "math"

// Scored pairs an item with its distance from a query. Lower distance
// means more similar.
type Scored[T any] struct {
	Item     T
	Distance float32
}

// Select keeps items whose distance is strictly below threshold and
// reverses the surviving order. Backends return candidates ordered
// nearest-first; after the reverse the most relevant item sits last, so
// it lands closest to the live question in the rendered prompt.
func Select[T any](scored []Scored[T], threshold float32) []T {
	kept := make([]T, 0, len(scored))
	for _, s := range scored {
		if s.Distance < threshold {
			kept = append(kept, s.Item)
		}
	}
	for i, j := 0, len(kept)-1; i < j; i, j = i+1, j-1 {
		kept[i], kept[j] = kept[j], kept[i]
	}
	return kept
}

// CosineSimilarity computes the cosine similarity between two vectors.
// Returns 0 for mismatched or zero-magnitude vectors.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// CosineDistance converts cosine similarity to a distance where lower
// is more similar.
func CosineDistance(a, b []float32) float64 {
	return 1 - CosineSimilarity(a, b)
}
