// Package passage stores reference passages and their embedding vectors.
package passage

import (
	"encoding/binary"
	"math"
)

// Passage is a chunk of reference text plus its embedding vector.
// Immutable once fetched; replaced wholesale, never edited.
type Passage struct {
	Content  string
	Vector   []float32
	SourceID string
}

// vectorToBytes encodes a float32 vector as little-endian bytes for
// BLOB storage.
func vectorToBytes(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// bytesToVector decodes a little-endian BLOB back into a float32 vector.
func bytesToVector(b []byte) []float32 {
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v
}
