package memory

import (
	"fmt"
	"math"
)

// semanticHashBits is the number of embedding components projected
// into the hash. 64 bits keeps exact-collision lookups cheap while
// staying stable across runs for the same embedding model.
const semanticHashBits = 64

// SemanticHash projects an embedding onto a compact sign-bit key used
// for fast candidate-duplicate lookup. Derived from the vector, not
// from raw content, so paraphrases that embed identically collide.
func SemanticHash(vec []float32) string {
	if len(vec) == 0 {
		return ""
	}
	bits := semanticHashBits
	if len(vec) < bits {
		bits = len(vec)
	}
	var key uint64
	for i := 0; i < bits; i++ {
		key <<= 1
		if vec[i] > 0 {
			key |= 1
		}
	}
	return fmt.Sprintf("%016x", key)
}

func vectorNorm(vec []float32) float64 {
	if len(vec) == 0 {
		return 0
	}
	var sum float64
	for _, v := range vec {
		sum += float64(v * v)
	}
	return math.Sqrt(sum)
}

// NormalizeVector scales vec to unit length in place.
func NormalizeVector(vec []float32) {
	n := vectorNorm(vec)
	if n == 0 {
		return
	}
	inv := float32(1.0 / n)
	for i := range vec {
		vec[i] *= inv
	}
}

// CosineSimilarity computes cosine similarity between two vectors.
// Returns 0 for zero or empty vectors.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot, normA, normB float64
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
