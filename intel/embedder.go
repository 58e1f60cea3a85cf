// Package intel looks up extracted package identifiers in a local vector
// index of known-bad packages and turns hits into alerts, request context,
// or an outright block. The index is ecosystem-aware and fuzzy: close
// name variants (typosquats) land near the genuine article.
package intel

import (
	"hash/fnv"
	"math"
	"strings"
)

// Dim is the embedding dimensionality. Small enough to brute-force scan
// a few hundred thousand rows, large enough to keep hash collisions from
// dominating the distance.
const Dim = 384

// Embedder maps text to a fixed-dimension vector by feature hashing:
// word tokens, their bigrams, and padded character trigrams are each
// hashed into a signed bucket, then the vector is L2-normalized. The
// encoding is deterministic, so vectors written at import time stay
// comparable across runs and versions.
type Embedder struct{}

// NewEmbedder creates the feature-hash embedder.
func NewEmbedder() *Embedder { return &Embedder{} }

// Embed returns the unit-length vector for text. Empty or separator-only
// text yields the zero vector.
func (e *Embedder) Embed(text string) []float64 {
	vec := make([]float64, Dim)
	tokens := tokenize(text)
	if len(tokens) == 0 {
		return vec
	}

	for i, tok := range tokens {
		addFeature(vec, "w:"+tok)
		if i+1 < len(tokens) {
			addFeature(vec, "b:"+tok+" "+tokens[i+1])
		}
		padded := "^" + tok + "$"
		for j := 0; j+3 <= len(padded); j++ {
			addFeature(vec, "c:"+padded[j:j+3])
		}
	}

	var norm float64
	for _, v := range vec {
		norm += v * v
	}
	if norm == 0 {
		return vec
	}
	norm = math.Sqrt(norm)
	for i := range vec {
		vec[i] /= norm
	}
	return vec
}

func addFeature(vec []float64, feature string) {
	h := fnv.New64a()
	h.Write([]byte(feature))
	sum := h.Sum64()
	bucket := sum % Dim
	if sum>>63&1 == 0 {
		vec[bucket]++
	} else {
		vec[bucket]--
	}
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	})
}

// cosineSimilarity between two vectors; zero when either has no length.
func cosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) {
		return 0.0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0.0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
