package documents

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// Embedder turns text into a fixed-dimension vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Name() string
	Dimension() int
}

const defaultHashDimension = 256

// HashEmbedder is a deterministic local embedder: token counts hashed into
// a fixed-size vector, L2-normalized. It captures keyword overlap well
// enough for tests and for deployments without an embedding provider.
type HashEmbedder struct {
	dim int
}

// NewHashEmbedder creates a hash embedder with the given dimension
// (default 256 when dim <= 0).
func NewHashEmbedder(dim int) *HashEmbedder {
	if dim <= 0 {
		dim = defaultHashDimension
	}
	return &HashEmbedder{dim: dim}
}

func (h *HashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, h.dim)
	for _, token := range tokenize(text) {
		hasher := fnv.New32a()
		hasher.Write([]byte(token))
		vec[hasher.Sum32()%uint32(h.dim)]++
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		scale := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= scale
		}
	}
	return vec, nil
}

func (h *HashEmbedder) Name() string { return "local-hash" }

func (h *HashEmbedder) Dimension() int { return h.dim }

// tokenize lowercases and splits on non-alphanumeric runes.
func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
