package patternstore

import (
	"hash/fnv"
	"math"
	"math/rand"
	"strings"
)

const DefaultDimensions = 128

// HashEmbedder derives a deterministic pseudo-random vector from text. Each
// token seeds its own vector and the normalised sum is returned, so texts
// sharing tokens point in similar directions. It is not a learned model.
type HashEmbedder struct {
	Dimensions int
}

func NewHashEmbedder(dims int) *HashEmbedder {
	if dims <= 0 {
		dims = DefaultDimensions
	}
	return &HashEmbedder{Dimensions: dims}
}

func (h *HashEmbedder) Embed(text string) []float64 {
	vec := make([]float64, h.Dimensions)
	tokens := strings.Fields(strings.ToLower(text))
	if len(tokens) == 0 {
		return vec
	}

	for _, tok := range tokens {
		hasher := fnv.New64a()
		hasher.Write([]byte(tok))
		rng := rand.New(rand.NewSource(int64(hasher.Sum64())))
		for i := range vec {
			vec[i] += rng.Float64()*2 - 1
		}
	}

	norm := 0.0
	for _, v := range vec {
		norm += v * v
	}
	norm = math.Sqrt(norm)
	if norm == 0 {
		return vec
	}
	for i := range vec {
		vec[i] /= norm
	}
	return vec
}
