package dice

import (
	"hash/fnv"
	"math/rand/v2"
)

type seededSource struct {
	rng *rand.Rand
}

// NewSeededSource returns a deterministic Source. It is not safe for
// concurrent use.
func NewSeededSource(seed uint64) Source {
	return &seededSource{rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

// Intn implements Source. Panics if n <= 0.
func (s *seededSource) Intn(n int) int {
	if n <= 0 {
		panic("dice: Intn called with n <= 0")
	}
	return s.rng.IntN(n)
}

// SeedFor derives a seed from the identifying parts of an application, such
// as the source entity, the prediction key, and the effect id.
func SeedFor(parts ...string) uint64 {
	h := fnv.New64a()
	for _, p := range parts {
		_, _ = h.Write([]byte(p))
		_, _ = h.Write([]byte{0})
	}
	return h.Sum64()
}
