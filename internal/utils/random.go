package utils

import (
	"math/rand"
	"sync"
	"time"
)

// Rand is a mutex-guarded random source shared by the evolutionary
// components. A fixed seed makes generation and mutation reproducible.
type Rand struct {
	mu sync.Mutex
	r  *rand.Rand
}

// NewRand seeds a source; seed 0 means "seed from the clock".
func NewRand(seed int64) *Rand {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Rand{r: rand.New(rand.NewSource(seed))}
}

// Float64 returns a value in [0,1).
func (r *Rand) Float64() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.r.Float64()
}

// Intn returns a value in [0,n). n <= 0 yields 0.
func (r *Rand) Intn(n int) int {
	if n <= 0 {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.r.Intn(n)
}

// Between returns a value uniformly drawn from [lo,hi).
func (r *Rand) Between(lo, hi float64) float64 {
	return lo + r.Float64()*(hi-lo)
}

// Sign returns +1 or -1 with equal probability.
func (r *Rand) Sign() float64 {
	if r.Float64() < 0.5 {
		return -1
	}
	return 1
}

// RandOrDefault returns r, or a clock-seeded source when r is nil.
func RandOrDefault(r *Rand) *Rand {
	if r == nil {
		return NewRand(0)
	}
	return r
}
