package utils

import (
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
)

// IDGenerator mints identifiers for records such as responses, actions and markers.
type IDGenerator interface {
	NewID(prefix string) string
}

// UUIDGenerator produces "<prefix>-<uuid>" identifiers.
type UUIDGenerator struct{}

// NewID implements IDGenerator.
func (UUIDGenerator) NewID(prefix string) string {
	if prefix == "" {
		return uuid.NewString()
	}
	return prefix + "-" + uuid.NewString()
}

// SequenceGenerator produces "<prefix>-<n>" identifiers from a monotonic counter.
type SequenceGenerator struct {
	next atomic.Uint64
}

// NewID implements IDGenerator.
func (g *SequenceGenerator) NewID(prefix string) string {
	n := g.next.Add(1)
	if prefix == "" {
		return fmt.Sprintf("%d", n)
	}
	return fmt.Sprintf("%s-%d", prefix, n)
}

// IDsOrDefault returns g, or a UUIDGenerator when g is nil.
func IDsOrDefault(g IDGenerator) IDGenerator {
	if g == nil {
		return UUIDGenerator{}
	}
	return g
}
