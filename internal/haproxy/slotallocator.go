package haproxy

import (
	"fmt"
	"math"

	"github.com/gspiliotis/haproxy-cloud-discovery/internal/config"
)

// slotNameWidth is the zero-padding width for generated server names
// (srv0000, srv0001, ...). spec.md §4.5 only requires the width be constant
// for a backend's lifetime; a fixed width comfortably above any realistic
// slot count is simplest.
const slotNameWidth = 4

// SlotAllocator computes how many server slots a backend needs from its
// active instance count, per spec.md §4.4.
type SlotAllocator struct {
	base         int
	growthFactor float64
	exponential  bool
}

// NewSlotAllocator builds an allocator from the server_slots config.
func NewSlotAllocator(cfg config.ServerSlotsConfig) *SlotAllocator {
	return &SlotAllocator{
		base:         cfg.Base,
		growthFactor: cfg.GrowthFactor,
		exponential:  cfg.GrowthType == "exponential",
	}
}

// Calculate returns the desired slot count for n active instances. It does
// not enforce invariant 5 (never shrink) — callers combine this with the
// backend's current slot count via max().
func (a *SlotAllocator) Calculate(n int) int {
	if n <= a.base {
		return a.base
	}
	if a.exponential {
		return a.calculateExponential(n)
	}
	extra := math.Ceil(float64(n-a.base) * a.growthFactor)
	return a.base + int(extra)
}

func (a *SlotAllocator) calculateExponential(n int) int {
	// Smallest ceil(base * factor^k) >= n, for integer k >= 0.
	k := math.Ceil(math.Log(float64(n)/float64(a.base)) / math.Log(a.growthFactor))
	if k < 0 {
		k = 0
	}
	value := int(math.Ceil(float64(a.base) * math.Pow(a.growthFactor, k)))
	if value < n {
		value = n
	}
	return value
}

// SlotName returns the deterministic server name for slot index i
// (0-based): "srv" followed by a zero-padded index.
func SlotName(i int) string {
	return fmt.Sprintf("srv%0*d", slotNameWidth, i)
}
