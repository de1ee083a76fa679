package kernel

import (
	"math/rand/v2"
	"sync"
	"sync/atomic"
)

// Instances resolves kernel ids to live kernels on this node and hands out ids.
type Instances struct {
	mu      sync.RWMutex
	items   map[uint64]Kernel
	counter atomic.Uint64
}

func NewInstances() *Instances {
	return &Instances{
		items: make(map[uint64]Kernel),
	}
}

// Seed moves the id counter to base.
func (in *Instances) Seed(base uint64) {
	in.counter.Store(base)
}

// SeedRandom moves an unused counter to a random base in the upper 32 bits
// and reports whether it did. Nodes and applications seed independently, so
// the ids they hand out rarely meet.
func (in *Instances) SeedRandom() bool {
	return in.counter.CompareAndSwap(0, RandomIDBase())
}

// RandomIDBase returns a non-zero id base with a clear lower half.
func RandomIDBase() uint64 {
	return uint64(rand.Uint32()|1) << 32
}

func (in *Instances) NextID() uint64 {
	return in.counter.Add(1)
}

// EnsureID assigns an id to k when it has none and returns it.
func (in *Instances) EnsureID(k Kernel) uint64 {
	b := k.Core()
	if !b.HasID() {
		b.SetID(in.NextID())
	}
	return b.ID()
}

// Add registers k as a principal that remote kernels may address by id.
func (in *Instances) Add(k Kernel) uint64 {
	id := in.EnsureID(k)
	in.mu.Lock()
	defer in.mu.Unlock()
	in.items[id] = k
	return id
}

func (in *Instances) Lookup(id uint64) (Kernel, bool) {
	in.mu.RLock()
	defer in.mu.RUnlock()
	k, ok := in.items[id]
	return k, ok
}

func (in *Instances) Remove(id uint64) {
	in.mu.Lock()
	defer in.mu.Unlock()
	delete(in.items, id)
}

func (in *Instances) Len() int {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return len(in.items)
}
