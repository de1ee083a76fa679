package engine

import (
	"slices"
	"sync"

	"github.com/danmuck/kernelmesh/internal/kernel"
)

// Buffer holds kernels awaiting their reply, keyed by kernel id and kept in
// insertion order for recovery.
type Buffer struct {
	mu    sync.RWMutex
	items map[uint64]kernel.Kernel
	order []uint64
}

func NewBuffer() *Buffer {
	return &Buffer{
		items: make(map[uint64]kernel.Kernel),
	}
}

// Put stores k under its id. Kernels without an id and duplicate ids are refused.
func (b *Buffer) Put(k kernel.Kernel) bool {
	id := k.Core().ID()
	if id == 0 {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.items[id]; exists {
		return false
	}
	b.items[id] = k
	b.order = append(b.order, id)
	return true
}

// Take removes and returns the kernel with the given id.
func (b *Buffer) Take(id uint64) (kernel.Kernel, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	k, ok := b.items[id]
	if !ok {
		return nil, false
	}
	delete(b.items, id)
	if i := slices.Index(b.order, id); i >= 0 {
		b.order = slices.Delete(b.order, i, i+1)
	}
	return k, true
}

func (b *Buffer) Get(id uint64) (kernel.Kernel, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	k, ok := b.items[id]
	return k, ok
}

func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.items)
}

// Drain empties the buffer and returns its kernels in insertion order.
func (b *Buffer) Drain() []kernel.Kernel {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]kernel.Kernel, 0, len(b.order))
	for _, id := range b.order {
		out = append(out, b.items[id])
	}
	b.items = make(map[uint64]kernel.Kernel)
	b.order = nil
	return out
}

// List returns the buffered kernels in insertion order without removing them.
func (b *Buffer) List() []kernel.Kernel {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]kernel.Kernel, 0, len(b.order))
	for _, id := range b.order {
		out = append(out, b.items[id])
	}
	return out
}
