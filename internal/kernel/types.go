package kernel

import (
	"errors"
	"fmt"
	"reflect"
	"sync"
)

const (
	// InvalidTypeID is never assigned.
	InvalidTypeID uint16 = 0
	// MainTypeID is reserved for application main kernels.
	MainTypeID uint16 = 1
)

var (
	ErrReservedTypeID = errors.New("kernel: reserved type id")
	ErrDuplicateType  = errors.New("kernel: duplicate type registration")
	ErrUnknownType    = errors.New("kernel: unknown type id")
	ErrUnregistered   = errors.New("kernel: kernel type not registered")
)

// Factory returns a fresh zero kernel of one concrete type.
type Factory func() Kernel

// Types maps concrete kernel types to wire type ids.
type Types struct {
	mu     sync.RWMutex
	byID   map[uint16]Factory
	byType map[reflect.Type]uint16
}

func NewTypes() *Types {
	return &Types{
		byID:   make(map[uint16]Factory),
		byType: make(map[reflect.Type]uint16),
	}
}

func (t *Types) Register(id uint16, f Factory) error {
	if id == InvalidTypeID {
		return fmt.Errorf("%w: %d", ErrReservedTypeID, id)
	}
	if f == nil {
		return fmt.Errorf("kernel: nil factory for type id %d", id)
	}
	rt := reflect.TypeOf(f())
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.byID[id]; exists {
		return fmt.Errorf("%w: id=%d", ErrDuplicateType, id)
	}
	if prev, exists := t.byType[rt]; exists {
		return fmt.Errorf("%w: %s already has id=%d", ErrDuplicateType, rt, prev)
	}
	t.byID[id] = f
	t.byType[rt] = id
	return nil
}

func (t *Types) MustRegister(id uint16, f Factory) {
	if err := t.Register(id, f); err != nil {
		panic(err)
	}
}

func (t *Types) Unregister(id uint16) {
	t.mu.Lock()
	defer t.mu.Unlock()
	f, ok := t.byID[id]
	if !ok {
		return
	}
	delete(t.byType, reflect.TypeOf(f()))
	delete(t.byID, id)
}

// TypeID returns the wire id of k. Foreign kernels report the id they arrived with.
func (t *Types) TypeID(k Kernel) (uint16, bool) {
	if f, ok := AsForeign(k); ok {
		return f.TypeID(), f.TypeID() != InvalidTypeID
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	id, ok := t.byType[reflect.TypeOf(k)]
	return id, ok
}

// New returns a zero kernel for a wire type id.
func (t *Types) New(id uint16) (Kernel, error) {
	t.mu.RLock()
	f, ok := t.byID[id]
	t.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownType, id)
	}
	k := f()
	k.Core().SetTypeID(id)
	return k, nil
}

func (t *Types) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byID)
}
