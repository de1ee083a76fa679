package pipeline

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"

	"github.com/danmuck/kernelmesh/internal/kernel"
	"github.com/danmuck/kernelmesh/internal/logging"
)

var ErrLoopStopped = errors.New("pipeline: loop stopped")

type EventKind uint8

const (
	// EventPacket carries one complete packet read from an endpoint.
	EventPacket EventKind = iota + 1
	// EventConnected reports that an outgoing dial completed.
	EventConnected
	// EventClosed reports a transport failure or peer close.
	EventClosed
	// EventAccepted carries a connection accepted by a listener.
	EventAccepted
	// EventExited reports that a child process exited.
	EventExited
)

func (k EventKind) String() string {
	switch k {
	case EventPacket:
		return "packet"
	case EventConnected:
		return "connected"
	case EventClosed:
		return "closed"
	case EventAccepted:
		return "accepted"
	case EventExited:
		return "exited"
	default:
		return "unknown"
	}
}

// Endpoint is anything registered with a loop that produces events.
type Endpoint interface {
	Name() string
}

// Event is produced by I/O goroutines and handled on the loop goroutine.
type Event struct {
	Kind     EventKind
	From     Endpoint
	Packet   []byte
	Err      error
	Accepted net.Conn
	Code     int
}

// Handler is driven by a Loop. Both methods run on the loop goroutine only.
type Handler interface {
	ProcessKernels(ks []kernel.Kernel)
	HandleEvent(ev Event)
}

// Loop is the reactor of one pipeline: a kernel queue guarded by a mutex,
// a one-slot wake channel and an event channel fed by I/O goroutines.
type Loop struct {
	name   string
	mu     sync.Mutex
	queue  []kernel.Kernel
	wake   chan struct{}
	events chan Event
	calls  chan func()
	done   chan struct{}
	closed atomic.Bool
	once   sync.Once
}

func NewLoop(name string) *Loop {
	return &Loop{
		name:   name,
		wake:   make(chan struct{}, 1),
		events: make(chan Event, 64),
		calls:  make(chan func(), 16),
		done:   make(chan struct{}),
	}
}

func (l *Loop) Name() string { return l.name }

// Push enqueues k and wakes the loop. Safe from any goroutine.
func (l *Loop) Push(k kernel.Kernel) {
	if k == nil {
		return
	}
	l.mu.Lock()
	l.queue = append(l.queue, k)
	l.mu.Unlock()
	l.notify()
}

func (l *Loop) notify() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Pending returns the number of queued kernels.
func (l *Loop) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

func (l *Loop) drain() []kernel.Kernel {
	l.mu.Lock()
	defer l.mu.Unlock()
	ks := l.queue
	l.queue = nil
	return ks
}

// Post delivers ev to the loop. It blocks until the loop accepts the event and
// returns false once the loop has stopped.
func (l *Loop) Post(ev Event) bool {
	if l.closed.Load() {
		return false
	}
	select {
	case l.events <- ev:
		return true
	case <-l.done:
		return false
	}
}

// Do runs fn on the loop goroutine.
func (l *Loop) Do(fn func()) bool {
	if l.closed.Load() {
		return false
	}
	select {
	case l.calls <- fn:
		return true
	case <-l.done:
		return false
	}
}

// Call runs fn on the loop goroutine and waits for its result.
func (l *Loop) Call(ctx context.Context, fn func() error) error {
	result := make(chan error, 1)
	if !l.Do(func() { result <- fn() }) {
		return ErrLoopStopped
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-l.done:
		return ErrLoopStopped
	}
}

// Done is closed when Run returns.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// Run drives h until ctx is cancelled. Kernels queued before cancellation are
// processed before Run returns.
func (l *Loop) Run(ctx context.Context, h Handler) error {
	defer l.stop()
	logging.Debugf("pipeline.Loop.Run name=%s started", l.name)
	for {
		select {
		case <-ctx.Done():
			if ks := l.drain(); len(ks) > 0 {
				h.ProcessKernels(ks)
			}
			logging.Debugf("pipeline.Loop.Run name=%s stopped", l.name)
			return nil
		case <-l.wake:
			if ks := l.drain(); len(ks) > 0 {
				h.ProcessKernels(ks)
			}
		case ev := <-l.events:
			h.HandleEvent(ev)
		case fn := <-l.calls:
			fn()
		}
	}
}

func (l *Loop) stop() {
	l.once.Do(func() {
		l.closed.Store(true)
		close(l.done)
	})
}
