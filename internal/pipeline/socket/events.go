package socket

import (
	"github.com/danmuck/kernelmesh/internal/kernel"
	"github.com/danmuck/kernelmesh/internal/logging"
)

type EventKind uint8

const (
	ClientAdded EventKind = iota + 1
	ClientRemoved
	ServerAdded
	ServerRemoved
)

func (k EventKind) String() string {
	switch k {
	case ClientAdded:
		return "client_added"
	case ClientRemoved:
		return "client_removed"
	case ServerAdded:
		return "server_added"
	case ServerRemoved:
		return "server_removed"
	default:
		return "unknown"
	}
}

// Event reports a change of the pipeline's neighbor or server table.
type Event struct {
	Kind      EventKind
	Address   kernel.Address
	Interface kernel.Interface
}

// OnEvent registers an observer. Observers run on the pipeline goroutine and
// must not block.
func (p *Pipeline) OnEvent(fn func(Event)) {
	if fn == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.observers = append(p.observers, fn)
}

func (p *Pipeline) fire(ev Event) {
	p.mu.RLock()
	observers := append([]func(Event){}, p.observers...)
	p.mu.RUnlock()
	logging.Debugf("socket.Pipeline.fire name=%s event=%s addr=%s", p.cfg.Name, ev.Kind, ev.Address)
	for _, fn := range observers {
		fn(ev)
	}
}
