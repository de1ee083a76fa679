package locator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/kernelmesh/internal/kernel"
	"github.com/danmuck/kernelmesh/internal/logging"
)

const DefaultTimeout = 200 * time.Millisecond

var ErrDuplicateName = errors.New("locator: duplicate file system name")

// FileSystem lists the nodes holding a path.
type FileSystem interface {
	Name() string
	Locate(ctx context.Context, path string) ([]kernel.Address, error)
}

// Resolver picks the file system of a path and asks it for the holders.
// It satisfies the socket scheduler's Locator.
type Resolver struct {
	timeout time.Duration

	mu  sync.RWMutex
	fss []FileSystem
}

func New(timeout time.Duration, fss ...FileSystem) (*Resolver, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	r := &Resolver{timeout: timeout}
	for _, fs := range fss {
		if err := r.Add(fs); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Resolver) Add(fs FileSystem) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, cur := range r.fss {
		if cur.Name() == fs.Name() {
			return ErrDuplicateName
		}
	}
	r.fss = append(r.fss, fs)
	return nil
}

// Lookup returns the file system responsible for path and the path relative
// to it.
func (r *Resolver) Lookup(path string) (FileSystem, string, bool) {
	if path == "" {
		return nil, "", false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if path[0] == '/' {
		if len(r.fss) == 0 {
			return nil, "", false
		}
		return r.fss[0], path, true
	}
	name, rest, ok := strings.Cut(path, ":")
	if !ok {
		return nil, "", false
	}
	for _, fs := range r.fss {
		if fs.Name() == name {
			return fs, rest, true
		}
	}
	return nil, "", false
}

func (r *Resolver) Locate(path string) []kernel.Address {
	fs, rel, ok := r.Lookup(path)
	if !ok {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	nodes, err := fs.Locate(ctx, rel)
	if err != nil {
		logging.Warnf("locator.Resolver.Locate fs=%s path=%s err=%v", fs.Name(), rel, err)
		return nil
	}
	return nodes
}

// Static is an in-memory file system, usually filled from the topology.
type Static struct {
	name string

	mu    sync.RWMutex
	files map[string][]kernel.Address
}

func NewStatic(name string) *Static {
	return &Static{name: name, files: make(map[string][]kernel.Address)}
}

func (s *Static) Name() string { return s.name }

func (s *Static) Set(path string, nodes ...kernel.Address) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(nodes) == 0 {
		delete(s.files, path)
		return
	}
	s.files[path] = append([]kernel.Address(nil), nodes...)
}

func (s *Static) Locate(_ context.Context, path string) ([]kernel.Address, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]kernel.Address(nil), s.files[path]...), nil
}
