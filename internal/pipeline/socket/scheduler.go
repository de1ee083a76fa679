package socket

import (
	"math"
	"sync"

	"github.com/danmuck/kernelmesh/internal/kernel"
	"github.com/danmuck/kernelmesh/internal/logging"
)

// Locatable is implemented by kernels that work on a file. The path is either
// "/abs/path" (first file system) or "name:path".
type Locatable interface {
	Path() string
}

// Locator resolves a file path to the nodes that hold it.
type Locator interface {
	Locate(path string) []kernel.Address
}

// Schedulable is the scheduler's view of one neighbor.
type Schedulable interface {
	Address() kernel.Address
	Started() bool
	Weight() uint32
	SetWeight(w uint32)
	MaxWeight() uint32
}

func modularWeight(n Schedulable) uint32 {
	capacity := n.MaxWeight()
	if capacity == 0 {
		capacity = 1
	}
	return n.Weight() / capacity
}

// lighter orders candidates by modular weight. Neighbors in the same bucket
// are ordered by raw weight, then by address, so the choice does not depend
// on the order of the neighbor table.
func lighter(a, b Schedulable) bool {
	if ma, mb := modularWeight(a), modularWeight(b); ma != mb {
		return ma < mb
	}
	if wa, wb := a.Weight(), b.Weight(); wa != wb {
		return wa < wb
	}
	return lessAddress(a.Address(), b.Address())
}

type SchedulerConfig struct {
	// LocalExecution makes this node a candidate for upstream kernels.
	LocalExecution bool
	Locator        Locator
}

// Scheduler picks the next hop of upstream kernels. It is driven by the
// socket pipeline's loop goroutine; LocalWeight may be read concurrently.
type Scheduler struct {
	cfg SchedulerConfig

	mu          sync.Mutex
	localWeight uint32
}

func NewScheduler(cfg SchedulerConfig) *Scheduler {
	return &Scheduler{cfg: cfg}
}

func (s *Scheduler) LocalWeight() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.localWeight
}

func (s *Scheduler) SetLocalWeight(w uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.localWeight = w
}

// Schedule returns the neighbor k should be sent to, or false when k runs
// locally. servers are this node's listening addresses.
func (s *Scheduler) Schedule(k kernel.Kernel, neighbors []Schedulable, servers []kernel.Address) (Schedulable, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := k.Core()

	anyStarted, overflow := false, false
	minWeight := uint32(math.MaxUint32)
	for _, n := range neighbors {
		if !n.Started() {
			continue
		}
		anyStarted = true
		w := n.Weight()
		if w < minWeight {
			minWeight = w
		}
		if w == math.MaxUint32 {
			overflow = true
		}
	}
	if s.localWeight == math.MaxUint32 {
		overflow = true
	}
	if !anyStarted {
		logging.Tracef("socket.Scheduler.Schedule local (no started neighbors) id=%d", b.ID())
		return nil, false
	}
	if overflow {
		logging.Debugf("socket.Scheduler.Schedule rebase min_weight=%d", minWeight)
		for _, n := range neighbors {
			if w := n.Weight(); w >= minWeight {
				n.SetWeight(w - minWeight)
			} else {
				n.SetWeight(0)
			}
		}
		if s.localWeight >= minWeight {
			s.localWeight -= minWeight
		} else {
			s.localWeight = 0
		}
	}

	nodes := s.locate(k)
	fileIsLocal := false
	for _, addr := range nodes {
		if containsAddress(servers, addr) {
			fileIsLocal = true
			break
		}
	}

	var result, withFile Schedulable
	for _, n := range neighbors {
		if !n.Started() {
			continue
		}
		if n.Address() == b.Source() {
			continue
		}
		mw := modularWeight(n)
		if result == nil {
			if !s.cfg.LocalExecution || b.CarriesParent() || mw < s.localWeight {
				result = n
			}
		} else if lighter(n, result) {
			result = n
		}
		if containsAddress(nodes, n.Address()) {
			if withFile == nil {
				if !fileIsLocal || mw < s.localWeight {
					withFile = n
				}
			} else if lighter(n, withFile) {
				withFile = n
			}
		}
	}
	if withFile != nil {
		result = withFile
	}
	// a file on this node pins the kernel here even when a remote holder is less loaded
	if fileIsLocal {
		result = nil
	}
	if result == nil {
		s.localWeight++
		logging.Tracef("socket.Scheduler.Schedule local id=%d local_weight=%d", b.ID(), s.localWeight)
		return nil, false
	}
	result.SetWeight(result.Weight() + 1)
	logging.Tracef(
		"socket.Scheduler.Schedule id=%d neighbor=%s weight=%d max_weight=%d local_weight=%d",
		b.ID(),
		result.Address(),
		result.Weight(),
		result.MaxWeight(),
		s.localWeight,
	)
	return result, true
}

func (s *Scheduler) locate(k kernel.Kernel) []kernel.Address {
	if s.cfg.Locator == nil {
		return nil
	}
	l, ok := k.(Locatable)
	if !ok || l.Path() == "" {
		return nil
	}
	return s.cfg.Locator.Locate(l.Path())
}

func containsAddress(list []kernel.Address, addr kernel.Address) bool {
	for _, a := range list {
		if a == addr {
			return true
		}
	}
	return false
}
