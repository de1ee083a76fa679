package node

import (
	"github.com/danmuck/kernelmesh/internal/kernel"
	"github.com/danmuck/kernelmesh/internal/logging"
	"github.com/danmuck/kernelmesh/internal/observability"
	"github.com/danmuck/kernelmesh/internal/pipeline"
	"github.com/danmuck/kernelmesh/internal/txlog"
	"github.com/hashicorp/go-metrics"
)

// recovered adopts kernels resubmitted from the transaction log. Their own
// parents lived in the previous run of the node.
type recovered struct {
	kernel.Base
	s *Service
}

func (r *recovered) React(_ kernel.Runtime, child kernel.Kernel) { r.s.recoveredDone(child) }
func (r *recovered) Error(_ kernel.Runtime, child kernel.Kernel) { r.s.recoveredDone(child) }

func (s *Service) recoveredDone(k kernel.Kernel) {
	logging.Infof("node.Service.recoveredDone name=%s id=%d result=%s", s.cfg.Name, k.Core().ID(), k.Core().Result())
	s.finished(k)
}

// resubmitPending schedules again every kernel the previous run sent but
// never saw complete. Each one gets a fresh id and a parent on this node, and
// its old record is closed so the next restart does not submit it again.
// Kernels of other applications are closed without resubmission: the
// application that would receive their results is gone.
func (s *Service) resubmitPending() {
	if s.journal == nil {
		return
	}
	pending, err := txlog.Pending(s.journal.Path())
	if err != nil {
		logging.Warnf("node.Service.resubmitPending path=%s err=%v", s.journal.Path(), err)
		return
	}
	parent := &recovered{s: s}
	n := 0
	for _, r := range pending {
		k, err := txlog.Decode(r, s.cfg.App, s.cfg.Types)
		if err != nil {
			logging.Warnf("node.Service.resubmitPending record=%s id=%d err=%v", r.ID, r.KernelID, err)
			continue
		}
		s.journal.Completed(r.Pipeline, r.KernelID)
		if _, foreign := kernel.AsForeign(k); foreign {
			logging.Warnf("node.Service.resubmitPending record=%s id=%d app=%d application gone, dropped", r.ID, r.KernelID, k.Core().App())
			continue
		}
		b := k.Core()
		b.SetID(s.instances.NextID())
		b.SetSource(kernel.Address{})
		b.SetDestination(kernel.Address{})
		if !b.CarriesParent() {
			b.SetParent(parent)
		}
		if !b.MovesUpstream() {
			logging.Warnf("node.Service.resubmitPending record=%s id=%d not moving upstream, dropped %s", r.ID, r.KernelID, b)
			continue
		}
		logging.Debugf("node.Service.resubmitPending record=%s id=%d resubmitted as id=%d", r.ID, r.KernelID, b.ID())
		pipeline.Submit(s.socket, k)
		n++
	}
	if n > 0 {
		metrics.IncrCounter(observability.MetricNodeResubmitted, float32(n))
		logging.Infof("node.Service.resubmitPending resubmitted=%d", n)
	}
}
