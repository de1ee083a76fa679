package engine

import (
	"github.com/danmuck/kernelmesh/internal/kernel"
	"github.com/danmuck/kernelmesh/internal/logging"
	"github.com/danmuck/kernelmesh/internal/pipeline"
)

// RecoverStats counts the terminal action taken for every recovered kernel.
type RecoverStats struct {
	Resubmitted int
	Unreachable int
	Restored    int
	Discarded   int
}

func (s RecoverStats) Total() int {
	return s.Resubmitted + s.Unreachable + s.Restored + s.Discarded
}

// Recover drains the upstream buffer, and the downstream buffer when down is
// set, after the connection was lost. Every drained kernel gets exactly one
// terminal action.
func (e *Engine) Recover(down bool) RecoverStats {
	var stats RecoverStats
	for _, k := range e.upstream.Drain() {
		e.recoverKernel(k, &stats)
	}
	if down {
		for _, k := range e.downstream.Drain() {
			e.recoverKernel(k, &stats)
		}
	}
	if stats.Total() > 0 {
		logging.Infof(
			"engine.Recover name=%s resubmitted=%d unreachable=%d restored=%d discarded=%d",
			e.cfg.Name,
			stats.Resubmitted,
			stats.Unreachable,
			stats.Restored,
			stats.Discarded,
		)
	}
	return stats
}

func (e *Engine) recoverKernel(k kernel.Kernel, stats *RecoverStats) {
	b := k.Core()
	// the next engine relabels it again
	b.RestoreID()
	var err error
	switch {
	case b.MovesUpstream() && b.Destination().IsZero():
		err = e.deliver(e.cfg.Remote, k)
		if err == nil {
			stats.Resubmitted++
		}
	case b.MovesSomewhere() || (b.MovesUpstream() && !b.Destination().IsZero()):
		b.SetSource(b.Destination())
		b.ReturnToParent(kernel.EndpointNotConnected)
		err = e.deliver(e.local(k), k)
		if err == nil {
			stats.Unreachable++
		}
	case b.MovesDownstream() && b.CarriesParent():
		err = e.deliver(e.local(k), k)
		if err == nil {
			stats.Restored++
		}
	default:
		logging.Warnf("engine.Recover name=%s bad kernel in buffer %s", e.cfg.Name, b)
		stats.Discarded++
		return
	}
	if err != nil {
		logging.Errorf("engine.Recover name=%s failed to recover id=%d err=%v", e.cfg.Name, b.ID(), err)
		stats.Discarded++
	}
}

func (e *Engine) local(k kernel.Kernel) pipeline.Pipeline {
	if _, foreign := kernel.AsForeign(k); foreign {
		return e.cfg.Foreign
	}
	return e.cfg.Native
}
