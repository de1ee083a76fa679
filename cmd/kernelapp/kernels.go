package main

import (
	"github.com/danmuck/kernelmesh/internal/kernel"
	"github.com/danmuck/kernelmesh/internal/logging"
)

const squareTypeID uint16 = 2

// sumOfSquares is the main kernel: it fans out one square kernel per number
// in 1..N and commits the total.
type sumOfSquares struct {
	kernel.Base
	N     uint64
	Total uint64

	pending uint64
}

func (k *sumOfSquares) Act(rt kernel.Runtime) {
	if k.N == 0 {
		k.N = defaultCount
	}
	k.pending = k.N
	logging.Infof("kernelapp.sumOfSquares.Act id=%d n=%d", k.ID(), k.N)
	for i := uint64(1); i <= k.N; i++ {
		kernel.Upstream(rt, k, &square{X: i})
	}
}

func (k *sumOfSquares) React(rt kernel.Runtime, child kernel.Kernel) {
	k.Total += child.(*square).Y
	k.done(rt)
}

func (k *sumOfSquares) Error(rt kernel.Runtime, child kernel.Kernel) {
	logging.Warnf("kernelapp.sumOfSquares.Error id=%d child=%d result=%s", k.ID(), child.Core().ID(), child.Core().Result())
	k.done(rt)
}

func (k *sumOfSquares) done(rt kernel.Runtime) {
	k.pending--
	if k.pending > 0 {
		return
	}
	logging.Infof("kernelapp.sumOfSquares.React id=%d n=%d total=%d", k.ID(), k.N, k.Total)
	kernel.Commit(rt, k, kernel.Success)
}

// The submitter may send an empty body; the count then comes from the flags.
func (k *sumOfSquares) WriteBody(e *kernel.Encoder) error {
	e.U64(k.N)
	e.U64(k.Total)
	return nil
}

func (k *sumOfSquares) ReadBody(d *kernel.Decoder) error {
	if d.Remaining() >= 8 {
		k.N = d.U64()
	}
	if d.Remaining() >= 8 {
		k.Total = d.U64()
	}
	return d.Err()
}

type square struct {
	kernel.Base
	X, Y uint64
}

func (k *square) Act(rt kernel.Runtime) {
	k.Y = k.X * k.X
	kernel.Commit(rt, k, kernel.Success)
}

func (k *square) WriteBody(e *kernel.Encoder) error {
	e.U64(k.X)
	e.U64(k.Y)
	return nil
}

func (k *square) ReadBody(d *kernel.Decoder) error {
	k.X = d.U64()
	k.Y = d.U64()
	return d.Err()
}

func newTypes() *kernel.Types {
	types := kernel.NewTypes()
	types.MustRegister(kernel.MainTypeID, func() kernel.Kernel { return &sumOfSquares{} })
	types.MustRegister(squareTypeID, func() kernel.Kernel { return &square{} })
	return types
}
