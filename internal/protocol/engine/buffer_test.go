package engine

import (
	"testing"

	"github.com/danmuck/kernelmesh/internal/kernel"
	"github.com/danmuck/kernelmesh/internal/testutil/testlog"
)

func bufferedKernel(id uint64) kernel.Kernel {
	k := &taskKernel{}
	k.SetID(id)
	return k
}

func TestBufferLifecycle(t *testing.T) {
	testlog.Start(t)
	b := NewBuffer()
	for _, id := range []uint64{3, 1, 2} {
		if !b.Put(bufferedKernel(id)) {
			t.Fatalf("put id=%d refused", id)
		}
	}
	if b.Put(bufferedKernel(1)) {
		t.Fatalf("duplicate id accepted")
	}
	if b.Put(bufferedKernel(0)) {
		t.Fatalf("kernel without id accepted")
	}
	if got := b.Len(); got != 3 {
		t.Fatalf("unexpected len got=%d", got)
	}
	if _, ok := b.Get(1); !ok {
		t.Fatalf("expected buffered kernel id=1")
	}
	k, ok := b.Take(1)
	if !ok || k.Core().ID() != 1 {
		t.Fatalf("take id=1 got=%v ok=%v", k, ok)
	}
	if _, ok := b.Take(1); ok {
		t.Fatalf("kernel should be removed")
	}

	drained := b.Drain()
	if len(drained) != 2 || drained[0].Core().ID() != 3 || drained[1].Core().ID() != 2 {
		t.Fatalf("drain must keep insertion order got=%v", drained)
	}
	if b.Len() != 0 || len(b.List()) != 0 {
		t.Fatalf("buffer should be empty after drain")
	}
}

func TestFlagsString(t *testing.T) {
	testlog.Start(t)
	if got := Flags(0).String(); got != "none" {
		t.Fatalf("got=%q", got)
	}
	got := (PrependApplication | SaveUpstreamKernels).String()
	if got != "prepend_application|save_upstream_kernels" {
		t.Fatalf("got=%q", got)
	}
}
