package node

import (
	"context"
	"errors"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/kernelmesh/internal/kernel"
	"github.com/danmuck/kernelmesh/internal/protocol/frame"
	"github.com/danmuck/kernelmesh/internal/protocol/wire"
	"github.com/danmuck/kernelmesh/internal/testutil/testlog"
	"github.com/danmuck/kernelmesh/internal/txlog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

const doubleTypeID uint16 = 50

type doubleKernel struct {
	kernel.Base
	Value uint64
}

func (k *doubleKernel) Act(rt kernel.Runtime) {
	k.Value *= 2
	kernel.Commit(rt, k, kernel.Success)
}

func (k *doubleKernel) WriteBody(e *kernel.Encoder) error {
	e.U64(k.Value)
	return nil
}

func (k *doubleKernel) ReadBody(d *kernel.Decoder) error {
	k.Value = d.U64()
	return d.Err()
}

func testTypes() *kernel.Types {
	types := kernel.NewTypes()
	types.MustRegister(doubleTypeID, func() kernel.Kernel { return &doubleKernel{} })
	return types
}

func testConfig(t *testing.T) ServiceConfig {
	t.Helper()
	cfg := DefaultServiceConfig()
	cfg.Name = "node-test"
	cfg.Port = 0
	cfg.Types = testTypes()
	cfg.HeartbeatInterval = 50 * time.Millisecond
	cfg.UnixSocket = filepath.Join(t.TempDir(), "kernelmesh.sock")
	return cfg
}

func serve(t *testing.T, svc *Service) {
	t.Helper()
	require.NoError(t, svc.Wire())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("serve returned err=%v", err)
			}
		case <-time.After(3 * time.Second):
			t.Errorf("serve did not stop")
		}
	})
	require.Eventually(t, func() bool {
		return svc.ready.Load()
	}, 3*time.Second, 10*time.Millisecond)
}

func TestLifecycleOrder(t *testing.T) {
	testlog.Start(t)
	svc := NewServiceWithConfig(testConfig(t))
	if err := svc.Serve(context.Background()); !errors.Is(err, ErrLifecycleOrder) {
		t.Fatalf("serve before wire got=%v", err)
	}
	require.NoError(t, svc.Wire())
	if svc.Phase() != PhaseWired {
		t.Fatalf("unexpected phase got=%s", svc.Phase())
	}
	if err := svc.Wire(); !errors.Is(err, ErrLifecycleOrder) {
		t.Fatalf("second wire got=%v", err)
	}
}

func TestWireValidatesConfig(t *testing.T) {
	testlog.Start(t)
	cfg := testConfig(t)
	cfg.Name = " "
	if err := NewServiceWithConfig(cfg).Wire(); !errors.Is(err, ErrNameRequired) {
		t.Fatalf("expected ErrNameRequired got=%v", err)
	}

	cfg = testConfig(t)
	cfg.HeartbeatInterval = 0
	if err := NewServiceWithConfig(cfg).Wire(); !errors.Is(err, ErrInvalidHeartbeat) {
		t.Fatalf("expected ErrInvalidHeartbeat got=%v", err)
	}
}

func TestSubmitRequiresServing(t *testing.T) {
	testlog.Start(t)
	svc := NewServiceWithConfig(testConfig(t))
	require.NoError(t, svc.Wire())
	if err := svc.Submit(&doubleKernel{}); !errors.Is(err, ErrNotServing) {
		t.Fatalf("expected ErrNotServing got=%v", err)
	}
}

func TestUnixSubmitterGetsResult(t *testing.T) {
	testlog.Start(t)
	svc := NewServiceWithConfig(testConfig(t))
	serve(t, svc)
	if svc.Phase() != PhaseServing {
		t.Fatalf("unexpected phase got=%s", svc.Phase())
	}
	require.True(t, svc.UnixAddress().IsUnix())

	nc, err := net.Dial("unix", svc.Config().UnixSocket)
	require.NoError(t, err)
	defer nc.Close()

	k := &doubleKernel{Value: 21}
	k.SetID(9)
	k.SetParentRef(kernel.ByID(8))
	types := testTypes()
	payload, err := wire.Append(nil, k, types, wire.Options{PrependApplication: true})
	require.NoError(t, err)
	require.NoError(t, frame.WritePacket(nc, payload, frame.DefaultLimits()))

	require.NoError(t, nc.SetReadDeadline(time.Now().Add(3*time.Second)))
	packet, err := frame.ReadPacket(nc, frame.DefaultLimits())
	require.NoError(t, err)
	_, d, err := wire.ReadHeader(packet)
	require.NoError(t, err)
	reply, err := wire.ReadKernel(d, types)
	require.NoError(t, err)
	if reply.Core().ID() != 9 || reply.Core().Result() != kernel.Success || reply.(*doubleKernel).Value != 42 {
		t.Fatalf("unexpected reply got=%s", reply.Core())
	}
}

func TestStatusReportsPipelines(t *testing.T) {
	testlog.Start(t)
	svc := NewServiceWithConfig(testConfig(t))
	if st := svc.Status(); st.Phase != PhaseBoot || st.Name != "node-test" {
		t.Fatalf("unexpected boot status got=%+v", st)
	}
	serve(t, svc)
	st := svc.Status()
	if st.Socket.Name != "socket" || st.Unix.Name != "unix" {
		t.Fatalf("unexpected pipelines got=%+v", st)
	}
	if len(st.Unix.Servers) != 1 || len(st.Apps) != 0 {
		t.Fatalf("unexpected tables servers=%v apps=%v", st.Unix.Servers, st.Apps)
	}
}

func TestRootKernelFinishesLocally(t *testing.T) {
	testlog.Start(t)
	finished := make(chan kernel.Kernel, 1)
	cfg := testConfig(t)
	cfg.OnFinish = func(k kernel.Kernel) { finished <- k }
	svc := NewServiceWithConfig(cfg)
	serve(t, svc)

	k := &doubleKernel{Value: 4}
	require.NoError(t, svc.Submit(k))
	select {
	case got := <-finished:
		if got != kernel.Kernel(k) || k.Value != 8 || k.Core().Result() != kernel.Success {
			t.Fatalf("unexpected finish value=%d result=%s", k.Value, k.Core().Result())
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("root kernel did not finish")
	}
}

func routedCount(t *testing.T, pipelineName, route string) float64 {
	t.Helper()
	mfs, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	for _, mf := range mfs {
		if mf.GetName() != "kernelmesh_pipeline_kernels_routed_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			labels := map[string]string{}
			for _, l := range m.GetLabel() {
				labels[l.GetName()] = l.GetValue()
			}
			if labels["pipeline"] == pipelineName && labels["route"] == route {
				return m.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func TestResubmittedKernelFinishesOnce(t *testing.T) {
	testlog.Start(t)
	cfg := testConfig(t)
	cfg.TransactionLog = filepath.Join(t.TempDir(), "tx.log")

	// a kernel the previous run sent but never saw complete
	log, err := txlog.Open(cfg.TransactionLog)
	require.NoError(t, err)
	k := &doubleKernel{Value: 5}
	k.SetID(41)
	k.SetApp(cfg.App)
	k.SetParentRef(kernel.ByID(777))
	packet, err := wire.Append(nil, k, cfg.Types, wire.Options{PrependApplication: true})
	require.NoError(t, err)
	log.Sent("socket", k, packet)
	require.NoError(t, log.Close())

	finished := make(chan kernel.Kernel, 4)
	cfg.OnFinish = func(k kernel.Kernel) { finished <- k }
	svc := NewServiceWithConfig(cfg)
	require.NoError(t, svc.Wire())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx) }()

	select {
	case got := <-finished:
		d, ok := got.(*doubleKernel)
		if !ok || d.Value != 10 || d.Core().Result() != kernel.Success || d.Core().ID() == 41 {
			t.Fatalf("unexpected resubmitted result got=%s", got.Core())
		}
	case <-time.After(3 * time.Second):
		cancel()
		t.Fatalf("resubmitted kernel did not finish")
	}

	routed := routedCount(t, "socket", "native")
	time.Sleep(200 * time.Millisecond)
	if now := routedCount(t, "socket", "native"); now != routed {
		cancel()
		t.Fatalf("kernel still circulating routed before=%v after=%v", routed, now)
	}
	select {
	case extra := <-finished:
		cancel()
		t.Fatalf("kernel finished twice got=%s", extra.Core())
	default:
	}

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatalf("serve did not stop")
	}
	pending, err := txlog.Pending(cfg.TransactionLog)
	require.NoError(t, err)
	require.Empty(t, pending, "resubmitted record must be closed")
}
