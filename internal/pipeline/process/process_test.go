package process

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/danmuck/kernelmesh/internal/connection"
	"github.com/danmuck/kernelmesh/internal/kernel"
	"github.com/danmuck/kernelmesh/internal/pipeline/local"
	"github.com/danmuck/kernelmesh/internal/protocol/frame"
	"github.com/danmuck/kernelmesh/internal/protocol/wire"
	"github.com/danmuck/kernelmesh/internal/testutil/testlog"
	"github.com/stretchr/testify/require"
)

const (
	helperEnv     = "KERNELMESH_PROCESS_HELPER"
	helperExitEnv = "KERNELMESH_HELPER_EXIT"
)

// doubleMain is the main kernel of the helper application.
type doubleMain struct {
	kernel.Base
	Value uint64
}

func (k *doubleMain) Act(rt kernel.Runtime) {
	k.Value *= 2
	kernel.Commit(rt, k, kernel.Success)
}

func (k *doubleMain) WriteBody(e *kernel.Encoder) error {
	e.U64(k.Value)
	return nil
}

func (k *doubleMain) ReadBody(d *kernel.Decoder) error {
	k.Value = d.U64()
	return d.Err()
}

func helperTypes() *kernel.Types {
	types := kernel.NewTypes()
	types.MustRegister(kernel.MainTypeID, func() kernel.Kernel { return &doubleMain{} })
	return types
}

func TestMain(m *testing.M) {
	if os.Getenv(helperEnv) != "" {
		os.Exit(runHelper())
	}
	os.Exit(m.Run())
}

// runHelper is the application side when the test binary is started by a
// process pipeline.
func runHelper() int {
	instances := kernel.NewInstances()
	child, err := OpenChild(ChildConfig{Types: helperTypes(), Instances: instances})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	lp := local.New(local.Config{Name: "helper", Workers: 1, Upstream: child, Instances: instances})
	child.SetNative(lp.Native())
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	go func() {
		_ = lp.Run(ctx)
	}()
	if err := child.Run(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	code, _ := strconv.Atoi(os.Getenv(helperExitEnv))
	return code
}

type chanPipeline chan kernel.Kernel

func (c chanPipeline) Send(k kernel.Kernel)       { c <- k }
func (c chanPipeline) Forward(fk *kernel.Foreign) { c <- fk }

type harness struct {
	p      *Pipeline
	native chanPipeline
	remote chanPipeline
	unix   chanPipeline
}

func startProcess(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		native: make(chanPipeline, 8),
		remote: make(chanPipeline, 8),
		unix:   make(chanPipeline, 8),
	}
	h.p = New(Config{
		Name:   "process",
		Native: h.native,
		Remote: h.remote,
		Unix:   h.unix,
	})
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		_ = h.p.Run(ctx)
	}()
	t.Cleanup(cancel)
	return h
}

func helperApp(id uint64, wait bool, exit int) *kernel.Application {
	return &kernel.Application{
		ID:                id,
		Args:              []string{os.Args[0], "-test.run=^$"},
		Env:               []string{helperEnv + "=1", helperExitEnv + "=" + strconv.Itoa(exit)},
		WaitForCompletion: wait,
	}
}

var submitter = kernel.UnixAddress("/run/kernelmesh.sock#1")

func mainKernel(app *kernel.Application, id, value uint64) *kernel.Foreign {
	e := kernel.NewEncoder(nil)
	e.U64(value)
	fk := &kernel.Foreign{Payload: e.Bytes(), Target: app}
	fk.SetTypeID(kernel.MainTypeID)
	fk.SetApp(app.ID)
	fk.SetID(id)
	fk.SetParentRef(kernel.ByID(id - 1))
	fk.SetSource(submitter)
	return fk
}

func receive(t *testing.T, ch chanPipeline) kernel.Kernel {
	t.Helper()
	select {
	case k := <-ch:
		return k
	case <-time.After(10 * time.Second):
		t.Fatalf("timed out waiting for kernel")
		return nil
	}
}

func waitNoApps(t *testing.T, p *Pipeline) {
	t.Helper()
	require.Eventually(t, func() bool {
		apps, err := p.Snapshot(context.Background())
		return err == nil && len(apps) == 0
	}, 10*time.Second, 20*time.Millisecond)
}

func TestMainKernelWaitsForApplicationExit(t *testing.T) {
	testlog.Start(t)
	h := startProcess(t)
	h.p.Forward(mainKernel(helperApp(7, true, 3), 11, 21))

	got := receive(t, h.unix)
	b := got.Core()
	if b.ID() != 11 || b.Result() != kernel.UserExitCodeBase+3 {
		t.Fatalf("unexpected main kernel result got=%s", b)
	}
	if b.Principal().ID() != 10 || b.Source() != submitter {
		t.Fatalf("main kernel must return to the submitter got=%s", b)
	}
	waitNoApps(t, h.p)
}

func TestMainKernelReturnsImmediatelyWithoutWaiting(t *testing.T) {
	testlog.Start(t)
	h := startProcess(t)
	h.p.Forward(mainKernel(helperApp(8, false, 0), 21, 1))

	got := receive(t, h.unix)
	if got.Core().Result() != kernel.Success || got.Core().ID() != 21 {
		t.Fatalf("unexpected main kernel result got=%s", got.Core())
	}
	waitNoApps(t, h.p)
	select {
	case k := <-h.unix:
		t.Fatalf("main kernel returned twice got=%s", k.Core())
	default:
	}
}

func TestUnknownApplicationBouncesToSource(t *testing.T) {
	testlog.Start(t)
	h := startProcess(t)
	fk := &kernel.Foreign{Payload: []byte{1, 2, 3}}
	fk.SetTypeID(12)
	fk.SetApp(99)
	fk.SetID(5)
	fk.SetParentRef(kernel.ByID(4))
	fk.SetSource(kernel.MustParseAddress("10.0.0.1:33333"))
	h.p.Forward(fk)

	got := receive(t, h.remote)
	if got.Core().Result() != kernel.EndpointNotConnected || got.Core().Principal().ID() != 4 {
		t.Fatalf("unexpected bounce got=%s", got.Core())
	}
}

func TestSendToClosedApplicationBounces(t *testing.T) {
	testlog.Start(t)
	remote := make(chanPipeline, 8)
	p := New(Config{Name: "process", Remote: remote})
	conn, err := connection.New(connection.Config{
		Pipeline: p.cfg.Name,
		Label:    "app-31",
		Engine:   p.newEngine(31),
		Loop:     p.loop,
	})
	require.NoError(t, err)
	conn.Close()
	p.byApp[31] = &App{app: kernel.Application{ID: 31}, conn: conn}

	fk := &kernel.Foreign{Payload: []byte{1}}
	fk.SetTypeID(12)
	fk.SetApp(31)
	fk.SetID(6)
	fk.SetParentRef(kernel.ByID(3))
	fk.SetSource(kernel.MustParseAddress("10.0.0.1:33333"))
	p.processKernel(fk)

	got := receive(t, remote)
	if got.Core().Result() != kernel.EndpointNotConnected || got.Core().ID() != 6 {
		t.Fatalf("unexpected bounce got=%s", got.Core())
	}
	require.Equal(t, 0, conn.Engine().Upstream().Len())
}

func TestLaunchStaleAndTerminate(t *testing.T) {
	testlog.Start(t)
	h := startProcess(t)
	ctx := context.Background()

	_, err := h.p.Launch(ctx, kernel.Application{ID: 9})
	require.ErrorIs(t, err, kernel.ErrApplicationArgsRequired)
	_, err = h.p.Launch(ctx, *helperApp(0, false, 0))
	require.ErrorIs(t, err, ErrInvalidAppID)

	pid, err := h.p.Launch(ctx, *helperApp(9, false, 0))
	require.NoError(t, err)
	require.NotZero(t, pid)
	_, err = h.p.Launch(ctx, *helperApp(9, false, 0))
	require.ErrorIs(t, err, ErrApplicationRunning)

	stale, err := h.p.Stale(ctx, time.Now(), 0)
	require.NoError(t, err)
	require.Equal(t, []uint64{9}, stale)

	require.NoError(t, h.p.Terminate(ctx, 9))
	waitNoApps(t, h.p)
	if err := h.p.Terminate(ctx, 9); !errors.Is(err, ErrUnknownApplication) {
		t.Fatalf("expected ErrUnknownApplication got=%v", err)
	}
}

func TestAppStaleTracksTraffic(t *testing.T) {
	testlog.Start(t)
	start := time.Unix(1000, 0)
	a := &App{lastCheck: start}
	if a.stale(start.Add(time.Second), time.Minute) {
		t.Fatalf("checked before the timeout elapsed")
	}
	if !a.stale(start.Add(time.Minute), time.Minute) {
		t.Fatalf("idle application must be stale")
	}
	a.kernels.Add(1)
	if a.stale(start.Add(2*time.Minute), time.Minute) {
		t.Fatalf("application with traffic must not be stale")
	}
}

func TestExitResult(t *testing.T) {
	testlog.Start(t)
	cases := map[int]kernel.ExitCode{
		0:  kernel.Success,
		1:  kernel.UserExitCodeBase + 1,
		42: kernel.UserExitCodeBase + 42,
		-1: kernel.Error,
	}
	for code, want := range cases {
		if got := ExitResult(code); got != want {
			t.Fatalf("exit code %d got=%s want=%s", code, got, want)
		}
	}
}

func TestChildRunsMainKernelAndFinishes(t *testing.T) {
	testlog.Start(t)
	node, app := net.Pipe()
	defer node.Close()
	instances := kernel.NewInstances()
	types := helperTypes()
	child, err := NewChild(5, app, ChildConfig{Types: types, Instances: instances})
	require.NoError(t, err)
	lp := local.New(local.Config{Name: "app", Workers: 1, Upstream: child, Instances: instances})
	child.SetNative(lp.Native())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		_ = lp.Run(ctx)
	}()
	runErr := make(chan error, 1)
	go func() {
		runErr <- child.Run(ctx)
	}()

	k := &doubleMain{Value: 21}
	k.SetApp(5)
	k.SetID(3)
	k.SetParentRef(kernel.ByID(2))
	k.SetSource(submitter)
	opts := wire.Options{PrependApplication: true, PrependSourceAndDestination: true}
	payload, err := wire.Append(nil, k, types, opts)
	require.NoError(t, err)
	require.NoError(t, node.SetDeadline(time.Now().Add(5*time.Second)))
	require.NoError(t, frame.WritePacket(node, payload, frame.DefaultLimits()))

	packet, err := frame.ReadPacket(node, frame.DefaultLimits())
	require.NoError(t, err)
	hdr, d, err := wire.ReadHeader(packet)
	require.NoError(t, err)
	require.Equal(t, uint64(5), hdr.App)
	require.Equal(t, submitter, hdr.Destination)
	reply, err := wire.ReadKernel(d, types)
	require.NoError(t, err)
	got := reply.(*doubleMain)
	if got.Value != 42 || got.Result() != kernel.Success || got.ID() != 3 {
		t.Fatalf("unexpected reply got=%s value=%d", got.Core(), got.Value)
	}

	select {
	case <-child.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("child did not finish after its main kernel")
	}
	select {
	case err := <-runErr:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatalf("child Run did not return")
	}
}
