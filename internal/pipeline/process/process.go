package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/danmuck/kernelmesh/internal/connection"
	"github.com/danmuck/kernelmesh/internal/kernel"
	"github.com/danmuck/kernelmesh/internal/logging"
	"github.com/danmuck/kernelmesh/internal/observability"
	"github.com/danmuck/kernelmesh/internal/pipeline"
	"github.com/danmuck/kernelmesh/internal/protocol/engine"
	"github.com/danmuck/kernelmesh/internal/protocol/frame"
	"github.com/hashicorp/go-metrics"
)

var (
	ErrUnknownApplication = errors.New("process: unknown application")
	ErrApplicationRunning = errors.New("process: application already running")
	ErrInvalidAppID       = errors.New("process: application id must not be the node's own")
)

// EnvAppID carries the application id into the child process.
const EnvAppID = "KERNELMESH_APP_ID"

// The child reads kernels from fd 3 and writes kernels to fd 4.
const (
	childInFD  = 3
	childOutFD = 4
)

// DefaultFlags is the protocol configuration of the node side of a child pipe.
const DefaultFlags = engine.SaveUpstreamKernels |
	engine.SaveDownstreamKernels |
	engine.PrependSourceAndDestination |
	engine.PrependApplication

// Config wires a process pipeline.
type Config struct {
	Name string
	// App is the node's own application; child applications must differ.
	App       uint64
	Flags     engine.Flags
	Types     *kernel.Types
	Instances *kernel.Instances
	// Native receives kernels of the node's own application.
	Native pipeline.Pipeline
	// Remote receives kernels leaving the applications, usually the socket pipeline.
	Remote pipeline.Pipeline
	// Unix receives kernels returning to local submitters.
	Unix pipeline.Pipeline

	Journal engine.Journal
	Limits  frame.Limits
	Sink    metrics.MetricSink
	// Env is appended to the environment of every application.
	Env    []string
	Stdout io.Writer
	Stderr io.Writer
}

// Pipeline runs applications as child processes and exchanges kernels with
// them over a pipe pair each.
//
// Kernel routing and the application table are owned by the pipeline
// goroutine. Exported methods may be called from any goroutine.
type Pipeline struct {
	cfg  Config
	loop *pipeline.Loop

	mu    sync.RWMutex
	byPID map[int]*App
	byApp map[uint64]*App
}

var _ pipeline.Pipeline = (*Pipeline)(nil)

func New(cfg Config) *Pipeline {
	if cfg.Name == "" {
		cfg.Name = "process"
	}
	if cfg.Flags == 0 {
		cfg.Flags = DefaultFlags
	}
	if cfg.Journal != nil {
		cfg.Flags |= engine.WriteTransactionLog
	}
	if cfg.Types == nil {
		cfg.Types = kernel.NewTypes()
	}
	if cfg.Instances == nil {
		cfg.Instances = kernel.NewInstances()
	}
	if cfg.Limits.MaxPacketBytes == 0 {
		cfg.Limits = frame.DefaultLimits()
	}
	if cfg.Stdout == nil {
		cfg.Stdout = os.Stdout
	}
	if cfg.Stderr == nil {
		cfg.Stderr = os.Stderr
	}
	return &Pipeline{
		cfg:   cfg,
		loop:  pipeline.NewLoop(cfg.Name),
		byPID: make(map[int]*App),
		byApp: make(map[uint64]*App),
	}
}

func (p *Pipeline) Name() string { return p.cfg.Name }

// SetPipelines replaces the pipelines kernels are handed to. Call before Run.
func (p *Pipeline) SetPipelines(native, remote, unix pipeline.Pipeline) {
	p.cfg.Native = native
	p.cfg.Remote = remote
	p.cfg.Unix = unix
}

func (p *Pipeline) Send(k kernel.Kernel) {
	p.loop.Push(k)
}

// Forward queues a kernel for the application named in its header. Kernels
// carrying a target application start it when it is not running.
func (p *Pipeline) Forward(fk *kernel.Foreign) {
	p.loop.Push(fk)
}

// Run drives the pipeline until ctx is cancelled, then terminates every
// application.
func (p *Pipeline) Run(ctx context.Context) error {
	err := p.loop.Run(ctx, p)
	p.shutdown()
	return err
}

func (p *Pipeline) shutdown() {
	p.mu.Lock()
	apps := make([]*App, 0, len(p.byPID))
	for _, a := range p.byPID {
		apps = append(apps, a)
	}
	p.byPID = make(map[int]*App)
	p.byApp = make(map[uint64]*App)
	p.mu.Unlock()
	for _, a := range apps {
		terminate(a)
		a.conn.Close()
	}
	observability.SetClients(p.cfg.Name, 0)
	logging.Infof("process.Pipeline.shutdown name=%s apps=%d", p.cfg.Name, len(apps))
}

// ProcessKernels implements pipeline.Handler.
func (p *Pipeline) ProcessKernels(ks []kernel.Kernel) {
	for _, k := range ks {
		p.processKernel(k)
	}
}

func (p *Pipeline) processKernel(k kernel.Kernel) {
	b := k.Core()
	if b.MovesEverywhere() {
		for _, a := range p.apps() {
			p.sendTo(a, k)
		}
		observability.RecordRoute(p.cfg.Name, "broadcast")
		return
	}
	a := p.app(b.App())
	if a == nil {
		if fk, ok := kernel.AsForeign(k); ok && fk.Target != nil {
			launched, err := p.launch(*fk.Target)
			if err != nil {
				logging.Warnf("process.Pipeline.processKernel name=%s launch app=%d err=%v", p.cfg.Name, fk.Target.ID, err)
			}
			a = launched
		}
	}
	if a == nil {
		p.bounce(k, kernel.EndpointNotConnected)
		return
	}
	observability.RecordRoute(p.cfg.Name, "app")
	p.sendTo(a, k)
}

func (p *Pipeline) sendTo(a *App, k kernel.Kernel) {
	fk, foreign := kernel.AsForeign(k)
	var target *kernel.Application
	if foreign {
		// the application knows who it is
		target = fk.Target
		fk.Target = nil
	}
	if err := a.conn.Send(k); err != nil {
		logging.Warnf("process.Pipeline.sendTo name=%s app=%d %s err=%v", p.cfg.Name, a.ID(), k.Core(), err)
		p.bounce(k, kernel.EndpointNotConnected)
		return
	}
	a.kernels.Add(1)
	if !foreign {
		return
	}
	b := fk.Core()
	switch {
	case b.TypeID() == kernel.MainTypeID && b.MovesUpstream():
		p.adoptMain(a, fk, target)
	case b.MovesUpstream() && b.Source().IsZero():
		// the application scheduled its own kernel here and restores it itself
		a.conn.Engine().Upstream().Take(b.ID())
	}
}

// adoptMain takes over the main kernel of an application: it is held until the
// application exits or returned right away.
func (p *Pipeline) adoptMain(a *App, fk *kernel.Foreign, target *kernel.Application) {
	a.conn.Engine().Upstream().Take(fk.ID())
	a.mainID = fk.ID()
	if target != nil && target.WaitForCompletion {
		a.main = fk
		logging.Debugf("process.Pipeline.adoptMain name=%s app=%d holding main kernel id=%d", p.cfg.Name, a.ID(), fk.ID())
		return
	}
	fk.ReturnToParent(kernel.Success)
	fk.RestoreID()
	logging.Debugf("process.Pipeline.adoptMain name=%s app=%d returned main kernel id=%d", p.cfg.Name, a.ID(), fk.ID())
	p.route(fk)
}

// fromApp handles foreign kernels received from an application.
func (p *Pipeline) fromApp(fk *kernel.Foreign) {
	a := p.app(fk.App())
	if a != nil {
		a.kernels.Add(1)
		if a.mainID != 0 && fk.ID() == a.mainID && fk.MovesDownstream() {
			// the exit status decides the result of the main kernel
			logging.Debugf("process.Pipeline.fromApp name=%s app=%d main kernel finished", p.cfg.Name, a.ID())
			return
		}
	}
	p.route(fk)
}

// route hands a kernel leaving the applications to the socket pipeline that
// can reach its destination.
func (p *Pipeline) route(k kernel.Kernel) {
	b := k.Core()
	to := b.Destination()
	if to.IsZero() {
		to = b.Source()
	}
	target := p.cfg.Remote
	if to.IsUnix() {
		target = p.cfg.Unix
	}
	if target == nil {
		logging.Errorf("process.Pipeline.route name=%s no pipeline for %s", p.cfg.Name, b)
		return
	}
	pipeline.Submit(target, k)
}

func (p *Pipeline) bounce(k kernel.Kernel, code kernel.ExitCode) {
	b := k.Core()
	if b.MovesDownstream() {
		logging.Warnf("process.Pipeline.bounce name=%s application gone, dropped %s", p.cfg.Name, b)
		return
	}
	b.ReturnToParent(code)
	observability.RecordRoute(p.cfg.Name, "bounced")
	p.route(k)
}

func (p *Pipeline) outbound() pipeline.Pipeline {
	return pipeline.Funcs{SendFunc: p.route, ForwardFunc: p.fromApp}
}

func (p *Pipeline) newEngine(app uint64) *engine.Engine {
	return engine.New(engine.Config{
		Name:      p.cfg.Name,
		App:       p.cfg.App,
		PeerApp:   app,
		Flags:     p.cfg.Flags,
		Types:     p.cfg.Types,
		Instances: p.cfg.Instances,
		Native:    p.cfg.Native,
		Foreign:   p.outbound(),
		Remote:    p.outbound(),
		Journal:   p.cfg.Journal,
		Limits:    p.cfg.Limits,
	})
}

func (p *Pipeline) launch(app kernel.Application) (*App, error) {
	if err := app.Validate(); err != nil {
		return nil, err
	}
	if app.ID == p.cfg.App {
		return nil, fmt.Errorf("%w: %d", ErrInvalidAppID, app.ID)
	}
	if p.app(app.ID) != nil {
		return nil, fmt.Errorf("%w: %d", ErrApplicationRunning, app.ID)
	}
	childIn, parentOut, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	parentIn, childOut, err := os.Pipe()
	if err != nil {
		closeFiles(childIn, parentOut)
		return nil, err
	}

	cmd := exec.Command(app.Args[0], app.Args[1:]...)
	cmd.Env = append(os.Environ(), p.cfg.Env...)
	cmd.Env = append(cmd.Env, app.Env...)
	cmd.Env = append(cmd.Env, EnvAppID+"="+strconv.FormatUint(app.ID, 10))
	cmd.ExtraFiles = []*os.File{childIn, childOut}
	cmd.Stdout = p.cfg.Stdout
	cmd.Stderr = p.cfg.Stderr
	if err := cmd.Start(); err != nil {
		closeFiles(childIn, parentOut, parentIn, childOut)
		return nil, fmt.Errorf("process: start %s: %w", app.Args[0], err)
	}
	closeFiles(childIn, childOut)

	conn, err := connection.New(connection.Config{
		Pipeline: p.cfg.Name,
		Label:    "app-" + strconv.FormatUint(app.ID, 10),
		Engine:   p.newEngine(app.ID),
		Loop:     p.loop,
		Limits:   p.cfg.Limits,
		Sink:     p.cfg.Sink,
	})
	if err != nil {
		_ = cmd.Process.Kill()
		closeFiles(parentIn, parentOut)
		go func() { _ = cmd.Wait() }()
		return nil, err
	}
	now := time.Now()
	a := &App{
		app:       app,
		cmd:       cmd,
		pid:       cmd.Process.Pid,
		conn:      conn,
		started:   now,
		lastCheck: now,
	}
	p.mu.Lock()
	p.byPID[a.pid] = a
	p.byApp[app.ID] = a
	n := len(p.byPID)
	p.mu.Unlock()
	observability.SetClients(p.cfg.Name, n)

	if err := conn.Activate(connection.JoinPipes(parentIn, parentOut)); err != nil {
		logging.Warnf("process.Pipeline.launch name=%s app=%d activate err=%v", p.cfg.Name, app.ID, err)
	}
	conn.MarkStarted()
	go p.wait(a)
	logging.Infof("process.Pipeline.launch name=%s app=%d pid=%d args=%q", p.cfg.Name, app.ID, a.pid, app.Args)
	return a, nil
}

func (p *Pipeline) wait(a *App) {
	err := a.cmd.Wait()
	code := -1
	if a.cmd.ProcessState != nil {
		code = a.cmd.ProcessState.ExitCode()
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		err = nil
	}
	p.loop.Post(pipeline.Event{Kind: pipeline.EventExited, From: a.conn, Code: code, Err: err})
}

func closeFiles(files ...*os.File) {
	for _, f := range files {
		_ = f.Close()
	}
}

func terminate(a *App) {
	if a.cmd.Process == nil {
		return
	}
	if err := a.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		_ = a.cmd.Process.Kill()
	}
}

// HandleEvent implements pipeline.Handler.
func (p *Pipeline) HandleEvent(ev pipeline.Event) {
	conn, ok := connection.Owner(ev)
	if !ok {
		return
	}
	a := p.appFor(conn)
	if a == nil {
		return
	}
	if conn.Handle(ev) {
		return
	}
	if ev.Kind == pipeline.EventExited {
		p.exited(a, ev.Code)
		return
	}
	// the application stays registered until the waiter reports its exit
	logging.Debugf("process.Pipeline.HandleEvent name=%s app=%d pipes closed", p.cfg.Name, a.ID())
}

func (p *Pipeline) exited(a *App, code int) {
	p.mu.Lock()
	delete(p.byPID, a.pid)
	if cur := p.byApp[a.ID()]; cur == a {
		delete(p.byApp, a.ID())
	}
	n := len(p.byPID)
	p.mu.Unlock()
	observability.SetClients(p.cfg.Name, n)

	stats := a.conn.Recover(true)
	result := ExitResult(code)
	observability.RecordAppExit(p.cfg.Name, result.String())
	logging.Infof(
		"process.Pipeline.exited name=%s app=%d pid=%d code=%d result=%s recovered=%d",
		p.cfg.Name,
		a.ID(),
		a.pid,
		code,
		result,
		stats.Total(),
	)
	if m := a.main; m != nil {
		a.main = nil
		m.ReturnToParent(result)
		m.RestoreID()
		p.route(m)
	}
}

func (p *Pipeline) app(id uint64) *App {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.byApp[id]
}

func (p *Pipeline) appFor(conn *connection.Conn) *App {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, a := range p.byPID {
		if a.conn == conn {
			return a
		}
	}
	return nil
}

func (p *Pipeline) apps() []*App {
	p.mu.RLock()
	out := make([]*App, 0, len(p.byPID))
	for _, a := range p.byPID {
		out = append(out, a)
	}
	p.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Launch starts an application without a main kernel.
func (p *Pipeline) Launch(ctx context.Context, app kernel.Application) (int, error) {
	var pid int
	err := p.loop.Call(ctx, func() error {
		a, err := p.launch(app)
		if err != nil {
			return err
		}
		pid = a.pid
		return nil
	})
	return pid, err
}

// Terminate asks an application to stop. Its exit is handled like any other.
func (p *Pipeline) Terminate(ctx context.Context, appID uint64) error {
	return p.loop.Call(ctx, func() error {
		a := p.app(appID)
		if a == nil {
			return fmt.Errorf("%w: %d", ErrUnknownApplication, appID)
		}
		terminate(a)
		return nil
	})
}

// Stale returns the applications that exchanged no kernels since the previous
// check at least timeout ago.
func (p *Pipeline) Stale(ctx context.Context, now time.Time, timeout time.Duration) ([]uint64, error) {
	var out []uint64
	err := p.loop.Call(ctx, func() error {
		for _, a := range p.apps() {
			if a.stale(now, timeout) {
				out = append(out, a.ID())
			}
		}
		return nil
	})
	return out, err
}

// Snapshot returns the admin view of the running applications.
func (p *Pipeline) Snapshot(ctx context.Context) ([]AppSnapshot, error) {
	var out []AppSnapshot
	err := p.loop.Call(ctx, func() error {
		now := time.Now()
		for _, a := range p.apps() {
			out = append(out, a.snapshot(now))
		}
		return nil
	})
	return out, err
}
