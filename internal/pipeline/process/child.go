package process

import (
	"context"
	"errors"
	"io"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/danmuck/kernelmesh/internal/connection"
	"github.com/danmuck/kernelmesh/internal/kernel"
	"github.com/danmuck/kernelmesh/internal/logging"
	"github.com/danmuck/kernelmesh/internal/pipeline"
	"github.com/danmuck/kernelmesh/internal/protocol/engine"
	"github.com/danmuck/kernelmesh/internal/protocol/frame"
	"github.com/hashicorp/go-metrics"
)

var ErrNotChild = errors.New("process: not started by kerneld")

// ChildFlags is the protocol configuration of the application side of the pipe.
const ChildFlags = engine.SaveUpstreamKernels | engine.PrependSourceAndDestination | engine.PrependApplication

// ChildConfig wires the application side of a child pipe.
type ChildConfig struct {
	Name      string
	Types     *kernel.Types
	Instances *kernel.Instances
	// Native executes the application's kernels, usually a local pipeline.
	Native pipeline.Pipeline
	Limits frame.Limits
	Sink   metrics.MetricSink
	// DrainTimeout bounds the final flush after the main kernel finished.
	DrainTimeout time.Duration
}

// Child connects an application to the node that started it. It is the
// upstream pipeline of the application's local pipeline.
type Child struct {
	cfg  ChildConfig
	app  uint64
	loop *pipeline.Loop
	conn *connection.Conn
	rw   io.ReadWriteCloser

	done chan struct{}
	once sync.Once
}

var _ pipeline.Pipeline = (*Child)(nil)

// AppIDFromEnv returns the application id passed by the node.
func AppIDFromEnv() (uint64, bool) {
	raw := os.Getenv(EnvAppID)
	if raw == "" {
		return 0, false
	}
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		return 0, false
	}
	return id, true
}

// OpenChild attaches to the descriptors the node passed to this process.
func OpenChild(cfg ChildConfig) (*Child, error) {
	app, ok := AppIDFromEnv()
	if !ok {
		return nil, ErrNotChild
	}
	in := os.NewFile(childInFD, "kernelmesh-in")
	out := os.NewFile(childOutFD, "kernelmesh-out")
	if in == nil || out == nil {
		return nil, ErrNotChild
	}
	return NewChild(app, connection.JoinPipes(in, out), cfg)
}

// NewChild runs the application side over rw.
func NewChild(app uint64, rw io.ReadWriteCloser, cfg ChildConfig) (*Child, error) {
	if cfg.Name == "" {
		cfg.Name = "child"
	}
	if cfg.Types == nil {
		cfg.Types = kernel.NewTypes()
	}
	if cfg.Instances == nil {
		cfg.Instances = kernel.NewInstances()
	}
	// ids of the application must not meet the node's in the pipe's buffers
	cfg.Instances.SeedRandom()
	if cfg.Limits.MaxPacketBytes == 0 {
		cfg.Limits = frame.DefaultLimits()
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 5 * time.Second
	}
	c := &Child{
		cfg:  cfg,
		app:  app,
		loop: pipeline.NewLoop(cfg.Name),
		rw:   rw,
		done: make(chan struct{}),
	}
	conn, err := connection.New(connection.Config{
		Pipeline: cfg.Name,
		Label:    "node",
		Engine: engine.New(engine.Config{
			Name:      cfg.Name,
			App:       app,
			PeerApp:   app,
			Flags:     ChildFlags,
			Types:     cfg.Types,
			Instances: cfg.Instances,
			Native:    cfg.Native,
			Foreign:   pipeline.Funcs{ForwardFunc: c.dropForeign},
			Remote:    c,
			Limits:    cfg.Limits,
		}),
		Loop:   c.loop,
		Limits: cfg.Limits,
		Sink:   cfg.Sink,
	})
	if err != nil {
		return nil, err
	}
	c.conn = conn
	return c, nil
}

func (c *Child) Name() string { return c.cfg.Name }
func (c *Child) App() uint64 { return c.app }

// Done is closed once the main kernel's result was written or the node went away.
func (c *Child) Done() <-chan struct{} { return c.done }

// SetNative sets the pipeline received kernels are executed on. Call before Run.
func (c *Child) SetNative(native pipeline.Pipeline) {
	c.cfg.Native = native
	c.conn.Engine().SetPipelines(native, pipeline.Funcs{ForwardFunc: c.dropForeign}, c)
}

func (c *Child) Send(k kernel.Kernel) {
	c.loop.Push(k)
}

func (c *Child) Forward(fk *kernel.Foreign) {
	c.loop.Push(fk)
}

func (c *Child) dropForeign(fk *kernel.Foreign) {
	logging.Warnf("process.Child.dropForeign app=%d foreign kernel %s", c.app, fk.Core())
}

// Run exchanges kernels with the node until ctx is cancelled, the node closes
// the pipes, or the main kernel finished.
func (c *Child) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := c.conn.Activate(c.rw); err != nil {
		return err
	}
	c.conn.MarkStarted()
	go func() {
		select {
		case <-c.done:
			cancel()
		case <-ctx.Done():
		}
	}()
	logging.Infof("process.Child.Run app=%d", c.app)
	err := c.loop.Run(ctx, c)
	c.conn.Close()
	return err
}

func (c *Child) finish() {
	c.once.Do(func() { close(c.done) })
}

// ProcessKernels implements pipeline.Handler.
func (c *Child) ProcessKernels(ks []kernel.Kernel) {
	for _, k := range ks {
		b := k.Core()
		if b.MovesDownstream() && b.Destination().IsZero() && !b.Source().IsZero() {
			// result of a kernel that came from elsewhere
			b.SetDestination(b.Source())
		}
		if err := c.conn.Send(k); err != nil {
			logging.Warnf("process.Child.ProcessKernels app=%d %s err=%v", c.app, b, err)
			continue
		}
		if b.TypeID() == kernel.MainTypeID && b.MovesDownstream() && !b.Destination().IsZero() {
			ctx, cancel := context.WithTimeout(context.Background(), c.cfg.DrainTimeout)
			if err := c.conn.Drain(ctx); err != nil {
				logging.Warnf("process.Child.ProcessKernels app=%d drain err=%v", c.app, err)
			}
			cancel()
			c.finish()
		}
	}
}

// HandleEvent implements pipeline.Handler.
func (c *Child) HandleEvent(ev pipeline.Event) {
	conn, ok := connection.Owner(ev)
	if !ok || conn != c.conn {
		return
	}
	if !conn.Handle(ev) {
		logging.Infof("process.Child.HandleEvent app=%d node closed the pipes", c.app)
		c.finish()
	}
}
