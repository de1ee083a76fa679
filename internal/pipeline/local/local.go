package local

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/danmuck/kernelmesh/internal/kernel"
	"github.com/danmuck/kernelmesh/internal/logging"
	"github.com/danmuck/kernelmesh/internal/observability"
	"github.com/danmuck/kernelmesh/internal/pipeline"
	"golang.org/x/sync/errgroup"
)

// Config wires the local pipeline to the rest of the node.
type Config struct {
	Name string
	// Workers bounds concurrent Act calls. Defaults to GOMAXPROCS.
	Workers int
	// Upstream receives every kernel that does not resolve to a local principal.
	Upstream  pipeline.Pipeline
	Instances *kernel.Instances
	// OnFinish observes committed kernels that have no parent.
	OnFinish func(k kernel.Kernel)
}

// Pipeline executes kernels on this node. It is the Runtime handed to Act,
// React and Error.
type Pipeline struct {
	cfg  Config
	loop *pipeline.Loop
	work chan kernel.Kernel

	// React and Error of one principal must not interleave.
	principals *principalLocks

	mu       sync.Mutex
	upstream pipeline.Pipeline
}

var _ kernel.Runtime = (*Pipeline)(nil)
var _ kernel.Finisher = (*Pipeline)(nil)

func New(cfg Config) *Pipeline {
	if cfg.Name == "" {
		cfg.Name = "local"
	}
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.GOMAXPROCS(0)
	}
	if cfg.Instances == nil {
		cfg.Instances = kernel.NewInstances()
	}
	return &Pipeline{
		cfg:        cfg,
		loop:       pipeline.NewLoop(cfg.Name),
		work:       make(chan kernel.Kernel),
		principals: newPrincipalLocks(),
		upstream:   cfg.Upstream,
	}
}

func (p *Pipeline) Name() string { return p.cfg.Name }

// SetUpstream replaces the pipeline kernels leave this node through.
func (p *Pipeline) SetUpstream(up pipeline.Pipeline) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.upstream = up
}

func (p *Pipeline) up() pipeline.Pipeline {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.upstream
}

// Pending returns the number of kernels waiting for a worker.
func (p *Pipeline) Pending() int {
	return p.loop.Pending()
}

// Execute queues k for execution on this node.
func (p *Pipeline) Execute(k kernel.Kernel) {
	p.loop.Push(k)
}

// Forward rejects foreign kernels: they can only run in their own application.
func (p *Pipeline) Forward(fk *kernel.Foreign) {
	logging.Warnf("local.Pipeline.Forward name=%s dropped foreign kernel %s", p.cfg.Name, fk.Core())
}

// Send routes a kernel emitted by executing code. Results for a principal
// living in this process are executed here; everything else goes upstream.
func (p *Pipeline) Send(k kernel.Kernel) {
	if p.isLocal(k) {
		p.loop.Push(k)
		return
	}
	p.sendUp(k)
}

func (p *Pipeline) sendUp(k kernel.Kernel) {
	up := p.up()
	if up == nil {
		logging.Errorf("local.Pipeline.sendUp name=%s no upstream pipeline, dropped %s", p.cfg.Name, k.Core())
		return
	}
	pipeline.Submit(up, k)
}

// Native returns the pipeline other pipelines deliver kernels for this node to.
func (p *Pipeline) Native() pipeline.Pipeline {
	return pipeline.Funcs{SendFunc: p.Execute, ForwardFunc: p.Forward}
}

func (p *Pipeline) isLocal(k kernel.Kernel) bool {
	b := k.Core()
	return b.MovesDownstream() &&
		b.Principal().Kernel() != nil &&
		b.Source().IsZero() &&
		b.Destination().IsZero() &&
		!b.CarriesParent()
}

// Finish implements kernel.Finisher.
func (p *Pipeline) Finish(k kernel.Kernel) {
	logging.Debugf("local.Pipeline.Finish name=%s %s", p.cfg.Name, k.Core())
	if p.cfg.OnFinish != nil {
		p.cfg.OnFinish(k)
	}
}

// Run executes kernels until ctx is cancelled. Kernels queued before
// cancellation are executed before Run returns.
func (p *Pipeline) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.Workers; i++ {
		g.Go(func() error {
			for k := range p.work {
				p.execute(k)
			}
			return nil
		})
	}
	g.Go(func() error {
		defer close(p.work)
		return p.loop.Run(gctx, dispatcher{p})
	})
	logging.Infof("local.Pipeline.Run name=%s workers=%d", p.cfg.Name, p.cfg.Workers)
	return g.Wait()
}

type dispatcher struct{ p *Pipeline }

func (d dispatcher) ProcessKernels(ks []kernel.Kernel) {
	for _, k := range ks {
		d.p.work <- k
	}
}

func (d dispatcher) HandleEvent(pipeline.Event) {}

func (p *Pipeline) execute(k kernel.Kernel) {
	b := k.Core()
	if !b.Result().Defined() {
		p.act(k)
		return
	}
	principal, ok := b.Principal().Resolve(p.cfg.Instances)
	if !ok {
		if b.Principal().IsID() {
			if b.Source().IsZero() && b.Destination().IsZero() {
				// nothing to route by: the socket pipeline would hand it straight back
				observability.RecordRoute(p.cfg.Name, "dropped")
				logging.Warnf("local.Pipeline.execute name=%s principal=%d unknown, dropped %s", p.cfg.Name, b.Principal().ID(), b)
				return
			}
			// principal lives in another process
			p.sendUp(k)
			return
		}
		if b.Parent().IsZero() {
			p.Finish(k)
			return
		}
		logging.Warnf("local.Pipeline.execute name=%s no principal for %s", p.cfg.Name, b)
		return
	}
	if b.Result() == kernel.Success {
		p.react("react", principal, k, principal.React)
		return
	}
	p.react("error", principal, k, principal.Error)
}

func (p *Pipeline) act(k kernel.Kernel) {
	start := time.Now()
	err := guard(func() { k.Act(p) })
	observability.RecordKernelCall(p.cfg.Name, "act", err == nil, time.Since(start))
	if err != nil {
		logging.Errorf("local.Pipeline.act name=%s %s err=%v", p.cfg.Name, k.Core(), err)
		kernel.Commit(p, k, kernel.Error)
	}
}

func (p *Pipeline) react(call string, principal, child kernel.Kernel, fn func(kernel.Runtime, kernel.Kernel)) {
	start := time.Now()
	unlock := p.principals.lock(principal)
	err := guard(func() { fn(p, child) })
	unlock()
	observability.RecordKernelCall(p.cfg.Name, call, err == nil, time.Since(start))
	if err != nil {
		logging.Errorf(
			"local.Pipeline.%s name=%s principal=%d child=%d err=%v",
			call,
			p.cfg.Name,
			principal.Core().ID(),
			child.Core().ID(),
			err,
		)
	}
}

func guard(fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("kernel panic: %v", r)
		}
	}()
	fn()
	return nil
}
