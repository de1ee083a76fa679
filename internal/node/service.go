package node

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/danmuck/kernelmesh/internal/auth"
	"github.com/danmuck/kernelmesh/internal/config"
	"github.com/danmuck/kernelmesh/internal/discovery"
	"github.com/danmuck/kernelmesh/internal/kernel"
	"github.com/danmuck/kernelmesh/internal/locator"
	"github.com/danmuck/kernelmesh/internal/logging"
	"github.com/danmuck/kernelmesh/internal/observability"
	"github.com/danmuck/kernelmesh/internal/pipeline"
	"github.com/danmuck/kernelmesh/internal/pipeline/local"
	"github.com/danmuck/kernelmesh/internal/pipeline/process"
	"github.com/danmuck/kernelmesh/internal/pipeline/socket"
	"github.com/danmuck/kernelmesh/internal/protocol/engine"
	"github.com/danmuck/kernelmesh/internal/server"
	"github.com/danmuck/kernelmesh/internal/txlog"
	"github.com/hashicorp/go-metrics"
	"golang.org/x/sync/errgroup"
)

var (
	ErrLifecycleOrder   = errors.New("node: invalid lifecycle transition")
	ErrInvalidHeartbeat = errors.New("node: invalid heartbeat interval")
	ErrNameRequired     = errors.New("node: name required")
	ErrNotServing       = errors.New("node: not serving")
)

// Phase describes the service lifecycle.
type Phase string

const (
	PhaseBoot    Phase = "boot"
	PhaseWired   Phase = "wired"
	PhaseServing Phase = "serving"
	PhaseStopped Phase = "stopped"
)

func transitionError(from, to Phase) error {
	return fmt.Errorf("%w: %s -> %s", ErrLifecycleOrder, from, to)
}

// Service owns every pipeline of one node.
type Service struct {
	cfg     ServiceConfig
	started time.Time

	mu    sync.RWMutex
	phase Phase
	ready atomic.Bool

	instances *kernel.Instances
	local     *local.Pipeline
	socket    *socket.Pipeline
	unix      *socket.Pipeline
	process   *process.Pipeline
	journal   *txlog.Log
	resolver  *locator.Resolver
	discovery *discovery.Discovery
	admin     *server.Server

	unixAddr kernel.Address
}

func NewService() *Service {
	return NewServiceWithConfig(DefaultServiceConfig())
}

func NewServiceWithConfig(cfg ServiceConfig) *Service {
	if cfg.Types == nil {
		cfg.Types = kernel.NewTypes()
	}
	instances := kernel.NewInstances()
	instances.SeedRandom()
	return &Service{
		cfg:       cfg,
		phase:     PhaseBoot,
		instances: instances,
		started:   time.Now(),
	}
}

func (s *Service) Phase() Phase {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.phase
}

func (s *Service) advance(from, to Phase) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != from {
		return transitionError(s.phase, to)
	}
	s.phase = to
	return nil
}

func (s *Service) Config() ServiceConfig { return s.cfg }
func (s *Service) Instances() *kernel.Instances { return s.instances }
func (s *Service) Socket() *socket.Pipeline { return s.socket }
func (s *Service) Unix() *socket.Pipeline { return s.unix }
func (s *Service) Process() *process.Pipeline { return s.process }
func (s *Service) Local() *local.Pipeline { return s.local }

// UnixAddress is the submitter socket once the node serves.
func (s *Service) UnixAddress() kernel.Address {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.unixAddr
}

// Run wires and serves the node until SIGINT or SIGTERM.
func (s *Service) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := s.Wire(); err != nil {
		return err
	}
	return s.Serve(ctx)
}

// Wire builds the pipelines and links them: boot -> wired.
func (s *Service) Wire() error {
	if strings.TrimSpace(s.cfg.Name) == "" {
		return ErrNameRequired
	}
	if s.cfg.HeartbeatInterval <= 0 {
		return ErrInvalidHeartbeat
	}
	if p := s.Phase(); p != PhaseBoot {
		return transitionError(p, PhaseWired)
	}

	fss, err := s.cfg.Topology.FileSystemBackends()
	if err != nil {
		return err
	}
	dial, err := s.cfg.Topology.DialConfig()
	if err != nil {
		return err
	}
	resolver, err := locator.New(s.cfg.LocatorTimeout, fss...)
	if err != nil {
		return err
	}
	s.resolver = resolver

	var journal engine.Journal
	if s.cfg.TransactionLog != "" {
		log, err := txlog.Open(s.cfg.TransactionLog)
		if err != nil {
			return err
		}
		s.journal = log
		journal = log
	}

	s.local = local.New(local.Config{
		Name:      "local",
		Workers:   s.cfg.Workers,
		Instances: s.instances,
		OnFinish:  s.finished,
	})
	s.socket = socket.New(socket.Config{
		Name:      "socket",
		Port:      s.cfg.Port,
		App:       s.cfg.App,
		Types:     s.cfg.Types,
		Instances: s.instances,
		Journal:   journal,
		Dial:      dial,
		Scheduler: socket.SchedulerConfig{
			LocalExecution: s.cfg.LocalExecution,
			Locator:        resolver,
		},
	})
	s.unix = socket.New(socket.Config{
		Name:      "unix",
		App:       s.cfg.App,
		Types:     s.cfg.Types,
		Instances: s.instances,
		Scheduler: socket.SchedulerConfig{LocalExecution: true},
	})
	s.process = process.New(process.Config{
		Name:      "process",
		App:       s.cfg.App,
		Types:     s.cfg.Types,
		Instances: s.instances,
		Env:       append([]string{"KERNELMESH_NODE=" + s.cfg.Name}, s.cfg.ChildEnv...),
	})

	native := s.local.Native()
	s.local.SetUpstream(s.outbound())
	s.socket.SetPipelines(native, s.process, s.socket)
	s.unix.SetPipelines(native, s.process, s.socket)
	s.process.SetPipelines(native, s.socket, s.unix)
	s.socket.OnEvent(s.tableEvent(s.socket.Name()))
	s.unix.OnEvent(s.tableEvent(s.unix.Name()))

	if err := s.advance(PhaseBoot, PhaseWired); err != nil {
		return err
	}
	logging.Infof("node.Service.Wire name=%s app=%d file_systems=%d transaction_log=%q", s.cfg.Name, s.cfg.App, len(fss), s.cfg.TransactionLog)
	return nil
}

// outbound routes kernels leaving the local pipeline: replies to local
// submitters go to the unix pipeline, everything else to the socket pipeline.
func (s *Service) outbound() pipeline.Pipeline {
	route := func(k kernel.Kernel) {
		b := k.Core()
		to := b.Destination()
		if to.IsZero() {
			to = b.Source()
		}
		if b.MovesDownstream() && to.IsUnix() {
			pipeline.Submit(s.unix, k)
			return
		}
		pipeline.Submit(s.socket, k)
	}
	return pipeline.Funcs{
		SendFunc:    route,
		ForwardFunc: func(fk *kernel.Foreign) { route(fk) },
	}
}

// Serve runs every pipeline until ctx is done: wired -> serving -> stopped.
func (s *Service) Serve(ctx context.Context) error {
	if err := s.advance(PhaseWired, PhaseServing); err != nil {
		return err
	}
	defer s.stop()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.local.Run(gctx) })
	g.Go(func() error { return s.socket.Run(gctx) })
	g.Go(func() error { return s.unix.Run(gctx) })
	g.Go(func() error { return s.process.Run(gctx) })

	if err := s.startup(gctx, g); err != nil {
		cancel()
		_ = g.Wait()
		return err
	}
	s.ready.Store(true)
	logging.Infof("node.Service.Serve ready name=%s", s.cfg.Name)
	g.Go(func() error { return s.heartbeat(gctx) })

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return err
}

func (s *Service) startup(ctx context.Context, g *errgroup.Group) error {
	ifaces, err := s.cfg.Topology.Interfaces()
	if err != nil {
		return err
	}
	for _, iface := range ifaces {
		addr, err := s.socket.AddServer(ctx, iface)
		if err != nil {
			return fmt.Errorf("node: add server %s: %w", iface, err)
		}
		logging.Infof("node.Service.startup server=%s", addr)
	}
	if s.cfg.UnixSocket != "" {
		addr, err := s.unix.ListenUnix(ctx, s.cfg.UnixSocket)
		if err != nil {
			return fmt.Errorf("node: listen unix %s: %w", s.cfg.UnixSocket, err)
		}
		s.mu.Lock()
		s.unixAddr = addr
		s.mu.Unlock()
	}

	peers, err := s.cfg.Topology.StaticPeers()
	if err != nil {
		return err
	}
	for _, p := range peers {
		if err := s.addPeer(ctx, p); err != nil {
			logging.Warnf("node.Service.startup peer=%s err=%v", p.Address, err)
		}
	}

	s.publishFiles(ctx)
	s.resubmitPending()

	if s.cfg.Discovery.Enabled {
		if err := s.startDiscovery(ctx, g); err != nil {
			return err
		}
	}
	if s.cfg.Admin.Addr != "" {
		s.admin = server.New(s.adminConfig())
		g.Go(func() error { return s.admin.Run(ctx) })
	}
	return nil
}

func (s *Service) addPeer(ctx context.Context, p config.Peer) error {
	if err := s.socket.AddClient(ctx, p.Address, 0); err != nil {
		return err
	}
	if p.Weight == 0 {
		return nil
	}
	return s.socket.SetClientWeight(ctx, p.Address, p.Weight)
}

// publishFiles advertises the files the topology lists for redis file systems.
func (s *Service) publishFiles(ctx context.Context) {
	for _, cfg := range s.cfg.Topology.FileSystems {
		if cfg.Kind != config.FileSystemRedis || len(cfg.Files) == 0 {
			continue
		}
		fs, _, ok := s.resolver.Lookup(cfg.Name + ":/")
		if !ok {
			continue
		}
		r, ok := fs.(*locator.Redis)
		if !ok {
			continue
		}
		files, err := cfg.RedisFiles()
		if err != nil {
			logging.Warnf("node.Service.publishFiles fs=%s err=%v", cfg.Name, err)
			continue
		}
		for path, nodes := range files {
			if err := r.Publish(ctx, path, nodes...); err != nil {
				logging.Warnf("node.Service.publishFiles fs=%s path=%s err=%v", cfg.Name, path, err)
			}
		}
	}
}

func (s *Service) startDiscovery(ctx context.Context, g *errgroup.Group) error {
	servers := s.socket.Snapshot().Servers
	if len(servers) == 0 {
		logging.Warnf("node.Service.startDiscovery name=%s disabled: no servers to advertise", s.cfg.Name)
		return nil
	}
	addr, err := kernel.ParseAddress(servers[0])
	if err != nil {
		return err
	}
	d, err := discovery.New(discovery.Config{
		Name:     s.cfg.Name,
		BindAddr: s.cfg.Discovery.BindAddr,
		BindPort: s.cfg.Discovery.BindPort,
		Meta:     discovery.Meta{Addr: addr, Weight: s.cfg.Discovery.Weight},
		Seeds:    s.cfg.Discovery.Seeds,
		Table:    s.socket,
	})
	if err != nil {
		return err
	}
	if err := d.Start(); err != nil {
		return err
	}
	s.discovery = d
	g.Go(func() error { return d.Run(ctx) })
	return nil
}

func (s *Service) adminConfig() server.Config {
	cfg := server.Config{
		Name:        s.cfg.Name,
		Addr:        s.cfg.Admin.Addr,
		CORSOrigins: s.cfg.Admin.CORSOrigins,
		Table:       s.socket,
		Status:      func() any { return s.Status() },
		Ready:       s.ready.Load,
	}
	if s.cfg.Admin.Token != "" {
		cfg.Auth = auth.StaticToken{Token: s.cfg.Admin.Token}
	} else {
		logging.Warnf("node.Service.adminConfig name=%s admin API has no token", s.cfg.Name)
	}
	return cfg
}

func (s *Service) heartbeat(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logging.Infof("node.Service.heartbeat shutdown name=%s", s.cfg.Name)
			return nil
		case <-ticker.C:
			s.beat(ctx)
		}
	}
}

func (s *Service) beat(ctx context.Context) {
	st := s.Status()
	logging.Infof(
		"node.Service.heartbeat name=%s phase=%s clients=%d local_weight=%d local_pending=%d submitters=%d apps=%d",
		st.Name,
		st.Phase,
		len(st.Socket.Clients),
		st.Socket.LocalWeight,
		st.LocalPending,
		len(st.Unix.Clients),
		len(st.Apps),
	)
	cctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	stale, err := s.process.Stale(cctx, time.Now(), s.cfg.StaleTimeout)
	if err != nil && ctx.Err() == nil {
		logging.Warnf("node.Service.heartbeat stale check err=%v", err)
	}
	for _, id := range stale {
		logging.Warnf("node.Service.heartbeat app=%d exchanged no kernels for %s", id, s.cfg.StaleTimeout)
	}
	if s.journal != nil {
		if err := s.journal.Sync(); err != nil {
			logging.Warnf("node.Service.heartbeat transaction log sync err=%v", err)
		}
	}
}

func (s *Service) stop() {
	s.ready.Store(false)
	if s.journal != nil {
		if err := s.journal.Close(); err != nil {
			logging.Warnf("node.Service.stop transaction log close err=%v", err)
		}
	}
	s.mu.Lock()
	s.phase = PhaseStopped
	s.mu.Unlock()
	logging.Infof("node.Service.stop name=%s", s.cfg.Name)
}

// Submit hands a kernel to the node. Root kernels run here, kernels with a
// parent are scheduled, and foreign kernels go to their application.
func (s *Service) Submit(k kernel.Kernel) error {
	if s.Phase() != PhaseServing {
		return ErrNotServing
	}
	if fk, ok := kernel.AsForeign(k); ok {
		s.process.Forward(fk)
		return nil
	}
	if k.Core().Parent().IsZero() && !k.Core().Result().Defined() {
		s.local.Execute(k)
		return nil
	}
	s.local.Send(k)
	return nil
}

func (s *Service) finished(k kernel.Kernel) {
	b := k.Core()
	logging.Infof("node.Service.finished name=%s id=%d result=%s", s.cfg.Name, b.ID(), b.Result())
	if s.cfg.OnFinish != nil {
		s.cfg.OnFinish(k)
	}
}

func (s *Service) tableEvent(name string) func(socket.Event) {
	return func(ev socket.Event) {
		metrics.IncrCounterWithLabels(observability.MetricNodeTableEvents, 1, []metrics.Label{
			observability.LabelPipeline.M(name),
			observability.LabelEvent.M(ev.Kind.String()),
		})
		switch ev.Kind {
		case socket.ServerAdded, socket.ServerRemoved:
			logging.Infof("node.Service.tableEvent pipeline=%s event=%s interface=%s address=%s", name, ev.Kind, ev.Interface, ev.Address)
		default:
			logging.Infof("node.Service.tableEvent pipeline=%s event=%s address=%s", name, ev.Kind, ev.Address)
		}
	}
}
