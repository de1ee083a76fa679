package socket

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"os"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
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
	ErrSelfAddressed    = errors.New("socket: kernel addressed to this node")
	ErrNoMatchingServer = errors.New("socket: no server for destination")
	ErrNoDestination    = errors.New("socket: kernel without destination")
	ErrServerExists     = errors.New("socket: server already exists")
	ErrServerNotFound   = errors.New("socket: server not found")
	ErrClientNotFound   = errors.New("socket: client not found")
)

// Config wires a socket pipeline.
type Config struct {
	Name string
	// Port is used for servers added without an explicit port.
	Port uint16
	// App is the application whose kernels this node decodes.
	App   uint64
	Flags engine.Flags

	Types     *kernel.Types
	Instances *kernel.Instances
	// Native executes kernels on this node.
	Native pipeline.Pipeline
	// Foreign receives kernels of other applications.
	Foreign pipeline.Pipeline
	// Remote receives kernels to resubmit after a neighbor was lost. Defaults
	// to the pipeline itself.
	Remote pipeline.Pipeline

	Journal   engine.Journal
	Limits    frame.Limits
	Dial      connection.DialConfig
	Scheduler SchedulerConfig
	Sink      metrics.MetricSink
}

// DefaultFlags is the protocol configuration of node-to-node connections.
const DefaultFlags = engine.PrependApplication | engine.SaveUpstreamKernels | engine.SaveDownstreamKernels

// Pipeline fans a node out to its neighbors: listening servers, one client per
// neighbor and the scheduler choosing where upstream kernels go.
//
// Kernel routing and table mutations run on the pipeline goroutine. Exported
// methods may be called from any goroutine.
type Pipeline struct {
	cfg   Config
	loop  *pipeline.Loop
	sched *Scheduler
	rng   *rand.Rand

	mu        sync.RWMutex
	servers   []*Server
	clients   map[kernel.Address]*Client
	observers []func(Event)

	runCtx  context.Context
	unixSeq atomic.Uint64
}

var _ pipeline.Pipeline = (*Pipeline)(nil)

func New(cfg Config) *Pipeline {
	if cfg.Name == "" {
		cfg.Name = "socket"
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
	if cfg.Dial.ConnectTimeout <= 0 {
		cfg.Dial = connection.DefaultDialConfig()
	}
	return &Pipeline{
		cfg:     cfg,
		loop:    pipeline.NewLoop(cfg.Name),
		sched:   NewScheduler(cfg.Scheduler),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		clients: make(map[kernel.Address]*Client),
		runCtx:  context.Background(),
	}
}

func (p *Pipeline) Name() string { return p.cfg.Name }
func (p *Pipeline) Scheduler() *Scheduler { return p.sched }

// SetPipelines replaces the pipelines kernels are handed to. Call before Run.
func (p *Pipeline) SetPipelines(native, foreign, remote pipeline.Pipeline) {
	p.cfg.Native = native
	p.cfg.Foreign = foreign
	p.cfg.Remote = remote
}

func (p *Pipeline) remote() pipeline.Pipeline {
	if p.cfg.Remote != nil {
		return p.cfg.Remote
	}
	return p
}

// Send queues k for routing.
func (p *Pipeline) Send(k kernel.Kernel) {
	p.loop.Push(k)
}

// Forward queues a foreign kernel for routing.
func (p *Pipeline) Forward(fk *kernel.Foreign) {
	p.loop.Push(fk)
}

// Run drives the pipeline until ctx is cancelled, then closes every server
// and client.
func (p *Pipeline) Run(ctx context.Context) error {
	p.runCtx = ctx
	err := p.loop.Run(ctx, p)
	p.shutdown()
	return err
}

func (p *Pipeline) shutdown() {
	p.mu.Lock()
	servers := p.servers
	clients := p.clients
	p.servers = nil
	p.clients = make(map[kernel.Address]*Client)
	p.mu.Unlock()
	for _, s := range servers {
		s.close()
	}
	for _, c := range clients {
		c.conn.Close()
	}
	observability.SetClients(p.cfg.Name, 0)
	logging.Infof("socket.Pipeline.shutdown name=%s servers=%d clients=%d", p.cfg.Name, len(servers), len(clients))
}

// ProcessKernels implements pipeline.Handler.
func (p *Pipeline) ProcessKernels(ks []kernel.Kernel) {
	for _, k := range ks {
		if err := p.processKernel(k); err != nil {
			p.routingFailed(k, err)
		}
	}
}

func (p *Pipeline) processKernel(k kernel.Kernel) error {
	b := k.Core()
	switch {
	case b.MovesEverywhere():
		for _, c := range p.sortedClients() {
			if c.addr == b.Source() || !c.Started() {
				continue
			}
			if err := c.conn.Send(k); err != nil {
				logging.Warnf("socket.Pipeline.processKernel name=%s broadcast to=%s err=%v", p.cfg.Name, c.addr, err)
			}
		}
		observability.RecordRoute(p.cfg.Name, "broadcast")
		return nil
	case b.MovesUpstream() && b.Destination().IsZero():
		n, ok := p.sched.Schedule(k, p.schedulables(), p.serverAddresses())
		if !ok {
			if b.CarriesParent() {
				logging.Warnf("socket.Pipeline.processKernel name=%s kernel carrying parent runs locally %s", p.cfg.Name, b)
			}
			observability.RecordRoute(p.cfg.Name, "local")
			return p.deliverLocal(k)
		}
		observability.RecordRoute(p.cfg.Name, "scheduled")
		return n.(*Client).conn.Send(k)
	case b.MovesDownstream() && b.Source().IsZero():
		// no upstream server was available when this kernel went out
		observability.RecordRoute(p.cfg.Name, "native")
		return p.deliverLocal(k)
	}

	if b.MovesDownstream() && p.isOwnAddress(b.Destination()) {
		b.SetDestination(kernel.Address{})
	}
	if b.Destination().IsZero() {
		b.SetDestination(b.Source())
	}
	if b.Destination().IsZero() {
		return ErrNoDestination
	}
	if p.isOwnAddress(b.Destination()) {
		return fmt.Errorf("%w: %s", ErrSelfAddressed, b.Destination())
	}
	c, err := p.findOrCreateClient(b.Destination())
	if err != nil {
		return err
	}
	observability.RecordRoute(p.cfg.Name, "client")
	return c.conn.Send(k)
}

func (p *Pipeline) routingFailed(k kernel.Kernel, err error) {
	b := k.Core()
	logging.Warnf("socket.Pipeline.routingFailed name=%s %s err=%v", p.cfg.Name, b, err)
	observability.RecordRoute(p.cfg.Name, "error")
	if b.MovesEverywhere() {
		return
	}
	b.SetSource(b.Destination())
	b.ReturnToParent(kernel.NoUpstreamServersAvailable)
	if err := p.deliverLocal(k); err != nil {
		logging.Errorf("socket.Pipeline.routingFailed name=%s dropped id=%d err=%v", p.cfg.Name, b.ID(), err)
	}
}

func (p *Pipeline) deliverLocal(k kernel.Kernel) error {
	target := p.cfg.Native
	if _, foreign := kernel.AsForeign(k); foreign {
		target = p.cfg.Foreign
	}
	if target == nil {
		return fmt.Errorf("%w: name=%s", engine.ErrNoPipeline, p.cfg.Name)
	}
	pipeline.Submit(target, k)
	return nil
}

// HandleEvent implements pipeline.Handler.
func (p *Pipeline) HandleEvent(ev pipeline.Event) {
	if srv, ok := ev.From.(*Server); ok {
		switch ev.Kind {
		case pipeline.EventAccepted:
			p.accept(srv, ev.Accepted)
		case pipeline.EventClosed:
			p.removeServer(srv)
		}
		return
	}
	conn, ok := connection.Owner(ev)
	if !ok {
		return
	}
	c := p.clientFor(conn)
	if c == nil {
		if ev.Kind == pipeline.EventConnected && ev.Accepted != nil {
			_ = ev.Accepted.Close()
		}
		return
	}
	if !conn.Handle(ev) {
		p.removeClient(c, true)
	}
}

func (p *Pipeline) clientFor(conn *connection.Conn) *Client {
	p.mu.RLock()
	defer p.mu.RUnlock()
	c, ok := p.clients[conn.Peer()]
	if !ok || c.conn != conn {
		return nil
	}
	return c
}

// virtualAddress maps a peer to the address it would listen on.
func (p *Pipeline) virtualAddress(srv *Server, nc net.Conn) kernel.Address {
	if srv.addr.IsUnix() {
		return kernel.UnixAddress(srv.addr.Path() + "#" + strconv.FormatUint(p.unixSeq.Add(1), 10))
	}
	return kernel.AddressFromNet(nc.RemoteAddr()).WithPort(srv.addr.Port())
}

func (p *Pipeline) accept(srv *Server, nc net.Conn) {
	vaddr := p.virtualAddress(srv, nc)
	p.mu.RLock()
	existing, ok := p.clients[vaddr]
	p.mu.RUnlock()
	if ok {
		if existing.Started() {
			logging.Debugf("socket.Pipeline.accept name=%s duplicate link from=%s", p.cfg.Name, vaddr)
			_ = nc.Close()
			return
		}
		if err := existing.conn.Activate(nc); err != nil {
			logging.Warnf("socket.Pipeline.accept name=%s activate=%s err=%v", p.cfg.Name, vaddr, err)
			return
		}
		existing.conn.MarkStarted()
		return
	}
	c, err := p.addClient(vaddr)
	if err != nil {
		logging.Warnf("socket.Pipeline.accept name=%s from=%s err=%v", p.cfg.Name, vaddr, err)
		_ = nc.Close()
		return
	}
	c.accepted = true
	if err := c.conn.Activate(nc); err != nil {
		p.removeClient(c, false)
		return
	}
	c.conn.MarkStarted()
	logging.Infof("socket.Pipeline.accept name=%s client=%s", p.cfg.Name, vaddr)
}

func (p *Pipeline) newEngine(c *Client) *engine.Engine {
	return engine.New(engine.Config{
		Name:      p.cfg.Name,
		App:       p.cfg.App,
		PeerApp:   p.cfg.App,
		Flags:     p.cfg.Flags,
		Types:     p.cfg.Types,
		Instances: p.cfg.Instances,
		Native:    p.cfg.Native,
		Foreign:   p.cfg.Foreign,
		Remote:    p.remote(),
		Journal:   p.cfg.Journal,
		Limits:    p.cfg.Limits,
		OnReceive: func(k kernel.Kernel) {
			if k.Core().MovesDownstream() {
				c.release()
			}
		},
	})
}

func (p *Pipeline) addClient(addr kernel.Address) (*Client, error) {
	c := newClient(addr)
	conn, err := connection.New(connection.Config{
		Pipeline:    p.cfg.Name,
		Peer:        addr,
		StampSource: true,
		Engine:      p.newEngine(c),
		Loop:        p.loop,
		Limits:      p.cfg.Limits,
		Sink:        p.cfg.Sink,
	})
	if err != nil {
		return nil, err
	}
	c.conn = conn
	p.mu.Lock()
	p.clients[addr] = c
	n := len(p.clients)
	p.mu.Unlock()
	observability.SetClients(p.cfg.Name, n)
	p.fire(Event{Kind: ClientAdded, Address: addr})
	return c, nil
}

func (p *Pipeline) findOrCreateClient(addr kernel.Address) (*Client, error) {
	p.mu.RLock()
	c, ok := p.clients[addr]
	p.mu.RUnlock()
	if ok {
		return c, nil
	}
	return p.dialClient(addr)
}

func (p *Pipeline) dialClient(addr kernel.Address) (*Client, error) {
	if addr.IsUnix() {
		// unix peers are local submitters; they connect to us
		return nil, fmt.Errorf("%w: %s", ErrClientNotFound, addr)
	}
	if containsAddress(p.serverAddresses(), addr) {
		return nil, fmt.Errorf("%w: %s", ErrSelfAddressed, addr)
	}
	srv := p.serverFor(addr)
	if srv == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoMatchingServer, addr)
	}
	c, err := p.addClient(addr)
	if err != nil {
		return nil, err
	}
	p.dial(c, srv.addr)
	return c, nil
}

// dial connects c in the background, binding to the local server address.
func (p *Pipeline) dial(c *Client, local kernel.Address) {
	ctx := p.runCtx
	cfg := p.cfg.Dial
	rng := rand.New(rand.NewSource(p.rng.Int63()))
	go func() {
		r := connection.NewRedialer(cfg, rng)
		nc, err := r.Redial(ctx, func(ctx context.Context, timeout time.Duration) (net.Conn, error) {
			d := net.Dialer{Timeout: timeout}
			if !local.IsZero() {
				d.LocalAddr = &net.TCPAddr{IP: local.Addr().AsSlice()}
			}
			nc, err := d.DialContext(ctx, c.addr.Network(), c.addr.DialString())
			if err != nil {
				logging.Debugf("socket.Pipeline.dial addr=%s attempt=%d err=%v", c.addr, r.Attempts(), err)
			}
			return nc, err
		})
		if err == nil {
			if !p.loop.Post(pipeline.Event{Kind: pipeline.EventConnected, From: c.conn, Accepted: nc}) {
				_ = nc.Close()
			}
			return
		}
		if ctx.Err() != nil {
			return
		}
		logging.Warnf("socket.Pipeline.dial addr=%s attempts=%d err=%v", c.addr, r.Attempts(), err)
		p.loop.Post(pipeline.Event{Kind: pipeline.EventClosed, From: c.conn, Err: err})
	}()
}

func (p *Pipeline) removeClient(c *Client, withRecovery bool) {
	p.mu.Lock()
	if cur, ok := p.clients[c.addr]; !ok || cur != c {
		p.mu.Unlock()
		return
	}
	delete(p.clients, c.addr)
	n := len(p.clients)
	p.mu.Unlock()

	c.conn.Close()
	if withRecovery {
		c.conn.Recover(true)
	}
	observability.SetClients(p.cfg.Name, n)
	logging.Infof("socket.Pipeline.removeClient name=%s client=%s", p.cfg.Name, c.addr)
	p.fire(Event{Kind: ClientRemoved, Address: c.addr})
}

func (p *Pipeline) serverFor(addr kernel.Address) *Server {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, s := range p.servers {
		if s.iface.Contains(addr) {
			return s
		}
	}
	return nil
}

func (p *Pipeline) isOwnAddress(addr kernel.Address) bool {
	if addr.IsZero() {
		return false
	}
	return containsAddress(p.serverAddresses(), addr)
}

func (p *Pipeline) serverAddresses() []kernel.Address {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]kernel.Address, 0, len(p.servers))
	for _, s := range p.servers {
		out = append(out, s.addr)
	}
	return out
}

func (p *Pipeline) sortedClients() []*Client {
	p.mu.RLock()
	out := make([]*Client, 0, len(p.clients))
	for _, c := range p.clients {
		out = append(out, c)
	}
	p.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return lessAddress(out[i].addr, out[j].addr) })
	return out
}

func (p *Pipeline) schedulables() []Schedulable {
	clients := p.sortedClients()
	out := make([]Schedulable, len(clients))
	for i, c := range clients {
		out[i] = c
	}
	return out
}

func lessAddress(a, b kernel.Address) bool {
	if a.IsUnix() != b.IsUnix() {
		return !a.IsUnix()
	}
	if a.IsUnix() {
		return a.Path() < b.Path()
	}
	return a.AddrPort().Compare(b.AddrPort()) < 0
}

func (p *Pipeline) listen(ctx context.Context, iface kernel.Interface, network, address string) (*Server, error) {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, network, address)
	if err != nil {
		return nil, err
	}
	srv := &Server{iface: iface, ln: ln, addr: kernel.AddressFromNet(ln.Addr())}
	p.mu.Lock()
	p.servers = append(p.servers, srv)
	p.mu.Unlock()
	go srv.acceptLoop(p.loop)
	p.fire(Event{Kind: ServerAdded, Address: srv.addr, Interface: iface})
	logging.Infof("socket.Pipeline.listen name=%s addr=%s", p.cfg.Name, srv.addr)
	return srv, nil
}

func (p *Pipeline) findServer(iface kernel.Interface) *Server {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, s := range p.servers {
		if s.iface == iface {
			return s
		}
	}
	return nil
}

func (p *Pipeline) removeServer(srv *Server) {
	p.mu.Lock()
	kept := p.servers[:0]
	found := false
	for _, s := range p.servers {
		if s == srv {
			found = true
			continue
		}
		kept = append(kept, s)
	}
	p.servers = kept
	p.mu.Unlock()
	srv.close()
	if found {
		p.fire(Event{Kind: ServerRemoved, Address: srv.addr, Interface: srv.iface})
	}
}

// AddServer listens on the interface address. The port is Config.Port.
func (p *Pipeline) AddServer(ctx context.Context, iface kernel.Interface) (kernel.Address, error) {
	var addr kernel.Address
	err := p.loop.Call(ctx, func() error {
		if p.findServer(iface) != nil {
			return fmt.Errorf("%w: %s", ErrServerExists, iface)
		}
		bind := net.JoinHostPort(iface.Addr().String(), strconv.Itoa(int(p.cfg.Port)))
		srv, err := p.listen(ctx, iface, "tcp", bind)
		if err != nil {
			return err
		}
		addr = srv.addr
		return nil
	})
	return addr, err
}

// ListenUnix serves local submitters on a socket file. A stale file is replaced.
func (p *Pipeline) ListenUnix(ctx context.Context, path string) (kernel.Address, error) {
	var addr kernel.Address
	err := p.loop.Call(ctx, func() error {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		srv, err := p.listen(ctx, kernel.Interface{}, "unix", path)
		if err != nil {
			return err
		}
		addr = srv.addr
		return nil
	})
	return addr, err
}

func (p *Pipeline) RemoveServer(ctx context.Context, iface kernel.Interface) error {
	return p.loop.Call(ctx, func() error {
		srv := p.findServer(iface)
		if srv == nil {
			return fmt.Errorf("%w: %s", ErrServerNotFound, iface)
		}
		p.removeServer(srv)
		return nil
	})
}

// AddClient connects to a neighbor and sets its current weight.
func (p *Pipeline) AddClient(ctx context.Context, addr kernel.Address, weight uint32) error {
	return p.loop.Call(ctx, func() error {
		c, err := p.findOrCreateClient(addr)
		if err != nil {
			return err
		}
		c.SetWeight(weight)
		return nil
	})
}

// SetClientWeight sets the capacity of a neighbor, connecting to it if needed.
func (p *Pipeline) SetClientWeight(ctx context.Context, addr kernel.Address, maxWeight uint32) error {
	return p.loop.Call(ctx, func() error {
		c, err := p.findOrCreateClient(addr)
		if err != nil {
			return err
		}
		c.SetMaxWeight(maxWeight)
		return nil
	})
}

// RemoveClient disconnects a neighbor and recovers its buffered kernels.
func (p *Pipeline) RemoveClient(ctx context.Context, addr kernel.Address) error {
	return p.loop.Call(ctx, func() error {
		c := p.client(addr)
		if c == nil {
			return fmt.Errorf("%w: %s", ErrClientNotFound, addr)
		}
		p.removeClient(c, true)
		return nil
	})
}

// Deactivate closes the transport of a neighbor and keeps its buffers.
func (p *Pipeline) Deactivate(ctx context.Context, addr kernel.Address) error {
	return p.loop.Call(ctx, func() error {
		c := p.client(addr)
		if c == nil {
			return fmt.Errorf("%w: %s", ErrClientNotFound, addr)
		}
		c.conn.Deactivate()
		return nil
	})
}

// Activate redials a deactivated neighbor.
func (p *Pipeline) Activate(ctx context.Context, addr kernel.Address) error {
	return p.loop.Call(ctx, func() error {
		c := p.client(addr)
		if c == nil {
			return fmt.Errorf("%w: %s", ErrClientNotFound, addr)
		}
		if c.conn.State() != connection.StateInactive {
			return nil
		}
		var local kernel.Address
		if !addr.IsUnix() {
			if srv := p.serverFor(addr); srv != nil {
				local = srv.addr
			}
		}
		p.dial(c, local)
		return nil
	})
}

func (p *Pipeline) client(addr kernel.Address) *Client {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.clients[addr]
}

// Client returns the neighbor registered under addr.
func (p *Pipeline) Client(addr kernel.Address) (*Client, bool) {
	c := p.client(addr)
	return c, c != nil
}

// Snapshot is the admin view of the pipeline.
type Snapshot struct {
	Name        string           `json:"name"`
	Servers     []string         `json:"servers"`
	Clients     []ClientSnapshot `json:"clients"`
	LocalWeight uint32           `json:"local_weight"`
	Pending     int              `json:"pending"`
}

func (p *Pipeline) Snapshot() Snapshot {
	out := Snapshot{
		Name:        p.cfg.Name,
		LocalWeight: p.sched.LocalWeight(),
		Pending:     p.loop.Pending(),
	}
	for _, a := range p.serverAddresses() {
		out.Servers = append(out.Servers, a.String())
	}
	for _, c := range p.sortedClients() {
		out.Clients = append(out.Clients, c.Snapshot())
	}
	return out
}
