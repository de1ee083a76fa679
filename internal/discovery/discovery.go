package discovery

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/danmuck/kernelmesh/internal/kernel"
	"github.com/danmuck/kernelmesh/internal/logging"
	"github.com/hashicorp/memberlist"
)

var (
	ErrNilTable    = errors.New("discovery: client table required")
	ErrEmptyName   = errors.New("discovery: node name required")
	ErrNotStarted  = errors.New("discovery: not started")
	ErrNoNeighbors = errors.New("discovery: no seed could be joined")
)

const (
	DefaultCallTimeout = 2 * time.Second
	DefaultLeaveWait   = time.Second
)

// Table is the part of the socket pipeline that discovery drives.
type Table interface {
	AddClient(ctx context.Context, addr kernel.Address, weight uint32) error
	SetClientWeight(ctx context.Context, addr kernel.Address, maxWeight uint32) error
	RemoveClient(ctx context.Context, addr kernel.Address) error
}

type Config struct {
	// Name identifies this node in the cluster.
	Name     string
	BindAddr string
	// BindPort 0 picks a free port.
	BindPort int
	// Local shortens gossip intervals for single-host clusters and tests.
	Local bool
	Meta  Meta
	Seeds []string
	Table Table
	// CallTimeout bounds each client table call made from a gossip event.
	CallTimeout time.Duration
}

// Discovery owns one memberlist instance. It implements memberlist.Delegate
// and memberlist.EventDelegate.
type Discovery struct {
	cfg Config

	mu    sync.Mutex
	meta  []byte
	known map[string]Meta
	ml    *memberlist.Memberlist
}

func New(cfg Config) (*Discovery, error) {
	if cfg.Table == nil {
		return nil, ErrNilTable
	}
	if cfg.Name == "" {
		return nil, ErrEmptyName
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	return &Discovery{
		cfg:   cfg,
		meta:  cfg.Meta.Encode(),
		known: make(map[string]Meta),
	}, nil
}

// Start creates the memberlist and joins the configured seeds. Failing to
// reach any seed is logged; the node keeps running alone until someone joins
// it.
func (d *Discovery) Start() error {
	conf := memberlist.DefaultLANConfig()
	if d.cfg.Local {
		conf = memberlist.DefaultLocalConfig()
	}
	conf.Name = d.cfg.Name
	if d.cfg.BindAddr != "" {
		conf.BindAddr = d.cfg.BindAddr
	}
	conf.BindPort = d.cfg.BindPort
	conf.AdvertisePort = d.cfg.BindPort
	conf.Delegate = d
	conf.Events = d
	conf.LogOutput = logging.Writer("memberlist")

	ml, err := memberlist.Create(conf)
	if err != nil {
		return fmt.Errorf("discovery: create: %w", err)
	}
	d.mu.Lock()
	d.ml = ml
	d.mu.Unlock()
	logging.Infof("discovery.Discovery.Start name=%s gossip=%s pipeline=%s", d.cfg.Name, d.Addr(), d.cfg.Meta.Addr)

	if len(d.cfg.Seeds) > 0 {
		if _, err := d.Join(d.cfg.Seeds...); err != nil {
			logging.Warnf("discovery.Discovery.Start name=%s join err=%v", d.cfg.Name, err)
		}
	}
	return nil
}

func (d *Discovery) list() (*memberlist.Memberlist, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ml == nil {
		return nil, ErrNotStarted
	}
	return d.ml, nil
}

// Addr returns the gossip address other nodes use as a seed.
func (d *Discovery) Addr() string {
	ml, err := d.list()
	if err != nil {
		return ""
	}
	n := ml.LocalNode()
	return n.Addr.String() + ":" + strconv.Itoa(int(n.Port))
}

func (d *Discovery) Join(seeds ...string) (int, error) {
	ml, err := d.list()
	if err != nil {
		return 0, err
	}
	n, err := ml.Join(seeds)
	if n == 0 && err != nil {
		return 0, fmt.Errorf("%w: %v", ErrNoNeighbors, err)
	}
	logging.Infof("discovery.Discovery.Join name=%s joined=%d", d.cfg.Name, n)
	return n, nil
}

// SetMeta changes what this node advertises and gossips the update.
func (d *Discovery) SetMeta(m Meta) error {
	d.mu.Lock()
	d.cfg.Meta = m
	d.meta = m.Encode()
	ml := d.ml
	d.mu.Unlock()
	if ml == nil {
		return nil
	}
	return ml.UpdateNode(d.cfg.CallTimeout)
}

// Members returns the advertised metadata of every known neighbor.
func (d *Discovery) Members() map[string]Meta {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]Meta, len(d.known))
	for name, m := range d.known {
		out[name] = m
	}
	return out
}

// Run blocks until ctx is done, then leaves the cluster.
func (d *Discovery) Run(ctx context.Context) error {
	<-ctx.Done()
	return d.Stop()
}

func (d *Discovery) Stop() error {
	d.mu.Lock()
	ml := d.ml
	d.ml = nil
	d.mu.Unlock()
	if ml == nil {
		return nil
	}
	leaveErr := ml.Leave(DefaultLeaveWait)
	return errors.Join(leaveErr, ml.Shutdown())
}

// NodeMeta implements memberlist.Delegate.
func (d *Discovery) NodeMeta(limit int) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.meta) > limit {
		logging.Errorf("discovery.Discovery.NodeMeta name=%s meta=%d over limit=%d", d.cfg.Name, len(d.meta), limit)
		return nil
	}
	return append([]byte(nil), d.meta...)
}

func (d *Discovery) NotifyMsg([]byte) {}
func (d *Discovery) GetBroadcasts(overhead, limit int) [][]byte { return nil }
func (d *Discovery) LocalState(join bool) []byte { return nil }
func (d *Discovery) MergeRemoteState(buf []byte, join bool) {}

// NotifyJoin implements memberlist.EventDelegate.
func (d *Discovery) NotifyJoin(node *memberlist.Node) {
	if node.Name == d.cfg.Name {
		return
	}
	m, err := DecodeMeta(node.Meta)
	if err != nil {
		logging.Warnf("discovery.Discovery.NotifyJoin node=%s err=%v", node.Name, err)
		return
	}
	d.mu.Lock()
	d.known[node.Name] = m
	d.mu.Unlock()
	logging.Infof("discovery.Discovery.NotifyJoin node=%s addr=%s weight=%d", node.Name, m.Addr, m.Weight)
	d.add(m)
}

// NotifyLeave implements memberlist.EventDelegate.
func (d *Discovery) NotifyLeave(node *memberlist.Node) {
	d.mu.Lock()
	m, ok := d.known[node.Name]
	delete(d.known, node.Name)
	d.mu.Unlock()
	if !ok {
		return
	}
	logging.Infof("discovery.Discovery.NotifyLeave node=%s addr=%s", node.Name, m.Addr)
	d.call("remove", func(ctx context.Context) error {
		return d.cfg.Table.RemoveClient(ctx, m.Addr)
	})
}

// NotifyUpdate implements memberlist.EventDelegate. A changed address
// replaces the client; a changed weight adjusts it.
func (d *Discovery) NotifyUpdate(node *memberlist.Node) {
	if node.Name == d.cfg.Name {
		return
	}
	m, err := DecodeMeta(node.Meta)
	if err != nil {
		logging.Warnf("discovery.Discovery.NotifyUpdate node=%s err=%v", node.Name, err)
		return
	}
	d.mu.Lock()
	prev, ok := d.known[node.Name]
	d.known[node.Name] = m
	d.mu.Unlock()
	switch {
	case !ok:
		d.add(m)
	case prev.Addr != m.Addr:
		d.call("remove", func(ctx context.Context) error {
			return d.cfg.Table.RemoveClient(ctx, prev.Addr)
		})
		d.add(m)
	case prev.Weight != m.Weight:
		d.call("weight", func(ctx context.Context) error {
			return d.cfg.Table.SetClientWeight(ctx, m.Addr, m.Weight)
		})
	}
}

// add connects to a neighbor with nothing in flight and gives it the
// advertised capacity.
func (d *Discovery) add(m Meta) {
	d.call("add", func(ctx context.Context) error {
		return d.cfg.Table.AddClient(ctx, m.Addr, 0)
	})
	if m.Weight == 0 {
		return
	}
	d.call("weight", func(ctx context.Context) error {
		return d.cfg.Table.SetClientWeight(ctx, m.Addr, m.Weight)
	})
}

func (d *Discovery) call(op string, fn func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.CallTimeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		logging.Warnf("discovery.Discovery.call name=%s op=%s err=%v", d.cfg.Name, op, err)
	}
}
