package connection

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/kernelmesh/internal/kernel"
	"github.com/danmuck/kernelmesh/internal/logging"
	"github.com/danmuck/kernelmesh/internal/observability"
	"github.com/danmuck/kernelmesh/internal/pipeline"
	"github.com/danmuck/kernelmesh/internal/protocol/engine"
	"github.com/danmuck/kernelmesh/internal/protocol/frame"
	"github.com/hashicorp/go-metrics"
)

var (
	ErrStopped     = errors.New("connection: stopped")
	ErrNilEngine   = errors.New("connection: engine required")
	ErrNilLoop     = errors.New("connection: loop required")
	ErrNoTransport = errors.New("connection: no transport")
)

// State is the lifecycle of one logical connection.
type State uint8

const (
	StateInactive State = iota
	StateStarting
	StateStarted
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateInactive:
		return "inactive"
	case StateStarting:
		return "starting"
	case StateStarted:
		return "started"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Config describes one logical peer of a pipeline.
type Config struct {
	// Pipeline labels logs and metrics.
	Pipeline string
	// Peer is the logical identity of the remote end.
	Peer kernel.Address
	// Label names peers without an address, such as child processes.
	Label string
	// StampSource makes Peer the source of every received kernel.
	StampSource bool
	Engine      *engine.Engine
	Loop        *pipeline.Loop
	Limits      frame.Limits
	Sink        metrics.MetricSink
}

// Conn is one logical connection. Its transport may be swapped with
// Activate/Deactivate while buffered kernels and flags survive.
//
// Send, Forward, Flush and Handle run on the owning loop goroutine. State and
// Snapshot may be called from anywhere.
type Conn struct {
	cfg    Config
	sink   metrics.MetricSink
	labels []metrics.Label
	out    *frame.Writer

	mu    sync.Mutex
	state State
	link  *link

	lastActivity atomic.Int64
}

func New(cfg Config) (*Conn, error) {
	if cfg.Engine == nil {
		return nil, ErrNilEngine
	}
	if cfg.Loop == nil {
		return nil, ErrNilLoop
	}
	if cfg.Limits.MaxPacketBytes == 0 {
		cfg.Limits = frame.DefaultLimits()
	}
	c := &Conn{
		cfg:  cfg,
		sink: observability.SinkOrDefault(cfg.Sink),
		out:  frame.NewWriter(cfg.Limits),
	}
	c.labels = []metrics.Label{
		observability.LabelPipeline.M(cfg.Pipeline),
		observability.LabelPeer.M(c.peerLabel()),
	}
	c.touch()
	return c, nil
}

func (c *Conn) peerLabel() string {
	if c.cfg.Label != "" {
		return c.cfg.Label
	}
	return c.cfg.Peer.String()
}

// Name implements pipeline.Endpoint.
func (c *Conn) Name() string {
	return c.cfg.Pipeline + "/" + c.peerLabel()
}

func (c *Conn) Peer() kernel.Address { return c.cfg.Peer }
func (c *Conn) Engine() *engine.Engine { return c.cfg.Engine }
func (c *Conn) LastActivity() time.Time { return time.Unix(0, c.lastActivity.Load()) }
func (c *Conn) touch() { c.lastActivity.Store(time.Now().UnixNano()) }

func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Activate attaches rw as the transport, replacing any previous one, and
// starts its reader and writer goroutines. Bytes written while the connection
// had no transport are flushed.
func (c *Conn) Activate(rw io.ReadWriteCloser) error {
	if rw == nil {
		return ErrNoTransport
	}
	c.mu.Lock()
	if c.state == StateStopped {
		c.mu.Unlock()
		_ = rw.Close()
		return ErrStopped
	}
	prev := c.link
	l := newLink(c, rw)
	c.link = l
	c.state = StateStarting
	c.mu.Unlock()

	if prev != nil {
		prev.close()
	}
	c.sink.IncrCounterWithLabels(observability.MetricConnTransportCount, 1, c.labels)
	logging.Debugf("connection.Conn.Activate name=%s", c.Name())
	go l.readLoop()
	go l.writeLoop()
	c.Flush()
	return nil
}

// Deactivate detaches the transport without recovering buffered kernels.
func (c *Conn) Deactivate() {
	c.mu.Lock()
	l := c.link
	c.link = nil
	if c.state != StateStopped {
		c.state = StateInactive
	}
	c.mu.Unlock()
	if l != nil {
		l.close()
	}
	logging.Debugf("connection.Conn.Deactivate name=%s", c.Name())
}

// Close stops the connection for good.
func (c *Conn) Close() {
	c.mu.Lock()
	l := c.link
	c.link = nil
	c.state = StateStopped
	c.mu.Unlock()
	if l != nil {
		l.close()
	}
}

// Send hands k to the protocol engine and flushes the written packet.
func (c *Conn) Send(k kernel.Kernel) error {
	if c.State() == StateStopped {
		return ErrStopped
	}
	before := c.out.Len()
	if err := c.cfg.Engine.Send(k, c.out); err != nil {
		return err
	}
	if c.out.Len() > before {
		c.sink.IncrCounterWithLabels(observability.MetricConnPacketsOut, 1, c.labels)
	}
	c.touch()
	c.Flush()
	return nil
}

// Forward writes a foreign kernel verbatim.
func (c *Conn) Forward(fk *kernel.Foreign) error {
	if c.State() == StateStopped {
		return ErrStopped
	}
	if err := c.cfg.Engine.Forward(fk, c.out); err != nil {
		return err
	}
	c.sink.IncrCounterWithLabels(observability.MetricConnPacketsOut, 1, c.labels)
	c.touch()
	c.Flush()
	return nil
}

// Flush hands committed bytes to the writer goroutine. It never blocks.
func (c *Conn) Flush() {
	c.mu.Lock()
	l := c.link
	c.mu.Unlock()
	if l == nil || c.out.Len() == 0 {
		return
	}
	data := c.out.Take()
	c.sink.IncrCounterWithLabels(observability.MetricConnBytesOut, float32(len(data)), c.labels)
	l.enqueue(data)
}

// Drain waits until the writer goroutine wrote every flushed byte.
func (c *Conn) Drain(ctx context.Context) error {
	c.mu.Lock()
	l := c.link
	c.mu.Unlock()
	if l == nil {
		return ErrNoTransport
	}
	tick := time.NewTicker(5 * time.Millisecond)
	defer tick.Stop()
	for l.busy() {
		if l.closed() {
			return ErrStopped
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
		}
	}
	return nil
}

// Pending returns the number of bytes not yet handed to a transport.
func (c *Conn) Pending() int {
	return c.out.Len()
}

// Owner returns the connection an event belongs to.
func Owner(ev pipeline.Event) (*Conn, bool) {
	switch from := ev.From.(type) {
	case *link:
		return from.c, true
	case *Conn:
		return from, true
	default:
		return nil, false
	}
}

func (c *Conn) current(ev pipeline.Event) bool {
	switch from := ev.From.(type) {
	case *link:
		c.mu.Lock()
		defer c.mu.Unlock()
		return from == c.link
	case *Conn:
		// dial results only count while no transport is attached
		c.mu.Lock()
		defer c.mu.Unlock()
		switch ev.Kind {
		case pipeline.EventConnected, pipeline.EventExited:
			return from == c
		default:
			return from == c && c.link == nil
		}
	default:
		return false
	}
}

// Handle processes one loop event. It returns false when the event ended the
// connection; the owning pipeline then removes it and runs Recover.
func (c *Conn) Handle(ev pipeline.Event) bool {
	if !c.current(ev) {
		if ev.Kind == pipeline.EventConnected && ev.Accepted != nil {
			_ = ev.Accepted.Close()
		}
		return true
	}
	switch ev.Kind {
	case pipeline.EventPacket:
		c.started()
		c.touch()
		c.sink.IncrCounterWithLabels(observability.MetricConnPacketsIn, 1, c.labels)
		c.sink.IncrCounterWithLabels(observability.MetricConnBytesIn, float32(len(ev.Packet)), c.labels)
		var from kernel.Address
		if c.cfg.StampSource {
			from = c.cfg.Peer
		}
		if err := c.cfg.Engine.Receive(ev.Packet, from, c.out); err != nil {
			c.sink.IncrCounterWithLabels(
				observability.MetricConnPacketErrors,
				1,
				append(c.labels, observability.LabelError.M("receive")),
			)
			logging.Warnf("connection.Conn.Handle name=%s dropped packet err=%v", c.Name(), err)
		}
		c.Flush()
		return true
	case pipeline.EventConnected:
		if c.State() == StateStarted {
			// an inbound link to the same peer won the race
			_ = ev.Accepted.Close()
			return true
		}
		if err := c.Activate(ev.Accepted); err != nil {
			logging.Warnf("connection.Conn.Handle name=%s activate err=%v", c.Name(), err)
			return false
		}
		c.started()
		return true
	case pipeline.EventClosed, pipeline.EventExited:
		if ev.Err != nil && !errors.Is(ev.Err, io.EOF) {
			logging.Warnf("connection.Conn.Handle name=%s closed err=%v", c.Name(), ev.Err)
		} else {
			logging.Infof("connection.Conn.Handle name=%s closed", c.Name())
		}
		c.Close()
		return false
	default:
		return true
	}
}

func (c *Conn) started() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateStarting {
		c.state = StateStarted
	}
}

// MarkStarted moves a starting connection to started without waiting for traffic.
func (c *Conn) MarkStarted() {
	c.started()
}

// Recover runs engine recovery and records what happened to the buffered kernels.
func (c *Conn) Recover(down bool) engine.RecoverStats {
	stats := c.cfg.Engine.Recover(down)
	if n := stats.Total(); n > 0 {
		c.sink.IncrCounterWithLabels(observability.MetricConnRecoveredCount, float32(n), c.labels)
		observability.RecordRecovered(c.cfg.Pipeline, "resubmitted", stats.Resubmitted)
		observability.RecordRecovered(c.cfg.Pipeline, "unreachable", stats.Unreachable)
		observability.RecordRecovered(c.cfg.Pipeline, "restored", stats.Restored)
		observability.RecordRecovered(c.cfg.Pipeline, "discarded", stats.Discarded)
	}
	return stats
}

// Snapshot is a point-in-time view for status reporting.
type Snapshot struct {
	Name       string `json:"name"`
	Peer       string `json:"peer"`
	State      string `json:"state"`
	Flags      string `json:"flags"`
	Upstream   int    `json:"upstream"`
	Downstream int    `json:"downstream"`
	Pending    int    `json:"pending_bytes"`
}

func (c *Conn) Snapshot() Snapshot {
	e := c.cfg.Engine
	return Snapshot{
		Name:       c.Name(),
		Peer:       c.peerLabel(),
		State:      c.State().String(),
		Flags:      e.Flags().String(),
		Upstream:   e.Upstream().Len(),
		Downstream: e.Downstream().Len(),
		Pending:    c.out.Len(),
	}
}
