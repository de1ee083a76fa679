package engine

import (
	"errors"
	"fmt"

	"github.com/danmuck/kernelmesh/internal/kernel"
	"github.com/danmuck/kernelmesh/internal/logging"
	"github.com/danmuck/kernelmesh/internal/pipeline"
	"github.com/danmuck/kernelmesh/internal/protocol/frame"
	"github.com/danmuck/kernelmesh/internal/protocol/wire"
)

var (
	ErrParentNotFound = errors.New("engine: parent not found")
	ErrNoID           = errors.New("engine: downstream kernel without an id")
	ErrNoPipeline     = errors.New("engine: pipeline not configured")
	ErrDuplicateID    = errors.New("engine: kernel id already buffered")
)

// Journal records kernels written with WriteTransactionLog and their completion.
type Journal interface {
	Sent(pipeline string, k kernel.Kernel, packet []byte)
	Completed(pipeline string, id uint64)
}

// Config wires one engine to its node.
type Config struct {
	// Name labels log lines and journal records.
	Name string
	// App is the application whose kernels are decoded natively.
	App uint64
	// PeerApp is assumed for packets without an application in the header.
	PeerApp   uint64
	Flags     Flags
	Types     *kernel.Types
	Instances *kernel.Instances
	Native    pipeline.Pipeline
	Foreign   pipeline.Pipeline
	Remote    pipeline.Pipeline
	Journal   Journal
	Limits    frame.Limits
	// OnReceive observes every decoded kernel before it is routed.
	OnReceive func(k kernel.Kernel)
}

// Engine implements the kernel protocol of one connection: what to buffer,
// what to write and how to recover buffered kernels.
//
// Send, Forward, Receive and Recover are called from the owning pipeline's
// reactor goroutine. Buffers may be read concurrently.
type Engine struct {
	cfg        Config
	upstream   *Buffer
	downstream *Buffer
}

func New(cfg Config) *Engine {
	if cfg.Types == nil {
		cfg.Types = kernel.NewTypes()
	}
	if cfg.Instances == nil {
		cfg.Instances = kernel.NewInstances()
	}
	if cfg.Limits.MaxPacketBytes == 0 {
		cfg.Limits = frame.DefaultLimits()
	}
	return &Engine{
		cfg:        cfg,
		upstream:   NewBuffer(),
		downstream: NewBuffer(),
	}
}

func (e *Engine) Name() string { return e.cfg.Name }
func (e *Engine) Flags() Flags { return e.cfg.Flags }
func (e *Engine) SetFlags(f Flags) { e.cfg.Flags = f }
func (e *Engine) Upstream() *Buffer { return e.upstream }
func (e *Engine) Downstream() *Buffer { return e.downstream }

// SetPipelines replaces the pipelines kernels are handed to.
func (e *Engine) SetPipelines(native, foreign, remote pipeline.Pipeline) {
	e.cfg.Native = native
	e.cfg.Foreign = foreign
	e.cfg.Remote = remote
}

func (e *Engine) wireOptions() wire.Options {
	return wire.Options{
		PrependApplication:          e.cfg.Flags.Has(PrependApplication),
		PrependSourceAndDestination: e.cfg.Flags.Has(PrependSourceAndDestination),
	}
}

// Send writes k to out. A downstream kernel without a destination never
// leaves the node: its parent is restored and it is delivered natively.
func (e *Engine) Send(k kernel.Kernel, out *frame.Writer) error {
	if fk, ok := kernel.AsForeign(k); ok {
		return e.Forward(fk, out)
	}
	b := k.Core()
	if b.MovesDownstream() && b.Destination().IsZero() {
		if b.Parent().IsID() || b.CarriesParent() {
			relayed, err := e.plugParent(k)
			if err != nil {
				return err
			}
			if relayed {
				return e.deliver(e.cfg.Remote, k)
			}
		}
		return e.deliver(e.cfg.Native, k)
	}
	return e.transmit(k, out)
}

// Forward writes a foreign kernel verbatim with the same buffering policy.
func (e *Engine) Forward(fk *kernel.Foreign, out *frame.Writer) error {
	return e.transmit(fk, out)
}

func (e *Engine) transmit(k kernel.Kernel, out *frame.Writer) error {
	e.ensureIDs(k)
	relabeled := e.relabel(k)
	saved, err := e.save(k)
	if err == nil {
		if err = e.write(k, out); err != nil && saved {
			e.unsave(k)
		}
	}
	if err != nil {
		if relabeled {
			k.Core().RestoreID()
		}
		return err
	}
	if !saved && !k.Core().MovesEverywhere() {
		logging.Tracef("engine.transmit name=%s released id=%d", e.cfg.Name, k.Core().ID())
	}
	return nil
}

func (e *Engine) ensureIDs(k kernel.Kernel) {
	if _, foreign := kernel.AsForeign(k); foreign {
		return
	}
	b := k.Core()
	if b.MovesEverywhere() {
		return
	}
	e.cfg.Instances.EnsureID(k)
	if p := b.Parent().Kernel(); p != nil {
		e.cfg.Instances.EnsureID(p)
	}
}

func (e *Engine) savesUpstream(b *kernel.Base) bool {
	return e.cfg.Flags.Has(SaveUpstreamKernels) && (b.MovesUpstream() || b.MovesSomewhere())
}

// relabel gives a kernel whose id was issued by another process a local id
// before it is buffered. Replies carry the local id; the origin id is put
// back when they are received. A kernel of the peer's own application that
// never left this node keeps its id.
func (e *Engine) relabel(k kernel.Kernel) bool {
	b := k.Core()
	if !e.savesUpstream(b) {
		return false
	}
	_, foreign := kernel.AsForeign(k)
	switch {
	case !foreign && b.Source().IsZero():
		return false
	case foreign && b.Source().IsZero() && b.App() == e.cfg.PeerApp:
		return false
	}
	origin := b.ID()
	b.Relabel(e.cfg.Instances.NextID())
	logging.Tracef("engine.relabel name=%s id=%d origin=%d", e.cfg.Name, b.ID(), origin)
	return true
}

// save applies the buffering policy. The two buffers are mutually exclusive.
func (e *Engine) save(k kernel.Kernel) (bool, error) {
	b := k.Core()
	upstream := e.savesUpstream(b)
	downstream := e.cfg.Flags.Has(SaveDownstreamKernels) && b.MovesDownstream() && b.CarriesParent()
	if upstream || downstream {
		if e.buffered(b.ID()) {
			return false, fmt.Errorf("%w: id=%d", ErrDuplicateID, b.ID())
		}
	}
	switch {
	case upstream:
		if !e.upstream.Put(k) {
			return false, fmt.Errorf("%w: upstream id=%d", ErrDuplicateID, b.ID())
		}
		logging.Tracef("engine.save name=%s buffer=upstream id=%d", e.cfg.Name, b.ID())
		return true, nil
	case downstream:
		if !e.downstream.Put(k) {
			return false, fmt.Errorf("%w: downstream id=%d", ErrDuplicateID, b.ID())
		}
		logging.Tracef("engine.save name=%s buffer=downstream id=%d", e.cfg.Name, b.ID())
		return true, nil
	}
	return false, nil
}

func (e *Engine) buffered(id uint64) bool {
	if _, ok := e.upstream.Get(id); ok {
		return true
	}
	_, ok := e.downstream.Get(id)
	return ok
}

func (e *Engine) unsave(k kernel.Kernel) {
	id := k.Core().ID()
	if cur, ok := e.upstream.Get(id); ok && cur == k {
		e.upstream.Take(id)
	}
	if cur, ok := e.downstream.Get(id); ok && cur == k {
		e.downstream.Take(id)
	}
}

func (e *Engine) write(k kernel.Kernel, out *frame.Writer) error {
	var packet []byte
	err := out.Guard(func(p *frame.Packet) error {
		buf, err := wire.Append(nil, k, e.cfg.Types, e.wireOptions())
		if err != nil {
			return err
		}
		packet = buf
		_, err = p.Write(buf)
		return err
	})
	if err != nil {
		return fmt.Errorf("engine: write kernel id=%d: %w", k.Core().ID(), err)
	}
	if e.cfg.Journal != nil && e.cfg.Flags.Has(WriteTransactionLog) && k.Core().MovesUpstream() {
		e.cfg.Journal.Sent(e.cfg.Name, k, packet)
	}
	return nil
}

// Receive decodes one packet read from the connection and routes the kernel.
// from is the physical peer; when set it overrides the source in the packet.
// Errors affect this packet only.
func (e *Engine) Receive(packet []byte, from kernel.Address, out *frame.Writer) error {
	h, d, err := wire.ReadHeader(packet)
	if err != nil {
		return err
	}
	app := e.cfg.PeerApp
	if h.HasApplication() {
		app = h.App
	}
	if app != e.cfg.App {
		fk, err := wire.ReadForeign(d)
		if err != nil {
			return err
		}
		fk.Target = h.Target
		e.stamp(fk, app, h, from)
		return e.receiveForeign(fk)
	}
	k, err := wire.ReadKernel(d, e.cfg.Types)
	if err != nil {
		return err
	}
	e.stamp(k, app, h, from)
	return e.receive(k, from, out)
}

func (e *Engine) stamp(k kernel.Kernel, app uint64, h wire.Header, from kernel.Address) {
	b := k.Core()
	b.SetApp(app)
	if h.HasSourceAndDestination() {
		b.SetSource(h.Source)
		b.SetDestination(h.Destination)
	}
	if !from.IsZero() {
		b.SetSource(from)
	}
	if e.cfg.OnReceive != nil {
		e.cfg.OnReceive(k)
	}
}

func (e *Engine) receive(k kernel.Kernel, from kernel.Address, out *frame.Writer) error {
	b := k.Core()
	switch {
	case b.MovesDownstream():
		relayed, err := e.plugParent(k)
		if err != nil {
			return err
		}
		if relayed {
			return e.deliver(e.cfg.Remote, k)
		}
	case b.Principal().IsID():
		principal, ok := e.cfg.Instances.Lookup(b.Principal().ID())
		if !ok {
			logging.Warnf(
				"engine.receive name=%s principal not found id=%d principal=%d",
				e.cfg.Name,
				b.ID(),
				b.Principal().ID(),
			)
			b.ReturnToParent(kernel.NoPrincipalFound)
			dst := from
			if dst.IsZero() {
				dst = b.Source()
			}
			b.SetDestination(dst)
			return e.Send(k, out)
		}
		b.SetPrincipal(principal)
	}
	return e.deliver(e.cfg.Native, k)
}

func (e *Engine) receiveForeign(fk *kernel.Foreign) error {
	if fk.MovesDownstream() {
		if orig, ok := e.upstream.Take(fk.ID()); ok {
			e.completed(fk.ID())
			if origin := orig.Core().OriginID(); origin != 0 {
				fk.SetID(origin)
			}
			// A kernel relayed for another node goes back to that node.
			if src := orig.Core().Source(); !src.IsZero() {
				fk.SetDestination(src)
				return e.deliver(e.cfg.Remote, fk)
			}
		}
	}
	return e.deliver(e.cfg.Foreign, fk)
}

// plugParent restores the parent of a downstream kernel from the upstream
// buffer or from the parent the kernel carries. It reports whether the kernel
// was relayed for another node; its destination is then that node.
func (e *Engine) plugParent(k kernel.Kernel) (bool, error) {
	b := k.Core()
	if !b.HasID() {
		return false, ErrNoID
	}
	if orig, ok := e.upstream.Take(b.ID()); ok {
		e.completed(b.ID())
		o := orig.Core()
		b.SetParentRef(o.Parent())
		b.SetPrincipalRef(b.Parent())
		if origin := o.OriginID(); origin != 0 {
			b.SetID(origin)
		}
		logging.Tracef("engine.plugParent name=%s id=%d parent=%d", e.cfg.Name, b.ID(), b.Parent().ID())
		if src := o.Source(); !src.IsZero() {
			b.SetDestination(src)
			return true, nil
		}
		return false, nil
	}
	if b.CarriesParent() {
		b.SetPrincipalRef(b.Parent())
		if _, dup := e.downstream.Take(b.ID()); dup {
			logging.Debugf("engine.plugParent name=%s dropped duplicate id=%d", e.cfg.Name, b.ID())
		}
		return false, nil
	}
	return false, fmt.Errorf("%w: id=%d", ErrParentNotFound, b.ID())
}

func (e *Engine) completed(id uint64) {
	if e.cfg.Journal != nil && e.cfg.Flags.Has(WriteTransactionLog) {
		e.cfg.Journal.Completed(e.cfg.Name, id)
	}
}

func (e *Engine) deliver(p pipeline.Pipeline, k kernel.Kernel) error {
	if p == nil {
		return fmt.Errorf("%w: name=%s id=%d", ErrNoPipeline, e.cfg.Name, k.Core().ID())
	}
	pipeline.Submit(p, k)
	return nil
}
