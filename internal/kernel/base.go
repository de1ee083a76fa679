package kernel

import "fmt"

// Base carries the fields every kernel shares. Concrete kernels embed it.
type Base struct {
	id            uint64
	originID      uint64
	source        Address
	destination   Address
	parent        Ref
	principal     Ref
	app           uint64
	carriesParent bool
	result        ExitCode
	typeID        uint16
}

func (b *Base) Core() *Base { return b }

// Act is a no-op by default.
func (b *Base) Act(Runtime) {}

// React is a no-op by default.
func (b *Base) React(Runtime, Kernel) {}

// Error is a no-op by default. Kernels that treat failures like results
// forward to their own React.
func (b *Base) Error(Runtime, Kernel) {}

func (b *Base) WriteBody(*Encoder) error { return nil }

func (b *Base) ReadBody(*Decoder) error { return nil }

func (b *Base) ID() uint64 { return b.id }
func (b *Base) SetID(id uint64) { b.id = id }
func (b *Base) HasID() bool { return b.id != 0 }

// Relabel gives the kernel a local id while it is buffered on this node. The
// first id it carried is kept for RestoreID.
func (b *Base) Relabel(id uint64) {
	if b.originID == 0 {
		b.originID = b.id
	}
	b.id = id
}

// OriginID is the id the kernel carried before its first Relabel, or 0.
func (b *Base) OriginID() uint64 { return b.originID }

// RestoreID undoes Relabel.
func (b *Base) RestoreID() bool {
	if b.originID == 0 {
		return false
	}
	b.id = b.originID
	b.originID = 0
	return true
}

func (b *Base) Source() Address { return b.source }
func (b *Base) SetSource(a Address) { b.source = a }

func (b *Base) Destination() Address { return b.destination }
func (b *Base) SetDestination(a Address) { b.destination = a }

func (b *Base) Parent() Ref { return b.parent }
func (b *Base) SetParent(k Kernel) { b.parent = Own(k) }
func (b *Base) SetParentRef(r Ref) { b.parent = r }
func (b *Base) Principal() Ref { return b.principal }
func (b *Base) SetPrincipal(k Kernel) { b.principal = Own(k) }
func (b *Base) SetPrincipalRef(r Ref) { b.principal = r }

func (b *Base) App() uint64 { return b.app }
func (b *Base) SetApp(app uint64) { b.app = app }

func (b *Base) CarriesParent() bool { return b.carriesParent }
func (b *Base) SetCarriesParent(v bool) { b.carriesParent = v }

func (b *Base) Result() ExitCode { return b.result }
func (b *Base) SetResult(code ExitCode) { b.result = code }

func (b *Base) TypeID() uint16 { return b.typeID }
func (b *Base) SetTypeID(id uint16) { b.typeID = id }

// MovesUpstream: no result yet, no principal, has a parent.
func (b *Base) MovesUpstream() bool {
	return !b.result.Defined() && b.principal.IsZero() && !b.parent.IsZero()
}

// MovesDownstream: result set, returning to a principal.
func (b *Base) MovesDownstream() bool {
	return b.result.Defined() && !b.principal.IsZero() && !b.parent.IsZero()
}

// MovesSomewhere: no result yet, explicit principal and parent.
func (b *Base) MovesSomewhere() bool {
	return !b.result.Defined() && !b.principal.IsZero() && !b.parent.IsZero()
}

// MovesEverywhere: no hierarchy at all.
func (b *Base) MovesEverywhere() bool {
	return b.principal.IsZero() && b.parent.IsZero()
}

func (b *Base) Phase() Phase {
	switch {
	case b.MovesEverywhere():
		return PhaseBroadcast
	case b.MovesDownstream():
		return PhaseDownstream
	case b.MovesSomewhere():
		return PhasePointToPoint
	default:
		return PhaseUpstream
	}
}

// ReturnToParent sets the result and makes the parent the principal.
func (b *Base) ReturnToParent(code ExitCode) {
	b.principal = b.parent
	b.result = code
}

func (b *Base) String() string {
	return fmt.Sprintf(
		"kernel{id=%d type=%d phase=%s app=%d src=%s dst=%s parent=%d principal=%d carries_parent=%v result=%s}",
		b.id,
		b.typeID,
		b.Phase(),
		b.app,
		b.source,
		b.destination,
		b.parent.ID(),
		b.principal.ID(),
		b.carriesParent,
		b.result,
	)
}
