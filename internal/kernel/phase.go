package kernel

// Phase is the routing phase of a kernel, derived from its result and hierarchy links.
type Phase uint8

const (
	PhaseUpstream Phase = iota
	PhaseDownstream
	PhasePointToPoint
	PhaseBroadcast
)

func (p Phase) String() string {
	switch p {
	case PhaseUpstream:
		return "upstream"
	case PhaseDownstream:
		return "downstream"
	case PhasePointToPoint:
		return "point_to_point"
	case PhaseBroadcast:
		return "broadcast"
	default:
		return "unknown"
	}
}
