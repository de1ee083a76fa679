package kernel

// Ref is a tagged kernel reference: either an owned pointer or an id that is
// resolved through the instance registry at use time.
type Ref struct {
	k  Kernel
	id uint64
}

// Own references k directly.
func Own(k Kernel) Ref {
	if k == nil {
		return Ref{}
	}
	return Ref{k: k}
}

// ByID references a kernel that lives elsewhere.
func ByID(id uint64) Ref {
	return Ref{id: id}
}

func (r Ref) IsZero() bool {
	return r.k == nil && r.id == 0
}

// IsID reports whether the reference holds only an id.
func (r Ref) IsID() bool {
	return r.k == nil && r.id != 0
}

// Kernel returns the referenced kernel or nil for id references.
func (r Ref) Kernel() Kernel {
	return r.k
}

func (r Ref) ID() uint64 {
	if r.k != nil {
		return r.k.Core().ID()
	}
	return r.id
}

// Resolve returns the pointer for owned references and looks id references up in in.
func (r Ref) Resolve(in *Instances) (Kernel, bool) {
	if r.k != nil {
		return r.k, true
	}
	if r.id == 0 || in == nil {
		return nil, false
	}
	return in.Lookup(r.id)
}
