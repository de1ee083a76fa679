package kernel

// Kernel is a mobile unit of computation.
type Kernel interface {
	Core() *Base
	Act(rt Runtime)
	React(rt Runtime, child Kernel)
	Error(rt Runtime, child Kernel)
	WriteBody(e *Encoder) error
	ReadBody(d *Decoder) error
}

// Runtime routes kernels emitted while a kernel executes.
type Runtime interface {
	Send(k Kernel)
}

// Finisher is implemented by runtimes that own top-level kernels.
// Commit calls Finish for kernels without a parent.
type Finisher interface {
	Finish(k Kernel)
}

// Upstream submits child on behalf of parent.
func Upstream(rt Runtime, parent, child Kernel) {
	child.Core().SetParent(parent)
	rt.Send(child)
}

// Commit sets the result of k and sends it back to its parent.
func Commit(rt Runtime, k Kernel, code ExitCode) {
	b := k.Core()
	b.ReturnToParent(code)
	if b.Parent().IsZero() {
		if f, ok := rt.(Finisher); ok {
			f.Finish(k)
		}
		return
	}
	rt.Send(k)
}

// PointToPoint sends child to the kernel principalID living at dst.
func PointToPoint(rt Runtime, parent, child Kernel, dst Address, principalID uint64) {
	b := child.Core()
	b.SetParent(parent)
	b.SetPrincipalRef(ByID(principalID))
	b.SetDestination(dst)
	rt.Send(child)
}

// Broadcast sends k to every reachable node. The broadcaster keeps ownership.
func Broadcast(rt Runtime, k Kernel) {
	b := k.Core()
	b.SetParentRef(Ref{})
	b.SetPrincipalRef(Ref{})
	rt.Send(k)
}

// ParentKernel returns the parent when it is held by pointer.
func ParentKernel(k Kernel) Kernel {
	return k.Core().Parent().Kernel()
}
