package pipeline

import "github.com/danmuck/kernelmesh/internal/kernel"

// Pipeline accepts kernels from any goroutine.
type Pipeline interface {
	// Send submits a kernel of the receiving node's own application.
	Send(k kernel.Kernel)
	// Forward submits a kernel that is carried without being decoded.
	Forward(fk *kernel.Foreign)
}

// Funcs adapts two functions to Pipeline. Nil functions drop the kernel.
type Funcs struct {
	SendFunc    func(kernel.Kernel)
	ForwardFunc func(*kernel.Foreign)
}

func (f Funcs) Send(k kernel.Kernel) {
	if f.SendFunc != nil {
		f.SendFunc(k)
	}
}

func (f Funcs) Forward(fk *kernel.Foreign) {
	if f.ForwardFunc != nil {
		f.ForwardFunc(fk)
	}
}

// Submit routes k through p, forwarding foreign kernels.
func Submit(p Pipeline, k kernel.Kernel) {
	if fk, ok := kernel.AsForeign(k); ok {
		p.Forward(fk)
		return
	}
	p.Send(k)
}
