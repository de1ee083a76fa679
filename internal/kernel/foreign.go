package kernel

// Foreign is a kernel of an application this node does not own. Only its base
// fields are decoded; the body is kept as opaque bytes and re-emitted verbatim.
type Foreign struct {
	Base
	Payload []byte
	// Target is set when the kernel carries the application it belongs to.
	Target *Application
}

func (f *Foreign) WriteBody(e *Encoder) error {
	e.Raw(f.Payload)
	return nil
}

func (f *Foreign) ReadBody(d *Decoder) error {
	f.Payload = d.Rest()
	return d.Err()
}

// AsForeign reports whether k is a foreign kernel.
func AsForeign(k Kernel) (*Foreign, bool) {
	f, ok := k.(*Foreign)
	return f, ok
}
