package wire

import (
	"errors"
	"fmt"

	"github.com/danmuck/kernelmesh/internal/kernel"
	"github.com/danmuck/kernelmesh/internal/protocol/schema"
	"github.com/danmuck/kernelmesh/internal/protocol/tlv"
)

// HeaderFlag describes the optional sections of a packet header.
type HeaderFlag uint8

const (
	HeaderHasApplication HeaderFlag = 1 << iota
	HeaderHasSourceAndDestination
	HeaderHasTarget

	headerKnownFlags = HeaderHasApplication | HeaderHasSourceAndDestination | HeaderHasTarget
)

var (
	ErrUnknownHeaderFlags = errors.New("wire: unknown header flags")
	ErrMalformedHeader    = errors.New("wire: malformed header")
	ErrMalformedKernel    = errors.New("wire: malformed kernel")
	ErrParentNotEmbedded  = errors.New("wire: carried parent is not held by pointer")
	ErrTrailingBytes      = errors.New("wire: trailing bytes after kernel")
)

// Header precedes every kernel on the wire.
type Header struct {
	Flags       HeaderFlag
	App         uint64
	Source      kernel.Address
	Destination kernel.Address
	Target      *kernel.Application
}

func (h Header) HasApplication() bool { return h.Flags&HeaderHasApplication != 0 }

func (h Header) HasSourceAndDestination() bool {
	return h.Flags&HeaderHasSourceAndDestination != 0
}

func (h Header) HasTarget() bool { return h.Flags&HeaderHasTarget != 0 && h.Target != nil }

// Options selects the header sections written by Append.
type Options struct {
	PrependApplication          bool
	PrependSourceAndDestination bool
}

// Append encodes the header and k into dst. The header describes k: its
// application, addresses and, for foreign kernels, the target application.
func Append(dst []byte, k kernel.Kernel, types *kernel.Types, opts Options) ([]byte, error) {
	b := k.Core()
	h := Header{}
	if opts.PrependApplication {
		h.Flags |= HeaderHasApplication
		h.App = b.App()
	}
	if opts.PrependSourceAndDestination {
		h.Flags |= HeaderHasSourceAndDestination
		h.Source = b.Source()
		h.Destination = b.Destination()
	}
	if fk, ok := kernel.AsForeign(k); ok && fk.Target != nil {
		h.Flags |= HeaderHasTarget
		h.Target = fk.Target
	}
	e := kernel.NewEncoder(dst)
	AppendHeader(e, h)
	if err := appendKernel(e, k, types, !h.HasSourceAndDestination()); err != nil {
		return nil, err
	}
	return e.Bytes(), nil
}

func AppendHeader(e *kernel.Encoder, h Header) {
	e.U8(uint8(h.Flags))
	if h.Flags&HeaderHasApplication != 0 {
		e.U64(h.App)
	}
	if h.Flags&HeaderHasSourceAndDestination != 0 {
		e.Address(h.Source)
		e.Address(h.Destination)
	}
	if h.Flags&HeaderHasTarget != 0 && h.Target != nil {
		h.Target.Write(e)
	}
}

func appendKernel(e *kernel.Encoder, k kernel.Kernel, types *kernel.Types, addresses bool) error {
	b := k.Core()
	typeID, ok := types.TypeID(k)
	if !ok {
		return fmt.Errorf("%w: %T", kernel.ErrUnregistered, k)
	}
	e.U16(typeID)
	base := tlv.EncodeFields(baseFields(b, addresses))
	e.U32(uint32(len(base)))
	e.Raw(base)
	if err := k.WriteBody(e); err != nil {
		return fmt.Errorf("wire: write body of type %d: %w", typeID, err)
	}
	if _, foreign := kernel.AsForeign(k); foreign || !b.CarriesParent() {
		return nil
	}
	parent := b.Parent().Kernel()
	if parent == nil {
		return fmt.Errorf("%w: kernel %d", ErrParentNotEmbedded, b.ID())
	}
	return appendKernel(e, parent, types, true)
}

func baseFields(b *kernel.Base, addresses bool) []tlv.Field {
	fields := make([]tlv.Field, 0, 7)
	if b.HasID() {
		fields = append(fields, tlv.U64(schema.FieldID, b.ID()))
	}
	if id := b.Parent().ID(); id != 0 {
		fields = append(fields, tlv.U64(schema.FieldParentID, id))
	}
	if id := b.Principal().ID(); id != 0 {
		fields = append(fields, tlv.U64(schema.FieldPrincipalID, id))
	}
	fields = append(fields,
		tlv.Bool(schema.FieldCarriesParent, b.CarriesParent()),
		tlv.U16(schema.FieldResult, uint16(b.Result())),
	)
	if addresses {
		if !b.Source().IsZero() {
			fields = append(fields, tlv.Bytes(schema.FieldSource, encodeAddress(b.Source())))
		}
		if !b.Destination().IsZero() {
			fields = append(fields, tlv.Bytes(schema.FieldDestination, encodeAddress(b.Destination())))
		}
	}
	return fields
}

func encodeAddress(a kernel.Address) []byte {
	e := kernel.NewEncoder(nil)
	e.Address(a)
	return e.Bytes()
}

// ReadHeader decodes the header at the start of payload and returns a decoder
// positioned at the kernel section.
func ReadHeader(payload []byte) (Header, *kernel.Decoder, error) {
	d := kernel.NewDecoder(payload)
	h := Header{Flags: HeaderFlag(d.U8())}
	if d.Err() != nil {
		return Header{}, nil, fmt.Errorf("%w: %v", ErrMalformedHeader, d.Err())
	}
	if h.Flags&^headerKnownFlags != 0 {
		return Header{}, nil, fmt.Errorf("%w: %#x", ErrUnknownHeaderFlags, uint8(h.Flags))
	}
	if h.Flags&HeaderHasApplication != 0 {
		h.App = d.U64()
	}
	if h.Flags&HeaderHasSourceAndDestination != 0 {
		h.Source = d.Address()
		h.Destination = d.Address()
	}
	if h.Flags&HeaderHasTarget != 0 {
		h.Target = &kernel.Application{}
		if err := h.Target.Read(d); err != nil {
			return Header{}, nil, fmt.Errorf("%w: target: %v", ErrMalformedHeader, err)
		}
	}
	if err := d.Err(); err != nil {
		return Header{}, nil, fmt.Errorf("%w: %v", ErrMalformedHeader, err)
	}
	return h, d, nil
}

// ReadKernel decodes a kernel of a registered type, including any embedded
// parent chain. The decoder must be fully consumed.
func ReadKernel(d *kernel.Decoder, types *kernel.Types) (kernel.Kernel, error) {
	k, err := readKernel(d, types)
	if err != nil {
		return nil, err
	}
	if d.Remaining() != 0 {
		return nil, fmt.Errorf("%w: %d bytes", ErrTrailingBytes, d.Remaining())
	}
	return k, nil
}

func readKernel(d *kernel.Decoder, types *kernel.Types) (kernel.Kernel, error) {
	typeID := d.U16()
	fields, err := readBase(d, typeID)
	if err != nil {
		return nil, err
	}
	k, err := types.New(typeID)
	if err != nil {
		return nil, err
	}
	if err := applyBase(k.Core(), fields); err != nil {
		return nil, err
	}
	if err := k.ReadBody(d); err != nil {
		return nil, fmt.Errorf("%w: body of type %d: %v", ErrMalformedKernel, typeID, err)
	}
	if err := d.Err(); err != nil {
		return nil, fmt.Errorf("%w: body of type %d: %v", ErrMalformedKernel, typeID, err)
	}
	if k.Core().CarriesParent() {
		parent, err := readKernel(d, types)
		if err != nil {
			return nil, fmt.Errorf("wire: embedded parent: %w", err)
		}
		k.Core().SetParent(parent)
	}
	return k, nil
}

// ReadForeign decodes the base fields of a kernel and keeps the rest of the
// packet, body and embedded parent included, as opaque payload.
func ReadForeign(d *kernel.Decoder) (*kernel.Foreign, error) {
	typeID := d.U16()
	fields, err := readBase(d, typeID)
	if err != nil {
		return nil, err
	}
	fk := &kernel.Foreign{}
	fk.SetTypeID(typeID)
	if err := applyBase(fk.Core(), fields); err != nil {
		return nil, err
	}
	if err := fk.ReadBody(d); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedKernel, err)
	}
	return fk, nil
}

func readBase(d *kernel.Decoder, typeID uint16) ([]tlv.Field, error) {
	n := d.U32()
	if d.Err() == nil && int(n) > d.Remaining() {
		return nil, fmt.Errorf("%w: base section of %d bytes exceeds packet", ErrMalformedKernel, n)
	}
	raw := d.Raw(int(n))
	if err := d.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedKernel, err)
	}
	fields, err := tlv.DecodeFields(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedKernel, err)
	}
	if err := schema.ValidateBase(typeID, fields); err != nil {
		return nil, err
	}
	return fields, nil
}

func applyBase(b *kernel.Base, fields []tlv.Field) error {
	for _, f := range fields {
		switch f.ID {
		case schema.FieldID:
			v, err := tlv.U64FromBytes(f.Value)
			if err != nil {
				return err
			}
			b.SetID(v)
		case schema.FieldParentID:
			v, err := tlv.U64FromBytes(f.Value)
			if err != nil {
				return err
			}
			b.SetParentRef(kernel.ByID(v))
		case schema.FieldPrincipalID:
			v, err := tlv.U64FromBytes(f.Value)
			if err != nil {
				return err
			}
			b.SetPrincipalRef(kernel.ByID(v))
		case schema.FieldCarriesParent:
			v, err := tlv.BoolFromBytes(f.Value)
			if err != nil {
				return err
			}
			b.SetCarriesParent(v)
		case schema.FieldResult:
			v, err := tlv.U16FromBytes(f.Value)
			if err != nil {
				return err
			}
			b.SetResult(kernel.ExitCode(v))
		case schema.FieldSource, schema.FieldDestination:
			d := kernel.NewDecoder(f.Value)
			a := d.Address()
			if err := d.Err(); err != nil {
				return fmt.Errorf("%w: field %d: %v", ErrMalformedKernel, f.ID, err)
			}
			if f.ID == schema.FieldSource {
				b.SetSource(a)
			} else {
				b.SetDestination(a)
			}
		}
	}
	return nil
}
