package kernel

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"net/netip"
)

var (
	ErrShortBuffer   = errors.New("kernel: short buffer")
	ErrStringTooLong = errors.New("kernel: string too long")
)

const (
	addrNone uint8 = 0
	addrIPv4 uint8 = 1
	addrIPv6 uint8 = 2
	addrUnix uint8 = 3
)

// MaxStringLen bounds strings and blobs read by a Decoder.
const MaxStringLen = 16 * 1024 * 1024

// Encoder appends big-endian primitives to a byte slice.
type Encoder struct {
	buf []byte
}

func NewEncoder(buf []byte) *Encoder {
	return &Encoder{buf: buf[:0]}
}

func (e *Encoder) Bytes() []byte { return e.buf }
func (e *Encoder) Len() int { return len(e.buf) }

func (e *Encoder) U8(v uint8) {
	e.buf = append(e.buf, v)
}

func (e *Encoder) U16(v uint16) {
	e.buf = binary.BigEndian.AppendUint16(e.buf, v)
}

func (e *Encoder) U32(v uint32) {
	e.buf = binary.BigEndian.AppendUint32(e.buf, v)
}

func (e *Encoder) U64(v uint64) {
	e.buf = binary.BigEndian.AppendUint64(e.buf, v)
}

func (e *Encoder) I64(v int64) {
	e.U64(uint64(v))
}

func (e *Encoder) Bool(v bool) {
	if v {
		e.U8(1)
		return
	}
	e.U8(0)
}

func (e *Encoder) Float64(v float64) {
	e.U64(math.Float64bits(v))
}

// Blob writes a u32 length followed by b.
func (e *Encoder) Blob(b []byte) {
	e.U32(uint32(len(b)))
	e.buf = append(e.buf, b...)
}

func (e *Encoder) Str(s string) {
	e.U32(uint32(len(s)))
	e.buf = append(e.buf, s...)
}

// Raw appends b without a length prefix.
func (e *Encoder) Raw(b []byte) {
	e.buf = append(e.buf, b...)
}

func (e *Encoder) Strings(in []string) {
	e.U32(uint32(len(in)))
	for _, s := range in {
		e.Str(s)
	}
}

func (e *Encoder) Address(a Address) {
	switch {
	case a.IsUnix():
		e.U8(addrUnix)
		e.Str(a.path)
	case a.ip.IsValid() && a.ip.Addr().Is4():
		e.U8(addrIPv4)
		ip := a.ip.Addr().As4()
		e.Raw(ip[:])
		e.U16(a.ip.Port())
	case a.ip.IsValid():
		e.U8(addrIPv6)
		ip := a.ip.Addr().As16()
		e.Raw(ip[:])
		e.U16(a.ip.Port())
	default:
		e.U8(addrNone)
	}
}

// Decoder reads big-endian primitives. The first failure is sticky and
// reported by Err; later reads return zero values.
type Decoder struct {
	buf []byte
	off int
	err error
}

func NewDecoder(b []byte) *Decoder {
	return &Decoder{buf: b}
}

func (d *Decoder) Err() error { return d.err }

func (d *Decoder) Remaining() int {
	return len(d.buf) - d.off
}

func (d *Decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if n < 0 || d.Remaining() < n {
		d.err = fmt.Errorf("%w: need %d have %d", ErrShortBuffer, n, d.Remaining())
		return nil
	}
	b := d.buf[d.off : d.off+n]
	d.off += n
	return b
}

func (d *Decoder) U8() uint8 {
	b := d.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (d *Decoder) U16() uint16 {
	b := d.take(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (d *Decoder) U32() uint32 {
	b := d.take(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (d *Decoder) U64() uint64 {
	b := d.take(8)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

func (d *Decoder) I64() int64 {
	return int64(d.U64())
}

func (d *Decoder) Bool() bool {
	return d.U8() != 0
}

func (d *Decoder) Float64() float64 {
	return math.Float64frombits(d.U64())
}

func (d *Decoder) length() int {
	n := d.U32()
	if d.err == nil && n > MaxStringLen {
		d.err = fmt.Errorf("%w: %d", ErrStringTooLong, n)
		return 0
	}
	return int(n)
}

func (d *Decoder) Blob() []byte {
	n := d.length()
	b := d.take(n)
	if b == nil {
		return nil
	}
	out := make([]byte, n)
	copy(out, b)
	return out
}

func (d *Decoder) Str() string {
	n := d.length()
	b := d.take(n)
	if b == nil {
		return ""
	}
	return string(b)
}

func (d *Decoder) Strings() []string {
	n := d.length()
	if d.err != nil {
		return nil
	}
	out := make([]string, 0, min(n, 64))
	for i := 0; i < n && d.err == nil; i++ {
		out = append(out, d.Str())
	}
	return out
}

// Raw returns the next n bytes without copying.
func (d *Decoder) Raw(n int) []byte {
	return d.take(n)
}

// Rest consumes and returns a copy of everything left.
func (d *Decoder) Rest() []byte {
	b := d.take(d.Remaining())
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func (d *Decoder) Address() Address {
	switch kind := d.U8(); kind {
	case addrNone:
		return Address{}
	case addrIPv4:
		var ip [4]byte
		copy(ip[:], d.take(4))
		port := d.U16()
		return IPAddress(netip.AddrPortFrom(netip.AddrFrom4(ip), port))
	case addrIPv6:
		var ip [16]byte
		copy(ip[:], d.take(16))
		port := d.U16()
		return IPAddress(netip.AddrPortFrom(netip.AddrFrom16(ip), port))
	case addrUnix:
		return UnixAddress(d.Str())
	default:
		if d.err == nil {
			d.err = fmt.Errorf("%w: address kind %d", ErrInvalidAddress, kind)
		}
		return Address{}
	}
}
