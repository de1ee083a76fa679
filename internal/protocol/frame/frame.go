package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// LengthPrefix is the size of the big-endian packet length that precedes every packet.
const LengthPrefix = 4

var (
	ErrShortLength    = errors.New("frame: short length prefix")
	ErrShortPacket    = errors.New("frame: short packet")
	ErrEmptyPacket    = errors.New("frame: empty packet")
	ErrPacketTooLarge = errors.New("frame: packet too large")
	ErrPacketOpen     = errors.New("frame: packet already open")
	ErrPacketClosed   = errors.New("frame: packet already closed")
	ErrFillPanic      = errors.New("frame: packet fill panicked")
)

// Limits constrains packet decode/encode memory use.
type Limits struct {
	MaxPacketBytes uint32
}

func DefaultLimits() Limits {
	return Limits{
		MaxPacketBytes: 8 * 1024 * 1024,
	}
}

func (l Limits) max() uint32 {
	if l.MaxPacketBytes == 0 {
		return DefaultLimits().MaxPacketBytes
	}
	return l.MaxPacketBytes
}

// ReadPacket reads one complete packet body from r. io.EOF is returned only
// when the stream ends cleanly between packets. An oversized packet is read
// and discarded so that the next call starts on a packet boundary.
func ReadPacket(r io.Reader, limits Limits) ([]byte, error) {
	var prefix [LengthPrefix]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrShortLength
		}
		return nil, err
	}
	n := binary.BigEndian.Uint32(prefix[:])
	if n == 0 {
		return nil, ErrEmptyPacket
	}
	if n > limits.max() {
		if _, err := io.CopyN(io.Discard, r, int64(n)); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrShortPacket, err)
		}
		return nil, fmt.Errorf("%w: %d > %d", ErrPacketTooLarge, n, limits.max())
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrShortPacket, err)
	}
	return payload, nil
}

// IsRecoverable reports whether err left the stream aligned on a packet
// boundary, so that reading may continue.
func IsRecoverable(err error) bool {
	return errors.Is(err, ErrEmptyPacket) || errors.Is(err, ErrPacketTooLarge)
}

func WritePacket(w io.Writer, payload []byte, limits Limits) error {
	if len(payload) == 0 {
		return ErrEmptyPacket
	}
	if uint64(len(payload)) > uint64(limits.max()) {
		return ErrPacketTooLarge
	}
	buf := make([]byte, LengthPrefix+len(payload))
	binary.BigEndian.PutUint32(buf[:LengthPrefix], uint32(len(payload)))
	copy(buf[LengthPrefix:], payload)
	_, err := w.Write(buf)
	return err
}

// Writer accumulates committed packets. At most one packet is open at a time
// and the bytes of an open packet never become visible through Bytes or Take.
type Writer struct {
	limits Limits
	buf    []byte
	open   *Packet
}

func NewWriter(limits Limits) *Writer {
	return &Writer{limits: limits}
}

// Packet is an open packet. It implements io.Writer.
type Packet struct {
	w      *Writer
	start  int
	closed bool
}

// Begin opens a packet by reserving its length prefix.
func (w *Writer) Begin() (*Packet, error) {
	if w.open != nil {
		return nil, ErrPacketOpen
	}
	p := &Packet{w: w, start: len(w.buf)}
	w.buf = append(w.buf, 0, 0, 0, 0)
	w.open = p
	return p, nil
}

func (p *Packet) Write(b []byte) (int, error) {
	if p.closed {
		return 0, ErrPacketClosed
	}
	p.w.buf = append(p.w.buf, b...)
	return len(b), nil
}

// Len returns the number of body bytes written so far.
func (p *Packet) Len() int {
	if p.closed {
		return 0
	}
	return len(p.w.buf) - p.start - LengthPrefix
}

// Commit writes the length prefix and makes the packet visible.
// Empty or oversized packets are rolled back.
func (p *Packet) Commit() error {
	if p.closed {
		return ErrPacketClosed
	}
	n := p.Len()
	switch {
	case n == 0:
		p.Rollback()
		return ErrEmptyPacket
	case uint64(n) > uint64(p.w.limits.max()):
		p.Rollback()
		return fmt.Errorf("%w: %d > %d", ErrPacketTooLarge, n, p.w.limits.max())
	}
	binary.BigEndian.PutUint32(p.w.buf[p.start:p.start+LengthPrefix], uint32(n))
	p.closed = true
	p.w.open = nil
	return nil
}

// Rollback discards the packet and everything written to it.
func (p *Packet) Rollback() {
	if p.closed {
		return
	}
	p.w.buf = p.w.buf[:p.start]
	p.closed = true
	p.w.open = nil
}

// Guard opens a packet, lets fill write it and commits it. Any error or panic
// inside fill rolls the packet back.
func (w *Writer) Guard(fill func(p *Packet) error) (err error) {
	p, err := w.Begin()
	if err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			p.Rollback()
			err = fmt.Errorf("%w: %v", ErrFillPanic, r)
		}
	}()
	if err := fill(p); err != nil {
		p.Rollback()
		return err
	}
	return p.Commit()
}

func (w *Writer) committed() int {
	if w.open != nil {
		return w.open.start
	}
	return len(w.buf)
}

// Len returns the number of committed bytes.
func (w *Writer) Len() int {
	return w.committed()
}

// Bytes returns the committed bytes without consuming them.
func (w *Writer) Bytes() []byte {
	return w.buf[:w.committed()]
}

// Take returns the committed bytes and removes them from the writer.
func (w *Writer) Take() []byte {
	n := w.committed()
	if n == 0 {
		return nil
	}
	out := make([]byte, n)
	copy(out, w.buf[:n])
	rest := copy(w.buf, w.buf[n:])
	w.buf = w.buf[:rest]
	if w.open != nil {
		w.open.start -= n
	}
	return out
}
