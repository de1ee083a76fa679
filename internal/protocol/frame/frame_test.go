package frame

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"

	"github.com/danmuck/kernelmesh/internal/testutil/testlog"
)

func TestReadWritePacketRoundTrip(t *testing.T) {
	testlog.Start(t)
	var buf bytes.Buffer
	for _, payload := range [][]byte{[]byte("one"), []byte("second packet")} {
		if err := WritePacket(&buf, payload, DefaultLimits()); err != nil {
			t.Fatalf("write packet: %v", err)
		}
	}
	for _, want := range []string{"one", "second packet"} {
		got, err := ReadPacket(&buf, DefaultLimits())
		if err != nil {
			t.Fatalf("read packet: %v", err)
		}
		if string(got) != want {
			t.Fatalf("payload mismatch: got=%q want=%q", got, want)
		}
	}
	if _, err := ReadPacket(&buf, DefaultLimits()); !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF at clean end, got=%v", err)
	}
}

func TestReadPacketShortLengthIsDeterministic(t *testing.T) {
	testlog.Start(t)
	_, err := ReadPacket(bytes.NewReader([]byte{0, 1}), DefaultLimits())
	if !errors.Is(err, ErrShortLength) {
		t.Fatalf("expected ErrShortLength, got=%v", err)
	}
}

func TestReadPacketShortBody(t *testing.T) {
	testlog.Start(t)
	raw := []byte{0, 0, 0, 9, 'a', 'b'}
	_, err := ReadPacket(bytes.NewReader(raw), DefaultLimits())
	if !errors.Is(err, ErrShortPacket) {
		t.Fatalf("expected ErrShortPacket, got=%v", err)
	}
	if IsRecoverable(err) {
		t.Fatalf("short body must not be recoverable")
	}
}

func TestReadPacketOversizedSkipsToBoundary(t *testing.T) {
	testlog.Start(t)
	limits := Limits{MaxPacketBytes: 4}
	var buf bytes.Buffer
	big := make([]byte, 10)
	prefix := make([]byte, LengthPrefix)
	binary.BigEndian.PutUint32(prefix, uint32(len(big)))
	buf.Write(prefix)
	buf.Write(big)
	if err := WritePacket(&buf, []byte("ok"), limits); err != nil {
		t.Fatalf("write small packet: %v", err)
	}

	_, err := ReadPacket(&buf, limits)
	if !errors.Is(err, ErrPacketTooLarge) {
		t.Fatalf("expected ErrPacketTooLarge, got=%v", err)
	}
	if !IsRecoverable(err) {
		t.Fatalf("oversized packet should leave the stream aligned")
	}
	got, err := ReadPacket(&buf, limits)
	if err != nil {
		t.Fatalf("read after oversized packet: %v", err)
	}
	if string(got) != "ok" {
		t.Fatalf("unexpected packet after skip: got=%q", got)
	}
}

func TestReadPacketEmptyIsRecoverable(t *testing.T) {
	testlog.Start(t)
	raw := []byte{0, 0, 0, 0, 0, 0, 0, 1, 'x'}
	r := bytes.NewReader(raw)
	_, err := ReadPacket(r, DefaultLimits())
	if !errors.Is(err, ErrEmptyPacket) || !IsRecoverable(err) {
		t.Fatalf("expected recoverable ErrEmptyPacket, got=%v", err)
	}
	got, err := ReadPacket(r, DefaultLimits())
	if err != nil || string(got) != "x" {
		t.Fatalf("unexpected next packet: got=%q err=%v", got, err)
	}
}

func TestWriterCommitAndTake(t *testing.T) {
	testlog.Start(t)
	w := NewWriter(DefaultLimits())
	p, err := w.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if _, err := w.Begin(); !errors.Is(err, ErrPacketOpen) {
		t.Fatalf("expected ErrPacketOpen, got=%v", err)
	}
	if _, err := p.Write([]byte("hello")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if w.Len() != 0 {
		t.Fatalf("open packet must not be visible: got=%d", w.Len())
	}
	if err := p.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	out := w.Take()
	got, err := ReadPacket(bytes.NewReader(out), DefaultLimits())
	if err != nil || string(got) != "hello" {
		t.Fatalf("unexpected committed packet: got=%q err=%v", got, err)
	}
	if w.Len() != 0 {
		t.Fatalf("take should drain writer: got=%d", w.Len())
	}
}

func TestWriterGuardRollsBackOnErrorAndPanic(t *testing.T) {
	testlog.Start(t)
	w := NewWriter(DefaultLimits())
	if err := w.Guard(func(p *Packet) error {
		_, err := p.Write([]byte("kept"))
		return err
	}); err != nil {
		t.Fatalf("guard commit: %v", err)
	}
	committed := w.Len()

	boom := errors.New("boom")
	err := w.Guard(func(p *Packet) error {
		_, _ = p.Write([]byte("partial"))
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected fill error, got=%v", err)
	}
	err = w.Guard(func(p *Packet) error {
		_, _ = p.Write([]byte("partial"))
		panic("encode failure")
	})
	if !errors.Is(err, ErrFillPanic) {
		t.Fatalf("expected ErrFillPanic, got=%v", err)
	}
	if w.Len() != committed {
		t.Fatalf("rolled back packets leaked bytes: got=%d want=%d", w.Len(), committed)
	}

	r := bytes.NewReader(w.Take())
	got, err := ReadPacket(r, DefaultLimits())
	if err != nil || string(got) != "kept" {
		t.Fatalf("unexpected packet: got=%q err=%v", got, err)
	}
	if _, err := ReadPacket(r, DefaultLimits()); !errors.Is(err, io.EOF) {
		t.Fatalf("expected no further packets, got=%v", err)
	}
}

func TestWriterCommitRejectsEmptyAndOversized(t *testing.T) {
	testlog.Start(t)
	w := NewWriter(Limits{MaxPacketBytes: 3})
	p, _ := w.Begin()
	if err := p.Commit(); !errors.Is(err, ErrEmptyPacket) {
		t.Fatalf("expected ErrEmptyPacket, got=%v", err)
	}
	p, _ = w.Begin()
	_, _ = p.Write([]byte("toolong"))
	if err := p.Commit(); !errors.Is(err, ErrPacketTooLarge) {
		t.Fatalf("expected ErrPacketTooLarge, got=%v", err)
	}
	if w.Len() != 0 {
		t.Fatalf("rejected packets must not remain: got=%d", w.Len())
	}
}
