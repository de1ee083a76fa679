package txlog

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/danmuck/kernelmesh/internal/kernel"
	"github.com/danmuck/kernelmesh/internal/logging"
	"github.com/danmuck/kernelmesh/internal/protocol/engine"
	"github.com/danmuck/kernelmesh/internal/protocol/frame"
	"github.com/danmuck/kernelmesh/internal/protocol/wire"
	"github.com/google/uuid"
)

var (
	ErrClosed        = errors.New("txlog: closed")
	ErrBadRecord     = errors.New("txlog: malformed record")
	ErrBadDirection  = errors.New("txlog: unknown direction")
	ErrEmptyPipeline = errors.New("txlog: pipeline required")
)

// Direction tells whether a record opens or closes a transaction.
type Direction uint8

const (
	// Sent records an upstream kernel written to a peer.
	Sent Direction = iota + 1
	// Completed records that the result of a sent kernel came back.
	Completed
)

func (d Direction) String() string {
	switch d {
	case Sent:
		return "sent"
	case Completed:
		return "completed"
	default:
		return fmt.Sprintf("direction(%d)", uint8(d))
	}
}

// Record is one entry of the transaction log.
type Record struct {
	ID        uuid.UUID
	Pipeline  string
	Direction Direction
	KernelID  uint64
	Time      time.Time
	// Packet is the wire packet of a sent kernel, header included.
	Packet []byte
}

func (r Record) encode() []byte {
	e := kernel.NewEncoder(make([]byte, 0, 48+len(r.Pipeline)+len(r.Packet)))
	e.Raw(r.ID[:])
	e.Str(r.Pipeline)
	e.U8(uint8(r.Direction))
	e.U64(r.KernelID)
	e.I64(r.Time.UnixNano())
	e.Blob(r.Packet)
	return e.Bytes()
}

func decodeRecord(b []byte) (Record, error) {
	d := kernel.NewDecoder(b)
	var r Record
	copy(r.ID[:], d.Raw(len(r.ID)))
	r.Pipeline = d.Str()
	r.Direction = Direction(d.U8())
	r.KernelID = d.U64()
	r.Time = time.Unix(0, d.I64())
	r.Packet = d.Blob()
	if err := d.Err(); err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrBadRecord, err)
	}
	if r.Direction != Sent && r.Direction != Completed {
		return Record{}, fmt.Errorf("%w: %d", ErrBadDirection, uint8(r.Direction))
	}
	return r, nil
}

// Log is an append-only transaction log file. It implements engine.Journal.
type Log struct {
	path   string
	limits frame.Limits

	mu     sync.Mutex
	f      *os.File
	w      *bufio.Writer
	closed bool
}

var _ engine.Journal = (*Log)(nil)

// Open opens or creates the log at path for appending.
func Open(path string) (*Log, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("txlog: open %s: %w", path, err)
	}
	return &Log{
		path:   path,
		limits: frame.DefaultLimits(),
		f:      f,
		w:      bufio.NewWriter(f),
	}, nil
}

func (l *Log) Path() string { return l.path }

// Append writes one record. A zero ID or time is filled in.
func (l *Log) Append(r Record) error {
	if r.Pipeline == "" {
		return ErrEmptyPipeline
	}
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	if r.Time.IsZero() {
		r.Time = time.Now()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	if err := frame.WritePacket(l.w, r.encode(), l.limits); err != nil {
		return fmt.Errorf("txlog: append: %w", err)
	}
	return nil
}

// Sent implements engine.Journal.
func (l *Log) Sent(pipeline string, k kernel.Kernel, packet []byte) {
	err := l.Append(Record{
		Pipeline:  pipeline,
		Direction: Sent,
		KernelID:  k.Core().ID(),
		Packet:    append([]byte(nil), packet...),
	})
	if err != nil {
		logging.Errorf("txlog.Log.Sent pipeline=%s id=%d err=%v", pipeline, k.Core().ID(), err)
	}
}

// Completed implements engine.Journal.
func (l *Log) Completed(pipeline string, id uint64) {
	if err := l.Append(Record{Pipeline: pipeline, Direction: Completed, KernelID: id}); err != nil {
		logging.Errorf("txlog.Log.Completed pipeline=%s id=%d err=%v", pipeline, id, err)
	}
}

// Sync flushes buffered records and fsyncs the file.
func (l *Log) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	if err := l.w.Flush(); err != nil {
		return err
	}
	return l.f.Sync()
}

func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	ferr := l.w.Flush()
	cerr := l.f.Close()
	return errors.Join(ferr, cerr)
}

// Replay calls fn for every record in the file at path, oldest first. A record
// cut short by a crash ends the replay without an error.
func Replay(path string, fn func(Record) error) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("txlog: replay %s: %w", path, err)
	}
	defer f.Close()
	r := bufio.NewReader(f)
	limits := frame.DefaultLimits()
	for n := 0; ; n++ {
		packet, err := frame.ReadPacket(r, limits)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if errors.Is(err, frame.ErrShortLength) || errors.Is(err, frame.ErrShortPacket) {
			logging.Warnf("txlog.Replay path=%s truncated record index=%d", path, n)
			return nil
		}
		if err != nil {
			return fmt.Errorf("txlog: replay %s record=%d: %w", path, n, err)
		}
		rec, err := decodeRecord(packet)
		if err != nil {
			return fmt.Errorf("txlog: replay %s record=%d: %w", path, n, err)
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
}

type key struct {
	pipeline string
	id       uint64
}

// Pending returns the sent records of the log that were never completed, in
// the order they were written. A missing file has no pending records.
func Pending(path string) ([]Record, error) {
	var order []key
	open := make(map[key]Record)
	err := Replay(path, func(r Record) error {
		k := key{pipeline: r.Pipeline, id: r.KernelID}
		switch r.Direction {
		case Sent:
			if _, seen := open[k]; !seen {
				order = append(order, k)
			}
			open[k] = r
		case Completed:
			delete(open, k)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	out := make([]Record, 0, len(open))
	for _, k := range order {
		if r, ok := open[k]; ok {
			out = append(out, r)
			delete(open, k)
		}
	}
	return out, nil
}

// Decode rebuilds the kernel of a sent record. Kernels of other applications
// come back as kernel.Foreign.
func Decode(r Record, app uint64, types *kernel.Types) (kernel.Kernel, error) {
	if r.Direction != Sent {
		return nil, fmt.Errorf("%w: %s record has no kernel", ErrBadRecord, r.Direction)
	}
	h, d, err := wire.ReadHeader(r.Packet)
	if err != nil {
		return nil, err
	}
	if h.HasApplication() && h.App != app {
		fk, err := wire.ReadForeign(d)
		if err != nil {
			return nil, err
		}
		fk.SetApp(h.App)
		fk.Target = h.Target
		return fk, nil
	}
	k, err := wire.ReadKernel(d, types)
	if err != nil {
		return nil, err
	}
	k.Core().SetApp(app)
	if h.HasSourceAndDestination() {
		k.Core().SetSource(h.Source)
		k.Core().SetDestination(h.Destination)
	}
	return k, nil
}
