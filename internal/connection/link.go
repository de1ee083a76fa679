package connection

import (
	"errors"
	"io"
	"sync"

	"github.com/danmuck/kernelmesh/internal/logging"
	"github.com/danmuck/kernelmesh/internal/observability"
	"github.com/danmuck/kernelmesh/internal/pipeline"
	"github.com/danmuck/kernelmesh/internal/protocol/frame"
)

// link is one transport attached to a Conn. Events carry the link as their
// endpoint so that events of a replaced transport can be told apart.
type link struct {
	c  *Conn
	rw io.ReadWriteCloser

	mu      sync.Mutex
	pending [][]byte
	writing bool
	signal  chan struct{}
	done    chan struct{}
	once    sync.Once
}

func newLink(c *Conn, rw io.ReadWriteCloser) *link {
	return &link{
		c:      c,
		rw:     rw,
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

func (l *link) Name() string { return l.c.Name() }

func (l *link) enqueue(data []byte) {
	if len(data) == 0 {
		return
	}
	l.mu.Lock()
	l.pending = append(l.pending, data)
	l.mu.Unlock()
	select {
	case l.signal <- struct{}{}:
	default:
	}
}

func (l *link) takePending() [][]byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := l.pending
	l.pending = nil
	l.writing = len(out) > 0
	return out
}

func (l *link) busy() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.writing || len(l.pending) > 0
}

func (l *link) closed() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}

func (l *link) close() {
	l.once.Do(func() {
		close(l.done)
		_ = l.rw.Close()
	})
}

func (l *link) readLoop() {
	c := l.c
	for {
		packet, err := frame.ReadPacket(l.rw, c.cfg.Limits)
		if err != nil {
			if frame.IsRecoverable(err) {
				c.sink.IncrCounterWithLabels(
					observability.MetricConnPacketErrors,
					1,
					append(c.labels, observability.LabelError.M("frame")),
				)
				logging.Warnf("connection.link.readLoop name=%s skipped packet err=%v", l.Name(), err)
				continue
			}
			select {
			case <-l.done:
				// closed locally; nobody waits for this transport anymore
				return
			default:
			}
			if errors.Is(err, io.EOF) {
				err = nil
			}
			c.cfg.Loop.Post(pipeline.Event{Kind: pipeline.EventClosed, From: l, Err: err})
			return
		}
		if !c.cfg.Loop.Post(pipeline.Event{Kind: pipeline.EventPacket, From: l, Packet: packet}) {
			l.close()
			return
		}
	}
}

func (l *link) writeLoop() {
	for {
		select {
		case <-l.done:
			return
		case <-l.signal:
		}
		for {
			batch := l.takePending()
			if len(batch) == 0 {
				break
			}
			for _, data := range batch {
				if _, err := l.rw.Write(data); err != nil {
					logging.Warnf("connection.link.writeLoop name=%s write failed err=%v", l.Name(), err)
					// the reader observes the close and reports it
					_ = l.rw.Close()
					return
				}
			}
		}
	}
}

// JoinPipes combines a read end and a write end into one transport, as used
// for the descriptor pair shared with a child process.
func JoinPipes(r io.ReadCloser, w io.WriteCloser) io.ReadWriteCloser {
	return &pipePair{r: r, w: w}
}

type pipePair struct {
	r io.ReadCloser
	w io.WriteCloser
}

func (p *pipePair) Read(b []byte) (int, error)  { return p.r.Read(b) }
func (p *pipePair) Write(b []byte) (int, error) { return p.w.Write(b) }

func (p *pipePair) Close() error {
	werr := p.w.Close()
	rerr := p.r.Close()
	return errors.Join(werr, rerr)
}
