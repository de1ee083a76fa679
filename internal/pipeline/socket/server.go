package socket

import (
	"errors"
	"net"
	"sync/atomic"

	"github.com/danmuck/kernelmesh/internal/kernel"
	"github.com/danmuck/kernelmesh/internal/logging"
	"github.com/danmuck/kernelmesh/internal/pipeline"
)

// Server is one listening socket bound to a local interface address.
type Server struct {
	iface  kernel.Interface
	addr   kernel.Address
	ln     net.Listener
	closed atomic.Bool
}

func (s *Server) Name() string { return "server/" + s.addr.String() }
func (s *Server) Address() kernel.Address { return s.addr }
func (s *Server) Interface() kernel.Interface { return s.iface }

func (s *Server) close() {
	if s.closed.CompareAndSwap(false, true) {
		_ = s.ln.Close()
	}
}

func (s *Server) acceptLoop(loop *pipeline.Loop) {
	for {
		nc, err := s.ln.Accept()
		if err != nil {
			if s.closed.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			logging.Warnf("socket.Server.acceptLoop addr=%s err=%v", s.addr, err)
			loop.Post(pipeline.Event{Kind: pipeline.EventClosed, From: s, Err: err})
			return
		}
		if !loop.Post(pipeline.Event{Kind: pipeline.EventAccepted, From: s, Accepted: nc}) {
			_ = nc.Close()
			return
		}
	}
}
