package node

import (
	"context"
	"time"

	"github.com/danmuck/kernelmesh/internal/logging"
	"github.com/danmuck/kernelmesh/internal/pipeline/process"
	"github.com/danmuck/kernelmesh/internal/pipeline/socket"
)

type MemberStatus struct {
	Address string `json:"address"`
	Weight  uint32 `json:"weight"`
}

// Status is what the admin API and the heartbeat report.
type Status struct {
	Name         string                  `json:"name"`
	Phase        Phase                   `json:"phase"`
	Uptime       string                  `json:"uptime"`
	LocalPending int                     `json:"local_pending"`
	Socket       socket.Snapshot         `json:"socket"`
	Unix         socket.Snapshot         `json:"unix"`
	Apps         []process.AppSnapshot   `json:"apps"`
	Members      map[string]MemberStatus `json:"members,omitempty"`
}

func (s *Service) Status() Status {
	st := Status{
		Name:   s.cfg.Name,
		Phase:  s.Phase(),
		Uptime: time.Since(s.started).Truncate(time.Second).String(),
	}
	if st.Phase == PhaseBoot {
		return st
	}
	st.LocalPending = s.local.Pending()
	st.Socket = s.socket.Snapshot()
	st.Unix = s.unix.Snapshot()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	apps, err := s.process.Snapshot(ctx)
	if err != nil {
		logging.Debugf("node.Service.Status apps err=%v", err)
	}
	st.Apps = apps

	if s.discovery != nil {
		members := s.discovery.Members()
		st.Members = make(map[string]MemberStatus, len(members))
		for name, m := range members {
			st.Members[name] = MemberStatus{Address: m.Addr.String(), Weight: m.Weight}
		}
	}
	return st
}
