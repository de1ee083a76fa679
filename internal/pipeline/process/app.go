package process

import (
	"os/exec"
	"sync/atomic"
	"time"

	"github.com/danmuck/kernelmesh/internal/connection"
	"github.com/danmuck/kernelmesh/internal/kernel"
)

// App is one application running in a child process of this node.
type App struct {
	app     kernel.Application
	cmd     *exec.Cmd
	pid     int
	conn    *connection.Conn
	started time.Time

	// main kernel bookkeeping, pipeline goroutine only
	mainID uint64
	main   *kernel.Foreign

	kernels   atomic.Uint64
	lastCount uint64
	lastCheck time.Time
}

func (a *App) ID() uint64 { return a.app.ID }
func (a *App) PID() int { return a.pid }
func (a *App) Conn() *connection.Conn { return a.conn }
func (a *App) Application() kernel.Application { return a.app }

// stale reports whether no kernel went to or came from the application since
// the previous check at least timeout ago.
func (a *App) stale(now time.Time, timeout time.Duration) bool {
	if now.Sub(a.lastCheck) < timeout {
		return false
	}
	n := a.kernels.Load()
	changed := n != a.lastCount
	a.lastCount = n
	a.lastCheck = now
	return !changed
}

// ExitResult maps the exit status of an application to the result of its
// main kernel. A negative code means the process was killed by a signal.
func ExitResult(code int) kernel.ExitCode {
	switch {
	case code == 0:
		return kernel.Success
	case code > 0:
		return kernel.UserExitCodeBase + kernel.ExitCode(code)
	default:
		return kernel.Error
	}
}

// AppSnapshot is the admin view of one application.
type AppSnapshot struct {
	AppID   uint64              `json:"app_id"`
	PID     int                 `json:"pid"`
	Args    []string            `json:"args"`
	Uptime  string              `json:"uptime"`
	Kernels uint64              `json:"kernels"`
	Waiting bool                `json:"waiting_for_completion"`
	Conn    connection.Snapshot `json:"connection"`
}

func (a *App) snapshot(now time.Time) AppSnapshot {
	return AppSnapshot{
		AppID:   a.app.ID,
		PID:     a.pid,
		Args:    append([]string(nil), a.app.Args...),
		Uptime:  now.Sub(a.started).Truncate(time.Second).String(),
		Kernels: a.kernels.Load(),
		Waiting: a.main != nil,
		Conn:    a.conn.Snapshot(),
	}
}
