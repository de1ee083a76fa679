package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/danmuck/kernelmesh/internal/auth"
	"github.com/danmuck/kernelmesh/internal/kernel"
	"github.com/danmuck/kernelmesh/internal/logging"
	"github.com/danmuck/kernelmesh/internal/observability"
	"github.com/danmuck/kernelmesh/internal/pipeline/socket"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

const (
	Version         = "0.1.0"
	shutdownTimeout = 5 * time.Second
)

// Table is the neighbor table the API edits. *socket.Pipeline implements it.
type Table interface {
	AddClient(ctx context.Context, addr kernel.Address, weight uint32) error
	SetClientWeight(ctx context.Context, addr kernel.Address, maxWeight uint32) error
	RemoveClient(ctx context.Context, addr kernel.Address) error
	AddServer(ctx context.Context, iface kernel.Interface) (kernel.Address, error)
	Snapshot() socket.Snapshot
}

type Config struct {
	Name string
	// Addr is the listen address, e.g. "127.0.0.1:8780".
	Addr        string
	CORSOrigins []string
	// Auth guards every route except health, readiness and metrics. Nil
	// leaves them open.
	Auth  auth.Validator
	Table Table
	// Status returns the node status document for GET /status.
	Status func() any
	// Ready reports whether the node finished wiring its pipelines.
	Ready func() bool
	// RequestTimeout bounds calls into the pipelines.
	RequestTimeout time.Duration
}

type Server struct {
	cfg     Config
	router  *gin.Engine
	started time.Time
}

func New(cfg Config) *Server {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 5 * time.Second
	}
	observability.RegisterMetrics()
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(observability.ComponentLogger(cfg.Name, "admin")))
	r.Use(observability.RequestMetricsMiddleware(cfg.Name))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(cfg.CORSOrigins),
		AllowMethods: []string{"GET", "POST", "PUT", "DELETE"},
		AllowHeaders: []string{"Origin", "Content-Type", "Authorization"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Server{cfg: cfg, router: r, started: time.Now()}
	s.registerRoutes()
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

// Run serves until ctx is done and then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		logging.Infof("server.Server.Run name=%s addr=%s", s.cfg.Name, s.cfg.Addr)
		errc <- srv.ListenAndServe()
	}()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		return err
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
