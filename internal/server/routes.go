package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/danmuck/kernelmesh/internal/auth"
	"github.com/danmuck/kernelmesh/internal/kernel"
	"github.com/danmuck/kernelmesh/internal/pipeline"
	"github.com/danmuck/kernelmesh/internal/pipeline/socket"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type clientRequest struct {
	Address string `json:"address" binding:"required"`
	Weight  uint32 `json:"weight"`
}

type serverRequest struct {
	Interface string `json:"interface" binding:"required"`
}

func (s *Server) registerRoutes() {
	r := s.router
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.started).String(),
			"service": s.cfg.Name,
			"version": Version,
		})
	})

	r.GET("/ready", func(c *gin.Context) {
		ready := s.cfg.Ready == nil || s.cfg.Ready()
		status := http.StatusOK
		if !ready {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{
			"ready":   ready,
			"service": s.cfg.Name,
			"version": Version,
		})
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	admin := r.Group("/", auth.Require(s.cfg.Auth))
	admin.GET("/status", func(c *gin.Context) {
		if s.cfg.Status == nil {
			c.JSON(http.StatusOK, gin.H{"service": s.cfg.Name})
			return
		}
		c.JSON(http.StatusOK, s.cfg.Status())
	})

	admin.GET("/clients", func(c *gin.Context) {
		if !s.hasTable(c) {
			return
		}
		snap := s.cfg.Table.Snapshot()
		c.JSON(http.StatusOK, gin.H{
			"clients":      snap.Clients,
			"servers":      snap.Servers,
			"local_weight": snap.LocalWeight,
		})
	})

	admin.POST("/clients", func(c *gin.Context) {
		req, addr, ok := s.bindClient(c)
		if !ok {
			return
		}
		s.call(c, func(ctx context.Context) error {
			return s.cfg.Table.AddClient(ctx, addr, req.Weight)
		}, gin.H{"status": "ok", "address": addr.String()})
	})

	admin.PUT("/clients/weight", func(c *gin.Context) {
		req, addr, ok := s.bindClient(c)
		if !ok {
			return
		}
		if req.Weight == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "weight must be positive"})
			return
		}
		s.call(c, func(ctx context.Context) error {
			return s.cfg.Table.SetClientWeight(ctx, addr, req.Weight)
		}, gin.H{"status": "ok", "address": addr.String(), "max_weight": req.Weight})
	})

	admin.DELETE("/clients", func(c *gin.Context) {
		_, addr, ok := s.bindClient(c)
		if !ok {
			return
		}
		s.call(c, func(ctx context.Context) error {
			return s.cfg.Table.RemoveClient(ctx, addr)
		}, gin.H{"status": "ok", "address": addr.String()})
	})

	admin.POST("/servers", func(c *gin.Context) {
		if !s.hasTable(c) {
			return
		}
		var req serverRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		iface, err := kernel.ParseInterface(req.Interface)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		var addr kernel.Address
		s.call(c, func(ctx context.Context) error {
			var err error
			addr, err = s.cfg.Table.AddServer(ctx, iface)
			return err
		}, nil)
		if !c.Writer.Written() {
			c.JSON(http.StatusOK, gin.H{"status": "ok", "address": addr.String()})
		}
	})
}

func (s *Server) hasTable(c *gin.Context) bool {
	if s.cfg.Table == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "socket pipeline not configured"})
		return false
	}
	return true
}

func (s *Server) bindClient(c *gin.Context) (clientRequest, kernel.Address, bool) {
	var req clientRequest
	if !s.hasTable(c) {
		return req, kernel.Address{}, false
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return req, kernel.Address{}, false
	}
	addr, err := kernel.ParseAddress(req.Address)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return req, kernel.Address{}, false
	}
	return req, addr, true
}

// call runs fn with the request timeout and writes ok, or the error with its
// status. A nil ok leaves the success response to the caller.
func (s *Server) call(c *gin.Context, fn func(ctx context.Context) error, ok gin.H) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), s.cfg.RequestTimeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	if ok != nil {
		c.JSON(http.StatusOK, ok)
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, socket.ErrClientNotFound), errors.Is(err, socket.ErrServerNotFound):
		return http.StatusNotFound
	case errors.Is(err, socket.ErrServerExists):
		return http.StatusConflict
	case errors.Is(err, socket.ErrSelfAddressed), errors.Is(err, socket.ErrNoMatchingServer):
		return http.StatusBadRequest
	case errors.Is(err, pipeline.ErrLoopStopped):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
