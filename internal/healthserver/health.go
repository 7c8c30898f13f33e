// Package healthserver exposes the gin-based /healthz, /readyz, /metrics
// surface scheduler nodes serve, grounded on the teacher's
// internal/queue/worker.Worker.HealthHandler (liveness always 200, readiness
// backed by an internal flag flipped on shutdown, Prometheus mounted via
// promhttp.Handler).
package healthserver

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ReadinessCheck reports whether a dependency is reachable. Implemented by
// thin Ping wrappers around the postgres pool and the Redis client.
type ReadinessCheck func(ctx context.Context) error

type Server struct {
	checks []ReadinessCheck

	mu      sync.RWMutex
	draining bool
}

func New(checks ...ReadinessCheck) *Server {
	return &Server{checks: checks}
}

// Drain flips readiness off, for graceful-shutdown draining.
func (s *Server) Drain() {
	s.mu.Lock()
	s.draining = true
	s.mu.Unlock()
}

func (s *Server) Handler(reg *prometheus.Registry) http.Handler {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	r.GET("/readyz", func(c *gin.Context) {
		s.mu.RLock()
		draining := s.draining
		s.mu.RUnlock()
		if draining {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "draining"})
			return
		}

		ctx, cancel := context.WithTimeout(c.Request.Context(), time.Second)
		defer cancel()
		for _, check := range s.checks {
			if err := check(ctx); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "error": err.Error()})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})

	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))

	return r
}
