package handler

import (
	"context"
	"net/http"
	"sort"

	"github.com/gin-gonic/gin"
)

// Pinger is a dependency the service needs before it takes traffic
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger
type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// HealthHandler handles health check HTTP requests
type HealthHandler struct {
	service    string
	components map[string]Pinger
}

// NewHealthHandler creates a new HealthHandler. Nil components are skipped.
func NewHealthHandler(service string, components map[string]Pinger) *HealthHandler {
	checked := make(map[string]Pinger, len(components))
	for name, p := range components {
		if p != nil {
			checked[name] = p
		}
	}
	return &HealthHandler{service: service, components: checked}
}

// Health returns basic health status
// GET /health
func (h *HealthHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": h.service,
	})
}

// Ready checks every component
// GET /ready
func (h *HealthHandler) Ready(c *gin.Context) {
	names := make([]string, 0, len(h.components))
	for name := range h.components {
		names = append(names, name)
	}
	sort.Strings(names)

	status := http.StatusOK
	checks := gin.H{}
	for _, name := range names {
		if err := h.components[name].Ping(c.Request.Context()); err != nil {
			status = http.StatusServiceUnavailable
			checks[name] = err.Error()
			continue
		}
		checks[name] = "connected"
	}

	state := "ready"
	if status != http.StatusOK {
		state = "not_ready"
	}
	c.JSON(status, gin.H{
		"status":     state,
		"service":    h.service,
		"components": checks,
	})
}
