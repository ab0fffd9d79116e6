// Package health exposes the Kubernetes-style liveness and readiness
// probes. Liveness is unconditional; readiness consults the gateway's
// critical dependencies.
package health

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/medatlas/collab-gateway/internal/v1/logging"
)

// Pinger is the dependency probe port; the Redis bus implements it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Check probes one named dependency.
type Check struct {
	Name  string
	Probe func(ctx context.Context) error
}

// Handler serves /health/live and /health/ready.
type Handler struct {
	checks  []Check
	timeout time.Duration
}

// NewHandler builds the probe handler. A nil bus means single-instance
// mode; the redis check then always reports healthy.
func NewHandler(bus Pinger, extra ...Check) *Handler {
	checks := []Check{{
		Name: "redis",
		Probe: func(ctx context.Context) error {
			if bus == nil {
				return nil
			}
			return bus.Ping(ctx)
		},
	}}
	checks = append(checks, extra...)
	return &Handler{checks: checks, timeout: 3 * time.Second}
}

// LivenessResponse is the liveness probe body.
type LivenessResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// ReadinessResponse is the readiness probe body.
type ReadinessResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

// Liveness handles GET /health/live. Returns 200 whenever the process can
// serve HTTP; no dependency checks.
func (h *Handler) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, LivenessResponse{
		Status:    "alive",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// Readiness handles GET /health/ready. Returns 200 only when every
// registered dependency probe passes, 503 otherwise.
func (h *Handler) Readiness(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
	defer cancel()

	results := make(map[string]string, len(h.checks))
	allHealthy := true
	for _, check := range h.checks {
		if err := check.Probe(ctx); err != nil {
			logging.Error(ctx, "Readiness check failed",
				zap.String("check", check.Name), zap.Error(err))
			results[check.Name] = "unhealthy"
			allHealthy = false
			continue
		}
		results[check.Name] = "healthy"
	}

	status := "ready"
	statusCode := http.StatusOK
	if !allHealthy {
		status = "unavailable"
		statusCode = http.StatusServiceUnavailable
	}

	c.JSON(statusCode, ReadinessResponse{
		Status:    status,
		Checks:    results,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}
