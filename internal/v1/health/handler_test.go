package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubPinger struct {
	err error
}

func (s *stubPinger) Ping(_ context.Context) error { return s.err }

func runProbe(handler *Handler, path string, probe func(*gin.Context)) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest("GET", path, nil)
	probe(c)
	return w
}

func TestLiveness(t *testing.T) {
	gin.SetMode(gin.TestMode)

	handler := NewHandler(nil)
	w := runProbe(handler, "/health/live", handler.Liveness)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "alive")
	assert.Contains(t, w.Body.String(), "timestamp")
}

func TestReadiness_NilBus(t *testing.T) {
	gin.SetMode(gin.TestMode)

	// Single-instance mode: no Redis bus, redis check reports healthy.
	handler := NewHandler(nil)
	w := runProbe(handler, "/health/ready", handler.Readiness)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "ready")
	assert.Contains(t, w.Body.String(), `"redis":"healthy"`)
}

func TestReadiness_HealthyBus(t *testing.T) {
	gin.SetMode(gin.TestMode)

	handler := NewHandler(&stubPinger{})
	w := runProbe(handler, "/health/ready", handler.Readiness)

	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, "status")
	assert.Contains(t, body, "checks")
	assert.Contains(t, body, "timestamp")
	assert.Contains(t, body, `"redis":"healthy"`)
}

func TestReadiness_UnhealthyBus(t *testing.T) {
	gin.SetMode(gin.TestMode)

	handler := NewHandler(&stubPinger{err: errors.New("connection refused")})
	w := runProbe(handler, "/health/ready", handler.Readiness)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "unavailable")
	assert.Contains(t, w.Body.String(), `"redis":"unhealthy"`)
}

func TestReadiness_ExtraChecks(t *testing.T) {
	gin.SetMode(gin.TestMode)

	handler := NewHandler(&stubPinger{}, Check{
		Name:  "resource_api",
		Probe: func(_ context.Context) error { return errors.New("503") },
	})
	w := runProbe(handler, "/health/ready", handler.Readiness)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, `"redis":"healthy"`)
	assert.Contains(t, body, `"resource_api":"unhealthy"`)
}

func TestLiveness_IgnoresDependencies(t *testing.T) {
	gin.SetMode(gin.TestMode)

	handler := NewHandler(&stubPinger{err: errors.New("down")})
	w := runProbe(handler, "/health/live", handler.Liveness)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "alive")
}
