package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resetHealth() {
	healthChecker = newHealthChecker()
}

func TestUpdateComponent(t *testing.T) {
	resetHealth()

	UpdateComponent(ComponentStore, true, "open")
	UpdateComponent(ComponentStore, false, "closed")

	comp := healthChecker.components[ComponentStore]
	assert.False(t, comp.Healthy)
	assert.Equal(t, "closed", comp.Message)
	assert.Len(t, healthChecker.components, 1)
}

func TestGetHealth(t *testing.T) {
	resetHealth()
	SetVersion("1.0.0")

	UpdateComponent(ComponentStore, true, "")
	UpdateComponent(ComponentRouter, true, "")

	health := GetHealth()
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "1.0.0", health.Version)
	assert.Len(t, health.Components, 2)

	UpdateComponent(ComponentRouter, false, "listener closed")
	health = GetHealth()
	assert.Equal(t, "unhealthy", health.Status)
	assert.Equal(t, "unhealthy: listener closed", health.Components[ComponentRouter])
}

func TestGetReadiness(t *testing.T) {
	tests := []struct {
		name     string
		setup    func()
		expected string
		message  string
	}{
		{
			name: "all critical ready",
			setup: func() {
				UpdateComponent(ComponentStore, true, "")
				UpdateComponent(ComponentControlPlane, true, "")
				UpdateComponent(ComponentRouter, true, "")
			},
			expected: "ready",
		},
		{
			name: "critical component missing",
			setup: func() {
				UpdateComponent(ComponentStore, true, "")
				UpdateComponent(ComponentControlPlane, true, "")
			},
			expected: "not_ready",
			message:  "waiting for router initialization",
		},
		{
			name: "critical component unhealthy",
			setup: func() {
				UpdateComponent(ComponentStore, false, "locked")
				UpdateComponent(ComponentControlPlane, true, "")
				UpdateComponent(ComponentRouter, true, "")
			},
			expected: "not_ready",
			message:  "waiting for store",
		},
		{
			name: "non-critical component ignored",
			setup: func() {
				UpdateComponent(ComponentStore, true, "")
				UpdateComponent(ComponentControlPlane, true, "")
				UpdateComponent(ComponentRouter, true, "")
				UpdateComponent(ComponentWatcher, false, "gone")
			},
			expected: "ready",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resetHealth()
			tt.setup()

			readiness := GetReadiness()
			assert.Equal(t, tt.expected, readiness.Status)
			assert.Equal(t, tt.message, readiness.Message)
		})
	}
}

func TestSetCriticalComponents(t *testing.T) {
	resetHealth()
	SetCriticalComponents(ComponentAPI)

	assert.Equal(t, "not_ready", GetReadiness().Status)
	UpdateComponent(ComponentAPI, true, "")
	assert.Equal(t, "ready", GetReadiness().Status)
}

func TestHandlers(t *testing.T) {
	resetHealth()
	UpdateComponent(ComponentStore, true, "")

	rec := httptest.NewRecorder()
	HealthHandler()(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var health HealthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "healthy", health.Status)

	rec = httptest.NewRecorder()
	ReadyHandler()(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	UpdateComponent(ComponentStore, false, "closed")
	rec = httptest.NewRecorder()
	HealthHandler()(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = httptest.NewRecorder()
	LivenessHandler()(rec, httptest.NewRequest(http.MethodGet, "/live", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"alive"`)
}
