package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func resetHealthChecker(critical ...string) {
	if len(critical) == 0 {
		critical = []string{"kvstore", "engine", "proxy"}
	}
	healthChecker = &HealthChecker{
		components:         make(map[string]ComponentHealth),
		startTime:          time.Now(),
		criticalComponents: critical,
	}
}

func TestRegisterComponent(t *testing.T) {
	resetHealthChecker()

	RegisterComponent("web", true, "running")

	if len(healthChecker.components) != 1 {
		t.Errorf("expected 1 component, got %d", len(healthChecker.components))
	}

	comp := healthChecker.components["web"]
	if !comp.Healthy {
		t.Error("component should be healthy")
	}

	if comp.Message != "running" {
		t.Errorf("expected message 'running', got '%s'", comp.Message)
	}
}

func TestGetHealth_AllHealthy(t *testing.T) {
	resetHealthChecker()
	healthChecker.version = "1.0.0"

	RegisterComponent("kvstore", true, "")
	RegisterComponent("web", true, "ready")

	health := GetHealth()

	if health.Status != "healthy" {
		t.Errorf("expected status 'healthy', got '%s'", health.Status)
	}

	if len(health.Components) != 2 {
		t.Errorf("expected 2 components, got %d", len(health.Components))
	}

	if health.Version != "1.0.0" {
		t.Errorf("expected version '1.0.0', got '%s'", health.Version)
	}
}

// A non-critical gantry component (one the Collector registers from its
// own rollout state, not one of the three startup dependencies) failing
// degrades the report; it does not flip it to unhealthy.
func TestGetHealth_ComponentFailureDegrades(t *testing.T) {
	resetHealthChecker()

	RegisterComponent("kvstore", true, "")
	RegisterComponent("engine", true, "")
	RegisterComponent("proxy", true, "")
	RegisterComponent("web", false, "pullfail")

	health := GetHealth()

	if health.Status != "degraded" {
		t.Errorf("expected status 'degraded', got '%s'", health.Status)
	}

	if health.Components["web"] != "unhealthy: pullfail" {
		t.Errorf("unexpected web status: %s", health.Components["web"])
	}
}

func TestGetHealth_CriticalComponentFailureIsUnhealthy(t *testing.T) {
	resetHealthChecker()

	RegisterComponent("kvstore", false, "not connected")
	RegisterComponent("web", true, "")

	health := GetHealth()

	if health.Status != "unhealthy" {
		t.Errorf("expected status 'unhealthy', got '%s'", health.Status)
	}

	if health.Components["kvstore"] != "unhealthy: not connected" {
		t.Errorf("unexpected kvstore status: %s", health.Components["kvstore"])
	}
}

// A critical failure alongside a non-critical one still reports
// unhealthy, not degraded: unhealthy always wins.
func TestGetHealth_CriticalFailureOutranksDegraded(t *testing.T) {
	resetHealthChecker()

	RegisterComponent("web", false, "pullfail")
	RegisterComponent("kvstore", false, "leader not elected")

	health := GetHealth()

	if health.Status != "unhealthy" {
		t.Errorf("expected status 'unhealthy', got '%s'", health.Status)
	}
}

func TestGetReadiness_AllReady(t *testing.T) {
	resetHealthChecker()

	RegisterComponent("kvstore", true, "")
	RegisterComponent("engine", true, "")
	RegisterComponent("proxy", true, "")

	readiness := GetReadiness()

	if readiness.Status != "ready" {
		t.Errorf("expected status 'ready', got '%s'", readiness.Status)
	}
}

// GetReadiness only gates on the critical set; a failing or missing
// gantry component does not block readiness.
func TestGetReadiness_IgnoresNonCriticalComponent(t *testing.T) {
	resetHealthChecker()

	RegisterComponent("kvstore", true, "")
	RegisterComponent("engine", true, "")
	RegisterComponent("proxy", true, "")
	RegisterComponent("web", false, "pullfail")

	readiness := GetReadiness()

	if readiness.Status != "ready" {
		t.Errorf("expected status 'ready', got '%s'", readiness.Status)
	}
}

func TestGetReadiness_MissingCriticalComponent(t *testing.T) {
	resetHealthChecker()

	RegisterComponent("engine", true, "")
	RegisterComponent("proxy", true, "")
	// kvstore not registered

	readiness := GetReadiness()

	if readiness.Status != "not_ready" {
		t.Errorf("expected status 'not_ready', got '%s'", readiness.Status)
	}

	if readiness.Message == "" {
		t.Error("expected message explaining why not ready")
	}
}

func TestGetReadiness_CriticalComponentUnhealthy(t *testing.T) {
	resetHealthChecker()

	RegisterComponent("kvstore", false, "leader not elected")
	RegisterComponent("engine", true, "")
	RegisterComponent("proxy", true, "")

	readiness := GetReadiness()

	if readiness.Status != "not_ready" {
		t.Errorf("expected status 'not_ready', got '%s'", readiness.Status)
	}
}

func TestSetCriticalComponents(t *testing.T) {
	resetHealthChecker("kvstore")

	RegisterComponent("kvstore", true, "")
	RegisterComponent("engine", false, "down")

	// engine isn't in the (overridden) critical set, so readiness
	// doesn't care about it.
	if readiness := GetReadiness(); readiness.Status != "ready" {
		t.Errorf("expected status 'ready', got '%s'", readiness.Status)
	}

	SetCriticalComponents([]string{"kvstore", "engine"})

	if readiness := GetReadiness(); readiness.Status != "not_ready" {
		t.Errorf("expected status 'not_ready' after widening critical set, got '%s'", readiness.Status)
	}
}

func TestHealthHandler(t *testing.T) {
	resetHealthChecker()
	healthChecker.version = "test"

	RegisterComponent("kvstore", true, "")

	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()

	handler := HealthHandler()
	handler(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", w.Code)
	}

	var health HealthStatus
	if err := json.NewDecoder(w.Body).Decode(&health); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	if health.Status != "healthy" {
		t.Errorf("expected healthy status, got %s", health.Status)
	}

	if health.Version != "test" {
		t.Errorf("expected version 'test', got %s", health.Version)
	}
}

func TestHealthHandler_Unhealthy(t *testing.T) {
	resetHealthChecker()

	RegisterComponent("kvstore", false, "broken")

	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()

	handler := HealthHandler()
	handler(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status 503, got %d", w.Code)
	}

	var health HealthStatus
	if err := json.NewDecoder(w.Body).Decode(&health); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	if health.Status != "unhealthy" {
		t.Errorf("expected unhealthy status, got %s", health.Status)
	}
}

// A degraded (non-critical failure) report still returns 200: only an
// unhealthy critical dependency trips HealthHandler's 503.
func TestHealthHandler_DegradedStillReturns200(t *testing.T) {
	resetHealthChecker()

	RegisterComponent("kvstore", true, "")
	RegisterComponent("web", false, "pullfail")

	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()

	handler := HealthHandler()
	handler(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected status 200 for a degraded report, got %d", w.Code)
	}

	var health HealthStatus
	if err := json.NewDecoder(w.Body).Decode(&health); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	if health.Status != "degraded" {
		t.Errorf("expected degraded status, got %s", health.Status)
	}
}

func TestReadyHandler(t *testing.T) {
	resetHealthChecker()

	RegisterComponent("kvstore", true, "")
	RegisterComponent("engine", true, "")
	RegisterComponent("proxy", true, "")

	req := httptest.NewRequest("GET", "/ready", nil)
	w := httptest.NewRecorder()

	handler := ReadyHandler()
	handler(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", w.Code)
	}

	var readiness HealthStatus
	if err := json.NewDecoder(w.Body).Decode(&readiness); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	if readiness.Status != "ready" {
		t.Errorf("expected ready status, got %s", readiness.Status)
	}
}

func TestReadyHandler_NotReady(t *testing.T) {
	resetHealthChecker()

	RegisterComponent("engine", true, "")
	// kvstore not registered

	req := httptest.NewRequest("GET", "/ready", nil)
	w := httptest.NewRecorder()

	handler := ReadyHandler()
	handler(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status 503, got %d", w.Code)
	}

	var readiness HealthStatus
	if err := json.NewDecoder(w.Body).Decode(&readiness); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	if readiness.Status != "not_ready" {
		t.Errorf("expected not_ready status, got %s", readiness.Status)
	}
}

func TestLivenessHandler(t *testing.T) {
	resetHealthChecker()

	req := httptest.NewRequest("GET", "/live", nil)
	w := httptest.NewRecorder()

	handler := LivenessHandler()
	handler(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", w.Code)
	}

	var response map[string]string
	if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	if response["status"] != "alive" {
		t.Errorf("expected status 'alive', got '%s'", response["status"])
	}

	if response["uptime"] == "" {
		t.Error("uptime should not be empty")
	}
}

func TestUpdateComponent(t *testing.T) {
	resetHealthChecker()

	RegisterComponent("web", true, "ok")
	UpdateComponent("web", false, "error")

	comp := healthChecker.components["web"]
	if comp.Healthy {
		t.Error("component should be unhealthy after update")
	}

	if comp.Message != "error" {
		t.Errorf("expected message 'error', got '%s'", comp.Message)
	}
}
