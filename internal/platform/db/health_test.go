package db

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func runHealth(t *testing.T, h echo.HandlerFunc) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/health/store", nil)
	rec := httptest.NewRecorder()
	if err := h(e.NewContext(req, rec)); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return rec, body
}

func TestHealthHandler_Healthy(t *testing.T) {
	h := HealthHandler(Check{
		Name:    "memory",
		Ping:    func(context.Context) error { return nil },
		Details: func() any { return map[string]int{"rows": 3} },
	})
	rec, body := runHealth(t, h)
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	if body["status"] != "healthy" {
		t.Errorf("expected healthy, got %v", body["status"])
	}
	checks := body["checks"].(map[string]any)
	mem := checks["memory"].(map[string]any)
	if mem["details"] == nil {
		t.Error("expected details in check output")
	}
}

func TestHealthHandler_Unhealthy(t *testing.T) {
	h := HealthHandler(
		Check{Name: "dynamodb", Ping: func(context.Context) error { return errors.New("no route to host") }},
		Check{Name: "cache"},
	)
	rec, body := runHealth(t, h)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", rec.Code)
	}
	checks := body["checks"].(map[string]any)
	ddb := checks["dynamodb"].(map[string]any)
	if ddb["error"] != "no route to host" {
		t.Errorf("expected error message, got %v", ddb["error"])
	}
	if checks["cache"].(map[string]any)["status"] != "healthy" {
		t.Error("check without ping should report healthy")
	}
}
