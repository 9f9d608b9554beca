package http

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"harvester/internal/config"
	"harvester/internal/session"
	"harvester/internal/store"
)

func testServer(t *testing.T, withSessions bool) *Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	deps := Deps{
		Config: &config.Config{},
		Store:  &store.Store{},
		Logger: logger,
	}
	if withSessions {
		deps.Sessions = session.NewManager(session.Config{}, logger)
	}
	return NewServer(deps)
}

func TestHealthzShallow(t *testing.T) {
	srv := testServer(t, false)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	resp, err := srv.App().Test(req, -1)
	if err != nil {
		t.Fatalf("app.Test error: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv := testServer(t, false)
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	resp, err := srv.App().Test(req, -1)
	if err != nil {
		t.Fatalf("app.Test error: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "harvester_http_requests_total") {
		t.Fatalf("metrics export missing counters:\n%s", body)
	}
}

func TestJobCreate_MalformedJSON(t *testing.T) {
	srv := testServer(t, false)
	req := httptest.NewRequest(http.MethodPost, "/v1/jobs", strings.NewReader("{not json"))
	req.Header.Set("Content-Type", "application/json")
	resp, err := srv.App().Test(req, -1)
	if err != nil {
		t.Fatalf("app.Test error: %v", err)
	}
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestJobCreate_InvalidTargetURL(t *testing.T) {
	srv := testServer(t, false)
	body := `{"target_url":"ftp://example.com/x","fields":["name"]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/jobs", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	resp, err := srv.App().Test(req, -1)
	if err != nil {
		t.Fatalf("app.Test error: %v", err)
	}
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	payload, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(payload), "JOB_INVALID") {
		t.Fatalf("expected JOB_INVALID code, got %s", payload)
	}
}

func TestJobCreate_ListModeRequiresListConfig(t *testing.T) {
	srv := testServer(t, false)
	body := `{"target_url":"https://example.com/items","fields":["name"],"crawl_mode":"list"}`
	req := httptest.NewRequest(http.MethodPost, "/v1/jobs", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	resp, err := srv.App().Test(req, -1)
	if err != nil {
		t.Fatalf("app.Test error: %v", err)
	}
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestJobDetail_InvalidID(t *testing.T) {
	srv := testServer(t, false)
	req := httptest.NewRequest(http.MethodGet, "/v1/jobs/not-a-uuid", nil)
	resp, err := srv.App().Test(req, -1)
	if err != nil {
		t.Fatalf("app.Test error: %v", err)
	}
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestRunCancel_InvalidID(t *testing.T) {
	srv := testServer(t, false)
	req := httptest.NewRequest(http.MethodPost, "/v1/runs/xyz/cancel", nil)
	resp, err := srv.App().Test(req, -1)
	if err != nil {
		t.Fatalf("app.Test error: %v", err)
	}
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestSessionStats(t *testing.T) {
	srv := testServer(t, true)
	req := httptest.NewRequest(http.MethodGet, "/v1/sessions/stats", nil)
	resp, err := srv.App().Test(req, -1)
	if err != nil {
		t.Fatalf("app.Test error: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "captcha_rate") {
		t.Fatalf("stats payload missing fields: %s", body)
	}
}

func TestSessionStats_DisabledWithoutPool(t *testing.T) {
	srv := testServer(t, false)
	req := httptest.NewRequest(http.MethodGet, "/v1/sessions/stats", nil)
	resp, err := srv.App().Test(req, -1)
	if err != nil {
		t.Fatalf("app.Test error: %v", err)
	}
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.StatusCode)
	}
}

func TestEventStream_DisabledWithoutRedis(t *testing.T) {
	srv := testServer(t, false)
	req := httptest.NewRequest(http.MethodGet, "/v1/events/stream", nil)
	resp, err := srv.App().Test(req, -1)
	if err != nil {
		t.Fatalf("app.Test error: %v", err)
	}
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.StatusCode)
	}
}
