package dashboard

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"optflow/config"
	"optflow/internal/channel"
	"optflow/internal/engine"
	"optflow/logger"
	"optflow/models"
)

type fakeView struct {
	view engine.View
}

func (f *fakeView) View() engine.View { return f.view }

type fakeStats struct {
	stats channel.Stats
}

func (f *fakeStats) GetStats() channel.Stats { return f.stats }

type fakeControl struct {
	calls       int
	fromMs      int64
	toMs        int64
	instruments []string
}

func (f *fakeControl) StartManualBackfill(_ context.Context, fromMs, toMs int64, instruments []string) {
	f.calls++
	f.fromMs = fromMs
	f.toMs = toMs
	f.instruments = instruments
}

func TestNormalizeAddress(t *testing.T) {
	cases := map[string]string{
		"":                               "0.0.0.0:8080",
		"  :9090  ":                      "0.0.0.0:9090",
		"localhost":                      "localhost:8080",
		"0.0.0.0:80":                     "0.0.0.0:80",
		"[::1]:443":                      "[::1]:443",
		"::1":                            "[::1]:8080",
		"*:8080":                         "0.0.0.0:8080",
		"http://13.200.112.203:8080":     "13.200.112.203:8080",
		"https://13.200.112.203":         "13.200.112.203:8080",
		"http://:7070":                   "0.0.0.0:7070",
		"tcp://localhost:5050":           "localhost:5050",
		"https://dashboard.example.com/": "dashboard.example.com:8080",
	}

	for input, want := range cases {
		if got := normalizeAddress(input); got != want {
			t.Fatalf("normalizeAddress(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestNewServerNormalizesConfiguredAddress(t *testing.T) {
	cfg := config.DashboardConfig{Enabled: true, Address: ":9000"}
	log := logger.New()

	srv, err := NewServer(cfg, log, &fakeView{}, &fakeStats{}, &fakeControl{})
	if err != nil {
		t.Fatalf("NewServer returned error: %v", err)
	}
	if srv == nil {
		t.Fatal("expected dashboard server, got nil")
	}
	if got := srv.Address(); got != "0.0.0.0:9000" {
		t.Fatalf("server address = %q, want %q", got, "0.0.0.0:9000")
	}
	srv.cleanup()
}

func TestNewServerDisabledReturnsNil(t *testing.T) {
	srv, err := NewServer(config.DashboardConfig{Enabled: false}, logger.New(), &fakeView{}, &fakeStats{}, &fakeControl{})
	if err != nil {
		t.Fatalf("NewServer returned error: %v", err)
	}
	if srv != nil {
		t.Fatal("expected nil server when disabled")
	}
}

func TestSignalsEndpointServesView(t *testing.T) {
	view := &fakeView{view: engine.View{
		UpdatedMs: 1756500000000,
		BigUnit:   50,
		Signals: []models.Signal{{
			ID:           "sig-1",
			ExpiryMs:     1774598400000,
			IsCall:       true,
			CenterStrike: 90000,
			Direction:    1,
			ResidualQty:  300,
			TradeCount:   3,
		}},
	}}
	stats := &fakeStats{stats: channel.Stats{TradesSent: 7}}

	srv, err := NewServer(config.DashboardConfig{Enabled: true, Address: ":0"}, logger.New(), view, stats, &fakeControl{})
	if err != nil {
		t.Fatalf("NewServer returned error: %v", err)
	}
	defer srv.cleanup()

	router, err := srv.buildRouter()
	if err != nil {
		t.Fatalf("buildRouter returned error: %v", err)
	}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/signals", nil)
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{`"sig-1"`, `"center_strike":90000`, `"updated_ms":1756500000000`} {
		if !strings.Contains(body, want) {
			t.Errorf("response missing %s: %s", want, body)
		}
	}

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/api/channels", nil)
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"trades_sent":7`) {
		t.Fatalf("unexpected channels response: %d %s", rec.Code, rec.Body.String())
	}
}

func TestBackfillEndpointSchedulesReplay(t *testing.T) {
	control := &fakeControl{}
	srv, err := NewServer(config.DashboardConfig{Enabled: true, Address: ":0"}, logger.New(), &fakeView{}, &fakeStats{}, control)
	if err != nil {
		t.Fatalf("NewServer returned error: %v", err)
	}
	defer srv.cleanup()

	router, err := srv.buildRouter()
	if err != nil {
		t.Fatalf("buildRouter returned error: %v", err)
	}

	body := `{"from_ms": 1756400000000, "to_ms": 1756500000000, "instruments": ["BTC-27MAR26-90000-C"]}`
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/backfill", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if control.calls != 1 {
		t.Fatalf("control calls = %d, want 1", control.calls)
	}
	if control.fromMs != 1756400000000 || control.toMs != 1756500000000 {
		t.Fatalf("range = [%d, %d)", control.fromMs, control.toMs)
	}
	if len(control.instruments) != 1 || control.instruments[0] != "BTC-27MAR26-90000-C" {
		t.Fatalf("instruments = %v", control.instruments)
	}
}

func TestBackfillEndpointRejectsInvertedRange(t *testing.T) {
	control := &fakeControl{}
	srv, err := NewServer(config.DashboardConfig{Enabled: true, Address: ":0"}, logger.New(), &fakeView{}, &fakeStats{}, control)
	if err != nil {
		t.Fatalf("NewServer returned error: %v", err)
	}
	defer srv.cleanup()

	router, err := srv.buildRouter()
	if err != nil {
		t.Fatalf("buildRouter returned error: %v", err)
	}

	body := `{"from_ms": 1756500000000, "to_ms": 1756400000000}`
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/backfill", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if control.calls != 0 {
		t.Fatal("inverted range reached the engine")
	}
}
