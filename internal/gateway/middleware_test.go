package gateway

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestInstrumentRequestID(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	tests := []struct {
		name   string
		header string
		keep   bool
	}{
		{"generated", "", false},
		{"propagated", "req-123", true},
		{"too long replaced", strings.Repeat("x", 200), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, _ := http.NewRequest(http.MethodGet, env.http.URL+"/healthz", nil)
			if tt.header != "" {
				req.Header.Set(requestIDHeader, tt.header)
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatal(err)
			}
			resp.Body.Close()

			got := resp.Header.Get(requestIDHeader)
			if got == "" {
				t.Fatal("missing request id header")
			}
			if tt.keep && got != tt.header {
				t.Errorf("request id = %q, want %q", got, tt.header)
			}
			if !tt.keep && got == tt.header {
				t.Errorf("request id %q should have been replaced", got)
			}
		})
	}
}

func TestInstrumentRecoversPanics(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	handler := env.server.instrument(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/explode", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("body %q: %v", rec.Body.String(), err)
	}
	if body["error"] != "internal server error" {
		t.Errorf("body = %v", body)
	}
}

func TestInstrumentRecordsRouteMetrics(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	getJSON(t, env.http.URL+"/api/health", nil)
	resp, err := http.Get(env.http.URL + "/no/such/route")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	resp, err = http.Get(env.http.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	text := string(raw)

	for _, want := range []string{
		"malhub_http_requests_total",
		`path="GET /api/health"`,
		`path="unmatched"`,
	} {
		if !strings.Contains(text, want) {
			t.Errorf("metrics output missing %s", want)
		}
	}
	if strings.Contains(text, `path="/no/such/route"`) {
		t.Error("raw paths must not become metric labels")
	}
}

func TestMetricsDisabled(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	srv, err := NewServer(Options{Runner: env.runner, Logger: discardLogger()})
	if err != nil {
		t.Fatal(err)
	}
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	if code := getJSON(t, ts.URL+"/healthz", nil); code != http.StatusOK {
		t.Errorf("healthz = %d", code)
	}
	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("metrics without a registry = %d, want 404", resp.StatusCode)
	}
}
