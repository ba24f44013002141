package debugsrv

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"tumbler/internal/storage"
	logx "tumbler/pkg/logx"
)

type fakeHistory struct {
	recs []storage.Record
	err  error
}

func (f fakeHistory) Recent(_ context.Context, limit int) ([]storage.Record, error) {
	if f.err != nil {
		return nil, f.err
	}
	if limit < len(f.recs) {
		return f.recs[:limit], nil
	}
	return f.recs, nil
}

func newTestHandler(t *testing.T, token string, hist HistorySource) http.Handler {
	t.Helper()
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "tumbler_test_total", Help: "test"})
	reg.MustRegister(c)
	c.Inc()
	s := New(Config{}, Deps{Gatherer: reg, History: hist, Status: func() any { return map[string]int{"use_count": 2} }}, logx.Nop())
	return s.Handler(token)
}

func get(t *testing.T, h http.Handler, target string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestAuth(t *testing.T) {
	t.Parallel()
	h := newTestHandler(t, "s3cret", nil)
	cases := []struct {
		name   string
		target string
		header map[string]string
		want   int
	}{
		{"no token", "/healthz", nil, http.StatusUnauthorized},
		{"bad query token", "/healthz?token=nope", nil, http.StatusUnauthorized},
		{"query token", "/healthz?token=s3cret", nil, http.StatusOK},
		{"bearer", "/healthz", map[string]string{"Authorization": "Bearer s3cret"}, http.StatusOK},
		{"wrong bearer", "/healthz", map[string]string{"Authorization": "Bearer x"}, http.StatusUnauthorized},
	}
	for _, tc := range cases {
		if got := get(t, h, tc.target, tc.header).Code; got != tc.want {
			t.Fatalf("%s: status = %d, want %d", tc.name, got, tc.want)
		}
	}
}

func TestMetricsAndStatus(t *testing.T) {
	t.Parallel()
	h := newTestHandler(t, "", nil)
	rec := get(t, h, "/metrics", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "tumbler_test_total 1") {
		t.Fatalf("metrics = %d %q", rec.Code, rec.Body.String())
	}
	rec = get(t, h, "/debug/status", nil)
	var st map[string]int
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil || st["use_count"] != 2 {
		t.Fatalf("status = %q, %v", rec.Body.String(), err)
	}
}

func TestHistoryEndpoint(t *testing.T) {
	t.Parallel()
	recs := []storage.Record{{Handle: 3, Scheduler: "foreground"}, {Handle: 2}, {Handle: 1}}

	if got := get(t, newTestHandler(t, "", nil), "/debug/history", nil).Code; got != http.StatusNotFound {
		t.Fatalf("disabled history status = %d", got)
	}

	h := newTestHandler(t, "", fakeHistory{recs: recs})
	rec := get(t, h, "/debug/history?limit=2", nil)
	var out []storage.Record
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v (%q)", err, rec.Body.String())
	}
	if len(out) != 2 || out[0].Handle != 3 {
		t.Fatalf("history = %+v", out)
	}
	if got := get(t, h, "/debug/history?limit=zero", nil).Code; got != http.StatusBadRequest {
		t.Fatalf("bad limit status = %d", got)
	}

	failing := newTestHandler(t, "", fakeHistory{err: errors.New("db locked")})
	if got := get(t, failing, "/debug/history", nil).Code; got != http.StatusInternalServerError {
		t.Fatalf("failing history status = %d", got)
	}
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()
	cases := map[string]bool{
		"127.0.0.1:6061": true,
		"[::1]:6061":     true,
		"localhost:80":   true,
		":6061":          false,
		"0.0.0.0:6061":   false,
		"10.0.0.5:6061":  false,
		"garbage":        false,
	}
	for addr, want := range cases {
		if got := isLoopbackAddr(addr); got != want {
			t.Fatalf("isLoopbackAddr(%q) = %v", addr, got)
		}
	}
}

func TestServerLifecycle(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, Deps{}, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	var addr string
	deadline := time.Now().Add(5 * time.Second)
	for addr == "" && time.Now().Before(deadline) {
		addr = s.Addr()
		time.Sleep(10 * time.Millisecond)
	}
	if addr == "" {
		t.Fatalf("server never bound")
	}
	resp, err := http.Get("http://" + addr + "/healthz")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(body) != "ok" {
		t.Fatalf("body = %q", body)
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer stopCancel()
	s.Reconfigure(stopCtx, Config{Enabled: false})
	if s.Enabled() || s.Addr() != "" {
		t.Fatalf("server still running after disable")
	}
}
