package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func decodeReport(t *testing.T, rec *httptest.ResponseRecorder) report {
	t.Helper()
	var body report
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return body
}

func TestHealthz_AlwaysOK(t *testing.T) {
	h := New(Checker{Name: "archive", Check: func(context.Context) error {
		return errors.New("connection refused")
	}})

	rec := httptest.NewRecorder()
	h.Healthz(rec, httptest.NewRequest("GET", "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got := rec.Header().Get("Content-Type"); got != "application/json; charset=utf-8" {
		t.Fatalf("Content-Type = %q", got)
	}
	if body := decodeReport(t, rec); body.Status != "ok" {
		t.Fatalf("status field = %q, want ok", body.Status)
	}
}

func TestReadyz_AllDependenciesUp(t *testing.T) {
	h := New(
		Checker{Name: "archive", Check: func(context.Context) error { return nil }},
		Checker{Name: "providers", Check: func(context.Context) error { return nil }},
	)

	rec := httptest.NewRecorder()
	h.Readyz(rec, httptest.NewRequest("GET", "/readyz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := decodeReport(t, rec)
	if body.Status != "ok" {
		t.Fatalf("status field = %q, want ok", body.Status)
	}
	for _, name := range []string{"archive", "providers"} {
		check, ok := body.Checks[name]
		if !ok || check.Status != "ok" {
			t.Fatalf("check %q = %+v, want ok", name, check)
		}
		if check.Elapsed == "" {
			t.Fatalf("check %q missing elapsed time", name)
		}
	}
}

func TestReadyz_OneDependencyDown(t *testing.T) {
	h := New(
		Checker{Name: "archive", Check: func(context.Context) error {
			return errors.New("connection refused")
		}},
		Checker{Name: "providers", Check: func(context.Context) error { return nil }},
	)

	rec := httptest.NewRecorder()
	h.Readyz(rec, httptest.NewRequest("GET", "/readyz", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	body := decodeReport(t, rec)
	if body.Status != "fail" {
		t.Fatalf("status field = %q, want fail", body.Status)
	}
	if got := body.Checks["archive"]; got.Status != "fail" || got.Error != "connection refused" {
		t.Fatalf("archive check = %+v", got)
	}
	if got := body.Checks["providers"]; got.Status != "ok" {
		t.Fatalf("providers check = %+v, want ok", got)
	}
}

func TestReadyz_NoCheckers(t *testing.T) {
	h := New()

	rec := httptest.NewRecorder()
	h.Readyz(rec, httptest.NewRequest("GET", "/readyz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if body := decodeReport(t, rec); body.Status != "ok" {
		t.Fatalf("status field = %q, want ok", body.Status)
	}
}

func TestReadyz_ChecksRunConcurrently(t *testing.T) {
	// Each check waits until both have started; sequential execution would
	// deadlock until the per-check timeouts fire.
	var started atomic.Int32
	bothStarted := make(chan struct{})
	gate := func(ctx context.Context) error {
		if started.Add(1) == 2 {
			close(bothStarted)
		}
		select {
		case <-bothStarted:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	h := New(
		Checker{Name: "archive", Check: gate},
		Checker{Name: "providers", Check: gate},
	)

	rec := httptest.NewRecorder()
	h.Readyz(rec, httptest.NewRequest("GET", "/readyz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (checks did not overlap)", rec.Code)
	}
}

func TestReadyz_RespectsRequestCancellation(t *testing.T) {
	h := New(Checker{Name: "slow", Check: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rec := httptest.NewRecorder()
	h.Readyz(rec, httptest.NewRequest("GET", "/readyz", nil).WithContext(ctx))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}

func TestRegister_MountsBothRoutes(t *testing.T) {
	h := New(Checker{Name: "archive", Check: func(context.Context) error { return nil }})
	mux := http.NewServeMux()
	h.Register(mux)

	for _, path := range []string{"/healthz", "/readyz"} {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest("GET", path, nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("GET %s = %d, want 200", path, rec.Code)
		}
	}
}
