package fetch

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hazyhaar/spendwatch/horosafe"
	"github.com/hazyhaar/spendwatch/spending/internal/failure"
	"github.com/hazyhaar/spendwatch/spending/internal/repair"
)

// noopValidator allows all URLs (for tests that don't test SSRF).
func noopValidator(_ string) error { return nil }

func testConfig() Config {
	return Config{
		URLValidator: noopValidator,
		BaseBackoff:  time.Millisecond,
		HostRate:     1000,
		HostBurst:    100,
	}
}

func TestFetch_Success(t *testing.T) {
	// WHAT: basic GET returns body, hash and headers.
	body := "Date,Supplier,Amount\n"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("ETag", `"abc123"`)
		w.Header().Set("Content-Type", "text/csv")
		w.Write([]byte(body))
	}))
	defer srv.Close()

	f := New(testConfig())
	res, err := f.Fetch(context.Background(), srv.URL, "")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if string(res.Body) != body || res.ETag != `"abc123"` || res.ContentType != "text/csv" {
		t.Errorf("result = %+v", res)
	}
	if !res.Changed || res.Attempts != 1 {
		t.Errorf("changed=%v attempts=%d", res.Changed, res.Attempts)
	}
	h := sha256.Sum256([]byte(body))
	if res.Hash != fmt.Sprintf("%x", h) {
		t.Errorf("hash = %q", res.Hash)
	}

	again, err := f.Fetch(context.Background(), srv.URL, res.Hash)
	if err != nil {
		t.Fatal(err)
	}
	if again.Changed {
		t.Error("same hash should be unchanged")
	}
}

func TestFetch_RetriesTransient(t *testing.T) {
	// WHAT: two 503s then a 200 succeeds on the third attempt.
	// WHY: council servers flap; one bad response must not skip a month.
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	res, err := New(testConfig()).Fetch(context.Background(), srv.URL, "")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if res.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", res.Attempts)
	}
}

func TestFetch_GivesUpAfterAttempts(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := New(testConfig()).Fetch(context.Background(), srv.URL, "")
	if !errors.Is(err, failure.ErrSourceUnavailable) {
		t.Fatalf("err = %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
	if ClassOf(err) != repair.ClassTemporary {
		t.Errorf("class = %s", ClassOf(err))
	}
}

func TestFetch_NotFoundNotRetried(t *testing.T) {
	// WHAT: a 404 is recorded after one attempt.
	// WHY: retrying a deleted file wastes the council's time budget.
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.NotFound(w, r)
	}))
	defer srv.Close()

	_, err := New(testConfig()).Fetch(context.Background(), srv.URL, "")
	if ClassOf(err) != repair.ClassNotFound || calls.Load() != 1 {
		t.Fatalf("class=%s calls=%d", ClassOf(err), calls.Load())
	}
	var se *StatusError
	if !errors.As(err, &se) || se.Code != 404 {
		t.Errorf("status error = %v", err)
	}
}

func TestFetch_TimeoutNotRetried(t *testing.T) {
	// WHAT: a fetch past its timeout fails once as a timeout, not as an
	// unavailable source.
	// WHY: a timed-out council is skipped for the run and retried next run.
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.Timeout = 50 * time.Millisecond
	_, err := New(cfg).Fetch(context.Background(), srv.URL, "")
	if ClassOf(err) != repair.ClassTimeout {
		t.Fatalf("class = %s (%v)", ClassOf(err), err)
	}
	if !errors.Is(err, context.DeadlineExceeded) || errors.Is(err, failure.ErrSourceUnavailable) {
		t.Errorf("err = %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}

func TestFetch_MaxBytes(t *testing.T) {
	// WHAT: bodies over the cap fail without retry.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(strings.Repeat("x", 2048)))
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.MaxBytes = 1024
	_, err := New(cfg).Fetch(context.Background(), srv.URL, "")
	if !errors.Is(err, horosafe.ErrTooLarge) || !errors.Is(err, failure.ErrSourceUnavailable) {
		t.Fatalf("err = %v", err)
	}
}

func TestFetch_SSRFBlocked(t *testing.T) {
	// WHAT: the default validator refuses loopback endpoints.
	// WHY: registry endpoints come from scraped catalogs.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("request should not be sent")
	}))
	defer srv.Close()

	_, err := New(Config{}).Fetch(context.Background(), srv.URL, "")
	if !errors.Is(err, horosafe.ErrSSRF) || ClassOf(err) != repair.ClassBlocked {
		t.Fatalf("err = %v", err)
	}
}

func TestFetch_Observe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("x"))
	}))
	defer srv.Close()

	var outcomes []string
	cfg := testConfig()
	cfg.Observe = func(outcome string, _ time.Duration) { outcomes = append(outcomes, outcome) }
	f := New(cfg)
	res, _ := f.Fetch(context.Background(), srv.URL, "")
	f.Fetch(context.Background(), srv.URL, res.Hash)
	if strings.Join(outcomes, ",") != "ok,unchanged" {
		t.Errorf("outcomes = %v", outcomes)
	}
}

func TestProbe_SendsRange(t *testing.T) {
	// WHAT: probes ask for a byte range and read at most n bytes.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Range") != "bytes=0-15" {
			t.Errorf("range = %q", r.Header.Get("Range"))
		}
		w.Header().Set("Content-Type", "text/csv")
		w.Write([]byte(strings.Repeat("a", 100)))
	}))
	defer srv.Close()

	body, ct, err := New(testConfig()).Probe(context.Background(), srv.URL, 16)
	if err != nil {
		t.Fatal(err)
	}
	if len(body) != 16 || ct != "text/csv" {
		t.Errorf("len=%d ct=%q", len(body), ct)
	}
}
