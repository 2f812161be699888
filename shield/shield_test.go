package shield

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hazyhaar/spendwatch/kit"
)

func TestDefaultAPIStack_Headers(t *testing.T) {
	// WHAT: the stack sets security headers and a request id.
	// WHY: every API response must carry nosniff and a traceable id.
	var gotID string
	var h http.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotID = kit.GetRequestID(r.Context())
		w.WriteHeader(http.StatusOK)
	})
	stack := DefaultAPIStack(nil)
	for i := len(stack) - 1; i >= 0; i-- {
		h = stack[i](h)
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodHead, "/api/councils", nil))

	if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Fatal("missing nosniff header")
	}
	if gotID == "" || rec.Header().Get("X-Request-ID") != gotID {
		t.Fatalf("request id: ctx=%q header=%q", gotID, rec.Header().Get("X-Request-ID"))
	}
}

func TestRequestID_ReusesInbound(t *testing.T) {
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "abc123")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if got := rec.Header().Get("X-Request-ID"); got != "abc123" {
		t.Fatalf("X-Request-ID = %q", got)
	}
}

func TestHeadToGet(t *testing.T) {
	var method string
	h := HeadToGet(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { method = r.Method }))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodHead, "/", nil))
	if method != http.MethodGet {
		t.Fatalf("method = %s", method)
	}
}

func TestRateLimiter_Blocks(t *testing.T) {
	// WHAT: burst of 2 lets two requests through, then 429.
	// WHY: the public query API must not be hammered by one client.
	rl := NewRateLimiter(0.001, 2)
	h := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	codes := make([]int, 3)
	for i := range codes {
		req := httptest.NewRequest(http.MethodGet, "/api/payments", nil)
		req.RemoteAddr = "203.0.113.7:5555"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		codes[i] = rec.Code
	}
	if codes[0] != 200 || codes[1] != 200 || codes[2] != http.StatusTooManyRequests {
		t.Fatalf("codes = %v", codes)
	}

	other := httptest.NewRequest(http.MethodGet, "/api/payments", nil)
	other.RemoteAddr = "198.51.100.1:1"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, other)
	if rec.Code != 200 {
		t.Fatalf("other client blocked: %d", rec.Code)
	}
}

func TestRateLimiter_GC(t *testing.T) {
	rl := NewRateLimiter(1, 1)
	rl.Allow("a")
	rl.GC(-1)
	if len(rl.buckets) != 0 {
		t.Fatalf("buckets after GC: %d", len(rl.buckets))
	}
}
