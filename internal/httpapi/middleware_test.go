package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"qrattend.org/internal/obs"
	"qrattend.org/internal/ratelimit"
)

type brokenLimiter struct{}

func (brokenLimiter) Allow(context.Context, string) (bool, time.Duration, error) {
	return false, 0, errors.New("redis: connection refused")
}

func newRedeemRequest(ip string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/v1/qr/redeem", strings.NewReader(`{"token":"x"}`))
	req.RemoteAddr = ip + ":40000"
	return req
}

func TestLimitByThrottlesRedeemPerClient(t *testing.T) {
	accepted := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	lim := ratelimit.NewLocal(ratelimit.Config{Burst: 2, PerSecond: 0.5})
	handler := RequestID(LimitBy(lim, accepted))

	for i := 0; i < 2; i++ {
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, newRedeemRequest("10.0.0.1"))
		if rr.Code != http.StatusOK {
			t.Fatalf("scan %d: expected 200, got %d", i+1, rr.Code)
		}
	}

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, newRedeemRequest("10.0.0.1"))
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after burst, got %d", rr.Code)
	}
	if got := rr.Header().Get("Retry-After"); got != "2" {
		t.Fatalf("expected Retry-After 2, got %q", got)
	}
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode rate limit body: %v", err)
	}
	if body["error"] != "rate limit exceeded" || body["request_id"] == "" || body["request_id"] == nil {
		t.Fatalf("unexpected body: %v", body)
	}

	// another scanner device has its own bucket
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, newRedeemRequest("10.0.0.2"))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected other client to pass, got %d", rr.Code)
	}

	// first X-Forwarded-For hop is the client key
	req := newRedeemRequest("10.0.0.2")
	req.Header.Set("X-Forwarded-For", "10.0.0.1, 10.0.0.2")
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected forwarded client to be throttled, got %d", rr.Code)
	}
}

func TestLimitByFailsOpenWhenLimiterDown(t *testing.T) {
	handler := LimitBy(brokenLimiter{}, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, newRedeemRequest("10.0.0.9"))
	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected redeem to pass through, got %d", rr.Code)
	}
}

func TestLoggingJSONCanonicalizesTokenPaths(t *testing.T) {
	logger := obs.Logger()
	origWriter := logger.Writer()
	logger.SetFlags(0)

	var buf bytes.Buffer
	logger.SetOutput(&buf)
	defer logger.SetOutput(origWriter)

	handler := RequestID(LoggingJSON(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGone)
	})))

	req := httptest.NewRequest(http.MethodGet, "/v1/qr/tokens/abcDEF123/qr.png", nil)
	req.Header.Set("User-Agent", "scanner/1.0")
	req.Header.Set("X-Request-ID", "req-42")
	req.RemoteAddr = "127.0.0.1:1234"

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	line := strings.TrimSpace(buf.String())
	if line == "" {
		t.Fatal("expected log line")
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		t.Fatalf("log is not valid JSON: %v", err)
	}
	for _, key := range []string{"ts", "level", "msg", "request_id", "method", "path", "status", "duration_ms", "user_agent"} {
		if _, ok := entry[key]; !ok {
			t.Fatalf("expected key %q in log entry", key)
		}
	}
	if entry["msg"] != "request_complete" || entry["request_id"] != "req-42" {
		t.Fatalf("unexpected entry: %v", entry)
	}
	if entry["path"] != "/v1/qr/tokens/:token/qr.png" {
		t.Fatalf("token id leaked into log path: %v", entry["path"])
	}
	if entry["status"] != float64(http.StatusGone) {
		t.Fatalf("unexpected status: %v", entry["status"])
	}
	if rr.Header().Get("X-Request-ID") != "req-42" {
		t.Fatalf("expected request id echoed, got %q", rr.Header().Get("X-Request-ID"))
	}
}

func TestSecurityHeadersAllowOwnQRImages(t *testing.T) {
	handler := SecurityHeaders(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/qr/tokens/x/qr.png", nil))

	csp := rr.Header().Get("Content-Security-Policy")
	if !strings.Contains(csp, "img-src 'self' data:") || !strings.Contains(csp, "frame-ancestors 'none'") {
		t.Fatalf("unexpected CSP: %q", csp)
	}
	if rr.Header().Get("Cache-Control") != "no-store" {
		t.Fatal("token responses must not be cached")
	}
}
