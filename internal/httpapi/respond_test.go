package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"qrattend.org/internal/attendance"
	"qrattend.org/internal/directory"
)

func TestHandleServiceErrorMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		code int
		kind string
	}{
		{"authorization", &attendance.AuthorizationError{Actor: "a", Subject: "b"}, http.StatusForbidden, "authorization"},
		{"not found", &attendance.NotFoundError{Resource: "token", ID: "x"}, http.StatusNotFound, "not_found"},
		{"not pending", &attendance.TokenNotPendingError{Status: attendance.StatusUsed}, http.StatusConflict, "token_not_pending"},
		{"expired", &attendance.TokenExpiredError{ExpiresAt: time.Unix(0, 0)}, http.StatusGone, "token_expired"},
		{"precondition", &attendance.PreconditionError{Action: attendance.ActionCheckIn, Reason: "open"}, http.StatusUnprocessableEntity, "precondition"},
		{"invalid", fmt.Errorf("%w: bad", attendance.ErrInvalidInput), http.StatusBadRequest, "invalid_input"},
		{"directory invalid", fmt.Errorf("%w: bad", directory.ErrInvalidInput), http.StatusBadRequest, "invalid_input"},
		{"conflict", directory.ErrConflict, http.StatusConflict, "conflict"},
		{"credentials", directory.ErrInvalidCredentials, http.StatusUnauthorized, ""},
		{"internal", errors.New("boom"), http.StatusInternalServerError, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			handleServiceError(rr, httptest.NewRequest(http.MethodGet, "/x", nil), tc.err)
			if rr.Code != tc.code {
				t.Fatalf("expected %d, got %d", tc.code, rr.Code)
			}
			var body map[string]any
			if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if tc.kind != "" && body["kind"] != tc.kind {
				t.Fatalf("expected kind %q, got %v", tc.kind, body["kind"])
			}
		})
	}
}

func TestInternalErrorsAreNotLeaked(t *testing.T) {
	rr := httptest.NewRecorder()
	handleServiceError(rr, httptest.NewRequest(http.MethodGet, "/x", nil), errors.New("pq: password authentication failed"))
	var body map[string]any
	_ = json.Unmarshal(rr.Body.Bytes(), &body)
	if body["error"] != "internal error" {
		t.Fatalf("unexpected body: %v", body)
	}
}

func TestCORSAllowList(t *testing.T) {
	h := CORS([]string{"https://attend.example.com/"})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for origin, allowed := range map[string]bool{
		"https://attend.example.com": true,
		"http://localhost:5173":      true,
		"https://evil.example.com":   false,
	} {
		req := httptest.NewRequest(http.MethodOptions, "/v1/qr/tokens", nil)
		req.Header.Set("Origin", origin)
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		if rr.Code != http.StatusNoContent {
			t.Fatalf("preflight: expected 204, got %d", rr.Code)
		}
		got := rr.Header().Get("Access-Control-Allow-Origin") == origin
		if got != allowed {
			t.Fatalf("origin %s: allowed=%v, want %v", origin, got, allowed)
		}
	}
}
