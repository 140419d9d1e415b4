package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"qrattend.org/internal/attendance"
	"qrattend.org/internal/directory"
	"qrattend.org/internal/obs"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// report json names, not Go field names
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	writeErrorBody(w, r, code, map[string]any{"error": msg})
}

func writeErrorBody(w http.ResponseWriter, r *http.Request, code int, payload map[string]any) {
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}

// handleServiceError maps attendance and directory failures onto HTTP statuses.
func handleServiceError(w http.ResponseWriter, r *http.Request, err error) {
	if kind, ok := attendance.KindOf(err); ok {
		payload := map[string]any{"error": err.Error(), "kind": string(kind)}
		code := http.StatusInternalServerError
		switch kind {
		case attendance.KindAuthorization:
			code = http.StatusForbidden
		case attendance.KindNotFound:
			code = http.StatusNotFound
		case attendance.KindTokenNotPending:
			code = http.StatusConflict
			var np *attendance.TokenNotPendingError
			if errors.As(err, &np) {
				payload["status"] = np.Status
			}
		case attendance.KindTokenExpired:
			code = http.StatusGone
			var te *attendance.TokenExpiredError
			if errors.As(err, &te) {
				payload["expires_at"] = te.ExpiresAt
			}
		case attendance.KindPrecondition:
			code = http.StatusUnprocessableEntity
			var pe *attendance.PreconditionError
			if errors.As(err, &pe) {
				payload["open_entries"] = pe.OpenEntries
			}
		}
		writeErrorBody(w, r, code, payload)
		return
	}

	switch {
	case errors.Is(err, attendance.ErrInvalidInput), errors.Is(err, directory.ErrInvalidInput):
		writeErrorBody(w, r, http.StatusBadRequest, map[string]any{"error": err.Error(), "kind": "invalid_input"})
	case errors.Is(err, attendance.ErrNotFound), errors.Is(err, directory.ErrNotFound):
		writeErrorBody(w, r, http.StatusNotFound, map[string]any{"error": err.Error(), "kind": string(attendance.KindNotFound)})
	case errors.Is(err, directory.ErrConflict), errors.Is(err, attendance.ErrConflict):
		writeErrorBody(w, r, http.StatusConflict, map[string]any{"error": err.Error(), "kind": "conflict"})
	case errors.Is(err, directory.ErrInvalidCredentials):
		writeError(w, r, http.StatusUnauthorized, "invalid credentials")
	case errors.Is(err, directory.ErrLoginNotAllowed):
		writeErrorBody(w, r, http.StatusForbidden, map[string]any{"error": err.Error(), "kind": string(attendance.KindAuthorization)})
	default:
		obs.Error("request_failed", map[string]any{
			"request_id": RequestIDFromContext(r.Context()),
			"path":       obs.CanonicalPath(r.URL.Path),
			"error":      err.Error(),
		})
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

// decodeJSON reads exactly one JSON object and validates it.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return validationError(validate.Struct(dst))
}

func validationError(err error) error {
	if err == nil {
		return nil
	}
	var ve validator.ValidationErrors
	if !errors.As(err, &ve) {
		return err
	}
	msgs := make([]string, 0, len(ve))
	for _, fe := range ve {
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, fmt.Sprintf("%s is required", fe.Field()))
		case "oneof":
			msgs = append(msgs, fmt.Sprintf("%s must be one of [%s]", fe.Field(), fe.Param()))
		default:
			msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
		}
	}
	return errors.New(strings.Join(msgs, "; "))
}

func parsePositiveInt(raw, name string, def, min, max int) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return def, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer", name)
	}
	if val < min || val > max {
		return 0, fmt.Errorf("%s must be between %d and %d", name, min, max)
	}
	return val, nil
}
