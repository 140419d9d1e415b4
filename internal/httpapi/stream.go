package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"qrattend.org/internal/attendance"
	"qrattend.org/internal/stream"
)

const keepAliveInterval = 25 * time.Second

// Events streams token resolution events (Server-Sent Events) to the issuer.
// ?token= narrows the stream to a single token the caller may view.
func (a *API) Events(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if a.stream == nil {
		writeError(w, r, http.StatusServiceUnavailable, "streaming disabled")
		return
	}

	select {
	case <-a.closing:
		writeError(w, r, http.StatusServiceUnavailable, "server is shutting down")
		return
	default:
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	user := currentUser(r)
	filter := stream.ForIssuer(user)
	if id := strings.TrimSpace(r.URL.Query().Get("token")); id != "" {
		if _, err := a.svc.StatusAs(r.Context(), user, id); err != nil {
			handleServiceError(w, r, err)
			return
		}
		filter = stream.ForToken(id)
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	ch := a.stream.Subscribe(ctx, filter)

	// Send an initial comment to establish the stream
	_, _ = w.Write([]byte(": stream started\n\n"))
	flusher.Flush()

	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-a.closing:
			_, _ = w.Write([]byte("event: shutdown\ndata: {}\n\n"))
			flusher.Flush()
			return
		case <-ticker.C:
			_, _ = w.Write([]byte(": ping\n\n"))
			flusher.Flush()
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if err := writeEvent(w, evt); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, evt attendance.Event) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return nil
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Type, payload)
	return err
}
