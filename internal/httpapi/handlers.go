package httpapi

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"sync"
	"time"

	"qrattend.org/internal/attendance"
	"qrattend.org/internal/auth"
	"qrattend.org/internal/directory"
	"qrattend.org/internal/obs"
	"qrattend.org/internal/qr"
	"qrattend.org/internal/ratelimit"
	"qrattend.org/internal/stream"
)

const serviceName = "qrattend-api"

// Readiness - простая проверка готовности (ping БД и Redis).
type Readiness struct {
	DB     *sql.DB
	Checks []func(context.Context) error
}

func (rp Readiness) Check(ctx context.Context) error {
	if rp.DB != nil {
		if err := rp.DB.PingContext(ctx); err != nil {
			return err
		}
	}
	for _, check := range rp.Checks {
		if err := check(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Deps are the collaborators the HTTP layer serves.
type Deps struct {
	Service   *attendance.Service
	Directory *directory.Directory
	Signer    *auth.Signer
	Stream    *stream.Stream
	QR        *qr.Renderer

	// Limiter throttles login and redeem per client IP. Nil uses an in-process bucket.
	Limiter     ratelimit.Limiter
	SessionTTL  time.Duration
	CORSOrigins []string
}

// API - HTTP слой.
type API struct {
	mux        *http.ServeMux
	readiness  Readiness
	version    string

	svc        *attendance.Service
	dir        *directory.Directory
	signer     *auth.Signer
	stream     *stream.Stream
	qr         *qr.Renderer
	limiter    ratelimit.Limiter
	sessionTTL time.Duration
	origins    []string

	closing   chan struct{}
	closeOnce sync.Once
}

func New(rp Readiness, version string, deps Deps) (*API, error) {
	if deps.Service == nil || deps.Directory == nil || deps.Signer == nil {
		return nil, errors.New("httpapi: service, directory and signer are required")
	}
	a := &API{
		mux:        http.NewServeMux(),
		readiness:  rp,
		version:    version,
		svc:        deps.Service,
		dir:        deps.Directory,
		signer:     deps.Signer,
		stream:     deps.Stream,
		qr:         deps.QR,
		limiter:    deps.Limiter,
		sessionTTL: deps.SessionTTL,
		origins:    deps.CORSOrigins,
		closing:    make(chan struct{}),
	}
	if a.limiter == nil {
		a.limiter = ratelimit.NewLocal(ratelimit.Config{Burst: 10, PerSecond: 5})
	}
	if a.sessionTTL <= 0 {
		a.sessionTTL = 12 * time.Hour
	}

	// health/ready/info
	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)

	// Prometheus metrics
	a.mux.Handle("/metrics", obs.Handler())

	// login and redeem are public, so they are throttled
	a.mux.Handle("/v1/auth/login", LimitBy(a.limiter, http.HandlerFunc(a.handleLogin)))
	a.mux.Handle("/v1/qr/redeem", LimitBy(a.limiter, http.HandlerFunc(a.handleRedeem)))

	a.mux.HandleFunc("/v1/qr/tokens", a.handleTokens)
	a.mux.HandleFunc("/v1/qr/tokens/", a.handleTokenScoped)
	a.mux.HandleFunc("/v1/qr/events", a.Events)

	a.mux.HandleFunc("/v1/approvals", a.handleApprovals)
	a.mux.HandleFunc("/v1/approvals/", a.handleApprovalResolve)
	a.mux.HandleFunc("/v1/entries", a.handleEntries)
	a.mux.HandleFunc("/v1/entries/summary", a.handleSummary)
	a.mux.HandleFunc("/v1/entries/check-in", a.handleSelfRecord(attendance.ActionCheckIn))
	a.mux.HandleFunc("/v1/entries/check-out", a.handleSelfRecord(attendance.ActionCheckOut))

	// directory admin (Manager only)
	a.mux.Handle("/v1/users", RequireRole(directory.LevelManager.Role())(http.HandlerFunc(a.handleUsers)))
	a.mux.Handle("/v1/users/", RequireRole(directory.LevelManager.Role())(http.HandlerFunc(a.handleUserScoped)))
	a.mux.Handle("/v1/assignments/lead", RequireRole(directory.LevelManager.Role())(http.HandlerFunc(a.handleAssignLead)))
	a.mux.Handle("/v1/assignments/manager", RequireRole(directory.LevelManager.Role())(http.HandlerFunc(a.handleAssignManager)))

	// (опционально) корень - 404
	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "resource not found")
	})

	return a, nil
}

// CloseStreams ends open event streams and refuses new ones. It is meant for
// http.Server.RegisterOnShutdown, since Shutdown does not cancel request
// contexts.
func (a *API) CloseStreams() {
	a.closeOnce.Do(func() { close(a.closing) })
}

// Handler возвращает http.Handler для сервера со всей цепочкой middleware.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.withAuth(a.mux)
	h = MaxBodyBytes(h, 1<<20)
	h = CORS(a.origins)(h)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.readiness.Check(ctx); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	_, commit := obs.BuildInfo()
	writeJSON(w, http.StatusOK, map[string]any{
		"name":              serviceName,
		"time":              a.svc.Now().Format(time.RFC3339),
		"version":           a.version,
		"commit":            commit,
		"token_ttl_seconds": int(attendance.TokenTTL / time.Second),
	})
}
