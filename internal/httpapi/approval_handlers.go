package httpapi

import (
	"net/http"
	"strings"

	"qrattend.org/internal/attendance"
	"qrattend.org/internal/audit"
)

type resolveApprovalRequest struct {
	Decision string `json:"decision" validate:"required"`
	Notes    string `json:"notes,omitempty" validate:"max=500"`
}

func (a *API) handleApprovals(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	entries, err := a.svc.PendingApprovals(r.Context(), currentUser(r))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": entries})
}

func (a *API) handleApprovalResolve(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/approvals/"), "/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	var req resolveApprovalRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	decision, err := attendance.ParseDecision(req.Decision)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	entry, err := a.svc.ResolveApproval(r.Context(), currentUser(r), id, decision, req.Notes)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "attendance.entry.resolved", map[string]any{
		"entry_id": entry.ID,
		"subject":  entry.Subject,
		"decision": string(entry.ApprovalStatus),
	})
	writeJSON(w, http.StatusOK, entry)
}

func (a *API) handleEntries(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	q := r.URL.Query()
	limit, err := parsePositiveInt(q.Get("limit"), "limit", 100, 1, 100)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	viewer := currentUser(r)
	subject := strings.TrimSpace(q.Get("subject"))
	if subject == "" {
		subject = viewer
	}
	entries, err := a.svc.Entries(r.Context(), viewer, subject, limit)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"subject": subject,
		"items":   entries,
	})
}

// handleSelfRecord lets a lead or manager clock in or out without a token.
func (a *API) handleSelfRecord(action attendance.Action) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		record := a.svc.SelfCheckIn
		code := http.StatusCreated
		if action == attendance.ActionCheckOut {
			record = a.svc.SelfCheckOut
			code = http.StatusOK
		}
		entry, err := record(r.Context(), currentUser(r))
		if err != nil {
			handleServiceError(w, r, err)
			return
		}
		_ = audit.LogEvent(r.Context(), "attendance.entry.recorded", map[string]any{
			"entry_id": entry.ID,
			"action":   string(action),
		})
		writeJSON(w, code, entry)
	}
}

func (a *API) handleSummary(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	q := r.URL.Query()
	subject := strings.TrimSpace(q.Get("subject"))
	if subject == "" {
		writeError(w, r, http.StatusBadRequest, "subject is required")
		return
	}
	now := a.svc.Now()
	year, err := parsePositiveInt(q.Get("year"), "year", now.Year(), 1970, 9999)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	month, err := parsePositiveInt(q.Get("month"), "month", int(now.Month()), 1, 12)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	sum, err := a.svc.MonthlySummary(r.Context(), currentUser(r), subject, year, month)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	if sum.Days == nil {
		sum.Days = []attendance.DaySummary{}
	}
	writeJSON(w, http.StatusOK, sum)
}
