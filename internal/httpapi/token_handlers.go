package httpapi

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"qrattend.org/internal/attendance"
	"qrattend.org/internal/audit"
)

type issueRequest struct {
	Subject string `json:"subject" validate:"required,max=50"`
	Action  string `json:"action" validate:"required"`
}

type redeemRequest struct {
	Token  string `json:"token" validate:"required"`
	Member string `json:"member,omitempty" validate:"omitempty,max=50"`
}

type tokenView struct {
	attendance.Token
	ExpiresInSeconds int    `json:"expires_in_seconds"`
	QRPayload        string `json:"qr_payload,omitempty"`
	QRImage          string `json:"qr_image,omitempty"`
}

type issueResponse struct {
	tokenView
	Superseded []string `json:"superseded"`
}

func (a *API) viewToken(tok attendance.Token) tokenView {
	v := tokenView{
		Token:            tok,
		ExpiresInSeconds: int(tok.Remaining(a.svc.Now()) / time.Second),
	}
	if a.qr != nil && tok.Status == attendance.StatusPending {
		v.QRPayload = a.qr.Payload(tok.ID)
		v.QRImage = "/v1/qr/tokens/" + tok.ID + "/qr.png"
	}
	return v
}

func (a *API) handleTokens(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req issueRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	action, err := attendance.ParseAction(req.Action)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	issuer := currentUser(r)
	issued, err := a.svc.Issue(r.Context(), issuer, strings.TrimSpace(req.Subject), action)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "qr.token.issued", map[string]any{
		"subject":    issued.Token.Subject,
		"action":     string(issued.Token.Action),
		"expires_at": issued.Token.ExpiresAt.Format(time.RFC3339),
		"superseded": len(issued.Superseded),
	})

	superseded := issued.Superseded
	if superseded == nil {
		superseded = []string{}
	}
	w.Header().Set("Location", "/v1/qr/tokens/"+issued.Token.ID)
	writeJSON(w, http.StatusCreated, issueResponse{
		tokenView:  a.viewToken(issued.Token),
		Superseded: superseded,
	})
}

// handleTokenScoped serves /v1/qr/tokens/{token} and /v1/qr/tokens/{token}/qr.png.
func (a *API) handleTokenScoped(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/qr/tokens/"), "/")
	parts := strings.Split(path, "/")
	switch {
	case len(parts) == 1 && parts[0] != "":
		a.handleTokenStatus(w, r, parts[0])
	case len(parts) == 2 && parts[1] == "qr.png":
		a.handleTokenImage(w, r, parts[0])
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) handleTokenStatus(w http.ResponseWriter, r *http.Request, id string) {
	tok, err := a.svc.StatusAs(r.Context(), currentUser(r), id)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a.viewToken(tok))
}

func (a *API) handleTokenImage(w http.ResponseWriter, r *http.Request, id string) {
	if a.qr == nil {
		writeError(w, r, http.StatusServiceUnavailable, "qr rendering disabled")
		return
	}
	size, err := parsePositiveInt(r.URL.Query().Get("size"), "size", 256, 64, 1024)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	tok, err := a.svc.StatusAs(r.Context(), currentUser(r), id)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	if tok.Status != attendance.StatusPending {
		handleServiceError(w, r, &attendance.TokenNotPendingError{Status: tok.Status})
		return
	}
	png, err := a.qr.PNG(tok.ID, size)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Content-Length", strconv.Itoa(len(png)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(png)
}

func (a *API) handleRedeem(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req redeemRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	red, err := a.svc.Redeem(r.Context(), strings.TrimSpace(req.Token), attendance.RedeemContext{
		Member:     strings.TrimSpace(req.Member),
		RemoteAddr: clientIP(r),
	})
	if err != nil {
		kind, _ := attendance.KindOf(err)
		_ = audit.LogEvent(r.Context(), "qr.token.redeem_failed", map[string]any{
			"remote_ip": clientIP(r),
			"kind":      string(kind),
			"reason":    err.Error(),
		})
		handleServiceError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "qr.token.redeemed", map[string]any{
		"subject":   red.Subject,
		"issuer":    red.Issuer,
		"action":    string(red.Action),
		"entry_id":  red.EntryID,
		"remote_ip": clientIP(r),
	})
	writeJSON(w, http.StatusOK, red)
}
