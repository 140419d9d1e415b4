package httpapi

import (
	"net/http"
	"strings"

	"qrattend.org/internal/audit"
	"qrattend.org/internal/directory"
)

type createUserRequest struct {
	Username    string `json:"username" validate:"required,max=50"`
	DisplayName string `json:"display_name,omitempty" validate:"max=100"`
	Email       string `json:"email,omitempty" validate:"omitempty,email"`
	Password    string `json:"password,omitempty"`
	Level       string `json:"user_level" validate:"required"`
}

type assignLeadRequest struct {
	Lead   string `json:"lead" validate:"required"`
	Member string `json:"member" validate:"required"`
}

type assignManagerRequest struct {
	Manager string `json:"manager" validate:"required"`
	Lead    string `json:"lead" validate:"required"`
}

func (a *API) handleUsers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req createUserRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	level, err := directory.ParseLevel(req.Level)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	user, err := a.dir.Register(r.Context(), directory.RegisterInput{
		Username:    req.Username,
		DisplayName: req.DisplayName,
		Email:       req.Email,
		Password:    req.Password,
		Level:       level,
	})
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "directory.user.create", map[string]any{
		"username": user.Username,
		"level":    string(user.Level),
	})
	w.Header().Set("Location", "/v1/users/"+user.Username)
	writeJSON(w, http.StatusCreated, user)
}

func (a *API) handleUserScoped(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	parts := strings.Split(strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/users/"), "/"), "/")
	switch {
	case len(parts) == 1 && parts[0] != "":
		user, err := a.dir.User(r.Context(), parts[0])
		if err != nil {
			handleServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, user)
	case len(parts) == 2 && parts[1] == "team":
		team, err := a.dir.Team(r.Context(), parts[0])
		if err != nil {
			handleServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"username": parts[0],
			"items":    team,
		})
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) handleAssignLead(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req assignLeadRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.dir.AssignMember(r.Context(), req.Lead, req.Member); err != nil {
		handleServiceError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "directory.assignment.lead", map[string]any{
		"lead":   req.Lead,
		"member": req.Member,
	})
	writeJSON(w, http.StatusOK, req)
}

func (a *API) handleAssignManager(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req assignManagerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.dir.AssignLead(r.Context(), req.Manager, req.Lead); err != nil {
		handleServiceError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "directory.assignment.manager", map[string]any{
		"manager": req.Manager,
		"lead":    req.Lead,
	})
	writeJSON(w, http.StatusOK, req)
}
