package audit

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
)

// Session credentials carrying the caller's role.
const (
	RoleCookie = "fieldsync_role"
	RoleHeader = "X-Fieldsync-Role"
)

// DefaultPageSize is used when the request has no limit.
const DefaultPageSize = 100

// Handler serves GET /api/audit.
type Handler struct {
	service *Service
}

// NewHandler creates an audit HTTP handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RoleFromRequest reads the caller's role from the session cookie, falling
// back to the role header for non-browser clients.
func RoleFromRequest(r *http.Request) string {
	if c, err := r.Cookie(RoleCookie); err == nil && c.Value != "" {
		return c.Value
	}
	return r.Header.Get(RoleHeader)
}

// ServeHTTP answers {"data": [...]} or {"error": "..."}.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	role := RoleFromRequest(r)
	if err := h.service.Authorize(role); err != nil {
		writeError(w, err)
		return
	}

	params := r.URL.Query()
	req := Request{Role: role, Limit: DefaultPageSize}

	if v := strings.TrimSpace(params.Get("taskId")); v != "" {
		req.TaskID = &v
	}
	if v := params.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be an integer"})
			return
		}
		req.Limit = n
	}
	if v := params.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "offset must be an integer"})
			return
		}
		req.Offset = n
	}

	entries, err := h.service.ListAudit(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": entries})
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrForbidden):
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "role not permitted to read the audit trail"})
	case errors.Is(err, ErrUnauthorized):
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "role required"})
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
