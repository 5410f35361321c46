package handlers

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shaalot/apiserver/internal/services"
	"github.com/shaalot/apiserver/types"
)

const dateLayout = "2006-01-02"

// AdminHandler provides the moderation and audit endpoints.
type AdminHandler struct {
	audit   *services.AuditService
	queries *services.AuditQueryService
}

func NewAdminHandler(audit *services.AuditService, queries *services.AuditQueryService) *AdminHandler {
	return &AdminHandler{audit: audit, queries: queries}
}

// AdminRouter registers /admin routes. Recording is open to any
// authenticated caller because the audit service authorizes against the
// stored role; reading the log requires admin.
func AdminRouter(
	r chi.Router,
	audit *services.AuditService,
	queries *services.AuditQueryService,
	profiles ProfileGetter,
	authMiddleware func(http.Handler) http.Handler,
) {
	handler := NewAdminHandler(audit, queries)
	requireAdmin := RequireRole(profiles, types.RoleAdmin)

	r.Use(authMiddleware)
	r.Route("/actions", func(r chi.Router) {
		r.Post("/", handler.RecordAction)
		r.With(requireAdmin).Get("/", handler.QueryActions)
		r.With(requireAdmin).Post("/export", handler.ExportActions)
		r.With(requireAdmin).Get("/exports", handler.ListExports)
		r.With(requireAdmin).Get("/exports/*", handler.DownloadExport)
		r.With(requireAdmin).Delete("/exports/*", handler.DeleteExport)
		r.With(requireAdmin).Get("/{actionID}", handler.GetAction)
	})
}

// RecordActionRequest is the payload for POST /admin/actions.
type RecordActionRequest struct {
	ActionType types.ActionType `json:"actionType" validate:"required"`
	TargetUID  string           `json:"targetUid"`
	Reason     string           `json:"reason" validate:"required,max=2000"`
	Details    map[string]any   `json:"details"`
	NewRole    types.Role       `json:"newRole"`
	Notify     bool             `json:"notify"`
}

// ActionListResponse is one page of audit records.
type ActionListResponse struct {
	Items      []types.AdminActionLog `json:"items"`
	NextCursor string                 `json:"nextCursor,omitempty"`
}

func (h *AdminHandler) RecordAction(w http.ResponseWriter, r *http.Request) {
	identity, ok := IdentityFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req RecordActionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	record, err := h.audit.RecordAction(r.Context(), services.RecordActionRequest{
		ActionType: req.ActionType,
		AdminUID:   identity.UID,
		TargetUID:  req.TargetUID,
		Reason:     req.Reason,
		Details:    req.Details,
		NewRole:    req.NewRole,
		Notify:     req.Notify,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, record)
}

func (h *AdminHandler) GetAction(w http.ResponseWriter, r *http.Request) {
	record, err := h.audit.GetAction(r.Context(), chi.URLParam(r, "actionID"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (h *AdminHandler) QueryActions(w http.ResponseWriter, r *http.Request) {
	filter, err := parseActionFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	stream, err := h.queries.QueryActions(r.Context(), filter)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	items, err := stream.Collect()
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	resp := ActionListResponse{Items: items}
	if cursor := stream.NextCursor(); cursor != nil {
		resp.NextCursor = encodeCursor(*cursor)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *AdminHandler) ExportActions(w http.ResponseWriter, r *http.Request) {
	filter, err := parseActionFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := h.queries.Export(r.Context(), filter)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (h *AdminHandler) ListExports(w http.ResponseWriter, r *http.Request) {
	objects, err := h.queries.ListExports(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": objects})
}

func (h *AdminHandler) DownloadExport(w http.ResponseWriter, r *http.Request) {
	key := exportKeyParam(r)
	reader, err := h.queries.OpenExport(r.Context(), key)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	defer reader.Close()

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Content-Disposition", `attachment; filename="`+path.Base(key)+`"`)
	w.WriteHeader(http.StatusOK)
	_, _ = io.Copy(w, reader)
}

func (h *AdminHandler) DeleteExport(w http.ResponseWriter, r *http.Request) {
	if err := h.queries.DeleteExport(r.Context(), exportKeyParam(r)); err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func exportKeyParam(r *http.Request) string {
	return "audit-exports/" + strings.TrimPrefix(chi.URLParam(r, "*"), "/")
}

// parseActionFilter reads the audit filter from query parameters. Dates are
// RFC 3339 timestamps or plain dates; a plain endDate covers the whole day.
func parseActionFilter(r *http.Request) (types.ActionLogFilter, error) {
	q := r.URL.Query()
	var filter types.ActionLogFilter

	if v := strings.TrimSpace(q.Get("actionType")); v != "" {
		actionType := types.ActionType(v)
		filter.ActionType = &actionType
	}
	if v := strings.TrimSpace(q.Get("adminUid")); v != "" {
		filter.AdminUID = &v
	}
	if v := strings.TrimSpace(q.Get("targetUid")); v != "" {
		filter.TargetUID = &v
	}
	if v := strings.TrimSpace(q.Get("startDate")); v != "" {
		start, _, err := parseDate(v)
		if err != nil {
			return filter, errors.New("invalid startDate")
		}
		filter.StartDate = &start
	}
	if v := strings.TrimSpace(q.Get("endDate")); v != "" {
		end, dateOnly, err := parseDate(v)
		if err != nil {
			return filter, errors.New("invalid endDate")
		}
		if dateOnly {
			end = end.Add(24*time.Hour - time.Microsecond)
		}
		filter.EndDate = &end
	}
	if v := strings.TrimSpace(q.Get("limit")); v != "" {
		limit, err := parseOptionalInt(v)
		if err != nil {
			return filter, errors.New("invalid limit")
		}
		filter.Limit = &limit
	}
	if v := strings.TrimSpace(q.Get("cursor")); v != "" {
		cursor, err := decodeCursor(v)
		if err != nil {
			return filter, errors.New("invalid cursor")
		}
		filter.After = &cursor
	}
	return filter, nil
}

func parseDate(value string) (time.Time, bool, error) {
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t.UTC(), false, nil
	}
	t, err := time.Parse(dateLayout, value)
	if err != nil {
		return time.Time{}, false, err
	}
	return t, true, nil
}

func encodeCursor(cursor types.ActionCursor) string {
	data, _ := json.Marshal(cursor)
	return base64.RawURLEncoding.EncodeToString(data)
}

func decodeCursor(value string) (types.ActionCursor, error) {
	data, err := base64.RawURLEncoding.DecodeString(value)
	if err != nil {
		return types.ActionCursor{}, err
	}
	var cursor types.ActionCursor
	if err := json.Unmarshal(data, &cursor); err != nil {
		return types.ActionCursor{}, err
	}
	if cursor.ID == "" || cursor.Timestamp.IsZero() {
		return types.ActionCursor{}, errors.New("incomplete cursor")
	}
	return cursor, nil
}
