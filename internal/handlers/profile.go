package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shaalot/apiserver/internal/services"
	"github.com/shaalot/apiserver/types"
)

// selfReportable lists the activity kinds a user may report for themselves.
// Everything else is reported by moderators or trusted services.
var selfReportable = map[types.ActivityKind]bool{
	types.ActivityDailyVisit: true,
}

// ProfileHandler provides HTTP handlers for user profiles.
type ProfileHandler struct {
	profiles *services.ProfileService
	levels   *services.LevelResolver
}

func NewProfileHandler(profiles *services.ProfileService, levels *services.LevelResolver) *ProfileHandler {
	return &ProfileHandler{profiles: profiles, levels: levels}
}

// ProfileRouter registers profile routes. Every route requires auth.
func ProfileRouter(
	r chi.Router,
	profiles *services.ProfileService,
	levels *services.LevelResolver,
	authMiddleware func(http.Handler) http.Handler,
) {
	handler := NewProfileHandler(profiles, levels)

	r.Use(authMiddleware)
	r.Get("/me", handler.GetMe)
	r.Post("/me", handler.EnsureMe)
	r.Get("/me/progress", handler.GetMyProgress)
	r.Post("/me/activity", handler.RecordMyActivity)
	r.Route("/{uid}", func(r chi.Router) {
		r.Get("/", handler.GetProfile)
		r.With(RequireRole(profiles, types.RoleAdmin)).Post("/activity", handler.RecordActivity)
	})
}

// ActivityRequest reports one activity event.
type ActivityRequest struct {
	Kind types.ActivityKind `json:"kind" validate:"required"`
}

// ProfileProgressResponse pairs a profile with its level progress.
type ProfileProgressResponse struct {
	Profile  types.UserProfile      `json:"profile"`
	Progress services.LevelProgress `json:"progress"`
}

// EnsureMe reconciles the caller's profile from the token identity.
func (h *ProfileHandler) EnsureMe(w http.ResponseWriter, r *http.Request) {
	identity, ok := IdentityFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	profile, err := h.profiles.EnsureProfile(r.Context(), identity)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

func (h *ProfileHandler) GetMe(w http.ResponseWriter, r *http.Request) {
	identity, ok := IdentityFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	profile, err := h.profiles.Get(r.Context(), identity.UID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

func (h *ProfileHandler) GetMyProgress(w http.ResponseWriter, r *http.Request) {
	identity, ok := IdentityFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	profile, err := h.profiles.Get(r.Context(), identity.UID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ProfileProgressResponse{
		Profile:  profile,
		Progress: h.levels.Progress(profile.Stats.Points),
	})
}

func (h *ProfileHandler) RecordMyActivity(w http.ResponseWriter, r *http.Request) {
	identity, ok := IdentityFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req ActivityRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !selfReportable[req.Kind] {
		writeError(w, http.StatusForbidden, "activity cannot be self-reported")
		return
	}

	profile, err := h.profiles.RecordActivity(r.Context(), identity.UID, req.Kind)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

// RecordActivity applies an activity event to another user's stats.
func (h *ProfileHandler) RecordActivity(w http.ResponseWriter, r *http.Request) {
	var req ActivityRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	profile, err := h.profiles.RecordActivity(r.Context(), chi.URLParam(r, "uid"), req.Kind)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

func (h *ProfileHandler) GetProfile(w http.ResponseWriter, r *http.Request) {
	uid := strings.TrimSpace(chi.URLParam(r, "uid"))
	profile, err := h.profiles.Get(r.Context(), uid)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	caller, _ := IdentityFromContext(r.Context())
	if caller.UID != profile.UID {
		profile.Email = ""
	}
	writeJSON(w, http.StatusOK, profile)
}
