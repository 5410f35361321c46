package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shaalot/apiserver/config"
	"github.com/shaalot/apiserver/internal/services"
)

// LevelHandler serves the level table. It needs no authentication.
type LevelHandler struct {
	levels *services.LevelResolver
}

func NewLevelHandler(levels *services.LevelResolver) *LevelHandler {
	return &LevelHandler{levels: levels}
}

// LevelRouter registers level routes on the given router.
func LevelRouter(r chi.Router, levels *services.LevelResolver) {
	handler := NewLevelHandler(levels)

	r.Get("/", handler.ListLevels)
	r.Get("/resolve", handler.Resolve)
}

// LevelListResponse is the level table payload.
type LevelListResponse struct {
	Items []config.LevelSpec `json:"items"`
}

func (h *LevelHandler) ListLevels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, LevelListResponse{Items: h.levels.Table()})
}

// Resolve reports the level and progress for ?points=N.
func (h *LevelHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	raw := strings.TrimSpace(r.URL.Query().Get("points"))
	if raw == "" {
		writeError(w, http.StatusBadRequest, "points is required")
		return
	}
	points, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid points")
		return
	}
	writeJSON(w, http.StatusOK, h.levels.Progress(points))
}
