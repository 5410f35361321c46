package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shaalot/apiserver/internal/services"
	"github.com/shaalot/apiserver/types"
)

// NotificationHandler serves the caller's notifications.
type NotificationHandler struct {
	notifications *services.NotificationService
}

func NewNotificationHandler(notifications *services.NotificationService) *NotificationHandler {
	return &NotificationHandler{notifications: notifications}
}

// NotificationRouter registers notification routes. Every route requires auth.
func NotificationRouter(r chi.Router, notifications *services.NotificationService, authMiddleware func(http.Handler) http.Handler) {
	handler := NewNotificationHandler(notifications)

	r.Use(authMiddleware)
	r.Get("/", handler.List)
	r.Post("/", handler.Notify)
	r.Get("/unread-count", handler.UnreadCount)
	r.Post("/{notificationID}/read", handler.MarkRead)
}

// NotifyRequest is the payload for POST /notifications. The sender is the
// caller.
type NotifyRequest struct {
	RecipientUID string                 `json:"recipientUid" validate:"required"`
	Type         types.NotificationType `json:"type" validate:"required,oneof=info warning success error"`
	Title        string                 `json:"title" validate:"required,max=200"`
	Message      string                 `json:"message" validate:"required,max=4000"`
}

// NotificationListResponse wraps a list of notifications.
type NotificationListResponse struct {
	Items []types.SystemNotification `json:"items"`
}

// UnreadCountResponse carries the unread badge count.
type UnreadCountResponse struct {
	Unread int `json:"unread"`
}

func (h *NotificationHandler) List(w http.ResponseWriter, r *http.Request) {
	identity, ok := IdentityFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	unreadOnly, err := parseOptionalBool(r.URL.Query().Get("unread"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid unread")
		return
	}
	limit, err := parseOptionalInt(r.URL.Query().Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}

	items, err := h.notifications.ListForRecipient(r.Context(), identity.UID, unreadOnly, limit)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if items == nil {
		items = []types.SystemNotification{}
	}
	writeJSON(w, http.StatusOK, NotificationListResponse{Items: items})
}

func (h *NotificationHandler) UnreadCount(w http.ResponseWriter, r *http.Request) {
	identity, ok := IdentityFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	count, err := h.notifications.UnreadCount(r.Context(), identity.UID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, UnreadCountResponse{Unread: count})
}

func (h *NotificationHandler) Notify(w http.ResponseWriter, r *http.Request) {
	identity, ok := IdentityFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req NotifyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	notification, err := h.notifications.Notify(r.Context(), services.NotifyRequest{
		RecipientUID: req.RecipientUID,
		Type:         req.Type,
		Title:        req.Title,
		Message:      req.Message,
		SenderUID:    identity.UID,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, notification)
}

func (h *NotificationHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	identity, ok := IdentityFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	if err := h.notifications.MarkRead(r.Context(), chi.URLParam(r, "notificationID"), identity.UID); err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
