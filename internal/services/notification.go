package services

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shaalot/apiserver/internal/calendar"
	"github.com/shaalot/apiserver/types"
	"github.com/sirupsen/logrus"
)

const (
	defaultNotificationLimit = 50
	maxNotificationLimit     = 200
)

// NotificationRepository defines persistence operations for notifications.
type NotificationRepository interface {
	Create(ctx context.Context, notification types.SystemNotification) error
	Get(ctx context.Context, id string) (types.SystemNotification, error)
	MarkRead(ctx context.Context, id, recipientUID string) error
	ListByRecipient(ctx context.Context, recipientUID string, unreadOnly bool, limit int) ([]types.SystemNotification, error)
	CountUnread(ctx context.Context, recipientUID string) (int, error)
}

// ProfileReader is the read side of the profile store.
type ProfileReader interface {
	Get(ctx context.Context, uid string) (types.UserProfile, error)
}

// Publisher sends broker messages. *mq.MQ satisfies it.
type Publisher interface {
	Publish(ctx context.Context, channel string, data []byte, attrs map[string]string) (string, error)
}

// NotificationService persists user notifications and announces them to the
// delivery workers over the broker.
type NotificationService struct {
	repo      NotificationRepository
	profiles  ProfileReader
	calendar  calendar.Calendar
	publisher Publisher
	channel   string
	opts      Options
}

// NewNotificationService wires the dispatcher. publisher may be nil, in
// which case notifications are stored but not announced.
func NewNotificationService(
	repo NotificationRepository,
	profiles ProfileReader,
	cal calendar.Calendar,
	publisher Publisher,
	channel string,
	opts Options,
) *NotificationService {
	return &NotificationService{
		repo:      repo,
		profiles:  profiles,
		calendar:  cal,
		publisher: publisher,
		channel:   channel,
		opts:      opts.withDefaults(),
	}
}

// NotifyRequest is a direct notification to one user.
type NotifyRequest struct {
	RecipientUID    string
	Type            types.NotificationType
	Title           string
	Message         string
	SenderUID       string
	RelatedActionID string
}

// Notify validates, stores and announces a notification. A non-empty sender
// must be an unblocked trustee or above.
func (s *NotificationService) Notify(ctx context.Context, req NotifyRequest) (types.SystemNotification, error) {
	req.RecipientUID = strings.TrimSpace(req.RecipientUID)
	req.SenderUID = strings.TrimSpace(req.SenderUID)
	req.Title = strings.TrimSpace(req.Title)
	req.Message = strings.TrimSpace(req.Message)

	switch {
	case req.RecipientUID == "":
		return types.SystemNotification{}, validationError("recipient is required")
	case !req.Type.Valid():
		return types.SystemNotification{}, validationError("unknown notification type %q", req.Type)
	case req.Title == "":
		return types.SystemNotification{}, validationError("title is required")
	case req.Message == "":
		return types.SystemNotification{}, validationError("message is required")
	}

	if err := s.checkParticipants(ctx, req); err != nil {
		return types.SystemNotification{}, err
	}

	notification := s.build(req, s.opts.now())
	err := s.opts.withRetry(ctx, "notify", func(ctx context.Context) error {
		return fromStore(s.repo.Create(ctx, notification), "notification")
	})
	if err != nil {
		return types.SystemNotification{}, err
	}

	s.opts.Metrics.NotificationsCreated.WithLabelValues(string(notification.Type)).Inc()
	s.announce(ctx, notification)
	return notification, nil
}

func (s *NotificationService) checkParticipants(ctx context.Context, req NotifyRequest) error {
	ctx, cancel := s.opts.withTimeout(ctx)
	defer cancel()

	if _, err := s.profiles.Get(ctx, req.RecipientUID); err != nil {
		return fromStore(err, "recipient")
	}
	if req.SenderUID == "" {
		return nil
	}
	sender, err := s.profiles.Get(ctx, req.SenderUID)
	if err != nil {
		return fromStore(err, "sender")
	}
	if sender.IsBlocked || !sender.Role.AtLeast(types.RoleTrustee) {
		return authorizationError("sender may not send notifications")
	}
	return nil
}

// build assembles an unread notification stamped at now.
func (s *NotificationService) build(req NotifyRequest, now time.Time) types.SystemNotification {
	hebrew, gregorian := s.calendar.Stamp(now)
	return types.SystemNotification{
		ID:              uuid.NewString(),
		Type:            req.Type,
		Title:           req.Title,
		Message:         req.Message,
		RecipientUID:    req.RecipientUID,
		SenderUID:       req.SenderUID,
		RelatedActionID: req.RelatedActionID,
		Read:            false,
		Timestamp:       now,
		HebrewDate:      hebrew,
		GregorianDate:   gregorian,
	}
}

// announce publishes the created event. Delivery is at-least-once from the
// broker onwards; a failed publish is logged and counted, never surfaced.
func (s *NotificationService) announce(ctx context.Context, notification types.SystemNotification) {
	if s.publisher == nil {
		return
	}
	log := s.opts.Logger.WithFields(logrus.Fields{
		"notification_id": notification.ID,
		"recipient_uid":   notification.RecipientUID,
	})

	payload, err := json.Marshal(types.NotificationEvent{
		Event:        types.NotificationEventCreated,
		Notification: notification,
	})
	if err != nil {
		log.WithError(err).Error("encode notification event")
		s.opts.Metrics.EventsPublished.WithLabelValues("error").Inc()
		return
	}

	ctx, cancel := s.opts.withTimeout(ctx)
	defer cancel()
	_, err = s.publisher.Publish(ctx, s.channel, payload, map[string]string{
		"event":     types.NotificationEventCreated,
		"recipient": notification.RecipientUID,
		"type":      string(notification.Type),
	})
	if err != nil {
		log.WithError(err).Warn("publish notification event failed")
		s.opts.Metrics.EventsPublished.WithLabelValues("error").Inc()
		return
	}
	s.opts.Metrics.EventsPublished.WithLabelValues("ok").Inc()
}

// MarkRead flips the read flag. Only the recipient may do so; repeating it
// is a no-op.
func (s *NotificationService) MarkRead(ctx context.Context, id, requestingUID string) error {
	id = strings.TrimSpace(id)
	requestingUID = strings.TrimSpace(requestingUID)
	if id == "" {
		return validationError("notification id is required")
	}

	ctx, cancel := s.opts.withTimeout(ctx)
	defer cancel()

	notification, err := s.repo.Get(ctx, id)
	if err != nil {
		return fromStore(err, "notification")
	}
	if notification.RecipientUID != requestingUID {
		return authorizationError("only the recipient may mark a notification read")
	}
	if notification.Read {
		return nil
	}
	return fromStore(s.repo.MarkRead(ctx, id, requestingUID), "notification")
}

// ListForRecipient returns the newest notifications for uid.
func (s *NotificationService) ListForRecipient(ctx context.Context, uid string, unreadOnly bool, limit int) ([]types.SystemNotification, error) {
	uid = strings.TrimSpace(uid)
	if uid == "" {
		return nil, validationError("uid is required")
	}
	switch {
	case limit < 0:
		return nil, validationError("limit must be positive")
	case limit == 0:
		limit = defaultNotificationLimit
	case limit > maxNotificationLimit:
		limit = maxNotificationLimit
	}

	ctx, cancel := s.opts.withTimeout(ctx)
	defer cancel()

	notifications, err := s.repo.ListByRecipient(ctx, uid, unreadOnly, limit)
	if err != nil {
		return nil, fromStore(err, "notifications")
	}
	return notifications, nil
}

func (s *NotificationService) UnreadCount(ctx context.Context, uid string) (int, error) {
	ctx, cancel := s.opts.withTimeout(ctx)
	defer cancel()

	count, err := s.repo.CountUnread(ctx, strings.TrimSpace(uid))
	if err != nil {
		return 0, fromStore(err, "notifications")
	}
	return count, nil
}
