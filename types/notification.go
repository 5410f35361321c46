package types

import "time"

// SystemNotification is a message delivered to a single user, usually as
// the outcome of a moderation action.
type SystemNotification struct {
	ID      string           `json:"id" db:"id"`
	Type    NotificationType `json:"type" db:"type"`
	Title   string           `json:"title" db:"title"`
	Message string           `json:"message" db:"message"`

	RecipientUID string `json:"recipientUid" db:"recipient_uid"`

	// SenderUID is empty for system-originated notifications.
	SenderUID string `json:"senderUid,omitempty" db:"sender_uid"`

	// RelatedActionID weakly references the AdminActionLog that caused the
	// notification. It is used for lookup only.
	RelatedActionID string `json:"relatedActionId,omitempty" db:"related_action_id"`

	// Read can only be flipped by the recipient.
	Read bool `json:"read" db:"read"`

	Timestamp     time.Time `json:"timestamp" db:"timestamp"`
	HebrewDate    string    `json:"hebrewDate" db:"hebrew_date"`
	GregorianDate string    `json:"gregorianDate" db:"gregorian_date"`
}

// NotificationType classifies how a notification is presented.
type NotificationType string

// Supported notification types.
const (
	NotificationInfo    NotificationType = "info"
	NotificationWarning NotificationType = "warning"
	NotificationSuccess NotificationType = "success"
	NotificationError   NotificationType = "error"
)

// Valid reports whether t is a known notification type.
func (t NotificationType) Valid() bool {
	switch t {
	case NotificationInfo, NotificationWarning, NotificationSuccess, NotificationError:
		return true
	default:
		return false
	}
}

// NotificationEventCreated names the event published after a notification
// is committed.
const NotificationEventCreated = "notification.created"

// NotificationEvent is the broker payload consumed by delivery workers.
type NotificationEvent struct {
	Event        string             `json:"event"`
	Notification SystemNotification `json:"notification"`
}
