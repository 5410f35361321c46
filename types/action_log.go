package types

import "time"

// AdminActionLog is an immutable record of a privileged action. Actor and
// subject identity are snapshots taken at action time.
type AdminActionLog struct {
	// ID is assigned when the record is written.
	ID string `json:"id" db:"id"`

	// ActionType is the kind of privileged action performed.
	ActionType ActionType `json:"actionType" db:"action_type"`

	AdminUID         string `json:"adminUid" db:"admin_uid"`
	AdminDisplayName string `json:"adminDisplayName" db:"admin_display_name"`
	AdminEmail       string `json:"adminEmail" db:"admin_email"`

	// Target fields are empty for actions without a user subject.
	TargetUID         string `json:"targetUid,omitempty" db:"target_uid"`
	TargetDisplayName string `json:"targetDisplayName,omitempty" db:"target_display_name"`
	TargetEmail       string `json:"targetEmail,omitempty" db:"target_email"`

	// Reason is the moderator's justification. It is never empty.
	Reason string `json:"reason" db:"reason"`

	// Details is an action-specific payload, e.g. the previous and new role.
	Details map[string]any `json:"details,omitempty" db:"details"`

	// Timestamp is the instant the action was recorded.
	Timestamp time.Time `json:"timestamp" db:"timestamp"`

	// HebrewDate and GregorianDate are derived from Timestamp at write time
	// and stored as-is.
	HebrewDate    string `json:"hebrewDate" db:"hebrew_date"`
	GregorianDate string `json:"gregorianDate" db:"gregorian_date"`

	// RelativeTime is computed on every read and never stored.
	RelativeTime string `json:"relativeTime,omitempty" db:"-"`
}

// ActionType is the closed set of privileged actions.
type ActionType string

// Supported action types.
const (
	ActionPromote        ActionType = "promote"
	ActionDemote         ActionType = "demote"
	ActionBlock          ActionType = "block"
	ActionUnblock        ActionType = "unblock"
	ActionEditQuestion   ActionType = "edit-question"
	ActionDeleteQuestion ActionType = "delete-question"
	ActionEditAnswer     ActionType = "edit-answer"
	ActionDeleteAnswer   ActionType = "delete-answer"
	ActionGiveFlower     ActionType = "give-flower"
	ActionRemoveFlower   ActionType = "remove-flower"
	ActionSendWarning    ActionType = "send-warning"
	ActionOther          ActionType = "other"
)

// ActionTypes lists every action type in declaration order.
var ActionTypes = []ActionType{
	ActionPromote,
	ActionDemote,
	ActionBlock,
	ActionUnblock,
	ActionEditQuestion,
	ActionDeleteQuestion,
	ActionEditAnswer,
	ActionDeleteAnswer,
	ActionGiveFlower,
	ActionRemoveFlower,
	ActionSendWarning,
	ActionOther,
}

// Valid reports whether a is a known action type.
func (a ActionType) Valid() bool {
	for _, known := range ActionTypes {
		if a == known {
			return true
		}
	}
	return false
}

// ChangesRole reports whether the action changes the subject's role.
func (a ActionType) ChangesRole() bool {
	return a == ActionPromote || a == ActionDemote
}

// HasSubject reports whether the action always targets a single user.
func (a ActionType) HasSubject() bool {
	switch a {
	case ActionPromote, ActionDemote, ActionBlock, ActionUnblock,
		ActionGiveFlower, ActionRemoveFlower, ActionSendWarning:
		return true
	default:
		return false
	}
}

// ActionLogFilter selects audit records. Nil fields do not constrain the
// result; set fields combine with AND.
type ActionLogFilter struct {
	ActionType *ActionType `json:"actionType,omitempty"`
	AdminUID   *string     `json:"adminUid,omitempty"`
	TargetUID  *string     `json:"targetUid,omitempty"`

	// StartDate and EndDate are inclusive bounds on Timestamp.
	StartDate *time.Time `json:"startDate,omitempty"`
	EndDate   *time.Time `json:"endDate,omitempty"`

	// Limit caps the number of records returned.
	Limit *int `json:"limit,omitempty"`

	// After continues a previous page: only records strictly older than the
	// cursor position are returned.
	After *ActionCursor `json:"after,omitempty"`
}

// ActionCursor is a keyset position in the newest-first audit ordering.
type ActionCursor struct {
	Timestamp time.Time `json:"timestamp"`
	ID        string    `json:"id"`
}
