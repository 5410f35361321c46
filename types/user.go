package types

import "time"

// UserProfile is the durable per-user record holding identity attributes,
// privilege and progression state.
type UserProfile struct {
	// UID is the stable identity key supplied by the identity provider.
	// It never changes after creation.
	UID string `json:"uid" db:"uid"`

	// Email is a denormalized copy of the identity's email address.
	Email string `json:"email" db:"email"`

	// DisplayName is the name shown next to the user's content.
	DisplayName string `json:"displayName" db:"display_name"`

	// PhotoURL points to the user's avatar on the media host.
	PhotoURL string `json:"photoURL" db:"photo_url"`

	// Role is the user's privilege tier.
	Role Role `json:"role" db:"role"`

	// Level is the progression tier derived from Stats (or PinnedLevel
	// when set). It is recomputed on every stat mutation.
	Level Level `json:"level" db:"level"`

	// PinnedLevel overrides the stat-derived level. It is only set by
	// pre-provisioned role grants for seed administrators.
	PinnedLevel Level `json:"pinnedLevel,omitempty" db:"pinned_level"`

	// Stats holds the accumulated activity counters.
	Stats Stats `json:"stats" db:"stats"`

	// IsBlocked marks accounts suspended by a moderator.
	IsBlocked bool `json:"isBlocked" db:"is_blocked"`

	// LastActive is refreshed on every reconciliation.
	LastActive time.Time `json:"lastActive" db:"last_active"`

	// CreatedAt is the timestamp at which the profile was first created.
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
}

// Stats are the per-user activity counters. All fields are non-negative and
// never decrease, except Streak which resets to zero when a streak breaks.
type Stats struct {
	Points         int64 `json:"points"`
	Flowers        int64 `json:"flowers"`
	CorrectAnswers int64 `json:"correctAnswers"`
	QuestionsAsked int64 `json:"questionsAsked"`
	HelpfulAnswers int64 `json:"helpfulAnswers"`
	DaysActive     int64 `json:"daysActive"`
	Streak         int64 `json:"streak"`
}

// StatDelta describes an increment to apply to Stats.
type StatDelta struct {
	Points         int64 `json:"points" yaml:"points"`
	Flowers        int64 `json:"flowers" yaml:"flowers"`
	CorrectAnswers int64 `json:"correctAnswers" yaml:"correctAnswers"`
	QuestionsAsked int64 `json:"questionsAsked" yaml:"questionsAsked"`
	HelpfulAnswers int64 `json:"helpfulAnswers" yaml:"helpfulAnswers"`
	DaysActive     int64 `json:"daysActive" yaml:"daysActive"`
	Streak         int64 `json:"streak" yaml:"streak"`

	// ResetStreak zeroes the streak before Streak is added.
	ResetStreak bool `json:"resetStreak" yaml:"resetStreak"`
}

// Negative reports whether any counter in the delta would decrease Stats.
func (d StatDelta) Negative() bool {
	return d.Points < 0 || d.Flowers < 0 || d.CorrectAnswers < 0 || d.QuestionsAsked < 0 ||
		d.HelpfulAnswers < 0 || d.DaysActive < 0 || d.Streak < 0
}

// Apply returns s with the delta added.
func (s Stats) Apply(d StatDelta) Stats {
	s.Points += d.Points
	s.Flowers += d.Flowers
	s.CorrectAnswers += d.CorrectAnswers
	s.QuestionsAsked += d.QuestionsAsked
	s.HelpfulAnswers += d.HelpfulAnswers
	s.DaysActive += d.DaysActive
	if d.ResetStreak {
		s.Streak = 0
	}
	s.Streak += d.Streak
	return s
}

// Identity is the authenticated caller as vouched for by the identity
// provider. Roles are never read from it.
type Identity struct {
	UID         string `json:"uid"`
	Email       string `json:"email"`
	DisplayName string `json:"displayName"`
	PhotoURL    string `json:"photoURL"`
}

// RoleGrant is a pre-provisioned role for an email address that has not
// necessarily authenticated yet. It is consumed the first time a profile
// with that email is reconciled.
type RoleGrant struct {
	Email string `json:"email" db:"email"`
	Role  Role   `json:"role" db:"role"`

	// PinTopLevel pins the profile to the highest configured level.
	PinTopLevel bool `json:"pinTopLevel" db:"pin_top_level"`

	CreatedAt time.Time `json:"createdAt" db:"created_at"`
}

// ActivityKind identifies a user activity event that moves stats forward.
type ActivityKind string

// Supported activity kinds.
const (
	ActivityQuestionAsked  ActivityKind = "question-asked"
	ActivityAnswerAccepted ActivityKind = "answer-accepted"
	ActivityAnswerHelpful  ActivityKind = "answer-helpful"
	ActivityDailyVisit     ActivityKind = "daily-visit"
	ActivityStreakBroken   ActivityKind = "streak-broken"
)
