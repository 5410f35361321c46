package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shaalot/apiserver/internal/calendar"
	"github.com/shaalot/apiserver/internal/store"
	"github.com/shaalot/apiserver/types"
	"github.com/sirupsen/logrus"
)

// ActionLogRepository defines persistence operations for the audit log.
type ActionLogRepository interface {
	InTx(ctx context.Context, fn func(w store.ActionWriter) error) error
	Query(ctx context.Context, filter types.ActionLogFilter, limit int) (store.ActionIterator, error)
	Get(ctx context.Context, id string) (types.AdminActionLog, error)
}

// RecordActionRequest describes a privileged action. The actor's role is
// always read from the store, never taken from the request.
type RecordActionRequest struct {
	ActionType types.ActionType
	AdminUID   string
	TargetUID  string
	Reason     string
	Details    map[string]any

	// NewRole is required for promote and demote.
	NewRole types.Role

	// Notify requests a notification for actions that do not send one on
	// their own (content moderation and other).
	Notify bool
}

// AuditService records privileged actions together with their effect on the
// subject and the resulting notification, all in one transaction.
type AuditService struct {
	actions      ActionLogRepository
	levels       *LevelResolver
	permissions  map[types.ActionType]types.Role
	flowerPoints int64
	calendar     calendar.Calendar
	notifier     *NotificationService
	opts         Options
}

func NewAuditService(
	actions ActionLogRepository,
	levels *LevelResolver,
	permissions map[types.ActionType]types.Role,
	flowerPoints int64,
	cal calendar.Calendar,
	notifier *NotificationService,
	opts Options,
) *AuditService {
	matrix := make(map[types.ActionType]types.Role, len(permissions))
	for action, role := range permissions {
		matrix[action] = role
	}
	return &AuditService{
		actions:      actions,
		levels:       levels,
		permissions:  matrix,
		flowerPoints: flowerPoints,
		calendar:     cal,
		notifier:     notifier,
		opts:         opts.withDefaults(),
	}
}

// RecordAction authorizes and applies req, then returns the stored record.
func (s *AuditService) RecordAction(ctx context.Context, req RecordActionRequest) (types.AdminActionLog, error) {
	if err := s.validate(&req); err != nil {
		s.count(req.ActionType, err)
		return types.AdminActionLog{}, err
	}

	var (
		record       types.AdminActionLog
		notification *types.SystemNotification
	)
	err := s.opts.withRetry(ctx, "record_action", func(ctx context.Context) error {
		now := s.opts.now()
		err := s.actions.InTx(ctx, func(w store.ActionWriter) error {
			var err error
			record, notification, err = s.apply(ctx, w, req, now)
			return err
		})
		return fromStore(err, "profile")
	})

	s.count(req.ActionType, err)
	log := s.opts.Logger.WithFields(logrus.Fields{
		"action_type": req.ActionType,
		"admin_uid":   req.AdminUID,
		"target_uid":  req.TargetUID,
	})
	if err != nil {
		if KindOf(err) == KindUpstream {
			log.WithError(err).Error("record action failed")
		} else {
			log.WithError(err).Info("record action refused")
		}
		return types.AdminActionLog{}, err
	}

	log.WithField("action_id", record.ID).Info("action recorded")
	if notification != nil {
		s.opts.Metrics.NotificationsCreated.WithLabelValues(string(notification.Type)).Inc()
		if s.notifier != nil {
			s.notifier.announce(ctx, *notification)
		}
	}
	return record, nil
}

func (s *AuditService) count(action types.ActionType, err error) {
	outcome := "ok"
	if err != nil {
		outcome = KindOf(err).String()
	}
	s.opts.Metrics.ActionsRecorded.WithLabelValues(string(action), outcome).Inc()
}

func (s *AuditService) validate(req *RecordActionRequest) error {
	req.AdminUID = strings.TrimSpace(req.AdminUID)
	req.TargetUID = strings.TrimSpace(req.TargetUID)
	req.Reason = strings.TrimSpace(req.Reason)

	if !req.ActionType.Valid() {
		return validationError("unknown action type %q", req.ActionType)
	}
	if req.AdminUID == "" {
		return validationError("admin uid is required")
	}
	if req.Reason == "" {
		return validationError("reason is required")
	}
	if req.ActionType.HasSubject() && req.TargetUID == "" {
		return validationError("%s requires a target user", req.ActionType)
	}
	if req.ActionType.ChangesRole() && !req.NewRole.Valid() {
		return validationError("%s requires a valid new role", req.ActionType)
	}
	if req.TargetUID == req.AdminUID && forbidsSelf(req.ActionType) {
		return validationError("cannot %s yourself", req.ActionType)
	}
	return nil
}

func forbidsSelf(action types.ActionType) bool {
	switch action {
	case types.ActionPromote, types.ActionDemote, types.ActionBlock, types.ActionUnblock, types.ActionGiveFlower:
		return true
	default:
		return false
	}
}

// apply runs inside the transaction. Any error rolls everything back.
func (s *AuditService) apply(ctx context.Context, w store.ActionWriter, req RecordActionRequest, now time.Time) (types.AdminActionLog, *types.SystemNotification, error) {
	actor, target, err := lockParticipants(ctx, w, req.AdminUID, req.TargetUID)
	if err != nil {
		return types.AdminActionLog{}, nil, err
	}
	if err := s.authorize(actor, req.ActionType); err != nil {
		return types.AdminActionLog{}, nil, err
	}

	details := make(map[string]any, len(req.Details)+2)
	for k, v := range req.Details {
		details[k] = v
	}

	if target != nil {
		changed, err := s.applyEffect(actor, target, req, details)
		if err != nil {
			return types.AdminActionLog{}, nil, err
		}
		if changed {
			target.Level = s.levels.Effective(*target)
			if err := w.SaveProfile(ctx, *target); err != nil {
				return types.AdminActionLog{}, nil, err
			}
		}
	}

	hebrew, gregorian := s.calendar.Stamp(now)
	record := types.AdminActionLog{
		ID:               uuid.NewString(),
		ActionType:       req.ActionType,
		AdminUID:         actor.UID,
		AdminDisplayName: actor.DisplayName,
		AdminEmail:       actor.Email,
		Reason:           req.Reason,
		Timestamp:        now,
		HebrewDate:       hebrew,
		GregorianDate:    gregorian,
	}
	if len(details) > 0 {
		record.Details = details
	}
	if target != nil {
		record.TargetUID = target.UID
		record.TargetDisplayName = target.DisplayName
		record.TargetEmail = target.Email
	}
	if err := w.InsertAction(ctx, record); err != nil {
		return types.AdminActionLog{}, nil, err
	}

	notification := s.notificationFor(record, req.Notify)
	if notification != nil {
		if err := w.InsertNotification(ctx, *notification); err != nil {
			return types.AdminActionLog{}, nil, err
		}
	}
	return record, notification, nil
}

// lockParticipants locks actor and target rows in uid order so concurrent
// actions on the same pair cannot deadlock each other.
func lockParticipants(ctx context.Context, w store.ActionWriter, actorUID, targetUID string) (types.UserProfile, *types.UserProfile, error) {
	lock := func(uid, what string) (types.UserProfile, error) {
		profile, err := w.LockProfile(ctx, uid)
		if errors.Is(err, store.ErrNotFound) {
			return types.UserProfile{}, notFoundError("%s %q not found", what, uid)
		}
		return profile, err
	}

	if targetUID == "" || targetUID == actorUID {
		actor, err := lock(actorUID, "admin")
		if err != nil {
			return types.UserProfile{}, nil, err
		}
		if targetUID == "" {
			return actor, nil, nil
		}
		target := actor
		return actor, &target, nil
	}

	var actor, target types.UserProfile
	var err error
	if actorUID < targetUID {
		if actor, err = lock(actorUID, "admin"); err == nil {
			target, err = lock(targetUID, "target")
		}
	} else {
		if target, err = lock(targetUID, "target"); err == nil {
			actor, err = lock(actorUID, "admin")
		}
	}
	if err != nil {
		return types.UserProfile{}, nil, err
	}
	return actor, &target, nil
}

func (s *AuditService) authorize(actor types.UserProfile, action types.ActionType) error {
	if actor.IsBlocked {
		return authorizationError("blocked accounts cannot perform admin actions")
	}
	minimum, ok := s.permissions[action]
	if !ok {
		return authorizationError("%s is not permitted", action)
	}
	if !actor.Role.AtLeast(minimum) {
		return authorizationError("%s requires role %s or higher", action, minimum)
	}
	return nil
}

// applyEffect mutates target for actions that change the subject and
// reports whether it must be saved.
func (s *AuditService) applyEffect(actor types.UserProfile, target *types.UserProfile, req RecordActionRequest, details map[string]any) (bool, error) {
	switch req.ActionType {
	case types.ActionPromote, types.ActionDemote:
		if !actor.Role.Outranks(target.Role) {
			return false, authorizationError("cannot change the role of a peer or superior")
		}
		if req.NewRole.Rank() > actor.Role.Rank() {
			return false, authorizationError("cannot grant a role above your own")
		}
		if req.ActionType == types.ActionPromote && req.NewRole.Rank() <= target.Role.Rank() {
			return false, validationError("promote must raise the role above %s", target.Role)
		}
		if req.ActionType == types.ActionDemote && req.NewRole.Rank() >= target.Role.Rank() {
			return false, validationError("demote must lower the role below %s", target.Role)
		}
		details["previousRole"] = string(target.Role)
		details["newRole"] = string(req.NewRole)
		target.Role = req.NewRole
		return true, nil

	case types.ActionBlock, types.ActionUnblock:
		if !actor.Role.Outranks(target.Role) {
			return false, authorizationError("cannot %s a peer or superior", req.ActionType)
		}
		blocked := req.ActionType == types.ActionBlock
		if target.IsBlocked == blocked {
			return false, validationError("target is already %sed", req.ActionType)
		}
		target.IsBlocked = blocked
		return true, nil

	case types.ActionSendWarning:
		if !actor.Role.Outranks(target.Role) {
			return false, authorizationError("cannot warn a peer or superior")
		}
		return false, nil

	case types.ActionGiveFlower:
		target.Stats.Flowers++
		target.Stats.Points += s.flowerPoints
		details["flowers"] = target.Stats.Flowers
		details["pointsAwarded"] = s.flowerPoints
		return true, nil

	case types.ActionRemoveFlower:
		// Stats never decrease; the removal is recorded and announced only.
		details["flowers"] = target.Stats.Flowers
		return false, nil

	default:
		return false, nil
	}
}

// notificationFor builds the subject's notification for record, or nil when
// the action does not notify.
func (s *AuditService) notificationFor(record types.AdminActionLog, requested bool) *types.SystemNotification {
	if record.TargetUID == "" || record.TargetUID == record.AdminUID {
		return nil
	}

	var (
		kind  types.NotificationType
		title string
		body  string
	)
	switch record.ActionType {
	case types.ActionPromote:
		kind, title = types.NotificationSuccess, "Your role was upgraded"
		body = fmt.Sprintf("You are now %s. %s", record.Details["newRole"], record.Reason)
	case types.ActionDemote:
		kind, title = types.NotificationWarning, "Your role was changed"
		body = fmt.Sprintf("Your role is now %s. %s", record.Details["newRole"], record.Reason)
	case types.ActionBlock:
		kind, title, body = types.NotificationWarning, "Your account was suspended", record.Reason
	case types.ActionUnblock:
		kind, title, body = types.NotificationSuccess, "Your account was restored", record.Reason
	case types.ActionSendWarning:
		kind, title, body = types.NotificationWarning, "A message from the moderators", record.Reason
	case types.ActionGiveFlower:
		kind, title, body = types.NotificationSuccess, "You received a flower", record.Reason
	case types.ActionRemoveFlower:
		kind, title, body = types.NotificationInfo, "A flower was removed", record.Reason
	default:
		if !requested {
			return nil
		}
		kind, title = types.NotificationInfo, "Moderation notice"
		body = fmt.Sprintf("%s: %s", contentActionLabel(record.ActionType), record.Reason)
	}

	notification := types.SystemNotification{
		ID:              uuid.NewString(),
		Type:            kind,
		Title:           title,
		Message:         strings.TrimSpace(body),
		RecipientUID:    record.TargetUID,
		SenderUID:       record.AdminUID,
		RelatedActionID: record.ID,
		Timestamp:       record.Timestamp,
		HebrewDate:      record.HebrewDate,
		GregorianDate:   record.GregorianDate,
	}
	return &notification
}

func contentActionLabel(action types.ActionType) string {
	switch action {
	case types.ActionEditQuestion:
		return "Your question was edited"
	case types.ActionDeleteQuestion:
		return "Your question was removed"
	case types.ActionEditAnswer:
		return "Your answer was edited"
	case types.ActionDeleteAnswer:
		return "Your answer was removed"
	default:
		return "A moderator took action on your account"
	}
}

// GetAction returns a single audit record with its relative time filled.
func (s *AuditService) GetAction(ctx context.Context, id string) (types.AdminActionLog, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return types.AdminActionLog{}, validationError("action id is required")
	}
	ctx, cancel := s.opts.withTimeout(ctx)
	defer cancel()

	record, err := s.actions.Get(ctx, id)
	if err != nil {
		return types.AdminActionLog{}, fromStore(err, "action")
	}
	record.RelativeTime = calendar.Relative(record.Timestamp, s.opts.Now())
	return record, nil
}
