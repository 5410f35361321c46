package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/shaalot/apiserver/internal/store"
	"github.com/shaalot/apiserver/types"
	"github.com/sirupsen/logrus"
)

const placeholderUIDPrefix = 8

// ProfileRepository defines persistence operations for profiles.
type ProfileRepository interface {
	Get(ctx context.Context, uid string) (types.UserProfile, error)
	GetByEmail(ctx context.Context, email string) (types.UserProfile, error)
	Reconcile(ctx context.Context, uid, email string, merge func(existing *types.UserProfile, grant *types.RoleGrant) types.UserProfile) (types.UserProfile, error)
	Mutate(ctx context.Context, uid string, fn func(profile *types.UserProfile) error) (types.UserProfile, error)
	PutGrant(ctx context.Context, grant types.RoleGrant) error
}

// ProfileService guarantees every authenticated identity has a complete
// profile and applies activity to its stats.
type ProfileService struct {
	repo     ProfileRepository
	levels   *LevelResolver
	activity map[types.ActivityKind]types.StatDelta
	opts     Options
}

func NewProfileService(repo ProfileRepository, levels *LevelResolver, activity map[types.ActivityKind]types.StatDelta, opts Options) *ProfileService {
	deltas := make(map[types.ActivityKind]types.StatDelta, len(activity))
	for kind, delta := range activity {
		deltas[kind] = delta
	}
	return &ProfileService{
		repo:     repo,
		levels:   levels,
		activity: deltas,
		opts:     opts.withDefaults(),
	}
}

// EnsureProfile creates the profile for identity if it is missing and fills
// any missing fields of an existing one. Fields already present are kept.
// Repeated calls only move LastActive.
func (s *ProfileService) EnsureProfile(ctx context.Context, identity types.Identity) (types.UserProfile, error) {
	identity.UID = strings.TrimSpace(identity.UID)
	identity.Email = strings.TrimSpace(identity.Email)
	if identity.UID == "" {
		return types.UserProfile{}, validationError("identity uid is required")
	}

	var (
		profile types.UserProfile
		created bool
		granted bool
	)
	err := s.opts.withRetry(ctx, "ensure_profile", func(ctx context.Context) error {
		now := s.opts.now()
		result, err := s.repo.Reconcile(ctx, identity.UID, identity.Email, func(existing *types.UserProfile, grant *types.RoleGrant) types.UserProfile {
			created = existing == nil
			granted = grant != nil
			return s.merge(identity, existing, grant, now)
		})
		if err != nil {
			return fromStore(err, "profile")
		}
		profile = result
		return nil
	})
	if err != nil {
		return types.UserProfile{}, err
	}

	result := "updated"
	if created {
		result = "created"
	}
	s.opts.Metrics.ProfilesReconciled.WithLabelValues(result).Inc()

	entry := s.opts.Logger.WithFields(logrus.Fields{"uid": profile.UID, "result": result})
	if granted {
		entry.WithField("role", profile.Role).Info("applied pending role grant")
	} else if created {
		entry.Info("profile created")
	}
	return profile, nil
}

func (s *ProfileService) merge(identity types.Identity, existing *types.UserProfile, grant *types.RoleGrant, now time.Time) types.UserProfile {
	var profile types.UserProfile
	if existing != nil {
		profile = *existing
	}

	profile.UID = identity.UID
	if strings.TrimSpace(profile.Email) == "" {
		profile.Email = identity.Email
	}
	if strings.TrimSpace(profile.DisplayName) == "" {
		profile.DisplayName = displayNameFor(identity)
	}
	if strings.TrimSpace(profile.PhotoURL) == "" {
		profile.PhotoURL = identity.PhotoURL
	}
	if !profile.Role.Valid() {
		profile.Role = types.RoleUser
	}
	if grant != nil {
		if grant.Role.Outranks(profile.Role) {
			profile.Role = grant.Role
		}
		if grant.PinTopLevel {
			profile.PinnedLevel = s.levels.Top()
		}
	}
	profile.Level = s.levels.Effective(profile)
	profile.LastActive = now
	if profile.CreatedAt.IsZero() {
		profile.CreatedAt = now
	}
	return profile
}

// displayNameFor picks the identity's name, then the email local part, then a
// placeholder derived from the uid.
func displayNameFor(identity types.Identity) string {
	if name := strings.TrimSpace(identity.DisplayName); name != "" {
		return name
	}
	if local, _, ok := strings.Cut(identity.Email, "@"); ok && strings.TrimSpace(local) != "" {
		return strings.TrimSpace(local)
	}
	prefix := identity.UID
	if len(prefix) > placeholderUIDPrefix {
		prefix = prefix[:placeholderUIDPrefix]
	}
	return "member-" + prefix
}

func (s *ProfileService) Get(ctx context.Context, uid string) (types.UserProfile, error) {
	uid = strings.TrimSpace(uid)
	if uid == "" {
		return types.UserProfile{}, validationError("uid is required")
	}
	ctx, cancel := s.opts.withTimeout(ctx)
	defer cancel()

	profile, err := s.repo.Get(ctx, uid)
	if err != nil {
		return types.UserProfile{}, fromStore(err, "profile")
	}
	return profile, nil
}

// RecordActivity applies the configured stat delta for kind and recomputes
// the level in the same write.
func (s *ProfileService) RecordActivity(ctx context.Context, uid string, kind types.ActivityKind) (types.UserProfile, error) {
	uid = strings.TrimSpace(uid)
	if uid == "" {
		return types.UserProfile{}, validationError("uid is required")
	}
	delta, ok := s.activity[kind]
	if !ok {
		return types.UserProfile{}, validationError("unknown activity %q", kind)
	}

	var profile types.UserProfile
	err := s.opts.withRetry(ctx, "record_activity", func(ctx context.Context) error {
		result, err := s.repo.Mutate(ctx, uid, func(p *types.UserProfile) error {
			p.Stats = p.Stats.Apply(delta)
			p.Level = s.levels.Effective(*p)
			return nil
		})
		if err != nil {
			return fromStore(err, "profile")
		}
		profile = result
		return nil
	})
	if err != nil {
		return types.UserProfile{}, err
	}

	s.opts.Logger.WithFields(logrus.Fields{
		"uid":      uid,
		"activity": kind,
		"points":   profile.Stats.Points,
		"level":    profile.Level,
	}).Debug("activity recorded")
	return profile, nil
}

// SeedResult reports what ApplySeedAdmins did per email.
type SeedResult struct {
	Elevated []string `json:"elevated"`
	Granted  []string `json:"granted"`
}

// ApplySeedAdmins makes each email a super_admin pinned to the top level.
// Existing profiles are elevated now; for the rest a grant is stored and
// applied when the identity first reconciles.
func (s *ProfileService) ApplySeedAdmins(ctx context.Context, emails []string) (SeedResult, error) {
	var result SeedResult
	seen := make(map[string]bool, len(emails))
	for _, raw := range emails {
		email := strings.ToLower(strings.TrimSpace(raw))
		if email == "" || seen[email] {
			continue
		}
		seen[email] = true
		if !strings.Contains(email, "@") {
			return result, validationError("invalid seed email %q", raw)
		}

		elevated, err := s.seedAdmin(ctx, email)
		if err != nil {
			return result, err
		}
		if elevated {
			result.Elevated = append(result.Elevated, email)
		} else {
			result.Granted = append(result.Granted, email)
		}
	}

	s.opts.Logger.WithFields(logrus.Fields{
		"elevated": len(result.Elevated),
		"granted":  len(result.Granted),
	}).Info("seed administrators applied")
	return result, nil
}

func (s *ProfileService) seedAdmin(ctx context.Context, email string) (bool, error) {
	elevated := false
	err := s.opts.withRetry(ctx, "seed_admin", func(ctx context.Context) error {
		existing, err := s.repo.GetByEmail(ctx, email)
		if errors.Is(err, store.ErrNotFound) {
			elevated = false
			return fromStore(s.repo.PutGrant(ctx, types.RoleGrant{
				Email:       email,
				Role:        types.RoleSuperAdmin,
				PinTopLevel: true,
				CreatedAt:   s.opts.now(),
			}), "grant")
		}
		if err != nil {
			return fromStore(err, "profile")
		}

		_, err = s.repo.Mutate(ctx, existing.UID, func(p *types.UserProfile) error {
			p.Role = types.RoleSuperAdmin
			p.PinnedLevel = s.levels.Top()
			p.Level = s.levels.Effective(*p)
			return nil
		})
		if err != nil {
			return fromStore(err, "profile")
		}
		elevated = true
		return nil
	})
	return elevated, err
}
