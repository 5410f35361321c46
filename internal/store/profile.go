package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/shaalot/apiserver/types"
)

const profileColumns = `uid, email, display_name, photo_url, role, level, pinned_level, stats, is_blocked, last_active, created_at`

// ProfileRepository handles persistence for user profiles and pending role
// grants. Columns other than uid and created_at are nullable: profiles
// imported from older schemas may lack them, and reconciliation fills the gaps.
type ProfileRepository struct {
	db *sql.DB
}

func NewProfileRepository(db *sql.DB) *ProfileRepository {
	return &ProfileRepository{db: db}
}

func (r *ProfileRepository) Get(ctx context.Context, uid string) (types.UserProfile, error) {
	const query = `SELECT ` + profileColumns + ` FROM profiles WHERE uid = $1`
	profile, err := scanProfile(r.db.QueryRowContext(ctx, query, uid))
	if err != nil {
		return types.UserProfile{}, translate(err)
	}
	return profile, nil
}

func (r *ProfileRepository) GetByEmail(ctx context.Context, email string) (types.UserProfile, error) {
	const query = `SELECT ` + profileColumns + ` FROM profiles WHERE lower(email) = lower($1) ORDER BY created_at LIMIT 1`
	profile, err := scanProfile(r.db.QueryRowContext(ctx, query, strings.TrimSpace(email)))
	if err != nil {
		return types.UserProfile{}, translate(err)
	}
	return profile, nil
}

// Reconcile locks the profile for uid (if present) and the pending grant for
// email (if any), lets merge compute the complete record and writes it. A
// grant handed to merge is consumed. When the profile did not exist but
// another transaction creates it first, nothing is written and ErrConflict is
// returned so the caller can retry against the now lockable row.
func (r *ProfileRepository) Reconcile(
	ctx context.Context,
	uid string,
	email string,
	merge func(existing *types.UserProfile, grant *types.RoleGrant) types.UserProfile,
) (types.UserProfile, error) {
	var result types.UserProfile
	err := withTx(ctx, r.db, func(tx *sql.Tx) error {
		var existing *types.UserProfile
		profile, err := lockProfile(ctx, tx, uid)
		switch {
		case err == nil:
			existing = &profile
		case !errors.Is(err, ErrNotFound):
			return err
		}

		grant, err := lockGrant(ctx, tx, email)
		if err != nil {
			return err
		}

		result = merge(existing, grant)
		if existing != nil {
			if err := updateProfile(ctx, tx, result); err != nil {
				return err
			}
		} else {
			inserted, err := insertProfile(ctx, tx, result)
			if err != nil {
				return err
			}
			if !inserted {
				return fmt.Errorf("%w: profile %s created concurrently", ErrConflict, uid)
			}
		}

		if grant != nil {
			const deleteGrant = `DELETE FROM role_grants WHERE lower(email) = lower($1)`
			if _, err := tx.ExecContext(ctx, deleteGrant, grant.Email); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return types.UserProfile{}, err
	}
	return result, nil
}

// Mutate applies fn to the locked profile and writes the result back in the
// same transaction, so concurrent mutations of one uid never lose updates.
func (r *ProfileRepository) Mutate(ctx context.Context, uid string, fn func(profile *types.UserProfile) error) (types.UserProfile, error) {
	var result types.UserProfile
	err := withTx(ctx, r.db, func(tx *sql.Tx) error {
		profile, err := lockProfile(ctx, tx, uid)
		if err != nil {
			return err
		}
		if err := fn(&profile); err != nil {
			return err
		}
		profile.UID = uid
		if err := updateProfile(ctx, tx, profile); err != nil {
			return err
		}
		result = profile
		return nil
	})
	if err != nil {
		return types.UserProfile{}, err
	}
	return result, nil
}

// PutGrant stores or replaces the pending grant for an email address.
func (r *ProfileRepository) PutGrant(ctx context.Context, grant types.RoleGrant) error {
	const query = `
		INSERT INTO role_grants (email, role, pin_top_level, created_at)
		VALUES (lower($1), $2, $3, $4)
		ON CONFLICT (email) DO UPDATE
		SET role = EXCLUDED.role,
			pin_top_level = EXCLUDED.pin_top_level`
	if grant.CreatedAt.IsZero() {
		return errors.New("grant created_at is required")
	}
	_, err := r.db.ExecContext(ctx, query, strings.TrimSpace(grant.Email), grant.Role, grant.PinTopLevel, grant.CreatedAt)
	return translate(err)
}

func lockProfile(ctx context.Context, q DBTX, uid string) (types.UserProfile, error) {
	const query = `SELECT ` + profileColumns + ` FROM profiles WHERE uid = $1 FOR UPDATE`
	profile, err := scanProfile(q.QueryRowContext(ctx, query, uid))
	if err != nil {
		return types.UserProfile{}, translate(err)
	}
	return profile, nil
}

func lockGrant(ctx context.Context, q DBTX, email string) (*types.RoleGrant, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return nil, nil
	}
	const query = `SELECT email, role, pin_top_level FROM role_grants WHERE lower(email) = lower($1) FOR UPDATE`
	var grant types.RoleGrant
	err := q.QueryRowContext(ctx, query, email).Scan(&grant.Email, &grant.Role, &grant.PinTopLevel)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, translate(err)
	}
	return &grant, nil
}

// insertProfile creates the row unless one already exists and reports
// whether it did.
func insertProfile(ctx context.Context, q DBTX, profile types.UserProfile) (bool, error) {
	statsJSON, err := json.Marshal(profile.Stats)
	if err != nil {
		return false, err
	}
	if profile.CreatedAt.IsZero() {
		return false, errors.New("profile created_at is required")
	}

	const query = `
		INSERT INTO profiles (uid, email, display_name, photo_url, role, level, pinned_level, stats, is_blocked, last_active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8, $9, $10, $11)
		ON CONFLICT (uid) DO NOTHING`
	res, err := q.ExecContext(
		ctx,
		query,
		profile.UID,
		profile.Email,
		profile.DisplayName,
		profile.PhotoURL,
		profile.Role,
		profile.Level,
		profile.PinnedLevel,
		statsJSON,
		profile.IsBlocked,
		profile.LastActive,
		profile.CreatedAt,
	)
	if err != nil {
		return false, translate(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, translate(err)
	}
	return affected == 1, nil
}

// updateProfile writes every mutable column of a row the caller holds locked.
func updateProfile(ctx context.Context, q DBTX, profile types.UserProfile) error {
	statsJSON, err := json.Marshal(profile.Stats)
	if err != nil {
		return err
	}

	const query = `
		UPDATE profiles
		SET email = $2,
			display_name = $3,
			photo_url = $4,
			role = $5,
			level = $6,
			pinned_level = NULLIF($7, ''),
			stats = $8,
			is_blocked = $9,
			last_active = $10
		WHERE uid = $1`
	res, err := q.ExecContext(
		ctx,
		query,
		profile.UID,
		profile.Email,
		profile.DisplayName,
		profile.PhotoURL,
		profile.Role,
		profile.Level,
		profile.PinnedLevel,
		statsJSON,
		profile.IsBlocked,
		profile.LastActive,
	)
	if err != nil {
		return translate(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return translate(err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanProfile(row rowScanner) (types.UserProfile, error) {
	var (
		profile                      types.UserProfile
		email, displayName, photoURL sql.NullString
		role, level, pinnedLevel     sql.NullString
		statsJSON                    []byte
		isBlocked                    sql.NullBool
		lastActive                   sql.NullTime
	)
	if err := row.Scan(
		&profile.UID,
		&email,
		&displayName,
		&photoURL,
		&role,
		&level,
		&pinnedLevel,
		&statsJSON,
		&isBlocked,
		&lastActive,
		&profile.CreatedAt,
	); err != nil {
		return types.UserProfile{}, err
	}

	profile.Email = email.String
	profile.DisplayName = displayName.String
	profile.PhotoURL = photoURL.String
	profile.Role = types.Role(role.String)
	profile.Level = types.Level(level.String)
	profile.PinnedLevel = types.Level(pinnedLevel.String)
	profile.IsBlocked = isBlocked.Bool
	profile.LastActive = lastActive.Time
	if len(statsJSON) > 0 {
		if err := json.Unmarshal(statsJSON, &profile.Stats); err != nil {
			return types.UserProfile{}, fmt.Errorf("%w: profile %s stats: %v", ErrCorrupt, profile.UID, err)
		}
	}
	return profile, nil
}
