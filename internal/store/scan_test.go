package store

import (
	"context"
	"database/sql"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/shaalot/apiserver/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRow assigns its values positionally, the way a driver row would.
type fakeRow []any

func (r fakeRow) Scan(dest ...any) error {
	if len(dest) != len(r) {
		return errors.New("column count mismatch")
	}
	for i, d := range dest {
		if s, ok := d.(sql.Scanner); ok {
			if err := s.Scan(r[i]); err != nil {
				return err
			}
			continue
		}
		target := reflect.ValueOf(d).Elem()
		target.Set(reflect.ValueOf(r[i]).Convert(target.Type()))
	}
	return nil
}

var scanAt = time.Date(2026, time.October, 15, 9, 30, 0, 0, time.UTC)

func profileRow(stats string) fakeRow {
	return fakeRow{
		"u1", "a@example.com", "Ada", nil, "user", "seedling", nil,
		[]byte(stats), false, scanAt, scanAt,
	}
}

func actionRow(details string) fakeRow {
	return fakeRow{
		"act-1", "block", "admin", "Admin", "admin@example.com",
		"u1", "Ada", nil, "spam", []byte(details), scanAt, "hebrew", "15/10/2026",
	}
}

func TestScanProfile(t *testing.T) {
	profile, err := scanProfile(profileRow(`{"points":42,"flowers":2}`))
	require.NoError(t, err)

	assert.Equal(t, "u1", profile.UID)
	assert.Equal(t, types.RoleUser, profile.Role)
	assert.Equal(t, types.Level("seedling"), profile.Level)
	assert.Empty(t, profile.PinnedLevel)
	assert.Empty(t, profile.PhotoURL)
	assert.EqualValues(t, 42, profile.Stats.Points)
	assert.EqualValues(t, 2, profile.Stats.Flowers)
	assert.Equal(t, scanAt, profile.CreatedAt)
}

func TestScanProfile_CorruptStats(t *testing.T) {
	_, err := scanProfile(profileRow(`{"points":"lots"}`))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCorrupt)
	assert.Contains(t, err.Error(), "u1")
}

func TestScanAction(t *testing.T) {
	action, err := scanAction(actionRow(`{"previousRole":"user"}`))
	require.NoError(t, err)

	assert.Equal(t, "act-1", action.ID)
	assert.Equal(t, types.ActionBlock, action.ActionType)
	assert.Equal(t, "u1", action.TargetUID)
	assert.Empty(t, action.TargetEmail)
	assert.Equal(t, "user", action.Details["previousRole"])
}

func TestScanAction_CorruptDetails(t *testing.T) {
	_, err := scanAction(actionRow(`[1,2`))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCorrupt)
	assert.Contains(t, err.Error(), "act-1")
}

func TestWrites_RequireCreatedAt(t *testing.T) {
	ctx := context.Background()

	inserted, err := insertProfile(ctx, nil, types.UserProfile{UID: "u1"})
	require.Error(t, err)
	assert.False(t, inserted)

	repo := &ProfileRepository{}
	err = repo.PutGrant(ctx, types.RoleGrant{Email: "a@example.com", Role: types.RoleAdmin})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "created_at")
}
