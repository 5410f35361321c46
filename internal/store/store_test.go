package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/shaalot/apiserver/types"
	"github.com/stretchr/testify/assert"
)

func TestBuildActionQuery_NoFilters(t *testing.T) {
	query, args := buildActionQuery(types.ActionLogFilter{}, 50)

	assert.NotContains(t, query, "WHERE")
	assert.Contains(t, query, "ORDER BY timestamp DESC, id DESC LIMIT $1")
	assert.Equal(t, []any{50}, args)
}

func TestBuildActionQuery_AllFilters(t *testing.T) {
	actionType := types.ActionBlock
	admin := "admin-1"
	target := "user-9"
	start := time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2026, time.February, 1, 0, 0, 0, 0, time.UTC)
	cursorAt := time.Date(2026, time.January, 20, 8, 0, 0, 0, time.UTC)

	query, args := buildActionQuery(types.ActionLogFilter{
		ActionType: &actionType,
		AdminUID:   &admin,
		TargetUID:  &target,
		StartDate:  &start,
		EndDate:    &end,
		After:      &types.ActionCursor{Timestamp: cursorAt, ID: "abc"},
	}, 10)

	assert.Contains(t, query, "WHERE action_type = $1 AND admin_uid = $2 AND target_uid = $3 AND timestamp >= $4 AND timestamp <= $5 AND (timestamp, id) < ($6, $7)")
	assert.Contains(t, query, "LIMIT $8")
	assert.Equal(t, []any{"block", admin, target, start, end, cursorAt, "abc", 10}, args)
}

func TestBuildActionQuery_SingleFilterNumbering(t *testing.T) {
	target := "user-9"
	query, args := buildActionQuery(types.ActionLogFilter{TargetUID: &target}, 5)

	assert.Contains(t, query, "WHERE target_uid = $1 ORDER BY")
	assert.Contains(t, query, "LIMIT $2")
	assert.Len(t, args, 2)
}

func TestTranslate(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"no rows", sql.ErrNoRows, ErrNotFound},
		{"deadline", context.DeadlineExceeded, ErrUnavailable},
		{"bad conn", driver.ErrBadConn, ErrUnavailable},
		{"serialization", &pq.Error{Code: "40001"}, ErrConflict},
		{"deadlock", &pq.Error{Code: "40P01"}, ErrConflict},
		{"lock not available", &pq.Error{Code: "55P03"}, ErrConflict},
		{"unique violation", &pq.Error{Code: "23505"}, ErrConflict},
		{"connection failure", &pq.Error{Code: "08006"}, ErrUnavailable},
		{"too many connections", &pq.Error{Code: "53300"}, ErrUnavailable},
		{"admin shutdown", &pq.Error{Code: "57P01"}, ErrUnavailable},
		{"wrapped", fmt.Errorf("scan: %w", sql.ErrNoRows), ErrNotFound},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.ErrorIs(t, translate(tc.err), tc.want)
		})
	}
}

func TestTranslate_PassThrough(t *testing.T) {
	assert.NoError(t, translate(nil))

	syntax := &pq.Error{Code: "42601"}
	got := translate(syntax)
	assert.Same(t, syntax, got)

	plain := errors.New("boom")
	assert.Equal(t, plain, translate(plain))
}
