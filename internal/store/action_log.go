package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shaalot/apiserver/types"
)

const actionColumns = `id, action_type, admin_uid, admin_display_name, admin_email,
	target_uid, target_display_name, target_email, reason, details,
	timestamp, hebrew_date, gregorian_date`

// ActionWriter is the transactional surface used to record a privileged
// action together with its profile change and notification.
type ActionWriter interface {
	LockProfile(ctx context.Context, uid string) (types.UserProfile, error)
	SaveProfile(ctx context.Context, profile types.UserProfile) error
	InsertAction(ctx context.Context, action types.AdminActionLog) error
	InsertNotification(ctx context.Context, notification types.SystemNotification) error
}

// ActionLogRepository handles persistence for the append-only audit log.
// Records are never updated or deleted.
type ActionLogRepository struct {
	db *sql.DB
}

func NewActionLogRepository(db *sql.DB) *ActionLogRepository {
	return &ActionLogRepository{db: db}
}

// InTx runs fn against a single transaction. Everything written through the
// ActionWriter commits together or not at all.
func (r *ActionLogRepository) InTx(ctx context.Context, fn func(w ActionWriter) error) error {
	return withTx(ctx, r.db, func(tx *sql.Tx) error {
		return fn(&txActionWriter{tx: tx})
	})
}

// Query opens a newest-first cursor over the records matching filter. The
// caller must Close the returned iterator.
func (r *ActionLogRepository) Query(ctx context.Context, filter types.ActionLogFilter, limit int) (ActionIterator, error) {
	query, args := buildActionQuery(filter, limit)
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, translate(err)
	}
	return &actionRows{rows: rows}, nil
}

func (r *ActionLogRepository) Get(ctx context.Context, id string) (types.AdminActionLog, error) {
	const query = `SELECT ` + actionColumns + ` FROM admin_action_logs WHERE id = $1`
	rows, err := r.db.QueryContext(ctx, query, id)
	if err != nil {
		return types.AdminActionLog{}, translate(err)
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return types.AdminActionLog{}, translate(err)
		}
		return types.AdminActionLog{}, ErrNotFound
	}
	return scanAction(rows)
}

// ActionIterator walks query results one record at a time.
type ActionIterator interface {
	Next() bool
	Action() (types.AdminActionLog, error)
	Err() error
	Close() error
}

type actionRows struct {
	rows *sql.Rows
}

func (r *actionRows) Next() bool {
	return r.rows.Next()
}

func (r *actionRows) Action() (types.AdminActionLog, error) {
	return scanAction(r.rows)
}

func (r *actionRows) Err() error {
	return translate(r.rows.Err())
}

func (r *actionRows) Close() error {
	return r.rows.Close()
}

// buildActionQuery renders the filter as a parameterized statement. Filters
// combine with AND; date bounds are inclusive; ordering is by timestamp then
// id, both descending, so a (timestamp, id) cursor is a stable page boundary.
func buildActionQuery(filter types.ActionLogFilter, limit int) (string, []any) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, values ...any) {
		for _, value := range values {
			args = append(args, value)
			cond = strings.Replace(cond, "?", fmt.Sprintf("$%d", len(args)), 1)
		}
		conds = append(conds, cond)
	}

	if filter.ActionType != nil {
		add("action_type = ?", string(*filter.ActionType))
	}
	if filter.AdminUID != nil {
		add("admin_uid = ?", *filter.AdminUID)
	}
	if filter.TargetUID != nil {
		add("target_uid = ?", *filter.TargetUID)
	}
	if filter.StartDate != nil {
		add("timestamp >= ?", *filter.StartDate)
	}
	if filter.EndDate != nil {
		add("timestamp <= ?", *filter.EndDate)
	}
	if filter.After != nil {
		add("(timestamp, id) < (?, ?)", filter.After.Timestamp, filter.After.ID)
	}

	var b strings.Builder
	b.WriteString("SELECT ")
	b.WriteString(actionColumns)
	b.WriteString(" FROM admin_action_logs")
	if len(conds) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(conds, " AND "))
	}
	b.WriteString(" ORDER BY timestamp DESC, id DESC")
	args = append(args, limit)
	fmt.Fprintf(&b, " LIMIT $%d", len(args))

	return b.String(), args
}

func scanAction(rows rowScanner) (types.AdminActionLog, error) {
	var (
		action                                    types.AdminActionLog
		targetUID, targetDisplayName, targetEmail sql.NullString
		detailsJSON                               []byte
	)
	if err := rows.Scan(
		&action.ID,
		&action.ActionType,
		&action.AdminUID,
		&action.AdminDisplayName,
		&action.AdminEmail,
		&targetUID,
		&targetDisplayName,
		&targetEmail,
		&action.Reason,
		&detailsJSON,
		&action.Timestamp,
		&action.HebrewDate,
		&action.GregorianDate,
	); err != nil {
		return types.AdminActionLog{}, translate(err)
	}
	action.TargetUID = targetUID.String
	action.TargetDisplayName = targetDisplayName.String
	action.TargetEmail = targetEmail.String
	if len(detailsJSON) > 0 {
		if err := json.Unmarshal(detailsJSON, &action.Details); err != nil {
			return types.AdminActionLog{}, fmt.Errorf("%w: action %s details: %v", ErrCorrupt, action.ID, err)
		}
	}
	return action, nil
}

type txActionWriter struct {
	tx *sql.Tx
}

func (w *txActionWriter) LockProfile(ctx context.Context, uid string) (types.UserProfile, error) {
	return lockProfile(ctx, w.tx, uid)
}

func (w *txActionWriter) SaveProfile(ctx context.Context, profile types.UserProfile) error {
	return updateProfile(ctx, w.tx, profile)
}

func (w *txActionWriter) InsertAction(ctx context.Context, action types.AdminActionLog) error {
	detailsJSON, err := json.Marshal(action.Details)
	if err != nil {
		return err
	}

	const query = `
		INSERT INTO admin_action_logs (
			id, action_type, admin_uid, admin_display_name, admin_email,
			target_uid, target_display_name, target_email, reason, details,
			timestamp, hebrew_date, gregorian_date
		)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NULLIF($7, ''), NULLIF($8, ''), $9, $10, $11, $12, $13)`
	_, err = w.tx.ExecContext(
		ctx,
		query,
		action.ID,
		action.ActionType,
		action.AdminUID,
		action.AdminDisplayName,
		action.AdminEmail,
		action.TargetUID,
		action.TargetDisplayName,
		action.TargetEmail,
		action.Reason,
		detailsJSON,
		action.Timestamp,
		action.HebrewDate,
		action.GregorianDate,
	)
	return translate(err)
}

func (w *txActionWriter) InsertNotification(ctx context.Context, notification types.SystemNotification) error {
	return insertNotification(ctx, w.tx, notification)
}
