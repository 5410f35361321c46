package store

import (
	"context"
	"database/sql"

	"github.com/shaalot/apiserver/types"
)

const notificationColumns = `id, type, title, message, recipient_uid, sender_uid, related_action_id, read, timestamp, hebrew_date, gregorian_date`

// NotificationRepository handles persistence for user notifications.
type NotificationRepository struct {
	db *sql.DB
}

func NewNotificationRepository(db *sql.DB) *NotificationRepository {
	return &NotificationRepository{db: db}
}

func (r *NotificationRepository) Create(ctx context.Context, notification types.SystemNotification) error {
	return insertNotification(ctx, r.db, notification)
}

func (r *NotificationRepository) Get(ctx context.Context, id string) (types.SystemNotification, error) {
	const query = `SELECT ` + notificationColumns + ` FROM notifications WHERE id = $1`
	rows, err := r.db.QueryContext(ctx, query, id)
	if err != nil {
		return types.SystemNotification{}, translate(err)
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return types.SystemNotification{}, translate(err)
		}
		return types.SystemNotification{}, ErrNotFound
	}
	return scanNotification(rows)
}

// MarkRead sets read on the notification, but only when recipientUID owns
// it. It returns ErrNotFound when no such (id, recipient) pair exists.
func (r *NotificationRepository) MarkRead(ctx context.Context, id, recipientUID string) error {
	const query = `UPDATE notifications SET read = TRUE WHERE id = $1 AND recipient_uid = $2`
	result, err := r.db.ExecContext(ctx, query, id, recipientUID)
	if err != nil {
		return translate(err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return translate(err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *NotificationRepository) ListByRecipient(ctx context.Context, recipientUID string, unreadOnly bool, limit int) ([]types.SystemNotification, error) {
	query := `SELECT ` + notificationColumns + ` FROM notifications WHERE recipient_uid = $1`
	if unreadOnly {
		query += ` AND NOT read`
	}
	query += ` ORDER BY timestamp DESC, id DESC LIMIT $2`

	rows, err := r.db.QueryContext(ctx, query, recipientUID, limit)
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()

	notifications := make([]types.SystemNotification, 0, limit)
	for rows.Next() {
		notification, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		notifications = append(notifications, notification)
	}
	if err := rows.Err(); err != nil {
		return nil, translate(err)
	}
	return notifications, nil
}

func (r *NotificationRepository) CountUnread(ctx context.Context, recipientUID string) (int, error) {
	const query = `SELECT COUNT(1) FROM notifications WHERE recipient_uid = $1 AND NOT read`
	var count int
	if err := r.db.QueryRowContext(ctx, query, recipientUID).Scan(&count); err != nil {
		return 0, translate(err)
	}
	return count, nil
}

func insertNotification(ctx context.Context, q DBTX, notification types.SystemNotification) error {
	const query = `
		INSERT INTO notifications (
			id, type, title, message, recipient_uid, sender_uid, related_action_id,
			read, timestamp, hebrew_date, gregorian_date
		)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NULLIF($7, ''), $8, $9, $10, $11)`
	_, err := q.ExecContext(
		ctx,
		query,
		notification.ID,
		notification.Type,
		notification.Title,
		notification.Message,
		notification.RecipientUID,
		notification.SenderUID,
		notification.RelatedActionID,
		notification.Read,
		notification.Timestamp,
		notification.HebrewDate,
		notification.GregorianDate,
	)
	return translate(err)
}

func scanNotification(rows *sql.Rows) (types.SystemNotification, error) {
	var (
		notification               types.SystemNotification
		senderUID, relatedActionID sql.NullString
	)
	if err := rows.Scan(
		&notification.ID,
		&notification.Type,
		&notification.Title,
		&notification.Message,
		&notification.RecipientUID,
		&senderUID,
		&relatedActionID,
		&notification.Read,
		&notification.Timestamp,
		&notification.HebrewDate,
		&notification.GregorianDate,
	); err != nil {
		return types.SystemNotification{}, translate(err)
	}
	notification.SenderUID = senderUID.String
	notification.RelatedActionID = relatedActionID.String
	return notification, nil
}
