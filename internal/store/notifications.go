package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/okello/farmdirect/internal/database"
	"github.com/okello/farmdirect/internal/models"
)

// createNotification writes one notification row inside the caller's
// transaction. A failed write aborts the whole operation that triggered
// it; there is no out-of-band delivery to fail.
func createNotification(ctx context.Context, tx *sql.Tx, recipientID int64, ntype, title, message string, orderID sql.NullInt64) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO notifications (recipient_id, type, title, message, order_id, read, created_at)
		 VALUES ($1, $2, $3, $4, $5, FALSE, NOW())`,
		recipientID, ntype, title, message, orderID)
	if err != nil {
		return fmt.Errorf("create notification: %w", err)
	}
	return nil
}

func ListNotifications(ctx context.Context, db *sql.DB, recipientID int64, unreadOnly bool, cursor string, limit int) (*CursorPage, error) {
	cursorData, err := DecodeCursor(cursor)
	if err != nil {
		return nil, fmt.Errorf("decode cursor: %w", err)
	}

	query := `
		SELECT id, recipient_id, type, title, message, order_id, read, created_at
		FROM notifications
		WHERE recipient_id = $1
		  AND ($2 = FALSE OR read = FALSE)
		  AND (created_at, id) < ($3, $4)
		ORDER BY created_at DESC, id DESC
		LIMIT $5`

	rows, err := db.QueryContext(ctx, query, recipientID, unreadOnly, cursorData.CreatedAt, cursorData.ID, limit+1)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	var notifications []models.Notification
	for rows.Next() {
		var n models.Notification
		var orderID sql.NullInt64
		err := rows.Scan(
			&n.ID,
			&n.RecipientID,
			&n.Type,
			&n.Title,
			&n.Message,
			&orderID,
			&n.Read,
			&n.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		if orderID.Valid {
			n.OrderID = &orderID.Int64
		}
		notifications = append(notifications, n)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	hasMore := len(notifications) > limit
	if hasMore {
		notifications = notifications[:limit]
	}

	var nextCursor string
	if hasMore && len(notifications) > 0 {
		last := notifications[len(notifications)-1]
		nextCursor = EncodeCursor(Cursor{
			CreatedAt: last.CreatedAt,
			ID:        last.ID,
		})
	}

	return &CursorPage{
		Items:      notifications,
		NextCursor: nextCursor,
		HasMore:    hasMore,
	}, nil
}

// MarkNotificationRead flips the read flag. The recipient must own the
// notification; a mismatch is reported rather than silently ignored so the
// caller can distinguish it from a missing row.
func MarkNotificationRead(ctx context.Context, db *sql.DB, notificationID, recipientID int64) error {
	result, err := db.ExecContext(ctx,
		`UPDATE notifications SET read = TRUE WHERE id = $1 AND recipient_id = $2`,
		notificationID, recipientID)
	if err != nil {
		return fmt.Errorf("mark notification read: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		var exists bool
		err := db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM notifications WHERE id = $1)`,
			notificationID).Scan(&exists)
		if err != nil {
			return fmt.Errorf("check notification exists: %w", err)
		}
		if exists {
			return database.ErrUnauthorized
		}
		return database.ErrNotificationNotFound
	}

	return nil
}

// MarkAllNotificationsRead returns the number of notifications flipped.
func MarkAllNotificationsRead(ctx context.Context, db *sql.DB, recipientID int64) (int64, error) {
	result, err := db.ExecContext(ctx,
		`UPDATE notifications SET read = TRUE WHERE recipient_id = $1 AND read = FALSE`,
		recipientID)
	if err != nil {
		return 0, fmt.Errorf("mark all notifications read: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("get rows affected: %w", err)
	}

	return rowsAffected, nil
}
