package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/nhle/mailsync/internal/model"
)

// CreateNotification inserts a new notification record.
func (q *Queries) CreateNotification(ctx context.Context, n model.Notification) error {
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now()
	}

	_, err := q.x.ExecContext(ctx, `
		INSERT INTO notifications (id, account_id, kind, detail, header_message_id, address, resolved, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		n.ID, n.AccountID, string(n.Kind), n.Detail, n.HeaderMessageID, n.Address,
		boolToInt(n.Resolved), n.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("creating notification: %w", err)
	}

	return nil
}

// OpenNotifications retrieves the account's unresolved notifications,
// newest first.
func (q *Queries) OpenNotifications(ctx context.Context, accountID string) ([]model.Notification, error) {
	var out []model.Notification
	err := sqlx.SelectContext(ctx, q.x, &out,
		"SELECT * FROM notifications WHERE account_id = ? AND resolved = 0 ORDER BY created_at DESC",
		accountID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying open notifications: %w", err)
	}
	return out, nil
}

// ResolveNotifications marks all open notifications of kind as resolved and
// returns how many changed.
func (q *Queries) ResolveNotifications(ctx context.Context, accountID string, kind model.NotificationKind) (int64, error) {
	res, err := q.x.ExecContext(ctx,
		"UPDATE notifications SET resolved = 1 WHERE account_id = ? AND kind = ? AND resolved = 0",
		accountID, string(kind),
	)
	if err != nil {
		return 0, fmt.Errorf("resolving %s notifications: %w", kind, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
