package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/nhle/mailsync/internal/model"
)

type cursorRow struct {
	AccountID     string    `db:"account_id"`
	Mailbox       string    `db:"mailbox"`
	ValidityToken int64     `db:"validity_token"`
	NextMarker    int64     `db:"next_marker"`
	SeenCount     int       `db:"seen_count"`
	IndexedCount  int       `db:"indexed_count"`
	BadCount      int       `db:"bad_count"`
	UpdatedAt     time.Time `db:"updated_at"`
}

// GetCursor loads the cursor of a mailbox. A mailbox that was never synced
// gets a fresh cursor, which forces a full rescan.
func (q *Queries) GetCursor(ctx context.Context, accountID, mailbox string) (*model.MailboxCursor, error) {
	var row cursorRow
	err := sqlx.GetContext(ctx, q.x, &row,
		"SELECT * FROM mailbox_cursors WHERE account_id = ? AND mailbox = ?", accountID, mailbox)
	if err != nil {
		if notFound(err) {
			return model.NewMailboxCursor(accountID, mailbox), nil
		}
		return nil, fmt.Errorf("loading cursor %s/%s: %w", accountID, mailbox, err)
	}
	return &model.MailboxCursor{
		AccountID:     row.AccountID,
		Mailbox:       row.Mailbox,
		ValidityToken: uint32(row.ValidityToken),
		NextMarker:    uint32(row.NextMarker),
		SeenCount:     row.SeenCount,
		IndexedCount:  row.IndexedCount,
		BadCount:      row.BadCount,
		UpdatedAt:     row.UpdatedAt,
	}, nil
}

// SaveCursor persists c. Under an unchanged validity token the stored
// marker never moves backwards.
func (q *Queries) SaveCursor(ctx context.Context, c *model.MailboxCursor) error {
	c.UpdatedAt = time.Now().UTC()
	_, err := q.x.ExecContext(ctx, `
		INSERT INTO mailbox_cursors (
			account_id, mailbox, validity_token, next_marker,
			seen_count, indexed_count, bad_count, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_id, mailbox) DO UPDATE SET
			next_marker = CASE
				WHEN excluded.validity_token != mailbox_cursors.validity_token THEN excluded.next_marker
				ELSE MAX(mailbox_cursors.next_marker, excluded.next_marker)
			END,
			validity_token = excluded.validity_token,
			seen_count = excluded.seen_count,
			indexed_count = excluded.indexed_count,
			bad_count = excluded.bad_count,
			updated_at = excluded.updated_at`,
		c.AccountID, c.Mailbox, int64(c.ValidityToken), int64(c.NextMarker),
		c.SeenCount, c.IndexedCount, c.BadCount, c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("saving cursor %s/%s: %w", c.AccountID, c.Mailbox, err)
	}
	return nil
}

// DeleteCursor removes a cursor so the next pass rescans the mailbox.
func (q *Queries) DeleteCursor(ctx context.Context, accountID, mailbox string) error {
	_, err := q.x.ExecContext(ctx,
		"DELETE FROM mailbox_cursors WHERE account_id = ? AND mailbox = ?", accountID, mailbox)
	if err != nil {
		return fmt.Errorf("deleting cursor %s/%s: %w", accountID, mailbox, err)
	}
	return nil
}
