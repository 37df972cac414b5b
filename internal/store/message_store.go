package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/source"
)

// ErrStaleStatus is returned when a delivery status update finds the
// message in a different state than expected.
var ErrStaleStatus = errors.New("message delivery status changed")

// ErrNotFound is returned by updates that match no row.
var ErrNotFound = errors.New("not found")

type messageRow struct {
	ID                int64         `db:"id"`
	AccountID         string        `db:"account_id"`
	HeaderMessageID   string        `db:"header_message_id"`
	InReplyToHeaderID string        `db:"in_reply_to_header_id"`
	ReferenceChain    string        `db:"reference_chain"`
	ParentID          sql.NullInt64 `db:"parent_id"`
	ProtocolID        sql.NullInt64 `db:"protocol_id"`
	ThreadID          string        `db:"thread_id"`
	Category          string        `db:"category"`
	DeliveryStatus    string        `db:"delivery_status"`
	CampaignID        string        `db:"campaign_id"`
	ContactID         string        `db:"contact_id"`
	TemplateID        string        `db:"template_id"`
	From              string        `db:"from_addr"`
	To                string        `db:"to_addr"`
	Cc                string        `db:"cc_addr"`
	Subject           string        `db:"subject"`
	BodyText          string        `db:"body_text"`
	BodyHTML          string        `db:"body_html"`
	SentOrReceivedAt  sql.NullTime  `db:"sent_or_received_at"`
	CreatedAt         time.Time     `db:"created_at"`
	UpdatedAt         time.Time     `db:"updated_at"`
}

func (r messageRow) toModel() (model.Message, error) {
	m := model.Message{
		ID:                r.ID,
		AccountID:         r.AccountID,
		HeaderMessageID:   r.HeaderMessageID,
		InReplyToHeaderID: r.InReplyToHeaderID,
		ThreadID:          r.ThreadID,
		Category:          model.Category(r.Category),
		DeliveryStatus:    model.DeliveryStatus(r.DeliveryStatus),
		CampaignID:        r.CampaignID,
		ContactID:         r.ContactID,
		TemplateID:        r.TemplateID,
		From:              r.From,
		To:                r.To,
		Cc:                r.Cc,
		Subject:           r.Subject,
		BodyText:          r.BodyText,
		BodyHTML:          r.BodyHTML,
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
	}
	if r.ParentID.Valid {
		id := r.ParentID.Int64
		m.ParentID = &id
	}
	if r.ProtocolID.Valid {
		uid := uint32(r.ProtocolID.Int64)
		m.ProtocolID = &uid
	}
	if r.SentOrReceivedAt.Valid {
		t := r.SentOrReceivedAt.Time
		m.SentOrReceivedAt = &t
	}
	if r.ReferenceChain != "" {
		if err := json.Unmarshal([]byte(r.ReferenceChain), &m.ReferenceChain); err != nil {
			return model.Message{}, fmt.Errorf("unmarshaling reference_chain of message %d: %w", r.ID, err)
		}
	}
	return m, nil
}

func (q *Queries) getMessage(ctx context.Context, query string, args ...interface{}) (*model.Message, error) {
	var row messageRow
	if err := sqlx.GetContext(ctx, q.x, &row, query, args...); err != nil {
		if notFound(err) {
			return nil, nil
		}
		return nil, err
	}
	m, err := row.toModel()
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (q *Queries) selectMessages(ctx context.Context, query string, args ...interface{}) ([]model.Message, error) {
	var rows []messageRow
	if err := sqlx.SelectContext(ctx, q.x, &rows, query, args...); err != nil {
		return nil, err
	}
	msgs := make([]model.Message, 0, len(rows))
	for _, r := range rows {
		m, err := r.toModel()
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

// FindByHeaderID returns the account's message with the given header id.
func (q *Queries) FindByHeaderID(ctx context.Context, accountID, headerID string) (*model.Message, error) {
	m, err := q.getMessage(ctx,
		"SELECT * FROM messages WHERE account_id = ? AND header_message_id = ?",
		accountID, headerID,
	)
	if err != nil {
		return nil, fmt.Errorf("finding message <%s>: %w", headerID, err)
	}
	return m, nil
}

// FindHighestKnown returns the most recently created message among
// headerIDs, or nil when none is known.
func (q *Queries) FindHighestKnown(ctx context.Context, accountID string, headerIDs []string) (*model.Message, error) {
	if len(headerIDs) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(
		"SELECT * FROM messages WHERE account_id = ? AND header_message_id IN (?) ORDER BY id DESC LIMIT 1",
		accountID, headerIDs,
	)
	if err != nil {
		return nil, fmt.Errorf("building reference query: %w", err)
	}
	m, err := q.getMessage(ctx, q.x.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("finding referenced messages: %w", err)
	}
	return m, nil
}

// GetMessage returns a message by id.
func (q *Queries) GetMessage(ctx context.Context, id int64) (*model.Message, error) {
	m, err := q.getMessage(ctx, "SELECT * FROM messages WHERE id = ?", id)
	if err != nil {
		return nil, fmt.Errorf("getting message %d: %w", id, err)
	}
	if m == nil {
		return nil, fmt.Errorf("getting message %d: %w", id, ErrNotFound)
	}
	return m, nil
}

// CreateMessage inserts m and sets its ID and timestamps. A duplicate header
// id for the account fails with *source.IntegrityError.
func (q *Queries) CreateMessage(ctx context.Context, m *model.Message) error {
	refs, err := json.Marshal(m.ReferenceChain)
	if err != nil {
		return fmt.Errorf("marshaling reference_chain: %w", err)
	}
	if m.ReferenceChain == nil {
		refs = []byte("[]")
	}
	if m.DeliveryStatus == "" {
		m.DeliveryStatus = model.DeliveryNone
	}

	now := time.Now().UTC()
	m.CreatedAt = now
	m.UpdatedAt = now

	var parentID, protocolID sql.NullInt64
	if m.ParentID != nil {
		parentID = sql.NullInt64{Int64: *m.ParentID, Valid: true}
	}
	if m.ProtocolID != nil {
		protocolID = sql.NullInt64{Int64: int64(*m.ProtocolID), Valid: true}
	}
	var sentAt sql.NullTime
	if m.SentOrReceivedAt != nil {
		sentAt = sql.NullTime{Time: m.SentOrReceivedAt.UTC(), Valid: true}
	}

	res, err := q.x.ExecContext(ctx, `
		INSERT INTO messages (
			account_id, header_message_id, in_reply_to_header_id, reference_chain,
			parent_id, protocol_id, thread_id, category, delivery_status,
			campaign_id, contact_id, template_id,
			from_addr, to_addr, cc_addr, subject, body_text, body_html,
			sent_or_received_at, created_at, updated_at
		) VALUES (
			?, ?, ?, ?,
			?, ?, ?, ?, ?,
			?, ?, ?,
			?, ?, ?, ?, ?, ?,
			?, ?, ?
		)`,
		m.AccountID, m.HeaderMessageID, m.InReplyToHeaderID, string(refs),
		parentID, protocolID, m.ThreadID, string(m.Category), string(m.DeliveryStatus),
		m.CampaignID, m.ContactID, m.TemplateID,
		m.From, m.To, m.Cc, m.Subject, m.BodyText, m.BodyHTML,
		sentAt, now, now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return &source.IntegrityError{AccountID: m.AccountID, HeaderMessageID: m.HeaderMessageID, Err: err}
		}
		return fmt.Errorf("creating message <%s>: %w", m.HeaderMessageID, err)
	}
	if m.ID, err = res.LastInsertId(); err != nil {
		return fmt.Errorf("reading message id: %w", err)
	}
	return nil
}

// UpdateIdentifiers records the server UID and thread id of a message.
func (q *Queries) UpdateIdentifiers(ctx context.Context, id int64, protocolID uint32, threadID string) error {
	res, err := q.x.ExecContext(ctx,
		"UPDATE messages SET protocol_id = ?, thread_id = ?, updated_at = ? WHERE id = ?",
		int64(protocolID), threadID, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("updating identifiers of message %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("updating identifiers of message %d: %w", id, ErrNotFound)
	}
	return nil
}

// UpdateDeliveryStatus moves a message from one status to another. It fails
// with ErrStaleStatus when the stored status is not from. A non-nil sentAt
// replaces the sent time; the sending_failed to created retry clears it.
func (q *Queries) UpdateDeliveryStatus(ctx context.Context, id int64, from, to model.DeliveryStatus, sentAt *time.Time) error {
	query := "UPDATE messages SET delivery_status = ?, updated_at = ?"
	args := []interface{}{string(to), time.Now().UTC()}
	switch {
	case sentAt != nil:
		query += ", sent_or_received_at = ?"
		args = append(args, sentAt.UTC())
	case to == model.DeliveryCreated:
		query += ", sent_or_received_at = NULL"
	}
	query += " WHERE id = ? AND delivery_status = ?"
	args = append(args, id, string(from))

	res, err := q.x.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("updating delivery status of message %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("moving message %d from %s to %s: %w", id, from, to, ErrStaleStatus)
	}
	return nil
}

// KnownThreadIDs returns the distinct thread ids seen for the account.
func (q *Queries) KnownThreadIDs(ctx context.Context, accountID string) ([]string, error) {
	var ids []string
	err := sqlx.SelectContext(ctx, q.x, &ids,
		"SELECT DISTINCT thread_id FROM messages WHERE account_id = ? AND thread_id != '' ORDER BY thread_id",
		accountID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing thread ids: %w", err)
	}
	return ids, nil
}

// KnownProtocolIDs returns the set of UIDs already stored for the account.
func (q *Queries) KnownProtocolIDs(ctx context.Context, accountID string) (map[uint32]struct{}, error) {
	var ids []int64
	err := sqlx.SelectContext(ctx, q.x, &ids,
		"SELECT protocol_id FROM messages WHERE account_id = ? AND protocol_id IS NOT NULL",
		accountID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing protocol ids: %w", err)
	}
	set := make(map[uint32]struct{}, len(ids))
	for _, id := range ids {
		set[uint32(id)] = struct{}{}
	}
	return set, nil
}

// ClearProtocolIDs forgets all UIDs of the account. UIDs are meaningless
// once the mailbox validity token changes.
func (q *Queries) ClearProtocolIDs(ctx context.Context, accountID string) error {
	_, err := q.x.ExecContext(ctx,
		"UPDATE messages SET protocol_id = NULL, updated_at = ? WHERE account_id = ? AND protocol_id IS NOT NULL",
		time.Now().UTC(), accountID,
	)
	if err != nil {
		return fmt.Errorf("clearing protocol ids: %w", err)
	}
	return nil
}

// MessagesMissingIdentifiers lists outbound messages that were sent but
// whose UID or thread id is still unknown, oldest first.
func (q *Queries) MessagesMissingIdentifiers(ctx context.Context, accountID string, limit int) ([]model.Message, error) {
	query := `SELECT * FROM messages
		WHERE account_id = ? AND category = ? AND delivery_status IN (?, ?)
		AND (protocol_id IS NULL OR thread_id = '')
		ORDER BY id`
	args := []interface{}{accountID, string(model.CategoryOutboundLocal), string(model.DeliverySent), string(model.DeliveryFailed)}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	msgs, err := q.selectMessages(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing messages without identifiers: %w", err)
	}
	return msgs, nil
}

// CountMessages returns the number of messages stored for the account.
func (q *Queries) CountMessages(ctx context.Context, accountID string) (int, error) {
	var n int
	if err := sqlx.GetContext(ctx, q.x, &n, "SELECT COUNT(*) FROM messages WHERE account_id = ?", accountID); err != nil {
		return 0, fmt.Errorf("counting messages: %w", err)
	}
	return n, nil
}

// CreateAttachment inserts attachment metadata.
func (q *Queries) CreateAttachment(ctx context.Context, a *model.Attachment) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	a.CreatedAt = time.Now().UTC()
	_, err := q.x.ExecContext(ctx, `
		INSERT INTO attachments (id, message_id, file_name, file_path, content_type, size, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.MessageID, a.FileName, a.FilePath, a.ContentType, a.Size, a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("creating attachment %s: %w", a.FileName, err)
	}
	return nil
}

// AttachmentsForMessage lists the attachments of a message.
func (q *Queries) AttachmentsForMessage(ctx context.Context, messageID int64) ([]model.Attachment, error) {
	var out []model.Attachment
	err := sqlx.SelectContext(ctx, q.x, &out, `
		SELECT id, message_id, file_name, file_path, content_type, size, created_at
		FROM attachments WHERE message_id = ? ORDER BY created_at, file_name`,
		messageID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing attachments of message %d: %w", messageID, err)
	}
	return out, nil
}

// SaveRawMail stores the original RFC 5322 bytes of a message.
func (q *Queries) SaveRawMail(ctx context.Context, messageID int64, raw []byte) error {
	_, err := q.x.ExecContext(ctx,
		"INSERT OR REPLACE INTO raw_mails (message_id, content) VALUES (?, ?)",
		messageID, raw,
	)
	if err != nil {
		return fmt.Errorf("saving raw mail of message %d: %w", messageID, err)
	}
	return nil
}

// GetRawMail returns the stored RFC 5322 bytes of a message.
func (q *Queries) GetRawMail(ctx context.Context, messageID int64) ([]byte, error) {
	var raw []byte
	if err := sqlx.GetContext(ctx, q.x, &raw, "SELECT content FROM raw_mails WHERE message_id = ?", messageID); err != nil {
		if notFound(err) {
			return nil, fmt.Errorf("raw mail of message %d: %w", messageID, ErrNotFound)
		}
		return nil, fmt.Errorf("getting raw mail of message %d: %w", messageID, err)
	}
	return raw, nil
}
