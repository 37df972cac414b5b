package store

import (
	"context"
	"time"

	"github.com/nhle/mailsync/internal/model"
)

// MessageStore persists messages and the records hanging off them.
// Find methods return a nil message and a nil error when nothing matches.
type MessageStore interface {
	FindByHeaderID(ctx context.Context, accountID, headerID string) (*model.Message, error)
	FindHighestKnown(ctx context.Context, accountID string, headerIDs []string) (*model.Message, error)
	GetMessage(ctx context.Context, id int64) (*model.Message, error)
	CreateMessage(ctx context.Context, m *model.Message) error
	UpdateIdentifiers(ctx context.Context, id int64, protocolID uint32, threadID string) error
	UpdateDeliveryStatus(ctx context.Context, id int64, from, to model.DeliveryStatus, sentAt *time.Time) error
	KnownThreadIDs(ctx context.Context, accountID string) ([]string, error)
	KnownProtocolIDs(ctx context.Context, accountID string) (map[uint32]struct{}, error)
	ClearProtocolIDs(ctx context.Context, accountID string) error
	MessagesMissingIdentifiers(ctx context.Context, accountID string, limit int) ([]model.Message, error)
	CountMessages(ctx context.Context, accountID string) (int, error)
	CreateAttachment(ctx context.Context, a *model.Attachment) error
	AttachmentsForMessage(ctx context.Context, messageID int64) ([]model.Attachment, error)
	SaveRawMail(ctx context.Context, messageID int64, raw []byte) error
	GetRawMail(ctx context.Context, messageID int64) ([]byte, error)
}

// DirectoryStore persists accounts, campaigns and contacts.
type DirectoryStore interface {
	UpsertAccount(ctx context.Context, a model.Account) error
	GetAccount(ctx context.Context, id string) (*model.Account, error)
	ListAccounts(ctx context.Context) ([]model.Account, error)
	UpsertCampaign(ctx context.Context, c *model.Campaign) error
	GetCampaign(ctx context.Context, id string) (*model.Campaign, error)
	FindCampaignBySlug(ctx context.Context, accountID, slug string) (*model.Campaign, error)
	ListCampaigns(ctx context.Context, accountID string) ([]model.Campaign, error)
	FindOrCreateContact(ctx context.Context, accountID, email, name string) (*model.Contact, error)
	AttachContact(ctx context.Context, campaignID, contactID string) error
	CampaignHasContact(ctx context.Context, campaignID, contactID string) (bool, error)
}

// CursorStore persists mailbox sync positions.
type CursorStore interface {
	GetCursor(ctx context.Context, accountID, mailbox string) (*model.MailboxCursor, error)
	SaveCursor(ctx context.Context, c *model.MailboxCursor) error
	DeleteCursor(ctx context.Context, accountID, mailbox string) error
}

// NotificationStore persists operator notifications.
type NotificationStore interface {
	CreateNotification(ctx context.Context, n model.Notification) error
	OpenNotifications(ctx context.Context, accountID string) ([]model.Notification, error)
	ResolveNotifications(ctx context.Context, accountID string, kind model.NotificationKind) (int64, error)
}

// Store is the full persistence surface of the sync engine.
type Store interface {
	MessageStore
	DirectoryStore
	CursorStore
	NotificationStore

	// WithTx runs fn in a transaction bound to a Queries value.
	WithTx(ctx context.Context, fn func(q *Queries) error) error
	Close() error
}
