// Package sync runs fetch passes and identifier backfill jobs for accounts
// and schedules them.
package sync

import (
	"context"

	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/source"
	"github.com/nhle/mailsync/internal/source/gmail"
)

// Mailbox is the remote mailbox surface used by fetch passes and backfill
// jobs. *gmail.Client implements it.
type Mailbox interface {
	AllMailFolder(ctx context.Context) (string, error)
	SelectFolder(ctx context.Context, name string, readOnly bool) (*gmail.MailboxState, error)
	SearchAll(ctx context.Context, scope string, queries []string) ([]uint32, error)
	SearchMessageID(ctx context.Context, headerID string) ([]uint32, error)
	FetchMessages(ctx context.Context, uids []uint32) ([]gmail.RemoteMessage, error)
	FetchIdentifiers(ctx context.Context, uids []uint32) ([]gmail.RemoteMessage, error)
	FetchDates(ctx context.Context, uids []uint32) ([]gmail.RemoteMessage, error)
	EnsureLabel(ctx context.Context, label string) error
	SetLabels(ctx context.Context, uids []uint32, labels []string) error
	Close() error
}

// Connector opens a Mailbox for an account. The caller owns the returned
// connection and must close it.
type Connector interface {
	Connect(ctx context.Context, acct *model.Account) (Mailbox, error)
}

// ConnectorFunc adapts a function to Connector.
type ConnectorFunc func(ctx context.Context, acct *model.Account) (Mailbox, error)

func (f ConnectorFunc) Connect(ctx context.Context, acct *model.Account) (Mailbox, error) {
	return f(ctx, acct)
}

// CredentialSource supplies IMAP logins.
type CredentialSource interface {
	Credentials(ctx context.Context, acct *model.Account) (gmail.Credentials, error)
	Invalidate(accountID string)
}

// IMAPConnector dials the server with credentials from Creds.
type IMAPConnector struct {
	Creds   CredentialSource
	Options gmail.Options
}

// Connect logs in as acct. A rejected login drops any cached token so the
// next attempt starts from the stored secret.
func (c *IMAPConnector) Connect(ctx context.Context, acct *model.Account) (Mailbox, error) {
	creds, err := c.Creds.Credentials(ctx, acct)
	if err != nil {
		return nil, err
	}
	cl, err := gmail.Dial(ctx, c.Options, creds)
	if err != nil {
		if source.IsAuthError(err) {
			c.Creds.Invalidate(acct.ID)
		}
		return nil, err
	}
	return cl, nil
}
