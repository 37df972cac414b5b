// Package notify records operator-facing notifications for an account.
package notify

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/nhle/mailsync/internal/logging"
	"github.com/nhle/mailsync/internal/model"
)

// Sink receives typed notifications from the sync engine. Calls never fail
// from the caller's point of view.
type Sink interface {
	InvalidCredentials(ctx context.Context, accountID, detail string)
	CredentialsValid(ctx context.Context, accountID string)
	UnexpectedState(ctx context.Context, accountID, detail, headerID, address string)
	FetchingException(ctx context.Context, accountID, detail string)
	FetchInProgress(ctx context.Context, accountID string)
	FetchResolved(ctx context.Context, accountID string)
}

// Recorder is the persistence a StoreSink writes through.
type Recorder interface {
	CreateNotification(ctx context.Context, n model.Notification) error
	ResolveNotifications(ctx context.Context, accountID string, kind model.NotificationKind) (int64, error)
}

// StoreSink persists notifications and mirrors them to the log.
type StoreSink struct {
	rec Recorder
	log zerolog.Logger
}

var _ Sink = (*StoreSink)(nil)

// NewStoreSink returns a sink writing to rec.
func NewStoreSink(rec Recorder, log zerolog.Logger) *StoreSink {
	return &StoreSink{rec: rec, log: log.With().Str("component", "notify").Logger()}
}

func (s *StoreSink) InvalidCredentials(ctx context.Context, accountID, detail string) {
	s.log.Error().Str("account", accountID).Str("detail", detail).Msg("invalid credentials")
	s.add(ctx, model.Notification{AccountID: accountID, Kind: model.NotifyInvalidCredentials, Detail: detail})
}

// CredentialsValid resolves open invalid-credentials notifications after a
// successful login.
func (s *StoreSink) CredentialsValid(ctx context.Context, accountID string) {
	s.resolve(ctx, accountID, model.NotifyInvalidCredentials)
}

func (s *StoreSink) UnexpectedState(ctx context.Context, accountID, detail, headerID, address string) {
	s.log.Warn().
		Str("account", accountID).
		Str("header_id", logging.MaskMessageID(headerID)).
		Str("address", logging.Addr(address)).
		Str("detail", detail).
		Msg("unexpected state")
	s.add(ctx, model.Notification{
		AccountID:       accountID,
		Kind:            model.NotifyUnexpectedState,
		Detail:          detail,
		HeaderMessageID: headerID,
		Address:         address,
	})
}

func (s *StoreSink) FetchingException(ctx context.Context, accountID, detail string) {
	s.log.Error().Str("account", accountID).Str("detail", detail).Msg("fetching exception")
	s.add(ctx, model.Notification{AccountID: accountID, Kind: model.NotifyFetchingException, Detail: detail})
}

func (s *StoreSink) FetchInProgress(ctx context.Context, accountID string) {
	s.add(ctx, model.Notification{AccountID: accountID, Kind: model.NotifyFetchInProgress, Detail: "fetching messages"})
}

func (s *StoreSink) FetchResolved(ctx context.Context, accountID string) {
	s.resolve(ctx, accountID, model.NotifyFetchInProgress)
}

func (s *StoreSink) add(ctx context.Context, n model.Notification) {
	if err := s.rec.CreateNotification(context.WithoutCancel(ctx), n); err != nil {
		s.log.Error().Err(err).Str("account", n.AccountID).Str("kind", string(n.Kind)).Msg("recording notification")
	}
}

func (s *StoreSink) resolve(ctx context.Context, accountID string, kind model.NotificationKind) {
	n, err := s.rec.ResolveNotifications(context.WithoutCancel(ctx), accountID, kind)
	if err != nil {
		s.log.Error().Err(err).Str("account", accountID).Str("kind", string(kind)).Msg("resolving notifications")
		return
	}
	if n > 0 {
		s.log.Debug().Str("account", accountID).Str("kind", string(kind)).Int64("count", n).Msg("notifications resolved")
	}
}

// Discard drops every notification.
type Discard struct{}

func (Discard) InvalidCredentials(context.Context, string, string) {}
func (Discard) CredentialsValid(context.Context, string) {}
func (Discard) UnexpectedState(context.Context, string, string, string, string) {}
func (Discard) FetchingException(context.Context, string, string) {}
func (Discard) FetchInProgress(context.Context, string) {}
func (Discard) FetchResolved(context.Context, string) {}
