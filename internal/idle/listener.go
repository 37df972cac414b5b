// Package idle keeps one IDLE connection per account and queues a fetch
// pass whenever the server reports new mail.
package idle

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"time"

	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/notify"
	"github.com/nhle/mailsync/internal/source"
	"github.com/nhle/mailsync/internal/source/gmail"
)

const (
	// Servers drop IDLE after about 30 minutes.
	defaultRestart = 25 * time.Minute

	minBackoff = 30 * time.Second
	maxBackoff = 5 * time.Minute
)

// Enqueuer requests fetch passes.
type Enqueuer interface {
	EnqueueFetch(ctx context.Context, accountID string) error
}

// Credentials supplies IMAP logins.
type Credentials interface {
	Credentials(ctx context.Context, acct *model.Account) (gmail.Credentials, error)
	Invalidate(accountID string)
}

// Options configures a Listener.
type Options struct {
	Addr string
	// Restart bounds how long one IDLE command is held.
	Restart time.Duration
	// TLSConfig overrides the default TLS settings when set.
	TLSConfig *tls.Config
	Debug     io.Writer
}

type dialFunc func(ctx context.Context, acct *model.Account, h *imapclient.UnilateralDataHandler) (session, error)

// Listener holds IDLE connections.
type Listener struct {
	trigger Enqueuer
	notify  notify.Sink
	restart time.Duration
	log     zerolog.Logger
	dial    dialFunc
	sleep   func(ctx context.Context, d time.Duration) error
}

// NewListener creates a Listener that logs in with creds.
func NewListener(creds Credentials, trigger Enqueuer, sink notify.Sink, opts Options, log zerolog.Logger) *Listener {
	restart := opts.Restart
	if restart <= 0 {
		restart = defaultRestart
	}
	l := &Listener{
		trigger: trigger,
		notify:  sink,
		restart: restart,
		log:     log.With().Str("component", "idle").Logger(),
		sleep:   sleep,
	}
	l.dial = func(ctx context.Context, acct *model.Account, h *imapclient.UnilateralDataHandler) (session, error) {
		c, err := creds.Credentials(ctx, acct)
		if err != nil {
			return nil, err
		}
		s, err := dialIMAP(opts.Addr, opts.TLSConfig, opts.Debug, c, h)
		if err != nil {
			if source.IsAuthError(err) {
				creds.Invalidate(acct.ID)
			}
			return nil, err
		}
		return s, nil
	}
	return l
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Serve listens for every account until ctx is done. Dropped connections
// are reopened with backoff. An account whose credentials are rejected
// stops listening until the next start.
func (l *Listener) Serve(ctx context.Context, accounts []model.Account) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := range accounts {
		acct := &accounts[i]
		g.Go(func() error {
			l.supervise(ctx, acct)
			return nil
		})
	}
	return g.Wait()
}

func (l *Listener) supervise(ctx context.Context, acct *model.Account) {
	log := l.log.With().Str("account", acct.ID).Logger()
	backoff := minBackoff
	for {
		started := time.Now()
		err := l.Run(ctx, acct)
		switch {
		case ctx.Err() != nil:
			return
		case source.IsAuthError(err):
			log.Warn().Msg("listener stopped until credentials are fixed")
			return
		}
		if time.Since(started) > maxBackoff {
			backoff = minBackoff
		}
		log.Info().Dur("retry_in", backoff).Msg("reconnecting listener")
		if l.sleep(ctx, backoff) != nil {
			return
		}
		backoff = min(backoff*2, maxBackoff)
	}
}

// Run holds one connection for acct until it fails or ctx is done. A new
// message queues a fetch pass without waiting for it; an expunge is only
// logged. Shutdown returns nil. Rejected credentials raise an
// invalid-credentials notification. The connection is always closed.
func (l *Listener) Run(ctx context.Context, acct *model.Account) error {
	log := l.log.With().Str("account", acct.ID).Logger()

	h := newHandler(log)
	fwdCtx, stop := context.WithCancel(ctx)
	forwarded := make(chan struct{})
	go func() {
		defer close(forwarded)
		h.forward(fwdCtx, acct.ID, l.trigger)
	}()
	defer func() {
		stop()
		<-forwarded
	}()

	s, err := l.dial(ctx, acct, h.unilateral())
	if err != nil {
		return l.fail(ctx, acct, log, err)
	}
	defer func() {
		if err := s.Close(); err != nil {
			log.Debug().Err(err).Msg("closing idle connection")
		}
	}()
	l.notify.CredentialsValid(ctx, acct.ID)

	folder, err := s.SelectAllMail(ctx)
	if err != nil {
		return l.fail(ctx, acct, log, err)
	}
	log.Info().Str("mailbox", folder).Msg("listening")

	// Catch up on anything that arrived while disconnected.
	h.wake()

	for {
		if err := s.Idle(ctx, l.restart); err != nil {
			return l.fail(ctx, acct, log, err)
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

func (l *Listener) fail(ctx context.Context, acct *model.Account, log zerolog.Logger, err error) error {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return nil
	}
	if source.IsAuthError(err) {
		log.Error().Err(err).Msg("listener rejected credentials")
		l.notify.InvalidCredentials(ctx, acct.ID, err.Error())
		return err
	}
	log.Error().Err(err).Msg("listener failed")
	return err
}
