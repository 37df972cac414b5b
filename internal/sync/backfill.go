package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/nhle/mailsync/internal/logging"
	"github.com/nhle/mailsync/internal/metrics"
	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/notify"
	"github.com/nhle/mailsync/internal/source"
	"github.com/nhle/mailsync/internal/store"
)

const (
	defaultBackfillAttempts = 3
	defaultBackfillDelay    = 10 * time.Second
)

// errNotIndexed is the last error of an attempt that found nothing.
var errNotIndexed = errors.New("message not indexed by the server yet")

// LabelSetter applies campaign labels to messages on the server.
type LabelSetter struct {
	prefix string
	log    zerolog.Logger
}

// NewLabelSetter creates a LabelSetter for labels under prefix.
func NewLabelSetter(prefix string, log zerolog.Logger) *LabelSetter {
	return &LabelSetter{prefix: prefix, log: log.With().Str("component", "labels").Logger()}
}

// Apply adds the campaign label to uid in the selected folder, creating the
// label first when it does not exist. Campaigns without label sync are
// left alone.
func (l *LabelSetter) Apply(ctx context.Context, mb Mailbox, c *model.Campaign, uid uint32) error {
	if !c.SyncLabels {
		return nil
	}
	label := c.Label(l.prefix)
	if err := mb.EnsureLabel(ctx, label); err != nil {
		return fmt.Errorf("ensuring label %s: %w", label, err)
	}
	if err := mb.SetLabels(ctx, []uint32{uid}, []string{label}); err != nil {
		return fmt.Errorf("labelling UID %d: %w", uid, err)
	}
	l.log.Debug().Str("label", label).Uint32("uid", uid).Msg("label applied")
	return nil
}

// Backfiller looks up the UID and thread id of outbound messages that were
// stored before the server indexed them.
type Backfiller struct {
	store   store.Store
	connect Connector
	labels  *LabelSetter
	notify  notify.Sink
	locks   *Locks
	cfg     model.BackfillConfig
	log     zerolog.Logger

	// sleep waits before each attempt.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewBackfiller creates a Backfiller.
func NewBackfiller(s store.Store, connect Connector, labels *LabelSetter, sink notify.Sink, locks *Locks, cfg model.BackfillConfig, log zerolog.Logger) *Backfiller {
	if locks == nil {
		locks = NewLocks()
	}
	return &Backfiller{
		store:   s,
		connect: connect,
		labels:  labels,
		notify:  sink,
		locks:   locks,
		cfg:     cfg,
		log:     log.With().Str("component", "backfill").Logger(),
		sleep:   sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Backfiller) attempts() int {
	if b.cfg.MaxAttempts > 0 {
		return b.cfg.MaxAttempts
	}
	return defaultBackfillAttempts
}

func (b *Backfiller) delay() time.Duration {
	if b.cfg.DelaySec > 0 {
		return time.Duration(b.cfg.DelaySec) * time.Second
	}
	return defaultBackfillDelay
}

// Run resolves the identifiers of the given messages, or of every message
// of the account still missing them when ids is empty.
//
// Each attempt waits the configured delay first, since the server indexes
// sent mail with some lag. After the last attempt the job fails with a
// RetryExhaustedError and a fetching-exception notification. Rejected
// credentials end the job at once.
func (b *Backfiller) Run(ctx context.Context, acct *model.Account, ids []int64) error {
	log := b.log.With().Str("account", acct.ID).Logger()

	pending, err := b.pending(ctx, acct, ids)
	if err != nil {
		metrics.Backfill("error")
		return err
	}
	if len(pending) == 0 {
		return nil
	}

	limit := b.attempts()
	var lastErr error
	for attempt := 1; attempt <= limit; attempt++ {
		if err := b.sleep(ctx, b.delay()); err != nil {
			return err
		}
		pending, lastErr = b.attempt(ctx, acct, pending, log)
		if len(pending) == 0 && lastErr == nil {
			metrics.Backfill("resolved")
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if source.IsAuthError(lastErr) {
			metrics.Backfill("error")
			b.notify.InvalidCredentials(ctx, acct.ID, lastErr.Error())
			return lastErr
		}
		log.Debug().Err(lastErr).Int("attempt", attempt).Int("pending", len(pending)).Msg("identifiers still missing")
	}

	headerIDs := make([]string, 0, len(pending))
	for _, m := range pending {
		headerIDs = append(headerIDs, m.HeaderMessageID)
	}
	exhausted := &source.RetryExhaustedError{Attempts: limit, MessageIDs: headerIDs, Err: lastErr}
	metrics.Backfill("exhausted")
	log.Error().Err(exhausted).Msg("identifier backfill gave up")
	b.notify.FetchingException(ctx, acct.ID, exhausted.Error())
	return exhausted
}

// pending loads the messages that still lack identifiers.
func (b *Backfiller) pending(ctx context.Context, acct *model.Account, ids []int64) ([]model.Message, error) {
	if len(ids) == 0 {
		return b.store.MessagesMissingIdentifiers(ctx, acct.ID, 0)
	}
	var out []model.Message
	for _, id := range ids {
		m, err := b.store.GetMessage(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			b.log.Warn().Int64("id", id).Msg("backfill for unknown message")
			continue
		}
		if err != nil {
			return nil, err
		}
		if m.AccountID != acct.ID || !m.MissingIdentifiers() {
			continue
		}
		out = append(out, *m)
	}
	return out, nil
}

// attempt runs one connection's worth of lookups and returns the messages
// that remain unresolved.
func (b *Backfiller) attempt(ctx context.Context, acct *model.Account, pending []model.Message, log zerolog.Logger) ([]model.Message, error) {
	unlock, err := b.locks.Lock(ctx, acct.ID)
	if err != nil {
		return pending, err
	}
	defer unlock()

	mb, err := b.connect.Connect(ctx, acct)
	if err != nil {
		return pending, fmt.Errorf("connecting: %w", err)
	}
	defer func() {
		if err := mb.Close(); err != nil {
			log.Debug().Err(err).Msg("closing connection")
		}
	}()

	folder, err := mb.AllMailFolder(ctx)
	if err != nil {
		return pending, err
	}
	// Writable so labels can be stored.
	if _, err := mb.SelectFolder(ctx, folder, false); err != nil {
		return pending, err
	}

	var left []model.Message
	var lastErr error
	for i, m := range pending {
		ok, err := b.resolve(ctx, mb, &m, log)
		if err != nil {
			rest := pending[i:]
			if ok {
				rest = pending[i+1:]
			}
			return append(left, rest...), err
		}
		if !ok {
			lastErr = errNotIndexed
			left = append(left, m)
		}
	}
	return left, lastErr
}

// resolve looks up one message. It reports false when the server does not
// know the message yet.
func (b *Backfiller) resolve(ctx context.Context, mb Mailbox, m *model.Message, log zerolog.Logger) (bool, error) {
	uids, err := mb.SearchMessageID(ctx, m.HeaderMessageID)
	if err != nil {
		return false, err
	}
	if len(uids) == 0 {
		return false, nil
	}
	found, err := mb.FetchIdentifiers(ctx, uids[:1])
	if err != nil {
		return false, err
	}
	if len(found) == 0 || found[0].ThreadID == "" {
		return false, nil
	}
	uid, thread := found[0].UID, found[0].ThreadID

	if err := b.store.UpdateIdentifiers(ctx, m.ID, uid, thread); err != nil {
		return false, err
	}
	log.Debug().
		Int64("id", m.ID).
		Str("header_id", logging.MaskMessageID(m.HeaderMessageID)).
		Uint32("uid", uid).
		Str("thread", thread).
		Msg("identifiers backfilled")

	if b.labels == nil {
		return true, nil
	}
	c, err := b.store.GetCampaign(ctx, m.CampaignID)
	if err != nil {
		log.Warn().Err(err).Int64("id", m.ID).Msg("loading campaign for label")
		return true, nil
	}
	if err := b.labels.Apply(ctx, mb, c, uid); err != nil {
		if source.IsAuthError(err) {
			return true, err
		}
		log.Warn().Err(err).Int64("id", m.ID).Msg("applying campaign label")
	}
	return true, nil
}
