package sync

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/nhle/mailsync/internal/classify"
	"github.com/nhle/mailsync/internal/delivery"
	"github.com/nhle/mailsync/internal/metrics"
	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/notify"
	"github.com/nhle/mailsync/internal/source"
	"github.com/nhle/mailsync/internal/source/gmail"
	"github.com/nhle/mailsync/internal/store"
)

// Mode is one discovery search of a fetch pass.
type Mode string

const (
	// ModeReply finds replies to mail sent by this system through the
	// account's reply marker in In-Reply-To.
	ModeReply Mode = "reply"
	// ModeConversation finds new messages in threads already known.
	ModeConversation Mode = "conversation"
	// ModeLabel finds messages carrying a campaign label.
	ModeLabel Mode = "label"
)

// Modes run in this order on one connection.
var Modes = []Mode{ModeReply, ModeConversation, ModeLabel}

// fullScope limits a full rescan to messages not flagged for deletion.
const fullScope = "UNDELETED"

const defaultBatchSize = 50

// PassResult summarizes one fetch pass.
type PassResult struct {
	AccountID string
	Mailbox   string
	Plan      model.ScanPlan
	Matched   map[Mode]int

	// Deduped counts matches skipped because their UID was already stored
	// or fetched earlier in the pass.
	Deduped int
	Created int
	Known   int
	Failed  int

	Cursor *model.MailboxCursor
}

// Fetcher runs fetch passes.
type Fetcher struct {
	store    store.Store
	connect  Connector
	importer *classify.Importer
	notify   notify.Sink
	trigger  delivery.Trigger
	locks    *Locks
	cfg      model.FetchConfig
	log      zerolog.Logger
	now      func() time.Time
}

// NewFetcher creates a Fetcher. trigger may be nil, in which case no
// outbound job is queued after new mail arrives.
func NewFetcher(s store.Store, connect Connector, importer *classify.Importer, sink notify.Sink, trigger delivery.Trigger, locks *Locks, cfg model.FetchConfig, log zerolog.Logger) *Fetcher {
	if locks == nil {
		locks = NewLocks()
	}
	return &Fetcher{
		store:    s,
		connect:  connect,
		importer: importer,
		notify:   sink,
		trigger:  trigger,
		locks:    locks,
		cfg:      cfg,
		log:      log.With().Str("component", "fetcher").Logger(),
		now:      time.Now,
	}
}

// Run performs one fetch pass for acct while holding the account's lock.
//
// The pass selects the all-mail folder, plans the UID range from the stored
// cursor and runs the discovery modes in order. Messages that fail to
// import are counted and skipped. A transport or store failure aborts the
// pass without moving the cursor. Cancellation is checked between modes and
// batches; a canceled pass returns ctx.Err() without raising a
// notification.
func (f *Fetcher) Run(ctx context.Context, acct *model.Account) (*PassResult, error) {
	unlock, err := f.locks.Lock(ctx, acct.ID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	start := time.Now()
	log := f.log.With().Str("account", acct.ID).Logger()

	f.notify.FetchInProgress(ctx, acct.ID)
	defer f.notify.FetchResolved(ctx, acct.ID)

	res, err := f.pass(ctx, acct, log)

	outcome := "ok"
	switch {
	case err == nil:
		if res.Plan.Mode == model.ScanSkip {
			outcome = "skipped"
		}
		log.Info().
			Str("plan", res.Plan.Mode.String()).
			Int("created", res.Created).
			Int("known", res.Known+res.Deduped).
			Int("failed", res.Failed).
			Dur("took", time.Since(start)).
			Msg("fetch pass done")
	case ctx.Err() != nil:
		outcome = "canceled"
		log.Info().Err(err).Msg("fetch pass canceled")
		err = ctx.Err()
	case source.IsAuthError(err):
		outcome = "auth"
		log.Error().Err(err).Msg("fetch pass rejected credentials")
		f.notify.InvalidCredentials(ctx, acct.ID, err.Error())
	default:
		outcome = "error"
		log.Error().Err(err).Msg("fetch pass failed")
		f.notify.FetchingException(ctx, acct.ID, err.Error())
	}
	metrics.PassDone(outcome, time.Since(start).Seconds())
	return res, err
}

func (f *Fetcher) pass(ctx context.Context, acct *model.Account, log zerolog.Logger) (*PassResult, error) {
	res := &PassResult{AccountID: acct.ID, Matched: make(map[Mode]int)}

	mb, err := f.connect.Connect(ctx, acct)
	if err != nil {
		return res, fmt.Errorf("connecting: %w", err)
	}
	defer func() {
		if err := mb.Close(); err != nil {
			log.Debug().Err(err).Msg("closing connection")
		}
	}()
	f.notify.CredentialsValid(ctx, acct.ID)

	folder, err := mb.AllMailFolder(ctx)
	if err != nil {
		return res, err
	}
	state, err := mb.SelectFolder(ctx, folder, true)
	if err != nil {
		return res, err
	}
	res.Mailbox = folder

	cursor, err := f.store.GetCursor(ctx, acct.ID, folder)
	if err != nil {
		return res, err
	}
	plan := cursor.Plan(state.UIDValidity, state.UIDNext)
	res.Plan = plan
	res.Cursor = cursor
	log = log.With().Str("mailbox", folder).Str("plan", plan.Mode.String()).Logger()

	var scope string
	switch plan.Mode {
	case model.ScanSkip:
		log.Debug().Uint32("next", state.UIDNext).Msg("no new messages")
		return res, nil
	case model.ScanFull:
		if cursor.ValidityToken != 0 {
			log.Warn().
				Uint32("old_validity", cursor.ValidityToken).
				Uint32("new_validity", state.UIDValidity).
				Msg("mailbox renumbered, rescanning")
			if err := f.store.ClearProtocolIDs(ctx, acct.ID); err != nil {
				return res, err
			}
		}
		cursor.Reset(state.UIDValidity)
		scope = fullScope
	case model.ScanIncremental:
		scope = gmail.UIDRange(plan.From, plan.To)
	}

	known, err := f.store.KnownProtocolIDs(ctx, acct.ID)
	if err != nil {
		return res, err
	}
	excluded, err := encodeLabels(append(slices.Clone(f.cfg.IgnoreLabels), gmail.DraftsLabel))
	if err != nil {
		return res, err
	}
	since := f.cfg.Since(f.now())

	for _, mode := range Modes {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		attr, values, err := f.seeds(ctx, acct, mode)
		if err != nil {
			return res, fmt.Errorf("%s mode: %w", mode, err)
		}
		uids, err := mb.SearchAll(ctx, scope, gmail.BuildBatches(attr, values, excluded, since))
		if err != nil {
			return res, fmt.Errorf("%s mode: %w", mode, err)
		}
		res.Matched[mode] = len(uids)
		metrics.ModeMatches(string(mode), len(uids))

		fresh := make([]uint32, 0, len(uids))
		for _, uid := range uids {
			if _, ok := known[uid]; ok {
				res.Deduped++
				continue
			}
			known[uid] = struct{}{}
			fresh = append(fresh, uid)
		}
		log.Debug().Str("mode", string(mode)).Int("matched", len(uids)).Int("new", len(fresh)).Msg("search done")

		if err := f.fetch(ctx, mb, acct, fresh, res, log); err != nil {
			return res, fmt.Errorf("%s mode: %w", mode, err)
		}
	}

	cursor.Advance(state.UIDNext)
	cursor.SeenCount += res.Known + res.Deduped
	cursor.IndexedCount += res.Created
	cursor.BadCount += res.Failed
	if err := f.store.SaveCursor(ctx, cursor); err != nil {
		return res, err
	}

	if res.Created > 0 && f.trigger != nil {
		if err := f.trigger.EnqueueOutbound(ctx, acct.ID); err != nil {
			log.Warn().Err(err).Msg("queueing outbound job")
		}
	}
	return res, nil
}

// seeds returns the search attribute and the values a mode matches on.
func (f *Fetcher) seeds(ctx context.Context, acct *model.Account, mode Mode) (string, []string, error) {
	switch mode {
	case ModeReply:
		return gmail.AttrInReplyTo, []string{f.cfg.ReplyMarker(acct.ID)}, nil
	case ModeConversation:
		ids, err := f.store.KnownThreadIDs(ctx, acct.ID)
		return gmail.AttrThreadID, ids, err
	case ModeLabel:
		campaigns, err := f.store.ListCampaigns(ctx, acct.ID)
		if err != nil {
			return "", nil, err
		}
		labels := make([]string, 0, len(campaigns))
		for i := range campaigns {
			labels = append(labels, campaigns[i].Label(f.cfg.LabelPrefix))
		}
		labels, err = encodeLabels(labels)
		return gmail.AttrLabels, labels, err
	}
	return "", nil, fmt.Errorf("unknown mode %q", mode)
}

// fetch orders uids by Date header, oldest first, so parents are stored
// before their replies. Bodies are then pulled and imported one batch at a
// time, so at most one batch is held in memory.
func (f *Fetcher) fetch(ctx context.Context, mb Mailbox, acct *model.Account, uids []uint32, res *PassResult, log zerolog.Logger) error {
	size := f.cfg.BatchSize
	if size <= 0 {
		size = defaultBatchSize
	}

	uids, err := orderByDate(ctx, mb, uids, size)
	if err != nil {
		return err
	}

	for start := 0; start < len(uids); start += size {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := min(start+size, len(uids))
		msgs, err := mb.FetchMessages(ctx, uids[start:end])
		if err != nil {
			return fmt.Errorf("fetching UIDs %d-%d: %w", uids[start], uids[end-1], err)
		}
		byUID := make(map[uint32]gmail.RemoteMessage, len(msgs))
		for _, rm := range msgs {
			byUID[rm.UID] = rm
		}
		for _, uid := range uids[start:end] {
			rm, ok := byUID[uid]
			if !ok {
				// Expunged since the search.
				continue
			}
			if err := f.importOne(ctx, acct, rm, res, log); err != nil {
				return err
			}
		}
	}
	return nil
}

// orderByDate sorts uids by Date header. Messages without a usable date
// come first, in UID order.
func orderByDate(ctx context.Context, mb Mailbox, uids []uint32, size int) ([]uint32, error) {
	dates := make(map[uint32]time.Time, len(uids))
	for start := 0; start < len(uids); start += size {
		end := min(start+size, len(uids))
		msgs, err := mb.FetchDates(ctx, uids[start:end])
		if err != nil {
			return nil, fmt.Errorf("fetching dates of UIDs %d-%d: %w", uids[start], uids[end-1], err)
		}
		for _, rm := range msgs {
			dates[rm.UID] = rm.Date
		}
	}
	out := slices.Clone(uids)
	sort.SliceStable(out, func(i, j int) bool {
		return dates[out[i]].Before(dates[out[j]])
	})
	return out, nil
}

func (f *Fetcher) importOne(ctx context.Context, acct *model.Account, rm gmail.RemoteMessage, res *PassResult, log zerolog.Logger) error {
	item := classify.Fetched{
		ProtocolID: rm.UID,
		ThreadID:   rm.ThreadID,
		Labels:     rm.Labels,
		Raw:        rm.Raw,
	}
	// A parse failure is reported by the importer.
	if p, err := classify.Parse(rm.Raw); err == nil {
		item.Parsed = p
	}
	outcome, _, err := f.importer.Import(ctx, acct, item)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		res.Failed++
		log.Warn().Err(err).Uint32("uid", rm.UID).Msg("skipping message")
		return nil
	}
	switch outcome {
	case classify.Created:
		res.Created++
	case classify.Known:
		res.Known++
	}
	return nil
}

func encodeLabels(labels []string) ([]string, error) {
	out := make([]string, 0, len(labels))
	for _, l := range labels {
		enc, err := gmail.EncodeLabel(l)
		if err != nil {
			return nil, fmt.Errorf("encoding label %q: %w", l, err)
		}
		out = append(out, enc)
	}
	return out, nil
}

// IsCanceled reports whether err ends a pass because of shutdown.
func IsCanceled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
