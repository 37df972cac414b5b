package sync

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/queue"
	"github.com/nhle/mailsync/internal/store"
)

// jobTimeout bounds a single fetch pass or backfill job.
const jobTimeout = 30 * time.Minute

const defaultInterval = 120 * time.Second

// Enqueuer requests fetch passes.
type Enqueuer interface {
	EnqueueFetch(ctx context.Context, accountID string) error
}

// Scheduler queues a fetch pass for every account on a fixed interval and
// runs the fetch and backfill jobs it consumes from the queue.
type Scheduler struct {
	store    store.Store
	fetcher  *Fetcher
	backfill *Backfiller
	q        queue.Queue
	trigger  Enqueuer
	interval time.Duration
	workers  int
	log      zerolog.Logger

	// Outbound handles outbound jobs when set. The delivery pipeline
	// usually consumes them in another process.
	Outbound queue.Handler
}

// NewScheduler creates a Scheduler. workers bounds the jobs of one kind
// that run at once; passes for one account are serialized regardless.
func NewScheduler(s store.Store, fetcher *Fetcher, backfill *Backfiller, q queue.Queue, interval time.Duration, workers int, log zerolog.Logger) *Scheduler {
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Scheduler{
		store:    s,
		fetcher:  fetcher,
		backfill: backfill,
		q:        q,
		trigger:  queue.Trigger{Q: q},
		interval: interval,
		workers:  max(workers, 1),
		log:      log.With().Str("component", "scheduler").Logger(),
	}
}

// Run blocks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return s.q.Consume(ctx, []queue.Kind{queue.KindFetch, queue.KindBackfill}, s.workers, s.Handle)
	})
	if s.Outbound != nil {
		g.Go(func() error {
			return s.q.Consume(ctx, []queue.Kind{queue.KindOutbound}, 1, s.Outbound)
		})
	}
	g.Go(func() error {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		s.tick(ctx)
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				s.tick(ctx)
			}
		}
	})

	err := g.Wait()
	if IsCanceled(err) {
		return nil
	}
	return err
}

// tick queues a fetch pass for each account.
func (s *Scheduler) tick(ctx context.Context) {
	accounts, err := s.store.ListAccounts(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("listing accounts")
		return
	}
	for _, a := range accounts {
		if err := s.trigger.EnqueueFetch(ctx, a.ID); err != nil {
			s.log.Warn().Err(err).Str("account", a.ID).Msg("queueing fetch")
		}
	}
}

// Handle runs one queued job. Failures that were already reported through
// notifications are not returned, so the job is not redelivered; the next
// scheduled pass retries fetches and exhausted backfills stay terminal.
func (s *Scheduler) Handle(ctx context.Context, job queue.Job) error {
	log := s.log.With().Str("account", job.AccountID).Str("kind", string(job.Kind)).Logger()

	acct, err := s.store.GetAccount(ctx, job.AccountID)
	if errors.Is(err, store.ErrNotFound) {
		log.Warn().Msg("dropping job for unknown account")
		return nil
	}
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, jobTimeout)
	defer cancel()

	switch job.Kind {
	case queue.KindFetch:
		_, err = s.fetcher.Run(ctx, acct)
	case queue.KindBackfill:
		err = s.backfill.Run(ctx, acct, job.MessageIDs)
	default:
		log.Warn().Msg("unexpected job kind")
		return nil
	}
	if err != nil && !IsCanceled(err) {
		log.Debug().Err(err).Msg("job finished with error")
	}
	return nil
}

// RunOnce performs a single fetch pass for the given accounts, or for all
// of them, one after the other. It returns the first failure.
func (s *Scheduler) RunOnce(ctx context.Context, accountIDs ...string) ([]*PassResult, error) {
	accounts, err := accountsFor(ctx, s.store, accountIDs)
	if err != nil {
		return nil, err
	}
	var results []*PassResult
	var firstErr error
	for i := range accounts {
		res, err := s.fetcher.Run(ctx, &accounts[i])
		if res != nil {
			results = append(results, res)
		}
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return results, firstErr
}

// accountsFor resolves ids, or all accounts when ids is empty.
func accountsFor(ctx context.Context, s store.DirectoryStore, ids []string) ([]model.Account, error) {
	if len(ids) == 0 {
		return s.ListAccounts(ctx)
	}
	out := make([]model.Account, 0, len(ids))
	for _, id := range ids {
		a, err := s.GetAccount(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, nil
}
