package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/nhle/mailsync/internal/classify"
	"github.com/nhle/mailsync/internal/content"
	"github.com/nhle/mailsync/internal/credential"
	"github.com/nhle/mailsync/internal/delivery"
	"github.com/nhle/mailsync/internal/idle"
	"github.com/nhle/mailsync/internal/logging"
	"github.com/nhle/mailsync/internal/metrics"
	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/notify"
	"github.com/nhle/mailsync/internal/queue"
	"github.com/nhle/mailsync/internal/source/gmail"
	"github.com/nhle/mailsync/internal/store"
	msync "github.com/nhle/mailsync/internal/sync"
)

const localQueueSize = 256

// app holds the components shared by the subcommands.
type app struct {
	cfg   *model.AppConfig
	log   zerolog.Logger
	store *store.SQLiteStore
	queue queue.Queue
	notes *notify.StoreSink
	locks *msync.Locks
	debug io.Writer

	keyring *credential.Keyring
	creds   *credential.Provider
}

// openApp loads configuration, opens the store and syncs configured
// accounts and campaigns into it.
func openApp(ctx context.Context, o *rootOptions) (*app, error) {
	cfg, err := model.LoadConfig(o.configPath)
	if err != nil {
		return nil, err
	}
	log := logging.New(os.Stderr, logging.Options{
		Level:    cfg.Log.Level,
		Format:   cfg.Log.Format,
		Sanitize: cfg.Log.Sanitize,
	})

	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, err
	}
	a := &app{
		cfg:   cfg,
		log:   log,
		store: st,
		notes: notify.NewStoreSink(st, log),
		locks: msync.NewLocks(),
	}
	if o.debugIMAP {
		a.debug = os.Stderr
	}
	if err := a.syncDirectory(ctx); err != nil {
		_ = st.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) syncDirectory(ctx context.Context) error {
	return a.store.WithTx(ctx, func(q *store.Queries) error {
		for _, ac := range a.cfg.Accounts {
			if err := q.UpsertAccount(ctx, model.Account{ID: ac.ID, Email: ac.Email, Aliases: ac.Aliases}); err != nil {
				return err
			}
			for _, cc := range ac.Campaigns {
				c := &model.Campaign{AccountID: ac.ID, Slug: cc.Slug, Name: cc.Name, SyncLabels: cc.SyncLabels}
				if err := q.UpsertCampaign(ctx, c); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

func (a *app) openKeyring() (*credential.Keyring, error) {
	if a.keyring != nil {
		return a.keyring, nil
	}
	k, err := credential.OpenKeyring(a.cfg.Credentials.Dir, a.cfg.Credentials.FilePassword)
	if err != nil {
		return nil, err
	}
	a.keyring = k
	return k, nil
}

func (a *app) credentials() (*credential.Provider, error) {
	if a.creds != nil {
		return a.creds, nil
	}
	k, err := a.openKeyring()
	if err != nil {
		return nil, err
	}
	a.creds = credential.NewProvider(k, a.cfg.OAuth)
	return a.creds, nil
}

// openQueue connects to JetStream when nats.url is set and otherwise uses
// an in-process queue.
func (a *app) openQueue(ctx context.Context) (queue.Queue, error) {
	if a.queue != nil {
		return a.queue, nil
	}
	if a.cfg.NATS.URL == "" {
		a.queue = queue.NewLocal(localQueueSize)
		return a.queue, nil
	}
	q, err := queue.NewJetStream(ctx, a.cfg.NATS.URL, a.cfg.NATS.Stream, a.log)
	if err != nil {
		return nil, err
	}
	a.queue = q
	return q, nil
}

func (a *app) connector() (*msync.IMAPConnector, error) {
	creds, err := a.credentials()
	if err != nil {
		return nil, err
	}
	return &msync.IMAPConnector{
		Creds: creds,
		Options: gmail.Options{
			Addr:    a.cfg.IMAP.Addr(),
			Timeout: time.Duration(a.cfg.IMAP.TimeoutSec) * time.Second,
			Debug:   a.debug,
			Logger:  a.log,
		},
	}, nil
}

// engine is the wired sync engine.
type engine struct {
	fetcher  *msync.Fetcher
	backfill *msync.Backfiller
	machine  *delivery.Machine
}

func (a *app) engine(ctx context.Context) (*engine, error) {
	connect, err := a.connector()
	if err != nil {
		return nil, err
	}
	q, err := a.openQueue(ctx)
	if err != nil {
		return nil, err
	}
	trigger := queue.Trigger{Q: q}

	importer := classify.NewImporter(a.store, content.New(a.cfg.Content.Dir), a.notes, a.cfg.Fetch.LabelPrefix, a.log)
	fetcher := msync.NewFetcher(a.store, connect, importer, a.notes, trigger, a.locks, a.cfg.Fetch, a.log)
	labels := msync.NewLabelSetter(a.cfg.Fetch.LabelPrefix, a.log)
	backfill := msync.NewBackfiller(a.store, connect, labels, a.notes, a.locks, a.cfg.Backfill, a.log)

	machine := delivery.NewMachine(a.store, trigger, a.log)
	// A sent copy shows up in All Mail only after the server indexed it.
	machine.OnSent("", func(ctx context.Context, m *model.Message) error {
		if !m.MissingIdentifiers() {
			return nil
		}
		return trigger.EnqueueBackfill(ctx, m.AccountID, []int64{m.ID})
	})

	return &engine{fetcher: fetcher, backfill: backfill, machine: machine}, nil
}

func (a *app) listener(ctx context.Context) (*idle.Listener, error) {
	creds, err := a.credentials()
	if err != nil {
		return nil, err
	}
	q, err := a.openQueue(ctx)
	if err != nil {
		return nil, err
	}
	return idle.NewListener(creds, queue.Trigger{Q: q}, a.notes, idle.Options{
		Addr:    a.cfg.IMAP.Addr(),
		Restart: time.Duration(a.cfg.IMAP.IdleRestartSec) * time.Second,
		Debug:   a.debug,
	}, a.log), nil
}

// serveMetrics exposes /metrics until ctx is done. An empty address
// disables the endpoint.
func (a *app) serveMetrics(ctx context.Context) error {
	if a.cfg.Metrics.Addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: a.cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	a.log.Info().Str("addr", srv.Addr).Msg("serving metrics")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serving metrics: %w", err)
	}
	return nil
}

func (a *app) accounts(ctx context.Context, ids []string) ([]model.Account, error) {
	if len(ids) == 0 {
		return a.store.ListAccounts(ctx)
	}
	out := make([]model.Account, 0, len(ids))
	for _, id := range ids {
		acct, err := a.store.GetAccount(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, *acct)
	}
	return out, nil
}

func (a *app) Close() error {
	var errs []error
	if a.queue != nil {
		errs = append(errs, a.queue.Close())
	}
	errs = append(errs, a.store.Close())
	return errors.Join(errs...)
}
