package sync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/queue"
	"github.com/nhle/mailsync/internal/source"
)

type backfillEnv struct {
	*fetchEnv
	backfill *Backfiller
	sleeps   []time.Duration
}

func newBackfillEnv(t *testing.T, srv *fakeServer) *backfillEnv {
	t.Helper()
	e := &backfillEnv{fetchEnv: newFetchEnv(t, srv, "example.com")}
	e.backfill = NewBackfiller(e.store, srv, NewLabelSetter("myriad", zerolog.Nop()), e.notes, NewLocks(),
		model.BackfillConfig{MaxAttempts: 3, DelaySec: 10}, zerolog.Nop())
	e.backfill.sleep = func(_ context.Context, d time.Duration) error {
		e.sleeps = append(e.sleeps, d)
		return nil
	}
	return e
}

func TestBackfillResolvesIdentifiersAndLabels(t *testing.T) {
	srv := newFakeServer(7, 300)
	e := newBackfillEnv(t, srv)
	m := e.outboundMessage(t, "b.acct@example.com", 0, "")
	srv.add(200, "999", "b.acct@example.com", nil, nil)

	require.NoError(t, e.backfill.Run(context.Background(), e.fixture.Account, []int64{m.ID}))

	stored, err := e.store.GetMessage(context.Background(), m.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.ProtocolID)
	assert.Equal(t, uint32(200), *stored.ProtocolID)
	assert.Equal(t, "999", stored.ThreadID)

	assert.Equal(t, []time.Duration{10 * time.Second}, e.sleeps)
	assert.Equal(t, []bool{false}, srv.selected)
	assert.Equal(t, []string{"myriad/launch"}, srv.ensured)
	assert.Equal(t, []string{"myriad/launch"}, srv.labelled[200])
	assert.Equal(t, 1, srv.closes)
}

func TestBackfillRetriesUntilIndexed(t *testing.T) {
	srv := newFakeServer(7, 300)
	srv.indexAfter = 1
	e := newBackfillEnv(t, srv)
	m := e.outboundMessage(t, "b.acct@example.com", 0, "")
	srv.add(200, "999", "b.acct@example.com", nil, nil)

	// No ids: every message still missing identifiers is looked up.
	require.NoError(t, e.backfill.Run(context.Background(), e.fixture.Account, nil))

	assert.Len(t, e.sleeps, 2)
	assert.Equal(t, 2, srv.connects)
	stored, err := e.store.GetMessage(context.Background(), m.ID)
	require.NoError(t, err)
	assert.False(t, stored.MissingIdentifiers())
}

func TestBackfillGivesUp(t *testing.T) {
	srv := newFakeServer(7, 300)
	srv.indexAfter = 100
	e := newBackfillEnv(t, srv)
	m := e.outboundMessage(t, "b.acct@example.com", 0, "")

	err := e.backfill.Run(context.Background(), e.fixture.Account, []int64{m.ID})
	var exhausted *source.RetryExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 3, exhausted.Attempts)
	assert.Equal(t, []string{"b.acct@example.com"}, exhausted.MessageIDs)

	assert.Len(t, e.sleeps, 3)
	assert.Equal(t, 3, srv.connects)
	assert.Equal(t, 3, srv.closes)
	assert.Equal(t, 1, e.notes.Count(model.NotifyFetchingException))
}

func TestBackfillStopsOnAuthError(t *testing.T) {
	srv := newFakeServer(7, 300)
	srv.connectErr = source.AuthError("login", errors.New("Invalid credentials"))
	e := newBackfillEnv(t, srv)
	m := e.outboundMessage(t, "b.acct@example.com", 0, "")

	err := e.backfill.Run(context.Background(), e.fixture.Account, []int64{m.ID})
	require.Error(t, err)
	assert.True(t, source.IsAuthError(err))
	assert.Len(t, e.sleeps, 1)
	assert.Equal(t, 1, e.notes.Count(model.NotifyInvalidCredentials))
	assert.Zero(t, e.notes.Count(model.NotifyFetchingException))
}

func TestBackfillLabelAuthErrorKeepsResolvedMessage(t *testing.T) {
	srv := newFakeServer(7, 300)
	srv.labelErr = source.AuthError("create", errors.New("Invalid credentials"))
	e := newBackfillEnv(t, srv)
	first := e.outboundMessage(t, "b.acct@example.com", 0, "")
	second := e.outboundMessage(t, "c.acct@example.com", 0, "")
	srv.add(200, "999", "b.acct@example.com", nil, nil)

	left, err := e.backfill.attempt(context.Background(), e.fixture.Account, []model.Message{*first, *second}, zerolog.Nop())
	require.Error(t, err)
	assert.True(t, source.IsAuthError(err))
	require.Len(t, left, 1)
	assert.Equal(t, second.ID, left[0].ID)

	stored, err := e.store.GetMessage(context.Background(), first.ID)
	require.NoError(t, err)
	assert.False(t, stored.MissingIdentifiers())
}

func TestBackfillSkipsResolvedMessages(t *testing.T) {
	srv := newFakeServer(7, 300)
	e := newBackfillEnv(t, srv)
	m := e.outboundMessage(t, "a.acct@example.com", 50, "111")

	require.NoError(t, e.backfill.Run(context.Background(), e.fixture.Account, []int64{m.ID, 9999}))
	assert.Empty(t, e.sleeps)
	assert.Zero(t, srv.connects)
}

func TestLabelSetterIgnoresUnsyncedCampaigns(t *testing.T) {
	srv := newFakeServer(7, 300)
	conn, err := srv.Connect(context.Background(), nil)
	require.NoError(t, err)

	l := NewLabelSetter("myriad", zerolog.Nop())
	require.NoError(t, l.Apply(context.Background(), conn, &model.Campaign{Slug: "quiet"}, 5))
	assert.Empty(t, srv.ensured)
	assert.Empty(t, srv.labelled)
}

func TestSchedulerHandle(t *testing.T) {
	srv := newFakeServer(7, 105)
	e := newBackfillEnv(t, srv)
	e.setCursor(t, 7, 105)
	sched := NewScheduler(e.store, e.fetcher, e.backfill, queue.NewLocal(4), time.Minute, 2, zerolog.Nop())
	ctx := context.Background()

	require.NoError(t, sched.Handle(ctx, queue.Job{Kind: queue.KindFetch, AccountID: "missing"}))
	assert.Zero(t, srv.connects)

	require.NoError(t, sched.Handle(ctx, queue.Job{Kind: queue.KindFetch, AccountID: "acct"}))
	assert.Equal(t, 1, srv.connects)

	results, err := sched.RunOnce(ctx)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, model.ScanSkip, results[0].Plan.Mode)
}

func TestSchedulerRunQueuesFetchPerAccount(t *testing.T) {
	srv := newFakeServer(7, 105)
	e := newBackfillEnv(t, srv)
	e.setCursor(t, 7, 105)
	sched := NewScheduler(e.store, e.fetcher, e.backfill, queue.NewLocal(4), time.Hour, 1, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sched.Run(ctx) }()

	require.Eventually(t, func() bool {
		srv.mu.Lock()
		defer srv.mu.Unlock()
		return srv.closes == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
	assert.Equal(t, 1, e.notes.Count(model.NotifyFetchInProgress))
}
