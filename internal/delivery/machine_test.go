package delivery_test

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mailsync/internal/delivery"
	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/store"
	"github.com/nhle/mailsync/internal/testutil"
)

type recordingTrigger struct {
	accounts []string
}

func (r *recordingTrigger) EnqueueOutbound(_ context.Context, accountID string) error {
	r.accounts = append(r.accounts, accountID)
	return nil
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to model.DeliveryStatus
		want     bool
	}{
		{model.DeliveryCreated, model.DeliverySending, true},
		{model.DeliverySending, model.DeliverySent, true},
		{model.DeliverySending, model.DeliverySendingFailed, true},
		{model.DeliverySent, model.DeliveryFailed, true},
		{model.DeliverySendingFailed, model.DeliveryCreated, true},
		{model.DeliveryCreated, model.DeliverySent, false},
		{model.DeliveryCreated, model.DeliveryFailed, false},
		{model.DeliverySending, model.DeliveryFailed, false},
		{model.DeliveryFailed, model.DeliverySent, false},
		{model.DeliveryNone, model.DeliveryFailed, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, delivery.CanTransition(tt.from, tt.to))
		})
	}
}

func TestMachineLifecycle(t *testing.T) {
	s := testutil.NewTestStore(t)
	f := testutil.Seed(t, s)
	ctx := context.Background()
	trig := &recordingTrigger{}
	d := delivery.NewMachine(s, trig, zerolog.Nop())

	var hooked []int64
	d.OnSent("welcome", func(_ context.Context, m *model.Message) error {
		hooked = append(hooked, m.ID)
		return nil
	})
	d.OnSent("", func(context.Context, *model.Message) error {
		return errors.New("hook failure is only logged")
	})

	m := f.NewMessage("out@example.com", model.CategoryOutboundLocal, model.DeliveryCreated)
	m.TemplateID = "welcome"
	require.NoError(t, s.CreateMessage(ctx, m))

	require.NoError(t, d.Dispatch(ctx, m))
	require.NoError(t, d.Sent(ctx, m))
	assert.Equal(t, []int64{m.ID}, hooked)
	require.NotNil(t, m.SentOrReceivedAt)

	got, err := s.GetMessage(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DeliverySent, got.DeliveryStatus)
	assert.NotNil(t, got.SentOrReceivedAt)

	require.NoError(t, d.Bounce(ctx, m))
	got, err = s.GetMessage(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DeliveryFailed, got.DeliveryStatus)
	assert.Empty(t, trig.accounts)
}

func TestMachineRetryClearsSentTimeAndEnqueues(t *testing.T) {
	s := testutil.NewTestStore(t)
	f := testutil.Seed(t, s)
	ctx := context.Background()
	trig := &recordingTrigger{}
	d := delivery.NewMachine(s, trig, zerolog.Nop())

	m := f.CreateMessage(t, s, "retry@example.com", model.CategoryOutboundLocal, model.DeliveryCreated)
	require.NoError(t, d.Dispatch(ctx, m))
	require.NoError(t, d.Failed(ctx, m, errors.New("550 relay denied")))
	require.NoError(t, d.Retry(ctx, m))

	got, err := s.GetMessage(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DeliveryCreated, got.DeliveryStatus)
	assert.Nil(t, got.SentOrReceivedAt)
	assert.Equal(t, []string{f.Account.ID}, trig.accounts)
}

func TestBounceRequiresSent(t *testing.T) {
	s := testutil.NewTestStore(t)
	f := testutil.Seed(t, s)
	ctx := context.Background()
	d := delivery.NewMachine(s, nil, zerolog.Nop())

	m := f.CreateMessage(t, s, "pending@example.com", model.CategoryOutboundLocal, model.DeliveryCreated)
	err := d.Bounce(ctx, m)
	require.ErrorIs(t, err, delivery.ErrInvalidTransition)

	got, err := s.GetMessage(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DeliveryCreated, got.DeliveryStatus)
}

func TestApplyDetectsConcurrentChange(t *testing.T) {
	s := testutil.NewTestStore(t)
	f := testutil.Seed(t, s)
	ctx := context.Background()

	m := f.CreateMessage(t, s, "race@example.com", model.CategoryOutboundLocal, model.DeliverySending)
	stale := *m
	require.NoError(t, delivery.NewMachine(s, nil, zerolog.Nop()).Sent(ctx, m))

	err := delivery.NewMachine(s, nil, zerolog.Nop()).Failed(ctx, &stale, errors.New("timeout"))
	require.ErrorIs(t, err, delivery.ErrInvalidTransition)
}

func TestBoundMachineFollowsTransaction(t *testing.T) {
	s := testutil.NewTestStore(t)
	f := testutil.Seed(t, s)
	ctx := context.Background()
	d := delivery.NewMachine(s, nil, zerolog.Nop())

	m := f.CreateMessage(t, s, "bounced@example.com", model.CategoryOutboundLocal, model.DeliverySent)
	rollback := errors.New("rollback")
	err := s.WithTx(ctx, func(q *store.Queries) error {
		stale := *m
		require.NoError(t, d.Bind(q).Bounce(ctx, &stale))
		return rollback
	})
	require.ErrorIs(t, err, rollback)

	got, err := s.GetMessage(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DeliverySent, got.DeliveryStatus)

	require.NoError(t, s.WithTx(ctx, func(q *store.Queries) error {
		return d.Bind(q).Bounce(ctx, m)
	}))
	got, err = s.GetMessage(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DeliveryFailed, got.DeliveryStatus)

	// A second report for the same message changes nothing.
	require.NoError(t, d.Bounce(ctx, m))
}
