package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/source"
	"github.com/nhle/mailsync/internal/store"
	"github.com/nhle/mailsync/internal/testutil"
)

func TestMigrationsApplied(t *testing.T) {
	s := testutil.NewTestStore(t)
	v, err := s.SchemaVersion(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, v)
}

func TestCreateMessageDuplicateHeaderID(t *testing.T) {
	s := testutil.NewTestStore(t)
	f := testutil.Seed(t, s)
	ctx := context.Background()

	first := f.CreateMessage(t, s, "a@example.com", model.CategoryInbound, model.DeliveryNone)
	assert.NotZero(t, first.ID)

	dup := f.NewMessage("a@example.com", model.CategoryInbound, model.DeliveryNone)
	err := s.CreateMessage(ctx, dup)
	require.Error(t, err)
	assert.True(t, source.IsIntegrityError(err))

	n, err := s.CountMessages(ctx, f.Account.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestFindByHeaderIDRoundTrip(t *testing.T) {
	s := testutil.NewTestStore(t)
	f := testutil.Seed(t, s)
	ctx := context.Background()

	uid := uint32(77)
	at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	m := f.NewMessage("root@example.com", model.CategoryOutboundLocal, model.DeliverySent)
	m.ReferenceChain = []string{"x@example.com", "y@example.com"}
	m.ProtocolID = &uid
	m.ThreadID = "123"
	m.SentOrReceivedAt = &at
	require.NoError(t, s.CreateMessage(ctx, m))

	got, err := s.FindByHeaderID(ctx, f.Account.ID, "root@example.com")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, m.ID, got.ID)
	assert.Equal(t, []string{"x@example.com", "y@example.com"}, got.ReferenceChain)
	require.NotNil(t, got.ProtocolID)
	assert.Equal(t, uid, *got.ProtocolID)
	require.NotNil(t, got.SentOrReceivedAt)
	assert.True(t, at.Equal(*got.SentOrReceivedAt))

	missing, err := s.FindByHeaderID(ctx, f.Account.ID, "nope@example.com")
	require.NoError(t, err)
	assert.Nil(t, missing)

	other, err := s.FindByHeaderID(ctx, "someone-else", "root@example.com")
	require.NoError(t, err)
	assert.Nil(t, other)
}

func TestFindHighestKnown(t *testing.T) {
	s := testutil.NewTestStore(t)
	f := testutil.Seed(t, s)
	ctx := context.Background()

	a := f.CreateMessage(t, s, "A", model.CategoryOutboundLocal, model.DeliverySent)
	c := f.CreateMessage(t, s, "C", model.CategoryInbound, model.DeliveryNone)
	require.Greater(t, c.ID, a.ID)

	got, err := s.FindHighestKnown(ctx, f.Account.ID, []string{"A", "B", "C"})
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "C", got.HeaderMessageID)

	got, err = s.FindHighestKnown(ctx, f.Account.ID, []string{"B"})
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = s.FindHighestKnown(ctx, f.Account.ID, nil)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestUpdateDeliveryStatusCompareAndSet(t *testing.T) {
	s := testutil.NewTestStore(t)
	f := testutil.Seed(t, s)
	ctx := context.Background()

	m := f.CreateMessage(t, s, "out@example.com", model.CategoryOutboundLocal, model.DeliverySending)
	now := time.Now().UTC()

	require.NoError(t, s.UpdateDeliveryStatus(ctx, m.ID, model.DeliverySending, model.DeliverySent, &now))
	err := s.UpdateDeliveryStatus(ctx, m.ID, model.DeliverySending, model.DeliverySendingFailed, nil)
	assert.ErrorIs(t, err, store.ErrStaleStatus)

	got, err := s.GetMessage(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DeliverySent, got.DeliveryStatus)
	assert.NotNil(t, got.SentOrReceivedAt)
}

func TestIdentifiersAndKnownSets(t *testing.T) {
	s := testutil.NewTestStore(t)
	f := testutil.Seed(t, s)
	ctx := context.Background()

	m := f.CreateMessage(t, s, "out@example.com", model.CategoryOutboundLocal, model.DeliverySent)
	missing, err := s.MessagesMissingIdentifiers(ctx, f.Account.ID, 0)
	require.NoError(t, err)
	require.Len(t, missing, 1)

	require.NoError(t, s.UpdateIdentifiers(ctx, m.ID, 9, "555"))

	threads, err := s.KnownThreadIDs(ctx, f.Account.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"555"}, threads)

	uids, err := s.KnownProtocolIDs(ctx, f.Account.ID)
	require.NoError(t, err)
	assert.Contains(t, uids, uint32(9))

	missing, err = s.MessagesMissingIdentifiers(ctx, f.Account.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, missing)

	require.NoError(t, s.ClearProtocolIDs(ctx, f.Account.ID))
	uids, err = s.KnownProtocolIDs(ctx, f.Account.ID)
	require.NoError(t, err)
	assert.Empty(t, uids)

	assert.ErrorIs(t, s.UpdateIdentifiers(ctx, 9999, 1, "1"), store.ErrNotFound)
}

func TestCursorNeverMovesBackwards(t *testing.T) {
	s := testutil.NewTestStore(t)
	f := testutil.Seed(t, s)
	ctx := context.Background()

	c, err := s.GetCursor(ctx, f.Account.ID, "[Gmail]/All Mail")
	require.NoError(t, err)
	assert.Zero(t, c.ValidityToken)
	assert.Zero(t, c.NextMarker)

	c.ValidityToken = 7
	c.NextMarker = 105
	require.NoError(t, s.SaveCursor(ctx, c))

	stale := *c
	stale.NextMarker = 100
	require.NoError(t, s.SaveCursor(ctx, &stale))

	got, err := s.GetCursor(ctx, f.Account.ID, "[Gmail]/All Mail")
	require.NoError(t, err)
	assert.Equal(t, uint32(105), got.NextMarker)

	reset := *got
	reset.Reset(8)
	reset.Advance(3)
	require.NoError(t, s.SaveCursor(ctx, &reset))

	got, err = s.GetCursor(ctx, f.Account.ID, "[Gmail]/All Mail")
	require.NoError(t, err)
	assert.Equal(t, uint32(8), got.ValidityToken)
	assert.Equal(t, uint32(3), got.NextMarker)

	require.NoError(t, s.DeleteCursor(ctx, f.Account.ID, "[Gmail]/All Mail"))
	got, err = s.GetCursor(ctx, f.Account.ID, "[Gmail]/All Mail")
	require.NoError(t, err)
	assert.Zero(t, got.ValidityToken)
}

func TestWithTxRollsBack(t *testing.T) {
	s := testutil.NewTestStore(t)
	f := testutil.Seed(t, s)
	ctx := context.Background()

	err := s.WithTx(ctx, func(q *store.Queries) error {
		m := f.NewMessage("tx@example.com", model.CategoryInbound, model.DeliveryNone)
		require.NoError(t, q.CreateMessage(ctx, m))
		require.NoError(t, q.SaveRawMail(ctx, m.ID, []byte("raw")))
		return assert.AnError
	})
	require.ErrorIs(t, err, assert.AnError)

	got, err := s.FindByHeaderID(ctx, f.Account.ID, "tx@example.com")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestContactsAndCampaigns(t *testing.T) {
	s := testutil.NewTestStore(t)
	f := testutil.Seed(t, s)
	ctx := context.Background()

	again, err := s.FindOrCreateContact(ctx, f.Account.ID, "ALICE@example.org", "")
	require.NoError(t, err)
	assert.Equal(t, f.Contact.ID, again.ID)

	ok, err := s.CampaignHasContact(ctx, f.Campaign.ID, f.Contact.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	camp := &model.Campaign{AccountID: f.Account.ID, Slug: "launch", Name: "Renamed"}
	require.NoError(t, s.UpsertCampaign(ctx, camp))
	assert.Equal(t, f.Campaign.ID, camp.ID)
	assert.Equal(t, "Renamed", camp.Name)

	found, err := s.FindCampaignBySlug(ctx, f.Account.ID, "unknown")
	require.NoError(t, err)
	assert.Nil(t, found)

	assert.True(t, f.Account.Owns("Sales@Example.com"))
	assert.False(t, f.Account.Owns("alice@example.org"))
}

func TestNotifications(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateNotification(ctx, model.Notification{
		AccountID: "acct",
		Kind:      model.NotifyInvalidCredentials,
		Detail:    "bad token",
	}))
	open, err := s.OpenNotifications(ctx, "acct")
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, model.NotifyInvalidCredentials, open[0].Kind)

	n, err := s.ResolveNotifications(ctx, "acct", model.NotifyInvalidCredentials)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	open, err = s.OpenNotifications(ctx, "acct")
	require.NoError(t, err)
	assert.Empty(t, open)
}
