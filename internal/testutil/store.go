package testutil

import (
	"context"
	"testing"

	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/store"
)

// NewTestStore creates an in-memory SQLiteStore with all migrations applied.
// It automatically closes the store when the test completes.
func NewTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()

	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("creating test store: %v", err)
	}

	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("closing test store: %v", err)
		}
	})

	return s
}

// Fixture is a seeded account with one campaign and one contact.
type Fixture struct {
	Account  *model.Account
	Campaign *model.Campaign
	Contact  *model.Contact
}

// Seed creates the account "acct" (owner@example.com, alias
// sales@example.com), the campaign "launch" and the contact
// alice@example.org attached to it.
func Seed(t *testing.T, s *store.SQLiteStore) Fixture {
	t.Helper()
	ctx := context.Background()

	acct := model.Account{ID: "acct", Email: "owner@example.com", Aliases: []string{"sales@example.com"}}
	if err := s.UpsertAccount(ctx, acct); err != nil {
		t.Fatalf("seeding account: %v", err)
	}
	stored, err := s.GetAccount(ctx, acct.ID)
	if err != nil {
		t.Fatalf("loading account: %v", err)
	}

	camp := &model.Campaign{AccountID: acct.ID, Slug: "launch", Name: "Launch", SyncLabels: true}
	if err := s.UpsertCampaign(ctx, camp); err != nil {
		t.Fatalf("seeding campaign: %v", err)
	}

	contact, err := s.FindOrCreateContact(ctx, acct.ID, "alice@example.org", "Alice")
	if err != nil {
		t.Fatalf("seeding contact: %v", err)
	}
	if err := s.AttachContact(ctx, camp.ID, contact.ID); err != nil {
		t.Fatalf("attaching contact: %v", err)
	}

	return Fixture{Account: stored, Campaign: camp, Contact: contact}
}

// NewMessage returns an unsaved message for the fixture's conversation.
func (f Fixture) NewMessage(headerID string, category model.Category, status model.DeliveryStatus) *model.Message {
	return &model.Message{
		AccountID:       f.Account.ID,
		HeaderMessageID: headerID,
		Category:        category,
		DeliveryStatus:  status,
		CampaignID:      f.Campaign.ID,
		ContactID:       f.Contact.ID,
		From:            f.Account.Email,
		To:              f.Contact.Email,
		Subject:         "Hello",
	}
}

// CreateMessage stores a message for the fixture's conversation.
func (f Fixture) CreateMessage(t *testing.T, s *store.SQLiteStore, headerID string, category model.Category, status model.DeliveryStatus) *model.Message {
	t.Helper()
	m := f.NewMessage(headerID, category, status)
	if err := s.CreateMessage(context.Background(), m); err != nil {
		t.Fatalf("creating message %s: %v", headerID, err)
	}
	return m
}
