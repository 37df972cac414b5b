package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/nhle/mailsync/internal/model"
)

// UpsertAccount inserts or updates an account and replaces its aliases.
func (q *Queries) UpsertAccount(ctx context.Context, a model.Account) error {
	if strings.TrimSpace(a.ID) == "" || strings.TrimSpace(a.Email) == "" {
		return fmt.Errorf("account id and email must not be empty")
	}
	now := time.Now().UTC()
	_, err := q.x.ExecContext(ctx, `
		INSERT INTO accounts (id, email, created_at, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET email = excluded.email, updated_at = excluded.updated_at`,
		a.ID, a.Email, now, now,
	)
	if err != nil {
		return fmt.Errorf("upserting account %s: %w", a.ID, err)
	}

	if _, err := q.x.ExecContext(ctx, "DELETE FROM account_addresses WHERE account_id = ?", a.ID); err != nil {
		return fmt.Errorf("clearing aliases of account %s: %w", a.ID, err)
	}
	for _, alias := range a.Aliases {
		if _, err := q.x.ExecContext(ctx,
			"INSERT OR IGNORE INTO account_addresses (account_id, address) VALUES (?, ?)",
			a.ID, strings.TrimSpace(alias),
		); err != nil {
			return fmt.Errorf("adding alias to account %s: %w", a.ID, err)
		}
	}
	return nil
}

// GetAccount returns an account with its aliases.
func (q *Queries) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	var a model.Account
	if err := sqlx.GetContext(ctx, q.x, &a, "SELECT id, email, created_at, updated_at FROM accounts WHERE id = ?", id); err != nil {
		if notFound(err) {
			return nil, fmt.Errorf("account %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("getting account %s: %w", id, err)
	}
	if err := sqlx.SelectContext(ctx, q.x, &a.Aliases,
		"SELECT address FROM account_addresses WHERE account_id = ? ORDER BY address", id,
	); err != nil {
		return nil, fmt.Errorf("listing aliases of account %s: %w", id, err)
	}
	return &a, nil
}

// ListAccounts returns all accounts ordered by id.
func (q *Queries) ListAccounts(ctx context.Context) ([]model.Account, error) {
	var ids []string
	if err := sqlx.SelectContext(ctx, q.x, &ids, "SELECT id FROM accounts ORDER BY id"); err != nil {
		return nil, fmt.Errorf("listing accounts: %w", err)
	}
	accounts := make([]model.Account, 0, len(ids))
	for _, id := range ids {
		a, err := q.GetAccount(ctx, id)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, *a)
	}
	return accounts, nil
}

// UpsertCampaign inserts a campaign or updates the one with the same
// account and slug. c.ID is set to the stored id.
func (q *Queries) UpsertCampaign(ctx context.Context, c *model.Campaign) error {
	if strings.TrimSpace(c.Slug) == "" {
		return fmt.Errorf("campaign slug must not be empty")
	}
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	_, err := q.x.ExecContext(ctx, `
		INSERT INTO campaigns (id, account_id, slug, name, sync_labels, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_id, slug) DO UPDATE SET
			name = excluded.name, sync_labels = excluded.sync_labels, updated_at = excluded.updated_at`,
		c.ID, c.AccountID, c.Slug, c.Name, boolToInt(c.SyncLabels), now, now,
	)
	if err != nil {
		return fmt.Errorf("upserting campaign %s: %w", c.Slug, err)
	}
	stored, err := q.FindCampaignBySlug(ctx, c.AccountID, c.Slug)
	if err != nil {
		return err
	}
	*c = *stored
	return nil
}

// GetCampaign returns a campaign by id.
func (q *Queries) GetCampaign(ctx context.Context, id string) (*model.Campaign, error) {
	var c model.Campaign
	if err := sqlx.GetContext(ctx, q.x, &c, "SELECT * FROM campaigns WHERE id = ?", id); err != nil {
		if notFound(err) {
			return nil, fmt.Errorf("campaign %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("getting campaign %s: %w", id, err)
	}
	return &c, nil
}

// FindCampaignBySlug returns the account's campaign with slug, or nil.
func (q *Queries) FindCampaignBySlug(ctx context.Context, accountID, slug string) (*model.Campaign, error) {
	var c model.Campaign
	err := sqlx.GetContext(ctx, q.x, &c,
		"SELECT * FROM campaigns WHERE account_id = ? AND slug = ?", accountID, slug)
	if err != nil {
		if notFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("finding campaign %s: %w", slug, err)
	}
	return &c, nil
}

// ListCampaigns returns the account's campaigns ordered by slug.
func (q *Queries) ListCampaigns(ctx context.Context, accountID string) ([]model.Campaign, error) {
	var out []model.Campaign
	if err := sqlx.SelectContext(ctx, q.x, &out,
		"SELECT * FROM campaigns WHERE account_id = ? ORDER BY slug", accountID,
	); err != nil {
		return nil, fmt.Errorf("listing campaigns: %w", err)
	}
	return out, nil
}

// FindOrCreateContact returns the account's contact for email, creating it
// when missing. Addresses compare case-insensitively.
func (q *Queries) FindOrCreateContact(ctx context.Context, accountID, email, name string) (*model.Contact, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return nil, fmt.Errorf("contact email must not be empty")
	}

	var c model.Contact
	err := sqlx.GetContext(ctx, q.x, &c,
		"SELECT * FROM contacts WHERE account_id = ? AND email = ?", accountID, email)
	if err == nil {
		return &c, nil
	}
	if !notFound(err) {
		return nil, fmt.Errorf("finding contact: %w", err)
	}

	now := time.Now().UTC()
	c = model.Contact{
		ID:        uuid.New().String(),
		AccountID: accountID,
		Email:     email,
		Name:      name,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err = q.x.ExecContext(ctx, `
		INSERT INTO contacts (id, account_id, email, name, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		c.ID, c.AccountID, c.Email, c.Name, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("creating contact: %w", err)
	}
	return &c, nil
}

// AttachContact links a contact to a campaign. Existing links are kept.
func (q *Queries) AttachContact(ctx context.Context, campaignID, contactID string) error {
	_, err := q.x.ExecContext(ctx,
		"INSERT OR IGNORE INTO campaign_contacts (campaign_id, contact_id, created_at) VALUES (?, ?, ?)",
		campaignID, contactID, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("attaching contact %s to campaign %s: %w", contactID, campaignID, err)
	}
	return nil
}

// CampaignHasContact reports whether the contact is attached to the campaign.
func (q *Queries) CampaignHasContact(ctx context.Context, campaignID, contactID string) (bool, error) {
	var n int
	err := sqlx.GetContext(ctx, q.x, &n,
		"SELECT COUNT(*) FROM campaign_contacts WHERE campaign_id = ? AND contact_id = ?",
		campaignID, contactID,
	)
	if err != nil {
		return false, fmt.Errorf("checking campaign contact: %w", err)
	}
	return n > 0, nil
}
