package model

import (
	"strings"
	"time"
)

// Account is a mailbox owner that the engine synchronizes.
type Account struct {
	ID        string    `json:"id" db:"id"`
	Email     string    `json:"email" db:"email"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`

	// Aliases are additional sender addresses owned by the account.
	Aliases []string `json:"aliases,omitempty" db:"-"`
}

// Owns reports whether addr is the account's primary address or one of
// its aliases. The comparison is case-insensitive.
func (a *Account) Owns(addr string) bool {
	addr = strings.ToLower(strings.TrimSpace(addr))
	if addr == "" {
		return false
	}
	if strings.EqualFold(a.Email, addr) {
		return true
	}
	for _, alias := range a.Aliases {
		if strings.EqualFold(alias, addr) {
			return true
		}
	}
	return false
}

// Campaign groups outbound messages and the contacts they were sent to.
type Campaign struct {
	ID        string `json:"id" db:"id"`
	AccountID string `json:"account_id" db:"account_id"`

	// Slug names the campaign label on the server: <prefix>/<slug>.
	Slug string `json:"slug" db:"slug"`
	Name string `json:"name" db:"name"`

	// SyncLabels makes the backfill worker apply the campaign label to
	// outbound messages once their UID is known.
	SyncLabels bool `json:"sync_labels" db:"sync_labels"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Label returns the server label for the campaign under prefix.
func (c *Campaign) Label(prefix string) string {
	return CampaignLabel(prefix, c.Slug)
}

// CampaignLabel joins a label prefix and a campaign slug.
func CampaignLabel(prefix, slug string) string {
	if prefix == "" {
		return slug
	}
	return prefix + "/" + slug
}

// CampaignSlugFromLabel returns the slug part of a campaign label, or false
// when label does not follow the <prefix>/<slug> convention.
func CampaignSlugFromLabel(prefix, label string) (string, bool) {
	if prefix == "" {
		return label, label != ""
	}
	slug, ok := strings.CutPrefix(label, prefix+"/")
	if !ok || slug == "" || strings.Contains(slug, "/") {
		return "", false
	}
	return slug, true
}

// Contact is a correspondent of an account.
type Contact struct {
	ID        string    `json:"id" db:"id"`
	AccountID string    `json:"account_id" db:"account_id"`
	Email     string    `json:"email" db:"email"`
	Name      string    `json:"name" db:"name"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}
