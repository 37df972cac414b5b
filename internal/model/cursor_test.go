package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMailboxCursorPlan(t *testing.T) {
	c := &MailboxCursor{ValidityToken: 42, NextMarker: 100}

	assert.Equal(t, ScanPlan{Mode: ScanIncremental, From: 100, To: 105}, c.Plan(42, 105))
	assert.Equal(t, ScanSkip, c.Plan(42, 100).Mode)
	assert.Equal(t, ScanFull, c.Plan(43, 100).Mode, "validity change forces a rescan regardless of markers")
	assert.Equal(t, ScanFull, NewMailboxCursor("a", "m").Plan(42, 1).Mode)

	zero := &MailboxCursor{ValidityToken: 42}
	assert.Equal(t, ScanPlan{Mode: ScanIncremental, From: 1, To: 9}, zero.Plan(42, 9))
}

func TestMailboxCursorAdvanceIsMonotonic(t *testing.T) {
	c := &MailboxCursor{ValidityToken: 1, NextMarker: 50}
	c.Advance(40)
	assert.Equal(t, uint32(50), c.NextMarker)
	c.Advance(60)
	assert.Equal(t, uint32(60), c.NextMarker)

	c.Reset(2)
	assert.Equal(t, uint32(2), c.ValidityToken)
	assert.Zero(t, c.NextMarker)
}

func TestCampaignLabels(t *testing.T) {
	assert.Equal(t, "myriad/launch", CampaignLabel("myriad", "launch"))

	slug, ok := CampaignSlugFromLabel("myriad", "myriad/launch")
	assert.True(t, ok)
	assert.Equal(t, "launch", slug)

	_, ok = CampaignSlugFromLabel("myriad", `\Inbox`)
	assert.False(t, ok)
	_, ok = CampaignSlugFromLabel("myriad", "myriad/")
	assert.False(t, ok)
	_, ok = CampaignSlugFromLabel("myriad", "myriad/a/b")
	assert.False(t, ok)
}

func TestNormalizeMessageID(t *testing.T) {
	assert.Equal(t, "abc@example.com", NormalizeMessageID(" <abc@example.com> "))
	assert.Equal(t, "abc@example.com", NormalizeMessageID("abc@example.com"))
}
