package model

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 25, cfg.Fetch.BatchSize)
	assert.Equal(t, "myriad", cfg.Fetch.LabelPrefix)
	assert.Equal(t, 3, cfg.Backfill.MaxAttempts)
	assert.Equal(t, "imap.gmail.com:993", cfg.IMAP.Addr())
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
fetch:
  batch_size: 10
  since_days: 30
  ignore_labels: ["Spam"]
  message_id_domain: mail.example.com
accounts:
  - id: acct
    email: owner@example.com
    aliases: [sales@example.com]
    campaigns:
      - slug: launch
        name: Launch
        sync_labels: true
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 10, cfg.Fetch.BatchSize)
	assert.Equal(t, []string{"Spam"}, cfg.Fetch.IgnoreLabels)
	assert.Equal(t, ".acct@mail.example.com", cfg.Fetch.ReplyMarker("acct"))

	acct, ok := cfg.Account("acct")
	require.True(t, ok)
	assert.Equal(t, []string{"sales@example.com"}, acct.Aliases)
	require.Len(t, acct.Campaigns, 1)
	assert.True(t, acct.Campaigns[0].SyncLabels)
}

func TestLoadConfigRejectsInvalidAccounts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("accounts:\n  - id: a\n"), 0o600))

	_, err := LoadConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "id and email are required")
}

func TestSaveConfigRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	cfg := DefaultConfig()
	cfg.Accounts = []AccountConfig{{ID: "acct", Email: "owner@example.com"}}
	require.NoError(t, SaveConfig(path, cfg))

	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	require.Len(t, loaded.Accounts, 1)
	assert.Equal(t, "owner@example.com", loaded.Accounts[0].Email)
}
