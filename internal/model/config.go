package model

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// CampaignConfig declares a campaign owned by an account.
type CampaignConfig struct {
	Slug       string `mapstructure:"slug" yaml:"slug"`
	Name       string `mapstructure:"name" yaml:"name"`
	SyncLabels bool   `mapstructure:"sync_labels" yaml:"sync_labels"`
}

// AccountConfig declares one synchronized mailbox.
type AccountConfig struct {
	// ID is the stable account identifier. It is also embedded in reply
	// markers, so it must not change once messages were sent.
	ID string `mapstructure:"id" yaml:"id"`

	Email     string           `mapstructure:"email" yaml:"email"`
	Aliases   []string         `mapstructure:"aliases" yaml:"aliases"`
	Campaigns []CampaignConfig `mapstructure:"campaigns" yaml:"campaigns"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

type ContentConfig struct {
	Dir string `mapstructure:"dir" yaml:"dir"`
}

// IMAPConfig holds connection settings for the remote server.
type IMAPConfig struct {
	Host string `mapstructure:"host" yaml:"host"`
	Port int    `mapstructure:"port" yaml:"port"`

	// IdleRestartSec bounds how long one IDLE command is held open.
	IdleRestartSec int `mapstructure:"idle_restart_sec" yaml:"idle_restart_sec"`
	TimeoutSec     int `mapstructure:"timeout_sec" yaml:"timeout_sec"`
}

// Addr returns host:port.
func (c IMAPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// FetchConfig controls sync passes.
type FetchConfig struct {
	IntervalSec int `mapstructure:"interval_sec" yaml:"interval_sec"`

	// BatchSize is the number of UIDs fetched per round-trip.
	BatchSize int `mapstructure:"batch_size" yaml:"batch_size"`

	// SinceDays limits searches to recent mail. Zero disables the floor.
	SinceDays int `mapstructure:"since_days" yaml:"since_days"`

	IgnoreLabels    []string `mapstructure:"ignore_labels" yaml:"ignore_labels"`
	LabelPrefix     string   `mapstructure:"label_prefix" yaml:"label_prefix"`
	MessageIDDomain string   `mapstructure:"message_id_domain" yaml:"message_id_domain"`
}

// Interval returns the scheduled fetch period.
func (c FetchConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSec) * time.Second
}

// Since returns the date floor relative to now, or the zero time.
func (c FetchConfig) Since(now time.Time) time.Time {
	if c.SinceDays <= 0 {
		return time.Time{}
	}
	return now.AddDate(0, 0, -c.SinceDays)
}

// ReplyMarker returns the Message-ID suffix embedded in outbound mail sent
// for accountID. Replies carry it in their In-Reply-To header.
func (c FetchConfig) ReplyMarker(accountID string) string {
	return "." + accountID + "@" + c.MessageIDDomain
}

type BackfillConfig struct {
	MaxAttempts int `mapstructure:"max_attempts" yaml:"max_attempts"`
	DelaySec    int `mapstructure:"delay_sec" yaml:"delay_sec"`
}

// OAuthConfig configures refresh-token exchange.
type OAuthConfig struct {
	ClientID     string `mapstructure:"client_id" yaml:"client_id"`
	ClientSecret string `mapstructure:"client_secret" yaml:"client_secret"`
	TokenURL     string `mapstructure:"token_url" yaml:"token_url"`
}

// CredentialsConfig locates the file keyring used when no system keyring
// is available.
type CredentialsConfig struct {
	Dir          string `mapstructure:"dir" yaml:"dir"`
	FilePassword string `mapstructure:"file_password" yaml:"file_password"`
}

type NATSConfig struct {
	URL    string `mapstructure:"url" yaml:"url"`
	Stream string `mapstructure:"stream" yaml:"stream"`
}

type MetricsConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
}

type LogConfig struct {
	Level    string `mapstructure:"level" yaml:"level"`
	Format   string `mapstructure:"format" yaml:"format"`
	Sanitize bool   `mapstructure:"sanitize" yaml:"sanitize"`
}

// AppConfig is the top-level application configuration.
type AppConfig struct {
	Database    DatabaseConfig    `mapstructure:"database" yaml:"database"`
	Content     ContentConfig     `mapstructure:"content" yaml:"content"`
	IMAP        IMAPConfig        `mapstructure:"imap" yaml:"imap"`
	Fetch       FetchConfig       `mapstructure:"fetch" yaml:"fetch"`
	Backfill    BackfillConfig    `mapstructure:"backfill" yaml:"backfill"`
	OAuth       OAuthConfig       `mapstructure:"oauth" yaml:"oauth"`
	Credentials CredentialsConfig `mapstructure:"credentials" yaml:"credentials"`
	NATS        NATSConfig        `mapstructure:"nats" yaml:"nats"`
	Metrics     MetricsConfig     `mapstructure:"metrics" yaml:"metrics"`
	Log         LogConfig         `mapstructure:"log" yaml:"log"`
	Accounts    []AccountConfig   `mapstructure:"accounts" yaml:"accounts"`
}

// Account returns the configured account with the given id.
func (c *AppConfig) Account(id string) (AccountConfig, bool) {
	for _, a := range c.Accounts {
		if a.ID == id {
			return a, true
		}
	}
	return AccountConfig{}, false
}

// DefaultConfigPath returns the default path for the configuration file,
// located at ~/.config/mailsync/config.yaml.
func DefaultConfigPath() string {
	return filepath.Join(configDir(), "config.yaml")
}

func configDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "mailsync")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.path", filepath.Join(configDir(), "mailsync.db"))
	v.SetDefault("content.dir", filepath.Join(configDir(), "content"))
	v.SetDefault("imap.host", "imap.gmail.com")
	v.SetDefault("imap.port", 993)
	v.SetDefault("imap.idle_restart_sec", 25*60)
	v.SetDefault("imap.timeout_sec", 60)
	v.SetDefault("fetch.interval_sec", 300)
	v.SetDefault("fetch.batch_size", 25)
	v.SetDefault("fetch.since_days", 0)
	v.SetDefault("fetch.ignore_labels", []string{})
	v.SetDefault("fetch.label_prefix", "myriad")
	v.SetDefault("fetch.message_id_domain", "mail.localhost")
	v.SetDefault("backfill.max_attempts", 3)
	v.SetDefault("backfill.delay_sec", 10)
	v.SetDefault("oauth.token_url", "https://oauth2.googleapis.com/token")
	v.SetDefault("credentials.dir", filepath.Join(configDir(), "credentials"))
	v.SetDefault("credentials.file_password", "mailsync-file-key")
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.stream", "MAILSYNC")
	v.SetDefault("metrics.addr", ":9464")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.sanitize", true)
}

// DefaultConfig returns the configuration used when no file exists.
func DefaultConfig() *AppConfig {
	v := viper.New()
	setDefaults(v)
	cfg := &AppConfig{}
	// Defaults are plain scalars, so decoding cannot fail.
	_ = v.Unmarshal(cfg)
	return cfg
}

// LoadConfig reads configuration from the given YAML file path using Viper.
// If the file does not exist, it returns a default configuration.
// Environment variables prefixed with MAILSYNC_ override file values.
func LoadConfig(path string) (*AppConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("MAILSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var pathErr *os.PathError
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &pathErr) && !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	cfg := &AppConfig{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks values that have no usable default.
func (c *AppConfig) Validate() error {
	if c.Fetch.BatchSize <= 0 {
		return errors.New("fetch.batch_size must be positive")
	}
	if c.Backfill.MaxAttempts <= 0 {
		return errors.New("backfill.max_attempts must be positive")
	}
	seen := make(map[string]bool, len(c.Accounts))
	for i, a := range c.Accounts {
		if a.ID == "" || a.Email == "" {
			return fmt.Errorf("accounts[%d]: id and email are required", i)
		}
		if seen[a.ID] {
			return fmt.Errorf("accounts[%d]: duplicate id %q", i, a.ID)
		}
		seen[a.ID] = true
		for j, camp := range a.Campaigns {
			if camp.Slug == "" {
				return fmt.Errorf("accounts[%d].campaigns[%d]: slug is required", i, j)
			}
		}
	}
	return nil
}

// SaveConfig writes the given configuration to a YAML file at path,
// creating parent directories if needed.
func SaveConfig(path string, cfg *AppConfig) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating config directory %s: %w", dir, err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.Set("database", cfg.Database)
	v.Set("content", cfg.Content)
	v.Set("imap", cfg.IMAP)
	v.Set("fetch", cfg.Fetch)
	v.Set("backfill", cfg.Backfill)
	v.Set("oauth", cfg.OAuth)
	v.Set("credentials", cfg.Credentials)
	v.Set("nats", cfg.NATS)
	v.Set("metrics", cfg.Metrics)
	v.Set("log", cfg.Log)
	v.Set("accounts", cfg.Accounts)

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}

	return nil
}
