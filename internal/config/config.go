package config

import (
	"embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed example.yaml
var exampleConfig embed.FS

// Config represents the complete zapfeed configuration
type Config struct {
	Site          Site          `yaml:"site"`
	Identity      Identity      `yaml:"identity"`
	Relays        Relays        `yaml:"relays"`
	Feed          Feed          `yaml:"feed"`
	Receipts      Receipts      `yaml:"receipts"`
	Subscriptions Subscriptions `yaml:"subscriptions"`
	Validation    Validation    `yaml:"validation"`
	Wallet        Wallet        `yaml:"wallet"`
	Logging       Logging       `yaml:"logging"`
}

// Site contains site metadata
type Site struct {
	Title    string `yaml:"title"`
	Operator string `yaml:"operator"`
}

// Identity contains the viewer's Nostr identity
type Identity struct {
	Npub string `yaml:"npub"`
}

// Relays contains relay configuration
type Relays struct {
	Seeds  []string    `yaml:"seeds"`
	Policy RelayPolicy `yaml:"policy"`
}

// RelayPolicy contains relay connection policies
type RelayPolicy struct {
	ConnectTimeoutMs  int `yaml:"connect_timeout_ms"`
	MaxConcurrentSubs int `yaml:"max_concurrent_subs"`
}

// Feed contains feed query settings
type Feed struct {
	Tag string `yaml:"tag"` // "t" tag that marks payable posts

	// PageSize is the number of posts per feed page.
	PageSize int `yaml:"page_size"`

	// DedupBuffer multiplies PageSize to size per-relay result caps so the
	// deduplicated union still fills a page despite relay overlap.
	DedupBuffer int `yaml:"dedup_buffer"`

	// MaxFilterAuthors is the relay-safety bound on authors per filter.
	// Larger author sets are chunked for queries and disqualify live
	// subscriptions entirely.
	MaxFilterAuthors int `yaml:"max_filter_authors"`
}

// Receipts contains zap receipt batching settings
type Receipts struct {
	BatchSize    int `yaml:"batch_size"`     // flush immediately at this many pending receipts
	BatchQuietMs int `yaml:"batch_quiet_ms"` // otherwise flush after this quiet period
}

// Subscriptions contains live subscription reconciliation settings
type Subscriptions struct {
	DebounceMs        int `yaml:"debounce_ms"`         // collapse state churn before diffing filters
	SinceDriftSeconds int `yaml:"since_drift_seconds"` // tolerated since-cursor drift before resubscribing
}

// Validation contains claim verification settings
type Validation struct {
	HTTPTimeoutMs int `yaml:"http_timeout_ms"`
}

// Wallet contains the Nostr Wallet Connect configuration
type Wallet struct {
	// ConnectURI is a nostr+walletconnect:// pairing string. The secret
	// portion may instead be supplied via ZAPFEED_WALLET_URI.
	ConnectURI       string `yaml:"connect_uri"`
	RequestTimeoutMs int    `yaml:"request_timeout_ms"`
}

// Logging contains logging configuration
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// applyDefaults fills in missing configuration fields with sensible defaults
func applyDefaults(cfg *Config) {
	defaults := Default()

	if cfg.Feed.Tag == "" {
		cfg.Feed.Tag = defaults.Feed.Tag
	}
	if cfg.Feed.PageSize == 0 {
		cfg.Feed.PageSize = defaults.Feed.PageSize
	}
	if cfg.Feed.DedupBuffer == 0 {
		cfg.Feed.DedupBuffer = defaults.Feed.DedupBuffer
	}
	if cfg.Feed.MaxFilterAuthors == 0 {
		cfg.Feed.MaxFilterAuthors = defaults.Feed.MaxFilterAuthors
	}

	if cfg.Receipts.BatchSize == 0 {
		cfg.Receipts.BatchSize = defaults.Receipts.BatchSize
	}
	if cfg.Receipts.BatchQuietMs == 0 {
		cfg.Receipts.BatchQuietMs = defaults.Receipts.BatchQuietMs
	}

	if cfg.Subscriptions.DebounceMs == 0 {
		cfg.Subscriptions.DebounceMs = defaults.Subscriptions.DebounceMs
	}
	if cfg.Subscriptions.SinceDriftSeconds == 0 {
		cfg.Subscriptions.SinceDriftSeconds = defaults.Subscriptions.SinceDriftSeconds
	}

	if cfg.Validation.HTTPTimeoutMs == 0 {
		cfg.Validation.HTTPTimeoutMs = defaults.Validation.HTTPTimeoutMs
	}
	if cfg.Wallet.RequestTimeoutMs == 0 {
		cfg.Wallet.RequestTimeoutMs = defaults.Wallet.RequestTimeoutMs
	}

	if cfg.Relays.Policy.ConnectTimeoutMs == 0 {
		cfg.Relays.Policy.ConnectTimeoutMs = defaults.Relays.Policy.ConnectTimeoutMs
	}
	if cfg.Relays.Policy.MaxConcurrentSubs == 0 {
		cfg.Relays.Policy.MaxConcurrentSubs = defaults.Relays.Policy.MaxConcurrentSubs
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = defaults.Logging.Level
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = defaults.Logging.Format
	}
}

// Load reads and parses a configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Apply defaults for missing fields
	applyDefaults(&cfg)

	// Apply environment variable overrides
	applyEnvOverrides(&cfg)

	// Validate configuration
	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// applyEnvOverrides applies environment variable overrides to config
func applyEnvOverrides(cfg *Config) {
	// The wallet pairing URI embeds a secret, so it should not live in the
	// config file on shared machines.
	if uri := os.Getenv("ZAPFEED_WALLET_URI"); uri != "" {
		cfg.Wallet.ConnectURI = uri
	}
}

// GetExampleConfig returns the embedded example configuration
func GetExampleConfig() ([]byte, error) {
	return exampleConfig.ReadFile("example.yaml")
}

// Default returns a configuration with sensible defaults
func Default() *Config {
	return &Config{
		Site: Site{
			Title:    "zapfeed",
			Operator: "Anonymous",
		},
		Relays: Relays{
			Seeds: []string{
				"wss://relay.damus.io",
				"wss://nos.lol",
			},
			Policy: RelayPolicy{
				ConnectTimeoutMs:  30000,
				MaxConcurrentSubs: 10,
			},
		},
		Feed: Feed{
			Tag:              "zapfeed",
			PageSize:         20,
			DedupBuffer:      3,
			MaxFilterAuthors: 100,
		},
		Receipts: Receipts{
			BatchSize:    10,
			BatchQuietMs: 500,
		},
		Subscriptions: Subscriptions{
			DebounceMs:        300,
			SinceDriftSeconds: 5,
		},
		Validation: Validation{
			HTTPTimeoutMs: 10000,
		},
		Wallet: Wallet{
			RequestTimeoutMs: 15000,
		},
		Logging: Logging{
			Level:  "info",
			Format: "text",
		},
	}
}

// Validate checks a configuration for invalid or inconsistent values
func Validate(cfg *Config) error {
	if cfg.Identity.Npub != "" && !strings.HasPrefix(cfg.Identity.Npub, "npub1") {
		return fmt.Errorf("identity.npub must start with 'npub1'")
	}

	if len(cfg.Relays.Seeds) == 0 {
		return fmt.Errorf("at least one relay seed is required")
	}
	for _, seed := range cfg.Relays.Seeds {
		if !strings.HasPrefix(seed, "wss://") && !strings.HasPrefix(seed, "ws://") {
			return fmt.Errorf("relay seed must start with ws:// or wss://: %s", seed)
		}
	}

	if cfg.Feed.PageSize < 1 || cfg.Feed.PageSize > 500 {
		return fmt.Errorf("feed.page_size must be between 1 and 500")
	}
	if cfg.Feed.DedupBuffer < 1 || cfg.Feed.DedupBuffer > 10 {
		return fmt.Errorf("feed.dedup_buffer must be between 1 and 10")
	}
	if cfg.Feed.MaxFilterAuthors < 1 || cfg.Feed.MaxFilterAuthors > 1000 {
		return fmt.Errorf("feed.max_filter_authors must be between 1 and 1000")
	}

	if cfg.Receipts.BatchSize < 1 || cfg.Receipts.BatchSize > 1000 {
		return fmt.Errorf("receipts.batch_size must be between 1 and 1000")
	}
	if cfg.Receipts.BatchQuietMs < 10 || cfg.Receipts.BatchQuietMs > 60000 {
		return fmt.Errorf("receipts.batch_quiet_ms must be between 10 and 60000")
	}

	if cfg.Subscriptions.DebounceMs < 10 || cfg.Subscriptions.DebounceMs > 10000 {
		return fmt.Errorf("subscriptions.debounce_ms must be between 10 and 10000")
	}
	if cfg.Subscriptions.SinceDriftSeconds < 1 || cfg.Subscriptions.SinceDriftSeconds > 300 {
		return fmt.Errorf("subscriptions.since_drift_seconds must be between 1 and 300")
	}

	if cfg.Wallet.ConnectURI != "" && !strings.HasPrefix(cfg.Wallet.ConnectURI, "nostr+walletconnect://") {
		return fmt.Errorf("wallet.connect_uri must start with 'nostr+walletconnect://'")
	}

	if !validLogLevels[cfg.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (must be one of: debug, info, warn, error)", cfg.Logging.Level)
	}

	return nil
}
