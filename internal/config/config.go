package config

import (
	"log"
	"os"

	"gopkg.in/yaml.v3"
)

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

type RedisConfig struct {
	URL           string `yaml:"url"`
	TaskQueue     string `yaml:"taskQueue"`
	EventsChannel string `yaml:"eventsChannel"`
}

type HTTPEngineConfig struct {
	TimeoutS    int `yaml:"timeoutS"`
	MaxBodyMB   int `yaml:"maxBodyMb"`
	MaxRedirect int `yaml:"maxRedirects"`
}

type BrowserEngineConfig struct {
	Enabled      bool   `yaml:"enabled"`
	ControlURL   string `yaml:"controlURL"`
	NavTimeoutMs int    `yaml:"navTimeoutMs"`
}

// ProviderKeyConfig is one paid-API key with its credit allowance. Keys are
// seeded into the ledger at startup.
type ProviderKeyConfig struct {
	Provider string `yaml:"provider"`
	Key      string `yaml:"key"`
	Credits  int64  `yaml:"credits"`
}

type ProviderEngineConfig struct {
	BaseURL  string              `yaml:"baseURL"`
	TimeoutS int                 `yaml:"timeoutS"`
	RenderJS bool                `yaml:"renderJs"`
	Premium  bool                `yaml:"premium"`
	Keys     []ProviderKeyConfig `yaml:"keys"`
}

// ProfileConfig is the default browser fingerprint. Jobs may override single
// fields through their browser_profile.
type ProfileConfig struct {
	UserAgent      string `yaml:"userAgent"`
	ViewportWidth  int    `yaml:"viewportWidth"`
	ViewportHeight int    `yaml:"viewportHeight"`
	Locale         string `yaml:"locale"`
	Timezone       string `yaml:"timezone"`
	AcceptLanguage string `yaml:"acceptLanguage"`
	ColorScheme    string `yaml:"colorScheme"`
}

type SessionConfig struct {
	MaxAgeMin              int    `yaml:"maxAgeMin"`
	MaxUses                int    `yaml:"maxUses"`
	MaxFailureStreak       int    `yaml:"maxFailureStreak"`
	PersistPath            string `yaml:"persistPath"`
	CleanupIntervalMinutes int    `yaml:"cleanupIntervalMinutes"`
}

type RunsConfig struct {
	DefaultMaxAttempts     int `yaml:"defaultMaxAttempts"`
	BackOffBaseS           int `yaml:"backOffBaseS"`
	BackOffCapS            int `yaml:"backOffCapS"`
	MaxProviderCredits     int `yaml:"maxProviderCredits"`
	ListMaxPagesDefault    int `yaml:"listMaxPagesDefault"`
	ListMaxItemsDefault    int `yaml:"listMaxItemsDefault"`
	CancelPollIntervalMs   int `yaml:"cancelPollIntervalMs"`
	SnapshotMaxMarkdownKB  int `yaml:"snapshotMaxMarkdownKb"`
	HostileDomainThreshold int `yaml:"hostileDomainThreshold"`
}

type WorkerConfig struct {
	MaxConcurrentRuns int `yaml:"maxConcurrentRuns"`
	BlockTimeoutS     int `yaml:"blockTimeoutS"`
}

type RobotsConfig struct {
	Respect bool `yaml:"respect"`
}

type RetentionConfig struct {
	Enabled                bool `yaml:"enabled"`
	CleanupIntervalMinutes int  `yaml:"cleanupIntervalMinutes"`
	RunsDays               int  `yaml:"runsDays"`
}

type Config struct {
	Server    ServerConfig         `yaml:"server"`
	Database  DatabaseConfig       `yaml:"database"`
	Redis     RedisConfig          `yaml:"redis"`
	HTTP      HTTPEngineConfig     `yaml:"http"`
	Browser   BrowserEngineConfig  `yaml:"browser"`
	Provider  ProviderEngineConfig `yaml:"provider"`
	Profile   ProfileConfig        `yaml:"profile"`
	Sessions  SessionConfig        `yaml:"sessions"`
	Runs      RunsConfig           `yaml:"runs"`
	Worker    WorkerConfig         `yaml:"worker"`
	Robots    RobotsConfig         `yaml:"robots"`
	Retention RetentionConfig      `yaml:"retention"`
}

func Load(path string) *Config {
	f, err := os.Open(path)
	if err != nil {
		log.Fatalf("failed to open config file: %v", err)
	}
	defer f.Close()

	var cfg Config
	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		log.Fatalf("failed to decode config: %v", err)
	}
	cfg.setDefaults()

	return &cfg
}

// setDefaults fills unset values with the documented defaults so a minimal
// config file stays valid.
func (c *Config) setDefaults() {
	if c.Redis.TaskQueue == "" {
		c.Redis.TaskQueue = "harvester:tasks"
	}
	if c.Redis.EventsChannel == "" {
		c.Redis.EventsChannel = "harvester:events"
	}
	if c.HTTP.TimeoutS <= 0 {
		c.HTTP.TimeoutS = 20
	}
	if c.HTTP.MaxBodyMB <= 0 {
		c.HTTP.MaxBodyMB = 10
	}
	if c.HTTP.MaxRedirect <= 0 {
		c.HTTP.MaxRedirect = 10
	}
	if c.Browser.NavTimeoutMs <= 0 {
		c.Browser.NavTimeoutMs = 30000
	}
	if c.Provider.TimeoutS <= 0 {
		c.Provider.TimeoutS = 60
	}
	if c.Profile.UserAgent == "" {
		c.Profile.UserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
	}
	if c.Profile.ViewportWidth <= 0 {
		c.Profile.ViewportWidth = 1920
	}
	if c.Profile.ViewportHeight <= 0 {
		c.Profile.ViewportHeight = 1080
	}
	if c.Profile.Locale == "" {
		c.Profile.Locale = "en-US"
	}
	if c.Profile.Timezone == "" {
		c.Profile.Timezone = "America/New_York"
	}
	if c.Profile.AcceptLanguage == "" {
		c.Profile.AcceptLanguage = "en-US,en;q=0.9"
	}
	if c.Profile.ColorScheme == "" {
		c.Profile.ColorScheme = "light"
	}
	if c.Sessions.MaxAgeMin <= 0 {
		c.Sessions.MaxAgeMin = 120
	}
	if c.Sessions.MaxUses <= 0 {
		c.Sessions.MaxUses = 100
	}
	if c.Sessions.MaxFailureStreak <= 0 {
		c.Sessions.MaxFailureStreak = 3
	}
	if c.Sessions.CleanupIntervalMinutes <= 0 {
		c.Sessions.CleanupIntervalMinutes = 10
	}
	if c.Runs.DefaultMaxAttempts <= 0 {
		c.Runs.DefaultMaxAttempts = 3
	}
	if c.Runs.BackOffBaseS <= 0 {
		c.Runs.BackOffBaseS = 10
	}
	if c.Runs.BackOffCapS <= 0 {
		c.Runs.BackOffCapS = 300
	}
	if c.Runs.MaxProviderCredits <= 0 {
		c.Runs.MaxProviderCredits = 3
	}
	if c.Runs.ListMaxPagesDefault <= 0 {
		c.Runs.ListMaxPagesDefault = 10
	}
	if c.Runs.ListMaxItemsDefault <= 0 {
		c.Runs.ListMaxItemsDefault = 100
	}
	if c.Runs.CancelPollIntervalMs <= 0 {
		c.Runs.CancelPollIntervalMs = 1000
	}
	if c.Runs.SnapshotMaxMarkdownKB <= 0 {
		c.Runs.SnapshotMaxMarkdownKB = 64
	}
	if c.Runs.HostileDomainThreshold <= 0 {
		c.Runs.HostileDomainThreshold = 3
	}
	if c.Worker.MaxConcurrentRuns <= 0 {
		c.Worker.MaxConcurrentRuns = 4
	}
	if c.Worker.BlockTimeoutS <= 0 {
		c.Worker.BlockTimeoutS = 5
	}
	if c.Retention.CleanupIntervalMinutes <= 0 {
		c.Retention.CleanupIntervalMinutes = 60
	}
	if c.Retention.RunsDays <= 0 {
		c.Retention.RunsDays = 30
	}
}
