package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/omnipost/beam/internal/channel"
)

// Config is the main configuration structure
type Config struct {
	API       APIConfig                `yaml:"api"`
	Database  DatabaseConfig           `yaml:"database"`
	Attempts  AttemptsConfig           `yaml:"attempts"`
	Logging   LoggingConfig            `yaml:"logging"`
	Scheduler SchedulerConfig          `yaml:"scheduler"`
	Delivery  DeliveryConfig           `yaml:"delivery"`
	Channels  map[string]ChannelConfig `yaml:"channels"`
	Events    EventsConfig             `yaml:"events"`
}

// APIConfig contains HTTP server settings
type APIConfig struct {
	ListenAddr   string        `yaml:"listen_addr"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

// DatabaseConfig points at the SQLite database file
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AttemptsConfig controls the delivery attempt store
type AttemptsConfig struct {
	Path            string        `yaml:"path"`
	Retention       time.Duration `yaml:"retention"`        // Delete terminal attempts older than this (0 = keep forever)
	CleanupInterval time.Duration `yaml:"cleanup_interval"` // How often to run attempt cleanup
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// SchedulerConfig tunes the dispatch loop
type SchedulerConfig struct {
	StaleAfter time.Duration `yaml:"stale_after"` // Sending broadcasts claimed before this are resumed at startup
}

// DeliveryConfig tunes the per-message retry policy
type DeliveryConfig struct {
	MaxRetries    int           `yaml:"max_retries"`
	RetryInterval time.Duration `yaml:"retry_interval"`
}

// ChannelConfig overrides delivery tunables and binds a transport for one
// channel. Channels without a transport section are not sendable.
type ChannelConfig struct {
	Workers     int              `yaml:"workers"`
	RatePerSec  int              `yaml:"rate_per_sec"`
	SendTimeout time.Duration    `yaml:"send_timeout"`
	Transport   *TransportConfig `yaml:"transport"`
}

// TransportConfig selects and configures a channel transport
type TransportConfig struct {
	Kind string `yaml:"kind"` // webhook, smtp, telegram

	// webhook
	Endpoint string `yaml:"endpoint"`
	Token    string `yaml:"token"`

	// smtp
	Addr     string `yaml:"addr"`
	From     string `yaml:"from"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	// telegram
	BotToken string `yaml:"bot_token"`
}

// EventsConfig configures the status event publisher. Empty URL disables it.
type EventsConfig struct {
	URL      string `yaml:"url"`
	Exchange string `yaml:"exchange"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// setDefaults sets default values for configuration
func (c *Config) setDefaults() {
	if c.API.ListenAddr == "" {
		c.API.ListenAddr = ":8080"
	}
	if c.API.ReadTimeout == 0 {
		c.API.ReadTimeout = 30 * time.Second
	}
	if c.API.WriteTimeout == 0 {
		c.API.WriteTimeout = 30 * time.Second
	}
	if c.API.IdleTimeout == 0 {
		c.API.IdleTimeout = 60 * time.Second
	}

	if c.Database.Path == "" {
		c.Database.Path = "/var/lib/beam/beam.db"
	}
	if c.Attempts.Path == "" {
		c.Attempts.Path = "/var/lib/beam/attempts.db"
	}
	if c.Attempts.CleanupInterval == 0 {
		c.Attempts.CleanupInterval = time.Hour
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	if c.Scheduler.StaleAfter == 0 {
		c.Scheduler.StaleAfter = 10 * time.Minute
	}

	if c.Delivery.MaxRetries == 0 {
		c.Delivery.MaxRetries = 3
	}
	if c.Delivery.RetryInterval == 0 {
		c.Delivery.RetryInterval = 2 * time.Second
	}

	if c.Events.Exchange == "" {
		c.Events.Exchange = "beam.events"
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging.level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("invalid logging.format: %s (must be json or text)", c.Logging.Format)
	}

	if c.Delivery.MaxRetries < 1 {
		return fmt.Errorf("delivery.max_retries must be at least 1")
	}

	for name, ch := range c.Channels {
		if ch.Transport == nil {
			continue
		}
		switch ch.Transport.Kind {
		case "webhook":
			if ch.Transport.Endpoint == "" {
				return fmt.Errorf("channels.%s.transport.endpoint is required for webhook", name)
			}
		case "smtp":
			if ch.Transport.Addr == "" || ch.Transport.From == "" {
				return fmt.Errorf("channels.%s.transport needs addr and from for smtp", name)
			}
		case "telegram":
			if ch.Transport.BotToken == "" {
				return fmt.Errorf("channels.%s.transport.bot_token is required for telegram", name)
			}
		default:
			return fmt.Errorf("channels.%s.transport.kind must be webhook, smtp or telegram", name)
		}
	}
	return nil
}

// Overrides converts channel sections into policy overrides.
func (c *Config) Overrides() map[string]channel.Override {
	out := make(map[string]channel.Override, len(c.Channels))
	for name, ch := range c.Channels {
		out[name] = channel.Override{
			Workers:     ch.Workers,
			RatePerSec:  ch.RatePerSec,
			SendTimeout: ch.SendTimeout,
		}
	}
	return out
}
