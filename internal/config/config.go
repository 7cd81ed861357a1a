package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// PubSubDriver selects the transport behind the publish/subscribe boundary.
type PubSubDriver string

const (
	DriverSTOMP  PubSubDriver = "stomp"
	DriverNATS   PubSubDriver = "nats"
	DriverMemory PubSubDriver = "memory"
)

// Config holds the application configuration
type Config struct {
	API     APIConfig     `mapstructure:"api"`
	PubSub  PubSubConfig  `mapstructure:"pubsub"`
	Session SessionConfig `mapstructure:"session"`
	Outbox  OutboxConfig  `mapstructure:"outbox"`
	Log     LogConfig     `mapstructure:"log"`
}

// APIConfig holds the REST backend configuration
type APIConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Token   string        `mapstructure:"token"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// PubSubConfig holds the real-time channel configuration
type PubSubConfig struct {
	Driver   PubSubDriver `mapstructure:"driver"`
	URL      string       `mapstructure:"url"`
	Login    string       `mapstructure:"login"`
	Passcode string       `mapstructure:"passcode"`
	Host     string       `mapstructure:"host"`
}

// SessionConfig tunes the live conversation session
type SessionConfig struct {
	HistoryPageSize int           `mapstructure:"history_page_size"`
	FetchTimeout    time.Duration `mapstructure:"fetch_timeout"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
	ScrollDelay     time.Duration `mapstructure:"scroll_delay"`
}

// OutboxConfig holds the outgoing message journal configuration
type OutboxConfig struct {
	DBPath string `mapstructure:"db_path"`
}

// LogConfig holds the logger configuration
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("api.base_url", "http://localhost:8080/api/v1")
	v.SetDefault("api.token", "")
	v.SetDefault("api.timeout", 15*time.Second)

	v.SetDefault("pubsub.driver", string(DriverSTOMP))
	v.SetDefault("pubsub.url", "ws://localhost:8080/ws")
	v.SetDefault("pubsub.login", "")
	v.SetDefault("pubsub.passcode", "")
	v.SetDefault("pubsub.host", "/")

	v.SetDefault("session.history_page_size", 100)
	v.SetDefault("session.fetch_timeout", 15*time.Second)
	v.SetDefault("session.connect_timeout", 15*time.Second)
	v.SetDefault("session.scroll_delay", 100*time.Millisecond)

	v.SetDefault("outbox.db_path", "outbox.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// Load loads the configuration from config.yaml (or the file named by CONFIG_PATH),
// applying CONVO_* environment overrides on top.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path := os.Getenv("CONFIG_PATH"); path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("CONVO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.PubSub.Driver {
	case DriverSTOMP, DriverNATS, DriverMemory:
	default:
		return fmt.Errorf("unsupported pubsub driver %q (want stomp, nats or memory)", c.PubSub.Driver)
	}
	if c.Session.HistoryPageSize <= 0 {
		return fmt.Errorf("session.history_page_size must be positive, got %d", c.Session.HistoryPageSize)
	}
	return nil
}
