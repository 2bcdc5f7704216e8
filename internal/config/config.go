// Package config loads gamestats-cli configuration from config.yaml and
// GAMESTATS_* environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ErrMissingCredentials is returned by Validate when a required credential
// or connection setting is absent. It is fatal at startup and never retried.
var ErrMissingCredentials = eris.New("config: missing credentials")

// Config holds the full application configuration.
type Config struct {
	Store    StoreConfig    `yaml:"store" mapstructure:"store"`
	Twitch   TwitchConfig   `yaml:"twitch" mapstructure:"twitch"`
	Harvest  HarvestConfig  `yaml:"harvest" mapstructure:"harvest"`
	Match    MatchConfig    `yaml:"match" mapstructure:"match"`
	Sync     SyncConfig     `yaml:"sync" mapstructure:"sync"`
	Retry    RetryConfig    `yaml:"retry" mapstructure:"retry"`
	Circuit  CircuitConfig  `yaml:"circuit" mapstructure:"circuit"`
	Schedule ScheduleConfig `yaml:"schedule" mapstructure:"schedule"`
	Server   ServerConfig   `yaml:"server" mapstructure:"server"`
	Log      LogConfig      `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// TwitchConfig holds Twitch Helix API credentials and client settings.
type TwitchConfig struct {
	ClientID     string  `yaml:"client_id" mapstructure:"client_id"`
	AccessToken  string  `yaml:"access_token" mapstructure:"access_token"`
	ClientSecret string  `yaml:"client_secret" mapstructure:"client_secret"`
	BaseURL      string  `yaml:"base_url" mapstructure:"base_url"`
	TokenURL     string  `yaml:"token_url" mapstructure:"token_url"`
	RateLimit    float64 `yaml:"rate_limit" mapstructure:"rate_limit"`
	TimeoutSecs  int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	BoxArtSize   string  `yaml:"box_art_size" mapstructure:"box_art_size"`
}

// HarvestConfig configures the headless browser harvest of the Steam chart.
type HarvestConfig struct {
	URL             string `yaml:"url" mapstructure:"url"`
	UserAgent       string `yaml:"user_agent" mapstructure:"user_agent"`
	NavTimeoutSecs  int    `yaml:"nav_timeout_secs" mapstructure:"nav_timeout_secs"`
	ScrollAttempts  int    `yaml:"scroll_attempts" mapstructure:"scroll_attempts"`
	SettleMs        int    `yaml:"settle_ms" mapstructure:"settle_ms"`
	StableThreshold int    `yaml:"stable_threshold" mapstructure:"stable_threshold"`
	ExpectedCount   int    `yaml:"expected_count" mapstructure:"expected_count"`
	SelectorsFile   string `yaml:"selectors_file" mapstructure:"selectors_file"`
	ChromePath      string `yaml:"chrome_path" mapstructure:"chrome_path"`
	Headless        bool   `yaml:"headless" mapstructure:"headless"`
}

// MatchConfig configures fuzzy matching against the Twitch catalog.
type MatchConfig struct {
	Threshold      float64 `yaml:"threshold" mapstructure:"threshold"`
	MaxCandidates  int     `yaml:"max_candidates" mapstructure:"max_candidates"`
	StreamPageSize int     `yaml:"stream_page_size" mapstructure:"stream_page_size"`
}

// SyncConfig configures batch persistence.
type SyncConfig struct {
	BatchSize     int `yaml:"batch_size" mapstructure:"batch_size"`
	BatchPauseMs  int `yaml:"batch_pause_ms" mapstructure:"batch_pause_ms"`
	TxMaxWaitSecs int `yaml:"tx_max_wait_secs" mapstructure:"tx_max_wait_secs"`
	TxTimeoutSecs int `yaml:"tx_timeout_secs" mapstructure:"tx_timeout_secs"`
}

// BatchPause returns the pause between batches.
func (c SyncConfig) BatchPause() time.Duration {
	return time.Duration(c.BatchPauseMs) * time.Millisecond
}

// RetryConfig configures retries of external API calls.
type RetryConfig struct {
	MaxAttempts      int `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
}

// CircuitConfig configures the circuit breaker around Twitch endpoints.
type CircuitConfig struct {
	FailureThreshold int `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeoutSecs int `yaml:"reset_timeout_secs" mapstructure:"reset_timeout_secs"`
}

// ScheduleConfig configures the periodic harvest trigger.
type ScheduleConfig struct {
	IntervalMins int  `yaml:"interval_mins" mapstructure:"interval_mins"`
	RunOnStart   bool `yaml:"run_on_start" mapstructure:"run_on_start"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("GAMESTATS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.database_url", "")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 1)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("twitch.base_url", "https://api.twitch.tv/helix")
	v.SetDefault("twitch.token_url", "https://id.twitch.tv/oauth2/token")
	v.SetDefault("twitch.rate_limit", 10.0)
	v.SetDefault("twitch.timeout_secs", 5)
	v.SetDefault("twitch.box_art_size", "285x380")
	v.SetDefault("twitch.client_id", "")
	v.SetDefault("twitch.access_token", "")
	v.SetDefault("twitch.client_secret", "")
	v.SetDefault("harvest.url", "https://store.steampowered.com/charts/mostplayed")
	v.SetDefault("harvest.user_agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/91.0.4472.124 Safari/537.36")
	v.SetDefault("harvest.nav_timeout_secs", 60)
	v.SetDefault("harvest.scroll_attempts", 15)
	v.SetDefault("harvest.settle_ms", 1500)
	v.SetDefault("harvest.stable_threshold", 3)
	v.SetDefault("harvest.expected_count", 100)
	v.SetDefault("harvest.headless", true)
	v.SetDefault("harvest.selectors_file", "")
	v.SetDefault("harvest.chrome_path", "")
	v.SetDefault("match.threshold", 70.0)
	v.SetDefault("match.max_candidates", 20)
	v.SetDefault("match.stream_page_size", 50)
	v.SetDefault("sync.batch_size", 5)
	v.SetDefault("sync.batch_pause_ms", 1000)
	v.SetDefault("sync.tx_max_wait_secs", 30)
	v.SetDefault("sync.tx_timeout_secs", 30)
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_backoff_ms", 1000)
	v.SetDefault("retry.max_backoff_ms", 30000)
	v.SetDefault("circuit.failure_threshold", 5)
	v.SetDefault("circuit.reset_timeout_secs", 60)
	v.SetDefault("schedule.interval_mins", 60)
	v.SetDefault("schedule.run_on_start", true)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the settings required by a command mode: "harvest",
// "sync" (harvest + match + persist), "refresh", "serve" or "migrate".
// Missing credentials wrap ErrMissingCredentials; other problems are plain
// validation errors.
func (c *Config) Validate(mode string) error {
	var missing, invalid []string

	needStore, needTwitch := false, false
	switch mode {
	case "harvest":
	case "sync", "refresh":
		needStore, needTwitch = true, true
	case "serve":
		needStore, needTwitch = true, true
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			invalid = append(invalid, "server.port must be > 0 and <= 65535")
		}
		if c.Schedule.IntervalMins <= 0 {
			invalid = append(invalid, "schedule.interval_mins must be > 0")
		}
	case "migrate":
		needStore = true
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if needStore {
		switch c.Store.Driver {
		case "memory":
		case "postgres", "sqlite":
			if c.Store.DatabaseURL == "" {
				missing = append(missing, "store.database_url is required")
			}
		default:
			invalid = append(invalid, fmt.Sprintf("store.driver %q must be one of postgres, sqlite, memory", c.Store.Driver))
		}
	}

	if needTwitch {
		if c.Twitch.ClientID == "" {
			missing = append(missing, "twitch.client_id is required")
		}
		if c.Twitch.AccessToken == "" && c.Twitch.ClientSecret == "" {
			missing = append(missing, "twitch.access_token or twitch.client_secret is required")
		}
		if c.Match.Threshold < 0 || c.Match.Threshold > 100 {
			invalid = append(invalid, "match.threshold must be between 0 and 100")
		}
		if c.Sync.BatchSize < 1 {
			invalid = append(invalid, "sync.batch_size must be >= 1")
		}
	}

	if len(missing) > 0 {
		return eris.Wrap(ErrMissingCredentials, strings.Join(missing, "; "))
	}
	if len(invalid) > 0 {
		return eris.Errorf("config: %s", strings.Join(invalid, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
