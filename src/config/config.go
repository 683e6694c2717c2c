// Package config loads the bot settings from .env, an optional YAML file and
// DISCORD_* environment variables, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const EnvPrefix = "DISCORD"

type Config struct {
	Token      string `mapstructure:"token"`
	Intents    int    `mapstructure:"intents"`
	ShardID    int    `mapstructure:"shard_id"`
	ShardCount int    `mapstructure:"shard_count"`

	// Empty means discover it with GET /gateway/bot.
	GatewayURL string `mapstructure:"gateway_url"`
	APIBaseURL string `mapstructure:"api_base_url"`

	Compress                     bool          `mapstructure:"compress"`
	LargeThreshold               int           `mapstructure:"large_threshold"`
	HonorResumableInvalidSession bool          `mapstructure:"honor_resumable_invalid_session"`
	HeartbeatCheckInterval       time.Duration `mapstructure:"heartbeat_check_interval"`
	HeartbeatTimeout             time.Duration `mapstructure:"heartbeat_timeout"`
	ReconnectDelay               time.Duration `mapstructure:"reconnect_delay"`
	MaxReconnectDelay            time.Duration `mapstructure:"max_reconnect_delay"`

	Presence    PresenceConfig `mapstructure:"presence"`
	MetricsAddr string         `mapstructure:"metrics_addr"`
	Log         LogConfig      `mapstructure:"log"`
}

type PresenceConfig struct {
	Status   string `mapstructure:"status"`
	Activity string `mapstructure:"activity"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
	Dev        bool   `mapstructure:"dev"`
}

var defaults = map[string]any{
	"token":                           "",
	"intents":                         0,
	"shard_id":                        0,
	"shard_count":                     1,
	"gateway_url":                     "",
	"api_base_url":                    "https://discord.com/api/v10",
	"compress":                        true,
	"large_threshold":                 250,
	"honor_resumable_invalid_session": false,
	"heartbeat_check_interval":        20 * time.Second,
	"heartbeat_timeout":               60 * time.Second,
	"reconnect_delay":                 time.Second,
	"max_reconnect_delay":             30 * time.Second,
	"presence.status":                 "online",
	"presence.activity":               "",
	"metrics_addr":                    "",
	"log.level":                       "info",
	"log.file":                        "",
	"log.max_size":                    100,
	"log.max_backups":                 3,
	"log.max_age":                     28,
	"log.compress":                    false,
	"log.dev":                         false,
}

// Loader owns the viper instance so flags can be bound and the file watched
// after the first load.
type Loader struct {
	v    *viper.Viper
	file string

	mu sync.Mutex
}

// NewLoader reads .env from the working directory when present and the YAML
// file at path when path is not empty.
func NewLoader(path string) (*Loader, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("error loading .env file: %w", err)
	}

	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("could not read config file %s: %w", path, err)
		}
	}

	return &Loader{v: v, file: path}, nil
}

// BindFlag makes a command-line flag override key when it was set.
func (l *Loader) BindFlag(key string, flag *pflag.Flag) error {
	if flag == nil {
		return fmt.Errorf("no flag for %s", key)
	}
	return l.v.BindPFlag(key, flag)
}

func (l *Loader) Config() (Config, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var cfg Config
	err := l.v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.StringToTimeDurationHookFunc()))
	if err != nil {
		return Config{}, fmt.Errorf("could not decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Watch calls onChange with the reloaded config every time the config file
// changes. Invalid edits are reported to onError and otherwise ignored.
func (l *Loader) Watch(onChange func(Config), onError func(error)) {
	if l.file == "" {
		return
	}
	l.v.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := l.Config()
		if err != nil {
			if onError != nil {
				onError(fmt.Errorf("reload %s: %w", e.Name, err))
			}
			return
		}
		onChange(cfg)
	})
	l.v.WatchConfig()
}

func (c Config) Validate() error {
	if c.Token == "" {
		return errors.New("token is required (set DISCORD_TOKEN)")
	}
	if c.ShardCount < 1 {
		return fmt.Errorf("shard_count must be at least 1, got %d", c.ShardCount)
	}
	if c.ShardID < 0 || c.ShardID >= c.ShardCount {
		return fmt.Errorf("shard_id %d out of range for %d shards", c.ShardID, c.ShardCount)
	}
	if c.Intents < 0 {
		return fmt.Errorf("intents must not be negative, got %d", c.Intents)
	}
	if c.HeartbeatCheckInterval > 0 && c.HeartbeatTimeout > 0 && c.HeartbeatCheckInterval > c.HeartbeatTimeout {
		return fmt.Errorf("heartbeat_check_interval %s exceeds heartbeat_timeout %s", c.HeartbeatCheckInterval, c.HeartbeatTimeout)
	}
	return nil
}

// Load is NewLoader followed by Config.
func Load(path string) (Config, error) {
	l, err := NewLoader(path)
	if err != nil {
		return Config{}, err
	}
	return l.Config()
}
