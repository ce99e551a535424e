package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/dgnsrekt/storage-relay/internal/decode"
	"github.com/dgnsrekt/storage-relay/internal/notify"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Source   SourceConfig   `mapstructure:"source"`
	Decoder  DecoderConfig  `mapstructure:"decoder"`
	Push     PushConfig     `mapstructure:"push"`
	Registry RegistryConfig `mapstructure:"registry"`
	Notify   notify.Config  `mapstructure:"notify"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

type ServerConfig struct {
	Addr         string        `mapstructure:"addr"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

type SourceConfig struct {
	Type              string        `mapstructure:"type"` // "websocket" or "logtail"
	URL               string        `mapstructure:"url"`
	SubscribeMethod   string        `mapstructure:"subscribe_method"`
	UnsubscribeMethod string        `mapstructure:"unsubscribe_method"`
	LogDir            string        `mapstructure:"log_dir"`
	LogPattern        string        `mapstructure:"log_pattern"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
}

type DecoderConfig struct {
	Items []decode.Item `mapstructure:"items"`
}

type PushConfig struct {
	Method        string        `mapstructure:"method"`
	ChunkSize     int           `mapstructure:"chunk_size"`
	RetryCount    int           `mapstructure:"retry_count"`
	RetryInterval time.Duration `mapstructure:"retry_interval"`
	Timeout       time.Duration `mapstructure:"timeout"`
	RatePerSecond float64       `mapstructure:"rate_per_second"`
	GapPolicy     string        `mapstructure:"gap_policy"` // "clamp" or "fail"
}

type RegistryConfig struct {
	StateFile       string        `mapstructure:"state_file"`
	PersistInterval time.Duration `mapstructure:"persist_interval"`
	UpgradeCursor   string        `mapstructure:"upgrade_cursor"` // "keep" or "reset"
}

type LoggingConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Directory string `mapstructure:"directory"`
	Level     string `mapstructure:"level"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("source.type", SourceWebsocket)
	v.SetDefault("source.url", "ws://127.0.0.1:9944")
	v.SetDefault("source.subscribe_method", "state_subscribeStorageChanges")
	v.SetDefault("source.unsubscribe_method", "state_unsubscribeStorageChanges")
	v.SetDefault("source.log_dir", "./changes")
	v.SetDefault("source.log_pattern", "*.jsonl*")
	v.SetDefault("source.poll_interval", time.Second)
	v.SetDefault("push.method", "push")
	v.SetDefault("push.chunk_size", 10)
	v.SetDefault("push.retry_count", 3)
	v.SetDefault("push.retry_interval", 2*time.Second)
	v.SetDefault("push.timeout", 10*time.Second)
	v.SetDefault("push.rate_per_second", 0)
	v.SetDefault("push.gap_policy", GapClamp)
	v.SetDefault("registry.state_file", "./data/subscribers.json")
	v.SetDefault("registry.persist_interval", 5*time.Second)
	v.SetDefault("registry.upgrade_cursor", UpgradeKeep)
	v.SetDefault("notify.enabled", false)
	v.SetDefault("notify.server", "https://ntfy.sh")
	v.SetDefault("notify.priority", "default")
	v.SetDefault("notify.tags", "satellite")
	v.SetDefault("logging.enabled", false)
	v.SetDefault("logging.directory", "logs")
	v.SetDefault("logging.level", "info")
}

func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	// Environment variable support
	v.SetEnvPrefix("RELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// Explicitly bind secrets that have no default
	_ = v.BindEnv("notify.topic", "RELAY_NOTIFY_TOPIC")
	_ = v.BindEnv("notify.token", "RELAY_NOTIFY_TOKEN")

	// Load config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("relay")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}
