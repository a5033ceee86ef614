package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/dgnsrekt/rlog-relay/internal/relay"
)

type Config struct {
	Server   ServerConfig      `mapstructure:"server"`
	Admin    AdminConfig       `mapstructure:"admin"`
	Producer ProducerConfig    `mapstructure:"producer"`
	Record   RecordConfig      `mapstructure:"record"`
	Logging  LoggingConfig     `mapstructure:"logging"`
	Metadata map[string]string `mapstructure:"metadata"`
}

type ServerConfig struct {
	Addr             string        `mapstructure:"addr"`
	QueueCapacity    int           `mapstructure:"queue_capacity"`
	TickInterval     time.Duration `mapstructure:"tick_interval"`
	HeartbeatTimeout time.Duration `mapstructure:"heartbeat_timeout"`
	WriteTimeout     time.Duration `mapstructure:"write_timeout"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	MaxClients       int           `mapstructure:"max_clients"`
	AcceptRate       float64       `mapstructure:"accept_rate"`
	AcceptBurst      int           `mapstructure:"accept_burst"`
}

type AdminConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

type ProducerConfig struct {
	Interval   time.Duration `mapstructure:"interval"`
	Source     string        `mapstructure:"source"` // "runtime" or "replay"
	ReplayPath string        `mapstructure:"replay_path"`
	ReplayMode string        `mapstructure:"replay_mode"` // "exhaust" or "rotation"
}

type RecordConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Directory string `mapstructure:"directory"`
	Compress  bool   `mapstructure:"compress"`
}

type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
	// Capture publishes log lines in the broadcast table under
	// <prefix>Outputs/Console.
	Capture bool `mapstructure:"capture"`
}

// RelayConfig maps the server section onto the relay's own config.
func (s ServerConfig) RelayConfig() relay.Config {
	return relay.Config{
		Addr:             s.Addr,
		QueueCapacity:    s.QueueCapacity,
		TickInterval:     s.TickInterval,
		HeartbeatTimeout: s.HeartbeatTimeout,
		WriteTimeout:     s.WriteTimeout,
		HandshakeTimeout: s.HandshakeTimeout,
		MaxClients:       s.MaxClients,
		AcceptRate:       s.AcceptRate,
		AcceptBurst:      s.AcceptBurst,
	}
}

func setDefaults(v *viper.Viper) {
	d := relay.DefaultConfig()
	v.SetDefault("server.addr", d.Addr)
	v.SetDefault("server.queue_capacity", d.QueueCapacity)
	v.SetDefault("server.tick_interval", d.TickInterval)
	v.SetDefault("server.heartbeat_timeout", d.HeartbeatTimeout)
	v.SetDefault("server.write_timeout", d.WriteTimeout)
	v.SetDefault("server.handshake_timeout", d.HandshakeTimeout)
	v.SetDefault("server.max_clients", 0)
	v.SetDefault("server.accept_rate", 0)
	v.SetDefault("server.accept_burst", 0)
	v.SetDefault("admin.enabled", true)
	v.SetDefault("admin.addr", ":5801")
	v.SetDefault("producer.interval", 20*time.Millisecond)
	v.SetDefault("producer.source", "runtime")
	v.SetDefault("producer.replay_path", "")
	v.SetDefault("producer.replay_mode", "exhaust")
	v.SetDefault("record.enabled", false)
	v.SetDefault("record.directory", "sessions")
	v.SetDefault("record.compress", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.file", "")
	v.SetDefault("logging.max_size_mb", 100)
	v.SetDefault("logging.max_backups", 5)
	v.SetDefault("logging.max_age_days", 28)
	v.SetDefault("logging.compress", true)
	v.SetDefault("logging.capture", true)
}

func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	// Environment variable support
	v.SetEnvPrefix("RLOG")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// Load config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("rlogd")
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
