package relay

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"

	"github.com/parleyvoice/parley/pkg/configutil"
)

type Config struct {
	ListenAddr string         `mapstructure:"listen_addr"`
	WSPath     string         `mapstructure:"ws_path"`
	LogLevel   string         `mapstructure:"log_level"`
	Privacy    PrivacyConfig  `mapstructure:"privacy"`
	Upstream   UpstreamConfig `mapstructure:"upstream"`
}

type PrivacyConfig struct {
	RedactPII bool `mapstructure:"redact_pii"`
}

// UpstreamConfig describes the realtime recognition provider the relay
// proxies to. A missing credential is not a startup failure; it surfaces as
// a per-connection error when the first session.update arrives.
type UpstreamConfig struct {
	URL          string `mapstructure:"url"`
	APIKey       string `mapstructure:"api_key"`
	DefaultModel string `mapstructure:"default_model"`

	// HandshakeTimeoutMS is optional; nil falls back to 5000.
	HandshakeTimeoutMS *int `mapstructure:"handshake_timeout_ms"`
}

func (u UpstreamConfig) handshakeTimeout() time.Duration {
	ms := configutil.IntValue(u.HandshakeTimeoutMS, 5000)
	if ms <= 0 {
		ms = 5000
	}
	return time.Duration(ms) * time.Millisecond
}

func LoadConfig(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("ws_path", "/session")
	v.SetDefault("log_level", "info")
	v.SetDefault("privacy.redact_pii", true)
	v.SetDefault("upstream.default_model", "rt-transcribe-1")

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	var raw struct {
		ListenAddr string         `mapstructure:"listen_addr"`
		WSPath     string         `mapstructure:"ws_path"`
		LogLevel   string         `mapstructure:"log_level"`
		Privacy    PrivacyConfig  `mapstructure:"privacy"`
		Upstream   map[string]any `mapstructure:"upstream"`
	}
	if err := v.Unmarshal(&raw); err != nil {
		return Config{}, fmt.Errorf("unmarshal: %w", err)
	}

	cfg := Config{
		ListenAddr: raw.ListenAddr,
		WSPath:     raw.WSPath,
		LogLevel:   raw.LogLevel,
		Privacy:    raw.Privacy,
	}
	if err := configutil.DecodeSettings(raw.Upstream, &cfg.Upstream); err != nil {
		return Config{}, fmt.Errorf("decode upstream settings: %w", err)
	}

	cfg.Upstream.URL = os.ExpandEnv(cfg.Upstream.URL)
	cfg.Upstream.APIKey = os.ExpandEnv(cfg.Upstream.APIKey)

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if err := configutil.RequireString(c.Upstream.URL, "upstream.url"); err != nil {
		return err
	}
	return configutil.RequireString(c.WSPath, "ws_path")
}
