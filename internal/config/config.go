package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/dkeye/Meet/internal/core"
	"github.com/dkeye/Meet/internal/layout"
)

type StreamConfig struct {
	Width          int `mapstructure:"width"`
	Height         int `mapstructure:"height"`
	MaxBitrateKbps int `mapstructure:"max_bitrate"`
	MaxFramerate   int `mapstructure:"max_framerate"`
}

type LayoutConfig struct {
	MaxCols            int     `mapstructure:"max_cols"`
	GridGap            float64 `mapstructure:"grid_gap"`
	AspectRatio        string  `mapstructure:"aspect_ratio"`
	FillMode           string  `mapstructure:"fill_mode"`
	MaxBestFitAttempts int     `mapstructure:"max_best_fit_attempts"`
	MaxItemAspectRatio float64 `mapstructure:"max_item_aspect_ratio"`
}

type Config struct {
	Mode     string `mapstructure:"mode"`
	Port     int    `mapstructure:"port"`
	Secret   string `mapstructure:"secret"`
	LogLevel string `mapstructure:"log_level"`

	JoinURL     string `mapstructure:"join_url"`
	MessagesURL string `mapstructure:"messages_url"`
	AuthToken   string `mapstructure:"auth_token"`

	RateLimit      int           `mapstructure:"rate_limit"`
	RateLimitEvery time.Duration `mapstructure:"rate_limit_every"`

	PublishCapacity     int                   `mapstructure:"publish_capacity"`
	RepublishDelay      time.Duration         `mapstructure:"republish_delay"`
	ConnectTimeout      time.Duration         `mapstructure:"connect_timeout"`
	OnlineProbeInterval time.Duration         `mapstructure:"online_probe_interval"`
	ICEServers          []string              `mapstructure:"ice_servers"`
	Simulcast           *core.SimulcastConfig `mapstructure:"simulcast"`

	Stream StreamConfig `mapstructure:"stream"`
	Layout LayoutConfig `mapstructure:"layout"`
}

var ErrInvalidConfig = errors.New("invalid config")

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("log_level", "info")
	v.SetDefault("join_url", "http://localhost:9000/join")
	v.SetDefault("messages_url", "")
	v.SetDefault("auth_token", "")
	v.SetDefault("rate_limit", 20)
	v.SetDefault("rate_limit_every", "10s")
	v.SetDefault("publish_capacity", 12)
	v.SetDefault("republish_delay", "400ms")
	v.SetDefault("connect_timeout", "10s")
	v.SetDefault("online_probe_interval", "5s")
	v.SetDefault("ice_servers", []string{"stun:stun.l.google.com:19302"})

	v.SetDefault("stream.width", 1280)
	v.SetDefault("stream.height", 720)
	v.SetDefault("stream.max_bitrate", 2500)
	v.SetDefault("stream.max_framerate", 30)

	v.SetDefault("layout.max_cols", 6)
	v.SetDefault("layout.grid_gap", 12)
	v.SetDefault("layout.aspect_ratio", string(layout.AspectVideo))
	v.SetDefault("layout.fill_mode", string(layout.FillCover))
	v.SetDefault("layout.max_best_fit_attempts", 4)
	v.SetDefault("layout.max_item_aspect_ratio", 3)
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.SetEnvPrefix("MEET")
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log.Info().Str("module", "config").Str("mode", cfg.Mode).Int("port", cfg.Port).Int("publish_capacity", cfg.PublishCapacity).Msg("config ready")
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch {
	case c.PublishCapacity <= 0:
		return fmt.Errorf("%w: publish_capacity must be positive", ErrInvalidConfig)
	case c.Stream.Width <= 0 || c.Stream.Height <= 0:
		return fmt.Errorf("%w: stream size must be positive", ErrInvalidConfig)
	case c.ConnectTimeout <= 0:
		return fmt.Errorf("%w: connect_timeout must be positive", ErrInvalidConfig)
	case c.RateLimit <= 0 || c.RateLimitEvery <= 0:
		return fmt.Errorf("%w: rate limit must be positive", ErrInvalidConfig)
	case c.RepublishDelay < 0:
		return fmt.Errorf("%w: republish_delay must not be negative", ErrInvalidConfig)
	}
	if _, err := c.LayoutConfig(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}

// LayoutConfig converts the layout section into solver settings.
func (c *Config) LayoutConfig() (layout.Config, error) {
	ratio, err := layout.ParseAspectRatio(c.Layout.AspectRatio)
	if err != nil {
		return layout.Config{}, err
	}
	fill, err := layout.ParseFillMode(c.Layout.FillMode)
	if err != nil {
		return layout.Config{}, err
	}
	return layout.Config{
		MaxCols:            c.Layout.MaxCols,
		GridGap:            c.Layout.GridGap,
		AspectRatio:        ratio,
		FillMode:           fill,
		MaxBestFitAttempts: c.Layout.MaxBestFitAttempts,
		MaxItemAspectRatio: c.Layout.MaxItemAspectRatio,
	}, nil
}

func (c *Config) StreamConfig() core.StreamConfig {
	return core.StreamConfig{
		MaxBitrateKbps: c.Stream.MaxBitrateKbps,
		MaxFramerate:   c.Stream.MaxFramerate,
		MaxResolution:  core.Resolution{Width: c.Stream.Width, Height: c.Stream.Height},
	}
}
