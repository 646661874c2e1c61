// Package config loads the streamer configuration from config.yaml with
// sensible defaults for every key.
package config

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/spf13/viper"
)

// PreviewConfig controls the optional RTSP preview of received frames.
type PreviewConfig struct {
	Enabled           bool   `mapstructure:"enabled"`
	Port              int    `mapstructure:"port"`
	Path              string `mapstructure:"path"`
	RtpPayloadMaxSize int    `mapstructure:"rtpPayloadMaxSize"`
}

// MetricsConfig controls the optional prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

type Config struct {
	MulticastGroup string `mapstructure:"multicastGroup"`
	MulticastPort  int    `mapstructure:"multicastPort"`
	MulticastTTL   int    `mapstructure:"multicastTTL"`

	TargetFps int `mapstructure:"targetFps"`
	MinFps    int `mapstructure:"minFps"`
	MaxFps    int `mapstructure:"maxFps"`

	JpegQuality  int  `mapstructure:"jpegQuality"`
	ResizeWidth  uint `mapstructure:"resizeWidth"`
	ResizeHeight uint `mapstructure:"resizeHeight"`
	DisplayIndex int  `mapstructure:"displayIndex"`

	FrameTimeoutMs int `mapstructure:"frameTimeoutMs"`
	ReadTimeoutMs  int `mapstructure:"readTimeoutMs"`

	LogLevel string `mapstructure:"logLevel"`

	Preview PreviewConfig `mapstructure:"preview"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("multicastGroup", "239.0.0.1")
	v.SetDefault("multicastPort", 9999)
	v.SetDefault("multicastTTL", 32)
	v.SetDefault("targetFps", 15)
	v.SetDefault("minFps", 5)
	v.SetDefault("maxFps", 30)
	v.SetDefault("jpegQuality", 60)
	v.SetDefault("resizeWidth", 0)
	v.SetDefault("resizeHeight", 0)
	v.SetDefault("displayIndex", 0)
	v.SetDefault("frameTimeoutMs", 1000)
	v.SetDefault("readTimeoutMs", 1000)
	v.SetDefault("logLevel", "info")
	v.SetDefault("preview.enabled", false)
	v.SetDefault("preview.port", 8554)
	v.SetDefault("preview.path", "preview")
	v.SetDefault("preview.rtpPayloadMaxSize", 1400)
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.port", 9090)
}

// Load reads config.yaml from path (or the working directory when empty).
// A missing file is not an error: defaults apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: read: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	ip := net.ParseIP(c.MulticastGroup)
	if ip == nil || !ip.IsMulticast() {
		return fmt.Errorf("config: multicastGroup %q is not a multicast address", c.MulticastGroup)
	}
	if c.MulticastPort <= 0 || c.MulticastPort > 65535 {
		return fmt.Errorf("config: invalid multicastPort %d", c.MulticastPort)
	}
	if c.MulticastTTL <= 0 || c.MulticastTTL > 255 {
		return fmt.Errorf("config: invalid multicastTTL %d", c.MulticastTTL)
	}
	if c.MinFps <= 0 || c.MinFps > c.MaxFps {
		return fmt.Errorf("config: fps bounds [%d, %d] are invalid", c.MinFps, c.MaxFps)
	}
	if c.TargetFps < c.MinFps || c.TargetFps > c.MaxFps {
		return fmt.Errorf("config: targetFps %d outside [%d, %d]", c.TargetFps, c.MinFps, c.MaxFps)
	}
	if c.JpegQuality < 1 || c.JpegQuality > 100 {
		return fmt.Errorf("config: jpegQuality %d outside [1, 100]", c.JpegQuality)
	}
	if c.FrameTimeoutMs <= 0 {
		return errors.New("config: frameTimeoutMs must be positive")
	}
	if c.ReadTimeoutMs <= 0 {
		return errors.New("config: readTimeoutMs must be positive")
	}
	if c.Preview.Enabled && c.Preview.RtpPayloadMaxSize <= 8 {
		return fmt.Errorf("config: preview.rtpPayloadMaxSize %d too small", c.Preview.RtpPayloadMaxSize)
	}
	return nil
}

// FrameTimeout is the reassembly staleness window.
func (c *Config) FrameTimeout() time.Duration {
	return time.Duration(c.FrameTimeoutMs) * time.Millisecond
}

// ReadTimeout bounds each receive-loop socket read.
func (c *Config) ReadTimeout() time.Duration {
	return time.Duration(c.ReadTimeoutMs) * time.Millisecond
}
