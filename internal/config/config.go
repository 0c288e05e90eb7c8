// Package config loads the agent configuration.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all agent settings, loaded from a YAML file with sane
// defaults for anything omitted.
type Config struct {
	Control ControlConfig `mapstructure:"control"`
	Device  DeviceConfig  `mapstructure:"device"`
	WebRTC  WebRTCConfig  `mapstructure:"webrtc"`
	Stats   StatsConfig   `mapstructure:"stats"`
	Debug   bool          `mapstructure:"debug"`
}

// ControlConfig configures the control-plane listener.
type ControlConfig struct {
	Listen string `mapstructure:"listen"`
}

// DeviceConfig holds TAP device defaults applied when a create_tunnel
// request omits them.
type DeviceConfig struct {
	Name string `mapstructure:"name"`
	MTU  int    `mapstructure:"mtu"`
}

// WebRTCConfig configures the transport adapter.
type WebRTCConfig struct {
	STUNServers []string `mapstructure:"stun_servers"`
}

// StatsConfig configures the periodic forwarding-stats reporter.
type StatsConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

// Load reads configuration from path. An empty path searches the usual
// locations and falls back to defaults if no file is found.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("control.listen", "127.0.0.1:5800")
	v.SetDefault("device.name", "")
	v.SetDefault("device.mtu", 1500)
	v.SetDefault("stats.interval", 10*time.Second)
	v.SetDefault("debug", false)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("tapweave")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/tapweave")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Control.Listen == "" {
		return fmt.Errorf("control.listen must not be empty")
	}
	if c.Device.MTU < 576 || c.Device.MTU > 9000 {
		return fmt.Errorf("device.mtu %d out of range [576, 9000]", c.Device.MTU)
	}
	if c.Stats.Interval <= 0 {
		return fmt.Errorf("stats.interval must be positive")
	}
	return nil
}
