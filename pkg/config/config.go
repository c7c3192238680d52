// Package config provides YAML-based configuration loading for dapup.
package config

import (
    "errors"
    "fmt"
    "os"
    "path/filepath"
    "strings"

    "github.com/spf13/viper"
)

// Config is the root application configuration.
type Config struct {
    // AppName optional logical name of the node/application
    AppName string `mapstructure:"app_name"`

    // Log holds logging configuration
    Log LogConfig `mapstructure:"log"`

    // Device seeds the settings store with this node's identity
    Device DeviceConfig `mapstructure:"device"`

    // Radio selects the transport and its endpoints
    Radio RadioConfig `mapstructure:"radio"`

    // Engine tunes the encounter engine
    Engine EngineConfig `mapstructure:"engine"`
}

// LogConfig defines logger settings.
type LogConfig struct {
    // Level: debug, info, warn, error
    Level string `mapstructure:"level"`
    // Format: console or json
    Format string `mapstructure:"format"`
    // Outputs: list of outputs: stdout, stderr, or file paths
    Outputs []string `mapstructure:"outputs"`

    // Rotation controls file rotation when writing to files
    Rotation RotationConfig `mapstructure:"rotation"`
    // Development toggles development-friendly logging options
    Development bool `mapstructure:"development"`
}

// RotationConfig controls log file rotation for file outputs.
type RotationConfig struct {
    Enable     bool   `mapstructure:"enable"`
    Filename   string `mapstructure:"filename"`
    MaxSizeMB  int    `mapstructure:"max_size_mb"`
    MaxBackups int    `mapstructure:"max_backups"`
    MaxAgeDays int    `mapstructure:"max_age_days"`
    Compress   bool   `mapstructure:"compress"`
}

// Default returns a Config populated with sensible defaults.
func Default() *Config {
    return &Config{
        AppName: "dapup-node",
        Log: LogConfig{
            Level:       "info",
            Format:      "console",
            Outputs:     []string{"stdout"},
            Development: true,
            Rotation: RotationConfig{
                Enable:     false,
                Filename:   "logs/dapup.log",
                MaxSizeMB:  50,
                MaxBackups: 3,
                MaxAgeDays: 28,
                Compress:   true,
            },
        },
        Device: DeviceConfig{},
        Radio: RadioConfig{
            Kind:          "udp",
            Listen:        ":7733",
            Broadcast:     "255.255.255.255:7733",
            DiscoveryPort: 7734,
        },
        Engine: EngineConfig{
            TTLSeconds:       86400,
            Capacity:         128,
            BeaconPeriodMS:   5000,
            ScanWindowMS:     5000,
            ConnectTimeoutMS: 5000,
            OpTimeoutMS:      2000,
            InboundBacklog:   64,
        },
    }
}

// Load reads configuration from the provided path (if non-empty), otherwise
// it searches common locations and supports environment overrides. Environment
// variables use the prefix DAPUP and `.`/`-` are replaced with `_`.
// Example: DAPUP_LOG_LEVEL=debug
func Load(path string) (*Config, error) {
    cfg := Default()

    v := viper.New()
    v.SetConfigType("yaml")
    v.SetEnvPrefix("DAPUP")
    v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
    v.AutomaticEnv()

    // seed defaults for viper so env-only configs work
    v.SetDefault("app_name", cfg.AppName)
    v.SetDefault("log.level", cfg.Log.Level)
    v.SetDefault("log.format", cfg.Log.Format)
    v.SetDefault("log.outputs", cfg.Log.Outputs)
    v.SetDefault("log.development", cfg.Log.Development)
    v.SetDefault("log.rotation.enable", cfg.Log.Rotation.Enable)
    v.SetDefault("log.rotation.filename", cfg.Log.Rotation.Filename)
    v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
    v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
    v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
    v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)
    v.SetDefault("device.serial_num", cfg.Device.SerialNum)
    v.SetDefault("device.device_name", cfg.Device.DeviceName)
    v.SetDefault("device.device_owner", cfg.Device.DeviceOwner)
    v.SetDefault("radio.kind", cfg.Radio.Kind)
    v.SetDefault("radio.listen", cfg.Radio.Listen)
    v.SetDefault("radio.broadcast", cfg.Radio.Broadcast)
    v.SetDefault("radio.discovery_port", cfg.Radio.DiscoveryPort)
    v.SetDefault("engine.ttl_seconds", cfg.Engine.TTLSeconds)
    v.SetDefault("engine.capacity", cfg.Engine.Capacity)
    v.SetDefault("engine.beacon_period_ms", cfg.Engine.BeaconPeriodMS)
    v.SetDefault("engine.scan_window_ms", cfg.Engine.ScanWindowMS)
    v.SetDefault("engine.connect_timeout_ms", cfg.Engine.ConnectTimeoutMS)
    v.SetDefault("engine.op_timeout_ms", cfg.Engine.OpTimeoutMS)
    v.SetDefault("engine.inbound_backlog", cfg.Engine.InboundBacklog)

    // Choose config file
    if path == "" {
        if envPath := os.Getenv("DAPUP_CONFIG"); envPath != "" {
            path = envPath
        }
    }

    if path != "" {
        v.SetConfigFile(path)
    } else {
        // Search common locations with base name `dapup`
        v.SetConfigName("dapup")
        v.AddConfigPath(".")
        v.AddConfigPath("./configs")
        if home, err := os.UserHomeDir(); err == nil {
            v.AddConfigPath(filepath.Join(home, ".dapup"))
        }
    }

    // Read config file if present; if not found, continue with defaults/env
    if err := v.ReadInConfig(); err != nil {
        var notFound viper.ConfigFileNotFoundError
        if !errors.As(err, &notFound) {
            return nil, fmt.Errorf("read config: %w", err)
        }
    }

    if err := v.Unmarshal(&cfg); err != nil {
        return nil, fmt.Errorf("decode config: %w", err)
    }

    if err := cfg.validate(); err != nil {
        return nil, err
    }
    return cfg, nil
}

func (c *Config) validate() error {
    lvl := strings.ToLower(strings.TrimSpace(c.Log.Level))
    switch lvl {
    case "debug", "info", "warn", "warning", "error":
        // ok
    default:
        return fmt.Errorf("invalid log.level: %q", c.Log.Level)
    }

    if c.Log.Format == "" {
        c.Log.Format = "console"
    }
    if len(c.Log.Outputs) == 0 {
        c.Log.Outputs = []string{"stdout"}
    }

    c.Radio.Kind = strings.ToLower(strings.TrimSpace(c.Radio.Kind))
    switch c.Radio.Kind {
    case "udp", "quic", "mem":
        // ok
    default:
        return fmt.Errorf("invalid radio.kind: %q", c.Radio.Kind)
    }

    if c.Engine.TTLSeconds <= 0 {
        return fmt.Errorf("engine.ttl_seconds must be > 0, got %d", c.Engine.TTLSeconds)
    }
    if c.Engine.Capacity <= 0 {
        return fmt.Errorf("engine.capacity must be > 0, got %d", c.Engine.Capacity)
    }
    if c.Engine.BeaconPeriodMS <= 0 {
        c.Engine.BeaconPeriodMS = 5000
    }
    if c.Engine.ScanWindowMS <= 0 {
        c.Engine.ScanWindowMS = 5000
    }
    if c.Engine.InboundBacklog <= 0 {
        c.Engine.InboundBacklog = 64
    }
    return nil
}

// MustLoad is a convenience that panics on error.
func MustLoad(path string) *Config {
    cfg, err := Load(path)
    if err != nil {
        panic(err)
    }
    return cfg
}
