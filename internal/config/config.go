package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// EnvPath overrides the config path given on the command line.
const EnvPath = "SCENEBRIDGE_CONFIG"

type Config struct {
	Host     HostConfig     `toml:"host"`
	Bridge   BridgeConfig   `toml:"bridge"`
	Gate     GateConfig     `toml:"gate"`
	Entities EntitiesConfig `toml:"entities"`
	Capture  CaptureConfig  `toml:"capture"`
	Database DatabaseConfig `toml:"database"`
	Logging  LoggingConfig  `toml:"logging"`
}

type HostConfig struct {
	Name      string        `toml:"name"`
	TickRate  time.Duration `toml:"tick_rate"`
	InputPoll time.Duration `toml:"input_poll"` // 0 = results handled on full ticks only
	Scenes    string        `toml:"scenes"`     // path to the YAML scene manifest
	StartTime int64         // set at boot, not from config
}

type BridgeConfig struct {
	MaxPayloadLen          int  `toml:"max_payload_len"`
	MaxCommandsPerFlush    int  `toml:"max_commands_per_flush"` // 0 = unlimited
	MaxAppendElements      int  `toml:"max_append_elements"`
	SuspendAfterViolations int  `toml:"suspend_after_violations"`
	CloseSuspended         bool `toml:"close_suspended"`
	DebugPools             bool `toml:"debug_pools"`
	PreallocPools          int  `toml:"prealloc_pools"`
}

// GateConfig is the window, in ticks, of each priority class.
type GateConfig struct {
	Always    int `toml:"always"`
	Frame     int `toml:"frame"`
	Throttled int `toml:"throttled"`
}

type EntitiesConfig struct {
	ReservedMax uint32 `toml:"reserved_max"`
	MaxEntity   uint32 `toml:"max_entity"` // 0 = no upper bound
}

type CaptureConfig struct {
	Enabled bool   `toml:"enabled"`
	Dir     string `toml:"dir"`
}

type DatabaseConfig struct {
	DSN                string        `toml:"dsn"` // empty disables persistence
	MaxOpenConns       int           `toml:"max_open_conns"`
	MaxIdleConns       int           `toml:"max_idle_conns"`
	ConnMaxLifetime    time.Duration `toml:"conn_max_lifetime"`
	SnapshotEveryTicks int           `toml:"snapshot_every_ticks"`
}

type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // "json" or "console"
}

// Path returns the config path to load: the environment override if set,
// otherwise fallback.
func Path(fallback string) string {
	if p := os.Getenv(EnvPath); p != "" {
		return p
	}
	return fallback
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.Host.StartTime = time.Now().Unix()
	return cfg, nil
}

// Parse decodes TOML over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := defaults()
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Host.TickRate <= 0 {
		return fmt.Errorf("host.tick_rate must be positive")
	}
	if c.Host.InputPoll < 0 || (c.Host.InputPoll > 0 && c.Host.InputPoll >= c.Host.TickRate) {
		return fmt.Errorf("host.input_poll must be 0 or shorter than tick_rate")
	}
	if c.Bridge.MaxPayloadLen <= 0 {
		return fmt.Errorf("bridge.max_payload_len must be positive")
	}
	if c.Bridge.MaxCommandsPerFlush < 0 {
		return fmt.Errorf("bridge.max_commands_per_flush must not be negative")
	}
	if c.Gate.Always < 0 || c.Gate.Frame < 0 || c.Gate.Throttled < 0 {
		return fmt.Errorf("gate windows must not be negative")
	}
	if c.Entities.MaxEntity != 0 && c.Entities.MaxEntity < c.Entities.ReservedMax {
		return fmt.Errorf("entities.max_entity %d below reserved_max %d", c.Entities.MaxEntity, c.Entities.ReservedMax)
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("logging.format %q: want json or console", c.Logging.Format)
	}
	return nil
}

func defaults() *Config {
	return &Config{
		Host: HostConfig{
			Name:     "scenebridge",
			TickRate: 50 * time.Millisecond,
			Scenes:   "scenes.yaml",
		},
		Bridge: BridgeConfig{
			MaxPayloadLen:          1 << 20,
			MaxCommandsPerFlush:    0,
			MaxAppendElements:      100,
			SuspendAfterViolations: 10,
		},
		Gate: GateConfig{
			Always:    0,
			Frame:     1,
			Throttled: 4,
		},
		Entities: EntitiesConfig{
			ReservedMax: 512,
		},
		Capture: CaptureConfig{
			Dir: "captures",
		},
		Database: DatabaseConfig{
			MaxOpenConns:       4,
			MaxIdleConns:       1,
			ConnMaxLifetime:    30 * time.Minute,
			SnapshotEveryTicks: 200,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}
