// Package config loads device definitions and opens them as simulated flash
// devices. Configuration comes from a YAML file, FLASHMTD_* environment
// variables and defaults, in increasing order of precedence from defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	"github.com/akmistry/mtd"
	"github.com/akmistry/mtd/nandsim"
	"github.com/akmistry/mtd/norsim"
)

const (
	BackendNOR  = "nor"
	BackendNAND = "nand"
)

// Config is the top-level configuration.
type Config struct {
	// LogLevel is a zerolog level name.
	LogLevel string         `mapstructure:"log_level"`
	Devices  []DeviceConfig `mapstructure:"devices"`
}

// DeviceConfig describes one simulated device.
type DeviceConfig struct {
	Name     string `mapstructure:"name"`
	Backend  string `mapstructure:"backend"`
	ReadOnly bool   `mapstructure:"read_only"`
	// Image is the path of the backing image file. Empty keeps the device in
	// memory. A missing file is created erased.
	Image string `mapstructure:"image"`

	// Family selects a NOR preset from norsim. The geometry fields below
	// override the preset when non-zero.
	Family       string            `mapstructure:"family"`
	Size         uint32            `mapstructure:"size"`
	EraseSize    uint32            `mapstructure:"erase_size"`
	WriteSize    uint32            `mapstructure:"write_size"`
	ProgramSize  uint32            `mapstructure:"program_size"`
	EraseRegions []mtd.EraseRegion `mapstructure:"erase_regions"`
	StartSector  uint32            `mapstructure:"start_sector"`
	BusyPolls    int               `mapstructure:"busy_polls"`

	// NAND geometry; zero fields take nandsim.DefaultConfig values.
	NAND  nandsim.Config `mapstructure:"nand"`
	NoECC bool           `mapstructure:"no_ecc"`

	PollTimeout  time.Duration `mapstructure:"poll_timeout"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	BlankCheck   string        `mapstructure:"blank_check"`
	NoWait       bool          `mapstructure:"no_wait"`
}

// Options are command line overrides.
type Options struct {
	LogLevel string
}

// Load loads configuration from configPath, if set, and applies overrides.
func Load(configPath string, opts Options) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else {
		v.SetConfigName("flashmtd")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/flashmtd")

		// Ignore error if config file not found
		_ = v.ReadInConfig()
	}

	v.SetEnvPrefix("FLASHMTD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if opts.LogLevel != "" {
		v.Set("log_level", opts.LogLevel)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("devices", []map[string]any{
		{"name": "flash0", "backend": BackendNOR, "family": "stm32f429"},
	})
}

func (c *Config) validate() error {
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log_level %q: %w", c.LogLevel, err)
	}
	if len(c.Devices) == 0 {
		return errors.New("no devices configured")
	}

	seen := make(map[string]bool)
	for i := range c.Devices {
		d := &c.Devices[i]
		if d.Name == "" {
			d.Name = fmt.Sprintf("mtd%d", i)
		}
		if seen[d.Name] {
			return fmt.Errorf("duplicate device name %q", d.Name)
		}
		seen[d.Name] = true

		if err := d.validate(); err != nil {
			return fmt.Errorf("device %q: %w", d.Name, err)
		}
	}
	return nil
}

func (d *DeviceConfig) validate() error {
	if d.Backend == "" {
		d.Backend = BackendNOR
	}
	if _, err := mtd.ParseBlankCheck(d.BlankCheck); err != nil {
		return err
	}
	if d.PollTimeout < 0 || d.PollInterval < 0 {
		return errors.New("poll timing must not be negative")
	}

	switch d.Backend {
	case BackendNOR:
		if d.Family != "" {
			if _, err := norsim.LookupFamily(d.Family); err != nil {
				return err
			}
			return nil
		}
		if d.Size == 0 {
			return errors.New("nor device needs a family or a size")
		}
		if d.EraseSize == 0 && len(d.EraseRegions) == 0 {
			return errors.New("nor device needs an erase size or erase regions")
		}
	case BackendNAND:
		d.NAND = withNANDDefaults(d.NAND)
		if d.NoECC {
			d.NAND.EccStepSize = 0
		}
	default:
		return fmt.Errorf("unknown backend %q", d.Backend)
	}
	return nil
}

func withNANDDefaults(c nandsim.Config) nandsim.Config {
	def := nandsim.DefaultConfig()
	if c.PageSize == 0 {
		c.PageSize = def.PageSize
	}
	if c.OOBSize == 0 {
		c.OOBSize = def.OOBSize
	}
	if c.PagesPerBlock == 0 {
		c.PagesPerBlock = def.PagesPerBlock
	}
	if c.Blocks == 0 {
		c.Blocks = def.Blocks
	}
	if c.EccStepSize == 0 {
		c.EccStepSize = def.EccStepSize
	}
	if c.EccShards == 0 {
		c.EccShards = def.EccShards
	}
	if c.EccStrength == 0 {
		c.EccStrength = def.EccStrength
	}
	return c
}

// Device returns the named device configuration.
func (c *Config) Device(name string) (DeviceConfig, error) {
	for _, d := range c.Devices {
		if d.Name == name {
			return d, nil
		}
	}
	return DeviceConfig{}, fmt.Errorf("no device named %q", name)
}
