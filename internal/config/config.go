package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix namespaces environment overrides: network.retries is read from
// VX_NETWORK_RETRIES.
const EnvPrefix = "VX"

// Config captures engine configuration.
type Config struct {
	Home                   string        `mapstructure:"home" yaml:"home,omitempty"`
	ToolsDirs              []string      `mapstructure:"tools_dirs" yaml:"tools_dirs,omitempty"`
	VersionCacheTTL        time.Duration `mapstructure:"version_cache_ttl" yaml:"version_cache_ttl"`
	MaxConcurrentDownloads int           `mapstructure:"max_concurrent_downloads" yaml:"max_concurrent_downloads"`
	Network                NetworkConfig `mapstructure:"network" yaml:"network"`
	Sandbox                SandboxConfig `mapstructure:"sandbox" yaml:"sandbox"`
	Link                   LinkConfig    `mapstructure:"link" yaml:"link"`
	Log                    LogConfig     `mapstructure:"log" yaml:"log"`
}

// NetworkConfig bounds HTTP behaviour for version fetches and downloads.
type NetworkConfig struct {
	Retries   int           `mapstructure:"retries" yaml:"retries"`
	Timeout   time.Duration `mapstructure:"timeout" yaml:"timeout"`
	UserAgent string        `mapstructure:"user_agent" yaml:"user_agent"`
}

// SandboxConfig limits provider script evaluation.
type SandboxConfig struct {
	MaxSteps   uint64 `mapstructure:"max_steps" yaml:"max_steps"`
	MaxFetches int    `mapstructure:"max_fetches" yaml:"max_fetches"`
}

type LinkConfig struct {
	Strategy string `mapstructure:"strategy" yaml:"strategy"`
}

type LogConfig struct {
	Level string `mapstructure:"level" yaml:"level"`
	JSON  bool   `mapstructure:"json" yaml:"json"`
	File  bool   `mapstructure:"file" yaml:"file"`
}

// Default returns the baseline configuration.
func Default() Config {
	return Config{
		VersionCacheTTL:        time.Hour,
		MaxConcurrentDownloads: 4,
		Network: NetworkConfig{
			Retries:   3,
			Timeout:   30 * time.Second,
			UserAgent: "vx/1.0",
		},
		Sandbox: SandboxConfig{
			MaxSteps:   1_000_000,
			MaxFetches: 8,
		},
		Link: LinkConfig{Strategy: "symlink"},
		Log:  LogConfig{Level: "info"},
	}
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("home", d.Home)
	v.SetDefault("tools_dirs", d.ToolsDirs)
	v.SetDefault("version_cache_ttl", d.VersionCacheTTL)
	v.SetDefault("max_concurrent_downloads", d.MaxConcurrentDownloads)
	v.SetDefault("network.retries", d.Network.Retries)
	v.SetDefault("network.timeout", d.Network.Timeout)
	v.SetDefault("network.user_agent", d.Network.UserAgent)
	v.SetDefault("sandbox.max_steps", d.Sandbox.MaxSteps)
	v.SetDefault("sandbox.max_fetches", d.Sandbox.MaxFetches)
	v.SetDefault("link.strategy", d.Link.Strategy)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.json", d.Log.JSON)
	v.SetDefault("log.file", d.Log.File)
}

// Load reads the YAML configuration at path, layering VX_* environment
// overrides on top. A missing file yields the defaults plus overrides.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if strings.TrimSpace(path) != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.Is(err, fs.ErrNotExist) && !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.ApplyDefaults()
	return cfg, nil
}

// ApplyDefaults fills zero values the file or environment left unset.
func (c *Config) ApplyDefaults() {
	defaults := Default()

	if c.VersionCacheTTL <= 0 {
		c.VersionCacheTTL = defaults.VersionCacheTTL
	}
	if c.MaxConcurrentDownloads <= 0 {
		c.MaxConcurrentDownloads = defaults.MaxConcurrentDownloads
	}
	if c.Network.Retries < 0 {
		c.Network.Retries = defaults.Network.Retries
	}
	if c.Network.Timeout <= 0 {
		c.Network.Timeout = defaults.Network.Timeout
	}
	if c.Network.UserAgent == "" {
		c.Network.UserAgent = defaults.Network.UserAgent
	}
	if c.Sandbox.MaxSteps == 0 {
		c.Sandbox.MaxSteps = defaults.Sandbox.MaxSteps
	}
	if c.Sandbox.MaxFetches <= 0 {
		c.Sandbox.MaxFetches = defaults.Sandbox.MaxFetches
	}
	if strings.TrimSpace(c.Link.Strategy) == "" {
		c.Link.Strategy = defaults.Link.Strategy
	}
	if strings.TrimSpace(c.Log.Level) == "" {
		c.Log.Level = defaults.Log.Level
	}
}

// Marshal returns the YAML encoding of the configuration.
func (c Config) Marshal() ([]byte, error) {
	buf, err := yaml.Marshal(&c)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return buf, nil
}
