// Package config builds the harness Configuration from defaults, an optional
// config file, a .env file and PRISM_HARNESS_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/jrepp/prism-harness/pkg/deployerr"
)

// EnvPrefix prefixes every environment variable, e.g. PRISM_HARNESS_DEBUG_PORT
const EnvPrefix = "PRISM_HARNESS"

// Control channel kinds
const (
	ChannelStream = "stream"
	ChannelFile   = "file"
)

// Runtime kinds
const (
	RuntimeJVM  = "jvm"
	RuntimeExec = "exec"
)

// Configuration is read once at the start of a deployment attempt and passed
// down explicitly
type Configuration struct {
	Build   BuildConfig   `mapstructure:"build"`
	Debug   DebugConfig   `mapstructure:"debug"`
	Export  ExportConfig  `mapstructure:"export"`
	Deploy  DeployConfig  `mapstructure:"deploy"`
	Runtime RuntimeConfig `mapstructure:"runtime"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Tracing TracingConfig `mapstructure:"tracing"`
}

// BuildConfig holds packaging and resolution settings
type BuildConfig struct {
	// Modules is a colon separated list of extra module search paths
	Modules string `mapstructure:"modules"`

	// Repos is an additional remote repository handed to the child
	Repos string `mapstructure:"repos"`

	// LocalRepository overrides the local Maven repository used by the resolver
	LocalRepository string `mapstructure:"local_repository"`

	// ModuleSearchPaths is Modules split, filtered to existing entries and made absolute
	ModuleSearchPaths []string `mapstructure:"-"`
}

// DebugConfig holds the raw debug port. It is validated at launch.
type DebugConfig struct {
	Port string `mapstructure:"port"`
}

// ExportConfig controls the diagnostic bundle export
type ExportConfig struct {
	Bundle bool `mapstructure:"bundle"`
}

// DeployConfig controls the readiness handshake
type DeployConfig struct {
	Timeout       time.Duration `mapstructure:"timeout"`
	GracePeriod   time.Duration `mapstructure:"grace_period"`
	ReadyMarker   string        `mapstructure:"ready_marker"`
	FailureMarker string        `mapstructure:"failure_marker"`
	Channel       string        `mapstructure:"channel"`
	StatusFile    string        `mapstructure:"status_file"`
}

// RuntimeConfig selects how bundles are executed
type RuntimeConfig struct {
	Kind        string `mapstructure:"kind"`
	Java        string `mapstructure:"java"`
	Interpreter string `mapstructure:"interpreter"`
}

// MetricsConfig holds the Prometheus listener address; empty disables it
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// TracingConfig toggles span export to stdout
type TracingConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// NewViper returns a viper instance with defaults and environment bindings.
// The CLI binds its flags onto it before calling Load.
func NewViper() *viper.Viper {
	v := viper.New()

	v.SetConfigName("prism-harness")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.prism")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	d := Default()
	v.SetDefault("build.modules", d.Build.Modules)
	v.SetDefault("build.repos", d.Build.Repos)
	v.SetDefault("build.local_repository", d.Build.LocalRepository)
	v.SetDefault("debug.port", d.Debug.Port)
	v.SetDefault("export.bundle", d.Export.Bundle)
	v.SetDefault("deploy.timeout", d.Deploy.Timeout)
	v.SetDefault("deploy.grace_period", d.Deploy.GracePeriod)
	v.SetDefault("deploy.ready_marker", d.Deploy.ReadyMarker)
	v.SetDefault("deploy.failure_marker", d.Deploy.FailureMarker)
	v.SetDefault("deploy.channel", d.Deploy.Channel)
	v.SetDefault("deploy.status_file", d.Deploy.StatusFile)
	v.SetDefault("runtime.kind", d.Runtime.Kind)
	v.SetDefault("runtime.java", d.Runtime.Java)
	v.SetDefault("runtime.interpreter", d.Runtime.Interpreter)
	v.SetDefault("metrics.addr", d.Metrics.Addr)
	v.SetDefault("tracing.enabled", d.Tracing.Enabled)

	return v
}

// Load reads the configuration through v. configFile replaces the search
// path when set. envFile, when set, must exist; otherwise a .env in the
// working directory is loaded if present. Variables already in the
// environment win over .env entries.
func Load(v *viper.Viper, configFile, envFile string) (*Configuration, error) {
	if err := loadEnvFile(envFile); err != nil {
		return nil, err
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
	}

	// Read config file (ignore if not found - use defaults)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Configuration
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.Build.ModuleSearchPaths = SplitModulePaths(cfg.Build.Modules)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the built-in configuration, ignoring files and environment
func Default() *Configuration {
	return &Configuration{
		Deploy: DeployConfig{
			Timeout:       2 * time.Minute,
			GracePeriod:   5 * time.Second,
			ReadyMarker:   "PRISM-DEPLOYED",
			FailureMarker: "PRISM-DEPLOY-FAILED:",
			Channel:       ChannelStream,
			StatusFile:    ".prism-deploy-status",
		},
		Runtime: RuntimeConfig{
			Kind: RuntimeJVM,
			Java: "java",
		},
	}
}

func loadEnvFile(envFile string) error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return fmt.Errorf("load env file: %w", err)
		}
		return nil
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
}

// Validate checks enumerated and numeric settings. The debug port is left
// to the launcher so a bad value is reported at launch.
func (c *Configuration) Validate() error {
	if c.Deploy.Timeout <= 0 {
		return deployerr.ErrInvalidConfiguration("deploy.timeout", c.Deploy.Timeout, "timeout must be positive")
	}
	if c.Deploy.GracePeriod < 0 {
		return deployerr.ErrInvalidConfiguration("deploy.grace_period", c.Deploy.GracePeriod, "grace period cannot be negative")
	}
	switch c.Deploy.Channel {
	case ChannelStream, ChannelFile:
	default:
		return deployerr.ErrInvalidConfiguration("deploy.channel", c.Deploy.Channel, "channel must be stream or file")
	}
	switch c.Runtime.Kind {
	case RuntimeJVM, RuntimeExec:
	default:
		return deployerr.ErrInvalidConfiguration("runtime.kind", c.Runtime.Kind, "runtime must be jvm or exec")
	}
	return nil
}

// SplitModulePaths splits a colon separated path list. Empty and missing
// entries are dropped silently; the rest are made absolute.
func SplitModulePaths(raw string) []string {
	var paths []string
	for _, p := range strings.Split(raw, string(os.PathListSeparator)) {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if _, err := os.Stat(p); err != nil {
			continue
		}
		abs, err := filepath.Abs(p)
		if err != nil {
			continue
		}
		paths = append(paths, abs)
	}
	return paths
}
