// Package fmmconfig holds the per-solve configuration object,
// loaded through viper with the usual three-tier layering of defaults, a
// config file, and environment variables.
package fmmconfig

import (
	"fmt"
	"runtime"
	"time"

	"github.com/spf13/viper"
)

// Config is the external invocation surface for one solve.
type Config struct {
	NumBodies    int           `mapstructure:"num_bodies"`
	NCrit        int           `mapstructure:"ncrit"`
	NSpawn       int           `mapstructure:"nspawn"`
	Images       int           `mapstructure:"images"`
	Theta        float64       `mapstructure:"theta"`
	UseRmax      bool          `mapstructure:"use_rmax"`
	UseRopt      bool          `mapstructure:"use_ropt"`
	Mutual       bool          `mapstructure:"mutual"`
	Distribution string        `mapstructure:"distribution"`
	Repeat       int           `mapstructure:"repeat"`
	Verbose      bool          `mapstructure:"verbose"`
	Threads      int           `mapstructure:"threads"`
	Cycle        float64       `mapstructure:"cycle"` // periodic cell size, default 2*pi
	TimingLog    string        `mapstructure:"timing_log"`
	SolveTimeout time.Duration `mapstructure:"solve_timeout"`
}

// Default returns the configuration in effect before any file/env/flag
// overlay is applied.
func Default() *Config {
	return &Config{
		NumBodies:    1000,
		NCrit:        64,
		NSpawn:       1000,
		Images:       0,
		Theta:        0.4,
		UseRmax:      true,
		UseRopt:      false,
		Mutual:       true,
		Distribution: "cube",
		Repeat:       1,
		Verbose:      false,
		Threads:      runtime.GOMAXPROCS(0),
		Cycle:        2 * 3.14159265358979323846,
	}
}

// Load builds a Config from defaults, overlaid by an optional config file
// (path may be empty) and environment variables prefixed FMM_.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("fmm")
	v.AutomaticEnv()

	def := Default()
	v.SetDefault("num_bodies", def.NumBodies)
	v.SetDefault("ncrit", def.NCrit)
	v.SetDefault("nspawn", def.NSpawn)
	v.SetDefault("images", def.Images)
	v.SetDefault("theta", def.Theta)
	v.SetDefault("use_rmax", def.UseRmax)
	v.SetDefault("use_ropt", def.UseRopt)
	v.SetDefault("mutual", def.Mutual)
	v.SetDefault("distribution", def.Distribution)
	v.SetDefault("repeat", def.Repeat)
	v.SetDefault("verbose", def.Verbose)
	v.SetDefault("threads", def.Threads)
	v.SetDefault("cycle", def.Cycle)
	v.SetDefault("timing_log", def.TimingLog)
	v.SetDefault("solve_timeout", def.SolveTimeout)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

// Validate rejects configurations that would produce undefined behaviour
// downstream. Theta must lie in (0, 1]: Solve itself never checks theta,
// but a non-positive one breaks the acceptance test's RCRIT = R/theta
// computation and one above 1 is outside the acceptance parameter's range,
// so both are rejected here as setup errors rather than left to manifest
// as a silent NaN or degraded accuracy.
func (c *Config) Validate() error {
	if c.Theta <= 0 || c.Theta > 1 {
		return fmt.Errorf("theta must be in (0, 1], got %f", c.Theta)
	}
	if c.NCrit <= 0 {
		return fmt.Errorf("ncrit must be positive, got %d", c.NCrit)
	}
	if c.NSpawn <= 0 {
		return fmt.Errorf("nspawn must be positive, got %d", c.NSpawn)
	}
	if c.Images < 0 {
		return fmt.Errorf("images must be non-negative, got %d", c.Images)
	}
	if c.Threads <= 0 {
		c.Threads = 1
	}
	if c.Repeat < 1 {
		c.Repeat = 1
	}
	return nil
}
