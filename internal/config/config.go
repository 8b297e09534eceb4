// Package config resolves the sam home directory and the timing knobs used by
// the node lifecycle actor, the reconciliation sweep, and stuck-task recovery.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the environment-supplied timing knobs. Zero values are never
// used directly; Load and FromEnv always fill in defaults.
type Config struct {
	// WarmGracePeriod is how long an idle node stays in the warm pool before
	// its actor self-destructs it; the sweep uses the same window to catch
	// nodes whose timer never fired.
	WarmGracePeriod time.Duration
	// MaxNodeLifetime is the hard cost cap on auto-provisioned nodes,
	// independent of warm-pool state.
	MaxNodeLifetime time.Duration
	// QueuedTimeout fails tasks stuck in queued (silent provisioning failure).
	QueuedTimeout time.Duration
	// DelegatedTimeout fails tasks stuck in delegated (workspace never started).
	DelegatedTimeout time.Duration
	// MaxExecutionTime fails tasks stuck in in_progress (agent run over budget).
	MaxExecutionTime time.Duration
	// SweepInterval is the cadence of the reconciliation sweep and the
	// stuck-task recovery job.
	SweepInterval time.Duration
}

// fileConfig is the YAML shape of home/config.yaml; durations are Go duration
// strings (e.g. "15m").
type fileConfig struct {
	WarmGracePeriod  string `yaml:"warm_grace_period"`
	MaxNodeLifetime  string `yaml:"max_node_lifetime"`
	QueuedTimeout    string `yaml:"queued_timeout"`
	DelegatedTimeout string `yaml:"delegated_timeout"`
	MaxExecutionTime string `yaml:"max_execution_time"`
	SweepInterval    string `yaml:"sweep_interval"`
}

// Default returns the built-in knob values.
func Default() Config {
	return Config{
		WarmGracePeriod:  10 * time.Minute,
		MaxNodeLifetime:  8 * time.Hour,
		QueuedTimeout:    10 * time.Minute,
		DelegatedTimeout: 15 * time.Minute,
		MaxExecutionTime: 60 * time.Minute,
		SweepInterval:    5 * time.Minute,
	}
}

// FromEnv returns Default overridden by SAM_* environment variables
// (Go duration strings, e.g. SAM_WARM_GRACE_PERIOD=15m).
func FromEnv() Config {
	c := Default()
	c.applyEnv()
	return c
}

// Load reads home/config.yaml if present, then applies environment overrides.
// A missing file is not an error.
func Load(home string) (Config, error) {
	c := Default()
	path := filepath.Join(home, "config.yaml")
	body, err := os.ReadFile(path)
	if err == nil {
		var fc fileConfig
		if err := yaml.Unmarshal(body, &fc); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
		if err := c.applyFile(path, fc); err != nil {
			return Config{}, err
		}
	} else if !os.IsNotExist(err) {
		return Config{}, err
	}
	c.applyEnv()
	return c, nil
}

func (c *Config) applyFile(path string, fc fileConfig) error {
	pairs := []struct {
		dst *time.Duration
		key string
		val string
	}{
		{&c.WarmGracePeriod, "warm_grace_period", fc.WarmGracePeriod},
		{&c.MaxNodeLifetime, "max_node_lifetime", fc.MaxNodeLifetime},
		{&c.QueuedTimeout, "queued_timeout", fc.QueuedTimeout},
		{&c.DelegatedTimeout, "delegated_timeout", fc.DelegatedTimeout},
		{&c.MaxExecutionTime, "max_execution_time", fc.MaxExecutionTime},
		{&c.SweepInterval, "sweep_interval", fc.SweepInterval},
	}
	for _, p := range pairs {
		if p.val == "" {
			continue
		}
		d, err := time.ParseDuration(p.val)
		if err != nil {
			return fmt.Errorf("parse %s: %s: %w", path, p.key, err)
		}
		if d > 0 {
			*p.dst = d
		}
	}
	return nil
}

func (c *Config) applyEnv() {
	overrideDuration(&c.WarmGracePeriod, "SAM_WARM_GRACE_PERIOD")
	overrideDuration(&c.MaxNodeLifetime, "SAM_MAX_NODE_LIFETIME")
	overrideDuration(&c.QueuedTimeout, "SAM_QUEUED_TIMEOUT")
	overrideDuration(&c.DelegatedTimeout, "SAM_DELEGATED_TIMEOUT")
	overrideDuration(&c.MaxExecutionTime, "SAM_MAX_EXECUTION_TIME")
	overrideDuration(&c.SweepInterval, "SAM_SWEEP_INTERVAL")
}

func overrideDuration(dst *time.Duration, env string) {
	v := os.Getenv(env)
	if v == "" {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return
	}
	*dst = d
}
