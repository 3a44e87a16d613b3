// Package config loads reelgate.yml, the optional .env file beside it, and
// REELGATE_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/dusk-indust/reelgate/internal/job"
)

// Config holds project-level settings loaded from reelgate.yml.
type Config struct {
	RunsDir       string                  `yaml:"runsDir,omitempty"`
	WorkDir       string                  `yaml:"workDir,omitempty"`
	Database      DatabaseConfig          `yaml:"database,omitempty"`
	SweepInterval time.Duration           `yaml:"sweepInterval,omitempty"`
	HTTP          ListenConfig            `yaml:"http,omitempty"`
	MCP           ListenConfig            `yaml:"mcp,omitempty"`
	Brief         job.Brief               `yaml:"brief,omitempty"`
	Models        map[string]string       `yaml:"models,omitempty"`
	Gates         map[string]GatePolicy   `yaml:"gates,omitempty"`
	Stages        map[string]StageCommand `yaml:"stages,omitempty"`
}

// DatabaseConfig selects the job store backend.
type DatabaseConfig struct {
	Driver string `yaml:"driver,omitempty"` // memory, sqlite, kuzu
	Path   string `yaml:"path,omitempty"`
}

// ListenConfig is a network listen address. Empty disables the listener.
type ListenConfig struct {
	Addr string `yaml:"addr,omitempty"`
}

// GatePolicy is the approval policy for one stage.
type GatePolicy struct {
	Required          bool `yaml:"required"`
	AutoApprove       bool `yaml:"auto_approve"`
	AutoApproveAfterS int  `yaml:"auto_approve_after_s"`
}

// AutoApproveAfter returns the wait after which a pending gate may be
// auto-approved, or zero when the policy never auto-approves.
func (p GatePolicy) AutoApproveAfter() time.Duration {
	if !p.AutoApprove || p.AutoApproveAfterS <= 0 {
		return 0
	}
	return time.Duration(p.AutoApproveAfterS) * time.Second
}

// StageCommand describes the external program behind a stage.
type StageCommand struct {
	Command    []string          `yaml:"command,omitempty"`
	Script     string            `yaml:"script,omitempty"`     // source file checked by preflight
	Entrypoint string            `yaml:"entrypoint,omitempty"` // function preflight expects in Script
	Output     string            `yaml:"output,omitempty"`     // glob with {slug} placeholder
	Kind       string            `yaml:"kind,omitempty"`
	Env        map[string]string `yaml:"env,omitempty"`
}

// GatePolicies maps each stage to its gate policy.
type GatePolicies map[job.Stage]GatePolicy

// For returns the policy for stage. Stages without an entry are ungated.
func (g GatePolicies) For(stage job.Stage) GatePolicy {
	return g[stage]
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	cfg := &Config{
		RunsDir:       "runs",
		WorkDir:       ".",
		Database:      DatabaseConfig{Driver: "memory"},
		SweepInterval: 30 * time.Second,
		HTTP:          ListenConfig{Addr: ":8420"},
		Brief:         job.Brief{Tone: "informative", TargetLengthMin: 5},
		Models:        map[string]string{},
		Gates:         map[string]GatePolicy{},
		Stages:        map[string]StageCommand{},
	}
	return cfg
}

// Load reads reelgate.yml or reelgate.yaml from dir on top of Default, then
// applies environment overrides. A .env file in dir is loaded first and never
// overrides variables already set. A missing config file is not an error.
func Load(dir string) (*Config, error) {
	if err := godotenv.Load(filepath.Join(dir, ".env")); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("config: load .env: %w", err)
	}

	cfg := Default()
	for _, name := range []string{"reelgate.yml", "reelgate.yaml"} {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			continue
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", name, err)
		}
		break
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("REELGATE_DB_DRIVER"); v != "" {
		c.Database.Driver = v
	}
	if v := os.Getenv("REELGATE_DB_PATH"); v != "" {
		c.Database.Path = v
	}
	if v := os.Getenv("REELGATE_RUNS_DIR"); v != "" {
		c.RunsDir = v
	}
	if v := os.Getenv("REELGATE_WORK_DIR"); v != "" {
		c.WorkDir = v
	}
	if v := os.Getenv("REELGATE_HTTP_ADDR"); v != "" {
		c.HTTP.Addr = v
	}
	if v := os.Getenv("REELGATE_MCP_ADDR"); v != "" {
		c.MCP.Addr = v
	}
}

// Validate checks stage names in gates and stages and rejects negative
// timeouts.
func (c *Config) Validate() error {
	var errs []error
	for name, p := range c.Gates {
		if _, err := job.ParseStage(name); err != nil {
			errs = append(errs, fmt.Errorf("config: gates: %w", err))
		}
		if p.AutoApproveAfterS < 0 {
			errs = append(errs, fmt.Errorf("config: gates.%s.auto_approve_after_s must be >= 0", name))
		}
	}
	for name := range c.Stages {
		if _, err := job.ParseStage(name); err != nil {
			errs = append(errs, fmt.Errorf("config: stages: %w", err))
		}
	}
	if c.SweepInterval < 0 {
		errs = append(errs, errors.New("config: sweepInterval must be >= 0"))
	}
	return errors.Join(errs...)
}

// GatePolicies resolves the gates section into stage-keyed policies.
func (c *Config) GatePolicies() GatePolicies {
	out := make(GatePolicies, len(c.Gates))
	for name, p := range c.Gates {
		stage, err := job.ParseStage(name)
		if err != nil {
			continue
		}
		out[stage] = p
	}
	return out
}

// StageCommand returns the command configuration for stage. Unset fields
// fall back to the stage runner's conventions.
func (c *Config) StageCommand(stage job.Stage) StageCommand {
	return c.Stages[stage.String()]
}

// JobConfig returns the per-job configuration seeded from the project
// defaults.
func (c *Config) JobConfig() job.Config {
	jc := job.Config{Brief: c.Brief, Models: make(map[string]string, len(c.Models))}
	for k, v := range c.Models {
		jc.Models[k] = v
	}
	return jc
}
