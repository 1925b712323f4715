// Package kconfig loads the YAML-shaped kernel configuration, the same
// way infrastructure/config/services.go and system/sandbox/policy_loader.go
// load their YAML trees: plain structs with `yaml` tags, unmarshalled
// with gopkg.in/yaml.v3, with defaults filled in after load.
package kconfig

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// RateLimitResourceConfig configures one renewable resource's rolling
// window capacity.
type RateLimitResourceConfig struct {
	WindowSeconds float64 `yaml:"window_seconds"`
	Capacity      float64 `yaml:"capacity"`
	Enabled       bool    `yaml:"enabled"`
}

func (r RateLimitResourceConfig) Window() time.Duration {
	return time.Duration(r.WindowSeconds * float64(time.Second))
}

// ContractsConfig configures the permission engine and sandbox.
type ContractsConfig struct {
	DefaultWhenNull        string `yaml:"default_when_null"` // creator_only|freeware|private
	DefaultOnMissing       string `yaml:"default_on_missing"`
	MaxPermissionDepth     int    `yaml:"max_permission_depth"`
	SandboxTimeoutSeconds  float64 `yaml:"sandbox_timeout_seconds"`
}

func (c ContractsConfig) SandboxTimeout() time.Duration {
	return time.Duration(c.SandboxTimeoutSeconds * float64(time.Second))
}

// AgentLoopConfig configures the per-principal scheduler loop.
type AgentLoopConfig struct {
	MinLoopDelaySeconds        float64  `yaml:"min_loop_delay_seconds"`
	MaxLoopDelaySeconds        float64  `yaml:"max_loop_delay_seconds"`
	ResourceCheckIntervalSecs  float64  `yaml:"resource_check_interval_seconds"`
	MaxConsecutiveErrors       int      `yaml:"max_consecutive_errors"`
	ResourcesToCheck           []string `yaml:"resources_to_check"`
}

func (a AgentLoopConfig) MinLoopDelay() time.Duration {
	return time.Duration(a.MinLoopDelaySeconds * float64(time.Second))
}

func (a AgentLoopConfig) MaxLoopDelay() time.Duration {
	return time.Duration(a.MaxLoopDelaySeconds * float64(time.Second))
}

func (a AgentLoopConfig) ResourceCheckInterval() time.Duration {
	return time.Duration(a.ResourceCheckIntervalSecs * float64(time.Second))
}

// ExecutionConfig toggles the autonomous loop scheduler on/off.
type ExecutionConfig struct {
	UseAutonomousLoops bool            `yaml:"use_autonomous_loops"`
	AgentLoop          AgentLoopConfig `yaml:"agent_loop"`
}

// LLMModelCost configures per-token pricing for one model.
type LLMModelCost struct {
	InputPerToken  float64 `yaml:"input_per_token"`
	OutputPerToken float64 `yaml:"output_per_token"`
}

// CostsConfig configures operation and LLM token pricing.
type CostsConfig struct {
	Operations map[string]float64     `yaml:"operations"`
	LLM        map[string]LLMModelCost `yaml:"llm"`
}

// Config is the full kernel configuration tree.
type Config struct {
	RateLimiting map[string]RateLimitResourceConfig `yaml:"rate_limiting"`
	Contracts    ContractsConfig                    `yaml:"contracts"`
	Execution    ExecutionConfig                    `yaml:"execution"`
	Costs        CostsConfig                         `yaml:"costs"`
}

// Default returns the kernel's built-in configuration defaults.
func Default() Config {
	return Config{
		RateLimiting: map[string]RateLimitResourceConfig{},
		Contracts: ContractsConfig{
			DefaultWhenNull:       "creator_only",
			DefaultOnMissing:      "genesis_freeware_contract",
			MaxPermissionDepth:    10,
			SandboxTimeoutSeconds: 30,
		},
		Execution: ExecutionConfig{
			UseAutonomousLoops: true,
			AgentLoop: AgentLoopConfig{
				MinLoopDelaySeconds:       0.1,
				MaxLoopDelaySeconds:       30,
				ResourceCheckIntervalSecs: 1,
				MaxConsecutiveErrors:      5,
				ResourcesToCheck:          []string{"scrip"},
			},
		},
		Costs: CostsConfig{
			Operations: map[string]float64{},
			LLM:        map[string]LLMModelCost{},
		},
	}
}

// Load reads and parses a YAML config file, filling unset fields with
// Default()'s values field-by-field (the same "load then backfill"
// approach services.go uses for ServicesConfig).
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}

	var loaded Config
	if err := yaml.Unmarshal(data, &loaded); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}

	if loaded.RateLimiting != nil {
		cfg.RateLimiting = loaded.RateLimiting
	}
	if loaded.Contracts.DefaultWhenNull != "" {
		cfg.Contracts.DefaultWhenNull = loaded.Contracts.DefaultWhenNull
	}
	if loaded.Contracts.DefaultOnMissing != "" {
		cfg.Contracts.DefaultOnMissing = loaded.Contracts.DefaultOnMissing
	}
	if loaded.Contracts.MaxPermissionDepth > 0 {
		cfg.Contracts.MaxPermissionDepth = loaded.Contracts.MaxPermissionDepth
	}
	if loaded.Contracts.SandboxTimeoutSeconds > 0 {
		cfg.Contracts.SandboxTimeoutSeconds = loaded.Contracts.SandboxTimeoutSeconds
	}
	var explicit struct {
		Execution struct {
			UseAutonomousLoops *bool `yaml:"use_autonomous_loops"`
		} `yaml:"execution"`
	}
	if err := yaml.Unmarshal(data, &explicit); err == nil && explicit.Execution.UseAutonomousLoops != nil {
		cfg.Execution.UseAutonomousLoops = *explicit.Execution.UseAutonomousLoops
	}
	if loaded.Execution.AgentLoop.MinLoopDelaySeconds > 0 {
		cfg.Execution.AgentLoop.MinLoopDelaySeconds = loaded.Execution.AgentLoop.MinLoopDelaySeconds
	}
	if loaded.Execution.AgentLoop.MaxLoopDelaySeconds > 0 {
		cfg.Execution.AgentLoop.MaxLoopDelaySeconds = loaded.Execution.AgentLoop.MaxLoopDelaySeconds
	}
	if loaded.Execution.AgentLoop.ResourceCheckIntervalSecs > 0 {
		cfg.Execution.AgentLoop.ResourceCheckIntervalSecs = loaded.Execution.AgentLoop.ResourceCheckIntervalSecs
	}
	if loaded.Execution.AgentLoop.MaxConsecutiveErrors > 0 {
		cfg.Execution.AgentLoop.MaxConsecutiveErrors = loaded.Execution.AgentLoop.MaxConsecutiveErrors
	}
	if len(loaded.Execution.AgentLoop.ResourcesToCheck) > 0 {
		cfg.Execution.AgentLoop.ResourcesToCheck = loaded.Execution.AgentLoop.ResourcesToCheck
	}
	if len(loaded.Costs.Operations) > 0 {
		cfg.Costs.Operations = loaded.Costs.Operations
	}
	if len(loaded.Costs.LLM) > 0 {
		cfg.Costs.LLM = loaded.Costs.LLM
	}

	return cfg, nil
}
