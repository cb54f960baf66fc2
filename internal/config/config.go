// Package config loads and validates the agent configuration from YAML.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mqmesh/mqmesh/pkg/wire"
)

// agentIDPattern constrains agent IDs to characters that are safe inside
// MQTT topic levels.
var agentIDPattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// Config is the root configuration.
type Config struct {
	Agent       AgentConfig       `yaml:"agent"`
	MQTT        MQTTConfig        `yaml:"mqtt"`
	Budget      BudgetConfig      `yaml:"budget"`
	Idempotency IdempotencyConfig `yaml:"idempotency"`
	Routing     RoutingConfig     `yaml:"routing"`
	Registry    RegistryConfig    `yaml:"registry"`
	Pipeline    PipelineConfig    `yaml:"pipeline"`
	LLM         LLMConfig         `yaml:"llm"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// AgentConfig identifies this agent.
type AgentConfig struct {
	ID           string   `yaml:"id"`
	Capabilities []string `yaml:"capabilities"`
	SystemPrompt string   `yaml:"system_prompt"`
}

// MQTTConfig configures the broker connection.
type MQTTConfig struct {
	BrokerURL     string `yaml:"broker_url"`
	Username      string `yaml:"username"`
	Password      string `yaml:"password"`
	QoS           int    `yaml:"qos"`
	KeepAliveSecs int    `yaml:"keep_alive_secs"`
	HeartbeatSecs int    `yaml:"heartbeat_secs"`
	PublishBuffer int    `yaml:"publish_buffer"`
}

// BudgetConfig bounds one task's processing.
type BudgetConfig struct {
	MaxToolCalls     int `yaml:"max_tool_calls"`
	MaxIterations    int `yaml:"max_iterations"`
	TaskDeadlineSecs int `yaml:"task_deadline_secs"`
	ToolTimeoutSecs  int `yaml:"tool_timeout_secs"`
}

// IdempotencyConfig sizes the duplicate-suppression cache.
type IdempotencyConfig struct {
	Capacity int `yaml:"capacity"`
	TTLSecs  int `yaml:"ttl_secs"`
}

// RoutingConfig selects the routing behavior for tasks this agent
// originates or re-routes.
type RoutingConfig struct {
	Mode     string             `yaml:"mode"`
	Fallback string             `yaml:"fallback"`
	Router   string             `yaml:"router"` // "rules" or "llm"
	Rules    []wire.RoutingRule `yaml:"rules"`
}

// RegistryConfig tunes peer liveness tracking.
type RegistryConfig struct {
	TTLSecs           int `yaml:"ttl_secs"`
	SweepIntervalSecs int `yaml:"sweep_interval_secs"`
}

// PipelineConfig caps forwarding depth.
type PipelineConfig struct {
	MaxDepth int `yaml:"max_depth"`
}

// LLMConfig configures the completion provider. APIKeyEnv names the
// environment variable holding the key, so secrets stay out of the file.
type LLMConfig struct {
	Provider  string `yaml:"provider"`
	Model     string `yaml:"model"`
	BaseURL   string `yaml:"base_url"`
	APIKeyEnv string `yaml:"api_key_env"`
	MaxTokens int    `yaml:"max_tokens"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration defaults applied before file values.
func Default() Config {
	return Config{
		MQTT: MQTTConfig{
			BrokerURL:     "tcp://localhost:1883",
			QoS:           1,
			KeepAliveSecs: 30,
			HeartbeatSecs: 15,
			PublishBuffer: 1024,
		},
		Budget: BudgetConfig{
			MaxToolCalls:     15,
			MaxIterations:    8,
			TaskDeadlineSecs: 300,
			ToolTimeoutSecs:  60,
		},
		Idempotency: IdempotencyConfig{
			Capacity: 10000,
			TTLSecs:  3600,
		},
		Routing: RoutingConfig{
			Mode:     string(wire.RoutingStatic),
			Fallback: string(wire.FallbackStatic),
			Router:   "rules",
		},
		Registry: RegistryConfig{
			TTLSecs:           15,
			SweepIntervalSecs: 1,
		},
		Pipeline: PipelineConfig{
			MaxDepth: 16,
		},
		LLM: LLMConfig{
			Provider:  "openai-compat",
			APIKeyEnv: "MQMESH_API_KEY",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads the YAML file at path over the defaults and validates the
// result.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints and clamps the depth cap.
func (c *Config) Validate() error {
	if c.Agent.ID == "" {
		return fmt.Errorf("agent.id is required")
	}
	if !agentIDPattern.MatchString(c.Agent.ID) {
		return fmt.Errorf("agent.id %q: only letters, digits, '.', '_', '-' are allowed", c.Agent.ID)
	}
	if c.MQTT.BrokerURL == "" {
		return fmt.Errorf("mqtt.broker_url is required")
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos %d: must be 0, 1, or 2", c.MQTT.QoS)
	}

	switch wire.RoutingMode(c.Routing.Mode) {
	case wire.RoutingStatic, wire.RoutingDynamic:
	default:
		return fmt.Errorf("routing.mode %q: must be static or dynamic", c.Routing.Mode)
	}
	switch wire.FallbackMode(c.Routing.Fallback) {
	case wire.FallbackStatic, wire.FallbackDrop:
	default:
		return fmt.Errorf("routing.fallback %q: must be static or drop", c.Routing.Fallback)
	}
	switch strings.ToLower(c.Routing.Router) {
	case "rules", "llm":
	default:
		return fmt.Errorf("routing.router %q: must be rules or llm", c.Routing.Router)
	}

	// The protocol ceiling is 16 regardless of configuration.
	if c.Pipeline.MaxDepth <= 0 || c.Pipeline.MaxDepth > 16 {
		c.Pipeline.MaxDepth = 16
	}
	return nil
}

// APIKey resolves the LLM API key from the configured environment
// variable.
func (c *Config) APIKey() string {
	if c.LLM.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(c.LLM.APIKeyEnv)
}

// Durations derived from the integer-second fields.

func (c *Config) TaskDeadline() time.Duration {
	return time.Duration(c.Budget.TaskDeadlineSecs) * time.Second
}

func (c *Config) ToolTimeout() time.Duration {
	return time.Duration(c.Budget.ToolTimeoutSecs) * time.Second
}

func (c *Config) IdempotencyTTL() time.Duration {
	return time.Duration(c.Idempotency.TTLSecs) * time.Second
}

func (c *Config) RegistryTTL() time.Duration {
	return time.Duration(c.Registry.TTLSecs) * time.Second
}

func (c *Config) RegistrySweepInterval() time.Duration {
	return time.Duration(c.Registry.SweepIntervalSecs) * time.Second
}

func (c *Config) KeepAlive() time.Duration {
	return time.Duration(c.MQTT.KeepAliveSecs) * time.Second
}

func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.MQTT.HeartbeatSecs) * time.Second
}
