// Package config loads process configuration for agents, services, and
// observers. Settings come from an optional YAML file with environment
// variable overrides, so containerized deployments can run file-free.
//
// Environment variables:
//
//	REDIS_URL              - Redis address (default: "localhost:6379")
//	REDIS_PASSWORD         - Redis password (optional)
//	GENESIS_NAMESPACE      - key/stream namespace prefix (default: "genesis")
//	AGENT_NAME             - agent display name
//	AGENT_ENDPOINT         - agent RPC endpoint (default: agent name)
//	MODEL_PROVIDER         - "openai", "anthropic", or "bedrock"
//	MODEL_NAME             - provider model identifier
//	OPENAI_API_KEY         - OpenAI credentials
//	ANTHROPIC_API_KEY      - Anthropic credentials
//	AWS_REGION             - Bedrock region
//	HEARTBEAT_INTERVAL     - advertisement heartbeat period (default: "2s")
//	MISSED_HEARTBEATS      - beats missed before an advertiser is stale (default: 3)
//	AGENT_MAX_TURNS        - tool loop turn cap (default: 5)
//	AGENT_CALL_TIMEOUT     - peer agent call timeout (default: "25s")
//	FUNCTION_CALL_TIMEOUT  - function call timeout (default: "15s")
//	WARMUP_WINDOW          - monitored agent warm-up window (default: "2s")
//	MEMORY_BACKEND         - "inmem", "redis", or "mongo" (default: "inmem")
//	MONGO_URI              - Mongo connection string for the mongo backend
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied by Load when neither file nor environment sets a value.
const (
	DefaultRedisURL            = "localhost:6379"
	DefaultNamespace           = "genesis"
	DefaultHeartbeatInterval   = 2 * time.Second
	DefaultMissedHeartbeats    = 3
	DefaultMaxTurns            = 5
	DefaultAgentCallTimeout    = 25 * time.Second
	DefaultFunctionCallTimeout = 15 * time.Second
	DefaultWarmUpWindow        = 2 * time.Second
	DefaultMemoryBackend       = "inmem"
)

type (
	// Config is the full process configuration.
	Config struct {
		Redis     Redis     `yaml:"redis"`
		Namespace string    `yaml:"namespace"`
		Agent     Agent     `yaml:"agent"`
		Model     Model     `yaml:"model"`
		Memory    Memory    `yaml:"memory"`
		Discovery Discovery `yaml:"discovery"`
	}

	// Redis locates the fabric backing store.
	Redis struct {
		URL      string `yaml:"url"`
		Password string `yaml:"password"`
	}

	// Agent configures one agent process.
	Agent struct {
		Name            string        `yaml:"name"`
		Endpoint        string        `yaml:"endpoint"`
		Description     string        `yaml:"description"`
		Specializations []string      `yaml:"specializations"`
		Capabilities    []string      `yaml:"capabilities"`
		MaxTurns        int           `yaml:"max_turns"`
		CallTimeout     time.Duration `yaml:"call_timeout"`
		FunctionTimeout time.Duration `yaml:"function_timeout"`
		WarmUp          time.Duration `yaml:"warmup"`
	}

	// Model selects and credentials the LLM provider.
	Model struct {
		Provider        string  `yaml:"provider"`
		Name            string  `yaml:"name"`
		Temperature     float32 `yaml:"temperature"`
		MaxTokens       int     `yaml:"max_tokens"`
		OpenAIAPIKey    string  `yaml:"openai_api_key"`
		AnthropicAPIKey string  `yaml:"anthropic_api_key"`
		AWSRegion       string  `yaml:"aws_region"`
	}

	// Memory selects the conversation store backend.
	Memory struct {
		Backend  string `yaml:"backend"`
		MongoURI string `yaml:"mongo_uri"`
	}

	// Discovery tunes advertisement liveliness.
	Discovery struct {
		HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
		MissedHeartbeats  int           `yaml:"missed_heartbeats"`
	}
)

// Load reads the YAML file at path when path is non-empty, applies
// environment overrides, then fills defaults. A missing file at an explicit
// path is an error; an empty path skips the file entirely.
func Load(path string) (Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file: %w", err)
		}
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	return cfg, nil
}

// Validate reports configuration errors an agent process cannot start with.
func (c Config) Validate() error {
	if c.Redis.URL == "" {
		return errors.New("redis url is required")
	}
	switch c.Model.Provider {
	case "":
		// Services and observers run without a model.
	case "openai":
		if c.Model.OpenAIAPIKey == "" {
			return errors.New("openai provider requires an api key")
		}
	case "anthropic":
		if c.Model.AnthropicAPIKey == "" {
			return errors.New("anthropic provider requires an api key")
		}
	case "bedrock":
		if c.Model.AWSRegion == "" {
			return errors.New("bedrock provider requires a region")
		}
	default:
		return fmt.Errorf("unknown model provider %q", c.Model.Provider)
	}
	switch c.Memory.Backend {
	case "", "inmem", "redis":
	case "mongo":
		if c.Memory.MongoURI == "" {
			return errors.New("mongo memory backend requires a uri")
		}
	default:
		return fmt.Errorf("unknown memory backend %q", c.Memory.Backend)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Redis.URL = envOr("REDIS_URL", c.Redis.URL)
	c.Redis.Password = envOr("REDIS_PASSWORD", c.Redis.Password)
	c.Namespace = envOr("GENESIS_NAMESPACE", c.Namespace)

	c.Agent.Name = envOr("AGENT_NAME", c.Agent.Name)
	c.Agent.Endpoint = envOr("AGENT_ENDPOINT", c.Agent.Endpoint)
	c.Agent.MaxTurns = envIntOr("AGENT_MAX_TURNS", c.Agent.MaxTurns)
	c.Agent.CallTimeout = envDurationOr("AGENT_CALL_TIMEOUT", c.Agent.CallTimeout)
	c.Agent.FunctionTimeout = envDurationOr("FUNCTION_CALL_TIMEOUT", c.Agent.FunctionTimeout)
	c.Agent.WarmUp = envDurationOr("WARMUP_WINDOW", c.Agent.WarmUp)

	c.Model.Provider = envOr("MODEL_PROVIDER", c.Model.Provider)
	c.Model.Name = envOr("MODEL_NAME", c.Model.Name)
	c.Model.OpenAIAPIKey = envOr("OPENAI_API_KEY", c.Model.OpenAIAPIKey)
	c.Model.AnthropicAPIKey = envOr("ANTHROPIC_API_KEY", c.Model.AnthropicAPIKey)
	c.Model.AWSRegion = envOr("AWS_REGION", c.Model.AWSRegion)

	c.Memory.Backend = envOr("MEMORY_BACKEND", c.Memory.Backend)
	c.Memory.MongoURI = envOr("MONGO_URI", c.Memory.MongoURI)

	c.Discovery.HeartbeatInterval = envDurationOr("HEARTBEAT_INTERVAL", c.Discovery.HeartbeatInterval)
	c.Discovery.MissedHeartbeats = envIntOr("MISSED_HEARTBEATS", c.Discovery.MissedHeartbeats)
}

func (c *Config) applyDefaults() {
	if c.Redis.URL == "" {
		c.Redis.URL = DefaultRedisURL
	}
	if c.Namespace == "" {
		c.Namespace = DefaultNamespace
	}
	if c.Agent.Endpoint == "" {
		c.Agent.Endpoint = c.Agent.Name
	}
	if c.Agent.MaxTurns <= 0 {
		c.Agent.MaxTurns = DefaultMaxTurns
	}
	if c.Agent.CallTimeout <= 0 {
		c.Agent.CallTimeout = DefaultAgentCallTimeout
	}
	if c.Agent.FunctionTimeout <= 0 {
		c.Agent.FunctionTimeout = DefaultFunctionCallTimeout
	}
	if c.Agent.WarmUp <= 0 {
		c.Agent.WarmUp = DefaultWarmUpWindow
	}
	if c.Memory.Backend == "" {
		c.Memory.Backend = DefaultMemoryBackend
	}
	if c.Discovery.HeartbeatInterval <= 0 {
		c.Discovery.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.Discovery.MissedHeartbeats <= 0 {
		c.Discovery.MissedHeartbeats = DefaultMissedHeartbeats
	}
}

// envOr returns the environment variable value or a default.
func envOr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// envIntOr returns the environment variable as int or a default.
func envIntOr(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

// envDurationOr returns the environment variable as duration or a default.
func envDurationOr(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
