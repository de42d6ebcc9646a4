package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for Parley
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Conversation ConversationConfig `yaml:"conversation"`
	Retrieval    RetrievalConfig    `yaml:"retrieval"`
	Inference    InferenceConfig    `yaml:"inference"`
	Channels     ChannelsConfig     `yaml:"channels"`
	Passages     PassagesConfig     `yaml:"passages"`
	Tools        ToolsConfig        `yaml:"tools"`
	Scheduler    SchedulerConfig    `yaml:"scheduler"`
	Logging      LoggingConfig      `yaml:"logging"`
}

// ServerConfig defines the admin HTTP server settings
type ServerConfig struct {
	Port int    `yaml:"port"`
	Host string `yaml:"host"`
}

// ConversationConfig defines per-conversation defaults
type ConversationConfig struct {
	// WakePhrase gates engagement on transports that require explicit
	// addressing. Empty means no gating; the assistant then answers as
	// "Computer".
	WakePhrase    string   `yaml:"wake_phrase"`
	Model         string   `yaml:"model"`
	StaticContext []string `yaml:"static_context"`
	Tools         []string `yaml:"tools"`
	MailboxSize   int      `yaml:"mailbox_size"`
}

// RetrievalConfig defines the passage retrieval backend
type RetrievalConfig struct {
	// Mode is "http" (external search service), "local" (embedded sqlite
	// index + embeddings engine) or "" (retrieval disabled).
	Mode      string  `yaml:"mode"`
	URL       string  `yaml:"url,omitempty"`
	Threshold float32 `yaml:"threshold"`
	Limit     int     `yaml:"limit"`
	Timeout   string  `yaml:"timeout,omitempty"`
}

// GetTimeout returns the retrieval timeout as a time.Duration
func (r *RetrievalConfig) GetTimeout() time.Duration {
	if r.Timeout == "" {
		return 30 * time.Second
	}
	d, err := time.ParseDuration(r.Timeout)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// EngineConfig defines a generation/embedding engine
type EngineConfig struct {
	Name           string `yaml:"name"`
	Type           string `yaml:"type"` // "openai" or "ollama"
	URL            string `yaml:"url"`
	APIKey         string `yaml:"api_key,omitempty"`
	EmbeddingModel string `yaml:"embedding_model,omitempty"`
	Timeout        string `yaml:"timeout,omitempty"`
}

// GetTimeout returns the engine timeout as a time.Duration
func (e *EngineConfig) GetTimeout() time.Duration {
	if e.Timeout == "" {
		return 120 * time.Second
	}
	d, err := time.ParseDuration(e.Timeout)
	if err != nil {
		return 120 * time.Second
	}
	return d
}

// InferenceConfig defines the generation backends
type InferenceConfig struct {
	Engines       []EngineConfig `yaml:"engines"`
	DefaultEngine string         `yaml:"default_engine"`
}

// ChannelsConfig defines transport adapter configurations
type ChannelsConfig struct {
	Discord  DiscordConfig  `yaml:"discord"`
	Telegram TelegramConfig `yaml:"telegram"`
	WebChat  WebChatConfig  `yaml:"webchat"`
	Broker   BrokerConfig   `yaml:"broker"`
}

// DiscordConfig defines Discord channel settings
type DiscordConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
}

// TelegramConfig defines Telegram channel settings
type TelegramConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
}

// WebChatConfig defines the websocket chat server settings
type WebChatConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// BrokerConfig defines the Redis Streams transport settings
type BrokerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db,omitempty"`
	Group    string `yaml:"group,omitempty"`
	Consumer string `yaml:"consumer,omitempty"`
}

// PassagesConfig defines the local passage index
type PassagesConfig struct {
	Path string `yaml:"path"`
}

// ToolsConfig defines external tool collaborator endpoints
type ToolsConfig struct {
	TranscriberURL string `yaml:"transcriber_url,omitempty"`
	ScraperURL     string `yaml:"scraper_url,omitempty"`
	Timeout        string `yaml:"timeout,omitempty"`
}

// GetTimeout returns the tool call timeout as a time.Duration
func (t *ToolsConfig) GetTimeout() time.Duration {
	if t.Timeout == "" {
		return 5 * time.Minute
	}
	d, err := time.ParseDuration(t.Timeout)
	if err != nil {
		return 5 * time.Minute
	}
	return d
}

// SchedulerConfig defines cron maintenance jobs
type SchedulerConfig struct {
	// IdleSweep is a cron spec (e.g. "@every 10m"); empty disables the sweep.
	IdleSweep string `yaml:"idle_sweep,omitempty"`
	// IdleAfter is how long a conversation may stay quiet before the sweep
	// stops its actor.
	IdleAfter string `yaml:"idle_after,omitempty"`
	// Vacuum is a cron spec for passage store maintenance.
	Vacuum string `yaml:"vacuum,omitempty"`
}

// GetIdleAfter returns the idle cutoff as a time.Duration
func (s *SchedulerConfig) GetIdleAfter() time.Duration {
	if s.IdleAfter == "" {
		return time.Hour
	}
	d, err := time.ParseDuration(s.IdleAfter)
	if err != nil {
		return time.Hour
	}
	return d
}

// LoggingConfig defines logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load loads configuration from a YAML file with environment variable overrides
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyDefaults()
	cfg.applyEnvOverrides()

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Conversation.Model == "" {
		c.Conversation.Model = "gpt-3.5-turbo"
	}
	if c.Conversation.Tools == nil {
		c.Conversation.Tools = []string{"transcribe"}
	}
	if c.Conversation.MailboxSize <= 0 {
		c.Conversation.MailboxSize = 64
	}
	if c.Retrieval.Threshold == 0 {
		c.Retrieval.Threshold = 0.35
	}
	if c.Retrieval.Limit <= 0 {
		c.Retrieval.Limit = 4
	}
	if c.Channels.Broker.Group == "" {
		c.Channels.Broker.Group = "parley"
	}
	if c.Channels.Broker.Consumer == "" {
		host, _ := os.Hostname()
		if host == "" {
			host = "parley-1"
		}
		c.Channels.Broker.Consumer = host
	}
	if c.Passages.Path == "" {
		c.Passages.Path = "parley.db"
	}
}

// applyEnvOverrides applies environment variable overrides to the config
func (c *Config) applyEnvOverrides() {
	if port := os.Getenv("PARLEY_PORT"); port != "" {
		fmt.Sscanf(port, "%d", &c.Server.Port)
	}
	if token := os.Getenv("DISCORD_TOKEN"); token != "" {
		c.Channels.Discord.Token = token
	}
	if token := os.Getenv("TELEGRAM_TOKEN"); token != "" {
		c.Channels.Telegram.Token = token
	}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		c.Channels.Broker.Addr = addr
	}
	if apiKey := os.Getenv("OPENAI_API_KEY"); apiKey != "" {
		for i := range c.Inference.Engines {
			if c.Inference.Engines[i].Type == "openai" {
				c.Inference.Engines[i].APIKey = apiKey
			}
		}
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if len(c.Inference.Engines) == 0 {
		return fmt.Errorf("at least one inference engine is required")
	}
	names := make(map[string]bool, len(c.Inference.Engines))
	for _, e := range c.Inference.Engines {
		if e.Name == "" {
			return fmt.Errorf("inference engine without a name")
		}
		if e.Type != "openai" && e.Type != "ollama" {
			return fmt.Errorf("unknown engine type %q for engine %q", e.Type, e.Name)
		}
		if e.URL == "" {
			return fmt.Errorf("engine %q requires a url", e.Name)
		}
		names[e.Name] = true
	}
	if c.Inference.DefaultEngine != "" && !names[c.Inference.DefaultEngine] {
		return fmt.Errorf("default_engine %q is not a configured engine", c.Inference.DefaultEngine)
	}
	if c.Retrieval.Mode != "" && c.Retrieval.Mode != "http" && c.Retrieval.Mode != "local" {
		return fmt.Errorf("unknown retrieval mode %q", c.Retrieval.Mode)
	}
	if c.Retrieval.Mode == "http" && c.Retrieval.URL == "" {
		return fmt.Errorf("retrieval mode http requires a url")
	}
	if c.Retrieval.Threshold <= 0 || c.Retrieval.Threshold > 1 {
		return fmt.Errorf("retrieval threshold must be in (0, 1], got %v", c.Retrieval.Threshold)
	}
	if c.Channels.Discord.Enabled && c.Channels.Discord.Token == "" {
		return fmt.Errorf("discord channel enabled without a token")
	}
	if c.Channels.Telegram.Enabled && c.Channels.Telegram.Token == "" {
		return fmt.Errorf("telegram channel enabled without a token")
	}
	if c.Channels.WebChat.Enabled && (c.Channels.WebChat.Port <= 0 || c.Channels.WebChat.Port > 65535) {
		return fmt.Errorf("invalid webchat port: %d", c.Channels.WebChat.Port)
	}
	if c.Channels.Broker.Enabled && c.Channels.Broker.Addr == "" {
		return fmt.Errorf("broker channel enabled without an addr")
	}
	return nil
}
