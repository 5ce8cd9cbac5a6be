// Package config handles Frinny configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/frinny/config.yaml, /etc/frinny/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "frinny", "config.yaml"))
	}

	paths = append(paths, "/etc/frinny/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Frinny configuration.
type Config struct {
	Listen     ListenConfig     `yaml:"listen"`
	Models     ModelsConfig     `yaml:"models"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	Contexts   ContextsConfig   `yaml:"contexts"`
	Pipeline   PipelineConfig   `yaml:"pipeline"`
	Mood       MoodConfig       `yaml:"mood"`
	Search     SearchConfig     `yaml:"search"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
	WebSocket  WebSocketConfig  `yaml:"websocket"`
	DataDir    string           `yaml:"data_dir"`
	LogLevel   string           `yaml:"log_level"`
	LogFormat  string           `yaml:"log_format"` // text (default) or json
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// ModelsConfig defines the language model providers.
type ModelsConfig struct {
	Default      string  `yaml:"default"`
	Provider     string  `yaml:"provider"` // ollama or openai
	OllamaURL    string  `yaml:"ollama_url"`
	OpenAIAPIKey string  `yaml:"openai_api_key"`
	Temperature  float32 `yaml:"temperature"`
}

// OpenAIConfigured reports whether an OpenAI key is present.
func (m ModelsConfig) OpenAIConfigured() bool {
	return m.OpenAIAPIKey != ""
}

// CheckpointConfig selects and parameterizes the checkpoint backends.
// The networked backend is tried first when configured, then the
// embedded one, then process memory.
type CheckpointConfig struct {
	Mongo       MongoConfig    `yaml:"mongo"`
	Embedded    EmbeddedConfig `yaml:"embedded"`
	InitTimeout time.Duration  `yaml:"init_timeout"`
}

// MongoConfig defines the networked document store.
type MongoConfig struct {
	URI        string `yaml:"uri"`
	Database   string `yaml:"database"`
	Collection string `yaml:"collection"`
}

// Configured reports whether a MongoDB URI was supplied.
func (m MongoConfig) Configured() bool {
	return m.URI != ""
}

// EmbeddedConfig defines the single-file embedded backend.
type EmbeddedConfig struct {
	// Kind is "sqlite" (default), "bolt", or "none" to skip straight
	// to the in-memory backend.
	Kind string `yaml:"kind"`
	// Driver picks the database/sql driver for Kind "sqlite":
	// "sqlite3" (mattn, cgo) or "sqlite" (modernc, pure Go).
	Driver string `yaml:"driver"`
	// Path is the database file. Relative paths resolve under data_dir.
	Path string `yaml:"path"`
}

// ContextsConfig tunes context selection.
type ContextsConfig struct {
	// Threshold is the minimum relevance for reusing a context. Nil
	// means 0.7; an explicit 0 always reuses the best candidate.
	Threshold    *float64      `yaml:"threshold"`
	Scorer       string        `yaml:"scorer"` // overlap (default) or llm
	ScorerModel  string        `yaml:"scorer_model"`
	ScoreTimeout time.Duration `yaml:"score_timeout"`
	StoreTimeout time.Duration `yaml:"store_timeout"`
	MaxLocks     int           `yaml:"max_locks"`
	LockIdle     time.Duration `yaml:"lock_idle"`
	SummaryChars int           `yaml:"summary_chars"`
}

// DefaultThreshold is the relevance threshold used when none is
// configured.
const DefaultThreshold = 0.7

// RelevanceThreshold returns the configured threshold, or
// [DefaultThreshold] when unset.
func (c ContextsConfig) RelevanceThreshold() float64 {
	if c.Threshold == nil {
		return DefaultThreshold
	}
	return *c.Threshold
}

// PipelineConfig tunes the response pipeline.
type PipelineConfig struct {
	Timeout       time.Duration `yaml:"timeout"`
	MaxIterations int           `yaml:"max_iterations"`
	Personality   string        `yaml:"personality"`
}

// MoodConfig optionally replaces the built-in mood tables. Empty
// sections keep the defaults.
type MoodConfig struct {
	Directives []MoodDirective `yaml:"directives"`
	Rules      []MoodRule      `yaml:"rules"`
}

// MoodDirective maps an inbound phrase pattern to a requested mood.
type MoodDirective struct {
	Pattern string `yaml:"pattern"`
	Mood    string `yaml:"mood"`
}

// MoodRule lists reply patterns that trigger a mood. Rule order is
// evaluation priority.
type MoodRule struct {
	Mood     string   `yaml:"mood"`
	Patterns []string `yaml:"patterns"`
}

// SearchConfig defines the rules search backend used by the
// pf2e_rules_lookup tool.
type SearchConfig struct {
	Tavily     TavilyConfig  `yaml:"tavily"`
	Domain     string        `yaml:"domain"` // restrict results to this site
	MaxResults int           `yaml:"max_results"`
	Timeout    time.Duration `yaml:"timeout"`
}

// TavilyConfig holds Tavily API settings.
type TavilyConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

// Configured reports whether a Tavily API key is set.
func (t TavilyConfig) Configured() bool {
	return t.APIKey != ""
}

// MQTTConfig defines the optional operator-signal publisher.
type MQTTConfig struct {
	Broker          string        `yaml:"broker"` // e.g. mqtt://localhost:1883
	Username        string        `yaml:"username"`
	Password        string        `yaml:"password"`
	TopicPrefix     string        `yaml:"topic_prefix"`
	ClientID        string        `yaml:"client_id"`
	PublishInterval time.Duration `yaml:"publish_interval"` // state topic refresh
}

// Configured reports whether an MQTT broker was supplied.
func (m MQTTConfig) Configured() bool {
	return m.Broker != ""
}

// WebSocketConfig tunes the device transport.
type WebSocketConfig struct {
	AllowedOrigins []string      `yaml:"allowed_origins"` // empty = any
	SendBuffer     int           `yaml:"send_buffer"`
	PingInterval   time.Duration `yaml:"ping_interval"`
}

// LoadDotEnv loads a .env file into the process environment if one
// exists. Variables already set win over the file.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	var existing []string
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			existing = append(existing, p)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	return godotenv.Load(existing...)
}

// Load reads configuration from a YAML file, expanding environment
// variables and applying defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 5001
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
	}

	if c.Models.Provider == "" {
		if c.Models.OpenAIConfigured() {
			c.Models.Provider = "openai"
		} else {
			c.Models.Provider = "ollama"
		}
	}
	if c.Models.Default == "" {
		if c.Models.Provider == "openai" {
			c.Models.Default = "gpt-4o"
		} else {
			c.Models.Default = "qwen3:4b"
		}
	}
	if c.Models.Temperature == 0 {
		c.Models.Temperature = 0.2
	}

	if c.Checkpoint.Mongo.Database == "" {
		c.Checkpoint.Mongo.Database = "frinny"
	}
	if c.Checkpoint.Mongo.Collection == "" {
		c.Checkpoint.Mongo.Collection = "agent_state"
	}
	if c.Checkpoint.Embedded.Kind == "" {
		c.Checkpoint.Embedded.Kind = "sqlite"
	}
	if c.Checkpoint.Embedded.Driver == "" {
		c.Checkpoint.Embedded.Driver = "sqlite3"
	}
	if c.Checkpoint.Embedded.Path == "" {
		switch c.Checkpoint.Embedded.Kind {
		case "bolt":
			c.Checkpoint.Embedded.Path = "checkpoints.bolt"
		default:
			c.Checkpoint.Embedded.Path = "checkpoints.db"
		}
	}
	if !filepath.IsAbs(c.Checkpoint.Embedded.Path) {
		c.Checkpoint.Embedded.Path = filepath.Join(c.DataDir, c.Checkpoint.Embedded.Path)
	}
	if c.Checkpoint.InitTimeout == 0 {
		c.Checkpoint.InitTimeout = 5 * time.Second
	}

	if c.Contexts.Threshold == nil {
		threshold := DefaultThreshold
		c.Contexts.Threshold = &threshold
	}
	if c.Contexts.Scorer == "" {
		c.Contexts.Scorer = "overlap"
	}
	if c.Contexts.ScorerModel == "" {
		c.Contexts.ScorerModel = c.Models.Default
	}
	if c.Contexts.ScoreTimeout == 0 {
		c.Contexts.ScoreTimeout = 10 * time.Second
	}
	if c.Contexts.StoreTimeout == 0 {
		c.Contexts.StoreTimeout = 5 * time.Second
	}
	if c.Contexts.MaxLocks == 0 {
		c.Contexts.MaxLocks = 4096
	}
	if c.Contexts.LockIdle == 0 {
		c.Contexts.LockIdle = 10 * time.Minute
	}
	if c.Contexts.SummaryChars == 0 {
		c.Contexts.SummaryChars = 500
	}

	if c.Pipeline.Timeout == 0 {
		c.Pipeline.Timeout = 2 * time.Minute
	}
	if c.Pipeline.MaxIterations == 0 {
		c.Pipeline.MaxIterations = 8
	}
	if c.Pipeline.Personality == "" {
		c.Pipeline.Personality = "Frinny"
	}

	if c.Search.Tavily.APIKey == "" {
		c.Search.Tavily.APIKey = os.Getenv("TAVILY_API_KEY")
	}
	if c.Search.Tavily.BaseURL == "" {
		c.Search.Tavily.BaseURL = "https://api.tavily.com"
	}
	if c.Search.Domain == "" {
		c.Search.Domain = "https://2e.aonprd.com"
	}
	if c.Search.MaxResults == 0 {
		c.Search.MaxResults = 5
	}
	if c.Search.Timeout == 0 {
		c.Search.Timeout = 20 * time.Second
	}

	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "frinny"
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "frinny"
	}
	if c.MQTT.PublishInterval == 0 {
		c.MQTT.PublishInterval = time.Minute
	}

	if c.WebSocket.SendBuffer == 0 {
		c.WebSocket.SendBuffer = 32
	}
	if c.WebSocket.PingInterval == 0 {
		c.WebSocket.PingInterval = 30 * time.Second
	}
}

// Validate checks the configuration for values that would fail later
// at runtime in less obvious ways.
func (c *Config) Validate() error {
	var errs []error

	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch c.LogFormat {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format %q (valid: text, json)", c.LogFormat))
	}
	switch c.Models.Provider {
	case "ollama":
	case "openai":
		if !c.Models.OpenAIConfigured() {
			errs = append(errs, errors.New("models.provider is openai but models.openai_api_key is empty"))
		}
	default:
		errs = append(errs, fmt.Errorf("models.provider %q (valid: ollama, openai)", c.Models.Provider))
	}
	switch c.Checkpoint.Embedded.Kind {
	case "sqlite", "bolt", "none":
	default:
		errs = append(errs, fmt.Errorf("checkpoint.embedded.kind %q (valid: sqlite, bolt, none)", c.Checkpoint.Embedded.Kind))
	}
	switch c.Checkpoint.Embedded.Driver {
	case "sqlite3", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("checkpoint.embedded.driver %q (valid: sqlite3, sqlite)", c.Checkpoint.Embedded.Driver))
	}
	if t := c.Contexts.RelevanceThreshold(); t < 0 || t > 1 {
		errs = append(errs, fmt.Errorf("contexts.threshold %v out of range [0, 1]", t))
	}
	switch c.Contexts.Scorer {
	case "overlap", "llm":
	default:
		errs = append(errs, fmt.Errorf("contexts.scorer %q (valid: overlap, llm)", c.Contexts.Scorer))
	}
	if c.Pipeline.MaxIterations < 1 {
		errs = append(errs, fmt.Errorf("pipeline.max_iterations must be positive, got %d", c.Pipeline.MaxIterations))
	}

	return errors.Join(errs...)
}
