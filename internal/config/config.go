// Package config loads and validates the Agent Blob configuration file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the main configuration structure for Agent Blob.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Data        DataConfig        `yaml:"data"`
	Logging     LoggingConfig     `yaml:"logging"`
	LLM         LLMConfig         `yaml:"llm"`
	Memory      MemoryConfig      `yaml:"memory"`
	EventLog    EventLogConfig    `yaml:"eventlog"`
	Runtime     RuntimeConfig     `yaml:"runtime"`
	Skills      SkillsConfig      `yaml:"skills"`
	Permissions PermissionsConfig `yaml:"permissions"`
	Scheduler   SchedulerConfig   `yaml:"scheduler"`
	Workers     WorkersConfig     `yaml:"workers"`
	Gateway     GatewayConfig     `yaml:"gateway"`
	Channels    ChannelsConfig    `yaml:"channels"`
	Supervisor  SupervisorConfig  `yaml:"supervisor"`
}

type ServerConfig struct {
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	MetricsPort int    `yaml:"metrics_port"`
}

type DataConfig struct {
	Dir string `yaml:"dir"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type LLMConfig struct {
	DefaultProvider string                       `yaml:"default_provider"`
	Providers       map[string]LLMProviderConfig `yaml:"providers"`
}

type LLMProviderConfig struct {
	APIKey       string `yaml:"api_key"`
	BaseURL      string `yaml:"base_url"`
	DefaultModel string `yaml:"default_model"`
}

type MemoryConfig struct {
	Enabled         bool             `yaml:"enabled"`
	DBPath          string           `yaml:"db_path"`
	ExtractionModel string           `yaml:"extraction_model"`
	ImportanceMin   int              `yaml:"importance_min"`
	Embeddings      EmbeddingsConfig `yaml:"embeddings"`
	Retrieval       RetrievalConfig  `yaml:"retrieval"`
}

type EmbeddingsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Provider  string `yaml:"provider"`
	Model     string `yaml:"model"`
	BatchSize int    `yaml:"batch_size"`
	ScanLimit int    `yaml:"scan_limit"`
	TopK      int    `yaml:"top_k"`
}

type RetrievalConfig struct {
	Alpha               float64       `yaml:"alpha"`
	BetaRecency         float64       `yaml:"beta_recency"`
	HalfLife            time.Duration `yaml:"half_life"`
	SimilarityThreshold float64       `yaml:"similarity_threshold"`
	Limit               int           `yaml:"limit"`
}

type EventLogConfig struct {
	MaxBytes     int64 `yaml:"max_bytes"`
	KeepDays     int   `yaml:"keep_days"`
	KeepMaxFiles int   `yaml:"keep_max_files"`
}

type RuntimeConfig struct {
	SystemPrompt string        `yaml:"system_prompt"`
	MaxRounds    int           `yaml:"max_rounds"`
	MaxTokens    int           `yaml:"max_tokens"`
	ToolTimeout  time.Duration `yaml:"tool_timeout"`
	TurnTimeout  time.Duration `yaml:"turn_timeout"`
	ContextTurns int           `yaml:"context_turns"`
}

type SkillsConfig struct {
	Dirs     []string `yaml:"dirs"`
	Enabled  []string `yaml:"enabled"`
	MaxChars int      `yaml:"max_chars"`
}

type PermissionsConfig struct {
	Allow      []string      `yaml:"allow"`
	Deny       []string      `yaml:"deny"`
	Ask        []string      `yaml:"ask"`
	Default    string        `yaml:"default"`
	RequestTTL time.Duration `yaml:"request_ttl"`
}

type SchedulerConfig struct {
	Enabled           bool          `yaml:"enabled"`
	TickInterval      time.Duration `yaml:"tick_interval"`
	MaxConcurrentRuns int           `yaml:"max_concurrent_runs"`
}

type WorkersConfig struct {
	MaxDepth  int      `yaml:"max_depth"`
	MaxRounds int      `yaml:"max_rounds"`
	Types     []string `yaml:"types"`
}

type GatewayConfig struct {
	QueueSoftCap    int           `yaml:"queue_soft_cap"`
	MaxPayloadBytes int64         `yaml:"max_payload_bytes"`
	PongWait        time.Duration `yaml:"pong_wait"`
	WriteWait       time.Duration `yaml:"write_wait"`
	TickInterval    time.Duration `yaml:"tick_interval"`
}

type ChannelsConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
}

type TelegramConfig struct {
	Enabled      bool          `yaml:"enabled"`
	BotToken     string        `yaml:"bot_token"`
	ChatID       int64         `yaml:"chat_id"`
	EditInterval time.Duration `yaml:"edit_interval"`
}

type SupervisorConfig struct {
	MaintenanceInterval time.Duration `yaml:"maintenance_interval"`
}

// Load reads and parses the configuration file. Environment variables in the
// file body are expanded before parsing.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyDefaults(&cfg)

	return &cfg, nil
}

// Default returns a configuration with every default applied and no file read.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "127.0.0.1"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8787
	}
	if cfg.Server.MetricsPort == 0 {
		cfg.Server.MetricsPort = 9090
	}
	if cfg.Data.Dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}
		cfg.Data.Dir = filepath.Join(home, ".agentblob")
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.LLM.DefaultProvider == "" {
		cfg.LLM.DefaultProvider = "anthropic"
	}
	if cfg.Memory.ImportanceMin == 0 {
		cfg.Memory.ImportanceMin = 6
	}
	if cfg.Memory.Embeddings.Provider == "" {
		cfg.Memory.Embeddings.Provider = "openai"
	}
	if cfg.Memory.Embeddings.Model == "" {
		cfg.Memory.Embeddings.Model = "text-embedding-3-small"
	}
	if cfg.Memory.Embeddings.BatchSize == 0 {
		cfg.Memory.Embeddings.BatchSize = 16
	}
	if cfg.Memory.Embeddings.ScanLimit == 0 {
		cfg.Memory.Embeddings.ScanLimit = 2000
	}
	if cfg.Memory.Embeddings.TopK == 0 {
		cfg.Memory.Embeddings.TopK = 50
	}
	if cfg.Memory.Retrieval.Alpha == 0 {
		cfg.Memory.Retrieval.Alpha = 0.7
	}
	if cfg.Memory.Retrieval.BetaRecency == 0 {
		cfg.Memory.Retrieval.BetaRecency = 0.1
	}
	if cfg.Memory.Retrieval.HalfLife == 0 {
		cfg.Memory.Retrieval.HalfLife = 168 * time.Hour
	}
	if cfg.Memory.Retrieval.SimilarityThreshold == 0 {
		cfg.Memory.Retrieval.SimilarityThreshold = 0.92
	}
	if cfg.Memory.Retrieval.Limit == 0 {
		cfg.Memory.Retrieval.Limit = 6
	}
	if cfg.EventLog.MaxBytes == 0 {
		cfg.EventLog.MaxBytes = 8 << 20
	}
	if cfg.EventLog.KeepDays == 0 {
		cfg.EventLog.KeepDays = 30
	}
	if cfg.EventLog.KeepMaxFiles == 0 {
		cfg.EventLog.KeepMaxFiles = 20
	}
	if cfg.Runtime.MaxRounds == 0 {
		cfg.Runtime.MaxRounds = 16
	}
	if cfg.Runtime.MaxTokens == 0 {
		cfg.Runtime.MaxTokens = 4096
	}
	if cfg.Runtime.ToolTimeout == 0 {
		cfg.Runtime.ToolTimeout = 60 * time.Second
	}
	if cfg.Runtime.TurnTimeout == 0 {
		cfg.Runtime.TurnTimeout = 5 * time.Minute
	}
	if cfg.Runtime.ContextTurns == 0 {
		cfg.Runtime.ContextTurns = 6
	}
	if len(cfg.Skills.Dirs) == 0 {
		cfg.Skills.Dirs = []string{"./skills"}
	}
	if len(cfg.Skills.Enabled) == 0 {
		cfg.Skills.Enabled = []string{"general"}
	}
	if cfg.Skills.MaxChars == 0 {
		cfg.Skills.MaxChars = 12000
	}
	if cfg.Permissions.Default == "" {
		cfg.Permissions.Default = "ask"
	}
	if cfg.Permissions.RequestTTL == 0 {
		cfg.Permissions.RequestTTL = 5 * time.Minute
	}
	if cfg.Scheduler.TickInterval == 0 {
		cfg.Scheduler.TickInterval = time.Second
	}
	if cfg.Scheduler.MaxConcurrentRuns == 0 {
		cfg.Scheduler.MaxConcurrentRuns = 4
	}
	if cfg.Workers.MaxDepth == 0 {
		cfg.Workers.MaxDepth = 2
	}
	if cfg.Workers.MaxRounds == 0 {
		cfg.Workers.MaxRounds = 8
	}
	if len(cfg.Workers.Types) == 0 {
		cfg.Workers.Types = []string{"briefing", "quant", "dev"}
	}
	if cfg.Gateway.QueueSoftCap == 0 {
		cfg.Gateway.QueueSoftCap = 8
	}
	if cfg.Gateway.MaxPayloadBytes == 0 {
		cfg.Gateway.MaxPayloadBytes = 1 << 20
	}
	if cfg.Gateway.PongWait == 0 {
		cfg.Gateway.PongWait = 45 * time.Second
	}
	if cfg.Gateway.WriteWait == 0 {
		cfg.Gateway.WriteWait = 10 * time.Second
	}
	if cfg.Gateway.TickInterval == 0 {
		cfg.Gateway.TickInterval = 15 * time.Second
	}
	if cfg.Channels.Telegram.EditInterval == 0 {
		cfg.Channels.Telegram.EditInterval = 900 * time.Millisecond
	}
	if cfg.Supervisor.MaintenanceInterval == 0 {
		cfg.Supervisor.MaintenanceInterval = time.Minute
	}
}

// EventLogDir returns the directory holding the active log and its archives.
func (c *Config) EventLogDir() string {
	return filepath.Join(c.Data.Dir, "events")
}

// MemoryDBPath returns the SQLite path, honoring an explicit override.
func (c *Config) MemoryDBPath() string {
	if c.Memory.DBPath != "" {
		return c.Memory.DBPath
	}
	return filepath.Join(c.Data.Dir, "memory.db")
}

// PinnedPath returns the pinned-memory JSON file location.
func (c *Config) PinnedPath() string {
	return filepath.Join(c.Data.Dir, "pinned.json")
}

// MemoryAuditPath returns the memory audit JSONL file location.
func (c *Config) MemoryAuditPath() string {
	return filepath.Join(c.Data.Dir, "memory_events.jsonl")
}

// SchedulesPath returns the schedule store location.
func (c *Config) SchedulesPath() string {
	return filepath.Join(c.Data.Dir, "schedules.json")
}

// OverridesPath returns the persisted permission decisions file location.
func (c *Config) OverridesPath() string {
	return filepath.Join(c.Data.Dir, "policy_overrides.json")
}

// WorkspaceDir returns the root directory tools may read and write.
func (c *Config) WorkspaceDir() string {
	return filepath.Join(c.Data.Dir, "workspace")
}

// Provider returns the configuration for a named LLM provider.
func (c *Config) Provider(name string) LLMProviderConfig {
	if c.LLM.Providers == nil {
		return LLMProviderConfig{}
	}
	return c.LLM.Providers[name]
}
