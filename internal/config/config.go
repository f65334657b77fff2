// Package config provides configuration types and loading for cellagent.
package config

import (
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/cellagent/cellagent/internal/scheduler"
	"github.com/cellagent/cellagent/internal/skills"
)

// Config is the root configuration struct.
type Config struct {
	Paths     PathsConfig         `json:"paths"`
	Model     ModelConfig         `json:"model"`
	Providers ProvidersConfig     `json:"providers"`
	Scheduler scheduler.Config    `json:"scheduler"`
	Gateway   GatewayConfig       `json:"gateway"`
	Events    EventsConfig        `json:"events"`
	Broadcast BroadcastConfig     `json:"broadcast"`
	Skills    skills.BundleConfig `json:"skills"`
	LogLevel  string              `json:"logLevel"`
}

// ---------------------------------------------------------------------------
// Paths – filesystem locations
// ---------------------------------------------------------------------------

// PathsConfig groups all filesystem path settings.
type PathsConfig struct {
	DataDir string `json:"dataDir" envconfig:"DATA_DIR"`
	DBPath  string `json:"dbPath" envconfig:"DB_PATH"`
}

// ---------------------------------------------------------------------------
// Model – LLM behaviour
// ---------------------------------------------------------------------------

// ModelConfig groups LLM model and conductor settings.
type ModelConfig struct {
	Name              string  `json:"name" envconfig:"MODEL"`
	MaxTokens         int     `json:"maxTokens" envconfig:"MAX_TOKENS"`
	Temperature       float64 `json:"temperature" envconfig:"TEMPERATURE"`
	MaxToolRounds     int     `json:"maxToolRounds" envconfig:"MAX_TOOL_ROUNDS"`
	HistoryWindow     int     `json:"historyWindow" envconfig:"HISTORY_WINDOW"`
	CompressEvery     int     `json:"compressEvery" envconfig:"COMPRESS_EVERY"`
	CompressWindow    int     `json:"compressWindow" envconfig:"COMPRESS_WINDOW"`
	PromptBudgetChars int     `json:"promptBudgetChars" envconfig:"PROMPT_BUDGET_CHARS"`
}

// ---------------------------------------------------------------------------
// Providers – LLM API keys & endpoints
// ---------------------------------------------------------------------------

// ProvidersConfig contains LLM provider configurations.
type ProvidersConfig struct {
	OpenAI ProviderConfig `json:"openai"`
}

// ProviderConfig contains settings for a single OpenAI-compatible provider.
type ProviderConfig struct {
	APIKey         string `json:"apiKey" envconfig:"API_KEY"`
	APIBase        string `json:"apiBase,omitempty" envconfig:"API_BASE"`
	EmbeddingModel string `json:"embeddingModel,omitempty" envconfig:"EMBEDDING_MODEL"`
}

// ---------------------------------------------------------------------------
// Gateway – HTTP server networking
// ---------------------------------------------------------------------------

// GatewayConfig contains gateway server settings.
type GatewayConfig struct {
	Host      string `json:"host" envconfig:"HOST"`
	Port      int    `json:"port" envconfig:"PORT"`
	AuthToken string `json:"authToken" envconfig:"AUTH_TOKEN"`
}

// ---------------------------------------------------------------------------
// Events / Broadcast – Kafka plumbing
// ---------------------------------------------------------------------------

// EventsConfig configures the inbound Kafka event consumer.
type EventsConfig struct {
	Enabled bool     `json:"enabled" envconfig:"ENABLED"`
	Brokers string   `json:"brokers" envconfig:"KAFKA_BROKERS"`
	GroupID string   `json:"groupId" envconfig:"KAFKA_GROUP_ID"`
	Topics  []string `json:"topics" envconfig:"TOPICS"`
}

// BroadcastConfig configures the Kafka mirror of live broadcasts.
type BroadcastConfig struct {
	Enabled bool   `json:"enabled" envconfig:"ENABLED"`
	Brokers string `json:"brokers" envconfig:"KAFKA_BROKERS"`
	Topic   string `json:"topic" envconfig:"TOPIC"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	dataDir := "~/" + ConfigDir
	if home, err := resolveHomeDir(); err == nil {
		dataDir = filepath.Join(home, ConfigDir)
	}
	sched := scheduler.DefaultConfig()
	sched.LockPath = filepath.Join(dataDir, "scheduler.lock")
	return &Config{
		Paths: PathsConfig{
			DataDir: dataDir,
			DBPath:  filepath.Join(dataDir, "cellagent.db"),
		},
		Model: ModelConfig{
			Name:              "gpt-4o-mini",
			MaxTokens:         4096,
			Temperature:       0.7,
			MaxToolRounds:     5,
			HistoryWindow:     20,
			CompressEvery:     10,
			CompressWindow:    30,
			PromptBudgetChars: 24000,
		},
		Scheduler: sched,
		Gateway: GatewayConfig{
			Host: "127.0.0.1", // Secure default
			Port: 18890,
		},
		Events: EventsConfig{
			Brokers: "localhost:9092",
			GroupID: "cellagent",
			Topics:  []string{"cellagent.events"},
		},
		Broadcast: BroadcastConfig{
			Brokers: "localhost:9092",
			Topic:   "cellagent.broadcast",
		},
		Skills:   skills.BundleConfig{GitHubAPIBase: "https://api.github.com"},
		LogLevel: "info",
	}
}

// SlogLevel maps LogLevel onto a slog level. Unknown values mean info.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(strings.TrimSpace(c.LogLevel)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// TickInterval returns the scheduler tick, never below one second.
func (c *Config) TickInterval() time.Duration {
	if c.Scheduler.TickInterval < time.Second {
		return time.Second
	}
	return c.Scheduler.TickInterval
}
