package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server ServerConfig
	LLM    LLMConfig
	Speech SpeechConfig
	Bandit BanditConfig
	Queue  QueueConfig
	Log    LogConfig
}

type ServerConfig struct {
	Port     int
	MaxConns int
	APIToken string
}

type LLMConfig struct {
	Provider      string
	BaseURL       string
	APIKey        string
	IntentModel   string
	ResponseModel string
}

type SpeechConfig struct {
	MaxRetries int
	Timeout    time.Duration
	Voice      string
	Rate       string
}

type BanditConfig struct {
	Epsilon float64
	Window  int
}

type QueueConfig struct {
	Driver     string
	Name       string
	DLQName    string
	SQLitePath string
	RedisURL   string
	BatchSize  int
	Wait       time.Duration
}

type LogConfig struct {
	Level string
}

const (
	ProviderOllama = "ollama"
	ProviderOpenAI = "openai"

	DriverSQLite = "sqlite"
	DriverRedis  = "redis"

	defaultOllamaURL = "http://localhost:11434"
)

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:     4100,
			MaxConns: 64,
		},
		LLM: LLMConfig{
			Provider:      ProviderOllama,
			IntentModel:   "llama3.2",
			ResponseModel: "llama3.2",
		},
		Speech: SpeechConfig{
			MaxRetries: 3,
			Timeout:    10 * time.Second,
			Voice:      "en-US-DavisNeural",
			Rate:       "default",
		},
		Bandit: BanditConfig{
			Epsilon: 0.1,
			Window:  1000,
		},
		Queue: QueueConfig{
			Driver:     DriverSQLite,
			Name:       "fielddispatch",
			DLQName:    "fielddispatch-dlq",
			SQLitePath: filepath.Join(defaultDataDir(), "queue.db"),
			RedisURL:   "redis://localhost:6379/0",
			BatchSize:  10,
			Wait:       5 * time.Second,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Endpoint returns the configured base URL, or the provider's default when
// none is set. An empty result means the client library's own default.
func (c LLMConfig) Endpoint() string {
	if c.BaseURL != "" {
		return c.BaseURL
	}
	if c.Provider == ProviderOllama {
		return defaultOllamaURL
	}
	return ""
}

// Load builds the configuration for the named service ("server", "worker",
// "cli"): defaults, then the YAML config file, then FIELDDISPATCH_*
// environment variables. Before reading the environment it loads
// .env.<service>, falling back to .env; missing files are ignored.
func Load(service string) (Config, error) {
	if err := godotenv.Load(".env." + service); err != nil {
		_ = godotenv.Load(".env")
	}
	return loadWith(newFileBackend(configFilePath()))
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	c.LLM.Provider = strings.ToLower(c.LLM.Provider)
	switch c.LLM.Provider {
	case ProviderOllama:
	case ProviderOpenAI:
		if c.LLM.APIKey == "" {
			return fmt.Errorf("missing required config: OpenAI API key. " +
				"Set it via environment variable FIELDDISPATCH_LLM_API_KEY")
		}
	default:
		return fmt.Errorf("invalid llm.provider %q: want %s or %s", c.LLM.Provider, ProviderOllama, ProviderOpenAI)
	}

	c.Queue.Driver = strings.ToLower(c.Queue.Driver)
	if c.Queue.Driver != DriverSQLite && c.Queue.Driver != DriverRedis {
		return fmt.Errorf("invalid queue.driver %q: want %s or %s", c.Queue.Driver, DriverSQLite, DriverRedis)
	}
	if c.Queue.Name == "" || c.Queue.DLQName == "" {
		return fmt.Errorf("queue.name and queue.dlq_name must be set")
	}
	if c.Queue.Name == c.Queue.DLQName {
		return fmt.Errorf("queue.name and queue.dlq_name must differ")
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port %d", c.Server.Port)
	}

	c.Bandit.Epsilon = min(1, max(0, c.Bandit.Epsilon))
	return nil
}

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "fielddispatch-data"
		}
	}
	return filepath.Join(dir, "fielddispatch")
}
