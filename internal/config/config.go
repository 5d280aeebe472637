package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var DefaultConfigYAML []byte

type Config struct {
	Database   Database   `yaml:"database"`
	Output     Output     `yaml:"output"`
	Poll       Poll       `yaml:"poll"`
	Telegram   Telegram   `yaml:"telegram"`
	Classifier Classifier `yaml:"classifier"`
	Search     Search     `yaml:"search"`
	Server     Server     `yaml:"server"`
	Logging    Logging    `yaml:"logging"`
}

type Database struct {
	// Path overrides <data_dir>/newswatcher.db.
	Path string `yaml:"path"`
}

type Output struct {
	DataDir string `yaml:"data_dir"`
}

type Poll struct {
	Interval         time.Duration `yaml:"interval"`
	Concurrency      int           `yaml:"concurrency"`
	Timeout          time.Duration `yaml:"timeout"`
	FetchFullContent bool          `yaml:"fetch_full_content"`
	MaxEntries       int           `yaml:"max_entries"`
}

type Telegram struct {
	Enabled     bool          `yaml:"enabled"`
	BotTokenEnv string        `yaml:"bot_token_env"`
	PollTimeout int           `yaml:"poll_timeout"`
	Backoff     time.Duration `yaml:"backoff"`
}

type Classifier struct {
	Provider    string        `yaml:"provider"`
	Model       string        `yaml:"model"`
	OllamaURL   string        `yaml:"ollama_url"`
	OpenAIModel string        `yaml:"openai_model"`
	APIKeyEnv   string        `yaml:"api_key_env"`
	MaxTokens   int           `yaml:"max_tokens"`
	Timeout     time.Duration `yaml:"timeout"`
	Interval    time.Duration `yaml:"interval"`
	Window      time.Duration `yaml:"window"`
}

type Search struct {
	Enabled   bool          `yaml:"enabled"`
	IndexPath string        `yaml:"index_path"`
	Interval  time.Duration `yaml:"interval"`
	BatchSize int           `yaml:"batch_size"`
}

type Server struct {
	Port int `yaml:"port"`
}

type Logging struct {
	Level string `yaml:"level"`
}

// ConfigDir returns the XDG config directory for newswatcher.
func ConfigDir() string {
	return filepath.Join(homeDir(), ".config", "newswatcher")
}

// DataDir returns the XDG data directory for newswatcher, unless
// NEWSWATCHER_DATA_DIR overrides it.
func DataDir() string {
	if dir := os.Getenv("NEWSWATCHER_DATA_DIR"); dir != "" {
		return dir
	}
	return filepath.Join(homeDir(), ".local", "share", "newswatcher")
}

// ResolveConfigPath finds the config file following priority:
// explicit path > ~/.config/newswatcher/config.yaml > ./config.yaml
func ResolveConfigPath(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	xdgConfig := filepath.Join(ConfigDir(), "config.yaml")
	if _, err := os.Stat(xdgConfig); err == nil {
		return xdgConfig, nil
	}

	cwdConfig := "config.yaml"
	if _, err := os.Stat(cwdConfig); err == nil {
		return cwdConfig, nil
	}

	return "", fmt.Errorf(
		"no config file found; searched:\n  %s\n  ./config.yaml\n\nRun 'newswatcher init' to create a default config",
		xdgConfig,
	)
}

// Load reads and parses a config YAML file. A .env file in the working
// directory, if present, is loaded first so that secrets referenced by
// *_env settings resolve.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return parse(data)
}

// Default returns the built-in configuration.
func Default() *Config {
	return defaults()
}

func defaults() *Config {
	return &Config{
		Poll: Poll{
			Interval:    time.Minute,
			Concurrency: 16,
			Timeout:     30 * time.Second,
		},
		Telegram: Telegram{
			BotTokenEnv: "TELEGRAM_BOT_TOKEN",
			PollTimeout: 30,
			Backoff:     10 * time.Second,
		},
		Classifier: Classifier{
			Provider:    "gemini",
			Model:       "gemini-2.0-flash-lite",
			OllamaURL:   "http://localhost:11434",
			OpenAIModel: "gpt-4o-mini",
			APIKeyEnv:   "GEMINI_API_KEY",
			MaxTokens:   512,
			Timeout:     60 * time.Second,
			Interval:    5 * time.Minute,
			Window:      4 * time.Hour,
		},
		Search: Search{
			Enabled:   true,
			Interval:  5 * time.Minute,
			BatchSize: 500,
		},
		Server:  Server{Port: 8000},
		Logging: Logging{Level: "INFO"},
	}
}

// parse parses YAML bytes into a Config, applying defaults.
func parse(data []byte) (*Config, error) {
	cfg := defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch strings.ToLower(c.Classifier.Provider) {
	case "gemini", "openai", "ollama":
	default:
		return fmt.Errorf("unknown classifier provider: %q", c.Classifier.Provider)
	}
	if c.Poll.Concurrency < 1 {
		return fmt.Errorf("poll.concurrency must be at least 1, got %d", c.Poll.Concurrency)
	}
	if c.Classifier.Window <= 0 {
		return fmt.Errorf("classifier.window must be positive, got %s", c.Classifier.Window)
	}
	return nil
}

// GetDataDir returns the effective data directory from config or XDG default.
func (c *Config) GetDataDir() string {
	if c.Output.DataDir != "" {
		return c.Output.DataDir
	}
	return DataDir()
}

// DBPath returns the SQLite database location.
func (c *Config) DBPath() string {
	if c.Database.Path != "" {
		return c.Database.Path
	}
	return filepath.Join(c.GetDataDir(), "newswatcher.db")
}

// IndexPath returns the search index directory.
func (c *Config) IndexPath() string {
	if c.Search.IndexPath != "" {
		return c.Search.IndexPath
	}
	return filepath.Join(c.GetDataDir(), "search.bleve")
}

// FallbackAPIKey returns the system-wide classifier credential, or "".
func (c *Config) FallbackAPIKey() string {
	if c.Classifier.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(c.Classifier.APIKeyEnv)
}

// BotToken returns the Telegram bot token, or "".
func (c *Config) BotToken() string {
	if c.Telegram.BotTokenEnv == "" {
		return ""
	}
	return os.Getenv(c.Telegram.BotTokenEnv)
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}
