// Package config loads the JSON configuration file and applies environment
// overrides.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// Duration is a time.Duration stored as a string such as "30s".
type Duration struct {
	time.Duration
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		// Bare numbers are nanoseconds.
		var n int64
		if err := json.Unmarshal(data, &n); err != nil {
			return fmt.Errorf("duration must be a string like \"30s\": %s", data)
		}
		d.Duration = time.Duration(n)
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

type Config struct {
	DataDir       string `json:"data_dir"`
	LogLevel      string `json:"log_level"`
	MaxConcurrent int    `json:"max_concurrent"`
	MaxToolRounds int    `json:"max_tool_rounds"`
	LLM           struct {
		Provider         string  `json:"provider"`
		BaseURL          string  `json:"base_url"`
		APIKey           string  `json:"api_key"`
		Model            string  `json:"model"`
		MaxTokens        int     `json:"max_tokens"`
		Temperature      float32 `json:"temperature"`
		MaxContextTokens int     `json:"max_context_tokens"`
		OutputReserve    int     `json:"output_reserve"`
	} `json:"llm"`
	Sequence struct {
		RedisAddr     string   `json:"redis_addr"`
		RedisPassword string   `json:"redis_password"`
		RedisDB       int      `json:"redis_db"`
		KeyPrefix     string   `json:"key_prefix"`
		KeyTTL        Duration `json:"key_ttl"`
	} `json:"sequence"`
	Persist struct {
		Workers     int      `json:"workers"`
		Buffer      int      `json:"buffer"`
		MaxAttempts int      `json:"max_attempts"`
		BaseDelay   Duration `json:"base_delay"`
		MaxDelay    Duration `json:"max_delay"`
		RateLimit   int      `json:"rate_limit"`
		RateWindow  Duration `json:"rate_window"`
	} `json:"persist"`
	Approval struct {
		TTL           Duration `json:"ttl"`
		WritePrefixes []string `json:"write_prefixes"`
	} `json:"approval"`
	Maintenance struct {
		Schedule    string   `json:"schedule"`
		ReplayGrace Duration `json:"replay_grace"`
		ReplayBatch int      `json:"replay_batch"`
	} `json:"maintenance"`
	HTTP struct {
		Addr  string `json:"addr"`
		Token string `json:"token"`
	} `json:"http"`
	Telegram struct {
		Token  string `json:"token"`
		ChatID int64  `json:"chat_id"`
	} `json:"telegram"`
}

// DefaultPath returns ~/.turnlog/config.json.
func DefaultPath() string {
	return filepath.Join(os.Getenv("HOME"), ".turnlog", "config.json")
}

// Defaults returns a Config with every default filled in.
func Defaults() *Config {
	cfg := &Config{
		DataDir:       filepath.Join(os.Getenv("HOME"), ".turnlog"),
		LogLevel:      "info",
		MaxConcurrent: 4,
		MaxToolRounds: 10,
	}
	cfg.LLM.Provider = "openai"
	cfg.LLM.BaseURL = "https://api.openai.com/v1"
	cfg.LLM.Model = "gpt-4o-mini"
	cfg.LLM.MaxTokens = 2000
	cfg.LLM.Temperature = 0.7
	cfg.LLM.MaxContextTokens = 128000
	cfg.LLM.OutputReserve = 4096

	cfg.Sequence.KeyPrefix = "turnlog:seq:"
	cfg.Sequence.KeyTTL = Duration{24 * time.Hour}

	cfg.Persist.Workers = 10
	cfg.Persist.Buffer = 1000
	cfg.Persist.MaxAttempts = 3
	cfg.Persist.BaseDelay = Duration{time.Second}
	cfg.Persist.MaxDelay = Duration{30 * time.Second}
	cfg.Persist.RateLimit = 100
	cfg.Persist.RateWindow = Duration{time.Hour}

	cfg.Approval.TTL = Duration{5 * time.Minute}
	cfg.Approval.WritePrefixes = []string{"create_", "update_", "delete_", "write_", "send_"}

	cfg.Maintenance.Schedule = "@every 1m"
	cfg.Maintenance.ReplayGrace = Duration{2 * time.Minute}
	cfg.Maintenance.ReplayBatch = 500

	cfg.HTTP.Addr = "127.0.0.1:8484"
	return cfg
}

// Load reads the config at path over the defaults. A missing file is
// created with the defaults. Environment variables take precedence over
// both.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
		if err := Save(path, cfg); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("read config: %w", err)
	}

	// Override from env (highest precedence)
	if apiKey := os.Getenv("OPENAI_API_KEY"); apiKey != "" {
		cfg.LLM.APIKey = apiKey
	}
	if baseURL := os.Getenv("OPENAI_BASE_URL"); baseURL != "" {
		cfg.LLM.BaseURL = baseURL
	}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		cfg.Sequence.RedisAddr = addr
	}
	if tgToken := os.Getenv("TELEGRAM_BOT_TOKEN"); tgToken != "" {
		cfg.Telegram.Token = tgToken
	}

	return cfg, nil
}

// DBPath is the SQLite database location inside DataDir.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "turnlog.db")
}

// Save writes cfg to path atomically via a temp file and rename.
func Save(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return writeFile(path, data)
}

func writeFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data = append(data, '\n')
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename config: %w", err)
	}
	return nil
}

// ToMap converts cfg to a nested map through its JSON form.
func ToMap(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// ListValues returns cfg as dot-separated keys, with secrets masked when
// mask is set.
func ListValues(cfg *Config, mask bool) (map[string]any, error) {
	m, err := ToMap(cfg)
	if err != nil {
		return nil, err
	}
	flat := Flatten(m)
	if mask {
		flat = MaskSecrets(flat)
	}
	return flat, nil
}

// GetValue returns the value stored under a dot-separated key in the file
// at path.
func GetValue(path, key string) (any, error) {
	// Load writes the defaults when the file does not exist yet.
	if _, err := Load(path); err != nil {
		return nil, err
	}
	flat, err := readFlat(path)
	if err != nil {
		return nil, err
	}
	v, ok := flat[key]
	if !ok {
		return nil, fmt.Errorf("unknown config key: %s", key)
	}
	return v, nil
}

// SetValue stores value under a dot-separated key in the file at path.
// Values that parse as JSON (numbers, booleans, arrays) are stored typed;
// anything else is stored as a string.
func SetValue(path, key, value string) error {
	flat, err := readFlat(path)
	if err != nil {
		return err
	}
	var v any
	if err := json.Unmarshal([]byte(value), &v); err != nil {
		v = value
	}
	flat[key] = v

	data, err := json.MarshalIndent(Unflatten(flat), "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return writeFile(path, data)
}

func readFlat(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return Flatten(m), nil
}

// SlogLevel returns the configured log level, defaulting to info.
func (c *Config) SlogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return level
}
