package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	HTTPAddr      string        `koanf:"http_addr"`
	DataDir       string        `koanf:"data_dir"`
	DBPath        string        `koanf:"db_path"`
	WebDir        string        `koanf:"web_dir"`
	StatsInterval time.Duration `koanf:"stats_interval"`
	LogLevel      string        `koanf:"log_level"`
}

// Load builds the configuration from, in ascending precedence: defaults, an
// optional yaml file, and CREWRELAY_* environment variables. A .env file in
// the working directory is folded into the environment first.
func Load(path string) (Config, error) {
	_ = godotenv.Load()

	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("CREWRELAY_", ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, "CREWRELAY_"))
	}), nil); err != nil {
		return Config{}, fmt.Errorf("load env config: %w", err)
	}

	dataDir := "data"
	if k.Exists("data_dir") {
		dataDir = k.String("data_dir")
	}
	defaults := map[string]any{
		"http_addr":      ":8080",
		"data_dir":       dataDir,
		"db_path":        filepath.Join(dataDir, "crewrelay.db"),
		"web_dir":        "web",
		"stats_interval": "5s",
		"log_level":      "info",
	}
	for key, value := range defaults {
		if !k.Exists(key) {
			_ = k.Set(key, value)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

// EnsureDirs creates the directories the daemon writes under.
func (c Config) EnsureDirs() error {
	if err := os.MkdirAll(c.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	return nil
}

// SlogLevel maps the configured level name onto a slog level, defaulting to
// info on unknown values.
func (c Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
