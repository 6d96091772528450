package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Substrate backends.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
	BackendMongo  = "mongo"
)

// Identity providers.
const (
	ProviderStub  = "stub"
	ProviderLocal = "local"
)

// Config captures the settings of the campus command.
type Config struct {
	Backend          string
	SQLitePath       string
	RedisURL         string
	RedisPrefix      string
	MongoURI         string
	MongoDatabase    string
	MongoCollection  string
	IdentityProvider string
	IdentityDelay    time.Duration
	ResetDelay       time.Duration
	VerifyPasswords  bool
	LogLevel         string
	LogFormat        string
}

// fileConfig is the on-disk layout shared by the TOML and YAML formats.
type fileConfig struct {
	Backend string `toml:"backend" yaml:"backend"`
	SQLite  struct {
		Path string `toml:"path" yaml:"path"`
	} `toml:"sqlite" yaml:"sqlite"`
	Redis struct {
		URL    string `toml:"url" yaml:"url"`
		Prefix string `toml:"prefix" yaml:"prefix"`
	} `toml:"redis" yaml:"redis"`
	Mongo struct {
		URI        string `toml:"uri" yaml:"uri"`
		Database   string `toml:"database" yaml:"database"`
		Collection string `toml:"collection" yaml:"collection"`
	} `toml:"mongo" yaml:"mongo"`
	Identity struct {
		Provider        string `toml:"provider" yaml:"provider"`
		CallbackDelay   string `toml:"callback_delay" yaml:"callback_delay"`
		VerifyPasswords *bool  `toml:"verify_passwords" yaml:"verify_passwords"`
	} `toml:"identity" yaml:"identity"`
	ResetDelay string `toml:"reset_delay" yaml:"reset_delay"`
	Log        struct {
		Level  string `toml:"level" yaml:"level"`
		Format string `toml:"format" yaml:"format"`
	} `toml:"log" yaml:"log"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Backend:          BackendSQLite,
		SQLitePath:       "campus.db",
		RedisPrefix:      "campus:",
		MongoDatabase:    "campus",
		MongoCollection:  "kv",
		IdentityProvider: ProviderStub,
		IdentityDelay:    100 * time.Millisecond,
		ResetDelay:       time.Second,
		LogLevel:         "info",
		LogFormat:        "text",
	}
}

// Load builds a Config from defaults, then the optional file at path (.toml,
// .yaml or .yml), then CAMPUS_* environment variables. Every invalid value is
// reported in a single error.
func Load(path string) (Config, error) {
	cfg := Default()
	invalid := make([]string, 0, 2)
	missing := make([]string, 0, 1)

	if strings.TrimSpace(path) != "" {
		if err := applyFile(&cfg, path, &invalid); err != nil {
			return Config{}, err
		}
	}

	applyEnv(&cfg, &invalid)

	switch cfg.Backend {
	case BackendMemory, BackendSQLite:
	case BackendRedis:
		if cfg.RedisURL == "" {
			missing = append(missing, "CAMPUS_REDIS_URL")
		}
	case BackendMongo:
		if cfg.MongoURI == "" {
			missing = append(missing, "CAMPUS_MONGO_URI")
		}
	default:
		invalid = append(invalid, "CAMPUS_BACKEND")
	}
	if cfg.Backend == BackendSQLite && cfg.SQLitePath == "" {
		missing = append(missing, "CAMPUS_SQLITE_PATH")
	}

	switch cfg.IdentityProvider {
	case ProviderStub, ProviderLocal:
	default:
		invalid = append(invalid, "CAMPUS_IDENTITY_PROVIDER")
	}
	switch strings.ToLower(cfg.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		invalid = append(invalid, "CAMPUS_LOG_LEVEL")
	}
	switch strings.ToLower(cfg.LogFormat) {
	case "text", "json":
	default:
		invalid = append(invalid, "CAMPUS_LOG_FORMAT")
	}

	if len(missing) > 0 {
		return Config{}, fmt.Errorf("missing required settings: %s", strings.Join(missing, ", "))
	}
	if len(invalid) > 0 {
		return Config{}, fmt.Errorf("invalid settings: %s", strings.Join(dedupe(invalid), ", "))
	}
	return cfg, nil
}

func applyFile(cfg *Config, path string, invalid *[]string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	var raw fileConfig
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		err = toml.Unmarshal(data, &raw)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &raw)
	default:
		return fmt.Errorf("unsupported config file extension %q", filepath.Ext(path))
	}
	if err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	setString(&cfg.Backend, strings.ToLower(raw.Backend))
	setString(&cfg.SQLitePath, raw.SQLite.Path)
	setString(&cfg.RedisURL, raw.Redis.URL)
	setString(&cfg.RedisPrefix, raw.Redis.Prefix)
	setString(&cfg.MongoURI, raw.Mongo.URI)
	setString(&cfg.MongoDatabase, raw.Mongo.Database)
	setString(&cfg.MongoCollection, raw.Mongo.Collection)
	setString(&cfg.IdentityProvider, strings.ToLower(raw.Identity.Provider))
	setString(&cfg.LogLevel, raw.Log.Level)
	setString(&cfg.LogFormat, raw.Log.Format)
	if raw.Identity.VerifyPasswords != nil {
		cfg.VerifyPasswords = *raw.Identity.VerifyPasswords
	}
	setDuration(&cfg.IdentityDelay, raw.Identity.CallbackDelay, "CAMPUS_IDENTITY_DELAY", invalid)
	setDuration(&cfg.ResetDelay, raw.ResetDelay, "CAMPUS_RESET_DELAY", invalid)
	return nil
}

func applyEnv(cfg *Config, invalid *[]string) {
	setString(&cfg.Backend, strings.ToLower(env("CAMPUS_BACKEND")))
	setString(&cfg.SQLitePath, env("CAMPUS_SQLITE_PATH"))
	setString(&cfg.RedisURL, env("CAMPUS_REDIS_URL"))
	setString(&cfg.RedisPrefix, env("CAMPUS_REDIS_PREFIX"))
	setString(&cfg.MongoURI, env("CAMPUS_MONGO_URI"))
	setString(&cfg.MongoDatabase, env("CAMPUS_MONGO_DATABASE"))
	setString(&cfg.MongoCollection, env("CAMPUS_MONGO_COLLECTION"))
	setString(&cfg.IdentityProvider, strings.ToLower(env("CAMPUS_IDENTITY_PROVIDER")))
	setString(&cfg.LogLevel, env("CAMPUS_LOG_LEVEL"))
	setString(&cfg.LogFormat, env("CAMPUS_LOG_FORMAT"))
	setDuration(&cfg.IdentityDelay, env("CAMPUS_IDENTITY_DELAY"), "CAMPUS_IDENTITY_DELAY", invalid)
	setDuration(&cfg.ResetDelay, env("CAMPUS_RESET_DELAY"), "CAMPUS_RESET_DELAY", invalid)

	if value := env("CAMPUS_VERIFY_PASSWORDS"); value != "" {
		enabled, err := strconv.ParseBool(value)
		if err != nil {
			*invalid = append(*invalid, "CAMPUS_VERIFY_PASSWORDS")
		} else {
			cfg.VerifyPasswords = enabled
		}
	}
}

func env(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func setString(dst *string, value string) {
	if value = strings.TrimSpace(value); value != "" {
		*dst = value
	}
}

func setDuration(dst *time.Duration, value, name string, invalid *[]string) {
	value = strings.TrimSpace(value)
	if value == "" {
		return
	}
	d, err := time.ParseDuration(value)
	if err != nil || d < 0 {
		*invalid = append(*invalid, name)
		return
	}
	*dst = d
}

func dedupe(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := values[:0]
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
