// Package config provides configuration management for the object store.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the full configuration of the engine and fan-out processes.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Fanout    FanoutConfig    `yaml:"fanout"`
	Storage   StorageConfig   `yaml:"storage"`
	Broadcast BroadcastConfig `yaml:"broadcast"`
	Engine    EngineConfig    `yaml:"engine"`
	Security  SecurityConfig  `yaml:"security"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig is the engine HTTP server configuration.
type ServerConfig struct {
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	ReadTimeout  int    `yaml:"read_timeout"`  // seconds
	WriteTimeout int    `yaml:"write_timeout"` // seconds
}

// FanoutConfig is the WebSocket fan-out server configuration.
type FanoutConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// StorageConfig selects and configures the backend.
type StorageConfig struct {
	Type  string      `yaml:"type"` // file, mongo, couch
	File  FileConfig  `yaml:"file"`
	Mongo MongoConfig `yaml:"mongo"`
	Couch CouchConfig `yaml:"couch"`
}

// FileConfig is the flat-file backend configuration.
type FileConfig struct {
	Dir   string `yaml:"dir"`
	Watch bool   `yaml:"watch"` // reload class files changed on disk
}

// MongoConfig is the document backend configuration.
type MongoConfig struct {
	URI      string `yaml:"uri"`
	Database string `yaml:"database"`
}

// CouchConfig is the HTTP document backend configuration.
type CouchConfig struct {
	URL      string `yaml:"url"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Prefix   string `yaml:"prefix"`
	Timeout  int    `yaml:"timeout"` // seconds
}

// BroadcastConfig points the engine at the fan-out service.
type BroadcastConfig struct {
	URL       string `yaml:"url"`        // e.g. http://localhost:8091/broadcast
	TimeoutMS int    `yaml:"timeout_ms"` // clamped to 500
}

// EngineConfig tunes the write pipeline.
type EngineConfig struct {
	AutoCreateClass bool   `yaml:"auto_create_class"`
	CacheCapacity   int    `yaml:"cache_capacity"`
	CacheTTL        int    `yaml:"cache_ttl"` // seconds, 0 = never expire
	ExportsDir      string `yaml:"exports_dir"`
	// SeedFile is an optional YAML file of classes and records applied by
	// POST /genesis after the system classes are seeded.
	SeedFile string `yaml:"seed_file"`
}

// SecurityConfig configures request identity extraction.
type SecurityConfig struct {
	// JWTSecret enables HMAC verification of bearer tokens. Empty means
	// identity headers are trusted as-is.
	JWTSecret string `yaml:"jwt_secret"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json, text
	File   string `yaml:"file"`   // empty = stdout
	// Rotation applies when File is set.
	MaxSizeMB  int `yaml:"max_size_mb"`
	MaxBackups int `yaml:"max_backups"`
	MaxAgeDays int `yaml:"max_age_days"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8090,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Fanout: FanoutConfig{
			Host: "0.0.0.0",
			Port: 8091,
		},
		Storage: StorageConfig{
			Type: "file",
			File: FileConfig{
				Dir: "data",
			},
			Mongo: MongoConfig{
				URI:      "mongodb://localhost:27017",
				Database: "reflectdb",
			},
			Couch: CouchConfig{
				URL:     "http://localhost:5984",
				Prefix:  "rdb_",
				Timeout: 30,
			},
		},
		Broadcast: BroadcastConfig{
			TimeoutMS: 500,
		},
		Engine: EngineConfig{
			CacheCapacity: 1024,
			ExportsDir:    "exports",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load loads configuration from a YAML file and environment variables.
// Environment variables override file configuration.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// applyEnvOverrides applies REFLECTDB_* environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("REFLECTDB_HOST"); v != "" {
		c.Server.Host = v
	}
	if v := os.Getenv("REFLECTDB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
	if v := os.Getenv("REFLECTDB_FANOUT_HOST"); v != "" {
		c.Fanout.Host = v
	}
	if v := os.Getenv("REFLECTDB_FANOUT_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Fanout.Port = port
		}
	}
	if v := os.Getenv("REFLECTDB_STORAGE_TYPE"); v != "" {
		c.Storage.Type = v
	}
	if v := os.Getenv("REFLECTDB_FILE_DIR"); v != "" {
		c.Storage.File.Dir = v
	}
	if v := os.Getenv("REFLECTDB_MONGO_URI"); v != "" {
		c.Storage.Mongo.URI = v
	}
	if v := os.Getenv("REFLECTDB_MONGO_DATABASE"); v != "" {
		c.Storage.Mongo.Database = v
	}
	if v := os.Getenv("REFLECTDB_COUCH_URL"); v != "" {
		c.Storage.Couch.URL = v
	}
	if v := os.Getenv("REFLECTDB_COUCH_USERNAME"); v != "" {
		c.Storage.Couch.Username = v
	}
	if v := os.Getenv("REFLECTDB_COUCH_PASSWORD"); v != "" {
		c.Storage.Couch.Password = v
	}
	if v := os.Getenv("REFLECTDB_BROADCAST_URL"); v != "" {
		c.Broadcast.URL = v
	}
	if v := os.Getenv("REFLECTDB_AUTO_CREATE_CLASS"); v != "" {
		c.Engine.AutoCreateClass = strings.ToLower(v) == "true" || v == "1"
	}
	if v := os.Getenv("REFLECTDB_SEED_FILE"); v != "" {
		c.Engine.SeedFile = v
	}
	if v := os.Getenv("REFLECTDB_JWT_SECRET"); v != "" {
		c.Security.JWTSecret = v
	}
	if v := os.Getenv("REFLECTDB_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("REFLECTDB_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if v := os.Getenv("REFLECTDB_LOG_FILE"); v != "" {
		c.Logging.File = v
	}
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Fanout.Port < 1 || c.Fanout.Port > 65535 {
		return fmt.Errorf("invalid fanout port: %d", c.Fanout.Port)
	}

	validStorageTypes := map[string]bool{
		"file":  true,
		"mongo": true,
		"couch": true,
	}
	if !validStorageTypes[c.Storage.Type] {
		return fmt.Errorf("invalid storage type: %s", c.Storage.Type)
	}
	switch c.Storage.Type {
	case "file":
		if c.Storage.File.Dir == "" {
			return fmt.Errorf("file storage requires a data directory")
		}
	case "mongo":
		if c.Storage.Mongo.URI == "" || c.Storage.Mongo.Database == "" {
			return fmt.Errorf("mongo storage requires uri and database")
		}
	case "couch":
		if c.Storage.Couch.URL == "" {
			return fmt.Errorf("couch storage requires a url")
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}
	if f := strings.ToLower(c.Logging.Format); f != "json" && f != "text" {
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}
	return nil
}

// Address returns the engine server address string.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// FanoutAddress returns the fan-out server address string.
func (c *Config) FanoutAddress() string {
	return fmt.Sprintf("%s:%d", c.Fanout.Host, c.Fanout.Port)
}
