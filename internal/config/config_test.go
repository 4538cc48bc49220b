package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "0.0.0.0:8090", cfg.Address())
	assert.Equal(t, "0.0.0.0:8091", cfg.FanoutAddress())
	assert.Equal(t, "file", cfg.Storage.Type)
	assert.Equal(t, "data", cfg.Storage.File.Dir)
	assert.Equal(t, "rdb_", cfg.Storage.Couch.Prefix)
	assert.Equal(t, 500, cfg.Broadcast.TimeoutMS)
	assert.Equal(t, "exports", cfg.Engine.ExportsDir)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.False(t, cfg.Engine.AutoCreateClass)
}

func TestLoad_FromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	content := `
server:
  port: 9000
storage:
  type: couch
  couch:
    url: http://couch.internal:5984
    prefix: test_
engine:
  auto_create_class: true
logging:
  level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "couch", cfg.Storage.Type)
	assert.Equal(t, "http://couch.internal:5984", cfg.Storage.Couch.URL)
	assert.Equal(t, "test_", cfg.Storage.Couch.Prefix)
	assert.True(t, cfg.Engine.AutoCreateClass)
	assert.Equal(t, "debug", cfg.Logging.Level)
	// Untouched sections keep their defaults.
	assert.Equal(t, 8091, cfg.Fanout.Port)
}

func TestLoad_ExpandsEnvInFile(t *testing.T) {
	t.Setenv("TEST_COUCH_PASSWORD", "hunter2")
	path := filepath.Join(t.TempDir(), "config.yml")
	content := `
storage:
  type: couch
  couch:
    url: http://localhost:5984
    password: ${TEST_COUCH_PASSWORD}
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "hunter2", cfg.Storage.Couch.Password)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	t.Setenv("REFLECTDB_PORT", "7777")
	t.Setenv("REFLECTDB_STORAGE_TYPE", "mongo")
	t.Setenv("REFLECTDB_MONGO_URI", "mongodb://db:27017")
	t.Setenv("REFLECTDB_MONGO_DATABASE", "objects")
	t.Setenv("REFLECTDB_AUTO_CREATE_CLASS", "true")
	t.Setenv("REFLECTDB_JWT_SECRET", "s3cret")
	t.Setenv("REFLECTDB_LOG_LEVEL", "warn")

	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 9000\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7777, cfg.Server.Port)
	assert.Equal(t, "mongo", cfg.Storage.Type)
	assert.Equal(t, "mongodb://db:27017", cfg.Storage.Mongo.URI)
	assert.Equal(t, "objects", cfg.Storage.Mongo.Database)
	assert.True(t, cfg.Engine.AutoCreateClass)
	assert.Equal(t, "s3cret", cfg.Security.JWTSecret)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestLoad_MalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte("server: [nope"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse config file")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "defaults are valid",
			mutate: func(c *Config) {},
		},
		{
			name:    "server port out of range",
			mutate:  func(c *Config) { c.Server.Port = 0 },
			wantErr: "invalid server port",
		},
		{
			name:    "fanout port out of range",
			mutate:  func(c *Config) { c.Fanout.Port = 70000 },
			wantErr: "invalid fanout port",
		},
		{
			name:    "unknown storage type",
			mutate:  func(c *Config) { c.Storage.Type = "redis" },
			wantErr: "invalid storage type",
		},
		{
			name:    "file storage without a directory",
			mutate:  func(c *Config) { c.Storage.File.Dir = "" },
			wantErr: "file storage requires",
		},
		{
			name: "mongo storage without a database",
			mutate: func(c *Config) {
				c.Storage.Type = "mongo"
				c.Storage.Mongo.Database = ""
			},
			wantErr: "mongo storage requires",
		},
		{
			name: "couch storage without a url",
			mutate: func(c *Config) {
				c.Storage.Type = "couch"
				c.Storage.Couch.URL = ""
			},
			wantErr: "couch storage requires",
		},
		{
			name:    "unknown log level",
			mutate:  func(c *Config) { c.Logging.Level = "loud" },
			wantErr: "invalid log level",
		},
		{
			name:    "unknown log format",
			mutate:  func(c *Config) { c.Logging.Format = "xml" },
			wantErr: "invalid log format",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
