// Package config loads the portal process configuration.
//
// Configuration comes from an optional YAML file, then PORTAL_* environment
// variables override individual fields. Defaults cover a local PostgreSQL on
// the standard port with a plaintext connection.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Supported database drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Config is the root of the configuration file.
type Config struct {
	HTTP HTTP `yaml:"http"`
	DB   DB   `yaml:"db"`
	Tree Tree `yaml:"tree"`
	Log  Log  `yaml:"log"`
}

// HTTP configures the API server.
type HTTP struct {
	Listen         string        `yaml:"listen"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// DB configures the connection pool.
type DB struct {
	Driver   string `yaml:"driver"`
	Host     string `yaml:"host"`
	Port     uint16 `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	// TLSMode is passed through as the libpq sslmode. The default is
	// "disable", i.e. a plaintext connection.
	TLSMode string `yaml:"tls_mode"`
	// Path is the database file for the sqlite driver.
	Path string `yaml:"path"`

	MaxConnections     int           `yaml:"max_connections"`
	MaxIdleConnections int           `yaml:"max_idle_connections"`
	ConnMaxLifetime    time.Duration `yaml:"conn_max_lifetime"`
	AcquireTimeout     time.Duration `yaml:"acquire_timeout"`
	ConnectTimeout     time.Duration `yaml:"connect_timeout"`
}

// Tree configures realm tree maintenance.
type Tree struct {
	// ReloadInterval periodically rebuilds the tree to pick up changes made
	// outside this process. Zero disables it.
	ReloadInterval time.Duration `yaml:"reload_interval"`
}

// Log configures the process logger.
type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		HTTP: HTTP{
			Listen:         "127.0.0.1:3080",
			RequestTimeout: 30 * time.Second,
		},
		DB: DB{
			Driver:             DriverPostgres,
			Host:               "127.0.0.1",
			Port:               5432,
			User:               "portal",
			Database:           "portal",
			TLSMode:            "disable",
			MaxConnections:     16,
			MaxIdleConnections: 4,
			ConnMaxLifetime:    30 * time.Minute,
			AcquireTimeout:     5 * time.Second,
			ConnectTimeout:     5 * time.Second,
		},
		Log: Log{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads the YAML file at path on top of Default, applies environment
// overrides and validates the result. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	c.HTTP.Listen = getEnv("PORTAL_HTTP_LISTEN", c.HTTP.Listen)
	c.DB.Driver = getEnv("PORTAL_DB_DRIVER", c.DB.Driver)
	c.DB.Host = getEnv("PORTAL_DB_HOST", c.DB.Host)
	c.DB.User = getEnv("PORTAL_DB_USER", c.DB.User)
	c.DB.Password = getEnv("PORTAL_DB_PASSWORD", c.DB.Password)
	c.DB.Database = getEnv("PORTAL_DB_DATABASE", c.DB.Database)
	c.DB.TLSMode = getEnv("PORTAL_DB_TLS_MODE", c.DB.TLSMode)
	c.DB.Path = getEnv("PORTAL_DB_PATH", c.DB.Path)
	c.Log.Level = getEnv("PORTAL_LOG_LEVEL", c.Log.Level)
	c.Log.Format = getEnv("PORTAL_LOG_FORMAT", c.Log.Format)

	if v := os.Getenv("PORTAL_DB_PORT"); v != "" {
		port, err := strconv.ParseUint(v, 10, 16)
		if err != nil {
			return fmt.Errorf("PORTAL_DB_PORT: %w", err)
		}
		c.DB.Port = uint16(port)
	}
	if v := os.Getenv("PORTAL_DB_MAX_CONNECTIONS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("PORTAL_DB_MAX_CONNECTIONS: %w", err)
		}
		c.DB.MaxConnections = n
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"PORTAL_HTTP_REQUEST_TIMEOUT", &c.HTTP.RequestTimeout},
		{"PORTAL_DB_CONN_MAX_LIFETIME", &c.DB.ConnMaxLifetime},
		{"PORTAL_DB_ACQUIRE_TIMEOUT", &c.DB.AcquireTimeout},
		{"PORTAL_DB_CONNECT_TIMEOUT", &c.DB.ConnectTimeout},
		{"PORTAL_TREE_RELOAD_INTERVAL", &c.Tree.ReloadInterval},
	}
	for _, d := range durations {
		v := os.Getenv(d.key)
		if v == "" {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", d.key, err)
		}
		*d.dst = parsed
	}
	return nil
}

// Validate reports the first invalid field.
func (c Config) Validate() error {
	switch c.DB.Driver {
	case DriverPostgres:
		if c.DB.Host == "" || c.DB.Database == "" || c.DB.User == "" {
			return errors.New("config: db.host, db.database and db.user are required for postgres")
		}
		switch c.DB.TLSMode {
		case "disable", "allow", "prefer", "require", "verify-ca", "verify-full":
		default:
			return fmt.Errorf("config: unknown db.tls_mode %q", c.DB.TLSMode)
		}
	case DriverSQLite:
		if c.DB.Path == "" {
			return errors.New("config: db.path is required for sqlite")
		}
	default:
		return fmt.Errorf("config: unknown db.driver %q", c.DB.Driver)
	}
	if c.DB.MaxConnections < 1 {
		return errors.New("config: db.max_connections must be at least 1")
	}
	if c.DB.AcquireTimeout <= 0 {
		return errors.New("config: db.acquire_timeout must be positive")
	}
	if c.Tree.ReloadInterval < 0 {
		return errors.New("config: tree.reload_interval must not be negative")
	}
	if c.HTTP.Listen == "" {
		return errors.New("config: http.listen is required")
	}
	return nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
