// Package config loads console settings from a YAML file with QAZNA_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Backend modes.
const (
	BackendMock   = "mock"
	BackendRemote = "remote"
)

// Credential store kinds.
const (
	SessionFile   = "file"
	SessionRedis  = "redis"
	SessionMemory = "memory"
)

// Storage drivers of the API server.
const (
	StorageMemory   = "memory"
	StoragePostgres = "postgres"
)

type Config struct {
	Log struct {
		// dev | prod
		Env   string `yaml:"env"`
		Level string `yaml:"level"`
	} `yaml:"log"`

	Server struct {
		Addr            string        `yaml:"addr"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		IdleTimeout     time.Duration `yaml:"idle_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
		MaxBodyBytes    int64         `yaml:"max_body_bytes"`
		LoginRate       struct {
			Burst     int     `yaml:"burst"`
			PerSecond int     `yaml:"per_second"`
		} `yaml:"login_rate"`
	} `yaml:"server"`

	Auth struct {
		TokenSecret string        `yaml:"token_secret"`
		Issuer      string        `yaml:"issuer"`
		AccessTTL   time.Duration `yaml:"access_ttl"`
		RefreshTTL  time.Duration `yaml:"refresh_ttl"`
		// Bootstrap creates a SUPER_ADMIN account on an empty postgres store.
		Bootstrap struct {
			Username string `yaml:"username"`
			Password string `yaml:"password"`
		} `yaml:"bootstrap"`
	} `yaml:"auth"`

	Storage struct {
		Driver string `yaml:"driver"`
		DSN    string `yaml:"dsn"`
	} `yaml:"storage"`

	Backend struct {
		Mode        string        `yaml:"mode"`
		BaseURL     string        `yaml:"base_url"`
		Timeout     time.Duration `yaml:"timeout"`
		MockLatency time.Duration `yaml:"mock_latency"`
	} `yaml:"backend"`

	Session struct {
		Store          string        `yaml:"store"`
		Path           string        `yaml:"path"`
		LoginTimeout   time.Duration `yaml:"login_timeout"`
		RefreshTimeout time.Duration `yaml:"refresh_timeout"`
		Redis          struct {
			Addr     string `yaml:"addr"`
			Password string `yaml:"password"`
			DB       int    `yaml:"db"`
			Prefix   string `yaml:"prefix"`
		} `yaml:"redis"`
	} `yaml:"session"`

	RBAC struct {
		CatalogTTL time.Duration `yaml:"catalog_ttl"`
	} `yaml:"rbac"`
}

// Default returns a config that runs the console against the in-process mock backend.
func Default() *Config {
	var c Config
	c.applyDefaults()
	return &c
}

// Load reads path (optional), applies defaults and QAZNA_* overrides, then validates.
// An empty path means defaults plus environment only.
func Load(path string) (*Config, error) {
	var c Config
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, &c); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	c.applyDefaults()
	if err := c.applyEnvOverrides(); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// LoadDotEnv loads KEY=VALUE pairs from path into the environment without overriding
// variables already set. A missing file is not an error.
func LoadDotEnv(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Log.Env == "" {
		c.Log.Env = "prod"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 15 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 15 * time.Second
	}
	if c.Server.IdleTimeout == 0 {
		c.Server.IdleTimeout = 60 * time.Second
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}
	if c.Server.MaxBodyBytes == 0 {
		c.Server.MaxBodyBytes = 1 << 20
	}
	if c.Server.LoginRate.Burst == 0 {
		c.Server.LoginRate.Burst = 10
	}
	if c.Server.LoginRate.PerSecond == 0 {
		c.Server.LoginRate.PerSecond = 5
	}
	if c.Auth.Issuer == "" {
		c.Auth.Issuer = "qazna-console"
	}
	if c.Auth.AccessTTL == 0 {
		c.Auth.AccessTTL = 15 * time.Minute
	}
	if c.Auth.RefreshTTL == 0 {
		c.Auth.RefreshTTL = 7 * 24 * time.Hour
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = StorageMemory
	}
	if c.Backend.Mode == "" {
		c.Backend.Mode = BackendMock
	}
	if c.Backend.Timeout == 0 {
		c.Backend.Timeout = 30 * time.Second
	}
	if c.Session.Store == "" {
		c.Session.Store = SessionFile
	}
	if c.Session.LoginTimeout == 0 {
		c.Session.LoginTimeout = 15 * time.Second
	}
	if c.Session.RefreshTimeout == 0 {
		c.Session.RefreshTimeout = 10 * time.Second
	}
	if c.Session.Redis.Prefix == "" {
		c.Session.Redis.Prefix = "qazna:console:"
	}
	if c.RBAC.CatalogTTL == 0 {
		c.RBAC.CatalogTTL = 5 * time.Minute
	}
}

// ---- env helpers ----

func getEnvStr(key string) (string, bool) {
	v := strings.TrimSpace(os.Getenv(key))
	return v, v != ""
}

func (c *Config) applyEnvOverrides() error {
	var errs []error
	dur := func(key string, dst *time.Duration) {
		if s, ok := getEnvStr(key); ok {
			d, err := time.ParseDuration(s)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}
	str := func(key string, dst *string) {
		if s, ok := getEnvStr(key); ok {
			*dst = s
		}
	}

	str("QAZNA_LOG_ENV", &c.Log.Env)
	str("QAZNA_LOG_LEVEL", &c.Log.Level)

	str("QAZNA_HTTP_ADDR", &c.Server.Addr)
	dur("QAZNA_SHUTDOWN_TIMEOUT", &c.Server.ShutdownTimeout)

	str("QAZNA_TOKEN_SECRET", &c.Auth.TokenSecret)
	str("QAZNA_TOKEN_ISSUER", &c.Auth.Issuer)
	dur("QAZNA_ACCESS_TTL", &c.Auth.AccessTTL)
	dur("QAZNA_REFRESH_TTL", &c.Auth.RefreshTTL)
	str("QAZNA_BOOTSTRAP_USERNAME", &c.Auth.Bootstrap.Username)
	str("QAZNA_BOOTSTRAP_PASSWORD", &c.Auth.Bootstrap.Password)

	str("QAZNA_STORAGE_DRIVER", &c.Storage.Driver)
	str("QAZNA_DATABASE_URL", &c.Storage.DSN)

	str("QAZNA_BACKEND_MODE", &c.Backend.Mode)
	str("QAZNA_BACKEND_URL", &c.Backend.BaseURL)
	dur("QAZNA_BACKEND_TIMEOUT", &c.Backend.Timeout)
	dur("QAZNA_MOCK_LATENCY", &c.Backend.MockLatency)

	str("QAZNA_SESSION_STORE", &c.Session.Store)
	str("QAZNA_SESSION_PATH", &c.Session.Path)
	str("QAZNA_REDIS_ADDR", &c.Session.Redis.Addr)
	str("QAZNA_REDIS_PASSWORD", &c.Session.Redis.Password)
	if s, ok := getEnvStr("QAZNA_REDIS_DB"); ok {
		n, err := strconv.Atoi(s)
		if err != nil {
			errs = append(errs, fmt.Errorf("QAZNA_REDIS_DB: %w", err))
		} else {
			c.Session.Redis.DB = n
		}
	}

	dur("QAZNA_CATALOG_TTL", &c.RBAC.CatalogTTL)
	return errors.Join(errs...)
}

// Validate rejects unknown modes and settings that cannot work together.
func (c *Config) Validate() error {
	var errs []error
	switch c.Backend.Mode {
	case BackendMock:
	case BackendRemote:
		u, err := url.Parse(c.Backend.BaseURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("backend.base_url must be an absolute URL in remote mode, got %q", c.Backend.BaseURL))
		}
	default:
		errs = append(errs, fmt.Errorf("backend.mode %q: want %s or %s", c.Backend.Mode, BackendMock, BackendRemote))
	}

	switch c.Session.Store {
	case SessionFile, SessionMemory:
	case SessionRedis:
		if c.Session.Redis.Addr == "" {
			errs = append(errs, errors.New("session.redis.addr is required for the redis store"))
		}
	default:
		errs = append(errs, fmt.Errorf("session.store %q: want file, redis or memory", c.Session.Store))
	}

	switch c.Storage.Driver {
	case StorageMemory:
	case StoragePostgres:
		if c.Storage.DSN == "" {
			errs = append(errs, errors.New("storage.dsn is required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver %q: want memory or postgres", c.Storage.Driver))
	}

	if c.Auth.AccessTTL <= 0 || c.Auth.RefreshTTL <= 0 {
		errs = append(errs, errors.New("auth ttl values must be positive"))
	} else if c.Auth.RefreshTTL < c.Auth.AccessTTL {
		errs = append(errs, errors.New("auth.refresh_ttl must not be shorter than auth.access_ttl"))
	}
	if (c.Auth.Bootstrap.Username == "") != (c.Auth.Bootstrap.Password == "") {
		errs = append(errs, errors.New("auth.bootstrap needs both username and password"))
	}
	if c.Server.LoginRate.Burst < 1 || c.Server.LoginRate.PerSecond <= 0 {
		errs = append(errs, errors.New("server.login_rate must allow at least one request"))
	}
	return errors.Join(errs...)
}

// RequireTokenSecret reports an error when the server has no signing secret.
func (c *Config) RequireTokenSecret() error {
	if strings.TrimSpace(c.Auth.TokenSecret) == "" {
		return errors.New("auth.token_secret (QAZNA_TOKEN_SECRET) is required to serve the API")
	}
	return nil
}
