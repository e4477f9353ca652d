package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Identity store drivers.
const (
	StoreDriverPostgres = "postgres"
	StoreDriverSQLite   = "sqlite"
)

type Config struct {
	ServiceName string `yaml:"service_name"`
	// InstanceID identifies this aggregator to the environment manager. A
	// random one is generated when unset.
	InstanceID string `yaml:"instance_id"`
	LogLevel   string `yaml:"log_level"`

	StoreDriver      string `yaml:"store_driver"`
	DatabaseURL      string `yaml:"database_url"`
	DatabaseMaxConns int32  `yaml:"database_max_conns"`
	SQLitePath       string `yaml:"sqlite_path"`

	RedisAddr          string `yaml:"redis_addr"`
	RedisPassword      string `yaml:"redis_password"`
	RedisDB            int    `yaml:"redis_db"`
	RedisTLSCert       string `yaml:"redis_tls_cert"`
	RedisTLSKey        string `yaml:"redis_tls_key"`
	RedisTLSCACert     string `yaml:"redis_tls_ca_cert"`
	RedisTLSServerName string `yaml:"redis_tls_server_name"`

	// ControlEndpoint is the bus channel this aggregator receives control
	// messages on. It is announced to the environment manager.
	ControlEndpoint     string        `yaml:"control_endpoint"`
	EnvManagerURL       string        `yaml:"environment_manager_url"`
	RegistrationTimeout time.Duration `yaml:"registration_timeout"`

	HTTPListenAddr string `yaml:"http_listen_addr"`
}

func defaults() *Config {
	return &Config{
		ServiceName:         "aggregation-server",
		LogLevel:            "info",
		StoreDriver:         StoreDriverPostgres,
		DatabaseMaxConns:    10,
		RedisAddr:           "localhost:6379",
		ControlEndpoint:     "aggregator-control",
		RegistrationTimeout: 3 * time.Second,
		HTTPListenAddr:      ":9102",
	}
}

// Load reads the configuration from environment variables.
func Load() (*Config, error) {
	return LoadFile("")
}

// LoadFile reads the YAML file at path, if any, and applies environment
// variables on top of it.
func LoadFile(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	c.ServiceName = getEnv("SERVICE_NAME", c.ServiceName)
	c.InstanceID = getEnv("AGGREGATOR_INSTANCE_ID", c.InstanceID)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)

	c.StoreDriver = getEnv("STORE_DRIVER", c.StoreDriver)
	c.DatabaseURL = getEnv("DATABASE_URL", c.DatabaseURL)
	c.SQLitePath = getEnv("SQLITE_PATH", c.SQLitePath)

	c.RedisAddr = getEnv("REDIS_ADDR", c.RedisAddr)
	c.RedisPassword = getEnv("REDIS_PASSWORD", c.RedisPassword)
	c.RedisTLSCert = getEnv("REDIS_TLS_CERT", c.RedisTLSCert)
	c.RedisTLSKey = getEnv("REDIS_TLS_KEY", c.RedisTLSKey)
	c.RedisTLSCACert = getEnv("REDIS_TLS_CA_CERT", c.RedisTLSCACert)
	c.RedisTLSServerName = getEnv("REDIS_TLS_SERVER_NAME", c.RedisTLSServerName)

	c.ControlEndpoint = getEnv("CONTROL_ENDPOINT", c.ControlEndpoint)
	c.EnvManagerURL = getEnv("ENVIRONMENT_MANAGER_URL", c.EnvManagerURL)
	c.HTTPListenAddr = getEnv("HTTP_LISTEN_ADDR", c.HTTPListenAddr)

	var errs []error
	if v := os.Getenv("DATABASE_MAX_CONNS"); v != "" {
		n, err := strconv.ParseInt(v, 10, 32)
		if err != nil {
			errs = append(errs, fmt.Errorf("DATABASE_MAX_CONNS: %w", err))
		}
		c.DatabaseMaxConns = int32(n)
	}
	if v := os.Getenv("REDIS_DB"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("REDIS_DB: %w", err))
		}
		c.RedisDB = n
	}
	if v := os.Getenv("REGISTRATION_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("REGISTRATION_TIMEOUT: %w", err))
		}
		c.RegistrationTimeout = d
	}
	return errors.Join(errs...)
}

// Validate reports every missing or inconsistent setting at once.
func (c *Config) Validate() error {
	var missing []string
	if c.EnvManagerURL == "" {
		missing = append(missing, "ENVIRONMENT_MANAGER_URL")
	}
	if c.RedisAddr == "" {
		missing = append(missing, "REDIS_ADDR")
	}
	if c.ControlEndpoint == "" {
		missing = append(missing, "CONTROL_ENDPOINT")
	}

	var problems []string
	switch c.StoreDriver {
	case StoreDriverPostgres:
		if c.DatabaseURL == "" {
			missing = append(missing, "DATABASE_URL")
		}
	case StoreDriverSQLite:
		if c.SQLitePath == "" {
			missing = append(missing, "SQLITE_PATH")
		}
	default:
		problems = append(problems, fmt.Sprintf("STORE_DRIVER must be %q or %q, got %q",
			StoreDriverPostgres, StoreDriverSQLite, c.StoreDriver))
	}

	if (c.RedisTLSCert == "") != (c.RedisTLSKey == "") {
		problems = append(problems, "REDIS_TLS_CERT and REDIS_TLS_KEY must both be set")
	}
	if c.RegistrationTimeout <= 0 {
		problems = append(problems, "REGISTRATION_TIMEOUT must be positive")
	}

	if len(missing) > 0 {
		problems = append([]string{"missing required config: " + strings.Join(missing, ", ")}, problems...)
	}
	if len(problems) > 0 {
		return errors.New(strings.Join(problems, "; "))
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
