package config

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/adamscao/sshca/pkg/sshutil"
)

// Config holds all configuration for the application
type Config struct {
	Server    ServerConfig    `yaml:"server" envconfig:"SERVER"`
	Database  DatabaseConfig  `yaml:"database" envconfig:"DATABASE"`
	CA        CAConfig        `yaml:"ca" envconfig:"CA"`
	Policy    PolicyConfig    `yaml:"policy" envconfig:"POLICY"`
	Auth      AuthConfig      `yaml:"auth" envconfig:"AUTH"`
	Admin     AdminConfig     `yaml:"admin" envconfig:"ADMIN"`
	Logging   LoggingConfig   `yaml:"logging" envconfig:"LOGGING"`
	RateLimit RateLimitConfig `yaml:"rate_limit" envconfig:"RATE_LIMIT"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	ListenAddr      string        `yaml:"listen_addr" envconfig:"LISTEN_ADDR"`
	ReadTimeout     time.Duration `yaml:"read_timeout" envconfig:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT"`
	TrustedProxies  []string      `yaml:"trusted_proxies" envconfig:"TRUSTED_PROXIES"`
}

// DatabaseConfig selects the backend. Driver is sqlite, postgres or mysql.
type DatabaseConfig struct {
	Driver          string        `yaml:"driver" envconfig:"DRIVER"`
	DSN             string        `yaml:"dsn" envconfig:"DSN"`
	MaxOpenConns    int           `yaml:"max_open_conns" envconfig:"MAX_OPEN_CONNS"`
	MaxIdleConns    int           `yaml:"max_idle_conns" envconfig:"MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" envconfig:"CONN_MAX_LIFETIME"`
}

// CAConfig contains CA key configuration
type CAConfig struct {
	PrivateKeyPath    string            `yaml:"private_key_path" envconfig:"PRIVATE_KEY"`
	PublicKeyPath     string            `yaml:"public_key_path" envconfig:"PUBLIC_KEY"`
	KeyType           string            `yaml:"key_type" envconfig:"KEY_TYPE"`
	GenerateIfMissing bool              `yaml:"generate_if_missing" envconfig:"GENERATE_IF_MISSING"`
	Extensions        map[string]string `yaml:"extensions" envconfig:"EXTENSIONS"`
	CriticalOptions   map[string]string `yaml:"critical_options" envconfig:"CRITICAL_OPTIONS"`
}

// PolicyConfig contains certificate lifetime policy
type PolicyConfig struct {
	DefaultTTL string `yaml:"default_ttl" envconfig:"DEFAULT_TTL"`
	MaxTTL     string `yaml:"max_ttl" envconfig:"MAX_TTL"`
}

// AuthConfig contains host token settings
type AuthConfig struct {
	// TokenPepper keys the token hash; 64 hex characters.
	TokenPepper string `yaml:"token_pepper" envconfig:"TOKEN_PEPPER"`
}

// AdminConfig contains admin configuration
type AdminConfig struct {
	Token string `yaml:"token" envconfig:"TOKEN"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" envconfig:"LEVEL"`
	Format string `yaml:"format" envconfig:"FORMAT"`
}

// RateLimitConfig contains rate limiting configuration
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled" envconfig:"ENABLED"`
	RequestsPerMinute int  `yaml:"requests_per_minute" envconfig:"REQUESTS_PER_MINUTE"`
}

// Default returns a configuration with every optional field populated.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:      ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Database: DatabaseConfig{
			Driver:          "sqlite",
			DSN:             "/var/lib/sshca/sshca.db",
			MaxOpenConns:    25,
			MaxIdleConns:    25,
			ConnMaxLifetime: 5 * time.Minute,
		},
		CA: CAConfig{
			PrivateKeyPath: "/etc/sshca/ca_key",
			PublicKeyPath:  "/etc/sshca/ca_key.pub",
			KeyType:        "ed25519",
		},
		Policy: PolicyConfig{
			DefaultTTL: "8h",
			MaxTTL:     "30d",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		RateLimit: RateLimitConfig{
			Enabled:           true,
			RequestsPerMinute: 120,
		},
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.ListenAddr == "" {
		return fmt.Errorf("server.listen_addr is required")
	}

	switch c.Database.Driver {
	case "sqlite", "postgres", "mysql":
	default:
		return fmt.Errorf("database.driver must be one of: sqlite, postgres, mysql")
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}

	if c.CA.PrivateKeyPath == "" {
		return fmt.Errorf("ca.private_key_path is required")
	}
	if c.CA.GenerateIfMissing && c.CA.PublicKeyPath == "" {
		return fmt.Errorf("ca.public_key_path is required when ca.generate_if_missing is set")
	}
	switch c.CA.KeyType {
	case "ed25519", "rsa", "ecdsa":
	default:
		return fmt.Errorf("ca.key_type must be 'ed25519', 'rsa' or 'ecdsa'")
	}

	def, err := sshutil.ParseDuration(c.Policy.DefaultTTL)
	if err != nil {
		return fmt.Errorf("policy.default_ttl is invalid: %w", err)
	}
	maxTTL, err := sshutil.ParseDuration(c.Policy.MaxTTL)
	if err != nil {
		return fmt.Errorf("policy.max_ttl is invalid: %w", err)
	}
	if def <= 0 || maxTTL < def {
		return fmt.Errorf("policy.max_ttl must be at least policy.default_ttl")
	}

	if key, err := hex.DecodeString(c.Auth.TokenPepper); err != nil || len(key) != 32 {
		return fmt.Errorf("auth.token_pepper must be 64 hex characters (32 bytes)")
	}

	if c.Admin.Token != "" && len(c.Admin.Token) < 16 {
		return fmt.Errorf("admin.token must be at least 16 characters")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		return fmt.Errorf("logging.format must be 'json' or 'text'")
	}

	if c.RateLimit.Enabled && c.RateLimit.RequestsPerMinute <= 0 {
		return fmt.Errorf("rate_limit.requests_per_minute must be positive")
	}

	return nil
}

// DefaultTTLDuration returns the default certificate lifetime
func (c *Config) DefaultTTLDuration() time.Duration {
	d, _ := sshutil.ParseDuration(c.Policy.DefaultTTL)
	return d
}

// MaxTTLDuration returns the lifetime cap
func (c *Config) MaxTTLDuration() time.Duration {
	d, _ := sshutil.ParseDuration(c.Policy.MaxTTL)
	return d
}

// TokenPepperBytes returns the decoded token hashing key
func (c *Config) TokenPepperBytes() []byte {
	b, _ := hex.DecodeString(c.Auth.TokenPepper)
	return b
}
