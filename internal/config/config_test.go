package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testPepper = strings.Repeat("ab", 32)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadWithEnvFileValues(t *testing.T) {
	path := writeConfig(t, `
server:
  listen_addr: "127.0.0.1:9000"
  read_timeout: 5s
database:
  driver: sqlite
  dsn: /tmp/ca.db
ca:
  private_key_path: /tmp/ca_key
  public_key_path: /tmp/ca_key.pub
  key_type: ed25519
  extensions:
    permit-pty: ""
policy:
  default_ttl: 4h
  max_ttl: 1d
auth:
  token_pepper: "`+testPepper+`"
logging:
  level: debug
  format: json
`)

	cfg, err := LoadWithEnv(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9000", cfg.Server.ListenAddr)
	assert.Equal(t, 5*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 15*time.Second, cfg.Server.WriteTimeout, "unset fields keep defaults")
	assert.Equal(t, 4*time.Hour, cfg.DefaultTTLDuration())
	assert.Equal(t, 24*time.Hour, cfg.MaxTTLDuration())
	assert.Contains(t, cfg.CA.Extensions, "permit-pty")
	assert.Len(t, cfg.TokenPepperBytes(), 32)
}

func TestLoadWithEnvOverrides(t *testing.T) {
	path := writeConfig(t, `
auth:
  token_pepper: "`+testPepper+`"
`)
	t.Setenv("SSHCA_DATABASE_DSN", "/srv/override.db")
	t.Setenv("SSHCA_ADMIN_TOKEN", "0123456789abcdef-admin")
	t.Setenv("SSHCA_POLICY_DEFAULT_TTL", "2h")

	cfg, err := LoadWithEnv(path)
	require.NoError(t, err)

	assert.Equal(t, "/srv/override.db", cfg.Database.DSN)
	assert.Equal(t, "0123456789abcdef-admin", cfg.Admin.Token)
	assert.Equal(t, 2*time.Hour, cfg.DefaultTTLDuration())
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := Default()
		cfg.Auth.TokenPepper = testPepper
		return cfg
	}
	require.NoError(t, valid().Validate())

	cases := map[string]func(*Config){
		"driver":        func(c *Config) { c.Database.Driver = "oracle" },
		"dsn":           func(c *Config) { c.Database.DSN = "" },
		"key type":      func(c *Config) { c.CA.KeyType = "dsa" },
		"default ttl":   func(c *Config) { c.Policy.DefaultTTL = "banana" },
		"max below def": func(c *Config) { c.Policy.MaxTTL = "1h" },
		"pepper":        func(c *Config) { c.Auth.TokenPepper = "short" },
		"admin token":   func(c *Config) { c.Admin.Token = "tiny" },
		"log level":     func(c *Config) { c.Logging.Level = "verbose" },
		"log format":    func(c *Config) { c.Logging.Format = "xml" },
		"rate limit":    func(c *Config) { c.RateLimit.RequestsPerMinute = 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := valid()
			mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
