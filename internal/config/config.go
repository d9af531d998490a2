// Package config loads process configuration from the environment, optionally
// seeded from a dotenv file.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
)

// Config is the process configuration. Field tags name the environment
// variable and its default.
type Config struct {
	// Env selects the dotenv file. ENV: APP_ENV
	Env string `env:"APP_ENV,default=development"`

	APIBaseURL string        `env:"API_BASE_URL,default=https://api.writeathon.cn"`
	Token      string        `env:"WRITEATHON_TOKEN"`
	UserID     string        `env:"WRITEATHON_USER_ID"`
	APITimeout time.Duration `env:"API_TIMEOUT,default=30s"`

	Host string `env:"HOST,default=localhost"`
	// Port serves the REST proxy; the MCP endpoint binds Port+1.
	Port int `env:"PORT,default=3000"`

	MCPPath     string `env:"MCP_PATH,default=/mcp"`
	APIKey      string `env:"MCP_API_KEY"`
	RequireAuth bool   `env:"MCP_REQUIRE_AUTH,default=false"`
	// Instructions are returned to clients in the initialize result.
	Instructions string `env:"MCP_INSTRUCTIONS,default=Tools and resources for reading and writing Writeathon cards."`

	SessionIdleTimeout   time.Duration `env:"MCP_SESSION_IDLE_TIMEOUT,default=0s"`
	SessionSweepInterval time.Duration `env:"MCP_SESSION_SWEEP_INTERVAL,default=1m"`

	// RedisAddr switches notification streams to Redis when set.
	RedisAddr         string `env:"REDIS_ADDR"`
	SessionsKeyPrefix string `env:"SESSIONS_KEY_PREFIX,default=writeathon:sessions:"`

	LogLevel  string `env:"LOG_LEVEL,default=info"`
	LogFormat string `env:"LOG_FORMAT,default=text"`
}

// Load reads .env.prod when APP_ENV=production and .env.dev otherwise, then
// decodes the environment. Variables already present win over the file.
func Load() (*Config, error) {
	file := ".env.dev"
	if os.Getenv("APP_ENV") == "production" {
		file = ".env.prod"
	}
	if err := godotenv.Load(file); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load %s: %w", file, err)
	}

	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &cfg, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Port <= 0 || c.Port >= 65535 {
		errs = append(errs, fmt.Errorf("PORT %d out of range", c.Port))
	}
	if !strings.HasPrefix(c.MCPPath, "/") {
		errs = append(errs, fmt.Errorf("MCP_PATH %q must start with /", c.MCPPath))
	}
	if c.RequireAuth && c.APIKey == "" {
		errs = append(errs, errors.New("MCP_REQUIRE_AUTH requires MCP_API_KEY"))
	}
	if c.SessionIdleTimeout < 0 {
		errs = append(errs, errors.New("MCP_SESSION_IDLE_TIMEOUT must not be negative"))
	}
	if _, err := c.Level(); err != nil {
		errs = append(errs, err)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("LOG_FORMAT %q must be text or json", c.LogFormat))
	}
	return errors.Join(errs...)
}

// Level parses LOG_LEVEL.
func (c *Config) Level() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("LOG_LEVEL: %w", err)
	}
	return lvl, nil
}

// RESTAddr is the listen address of the REST proxy.
func (c *Config) RESTAddr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// MCPAddr is the listen address of the MCP endpoint, one port above REST.
func (c *Config) MCPAddr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port+1))
}
