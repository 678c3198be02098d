package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

type Config struct {
	Server ServerConfig
	Store  StoreConfig
	Runs   RunConfig
	Log    LogConfig
}

type ServerConfig struct {
	Port int    // default 7117
	Host string // default "127.0.0.1"
}

type StoreConfig struct {
	Type    string // "bolt" or "memory"
	DataDir string // default "~/.ironclaw/data"
}

// RunConfig carries the defaults applied to agent runs that do not set
// their own limits.
type RunConfig struct {
	MaxIterations       int    // iteration ceiling per run, default 100
	InitTimeout         int    // backend handshake timeout in seconds, default 10
	CallTimeout         int    // per tool-call timeout in seconds, default 30
	RetryAttempts       int    // attempts per tool call on timeout, default 3
	RunTimeout          int    // wall-clock limit per run in seconds, default 600
	ApprovalMode        string // "auto", "deny" or "interactive", default "deny"
	HealthCheckInterval int    // backend probe interval in seconds, default 30
}

type LogConfig struct {
	Level  string // default "info"
	Format string // default "console"
}

// DefaultConfig returns a Config populated with all default values.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port: 7117,
			Host: "127.0.0.1",
		},
		Store: StoreConfig{
			Type:    "bolt",
			DataDir: defaultDataDir(),
		},
		Runs: RunConfig{
			MaxIterations:       100,
			InitTimeout:         10,
			CallTimeout:         30,
			RetryAttempts:       3,
			RunTimeout:          600,
			ApprovalMode:        "deny",
			HealthCheckInterval: 30,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// ServerAddress returns the listen address in "host:port" format.
func (c *Config) ServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// DBPath returns the full path to the BoltDB file (DataDir + "/ironclaw.db").
func (c *Config) DBPath() string {
	return filepath.Join(c.Store.DataDir, "ironclaw.db")
}

// InitTimeoutDuration returns the handshake timeout as a duration.
func (c *Config) InitTimeoutDuration() time.Duration {
	return time.Duration(c.Runs.InitTimeout) * time.Second
}

// CallTimeoutDuration returns the per-call timeout as a duration.
func (c *Config) CallTimeoutDuration() time.Duration {
	return time.Duration(c.Runs.CallTimeout) * time.Second
}

// defaultDataDir resolves the default data directory.
// It uses os.UserHomeDir() + "/.ironclaw/data", falling back to
// "/tmp/ironclaw/data" if the home directory cannot be determined.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join("/tmp", "ironclaw", "data")
	}
	return filepath.Join(home, ".ironclaw", "data")
}
