package database

import (
	"errors"
	"time"
)

// Config holds run log database configuration
type Config struct {
	DatabasePath    string        `json:"database_path"`
	MaxConnections  int           `json:"max_connections"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `json:"conn_max_idle_time"`
	// WriteTimeout bounds how long a write may wait for the writer goroutine
	WriteTimeout time.Duration `json:"write_timeout"`
	// WriteBuffer is the depth of the single-writer queue
	WriteBuffer int `json:"write_buffer"`
}

// DefaultConfig returns the run log configuration for path
// FUNCTIONAL DISCOVERY: The driver appends a handful of rows per batch, so a
// small pool serves the health check while one goroutine does every write
func DefaultConfig(path string) *Config {
	return &Config{
		DatabasePath:    path,
		MaxConnections:  4,
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: time.Minute * 10,
		WriteTimeout:    30 * time.Second,
		WriteBuffer:     100,
	}
}

// Validate ensures the configuration is valid
func (c *Config) Validate() error {
	if c.DatabasePath == "" {
		return errors.New("database path cannot be empty")
	}
	if c.MaxConnections <= 0 {
		return errors.New("max connections must be greater than 0")
	}
	if c.ConnMaxLifetime <= 0 {
		return errors.New("connection max lifetime must be greater than 0")
	}
	if c.ConnMaxIdleTime <= 0 {
		return errors.New("connection max idle time must be greater than 0")
	}
	if c.WriteTimeout <= 0 {
		return errors.New("write timeout must be greater than 0")
	}
	if c.WriteBuffer < 0 {
		return errors.New("write buffer cannot be negative")
	}
	return nil
}

// DSN returns the sqlite3 connection string for the configured path
// TECHNICAL DISCOVERY: Pragmas in the DSN apply to every pooled connection,
// not just the first one opened
func (c *Config) DSN() string {
	return c.DatabasePath + "?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on&_synchronous=NORMAL"
}
