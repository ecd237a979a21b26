// Package config holds node-wide configuration: ring parameters,
// replication factor, maintenance intervals, and logging.
package config

import (
	"fmt"
	"time"
)

// Config holds all configuration for a ring node.
type Config struct {
	// Node identification
	Host string
	Port int

	// Admin HTTP API (health, status, live ring events)
	HTTPPort int

	// WorkerThreads sizes the fixed pool that services inbound connections.
	WorkerThreads int

	// Ring parameters
	SuccessorListSize  int           // L, default 8
	ReplicationFactor  int           // R, default 3
	StabilizeInterval  time.Duration // default 1s
	FixFingersInterval time.Duration // default 500ms
	FailureCheckInterval time.Duration // default 2s
	StatusCleanupAge   time.Duration // default 30m

	// Peer client timeouts
	ConnectTimeout time.Duration // default 1s, bounded by spec at <= 1s
	RPCTimeout     time.Duration // default 5s, bounded by spec at <= 5s

	// Failure detector
	FailureThreshold int // default 3

	// Replication
	ReplicationSyncTimeout time.Duration // default 5s
	ReplicationMaxRetries  int           // default 3
	ReplicationAsync       bool          // default false

	// Logging
	LogLevel  string // trace, debug, info, warn, error
	LogFormat string // json, console
}

// DefaultConfig returns the configuration mandated by the spec's defaults.
func DefaultConfig() *Config {
	return &Config{
		Host:                  "127.0.0.1",
		Port:                  9000,
		HTTPPort:              9100,
		WorkerThreads:         8,
		SuccessorListSize:     8,
		ReplicationFactor:     3,
		StabilizeInterval:     1 * time.Second,
		FixFingersInterval:    500 * time.Millisecond,
		FailureCheckInterval:  2 * time.Second,
		StatusCleanupAge:      30 * time.Minute,
		ConnectTimeout:        1 * time.Second,
		RPCTimeout:            5 * time.Second,
		FailureThreshold:      3,
		ReplicationSyncTimeout: 5 * time.Second,
		ReplicationMaxRetries: 3,
		ReplicationAsync:      false,
		LogLevel:              "info",
		LogFormat:             "console",
	}
}

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.HTTPPort < 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.HTTPPort)
	}
	if c.WorkerThreads <= 0 {
		return fmt.Errorf("worker threads must be positive, got %d", c.WorkerThreads)
	}
	if c.SuccessorListSize <= 0 {
		return fmt.Errorf("successor list size must be positive, got %d", c.SuccessorListSize)
	}
	if c.ReplicationFactor <= 0 {
		return fmt.Errorf("replication factor must be positive, got %d", c.ReplicationFactor)
	}
	if c.ReplicationFactor > c.SuccessorListSize+1 {
		return fmt.Errorf("replication factor %d cannot exceed successor list size+1 (%d)", c.ReplicationFactor, c.SuccessorListSize+1)
	}
	if c.ConnectTimeout > time.Second {
		return fmt.Errorf("connect timeout %s exceeds the 1s bound", c.ConnectTimeout)
	}
	if c.RPCTimeout > 5*time.Second {
		return fmt.Errorf("rpc timeout %s exceeds the 5s bound", c.RPCTimeout)
	}
	return nil
}

// Address returns the node's "host:port" endpoint string.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
