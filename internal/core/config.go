package core

import (
	"fmt"
	"time"
)

// Config holds runtime configuration for the invocation core.
type Config struct {
	PoolCapacity     int           // maximum number of warm contexts
	ExecutionTimeout time.Duration // per-call limit, 0 means only the caller's deadline
	MemoryLimitMB    int           // per-context memory limit, 0 means unlimited
}

// Validate checks that c is usable.
func (c Config) Validate() error {
	if c.PoolCapacity <= 0 {
		return fmt.Errorf("pool capacity must be positive, got %d", c.PoolCapacity)
	}
	if c.ExecutionTimeout < 0 {
		return fmt.Errorf("execution timeout must not be negative, got %s", c.ExecutionTimeout)
	}
	if c.MemoryLimitMB < 0 {
		return fmt.Errorf("memory limit must not be negative, got %d", c.MemoryLimitMB)
	}
	return nil
}
