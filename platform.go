package smolfaas

import (
	"errors"
	"fmt"
	"sync"

	"github.com/thejchap/smolfaas/internal/core"
)

var (
	ErrPlatformInitialized    = errors.New("platform already initialized")
	ErrPlatformNotInitialized = errors.New("platform not initialized")
	ErrPlatformShutdown       = errors.New("platform has been shut down")
)

type platformState int

const (
	platformNew platformState = iota
	platformRunning
	platformStopped
)

// platform is the process-wide engine. Engines such as V8 cannot be
// initialized again once torn down, so the lifecycle is one-way.
var platform struct {
	mu       sync.Mutex
	state    platformState
	engine   core.Engine
	runtimes int
}

// InitPlatform initializes the engine selected at build time. It must be
// called exactly once per process, before New.
func InitPlatform() error {
	platform.mu.Lock()
	defer platform.mu.Unlock()

	switch platform.state {
	case platformRunning:
		return ErrPlatformInitialized
	case platformStopped:
		return ErrPlatformShutdown
	}

	engine := newEngine()
	if err := engine.Init(); err != nil {
		return fmt.Errorf("initializing %s engine: %w", engine.Name(), err)
	}
	platform.engine = engine
	platform.state = platformRunning
	return nil
}

// ShutdownPlatform tears the engine down. Every Runtime must be closed
// first.
func ShutdownPlatform() error {
	platform.mu.Lock()
	defer platform.mu.Unlock()

	switch platform.state {
	case platformNew:
		return ErrPlatformNotInitialized
	case platformStopped:
		return ErrPlatformShutdown
	}
	if platform.runtimes > 0 {
		return fmt.Errorf("shutting down platform: %d runtimes still open", platform.runtimes)
	}
	if err := platform.engine.Shutdown(); err != nil {
		return fmt.Errorf("shutting down platform: %w", err)
	}
	platform.state = platformStopped
	return nil
}

// EngineInfo names the engine the platform runs.
type EngineInfo struct {
	Name    string `json:"name"`
	BuildID string `json:"build_id"`
}

// Engine describes the running engine.
func Engine() (EngineInfo, error) {
	platform.mu.Lock()
	defer platform.mu.Unlock()
	if platform.state != platformRunning {
		return EngineInfo{}, ErrPlatformNotInitialized
	}
	return EngineInfo{Name: platform.engine.Name(), BuildID: platform.engine.BuildID()}, nil
}

func acquireEngine() (core.Engine, error) {
	platform.mu.Lock()
	defer platform.mu.Unlock()
	switch platform.state {
	case platformNew:
		return nil, ErrPlatformNotInitialized
	case platformStopped:
		return nil, ErrPlatformShutdown
	}
	platform.runtimes++
	return platform.engine, nil
}

func releaseEngine() {
	platform.mu.Lock()
	platform.runtimes--
	platform.mu.Unlock()
}
