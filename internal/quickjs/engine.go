//go:build !v8

// Package quickjs implements the execution engine on modernc.org/quickjs,
// a pure-Go translation of QuickJS. It is the default backend.
package quickjs

import (
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"modernc.org/quickjs"

	"github.com/thejchap/smolfaas/internal/core"
)

const modulePath = "modernc.org/quickjs"

// Engine creates QuickJS contexts. Each context owns its own VM and
// runtime, so contexts share no state.
type Engine struct {
	live atomic.Int64
}

var _ core.Engine = (*Engine)(nil)

// NewEngine returns a QuickJS engine.
func NewEngine() *Engine {
	return &Engine{}
}

func (e *Engine) Name() string { return "quickjs" }

// BuildID returns the QuickJS module version this binary was built with.
func (e *Engine) BuildID() string { return buildID() }

var buildID = sync.OnceValue(func() string {
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, dep := range bi.Deps {
			if dep.Path == modulePath {
				if dep.Replace != nil {
					dep = dep.Replace
				}
				return "quickjs@" + dep.Version
			}
		}
	}
	return "quickjs@devel"
})

// Init checks that a VM can be created and that its job queue can be
// driven; without the latter no promise would ever settle.
func (e *Engine) Init() error {
	vm, err := quickjs.NewVM()
	if err != nil {
		return fmt.Errorf("creating QuickJS VM: %w", err)
	}
	defer vm.Close()
	if !newJobPump(vm).ok {
		return fmt.Errorf("QuickJS job queue is not reachable in %s", buildID())
	}
	return nil
}

// Shutdown fails while contexts are still alive.
func (e *Engine) Shutdown() error {
	if n := e.live.Load(); n > 0 {
		return fmt.Errorf("quickjs: %d contexts still alive", n)
	}
	return nil
}

// Live returns the number of contexts not yet disposed.
func (e *Engine) Live() int64 { return e.live.Load() }

// NewContext creates a fresh VM.
func (e *Engine) NewContext(opts core.ContextOptions) (core.Context, error) {
	vm, err := quickjs.NewVM()
	if err != nil {
		return nil, fmt.Errorf("creating QuickJS VM: %w", err)
	}
	if opts.MemoryLimitMB > 0 {
		vm.SetMemoryLimit(uintptr(opts.MemoryLimitMB) * 1024 * 1024)
	}

	e.live.Add(1)
	return &qjsContext{
		qjsRuntime: qjsRuntime{vm: vm, jobs: newJobPump(vm)},
		engine:     e,
	}, nil
}

// qjsContext is a core.Context backed by one QuickJS VM.
type qjsContext struct {
	qjsRuntime
	engine *Engine

	mu     sync.Mutex // guards closed against a concurrent Interrupt
	closed bool
}

var _ core.Context = (*qjsContext)(nil)

// Evaluate runs the module's top-level code.
func (c *qjsContext) Evaluate(m *core.Module) error {
	if err := c.Eval(m.Script); err != nil {
		return fmt.Errorf("evaluating %s: %w", m.Name, err)
	}
	return nil
}

// Interrupt aborts the running script. Safe to call from any goroutine.
func (c *qjsContext) Interrupt() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.vm.Interrupt()
	}
}

// Dispose closes the VM.
func (c *qjsContext) Dispose() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.vm.Close()
	c.engine.live.Add(-1)
	return nil
}
