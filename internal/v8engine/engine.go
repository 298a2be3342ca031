//go:build v8

// Package v8engine implements the execution engine on V8 through
// github.com/tommie/v8go. Build with -tags v8 to select it.
package v8engine

import (
	"fmt"
	"sync"
	"sync/atomic"

	v8 "github.com/tommie/v8go"

	"github.com/thejchap/smolfaas/internal/core"
)

// Engine creates one V8 isolate per context.
type Engine struct {
	live atomic.Int64
}

var (
	_ core.Engine     = (*Engine)(nil)
	_ core.CodeCacher = (*Engine)(nil)
)

// NewEngine returns a V8 engine.
func NewEngine() *Engine {
	return &Engine{}
}

func (e *Engine) Name() string { return "v8" }

// BuildID returns the V8 version linked into this binary.
func (e *Engine) BuildID() string { return "v8@" + v8.Version() }

// Init creates and disposes a throwaway isolate so that platform set-up
// failures surface at start rather than on the first request.
func (e *Engine) Init() error {
	iso := v8.NewIsolate()
	iso.Dispose()
	return nil
}

// Shutdown fails while contexts are still alive.
func (e *Engine) Shutdown() error {
	if n := e.live.Load(); n > 0 {
		return fmt.Errorf("v8: %d contexts still alive", n)
	}
	return nil
}

// Live returns the number of contexts not yet disposed.
func (e *Engine) Live() int64 { return e.live.Load() }

// NewContext creates an isolate with a single context.
func (e *Engine) NewContext(opts core.ContextOptions) (core.Context, error) {
	var iso *v8.Isolate
	if opts.MemoryLimitMB > 0 {
		heapSize := uint64(opts.MemoryLimitMB) * 1024 * 1024
		iso = v8.NewIsolate(v8.WithResourceConstraints(heapSize/2, heapSize))
	} else {
		iso = v8.NewIsolate()
	}
	ctx := v8.NewContext(iso)

	e.live.Add(1)
	return &v8Context{v8Runtime: v8Runtime{iso: iso, ctx: ctx}, engine: e}, nil
}

// CodeCache compiles m in a scratch isolate and returns V8's serialized
// bytecode for it.
func (e *Engine) CodeCache(m *core.Module) ([]byte, error) {
	iso := v8.NewIsolate()
	defer iso.Dispose()

	script, err := iso.CompileUnboundScript(m.Script, m.Name, v8.CompileOptions{})
	if err != nil {
		return nil, fmt.Errorf("compiling %s: %w", m.Name, err)
	}
	cd := script.CreateCodeCache()
	if cd == nil {
		return nil, nil
	}
	return cd.Bytes, nil
}

type v8Context struct {
	v8Runtime
	engine *Engine

	mu     sync.Mutex
	closed bool
}

var _ core.Context = (*v8Context)(nil)

// Evaluate compiles and runs the module's top-level code, consuming the
// module's code cache when it has one.
func (c *v8Context) Evaluate(m *core.Module) error {
	opts := v8.CompileOptions{}
	if len(m.CodeCache) > 0 {
		opts.CachedData = &v8.CompilerCachedData{Bytes: m.CodeCache}
	}
	script, err := c.iso.CompileUnboundScript(m.Script, m.Name, opts)
	if err != nil {
		return fmt.Errorf("compiling %s: %w", m.Name, err)
	}
	if _, err := script.Run(c.ctx); err != nil {
		return fmt.Errorf("evaluating %s: %w", m.Name, err)
	}
	return nil
}

// Interrupt terminates the running script. Safe from any goroutine.
func (c *v8Context) Interrupt() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.iso.TerminateExecution()
	}
}

// Dispose closes the context and its isolate.
func (c *v8Context) Dispose() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.ctx.Close()
	c.iso.Dispose()
	c.engine.live.Add(-1)
	return nil
}
