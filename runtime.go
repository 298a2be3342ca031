// Package smolfaas runs JavaScript functions written as ES modules. Each
// function's module is evaluated once into an isolated context that stays
// warm for later invocations, up to a configured number of contexts.
//
// The engine is chosen at build time: QuickJS by default, V8 with -tags v8.
//
//	if err := smolfaas.InitPlatform(); err != nil { ... }
//	rt, err := smolfaas.New(smolfaas.Config{PoolCapacity: 128})
//	out, err := rt.Invoke(ctx, "fn-1", source, "dp-1", `{"name":"x"}`)
package smolfaas

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/thejchap/smolfaas/internal/esm"
	"github.com/thejchap/smolfaas/internal/invoke"
	"github.com/thejchap/smolfaas/internal/snapshot"
)

// Option configures a Runtime.
type Option func(*options)

type options struct {
	logger logrus.FieldLogger
	sink   LogSink
}

// WithLogger sets the logger used by the runtime and its pool.
func WithLogger(l logrus.FieldLogger) Option {
	return func(o *options) { o.logger = l }
}

// WithLogSink receives console output of every function.
func WithLogSink(s LogSink) Option {
	return func(o *options) { o.sink = s }
}

// Runtime invokes functions, keeping their contexts warm between calls.
// It is safe for concurrent use.
type Runtime struct {
	proto     *invoke.Protocol
	closeOnce sync.Once
}

// New creates a Runtime on the platform engine. InitPlatform must have
// been called.
func New(cfg Config, opts ...Option) (*Runtime, error) {
	o := options{logger: logrus.StandardLogger()}
	for _, opt := range opts {
		opt(&o)
	}

	engine, err := acquireEngine()
	if err != nil {
		return nil, err
	}
	protoOpts := []invoke.Option{invoke.WithLogger(o.logger)}
	if o.sink != nil {
		protoOpts = append(protoOpts, invoke.WithLogSink(o.sink))
	}
	proto, err := invoke.New(engine, cfg, protoOpts...)
	if err != nil {
		releaseEngine()
		return nil, err
	}
	return &Runtime{proto: proto}, nil
}

// Invoke calls the default export of a function's module with payload and
// returns its result as JSON. sourceOrSnapshot is either module source or
// a blob from CompileToSnapshot. Errors are *Error.
func (r *Runtime) Invoke(ctx context.Context, functionID, sourceOrSnapshot, deploymentID, payload string) (string, error) {
	req := Request{
		FunctionID:   functionID,
		DeploymentID: deploymentID,
		Payload:      payload,
	}
	if snapshot.IsSnapshot([]byte(sourceOrSnapshot)) {
		req.Snapshot = []byte(sourceOrSnapshot)
	} else {
		req.Source = sourceOrSnapshot
	}
	res, err := r.proto.Invoke(ctx, req)
	if err != nil {
		return "", err
	}
	return res.JSON, nil
}

// InvokeRequest is Invoke with full control over the request and access
// to captured logs.
func (r *Runtime) InvokeRequest(ctx context.Context, req Request) (*Result, error) {
	return r.proto.Invoke(ctx, req)
}

// InvokeSource runs source once in a throwaway context.
func (r *Runtime) InvokeSource(ctx context.Context, source, payload string) (*Result, error) {
	return r.proto.InvokeSource(ctx, source, payload)
}

// CompileToSnapshot evaluates source's top-level code and returns a blob
// that Invoke accepts in place of the source.
func (r *Runtime) CompileToSnapshot(source string) ([]byte, error) {
	return r.proto.CompileToSnapshot(esm.DefaultName, source)
}

// InspectSnapshot reads a snapshot's header and checks that the running
// engine can restore it.
func (r *Runtime) InspectSnapshot(blob []byte) (SnapshotHeader, error) {
	return r.proto.InspectSnapshot(blob)
}

// Evict drops the warm context of functionID.
func (r *Runtime) Evict(functionID string) bool {
	return r.proto.Evict(functionID)
}

// Stats returns warm pool counters.
func (r *Runtime) Stats() PoolStats {
	return r.proto.Stats()
}

// WarmFunctions lists functions with a warm context, most recent first.
func (r *Runtime) WarmFunctions() []string {
	return r.proto.WarmFunctions()
}

// Close disposes every warm context. It is idempotent.
func (r *Runtime) Close() error {
	r.closeOnce.Do(func() {
		r.proto.Close()
		releaseEngine()
	})
	return nil
}
