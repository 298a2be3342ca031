// Package invoke implements the invocation protocol: look a function up in
// the warm pool, prepare a context on a miss, call the module's default
// export with the payload and turn the outcome into JSON or a single
// *core.Error.
package invoke

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/thejchap/smolfaas/internal/core"
	"github.com/thejchap/smolfaas/internal/esm"
	"github.com/thejchap/smolfaas/internal/eventloop"
	"github.com/thejchap/smolfaas/internal/pool"
	"github.com/thejchap/smolfaas/internal/snapshot"
	"github.com/thejchap/smolfaas/internal/webapi"
)

// adhocFunctionID tags logs of throwaway invocations.
const adhocFunctionID = "adhoc"

// noDeadline stands in for "no deadline" in the await loop, which also
// watches the call context.
var noDeadline = time.Date(9999, 1, 1, 0, 0, 0, 0, time.UTC)

// Request is one invocation of a deployed function.
type Request struct {
	FunctionID   string
	DeploymentID string
	// Source is the module source. Ignored when Snapshot is set.
	Source string
	// Snapshot is a blob produced by CompileToSnapshot.
	Snapshot []byte
	Protocol core.Protocol
	// Payload is a JSON document. Empty means {}.
	Payload string
}

// Result is the outcome of a successful invocation.
type Result struct {
	JSON     string
	Logs     []core.LogEntry
	Warm     bool
	Duration time.Duration
}

// instance is what the pool holds for a function: a context plus the
// bridges installed in it.
type instance struct {
	ctx     core.Context
	loop    *eventloop.EventLoop
	console *webapi.ConsoleBridge
}

func (i *instance) Dispose() error {
	if i.ctx == nil {
		return nil
	}
	return i.ctx.Dispose()
}

// Option configures a Protocol.
type Option func(*Protocol)

// WithLogger sets the logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(p *Protocol) { p.logger = l }
}

// WithLogSink sets where script console output goes, in addition to the
// per-invocation capture.
func WithLogSink(s core.LogSink) Option {
	return func(p *Protocol) { p.sink = s }
}

// Protocol runs invocations against one engine and one warm pool.
type Protocol struct {
	engine    core.Engine
	cfg       core.Config
	pool      *pool.Pool
	snapshots *snapshot.Manager
	locks     *keyedMutex
	logger    logrus.FieldLogger
	sink      core.LogSink
}

// New creates a Protocol with an empty pool of cfg.PoolCapacity entries.
func New(engine core.Engine, cfg core.Config, opts ...Option) (*Protocol, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	p := &Protocol{
		engine: engine,
		cfg:    cfg,
		locks:  newKeyedMutex(),
		logger: logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.WithField("engine", engine.Name())

	var err error
	if p.pool, err = pool.New(cfg.PoolCapacity, p.logger); err != nil {
		return nil, err
	}
	p.snapshots = snapshot.NewManager(engine, p.contextOptions(), p.logger)
	return p, nil
}

func (p *Protocol) contextOptions() core.ContextOptions {
	return core.ContextOptions{MemoryLimitMB: p.cfg.MemoryLimitMB}
}

// Invoke runs req and returns the handler's result as JSON, or exactly one
// *core.Error.
func (p *Protocol) Invoke(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	if req.FunctionID == "" || req.DeploymentID == "" {
		return nil, withFunction(core.Errorf(core.MarshalError, "function id and deployment id are required"), req.FunctionID)
	}
	if !req.Protocol.Valid() {
		return nil, withFunction(core.Errorf(core.MarshalError, "unknown protocol %q", req.Protocol), req.FunctionID)
	}
	payload, err := normalizePayload(req.Payload)
	if err != nil {
		return nil, withFunction(err, req.FunctionID)
	}

	unlock, err := p.locks.Lock(ctx, req.FunctionID)
	if err != nil {
		return nil, withFunction(core.NewError(core.TimeoutError, "waiting for function", err), req.FunctionID)
	}
	defer unlock()

	callCtx, cancel := p.callContext(ctx)
	defer cancel()
	wd := newWatchdog(callCtx)

	log := p.logger.WithFields(logrus.Fields{
		"function_id":   req.FunctionID,
		"deployment_id": req.DeploymentID,
	})

	entry, warm := p.lookup(req, log)
	if !warm {
		inst, mod, err := p.prepare(req.FunctionID, req.Source, req.Snapshot, wd)
		if err == nil {
			err = checkShape(inst.ctx)
			if err != nil {
				p.disposeInstance(inst, log)
			}
		}
		if err != nil {
			wd.release()
			return nil, withFunction(classify(err, wd, callCtx), req.FunctionID)
		}
		entry, err = p.pool.Put(req.FunctionID, inst, mod, req.DeploymentID, req.Protocol.OrDefault())
		if err != nil {
			wd.release()
			return nil, withFunction(core.NewError(core.EngineFatalError, "storing instance", err), req.FunctionID)
		}
	}

	inst := entry.Instance.(*instance)
	wd.arm(inst.ctx)
	out, logs, callErr := p.call(callCtx, inst, entry.Protocol, payload)
	wd.release()

	if callErr != nil {
		callErr = classify(callErr, wd, callCtx)
	}
	if wd.hasFired() || poisons(callErr) {
		log.WithError(callErr).Warn("discarding poisoned instance")
		p.pool.Discard(entry)
	} else {
		if err := webapi.Cleanup(inst.ctx, inst.loop); err != nil {
			log.WithError(err).Warn("cleaning up instance failed, discarding it")
			p.pool.Discard(entry)
		} else {
			p.pool.Checkin(entry)
		}
	}

	log.WithFields(logrus.Fields{
		"warm":     warm,
		"duration": time.Since(start),
	}).Debug("invocation finished")

	if callErr != nil {
		return nil, withFunction(callErr, req.FunctionID)
	}
	return &Result{JSON: out, Logs: logs, Warm: warm, Duration: time.Since(start)}, nil
}

// lookup checks out the warm entry for req. An entry for another
// deployment is evicted on the spot.
func (p *Protocol) lookup(req Request, log logrus.FieldLogger) (*pool.Entry, bool) {
	entry, ok := p.pool.Checkout(req.FunctionID)
	if !ok {
		return nil, false
	}
	if entry.DeploymentID != req.DeploymentID {
		log.WithField("stale_deployment_id", entry.DeploymentID).Info("deployment changed, evicting warm instance")
		p.pool.Discard(entry)
		return nil, false
	}
	return entry, true
}

// InvokeSource compiles source and invokes it once in a throwaway context
// that is never pooled.
func (p *Protocol) InvokeSource(ctx context.Context, source, payload string) (*Result, error) {
	start := time.Now()
	payload, err := normalizePayload(payload)
	if err != nil {
		return nil, err
	}

	callCtx, cancel := p.callContext(ctx)
	defer cancel()
	wd := newWatchdog(callCtx)
	defer wd.release()

	log := p.logger.WithField("function_id", adhocFunctionID)
	inst, _, err := p.prepare(adhocFunctionID, source, nil, wd)
	if err != nil {
		return nil, classify(err, wd, callCtx)
	}
	defer p.disposeInstance(inst, log)

	if err := checkShape(inst.ctx); err != nil {
		return nil, classify(err, wd, callCtx)
	}
	out, logs, err := p.call(callCtx, inst, core.ProtocolPayload, payload)
	if err != nil {
		return nil, classify(err, wd, callCtx)
	}
	return &Result{JSON: out, Logs: logs, Duration: time.Since(start)}, nil
}

// CompileToSnapshot evaluates source's top-level code and returns a
// snapshot blob for it.
func (p *Protocol) CompileToSnapshot(name, source string) ([]byte, error) {
	inst := p.newInstance(adhocFunctionID)
	return p.snapshots.Create(name, source, inst.setup(nil))
}

// InspectSnapshot decodes a snapshot header and checks it against the
// running engine.
func (p *Protocol) InspectSnapshot(blob []byte) (snapshot.Header, error) {
	h, err := snapshot.Inspect(blob)
	if err != nil {
		return h, core.NewError(core.EngineFatalError, "reading snapshot", err)
	}
	return h, p.snapshots.Compatible(h)
}

// Evict drops the warm context of functionID, if any.
func (p *Protocol) Evict(functionID string) bool {
	return p.pool.Remove(functionID)
}

// Stats returns pool counters.
func (p *Protocol) Stats() pool.Stats {
	return p.pool.Stats()
}

// WarmFunctions lists function ids with a warm context, most recent first.
func (p *Protocol) WarmFunctions() []string {
	return p.pool.Keys()
}

// Close disposes all warm contexts.
func (p *Protocol) Close() {
	p.pool.Close()
}

func (p *Protocol) newInstance(functionID string) *instance {
	inst := &instance{
		loop:    eventloop.New(),
		console: webapi.NewConsoleBridge(p.sink),
	}
	inst.console.SetFunctionID(functionID)
	return inst
}

// setup returns the hook that installs inst's bridges into a fresh
// context. It runs before any module code.
func (inst *instance) setup(wd *watchdog) snapshot.SetupFunc {
	return func(ctx core.Context) error {
		inst.ctx = ctx
		if wd != nil {
			wd.arm(ctx)
		}
		if err := webapi.SetupConsole(ctx, inst.console); err != nil {
			return fmt.Errorf("installing console: %w", err)
		}
		if err := webapi.SetupTimers(ctx, inst.loop); err != nil {
			return fmt.Errorf("installing timers: %w", err)
		}
		return nil
	}
}

// prepare builds a fresh instance from a snapshot or from source. On error
// nothing is left to dispose.
func (p *Protocol) prepare(functionID, source string, blob []byte, wd *watchdog) (*instance, *core.Module, error) {
	inst := p.newInstance(functionID)
	setup := inst.setup(wd)

	if len(blob) > 0 {
		if _, err := p.InspectSnapshot(blob); err != nil {
			return nil, nil, err
		}
		ctx, mod, err := p.snapshots.Restore(blob, setup)
		if err != nil {
			return nil, nil, err
		}
		inst.ctx = ctx
		return inst, mod, nil
	}

	mod, err := esm.Compile(functionID+".js", source)
	if err != nil {
		return nil, nil, err
	}
	if err := esm.Instantiate(mod); err != nil {
		return nil, nil, err
	}

	ctx, err := p.engine.NewContext(p.contextOptions())
	if err != nil {
		return nil, nil, core.NewError(core.EngineFatalError, "creating context", err)
	}
	fail := func(err error) (*instance, *core.Module, error) {
		_ = ctx.Dispose()
		return nil, nil, err
	}
	if err := setup(ctx); err != nil {
		return fail(core.NewError(core.EngineFatalError, "preparing context", err))
	}
	if err := evaluate(ctx, mod); err != nil {
		return fail(core.NewError(core.EvalError, "evaluating module", err))
	}
	return inst, mod, nil
}

func evaluate(ctx core.Context, mod *core.Module) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("engine panic: %v", r)
		}
	}()
	return ctx.Evaluate(mod)
}

func (p *Protocol) disposeInstance(inst *instance, log logrus.FieldLogger) {
	if err := inst.Dispose(); err != nil {
		log.WithError(err).Warn("disposing instance failed")
	}
}

// call runs CALL and RESULT on inst.
func (p *Protocol) call(ctx context.Context, inst *instance, proto core.Protocol, payload string) (out string, logs []core.LogEntry, err error) {
	inst.console.Begin()
	defer func() { logs = inst.console.End() }()
	defer func() {
		if r := recover(); r != nil {
			err = core.Errorf(core.EngineFatalError, "engine panic: %v", r)
		}
	}()

	if err := checkShape(inst.ctx); err != nil {
		return "", nil, err
	}

	argc := 0
	if proto.OrDefault() == core.ProtocolPayload {
		argc = 1
		if err := webapi.SetPayload(inst.ctx, payload); err != nil {
			return "", nil, core.NewError(core.MarshalError, "payload", err)
		}
	}

	if err := webapi.CallDefault(inst.ctx, argc); err != nil {
		return "", nil, core.NewError(core.HandlerError, "", err)
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = noDeadline
	}
	if err := webapi.AwaitValue(ctx, inst.ctx, webapi.ResultGlobal, deadline, inst.loop); err != nil {
		var rej *webapi.RejectionError
		switch {
		case errors.As(err, &rej):
			return "", nil, core.Errorf(core.HandlerError, "%s", rej.Value)
		case errors.Is(err, webapi.ErrAwaitTimeout), ctx.Err() != nil:
			return "", nil, timeoutError(ctx, err)
		default:
			return "", nil, core.NewError(core.EngineFatalError, "awaiting result", err)
		}
	}

	out, err = webapi.SerializeResult(inst.ctx)
	if err != nil {
		var rte *webapi.ResultTypeErr
		if errors.As(err, &rte) {
			return "", nil, core.Errorf(core.ResultTypeError, "%s", rte.Reason)
		}
		return "", nil, core.NewError(core.EngineFatalError, "serializing result", err)
	}
	return out, nil, nil
}

// checkShape verifies the default export is an async function.
func checkShape(ctx core.Context) error {
	shape, err := webapi.DefaultExportShape(ctx)
	if err != nil {
		return core.NewError(core.EngineFatalError, "", err)
	}
	switch shape {
	case webapi.ShapeAsync:
		return nil
	case webapi.ShapeMissing:
		return core.Errorf(core.ExportShapeError, "default export is empty")
	default:
		return core.Errorf(core.ExportShapeError, "default export is not an async function (got %s)", shape)
	}
}

func (p *Protocol) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.cfg.ExecutionTimeout > 0 {
		return context.WithTimeout(ctx, p.cfg.ExecutionTimeout)
	}
	return context.WithCancel(ctx)
}

// classify turns err into a *core.Error. Anything that happened after the
// watchdog fired is a timeout, whatever the engine reported.
func classify(err error, wd *watchdog, ctx context.Context) error {
	if wd.hasFired() {
		return timeoutError(ctx, err)
	}
	var e *core.Error
	if errors.As(err, &e) {
		return e
	}
	return core.NewError(core.EngineFatalError, "", err)
}

func timeoutError(ctx context.Context, cause error) *core.Error {
	if errors.Is(ctx.Err(), context.Canceled) {
		return core.NewError(core.TimeoutError, "invocation cancelled", cause)
	}
	return core.NewError(core.TimeoutError, "execution timed out", cause)
}

// poisons reports whether a context that produced err must not be reused.
func poisons(err error) bool {
	switch core.KindOf(err) {
	case core.TimeoutError, core.EngineFatalError:
		return true
	}
	return false
}

func withFunction(err error, functionID string) error {
	var e *core.Error
	if errors.As(err, &e) && e.FunctionID == "" {
		e.FunctionID = functionID
	}
	return err
}

// MaxPayloadDepth bounds array and object nesting in a payload. The
// engines parse and stringify JSON in native code the watchdog cannot
// interrupt, and their cost grows faster than linearly with depth.
const MaxPayloadDepth = 1000

// normalizePayload defaults an empty payload to {} and rejects malformed
// or overly nested JSON before any engine work happens.
func normalizePayload(payload string) (string, error) {
	if strings.TrimSpace(payload) == "" {
		return "{}", nil
	}
	if d := nestingDepth(payload, MaxPayloadDepth); d > MaxPayloadDepth {
		return "", core.Errorf(core.MarshalError, "payload nesting exceeds %d levels", MaxPayloadDepth)
	}
	if !gjson.Valid(payload) {
		return "", core.Errorf(core.MarshalError, "payload is not valid JSON")
	}
	return payload, nil
}

// nestingDepth returns the deepest array/object nesting in s, ignoring
// brackets inside strings. It stops counting once limit is exceeded.
func nestingDepth(s string, limit int) int {
	depth, deepest := 0, 0
	inString, escaped := false, false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '[', '{':
			depth++
			if depth > deepest {
				deepest = depth
				if deepest > limit {
					return deepest
				}
			}
		case ']', '}':
			depth--
		}
	}
	return deepest
}
