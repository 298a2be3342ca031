package core

// Engine creates isolated execution contexts. One Engine exists per
// process; the root package selects the implementation by build tag.
type Engine interface {
	// Name identifies the engine family ("quickjs", "v8").
	Name() string

	// BuildID identifies the exact engine build. Snapshots are only valid
	// for the build that produced them.
	BuildID() string

	// Init prepares process-wide engine state. Called once.
	Init() error

	// Shutdown releases process-wide engine state. It fails while
	// contexts created by the engine are still alive.
	Shutdown() error

	// NewContext creates a fresh context with an empty global scope.
	NewContext(opts ContextOptions) (Context, error)
}

// ContextOptions configures a new execution context.
type ContextOptions struct {
	MemoryLimitMB int
}

// Context is a single isolated VM. It is not safe for concurrent use,
// except for Interrupt which may be called from any goroutine.
type Context interface {
	JSRuntime

	// Evaluate runs the top-level code of a compiled module, leaving its
	// namespace at NamespaceGlobal.
	Evaluate(m *Module) error

	// Interrupt aborts the script currently running in the context.
	Interrupt()

	// Dispose releases every engine resource held by the context.
	// Calling it more than once is a no-op.
	Dispose() error
}

// CodeCacher is implemented by engines that can serialize compiled
// bytecode for a module, so a later Evaluate can skip parsing.
type CodeCacher interface {
	CodeCache(m *Module) ([]byte, error)
}

// NamespaceGlobal is the global under which an evaluated module exposes
// its export namespace.
const NamespaceGlobal = "__fn_module__"

// Module is the compiled form of a function's ES module source.
type Module struct {
	// Name is used as the script name in engine stack traces.
	Name string
	// Hash is the hex SHA-256 of the original source.
	Hash string
	// Script is the evaluable script produced from the module source.
	Script string
	// Imports lists the import specifiers found in the source.
	Imports []string
	// CodeCache holds engine bytecode for Script, when available.
	CodeCache []byte
}

// Protocol selects how a function's default export is called.
type Protocol string

const (
	// ProtocolPayload passes the parsed JSON payload as the only argument.
	ProtocolPayload Protocol = "payload"
	// ProtocolLegacy calls the handler with no arguments.
	ProtocolLegacy Protocol = "legacy"
)

// Valid reports whether p is a known protocol. The empty value is treated
// as ProtocolPayload.
func (p Protocol) Valid() bool {
	switch p {
	case "", ProtocolPayload, ProtocolLegacy:
		return true
	}
	return false
}

// OrDefault returns p, or ProtocolPayload when p is empty.
func (p Protocol) OrDefault() Protocol {
	if p == "" {
		return ProtocolPayload
	}
	return p
}
