package webapi

import (
	"sync"
	"time"

	"github.com/thejchap/smolfaas/internal/core"
)

// ConsoleBridge forwards console output of one context to the host. It
// captures the entries of the invocation in progress and passes every
// entry on to a LogSink.
type ConsoleBridge struct {
	sink core.LogSink

	mu         sync.Mutex
	functionID string
	capturing  bool
	logs       []core.LogEntry
}

// NewConsoleBridge creates a bridge forwarding to sink. A nil sink is
// allowed; entries are then only captured.
func NewConsoleBridge(sink core.LogSink) *ConsoleBridge {
	return &ConsoleBridge{sink: sink}
}

// SetFunctionID tags subsequent entries with the owning function.
func (b *ConsoleBridge) SetFunctionID(id string) {
	b.mu.Lock()
	b.functionID = id
	b.mu.Unlock()
}

// Begin starts capturing entries for a new invocation.
func (b *ConsoleBridge) Begin() {
	b.mu.Lock()
	b.capturing = true
	b.logs = nil
	b.mu.Unlock()
}

// End stops capturing and returns the entries captured since Begin.
func (b *ConsoleBridge) End() []core.LogEntry {
	b.mu.Lock()
	defer b.mu.Unlock()
	logs := b.logs
	b.capturing = false
	b.logs = nil
	return logs
}

func (b *ConsoleBridge) forward(level, message string) {
	// Console output must never take the call down with it.
	defer func() { _ = recover() }()

	if len(message) > core.MaxLogMessageSize {
		message = message[:core.MaxLogMessageSize] + "...(truncated)"
	}

	b.mu.Lock()
	entry := core.LogEntry{
		FunctionID: b.functionID,
		Level:      level,
		Message:    message,
		Time:       time.Now(),
	}
	if b.capturing && len(b.logs) < core.MaxLogEntries {
		b.logs = append(b.logs, entry)
	}
	b.mu.Unlock()

	if b.sink != nil {
		b.sink.Log(entry)
	}
}

// consoleJS builds globalThis.console on top of the Go forwarder.
const consoleJS = `
(function() {
	var forward = globalThis.__console;
	delete globalThis.__console;
	function render(arg) {
		if (typeof arg === 'string') return arg;
		if (typeof arg === 'object' && arg !== null && !(arg instanceof Error)) {
			try {
				var s = JSON.stringify(arg);
				if (s !== undefined) return s;
			} catch (e) {}
		}
		try { return String(arg); } catch (e) { return '[unprintable]'; }
	}
	var levels = ['log', 'info', 'warn', 'error', 'debug'];
	var con = {};
	for (var i = 0; i < levels.length; i++) {
		(function(lvl) {
			con[lvl] = function() {
				var parts = [];
				for (var j = 0; j < arguments.length; j++) parts.push(render(arguments[j]));
				try { forward(lvl, parts.join(' ')); } catch (e) {}
			};
		})(levels[i]);
	}
	globalThis.console = con;
})();
`

// SetupConsole installs console.log/info/warn/error/debug on rt, forwarding
// to b. It must be called once per fresh context.
func SetupConsole(rt core.JSRuntime, b *ConsoleBridge) error {
	if err := rt.RegisterFunc("__console", func(level, message string) {
		b.forward(level, message)
	}); err != nil {
		return err
	}
	return rt.Eval(consoleJS)
}
