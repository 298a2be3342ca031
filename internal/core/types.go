package core

import "time"

const (
	MaxLogEntries     = 1000
	MaxLogMessageSize = 4096
)

// LogEntry is a single console.log/warn/error captured from a function.
type LogEntry struct {
	FunctionID string    `json:"function_id,omitempty"`
	Level      string    `json:"level"`
	Message    string    `json:"message"`
	Time       time.Time `json:"time"`
}

// LogSink receives console output from scripts. Implementations must not
// block: they are called on the engine goroutine.
type LogSink interface {
	Log(entry LogEntry)
}

// LogSinkFunc adapts a function to LogSink.
type LogSinkFunc func(LogEntry)

func (f LogSinkFunc) Log(entry LogEntry) { f(entry) }
