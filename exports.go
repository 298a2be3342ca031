package smolfaas

import (
	"github.com/thejchap/smolfaas/internal/core"
	"github.com/thejchap/smolfaas/internal/invoke"
	"github.com/thejchap/smolfaas/internal/pool"
	"github.com/thejchap/smolfaas/internal/snapshot"
)

// Type aliases re-exporting internal types so callers can use
// smolfaas.Config, smolfaas.Error, etc. without importing internal
// packages.

type Config = core.Config
type Error = core.Error
type ErrorKind = core.ErrorKind
type LogEntry = core.LogEntry
type LogSink = core.LogSink
type LogSinkFunc = core.LogSinkFunc
type Protocol = core.Protocol
type Request = invoke.Request
type Result = invoke.Result
type PoolStats = pool.Stats
type SnapshotHeader = snapshot.Header

// Error kinds re-exported from core.
const (
	CompileError     = core.CompileError
	LinkError        = core.LinkError
	EvalError        = core.EvalError
	ExportShapeError = core.ExportShapeError
	MarshalError     = core.MarshalError
	HandlerError     = core.HandlerError
	ResultTypeError  = core.ResultTypeError
	EngineFatalError = core.EngineFatalError
	TimeoutError     = core.TimeoutError
)

// Protocols re-exported from core.
const (
	ProtocolPayload = core.ProtocolPayload
	ProtocolLegacy  = core.ProtocolLegacy
)

// Functions re-exported from core and snapshot.
var (
	KindOf     = core.KindOf
	IsSnapshot = snapshot.IsSnapshot
)
