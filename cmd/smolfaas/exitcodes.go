package main

import (
	"errors"

	"github.com/thejchap/smolfaas"
)

// exitCode is the process exit status for an error that reaches the top.
type exitCode uint8

const (
	exitGeneric       exitCode = 1
	exitInvalidArgs   exitCode = 2
	exitScript        exitCode = 10 // compile, link or export shape
	exitEval          exitCode = 11
	exitHandler       exitCode = 12
	exitResultType    exitCode = 13
	exitPayload       exitCode = 14
	exitTimeout       exitCode = 15
	exitEngine        exitCode = 16
	exitRemote        exitCode = 20
	exitInvalidConfig exitCode = 104
)

// hasExitCode is an error carrying its exit status.
type hasExitCode interface {
	error
	ExitCode() exitCode
}

type withCode struct {
	error
	code exitCode
}

func (w withCode) Unwrap() error      { return w.error }
func (w withCode) ExitCode() exitCode { return w.code }

// withExitCode attaches code to err unless it already has one.
func withExitCode(err error, code exitCode) error {
	if err == nil {
		return nil
	}
	var ec hasExitCode
	if errors.As(err, &ec) {
		return err
	}
	return withCode{err, code}
}

func exitCodeOf(err error) exitCode {
	var ec hasExitCode
	if errors.As(err, &ec) {
		return ec.ExitCode()
	}
	if kind := smolfaas.KindOf(err); kind != "" {
		return exitCodeForKind(kind)
	}
	return exitGeneric
}

func exitCodeForKind(kind smolfaas.ErrorKind) exitCode {
	switch kind {
	case smolfaas.CompileError, smolfaas.LinkError, smolfaas.ExportShapeError:
		return exitScript
	case smolfaas.EvalError:
		return exitEval
	case smolfaas.HandlerError:
		return exitHandler
	case smolfaas.ResultTypeError:
		return exitResultType
	case smolfaas.MarshalError:
		return exitPayload
	case smolfaas.TimeoutError:
		return exitTimeout
	case smolfaas.EngineFatalError:
		return exitEngine
	}
	return exitGeneric
}
