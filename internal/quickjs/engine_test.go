//go:build !v8

package quickjs

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thejchap/smolfaas/internal/core"
	"github.com/thejchap/smolfaas/internal/esm"
	"github.com/thejchap/smolfaas/internal/eventloop"
	"github.com/thejchap/smolfaas/internal/webapi"
)

func newTestContext(t *testing.T, e *Engine) core.Context {
	t.Helper()
	c, err := e.NewContext(core.ContextOptions{MemoryLimitMB: 64})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Dispose() })
	return c
}

func TestInit(t *testing.T) {
	t.Parallel()

	e := NewEngine()
	require.NoError(t, e.Init())
	assert.Equal(t, "quickjs", e.Name())
	assert.Contains(t, e.BuildID(), "quickjs@")
}

func TestEvalHelpers(t *testing.T) {
	t.Parallel()

	c := newTestContext(t, NewEngine())

	require.NoError(t, c.Eval("globalThis.x = 40 + 2;"))
	n, err := c.EvalInt("x")
	require.NoError(t, err)
	assert.Equal(t, 42, n)

	s, err := c.EvalString("'a' + 'b'")
	require.NoError(t, err)
	assert.Equal(t, "ab", s)

	b, err := c.EvalBool("x === 42")
	require.NoError(t, err)
	assert.True(t, b)

	require.NoError(t, c.SetGlobal("greeting", "hi"))
	s, err = c.EvalString("greeting")
	require.NoError(t, err)
	assert.Equal(t, "hi", s)

	require.Error(t, c.Eval("throw new Error('boom')"))
}

func TestRegisterFunc(t *testing.T) {
	t.Parallel()

	c := newTestContext(t, NewEngine())

	require.NoError(t, c.RegisterFunc("double", func(n int) int { return n * 2 }))
	n, err := c.EvalInt("double(21)")
	require.NoError(t, err)
	assert.Equal(t, 42, n)
}

func TestMicrotasksRun(t *testing.T) {
	t.Parallel()

	c := newTestContext(t, NewEngine())

	require.NoError(t, c.Eval("globalThis.done = false; Promise.resolve().then(() => { globalThis.done = true; });"))
	c.RunMicrotasks()
	done, err := c.EvalBool("done")
	require.NoError(t, err)
	assert.True(t, done)
}

func TestContextsAreIsolated(t *testing.T) {
	t.Parallel()

	e := NewEngine()
	a := newTestContext(t, e)
	b := newTestContext(t, e)

	require.NoError(t, a.Eval("globalThis.secret = 1;"))
	defined, err := b.EvalBool("typeof globalThis.secret !== 'undefined'")
	require.NoError(t, err)
	assert.False(t, defined)
}

func TestEvaluateModuleAndCall(t *testing.T) {
	t.Parallel()

	c := newTestContext(t, NewEngine())
	m, err := esm.Compile("echo.js", `export default async (p) => ({ got: p, n: 1 });`)
	require.NoError(t, err)
	require.NoError(t, c.Evaluate(m))

	shape, err := webapi.DefaultExportShape(c)
	require.NoError(t, err)
	assert.Equal(t, webapi.ShapeAsync, shape)

	el := eventloop.New()
	require.NoError(t, webapi.SetupTimers(c, el))
	require.NoError(t, webapi.SetPayload(c, `{"a":[1,2]}`))
	require.NoError(t, webapi.CallDefault(c, 1))
	require.NoError(t, webapi.AwaitValue(context.Background(), c, webapi.ResultGlobal, time.Now().Add(time.Second), el))

	out, err := webapi.SerializeResult(c)
	require.NoError(t, err)
	assert.JSONEq(t, `{"got":{"a":[1,2]},"n":1}`, out)
}

func TestTimersDriveAwait(t *testing.T) {
	t.Parallel()

	c := newTestContext(t, NewEngine())
	el := eventloop.New()
	require.NoError(t, webapi.SetupTimers(c, el))

	require.NoError(t, c.Eval(`globalThis.__call_result = new Promise((resolve) => setTimeout(() => resolve("late"), 20));`))
	require.NoError(t, webapi.AwaitValue(context.Background(), c, webapi.ResultGlobal, time.Now().Add(time.Second), el))

	out, err := webapi.SerializeResult(c)
	require.NoError(t, err)
	assert.Equal(t, `"late"`, out)
}

func TestRejectionAndResultTypes(t *testing.T) {
	t.Parallel()

	c := newTestContext(t, NewEngine())

	require.NoError(t, c.Eval(`globalThis.__call_result = Promise.reject(new Error("nope"));`))
	err := webapi.AwaitValue(context.Background(), c, webapi.ResultGlobal, time.Now().Add(time.Second), nil)
	var rej *webapi.RejectionError
	require.ErrorAs(t, err, &rej)
	assert.Contains(t, rej.Value, "nope")

	require.NoError(t, c.Eval(`globalThis.__call_result = function() {};`))
	_, err = webapi.SerializeResult(c)
	var rte *webapi.ResultTypeErr
	require.ErrorAs(t, err, &rte)
	assert.Contains(t, rte.Reason, "function")

	require.NoError(t, c.Eval(`globalThis.__call_result = undefined;`))
	out, err := webapi.SerializeResult(c)
	require.NoError(t, err)
	assert.Equal(t, "null", out)
}

func TestAwaitTimesOut(t *testing.T) {
	t.Parallel()

	c := newTestContext(t, NewEngine())
	require.NoError(t, c.Eval(`globalThis.__call_result = new Promise(() => {});`))

	err := webapi.AwaitValue(context.Background(), c, webapi.ResultGlobal, time.Now().Add(30*time.Millisecond), nil)
	require.ErrorIs(t, err, webapi.ErrAwaitTimeout)
}

func TestConsoleBridge(t *testing.T) {
	t.Parallel()

	var forwarded []core.LogEntry
	bridge := webapi.NewConsoleBridge(core.LogSinkFunc(func(e core.LogEntry) {
		forwarded = append(forwarded, e)
	}))
	bridge.SetFunctionID("fn-test")

	c := newTestContext(t, NewEngine())
	require.NoError(t, webapi.SetupConsole(c, bridge))

	bridge.Begin()
	require.NoError(t, c.Eval(`console.log("hello", {a: 1}); console.error(new Error("bad"));`))
	logs := bridge.End()

	require.Len(t, logs, 2)
	assert.Equal(t, "log", logs[0].Level)
	assert.Equal(t, `hello {"a":1}`, logs[0].Message)
	assert.Equal(t, "fn-test", logs[0].FunctionID)
	assert.Equal(t, "error", logs[1].Level)
	assert.Contains(t, logs[1].Message, "bad")
	assert.Len(t, forwarded, 2)

	// Output outside Begin/End is forwarded but not captured.
	require.NoError(t, c.Eval(`console.info("later")`))
	assert.Empty(t, bridge.End())
	assert.Len(t, forwarded, 3)
}

func TestInterruptStopsRunawayScript(t *testing.T) {
	t.Parallel()

	c := newTestContext(t, NewEngine())
	timer := time.AfterFunc(50*time.Millisecond, c.Interrupt)
	defer timer.Stop()

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = assert.AnError
			}
		}()
		return c.Eval("for (;;) {}")
	}()
	require.Error(t, err)
}

func TestDisposeIsIdempotentAndTracked(t *testing.T) {
	t.Parallel()

	e := NewEngine()
	c, err := e.NewContext(core.ContextOptions{})
	require.NoError(t, err)
	assert.EqualValues(t, 1, e.Live())
	require.Error(t, e.Shutdown())

	require.NoError(t, c.Dispose())
	require.NoError(t, c.Dispose())
	c.Interrupt()
	assert.EqualValues(t, 0, e.Live())
	require.NoError(t, e.Shutdown())
}
