package webapi

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/tidwall/gjson"

	"github.com/thejchap/smolfaas/internal/core"
	"github.com/thejchap/smolfaas/internal/eventloop"
)

// Globals used while a call is in flight. They are removed by Cleanup.
const (
	PayloadGlobal = "__fn_payload"
	ArgGlobal     = "__fn_arg_0"
	ResultGlobal  = "__call_result"
)

// ExportShape describes what a module's default export turned out to be.
type ExportShape string

const (
	ShapeMissing ExportShape = "missing"
	ShapeAsync   ExportShape = "async"
)

// ErrAwaitTimeout is returned by AwaitValue when the deadline passes
// before the value settles.
var ErrAwaitTimeout = errors.New("promise resolution timed out")

// RejectionError carries the value a handler's promise rejected with, as
// rendered by the engine.
type RejectionError struct {
	Value string
}

func (e *RejectionError) Error() string { return "promise rejected: " + e.Value }

var shapeJS = fmt.Sprintf(`(function() {
	var ns = globalThis.%s;
	if (ns === undefined || ns === null) return 'missing';
	var d = ns['default'];
	if (d === undefined) return 'missing';
	if (d === null) return 'null';
	if (typeof d !== 'function') return typeof d;
	var AsyncFunction = Object.getPrototypeOf(async function() {}).constructor;
	return (d instanceof AsyncFunction) ? 'async' : 'function';
})()`, core.NamespaceGlobal)

// DefaultExportShape reports the shape of the evaluated module's default
// export: ShapeAsync for an async function, ShapeMissing when there is no
// default export, otherwise the observed JS type.
func DefaultExportShape(rt core.JSRuntime) (ExportShape, error) {
	s, err := rt.EvalString(shapeJS)
	if err != nil {
		return "", fmt.Errorf("inspecting default export: %w", err)
	}
	return ExportShape(s), nil
}

// SetPayload parses payload inside the engine and stores it as the call
// argument.
func SetPayload(rt core.JSRuntime, payload string) error {
	if err := rt.SetGlobal(PayloadGlobal, payload); err != nil {
		return fmt.Errorf("storing payload: %w", err)
	}
	err := rt.Eval(fmt.Sprintf(
		"globalThis.%s = JSON.parse(globalThis.%s); delete globalThis.%s;",
		ArgGlobal, PayloadGlobal, PayloadGlobal))
	if err != nil {
		return fmt.Errorf("parsing payload: %w", err)
	}
	return nil
}

// CallDefault calls the default export with argc arguments (0 or 1) and
// stores the returned value in ResultGlobal. An error means the handler
// threw synchronously.
func CallDefault(rt core.JSRuntime, argc int) error {
	args := ""
	if argc > 0 {
		args = "globalThis." + ArgGlobal
	}
	return rt.Eval(fmt.Sprintf("globalThis.%s = globalThis.%s['default'](%s);",
		ResultGlobal, core.NamespaceGlobal, args))
}

const rejectionValueJS = `(function() {
	var e = globalThis.__awaited_result;
	if (e !== null && typeof e === 'object' && !(e instanceof Error)) {
		try {
			var s = JSON.stringify(e);
			if (s !== undefined) return s;
		} catch (x) {}
	}
	try { return String(e); } catch (x) { return 'unknown rejection'; }
})()`

// AwaitValue resolves a potentially-promise value stored in a global variable
// by pumping the microtask queue and the timer loop. The global variable is
// updated in-place with the resolved value. A rejection is returned as a
// *RejectionError.
func AwaitValue(ctx context.Context, rt core.JSRuntime, globalVar string, deadline time.Time, el *eventloop.EventLoop) error {
	isPromise, err := rt.EvalBool(fmt.Sprintf("globalThis.%s instanceof Promise", globalVar))
	if err != nil {
		return fmt.Errorf("checking result type: %w", err)
	}
	if !isPromise {
		return nil
	}

	setupJS := fmt.Sprintf(`
		delete globalThis.__awaited_result;
		delete globalThis.__awaited_state;
		Promise.resolve(globalThis.%s).then(
			function(r) { globalThis.__awaited_result = r; globalThis.__awaited_state = 'fulfilled'; },
			function(e) { globalThis.__awaited_result = e; globalThis.__awaited_state = 'rejected'; }
		);
	`, globalVar)
	if err := rt.Eval(setupJS); err != nil {
		return fmt.Errorf("setting up promise await: %w", err)
	}

	var state string
	for {
		rt.RunMicrotasks()

		idle := true
		if el != nil && el.HasPending() {
			idle = false
			shortDeadline := time.Now().Add(10 * time.Millisecond)
			if shortDeadline.After(deadline) {
				shortDeadline = deadline
			}
			el.Drain(rt, shortDeadline)
			rt.RunMicrotasks()
		}

		state, err = rt.EvalString("String(globalThis.__awaited_state)")
		if err != nil {
			return fmt.Errorf("checking promise state: %w", err)
		}
		if state != "undefined" {
			break
		}

		if err := ctx.Err(); err != nil {
			return err
		}
		if time.Now().After(deadline) {
			return ErrAwaitTimeout
		}
		runtime.Gosched()
		if idle {
			time.Sleep(time.Millisecond)
		}
	}

	if state == "rejected" {
		msg, _ := rt.EvalString(rejectionValueJS)
		_ = rt.Eval("delete globalThis.__awaited_result; delete globalThis.__awaited_state;")
		return &RejectionError{Value: msg}
	}

	return rt.Eval(fmt.Sprintf(
		"globalThis.%s = globalThis.__awaited_result; delete globalThis.__awaited_result; delete globalThis.__awaited_state;",
		globalVar))
}

var serializeJS = fmt.Sprintf(`(function() {
	var r = globalThis.%[1]s;
	delete globalThis.%[1]s;
	if (r === undefined) return JSON.stringify({ ok: true, json: 'null' });
	var t = typeof r;
	if (t === 'function' || t === 'symbol' || t === 'bigint') {
		return JSON.stringify({ ok: false, reason: 'value of type ' + t + ' is not JSON-serializable' });
	}
	var s;
	try {
		s = JSON.stringify(r);
	} catch (e) {
		return JSON.stringify({ ok: false, reason: String(e) });
	}
	if (s === undefined) return JSON.stringify({ ok: false, reason: 'value is not JSON-serializable' });
	return JSON.stringify({ ok: true, json: s });
})()`, ResultGlobal)

// ResultTypeErr reports a resolved value that has no JSON form.
type ResultTypeErr struct {
	Reason string
}

func (e *ResultTypeErr) Error() string { return e.Reason }

// SerializeResult converts the value in ResultGlobal to a JSON string.
// undefined becomes "null". Values without a JSON form yield a
// *ResultTypeErr.
func SerializeResult(rt core.JSRuntime) (string, error) {
	envelope, err := rt.EvalString(serializeJS)
	if err != nil {
		return "", fmt.Errorf("serializing result: %w", err)
	}
	res := gjson.Parse(envelope)
	if !res.Get("ok").Bool() {
		return "", &ResultTypeErr{Reason: res.Get("reason").String()}
	}
	return res.Get("json").String(), nil
}

// cleanupJS removes per-call state from globalThis before a context goes
// back to the pool.
const cleanupJS = `
(function() {
	var perCall = ['__call_result', '__fn_payload', '__awaited_result', '__awaited_state'];
	for (var i = 0; i < perCall.length; i++) {
		try { delete globalThis[perCall[i]]; } catch (e) {}
	}
	if (globalThis.__timerCallbacks) {
		globalThis.__timerCallbacks = {};
	}
	var names = Object.getOwnPropertyNames(globalThis);
	for (var i = 0; i < names.length; i++) {
		var n = names[i];
		if (n.indexOf('__tmp_') === 0 || n.indexOf('__fn_arg_') === 0) {
			try { delete globalThis[n]; } catch (e) {}
		}
	}
})();
`

// Cleanup resets per-call state in rt and el.
func Cleanup(rt core.JSRuntime, el *eventloop.EventLoop) error {
	if el != nil {
		el.Reset()
	}
	return rt.Eval(cleanupJS)
}
