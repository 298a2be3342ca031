//go:build v8

package v8engine

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strconv"

	v8 "github.com/tommie/v8go"

	"github.com/thejchap/smolfaas/internal/core"
)

// v8Runtime implements core.JSRuntime for the V8 engine.
type v8Runtime struct {
	iso *v8.Isolate
	ctx *v8.Context
}

var _ core.JSRuntime = (*v8Runtime)(nil)

func (r *v8Runtime) run(js, origin string) (*v8.Value, error) {
	return r.ctx.RunScript(js, origin)
}

// Eval evaluates JavaScript and discards the result.
func (r *v8Runtime) Eval(js string) error {
	_, err := r.run(js, "eval.js")
	return err
}

// EvalString evaluates JavaScript and returns the result as a Go string.
func (r *v8Runtime) EvalString(js string) (string, error) {
	val, err := r.run(js, "eval_string.js")
	if err != nil || val == nil {
		return "", err
	}
	return val.String(), nil
}

// EvalBool evaluates JavaScript and returns the result as a Go bool.
func (r *v8Runtime) EvalBool(js string) (bool, error) {
	val, err := r.run(js, "eval_bool.js")
	if err != nil || val == nil {
		return false, err
	}
	return val.Boolean(), nil
}

// EvalInt evaluates JavaScript and returns the result as a Go int.
func (r *v8Runtime) EvalInt(js string) (int, error) {
	val, err := r.run(js, "eval_int.js")
	if err != nil || val == nil {
		return 0, err
	}
	return int(val.Integer()), nil
}

// RegisterFunc registers a Go function as a global JavaScript function.
//
// Supported Go function signatures:
//   - func(args...)
//   - func(args...) T
//   - func(args...) (T, error), which throws a TypeError on error
//
// Arguments and results may be string, bool or any integer or float kind.
// A panic in fn is thrown into JS rather than crossing the cgo boundary.
func (r *v8Runtime) RegisterFunc(name string, fn any) error {
	fnVal := reflect.ValueOf(fn)
	fnType := fnVal.Type()
	if fnType.Kind() != reflect.Func {
		return fmt.Errorf("RegisterFunc: expected function, got %T", fn)
	}

	tmpl := v8.NewFunctionTemplate(r.iso, func(info *v8.FunctionCallbackInfo) (ret *v8.Value) {
		defer func() {
			if p := recover(); p != nil {
				r.throw(fmt.Sprintf("calling %s: %v", name, p))
				ret = nil
			}
		}()

		args := info.Args()
		if len(args) < fnType.NumIn() {
			r.throw(fmt.Sprintf("%s requires at least %d argument(s), got %d", name, fnType.NumIn(), len(args)))
			return nil
		}

		goArgs := make([]reflect.Value, fnType.NumIn())
		for i := range goArgs {
			goArgs[i] = jsToGoArg(args[i], fnType.In(i))
		}
		results := fnVal.Call(goArgs)

		switch fnType.NumOut() {
		case 1:
			return goToJSValue(r.iso, results[0])
		case 2:
			if errVal := results[1]; !errVal.IsNil() {
				r.throw(fmt.Sprintf("calling %s: %s", name, errVal.Interface().(error).Error()))
				return nil
			}
			return goToJSValue(r.iso, results[0])
		default:
			return nil
		}
	})

	return r.ctx.Global().Set(name, tmpl.GetFunction(r.ctx))
}

func (r *v8Runtime) throw(msg string) {
	jsMsg, _ := v8.NewValue(r.iso, msg)
	r.iso.ThrowException(jsMsg)
}

// SetGlobal sets a global variable on the JS context.
func (r *v8Runtime) SetGlobal(name string, value any) error {
	jsVal, err := goAnyToJSValue(r.iso, r.ctx, value)
	if err != nil {
		return fmt.Errorf("converting value for %q: %w", name, err)
	}
	return r.ctx.Global().Set(name, jsVal)
}

// RunMicrotasks pumps the V8 microtask queue.
func (r *v8Runtime) RunMicrotasks() {
	r.ctx.PerformMicrotaskCheckpoint()
}

// jsToGoArg converts a V8 value to a Go reflect.Value of the expected type.
func jsToGoArg(val *v8.Value, targetType reflect.Type) reflect.Value {
	switch targetType.Kind() {
	case reflect.String:
		return reflect.ValueOf(val.String()).Convert(targetType)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return reflect.ValueOf(val.Integer()).Convert(targetType)
	case reflect.Float32, reflect.Float64:
		return reflect.ValueOf(val.Number()).Convert(targetType)
	case reflect.Bool:
		return reflect.ValueOf(val.Boolean()).Convert(targetType)
	default:
		return reflect.Zero(targetType)
	}
}

// goToJSValue converts a Go reflect.Value to a V8 value.
func goToJSValue(iso *v8.Isolate, val reflect.Value) *v8.Value {
	if !val.IsValid() {
		return nil
	}
	var v *v8.Value
	switch val.Kind() {
	case reflect.String:
		v, _ = v8.NewValue(iso, val.String())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		v, _ = newNumber(iso, val.Int())
	case reflect.Float32, reflect.Float64:
		v, _ = v8.NewValue(iso, val.Float())
	case reflect.Bool:
		v, _ = v8.NewValue(iso, val.Bool())
	}
	return v
}

// newNumber keeps small integers as V8 integers and falls back to a double
// outside the int32 range.
func newNumber(iso *v8.Isolate, n int64) (*v8.Value, error) {
	if n >= math.MinInt32 && n <= math.MaxInt32 {
		return v8.NewValue(iso, int32(n))
	}
	return v8.NewValue(iso, float64(n))
}

// goAnyToJSValue converts a Go any value to a V8 value.
func goAnyToJSValue(iso *v8.Isolate, ctx *v8.Context, value any) (*v8.Value, error) {
	switch v := value.(type) {
	case nil:
		return v8.Undefined(iso), nil
	case string:
		return v8.NewValue(iso, v)
	case int:
		return newNumber(iso, int64(v))
	case int32:
		return v8.NewValue(iso, v)
	case int64:
		return newNumber(iso, v)
	case float64:
		return v8.NewValue(iso, v)
	case bool:
		return v8.NewValue(iso, v)
	case *v8.Value:
		return v, nil
	case *v8.Object:
		return v.Value, nil
	default:
		data, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("marshaling value: %w", err)
		}
		return ctx.RunScript("JSON.parse("+strconv.Quote(string(data))+")", "set_global.js")
	}
}
