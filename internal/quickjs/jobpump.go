//go:build !v8

package quickjs

import (
	"reflect"
	"unsafe"

	"modernc.org/libc"
	lib "modernc.org/libquickjs"
	"modernc.org/quickjs"
)

// jobPump runs pending QuickJS jobs (Promise reactions). The
// modernc.org/quickjs wrapper never calls JS_ExecutePendingJob, so the
// runtime handle is pulled out of the VM once and the C entry point is
// called directly.
type jobPump struct {
	cRuntime uintptr
	tls      *libc.TLS
	ok       bool
}

func newJobPump(vm *quickjs.VM) jobPump {
	rt, tls, ok := extractRuntime(vm)
	return jobPump{cRuntime: rt, tls: tls, ok: ok}
}

// run executes jobs until the queue is empty or a job fails, and returns
// the number executed. A failing job (including one cut short by an
// interrupt) stops the pump.
func (p jobPump) run() int {
	if !p.ok {
		return 0
	}
	count := 0
	for lib.XJS_ExecutePendingJob(p.tls, p.cRuntime, 0) > 0 {
		count++
	}
	return count
}

// extractRuntime pulls the unexported cRuntime and tls values out of a
// *quickjs.VM.
//
// VM struct layout (modernc.org/quickjs@v0.17.1):
//
//	type VM struct {
//	    cContext uintptr
//	    ...
//	    runtime  *runtime
//	}
//
//	type runtime struct {
//	    cRuntime uintptr
//	    tls      *libc.TLS
//	}
func extractRuntime(vm *quickjs.VM) (cRuntime uintptr, tls *libc.TLS, ok bool) {
	vmVal := reflect.ValueOf(vm).Elem()

	rtField := vmVal.FieldByName("runtime")
	if !rtField.IsValid() || rtField.IsNil() {
		return 0, nil, false
	}

	rtPtr := unsafe.Pointer(rtField.Pointer())
	rtVal := reflect.NewAt(rtField.Type().Elem(), rtPtr).Elem()

	cRuntimeField := rtVal.FieldByName("cRuntime")
	if !cRuntimeField.IsValid() {
		return 0, nil, false
	}
	cRuntime = uintptr(cRuntimeField.Uint())

	tlsField := rtVal.FieldByName("tls")
	if !tlsField.IsValid() || tlsField.IsNil() {
		return 0, nil, false
	}
	tls = (*libc.TLS)(unsafe.Pointer(tlsField.Pointer()))

	return cRuntime, tls, true
}
