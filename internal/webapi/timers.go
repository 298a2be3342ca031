package webapi

import (
	"time"

	"github.com/thejchap/smolfaas/internal/core"
	"github.com/thejchap/smolfaas/internal/eventloop"
)

// timersJS defines setTimeout/setInterval/clearTimeout/clearInterval and
// queueMicrotask. Callbacks live in globalThis.__timerCallbacks; Go only
// schedules them.
const timersJS = `
(function() {
	globalThis.__timerCallbacks = {};
	function schedule(fn, delay, rest, interval) {
		if (typeof fn !== 'function') return 0;
		var args = Array.prototype.slice.call(rest, 2);
		var id = __timerRegister(Math.max(0, Math.floor(Number(delay) || 0)), interval);
		globalThis.__timerCallbacks[id] = { fn: fn, args: args, interval: interval };
		return id;
	}
	globalThis.setTimeout = function(fn, delay) {
		return schedule(fn, delay, arguments, false);
	};
	globalThis.setInterval = function(fn, interval) {
		return schedule(fn, interval, arguments, true);
	};
	globalThis.clearTimeout = globalThis.clearInterval = function(id) {
		if (typeof id !== 'number') return;
		__timerClear(id);
		delete globalThis.__timerCallbacks[id];
	};
	if (typeof globalThis.queueMicrotask !== 'function') {
		globalThis.queueMicrotask = function(fn) {
			Promise.resolve().then(fn);
		};
	}
})();
`

// SetupTimers registers Go-backed timers driven by el.
func SetupTimers(rt core.JSRuntime, el *eventloop.EventLoop) error {
	if err := rt.RegisterFunc("__timerRegister", func(delayMs int, isInterval bool) int {
		return el.RegisterTimer(time.Duration(delayMs)*time.Millisecond, isInterval)
	}); err != nil {
		return err
	}

	if err := rt.RegisterFunc("__timerClear", func(id int) {
		el.ClearTimer(id)
	}); err != nil {
		return err
	}

	return rt.Eval(timersJS)
}
