package eventloop

import (
	"fmt"
	"sync"
	"time"

	"github.com/thejchap/smolfaas/internal/core"
)

// minInterval is the shortest period a setInterval timer may use.
const minInterval = 10 * time.Millisecond

// timerEntry represents a pending setTimeout or setInterval callback.
// The actual callback is stored in globalThis.__timerCallbacks[id] on the
// JS side. Go only tracks scheduling metadata.
type timerEntry struct {
	deadline time.Time
	interval time.Duration // 0 for setTimeout, >0 for setInterval
	id       int
	cleared  bool
}

// EventLoop manages Go-backed timers for setTimeout/setInterval. A loop
// belongs to one context and is only driven while a call into that context
// is waiting for its result.
type EventLoop struct {
	mu     sync.Mutex
	timers map[int]*timerEntry
	nextID int
}

// New creates a new EventLoop.
func New() *EventLoop {
	return &EventLoop{
		timers: make(map[int]*timerEntry),
	}
}

// RegisterTimer creates a timer entry and returns its ID.
func (el *EventLoop) RegisterTimer(delay time.Duration, isInterval bool) int {
	el.mu.Lock()
	defer el.mu.Unlock()
	if delay < 0 {
		delay = 0
	}
	el.nextID++
	id := el.nextID
	entry := &timerEntry{
		deadline: time.Now().Add(delay),
		id:       id,
	}
	if isInterval {
		if delay < minInterval {
			delay = minInterval
		}
		entry.interval = delay
	}
	el.timers[id] = entry
	return id
}

// ClearTimer cancels a timer by ID.
func (el *EventLoop) ClearTimer(id int) {
	el.mu.Lock()
	defer el.mu.Unlock()
	if t, ok := el.timers[id]; ok {
		t.cleared = true
		delete(el.timers, id)
	}
}

// fireTimer fires a timer callback by invoking the JS-side callback map.
func (el *EventLoop) fireTimer(rt core.JSRuntime, id int) {
	js := fmt.Sprintf(`(function() {
		var entry = globalThis.__timerCallbacks[%d];
		if (!entry) return;
		if (!entry.interval) delete globalThis.__timerCallbacks[%d];
		entry.fn.apply(null, entry.args || []);
	})()`, id, id)
	_ = rt.Eval(js)
}

// next returns the earliest live timer, or nil.
func (el *EventLoop) next() *timerEntry {
	el.mu.Lock()
	defer el.mu.Unlock()
	var next *timerEntry
	for _, t := range el.timers {
		if t.cleared {
			continue
		}
		if next == nil || t.deadline.Before(next.deadline) {
			next = t
		}
	}
	return next
}

// Drain fires due timers until none remain or the deadline is reached.
// Must be called on the goroutine that owns rt.
func (el *EventLoop) Drain(rt core.JSRuntime, deadline time.Time) {
	for {
		next := el.next()
		if next == nil {
			return
		}

		now := time.Now()
		if next.deadline.After(now) {
			if next.deadline.After(deadline) {
				if wait := time.Until(deadline); wait > 0 {
					time.Sleep(wait)
				}
				return
			}
			time.Sleep(next.deadline.Sub(now))
		}

		if time.Now().After(deadline) {
			return
		}

		el.mu.Lock()
		if next.cleared {
			el.mu.Unlock()
			continue
		}
		timerID := next.id
		if next.interval > 0 {
			next.deadline = time.Now().Add(next.interval)
		} else {
			delete(el.timers, next.id)
		}
		el.mu.Unlock()

		el.fireTimer(rt, timerID)
		rt.RunMicrotasks()
	}
}

// HasPending returns true if there are any active timers.
func (el *EventLoop) HasPending() bool {
	el.mu.Lock()
	defer el.mu.Unlock()
	return len(el.timers) > 0
}

// Reset clears all timers. Called when a context goes back to the pool.
func (el *EventLoop) Reset() {
	el.mu.Lock()
	defer el.mu.Unlock()
	el.timers = make(map[int]*timerEntry)
	el.nextID = 0
}
