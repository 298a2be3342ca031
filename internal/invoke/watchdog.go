package invoke

import (
	"context"
	"sync"

	"github.com/thejchap/smolfaas/internal/core"
)

// watchdog interrupts the context currently armed when the call context
// ends, whether by deadline or by cancellation.
type watchdog struct {
	mu     sync.Mutex
	target core.Context
	fired  bool
	stop   func() bool
}

func newWatchdog(ctx context.Context) *watchdog {
	w := &watchdog{}
	w.stop = context.AfterFunc(ctx, w.fire)
	return w
}

func (w *watchdog) fire() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.fired = true
	if w.target != nil {
		w.target.Interrupt()
	}
}

// arm points the watchdog at c. If the watchdog already fired, c is
// interrupted right away.
func (w *watchdog) arm(c core.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.target = c
	if w.fired {
		c.Interrupt()
	}
}

func (w *watchdog) hasFired() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.fired
}

// release stops the watchdog and forgets the target.
func (w *watchdog) release() {
	w.stop()
	w.mu.Lock()
	w.target = nil
	w.mu.Unlock()
}
