// Package pool keeps prepared execution contexts warm, keyed by function
// id, and evicts the least recently used one when full.
//
// Entries handed out by Checkout or Put are owned by the caller until they
// are given back with Checkin or Discard. An entry evicted while checked
// out leaves the bookkeeping at once and is disposed when its owner gives
// it back, so a context is never disposed under a running call.
package pool

import (
	"container/list"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/thejchap/smolfaas/internal/core"
)

// ErrClosed is returned by Put after Close.
var ErrClosed = errors.New("pool is closed")

// Instance is a prepared execution context held by the pool.
type Instance interface {
	Dispose() error
}

// Entry is a warm context for one function.
type Entry struct {
	FunctionID   string
	DeploymentID string
	Protocol     core.Protocol
	Module       *core.Module
	Instance     Instance
	CreatedAt    time.Time

	uses    atomic.Int64
	busy    bool
	evicted bool
	elem    *list.Element
	once    sync.Once
}

// Uses returns how many times the entry was handed out, counting the Put
// that created it.
func (e *Entry) Uses() int64 { return e.uses.Load() }

// Stats is a point-in-time view of pool counters.
type Stats struct {
	Capacity        int   `json:"capacity"`
	Size            int   `json:"size"`
	Hits            int64 `json:"hits"`
	Misses          int64 `json:"misses"`
	Evictions       int64 `json:"evictions"`
	DisposeFailures int64 `json:"dispose_failures"`
}

// Pool is an LRU of warm entries. All operations other than Keys and
// Close are O(1).
type Pool struct {
	capacity int
	logger   logrus.FieldLogger

	mu     sync.Mutex
	ll     *list.List // front is most recently used
	items  map[string]*list.Element
	closed bool

	hits, misses, evictions, disposeFailures atomic.Int64
}

// New returns an empty pool holding at most capacity entries.
func New(capacity int, logger logrus.FieldLogger) (*Pool, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("pool capacity must be positive, got %d", capacity)
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Pool{
		capacity: capacity,
		logger:   logger.WithField("component", "pool"),
		ll:       list.New(),
		items:    make(map[string]*list.Element, capacity),
	}, nil
}

// Get looks up the entry for functionID and marks it most recently used.
// The entry is not checked out.
func (p *Pool) Get(functionID string) (*Entry, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	el, ok := p.items[functionID]
	if !ok {
		return nil, false
	}
	p.ll.MoveToFront(el)
	return el.Value.(*Entry), true
}

// Checkout looks up the entry for functionID, marks it most recently used
// and hands it to the caller. An entry that is already checked out counts
// as a miss.
func (p *Pool) Checkout(functionID string) (*Entry, bool) {
	p.mu.Lock()
	el, ok := p.items[functionID]
	var e *Entry
	if ok {
		e = el.Value.(*Entry)
		ok = !e.busy
	}
	if ok {
		p.ll.MoveToFront(el)
		e.busy = true
		e.uses.Add(1)
	}
	p.mu.Unlock()

	l := p.logger.WithField("function_id", functionID)
	if !ok {
		p.misses.Add(1)
		l.Debug("pool miss")
		return nil, false
	}
	p.hits.Add(1)
	l.Debug("pool hit")
	return e, true
}

// Put stores instance as the entry for functionID and returns it checked
// out to the caller. An existing entry for the id is replaced and
// disposed; otherwise the least recently used entry is evicted if the pool
// is full.
func (p *Pool) Put(functionID string, instance Instance, module *core.Module, deploymentID string, protocol core.Protocol) (*Entry, error) {
	e := &Entry{
		FunctionID:   functionID,
		DeploymentID: deploymentID,
		Protocol:     protocol,
		Module:       module,
		Instance:     instance,
		CreatedAt:    time.Now(),
		busy:         true,
	}
	e.uses.Store(1)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.dispose(e)
		return nil, ErrClosed
	}

	var victims []*Entry
	if el, ok := p.items[functionID]; ok {
		if v := p.unlink(el); v != nil {
			victims = append(victims, v)
		}
	}
	for p.ll.Len() >= p.capacity {
		back := p.ll.Back()
		victim := back.Value.(*Entry)
		p.evictions.Add(1)
		p.logger.WithField("function_id", victim.FunctionID).Info("evicting instance")
		if v := p.unlink(back); v != nil {
			victims = append(victims, v)
		}
	}
	e.elem = p.ll.PushFront(e)
	p.items[functionID] = e.elem
	p.mu.Unlock()

	p.logger.WithFields(logrus.Fields{
		"function_id":   functionID,
		"deployment_id": deploymentID,
	}).Debug("pool put")

	for _, v := range victims {
		p.dispose(v)
	}
	return e, nil
}

// Checkin gives a checked-out entry back to the pool. If it was evicted in
// the meantime it is disposed now.
func (p *Pool) Checkin(e *Entry) {
	p.mu.Lock()
	e.busy = false
	stale := e.evicted
	p.mu.Unlock()

	if stale {
		p.dispose(e)
	}
}

// Discard removes a checked-out entry, for instance one whose context was
// poisoned, and disposes it.
func (p *Pool) Discard(e *Entry) {
	p.mu.Lock()
	e.busy = false
	if !e.evicted {
		p.unlink(e.elem)
	}
	p.mu.Unlock()

	p.dispose(e)
}

// Remove drops the entry for functionID. It reports whether there was one.
func (p *Pool) Remove(functionID string) bool {
	p.mu.Lock()
	el, ok := p.items[functionID]
	var victim *Entry
	if ok {
		victim = p.unlink(el)
	}
	p.mu.Unlock()

	if victim != nil {
		p.dispose(victim)
	}
	return ok
}

// unlink removes el from the bookkeeping and marks its entry evicted. It
// returns the entry when it can be disposed right away, or nil when it is
// checked out and Checkin or Discard will dispose it. Must hold p.mu.
func (p *Pool) unlink(el *list.Element) *Entry {
	e := el.Value.(*Entry)
	if e.evicted {
		return nil
	}
	e.evicted = true
	p.ll.Remove(el)
	if cur, ok := p.items[e.FunctionID]; ok && cur == el {
		delete(p.items, e.FunctionID)
	}
	if e.busy {
		return nil
	}
	return e
}

// dispose releases e's instance exactly once. A failure is logged and
// counted; the slot is already free either way.
func (p *Pool) dispose(e *Entry) {
	e.once.Do(func() {
		err := safeDispose(e.Instance)
		if err == nil {
			return
		}
		p.disposeFailures.Add(1)
		p.logger.WithError(err).WithField("function_id", e.FunctionID).Warn("disposing instance failed")
	})
}

func safeDispose(inst Instance) (err error) {
	if inst == nil {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic during dispose: %v", r)
		}
	}()
	return inst.Dispose()
}

// Len returns the number of entries.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ll.Len()
}

// Capacity returns the maximum number of entries.
func (p *Pool) Capacity() int { return p.capacity }

// Keys returns the function ids in the pool, most recently used first.
func (p *Pool) Keys() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	keys := make([]string, 0, p.ll.Len())
	for el := p.ll.Front(); el != nil; el = el.Next() {
		keys = append(keys, el.Value.(*Entry).FunctionID)
	}
	return keys
}

// Stats returns the current counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Capacity:        p.capacity,
		Size:            p.Len(),
		Hits:            p.hits.Load(),
		Misses:          p.misses.Load(),
		Evictions:       p.evictions.Load(),
		DisposeFailures: p.disposeFailures.Load(),
	}
}

// Close disposes every idle entry and refuses further Puts. Entries still
// checked out are disposed when given back. Close is idempotent.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	var victims []*Entry
	for el := p.ll.Front(); el != nil; {
		next := el.Next()
		if v := p.unlink(el); v != nil {
			victims = append(victims, v)
		}
		el = next
	}
	p.mu.Unlock()

	for _, v := range victims {
		p.dispose(v)
	}
}
