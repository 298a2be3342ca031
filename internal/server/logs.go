package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/sirupsen/logrus"

	"github.com/thejchap/smolfaas/internal/core"
)

const (
	subscriberBuffer = 256
	writeTimeout     = 5 * time.Second
)

// LogHub fans console output out to live subscribers. It implements
// core.LogSink and never blocks: entries for a subscriber that falls
// behind are dropped.
type LogHub struct {
	logger logrus.FieldLogger

	mu     sync.Mutex
	subs   map[string]map[*subscriber]struct{}
	closed bool
}

type subscriber struct {
	ch      chan core.LogEntry
	dropped int
}

// NewLogHub creates an empty hub. Every entry is also logged to logger at
// the level matching its console method.
func NewLogHub(logger logrus.FieldLogger) *LogHub {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &LogHub{logger: logger, subs: make(map[string]map[*subscriber]struct{})}
}

// Log delivers entry to the subscribers of its function.
func (h *LogHub) Log(entry core.LogEntry) {
	h.logger.WithFields(logrus.Fields{
		"source":      "console",
		"function_id": entry.FunctionID,
	}).Log(consoleLevel(entry.Level), entry.Message)

	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs[entry.FunctionID] {
		select {
		case sub.ch <- entry:
		default:
			sub.dropped++
		}
	}
}

func consoleLevel(level string) logrus.Level {
	switch level {
	case "error":
		return logrus.ErrorLevel
	case "warn":
		return logrus.WarnLevel
	case "debug":
		return logrus.DebugLevel
	default:
		return logrus.InfoLevel
	}
}

// Subscribe returns a channel of entries for functionID and a func that
// ends the subscription and closes the channel.
func (h *LogHub) Subscribe(functionID string) (<-chan core.LogEntry, func()) {
	sub := &subscriber{ch: make(chan core.LogEntry, subscriberBuffer)}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(sub.ch)
		return sub.ch, func() {}
	}
	if h.subs[functionID] == nil {
		h.subs[functionID] = make(map[*subscriber]struct{})
	}
	h.subs[functionID][sub] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if _, ok := h.subs[functionID][sub]; !ok {
				return
			}
			delete(h.subs[functionID], sub)
			if len(h.subs[functionID]) == 0 {
				delete(h.subs, functionID)
			}
			if sub.dropped > 0 {
				h.logger.WithField("function_id", functionID).Warnf("log tail dropped %d entries", sub.dropped)
			}
			close(sub.ch)
		})
	}
}

// Subscribers counts live subscriptions for functionID.
func (h *LogHub) Subscribers(functionID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[functionID])
}

// Close ends every subscription.
func (h *LogHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for id, subs := range h.subs {
		for sub := range subs {
			close(sub.ch)
		}
		delete(h.subs, id)
	}
}

// ServeFunctionLogs upgrades to a websocket and streams console entries of
// the function named by the {id} path value as JSON messages.
func (h *LogHub) ServeFunctionLogs(rw http.ResponseWriter, r *http.Request) {
	functionID := r.PathValue("id")
	conn, err := websocket.Accept(rw, r, nil)
	if err != nil {
		h.logger.WithError(err).Warn("websocket upgrade failed")
		return
	}
	defer conn.CloseNow() //nolint:errcheck

	entries, unsubscribe := h.Subscribe(functionID)
	defer unsubscribe()

	// the client never sends; CloseRead cancels ctx once it goes away
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			return
		case entry, ok := <-entries:
			if !ok {
				_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
				return
			}
			if err := writeEntry(ctx, conn, entry); err != nil {
				return
			}
		}
	}
}

func writeEntry(ctx context.Context, conn *websocket.Conn, entry core.LogEntry) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, entry)
}
