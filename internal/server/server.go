// Package server is the HTTP host: it stores functions and deployments and
// invokes the live deployment of a function on request.
package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/thejchap/smolfaas/internal/core"
	"github.com/thejchap/smolfaas/internal/invoke"
	"github.com/thejchap/smolfaas/internal/pool"
	"github.com/thejchap/smolfaas/internal/store"
)

const maxBodySize = 10 << 20

// Runtime is what the server needs from the invocation runtime.
type Runtime interface {
	InvokeRequest(ctx context.Context, req invoke.Request) (*invoke.Result, error)
	InvokeSource(ctx context.Context, source, payload string) (*invoke.Result, error)
	CompileToSnapshot(source string) ([]byte, error)
	Stats() pool.Stats
}

// Options configures a Server.
type Options struct {
	// Snapshots precomputes a snapshot for every deployment.
	Snapshots bool
	Logger    logrus.FieldLogger
	// Logs feeds the live log tail. Nil disables GET /functions/{id}/logs.
	Logs *LogHub
}

// Server serves the HTTP API.
type Server struct {
	rt     Runtime
	store  *store.Store
	opts   Options
	logger logrus.FieldLogger
}

// New creates a Server.
func New(rt Runtime, st *store.Store, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Server{rt: rt, store: st, opts: opts, logger: logger}
}

// Handler returns the routes wrapped in the logging middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleRoot)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /stats", s.handleStats)
	mux.HandleFunc("POST /invoke", s.handleInvokeSource)
	mux.HandleFunc("POST /functions", s.handleCreateFunction)
	mux.HandleFunc("GET /functions", s.handleListFunctions)
	mux.HandleFunc("GET /functions/{id}", s.handleGetFunction)
	mux.HandleFunc("POST /functions/{id}/deployments", s.handleDeploy)
	mux.HandleFunc("POST /functions/{id}/invocations", s.handleInvoke)
	if s.opts.Logs != nil {
		mux.HandleFunc("GET /functions/{id}/logs", s.opts.Logs.ServeFunctionLogs)
	}
	return withLoggingHandler(s.logger, mux)
}

// HTTPServer returns an http.Server for addr.
func (s *Server) HTTPServer(addr string) *http.Server {
	return &http.Server{Addr: addr, Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
}

type wrappedResponseWriter struct {
	http.ResponseWriter
	status      int
	start       time.Time
	wroteHeader bool
}

// WriteHeader stamps X-Process-Time right before the headers go out.
func (w *wrappedResponseWriter) WriteHeader(status int) {
	if !w.wroteHeader {
		w.wroteHeader = true
		w.status = status
		w.Header().Set("X-Process-Time", strconv.FormatFloat(time.Since(w.start).Seconds(), 'f', 6, 64))
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *wrappedResponseWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(b)
}

// Hijack is needed by the websocket upgrade.
func (w *wrappedResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	w.wroteHeader = true
	w.status = http.StatusSwitchingProtocols
	return http.NewResponseController(w.ResponseWriter).Hijack()
}

func (w *wrappedResponseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// withLoggingHandler returns the middleware which logs response status and
// latency for request.
func withLoggingHandler(l logrus.FieldLogger, next http.Handler) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		wrapped := &wrappedResponseWriter{ResponseWriter: rw, status: http.StatusOK, start: time.Now()}
		next.ServeHTTP(wrapped, r)

		l.WithFields(logrus.Fields{
			"status":   wrapped.status,
			"duration": time.Since(wrapped.start),
		}).Infof("%s %s", r.Method, r.URL.Path)
	}
}

func (s *Server) handleRoot(rw http.ResponseWriter, _ *http.Request) {
	rw.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = fmt.Fprintln(rw, "smolfaas")
}

func (s *Server) handleHealth(rw http.ResponseWriter, _ *http.Request) {
	rw.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if _, err := fmt.Fprint(rw, "ok"); err != nil {
		s.logger.WithError(err).Error("Error while printing ok")
	}
}

func (s *Server) handleStats(rw http.ResponseWriter, _ *http.Request) {
	s.writeJSON(rw, http.StatusOK, s.rt.Stats())
}

// SourceInvocationRequest is the body of POST /invoke.
type SourceInvocationRequest struct {
	Source  string          `json:"source"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func (s *Server) handleInvokeSource(rw http.ResponseWriter, r *http.Request) {
	var req SourceInvocationRequest
	if !s.decode(rw, r, &req) {
		return
	}
	if strings.TrimSpace(req.Source) == "" {
		apiError(rw, "invalid request", "source must not be empty", http.StatusUnprocessableEntity)
		return
	}
	res, err := s.rt.InvokeSource(r.Context(), req.Source, payloadString(req.Payload))
	if err != nil {
		s.invocationError(rw, err)
		return
	}
	s.writeRaw(rw, http.StatusOK, res.JSON)
}

// FunctionCreateRequest is the body of POST /functions.
type FunctionCreateRequest struct {
	Name string `json:"name"`
}

// FunctionResponse wraps a single function.
type FunctionResponse struct {
	Function *store.Function `json:"function"`
}

// FunctionListResponse wraps a list of functions.
type FunctionListResponse struct {
	Functions []store.Function `json:"functions"`
}

func (s *Server) handleCreateFunction(rw http.ResponseWriter, r *http.Request) {
	var req FunctionCreateRequest
	if r.ContentLength != 0 && !s.decode(rw, r, &req) {
		return
	}
	fn, err := s.store.CreateFunction(r.Context(), req.Name)
	if err != nil {
		s.storeError(rw, err)
		return
	}
	s.writeJSON(rw, http.StatusCreated, FunctionResponse{Function: fn})
}

func (s *Server) handleListFunctions(rw http.ResponseWriter, r *http.Request) {
	fns, err := s.store.ListFunctions(r.Context())
	if err != nil {
		s.storeError(rw, err)
		return
	}
	s.writeJSON(rw, http.StatusOK, FunctionListResponse{Functions: fns})
}

func (s *Server) handleGetFunction(rw http.ResponseWriter, r *http.Request) {
	fn, err := s.store.GetFunction(r.Context(), r.PathValue("id"))
	if err != nil {
		s.storeError(rw, err)
		return
	}
	s.writeJSON(rw, http.StatusOK, FunctionResponse{Function: fn})
}

// FunctionDeployRequest is the body of POST /functions/{id}/deployments.
type FunctionDeployRequest struct {
	Source   string `json:"source"`
	Protocol string `json:"protocol,omitempty"`
}

// DeploymentResponse wraps a created deployment.
type DeploymentResponse struct {
	Deployment *store.Deployment `json:"deployment"`
}

func (s *Server) handleDeploy(rw http.ResponseWriter, r *http.Request) {
	var req FunctionDeployRequest
	if !s.decode(rw, r, &req) {
		return
	}
	if strings.TrimSpace(req.Source) == "" {
		apiError(rw, "invalid request", "source must not be empty", http.StatusUnprocessableEntity)
		return
	}
	proto := core.Protocol(req.Protocol).OrDefault()
	if !proto.Valid() {
		apiError(rw, "invalid request", fmt.Sprintf("unknown protocol %q", req.Protocol), http.StatusUnprocessableEntity)
		return
	}

	d := &store.Deployment{
		FunctionID: r.PathValue("id"),
		Source:     req.Source,
		Protocol:   string(proto),
	}
	if s.opts.Snapshots {
		blob, err := s.rt.CompileToSnapshot(req.Source)
		if err != nil {
			s.invocationError(rw, err)
			return
		}
		d.Snapshot = blob
	}
	if err := s.store.CreateDeployment(r.Context(), d); err != nil {
		s.storeError(rw, err)
		return
	}
	s.writeJSON(rw, http.StatusCreated, DeploymentResponse{Deployment: d})
}

func (s *Server) handleInvoke(rw http.ResponseWriter, r *http.Request) {
	functionID := r.PathValue("id")
	d, err := s.store.LiveDeployment(r.Context(), functionID)
	if errors.Is(err, store.ErrNotFound) {
		apiError(rw, "not found", "no live deployment", http.StatusNotFound)
		return
	}
	if err != nil {
		s.storeError(rw, err)
		return
	}

	payload, err := io.ReadAll(http.MaxBytesReader(rw, r.Body, maxBodySize))
	if err != nil {
		apiError(rw, "invalid request", err.Error(), http.StatusRequestEntityTooLarge)
		return
	}
	res, err := s.rt.InvokeRequest(r.Context(), invoke.Request{
		FunctionID:   functionID,
		DeploymentID: d.ID,
		Source:       d.Source,
		Snapshot:     d.Snapshot,
		Protocol:     core.Protocol(d.Protocol),
		Payload:      string(payload),
	})
	if err != nil {
		s.invocationError(rw, err)
		return
	}
	rw.Header().Set("X-Smolfaas-Warm", strconv.FormatBool(res.Warm))
	s.writeRaw(rw, http.StatusOK, res.JSON)
}

func (s *Server) decode(rw http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(rw, r.Body, maxBodySize))
	if err := dec.Decode(v); err != nil {
		apiError(rw, "invalid request", err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func (s *Server) writeJSON(rw http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.WithError(err).Error("encoding response")
		apiError(rw, "internal error", err.Error(), http.StatusInternalServerError)
		return
	}
	s.writeRaw(rw, status, string(data))
}

func (s *Server) writeRaw(rw http.ResponseWriter, status int, body string) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_, _ = io.WriteString(rw, body)
}

func (s *Server) storeError(rw http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		apiError(rw, "not found", err.Error(), http.StatusNotFound)
		return
	}
	s.logger.WithError(err).Error("store failure")
	apiError(rw, "internal error", err.Error(), http.StatusInternalServerError)
}

func (s *Server) invocationError(rw http.ResponseWriter, err error) {
	kind := core.KindOf(err)
	status := StatusFor(kind)
	if status >= http.StatusInternalServerError {
		s.logger.WithError(err).Warn("invocation failed")
	}
	title := string(kind)
	if title == "" {
		title = "internal error"
	}
	var e *core.Error
	detail := err.Error()
	if errors.As(err, &e) && e.Message != "" {
		detail = e.Message
		if e.Err != nil {
			detail += ": " + e.Err.Error()
		}
	}
	apiError(rw, title, detail, status)
}

// StatusFor maps an error kind to an HTTP status.
func StatusFor(kind core.ErrorKind) int {
	switch kind {
	case core.MarshalError, core.CompileError, core.LinkError, core.ExportShapeError:
		return http.StatusUnprocessableEntity
	case core.TimeoutError:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func payloadString(raw json.RawMessage) string {
	if raw == nil {
		return ""
	}
	return string(raw)
}
