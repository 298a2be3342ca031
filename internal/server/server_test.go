package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thejchap/smolfaas"
	"github.com/thejchap/smolfaas/internal/core"
	"github.com/thejchap/smolfaas/internal/store"
)

func TestMain(m *testing.M) {
	if err := smolfaas.InitPlatform(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	code := m.Run()
	if err := smolfaas.ShutdownPlatform(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		code = 1
	}
	os.Exit(code)
}

type testServer struct {
	*httptest.Server
	hub *LogHub
}

func newTestServer(t *testing.T, snapshots bool) *testServer {
	t.Helper()
	logger, _ := logtest.NewNullLogger()
	hub := NewLogHub(logger)

	rt, err := smolfaas.New(smolfaas.Config{PoolCapacity: 8, ExecutionTimeout: 2 * time.Second},
		smolfaas.WithLogger(logger), smolfaas.WithLogSink(hub))
	require.NoError(t, err)
	st, err := store.Open(":memory:")
	require.NoError(t, err)

	srv := New(rt, st, Options{Snapshots: snapshots, Logger: logger, Logs: hub})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		hub.Close()
		ts.Close()
		_ = rt.Close()
		_ = st.Close()
	})
	return &testServer{Server: ts, hub: hub}
}

func (ts *testServer) do(t *testing.T, method, path, body string) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequest(method, ts.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	res, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer func() { _ = res.Body.Close() }()
	data, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res, string(data)
}

func (ts *testServer) createFunction(t *testing.T) string {
	t.Helper()
	res, body := ts.do(t, http.MethodPost, "/functions", `{"name":"test"}`)
	require.Equal(t, http.StatusCreated, res.StatusCode, body)
	var out FunctionResponse
	require.NoError(t, json.Unmarshal([]byte(body), &out))
	return out.Function.ID
}

func (ts *testServer) deploy(t *testing.T, functionID, source string) *http.Response {
	t.Helper()
	reqBody, err := json.Marshal(FunctionDeployRequest{Source: source})
	require.NoError(t, err)
	res, _ := ts.do(t, http.MethodPost, "/functions/"+functionID+"/deployments", string(reqBody))
	return res
}

func errorTitle(t *testing.T, body string) string {
	t.Helper()
	var errs ErrorResponse
	require.NoError(t, json.Unmarshal([]byte(body), &errs))
	require.Len(t, errs.Errors, 1)
	return errs.Errors[0].Title
}

func TestHealthAndRoot(t *testing.T) {
	ts := newTestServer(t, false)

	res, body := ts.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "ok", body)
	assert.NotEmpty(t, res.Header.Get("X-Process-Time"))

	res, body = ts.do(t, http.MethodGet, "/", "")
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, body, "smolfaas")

	res, _ = ts.do(t, http.MethodGet, "/nope", "")
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestInvokeSource(t *testing.T) {
	ts := newTestServer(t, false)

	res, body := ts.do(t, http.MethodPost, "/invoke",
		`{"source":"export default async (p) => ({hello: p.name})","payload":{"name":"world"}}`)
	require.Equal(t, http.StatusOK, res.StatusCode, body)
	assert.JSONEq(t, `{"hello":"world"}`, body)

	res, body = ts.do(t, http.MethodPost, "/invoke", `{"source":"export default async ("}`)
	assert.Equal(t, http.StatusUnprocessableEntity, res.StatusCode)
	assert.Equal(t, string(core.CompileError), errorTitle(t, body))

	res, _ = ts.do(t, http.MethodPost, "/invoke", `{"source":""}`)
	assert.Equal(t, http.StatusUnprocessableEntity, res.StatusCode)

	res, _ = ts.do(t, http.MethodPost, "/invoke", `not json`)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestInvokeSourceNullPayload(t *testing.T) {
	ts := newTestServer(t, false)

	res, body := ts.do(t, http.MethodPost, "/invoke",
		`{"source":"export default async (p) => p === null","payload":null}`)
	require.Equal(t, http.StatusOK, res.StatusCode, body)
	assert.JSONEq(t, `true`, body)

	// an absent payload becomes an empty object
	res, body = ts.do(t, http.MethodPost, "/invoke", `{"source":"export default async (p) => p"}`)
	require.Equal(t, http.StatusOK, res.StatusCode, body)
	assert.JSONEq(t, `{}`, body)
}

func TestFunctionLifecycle(t *testing.T) {
	for _, snapshots := range []bool{false, true} {
		t.Run(fmt.Sprintf("snapshots=%v", snapshots), func(t *testing.T) {
			ts := newTestServer(t, snapshots)
			id := ts.createFunction(t)

			res, body := ts.do(t, http.MethodPost, "/functions/"+id+"/invocations", `{}`)
			assert.Equal(t, http.StatusNotFound, res.StatusCode)
			assert.Contains(t, body, "no live deployment")

			res = ts.deploy(t, id, `let n = 0; export default async (p) => ({n: ++n, name: p.name});`)
			require.Equal(t, http.StatusCreated, res.StatusCode)

			res, body = ts.do(t, http.MethodPost, "/functions/"+id+"/invocations", `{"name":"a"}`)
			require.Equal(t, http.StatusOK, res.StatusCode, body)
			assert.JSONEq(t, `{"n":1,"name":"a"}`, body)
			assert.Equal(t, "false", res.Header.Get("X-Smolfaas-Warm"))

			res, body = ts.do(t, http.MethodPost, "/functions/"+id+"/invocations", "")
			require.Equal(t, http.StatusOK, res.StatusCode, body)
			assert.JSONEq(t, `{"n":2}`, body)
			assert.Equal(t, "true", res.Header.Get("X-Smolfaas-Warm"))

			// a new deployment replaces the warm instance
			res = ts.deploy(t, id, `export default async () => "v2";`)
			require.Equal(t, http.StatusCreated, res.StatusCode)
			res, body = ts.do(t, http.MethodPost, "/functions/"+id+"/invocations", "")
			require.Equal(t, http.StatusOK, res.StatusCode, body)
			assert.Equal(t, `"v2"`, body)

			res, body = ts.do(t, http.MethodGet, "/functions/"+id, "")
			require.Equal(t, http.StatusOK, res.StatusCode)
			var got FunctionResponse
			require.NoError(t, json.Unmarshal([]byte(body), &got))
			assert.NotNil(t, got.Function.LiveDeploymentID)

			res, body = ts.do(t, http.MethodGet, "/functions", "")
			require.Equal(t, http.StatusOK, res.StatusCode)
			var list FunctionListResponse
			require.NoError(t, json.Unmarshal([]byte(body), &list))
			assert.Len(t, list.Functions, 1)

			res, body = ts.do(t, http.MethodGet, "/stats", "")
			require.Equal(t, http.StatusOK, res.StatusCode)
			var stats smolfaas.PoolStats
			require.NoError(t, json.Unmarshal([]byte(body), &stats))
			assert.EqualValues(t, 1, stats.Size)
		})
	}
}

func TestDeployErrors(t *testing.T) {
	ts := newTestServer(t, true)
	id := ts.createFunction(t)

	res := ts.deploy(t, "fn-missing", `export default async () => 1;`)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)

	// snapshotting evaluates the source, so broken code is caught at deploy time
	res = ts.deploy(t, id, `export default async (`)
	assert.Equal(t, http.StatusUnprocessableEntity, res.StatusCode)

	res, body := ts.do(t, http.MethodPost, "/functions/"+id+"/deployments", `{"source":"x","protocol":"grpc"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, res.StatusCode, body)
}

func TestInvocationErrorStatus(t *testing.T) {
	ts := newTestServer(t, false)
	id := ts.createFunction(t)
	res := ts.deploy(t, id, `export default async (p) => { if (p.fail) throw new Error("boom"); return 1; };`)
	require.Equal(t, http.StatusCreated, res.StatusCode)

	res, body := ts.do(t, http.MethodPost, "/functions/"+id+"/invocations", `{"fail":true}`)
	assert.Equal(t, http.StatusInternalServerError, res.StatusCode)
	assert.Equal(t, string(core.HandlerError), errorTitle(t, body))

	res, body = ts.do(t, http.MethodPost, "/functions/"+id+"/invocations", `{`)
	assert.Equal(t, http.StatusUnprocessableEntity, res.StatusCode)
	assert.Equal(t, string(core.MarshalError), errorTitle(t, body))
}

func TestStatusFor(t *testing.T) {
	tests := map[core.ErrorKind]int{
		core.MarshalError:     http.StatusUnprocessableEntity,
		core.CompileError:     http.StatusUnprocessableEntity,
		core.LinkError:        http.StatusUnprocessableEntity,
		core.ExportShapeError: http.StatusUnprocessableEntity,
		core.EvalError:        http.StatusInternalServerError,
		core.HandlerError:     http.StatusInternalServerError,
		core.ResultTypeError:  http.StatusInternalServerError,
		core.EngineFatalError: http.StatusInternalServerError,
		core.TimeoutError:     http.StatusGatewayTimeout,
		"":                    http.StatusInternalServerError,
	}
	for kind, status := range tests {
		assert.Equal(t, status, StatusFor(kind), kind)
	}
}

func TestLogTail(t *testing.T) {
	ts := newTestServer(t, false)
	id := ts.createFunction(t)
	res := ts.deploy(t, id, `export default async (p) => { console.log("hi", p.n); return null; };`)
	require.Equal(t, http.StatusCreated, res.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/functions/"+id+"/logs", nil)
	require.NoError(t, err)
	defer conn.CloseNow() //nolint:errcheck

	require.Eventually(t, func() bool { return ts.hub.Subscribers(id) == 1 }, 2*time.Second, 10*time.Millisecond)

	res, body := ts.do(t, http.MethodPost, "/functions/"+id+"/invocations", `{"n":7}`)
	require.Equal(t, http.StatusOK, res.StatusCode, body)

	var entry core.LogEntry
	require.NoError(t, wsjson.Read(ctx, conn, &entry))
	assert.Equal(t, id, entry.FunctionID)
	assert.Equal(t, "log", entry.Level)
	assert.Equal(t, "hi 7", entry.Message)
}

func TestLogHubDropsWhenFull(t *testing.T) {
	logger, hook := logtest.NewNullLogger()
	hub := NewLogHub(logger)

	ch, unsubscribe := hub.Subscribe("fn-1")
	for i := 0; i < subscriberBuffer+5; i++ {
		hub.Log(core.LogEntry{FunctionID: "fn-1", Level: "log", Message: "x"})
	}
	hub.Log(core.LogEntry{FunctionID: "fn-2", Level: "log", Message: "other"})
	assert.Len(t, ch, subscriberBuffer)

	unsubscribe()
	unsubscribe()
	assert.Equal(t, 0, hub.Subscribers("fn-1"))
	require.NotNil(t, hook.LastEntry())
	assert.Contains(t, hook.LastEntry().Message, "dropped 5 entries")
}

func TestLogHubLogsConsoleAtMatchingLevel(t *testing.T) {
	logger, hook := logtest.NewNullLogger()
	hub := NewLogHub(logger)

	tests := []struct {
		console string
		level   logrus.Level
	}{
		{"log", logrus.InfoLevel},
		{"info", logrus.InfoLevel},
		{"warn", logrus.WarnLevel},
		{"error", logrus.ErrorLevel},
	}
	for _, tc := range tests {
		hook.Reset()
		hub.Log(core.LogEntry{FunctionID: "fn-1", Level: tc.console, Message: "from " + tc.console})
		entry := hook.LastEntry()
		require.NotNil(t, entry, tc.console)
		assert.Equal(t, tc.level, entry.Level, tc.console)
		assert.Equal(t, "from "+tc.console, entry.Message)
		assert.Equal(t, "console", entry.Data["source"])
		assert.Equal(t, "fn-1", entry.Data["function_id"])
	}

	// debug stays below the default info level
	hook.Reset()
	hub.Log(core.LogEntry{FunctionID: "fn-1", Level: "debug", Message: "quiet"})
	assert.Empty(t, hook.AllEntries())

	logger.SetLevel(logrus.DebugLevel)
	hub.Log(core.LogEntry{FunctionID: "fn-1", Level: "debug", Message: "loud"})
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, logrus.DebugLevel, hook.LastEntry().Level)
}
