package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/thejchap/smolfaas"
	"github.com/thejchap/smolfaas/internal/server"
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

type testState struct {
	*globalState
	stdout *bytes.Buffer
	stderr *bytes.Buffer
	hook   *logtest.Hook
	env    map[string]string
}

func newTestState(t *testing.T) *testState {
	t.Helper()
	logger, hook := logtest.NewNullLogger()
	ts := &testState{
		stdout: new(bytes.Buffer),
		stderr: new(bytes.Buffer),
		hook:   hook,
		env:    map[string]string{"SMOLFAAS_EXECUTION_TIMEOUT": "2s"},
	}
	ts.globalState = &globalState{
		ctx:    context.Background(),
		stdout: ts.stdout,
		stderr: ts.stderr,
		stdin:  strings.NewReader(""),
		lookupEnv: func(key string) (string, bool) {
			v, ok := ts.env[key]
			return v, ok
		},
		logger: logger,
	}
	return ts
}

func (ts *testState) run(args ...string) int {
	c := newRootCommand(ts.globalState)
	c.cmd.SetArgs(args)
	c.cmd.SetOut(ts.stdout)
	c.cmd.SetErr(ts.stderr)
	return c.execute()
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const helloSource = `export default async (p) => { console.log("called"); return {hello: p.name ?? "world"}; };`

func TestRun(t *testing.T) {
	ts := newTestState(t)
	file := writeFile(t, "hello.js", helloSource)

	require.Equal(t, 0, ts.run("run", file, "--payload", `{"name":"cli"}`))
	assert.JSONEq(t, `{"hello":"cli"}`, ts.stdout.String())
	assert.Contains(t, ts.stderr.String(), "[log] called")
}

func TestRunQuery(t *testing.T) {
	ts := newTestState(t)
	file := writeFile(t, "hello.js", helloSource)

	require.Equal(t, 0, ts.run("run", file, "-q", "hello"))
	assert.Equal(t, "world\n", ts.stdout.String())

	ts.stdout.Reset()
	assert.Equal(t, int(exitInvalidArgs), ts.run("run", file, "-q", "missing"))
}

func TestRunThroughSnapshot(t *testing.T) {
	ts := newTestState(t)
	file := writeFile(t, "hello.js", helloSource)

	require.Equal(t, 0, ts.run("run", "--snapshot", file))
	assert.JSONEq(t, `{"hello":"world"}`, ts.stdout.String())
}

func TestSnapshotThenRun(t *testing.T) {
	ts := newTestState(t)
	file := writeFile(t, "hello.js", helloSource)
	out := filepath.Join(t.TempDir(), "hello.snap")

	require.Equal(t, 0, ts.run("snapshot", file, "-o", out))
	blob, err := os.ReadFile(out)
	require.NoError(t, err)
	require.True(t, smolfaas.IsSnapshot(blob))

	require.Equal(t, 0, ts.run("run", out, "-p", `{"name":"snap"}`))
	assert.JSONEq(t, `{"hello":"snap"}`, ts.stdout.String())
}

func TestRunExitCodes(t *testing.T) {
	tests := []struct {
		name   string
		source string
		args   []string
		code   exitCode
	}{
		{"compile", `export default async (`, nil, exitScript},
		{"shape", `export default 1;`, nil, exitScript},
		{"eval", `throw new Error("top"); export default async () => 1;`, nil, exitEval},
		{"handler", `export default async () => { throw new Error("boom"); };`, nil, exitHandler},
		{"result type", `export default async () => () => 1;`, nil, exitResultType},
		{"payload", helloSource, []string{"-p", "{"}, exitPayload},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ts := newTestState(t)
			file := writeFile(t, "f.js", tc.source)
			args := append([]string{"run", file}, tc.args...)
			assert.Equal(t, int(tc.code), ts.run(args...))
		})
	}
}

func TestInvalidConfig(t *testing.T) {
	ts := newTestState(t)
	ts.env["SMOLFAAS_POOL_CAPACITY"] = "0"
	file := writeFile(t, "hello.js", helloSource)

	assert.Equal(t, int(exitInvalidConfig), ts.run("run", file))
}

func TestVerboseEnablesDebug(t *testing.T) {
	ts := newTestState(t)
	file := writeFile(t, "hello.js", helloSource)

	require.Equal(t, 0, ts.run("-v", "run", file))
	assert.Equal(t, logrus.DebugLevel, ts.logger.GetLevel())
}

func TestLogLevelFlagOverridesEnv(t *testing.T) {
	ts := newTestState(t)
	ts.env["SMOLFAAS_LOG_LEVEL"] = "debug"
	file := writeFile(t, "hello.js", helloSource)

	require.Equal(t, 0, ts.run("--log-level", "warn", "run", file))
	assert.Equal(t, logrus.WarnLevel, ts.logger.GetLevel())
}

func TestVerboseWinsOverLogLevel(t *testing.T) {
	ts := newTestState(t)
	file := writeFile(t, "hello.js", helloSource)

	require.Equal(t, 0, ts.run("-v", "--log-level", "error", "run", file))
	assert.Equal(t, logrus.DebugLevel, ts.logger.GetLevel())
}

func TestInvalidLogLevelFlag(t *testing.T) {
	ts := newTestState(t)
	file := writeFile(t, "hello.js", helloSource)

	assert.Equal(t, int(exitInvalidConfig), ts.run("--log-level", "loud", "run", file))
}

func newRemote(t *testing.T) string {
	t.Helper()
	logger, _ := logtest.NewNullLogger()
	rt, err := smolfaas.New(smolfaas.Config{PoolCapacity: 4}, smolfaas.WithLogger(logger))
	require.NoError(t, err)
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	srv := httptest.NewServer(server.New(rt, st, server.Options{Snapshots: true, Logger: logger}).Handler())
	t.Cleanup(func() {
		srv.Close()
		_ = rt.Close()
		_ = st.Close()
	})
	return srv.URL
}

func TestRemoteFunctions(t *testing.T) {
	url := newRemote(t)
	ts := newTestState(t)
	ts.env["BASE_URL"] = url
	file := writeFile(t, "hello.js", helloSource)

	require.Equal(t, 0, ts.run("functions", "create", "--name", "greeter"))
	id := gjson.Get(ts.stdout.String(), "function.id").String()
	require.NotEmpty(t, id)
	assert.Equal(t, "greeter", gjson.Get(ts.stdout.String(), "function.name").String())

	ts.stdout.Reset()
	require.Equal(t, 0, ts.run("functions", "deploy", "--function-id", id, file))
	deploymentID := gjson.Get(ts.stdout.String(), "deployment.id").String()
	require.NotEmpty(t, deploymentID)

	ts.stdout.Reset()
	require.Equal(t, 0, ts.run("functions", "invoke", "--function-id", id, "-p", `{"name":"remote"}`))
	assert.JSONEq(t, `{"hello":"remote"}`, ts.stdout.String())

	ts.stdout.Reset()
	require.Equal(t, 0, ts.run("functions", "get", id))
	assert.Equal(t, deploymentID, gjson.Get(ts.stdout.String(), "function.live_deployment_id").String())

	ts.stdout.Reset()
	require.Equal(t, 0, ts.run("functions", "list"))
	assert.EqualValues(t, 1, gjson.Get(ts.stdout.String(), "functions.#").Int())

	assert.Equal(t, int(exitRemote), ts.run("functions", "get", "fn-missing"))
}

func TestRemoteInvokeSource(t *testing.T) {
	url := newRemote(t)
	ts := newTestState(t)
	file := writeFile(t, "hello.js", helloSource)

	require.Equal(t, 0, ts.run("--base-url", url, "invoke", file, "-p", `{"name":"adhoc"}`))
	assert.JSONEq(t, `{"hello":"adhoc"}`, ts.stdout.String())

	broken := writeFile(t, "broken.js", `export default async () => { throw new Error("x"); };`)
	assert.Equal(t, int(exitHandler), ts.run("--base-url", url, "invoke", broken))
}

func TestClientDecodesErrors(t *testing.T) {
	err := decodeError(422, []byte(`{"errors":[{"status":"422","title":"compile_error","detail":"bad"}]}`))
	var rerr *RemoteError
	require.True(t, errors.As(err, &rerr))
	assert.Equal(t, smolfaas.CompileError, rerr.Kind)
	assert.Equal(t, exitScript, exitCodeOf(err))

	err = decodeError(502, []byte("bad gateway"))
	require.True(t, errors.As(err, &rerr))
	assert.Empty(t, rerr.Kind)
	assert.Equal(t, "bad gateway", rerr.Detail)
	assert.Equal(t, exitRemote, exitCodeOf(err))
}

func TestExitCodeOf(t *testing.T) {
	assert.Equal(t, exitGeneric, exitCodeOf(errors.New("x")))
	assert.Equal(t, exitTimeout, exitCodeOf(&smolfaas.Error{Kind: smolfaas.TimeoutError}))

	wrapped := withExitCode(withExitCode(errors.New("x"), exitInvalidArgs), exitRemote)
	assert.Equal(t, exitInvalidArgs, exitCodeOf(wrapped))
	assert.Nil(t, withExitCode(nil, exitRemote))
}

func TestPrintJSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, printJSON(&buf, []byte(`{"a":[1,2]}`), ""))
	var v map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &v))

	buf.Reset()
	require.NoError(t, printJSON(&buf, []byte(`{"a":[1,2]}`), "a.1"))
	assert.Equal(t, "2\n", buf.String())

	assert.Error(t, printJSON(&buf, []byte(`{`), ""))
}
