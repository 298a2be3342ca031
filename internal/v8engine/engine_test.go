//go:build v8

package v8engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thejchap/smolfaas/internal/core"
	"github.com/thejchap/smolfaas/internal/esm"
	"github.com/thejchap/smolfaas/internal/eventloop"
	"github.com/thejchap/smolfaas/internal/webapi"
)

func TestEngineBasics(t *testing.T) {
	e := NewEngine()
	require.NoError(t, e.Init())
	assert.Equal(t, "v8", e.Name())
	assert.Contains(t, e.BuildID(), "v8@")

	c, err := e.NewContext(core.ContextOptions{MemoryLimitMB: 64})
	require.NoError(t, err)
	defer func() { _ = c.Dispose() }()

	require.NoError(t, c.RegisterFunc("double", func(n int) int { return n * 2 }))
	n, err := c.EvalInt("double(21)")
	require.NoError(t, err)
	assert.Equal(t, 42, n)
}

func TestCodeCacheRoundTrip(t *testing.T) {
	e := NewEngine()
	m, err := esm.Compile("cached.js", `const base = 41; export default async (p) => base + p.n;`)
	require.NoError(t, err)

	m.CodeCache, err = e.CodeCache(m)
	require.NoError(t, err)
	assert.NotEmpty(t, m.CodeCache)

	c, err := e.NewContext(core.ContextOptions{})
	require.NoError(t, err)
	defer func() { _ = c.Dispose() }()
	require.NoError(t, c.Evaluate(m))

	el := eventloop.New()
	require.NoError(t, webapi.SetPayload(c, `{"n":1}`))
	require.NoError(t, webapi.CallDefault(c, 1))
	require.NoError(t, webapi.AwaitValue(context.Background(), c, webapi.ResultGlobal, time.Now().Add(time.Second), el))
	out, err := webapi.SerializeResult(c)
	require.NoError(t, err)
	assert.Equal(t, "42", out)
}

func TestInterruptAndDispose(t *testing.T) {
	e := NewEngine()
	c, err := e.NewContext(core.ContextOptions{})
	require.NoError(t, err)

	timer := time.AfterFunc(50*time.Millisecond, c.Interrupt)
	defer timer.Stop()
	require.Error(t, c.Eval("for (;;) {}"))

	require.Error(t, e.Shutdown())
	require.NoError(t, c.Dispose())
	require.NoError(t, c.Dispose())
	assert.EqualValues(t, 0, e.Live())
	require.NoError(t, e.Shutdown())
}
