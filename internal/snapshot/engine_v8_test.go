//go:build v8

package snapshot

import (
	"github.com/thejchap/smolfaas/internal/core"
	"github.com/thejchap/smolfaas/internal/v8engine"
)

func newTestEngine() core.Engine { return v8engine.NewEngine() }
