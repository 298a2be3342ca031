//go:build v8

package smolfaas

import (
	"github.com/thejchap/smolfaas/internal/core"
	"github.com/thejchap/smolfaas/internal/v8engine"
)

func newEngine() core.Engine {
	return v8engine.NewEngine()
}
