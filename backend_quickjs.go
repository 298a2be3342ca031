//go:build !v8

package smolfaas

import (
	"github.com/thejchap/smolfaas/internal/core"
	"github.com/thejchap/smolfaas/internal/quickjs"
)

func newEngine() core.Engine {
	return quickjs.NewEngine()
}
