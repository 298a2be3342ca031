//go:build !v8

package invoke

import (
	"github.com/thejchap/smolfaas/internal/core"
	"github.com/thejchap/smolfaas/internal/quickjs"
)

func newTestEngine() core.Engine { return quickjs.NewEngine() }
