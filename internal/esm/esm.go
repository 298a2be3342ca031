// Package esm turns function sources written as ES modules into scripts an
// engine context can evaluate.
//
// The module is bundled by esbuild into an IIFE whose return value, the
// module namespace, is assigned to globalThis.__fn_module__. Imports are
// never resolved: every specifier is recorded and left external, and
// Instantiate refuses a module that has any.
package esm

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"

	"github.com/evanw/esbuild/pkg/api"

	"github.com/thejchap/smolfaas/internal/core"
)

// DefaultName is the script name used when the caller has none.
const DefaultName = "function.js"

// Compile parses source as an ES module and produces its evaluable form.
// Syntax errors are reported as core.CompileError.
func Compile(name, source string) (*core.Module, error) {
	if name == "" {
		name = DefaultName
	}

	rec := &importRecorder{seen: make(map[string]struct{})}
	result := api.Build(api.BuildOptions{
		Stdin: &api.StdinOptions{
			Contents:   source,
			Sourcefile: name,
			Loader:     api.LoaderJS,
		},
		Bundle:     true,
		Write:      false,
		Format:     api.FormatIIFE,
		GlobalName: "globalThis." + core.NamespaceGlobal,
		Target:     api.ESNext,
		Charset:    api.CharsetUTF8,
		LogLevel:   api.LogLevelSilent,
		Plugins:    []api.Plugin{rec.plugin()},
	})
	if len(result.Errors) > 0 {
		return nil, core.NewError(core.CompileError, formatMessages(result.Errors), nil)
	}
	if len(result.OutputFiles) == 0 {
		return nil, core.Errorf(core.CompileError, "compiling %s: no output", name)
	}

	sum := sha256.Sum256([]byte(source))
	return &core.Module{
		Name:    name,
		Hash:    hex.EncodeToString(sum[:]),
		Script:  string(result.OutputFiles[0].Contents),
		Imports: rec.list(),
	}, nil
}

// Instantiate links m. No resolver is available to function sources, so
// any import specifier is a core.LinkError.
func Instantiate(m *core.Module) error {
	if m == nil {
		return core.Errorf(core.LinkError, "no module to link")
	}
	if len(m.Imports) > 0 {
		return core.Errorf(core.LinkError, "cannot resolve import %q: imports are not supported", m.Imports[0])
	}
	return nil
}

type importRecorder struct {
	mu      sync.Mutex
	seen    map[string]struct{}
	ordered []string
}

func (r *importRecorder) plugin() api.Plugin {
	return api.Plugin{
		Name: "smolfaas-imports",
		Setup: func(build api.PluginBuild) {
			build.OnResolve(api.OnResolveOptions{Filter: ".*"}, r.onResolve)
		},
	}
}

func (r *importRecorder) onResolve(args api.OnResolveArgs) (api.OnResolveResult, error) {
	if args.Kind == api.ResolveEntryPoint {
		return api.OnResolveResult{}, nil
	}

	r.mu.Lock()
	if _, ok := r.seen[args.Path]; !ok {
		r.seen[args.Path] = struct{}{}
		r.ordered = append(r.ordered, args.Path)
	}
	r.mu.Unlock()

	return api.OnResolveResult{Path: args.Path, External: true}, nil
}

func (r *importRecorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.ordered) == 0 {
		return nil
	}
	out := make([]string, len(r.ordered))
	copy(out, r.ordered)
	return out
}

func formatMessages(msgs []api.Message) string {
	parts := make([]string, 0, len(msgs))
	for _, m := range msgs {
		if m.Location != nil {
			parts = append(parts, fmt.Sprintf("%s:%d:%d: %s",
				m.Location.File, m.Location.Line, m.Location.Column, m.Text))
		} else {
			parts = append(parts, m.Text)
		}
	}
	return strings.Join(parts, "; ")
}
