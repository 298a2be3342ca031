// Package snapshot precomputes a function's module state so that later
// contexts can start from it instead of compiling the source.
//
// A snapshot blob is:
//
//	magic "SMOLSNAP" | format uint16 | header length uint32 | header JSON | brotli(body JSON)
//
// The header can be read without decompressing the body, which lets a
// caller check engine compatibility cheaply. Blobs are only valid for the
// engine build that created them; the manager does not enforce this on
// Restore, callers check with Compatible first.
package snapshot

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/sirupsen/logrus"

	"github.com/thejchap/smolfaas/internal/core"
	"github.com/thejchap/smolfaas/internal/esm"
)

// FormatVersion is the current blob format.
const FormatVersion = 1

var magic = []byte("SMOLSNAP")

const prefixLen = 8 + 2 + 4

// maxHeaderLen bounds the header read from untrusted input.
const maxHeaderLen = 64 << 10

// Header describes a snapshot.
type Header struct {
	Format     int       `json:"format"`
	Engine     string    `json:"engine"`
	BuildID    string    `json:"build_id"`
	Name       string    `json:"name"`
	SourceHash string    `json:"source_hash"`
	BodyHash   string    `json:"body_hash"`
	CreatedAt  time.Time `json:"created_at"`
}

type body struct {
	Script    string `json:"script"`
	CodeCache []byte `json:"code_cache,omitempty"`
}

// SetupFunc prepares a fresh context before module code runs in it, for
// instance by installing the console.
type SetupFunc func(core.Context) error

// Manager creates and restores snapshots for one engine.
type Manager struct {
	engine core.Engine
	opts   core.ContextOptions
	logger logrus.FieldLogger
}

// NewManager returns a manager creating contexts on engine with opts.
func NewManager(engine core.Engine, opts core.ContextOptions, logger logrus.FieldLogger) *Manager {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Manager{engine: engine, opts: opts, logger: logger.WithField("component", "snapshot")}
}

// Create compiles source, evaluates its top-level code in a throwaway
// context and serializes the result. The default export is never called.
func (m *Manager) Create(name, source string, setup SetupFunc) ([]byte, error) {
	mod, err := esm.Compile(name, source)
	if err != nil {
		return nil, err
	}
	if err := esm.Instantiate(mod); err != nil {
		return nil, err
	}

	ctx, err := m.engine.NewContext(m.opts)
	if err != nil {
		return nil, core.NewError(core.EngineFatalError, "creating snapshot context", err)
	}
	defer func() {
		if err := ctx.Dispose(); err != nil {
			m.logger.WithError(err).Warn("disposing snapshot context failed")
		}
	}()

	if setup != nil {
		if err := setup(ctx); err != nil {
			return nil, core.NewError(core.EngineFatalError, "preparing snapshot context", err)
		}
	}
	if err := ctx.Evaluate(mod); err != nil {
		return nil, core.NewError(core.EvalError, "evaluating module", err)
	}

	if cc, ok := m.engine.(core.CodeCacher); ok {
		cache, err := cc.CodeCache(mod)
		if err != nil {
			m.logger.WithError(err).Warn("creating code cache failed, snapshot will not carry one")
		} else {
			mod.CodeCache = cache
		}
	}

	blob, err := m.encode(mod)
	if err != nil {
		return nil, core.NewError(core.EngineFatalError, "encoding snapshot", err)
	}
	m.logger.WithFields(logrus.Fields{
		"name":  mod.Name,
		"bytes": len(blob),
	}).Debug("snapshot created")
	return blob, nil
}

// Restore creates a context whose module state is that of the snapshot.
// The module's top-level code has run; its default export has not been
// called.
func (m *Manager) Restore(blob []byte, setup SetupFunc) (core.Context, *core.Module, error) {
	_, mod, err := Decode(blob)
	if err != nil {
		return nil, nil, core.NewError(core.EngineFatalError, "decoding snapshot", err)
	}

	ctx, err := m.engine.NewContext(m.opts)
	if err != nil {
		return nil, nil, core.NewError(core.EngineFatalError, "creating context", err)
	}
	fail := func(kind core.ErrorKind, msg string, err error) (core.Context, *core.Module, error) {
		if derr := ctx.Dispose(); derr != nil {
			m.logger.WithError(derr).Warn("disposing context failed")
		}
		return nil, nil, core.NewError(kind, msg, err)
	}

	if setup != nil {
		if err := setup(ctx); err != nil {
			return fail(core.EngineFatalError, "preparing context", err)
		}
	}
	if err := ctx.Evaluate(mod); err != nil {
		return fail(core.EvalError, "restoring module state", err)
	}
	return ctx, mod, nil
}

// Compatible reports whether h was produced by the running engine build.
// The error it returns is a core.EngineFatalError.
func (m *Manager) Compatible(h Header) error {
	if h.Engine != m.engine.Name() || h.BuildID != m.engine.BuildID() {
		return core.Errorf(core.EngineFatalError,
			"snapshot was created by %s (%s), running %s (%s)",
			h.Engine, h.BuildID, m.engine.Name(), m.engine.BuildID())
	}
	return nil
}

func (m *Manager) encode(mod *core.Module) ([]byte, error) {
	raw, err := json.Marshal(body{Script: mod.Script, CodeCache: mod.CodeCache})
	if err != nil {
		return nil, err
	}
	var compressed bytes.Buffer
	w := brotli.NewWriterLevel(&compressed, brotli.DefaultCompression)
	if _, err := w.Write(raw); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	sum := sha256.Sum256(compressed.Bytes())
	hdr, err := json.Marshal(Header{
		Format:     FormatVersion,
		Engine:     m.engine.Name(),
		BuildID:    m.engine.BuildID(),
		Name:       mod.Name,
		SourceHash: mod.Hash,
		BodyHash:   hex.EncodeToString(sum[:]),
		CreatedAt:  time.Now().UTC(),
	})
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, prefixLen+len(hdr)+compressed.Len())
	out = append(out, magic...)
	out = binary.BigEndian.AppendUint16(out, FormatVersion)
	out = binary.BigEndian.AppendUint32(out, uint32(len(hdr)))
	out = append(out, hdr...)
	out = append(out, compressed.Bytes()...)
	return out, nil
}

// IsSnapshot reports whether b starts like a snapshot blob.
func IsSnapshot(b []byte) bool {
	return len(b) >= len(magic) && bytes.Equal(b[:len(magic)], magic)
}

// Inspect decodes only the header of blob.
func Inspect(blob []byte) (Header, error) {
	h, _, err := splitBlob(blob)
	return h, err
}

// Decode decodes blob fully, verifying the body checksum.
func Decode(blob []byte) (Header, *core.Module, error) {
	h, rest, err := splitBlob(blob)
	if err != nil {
		return Header{}, nil, err
	}
	sum := sha256.Sum256(rest)
	if hex.EncodeToString(sum[:]) != h.BodyHash {
		return Header{}, nil, fmt.Errorf("snapshot body checksum mismatch")
	}

	raw, err := io.ReadAll(brotli.NewReader(bytes.NewReader(rest)))
	if err != nil {
		return Header{}, nil, fmt.Errorf("decompressing snapshot body: %w", err)
	}
	var b body
	if err := json.Unmarshal(raw, &b); err != nil {
		return Header{}, nil, fmt.Errorf("decoding snapshot body: %w", err)
	}
	return h, &core.Module{
		Name:      h.Name,
		Hash:      h.SourceHash,
		Script:    b.Script,
		CodeCache: b.CodeCache,
	}, nil
}

func splitBlob(blob []byte) (Header, []byte, error) {
	if !IsSnapshot(blob) || len(blob) < prefixLen {
		return Header{}, nil, fmt.Errorf("not a snapshot")
	}
	if v := binary.BigEndian.Uint16(blob[8:10]); v != FormatVersion {
		return Header{}, nil, fmt.Errorf("unsupported snapshot format %d", v)
	}
	n := binary.BigEndian.Uint32(blob[10:14])
	if n > maxHeaderLen || int(n) > len(blob)-prefixLen {
		return Header{}, nil, fmt.Errorf("snapshot header length %d out of range", n)
	}
	var h Header
	if err := json.Unmarshal(blob[prefixLen:prefixLen+int(n)], &h); err != nil {
		return Header{}, nil, fmt.Errorf("decoding snapshot header: %w", err)
	}
	return h, blob[prefixLen+int(n):], nil
}
