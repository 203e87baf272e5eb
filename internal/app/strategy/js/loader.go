// Package js hosts strategies written in JavaScript inside goja sandboxes.
package js

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/dop251/goja"
)

// ErrModuleNotFound reports missing strategy modules.
var ErrModuleNotFound = errors.New("strategy module not found")

// Metadata is the `metadata` export every strategy module declares.
type Metadata struct {
	Name        string         `json:"name"`
	Version     string         `json:"version,omitempty"`
	Description string         `json:"description,omitempty"`
	Params      map[string]any `json:"params,omitempty"`
}

func (m Metadata) clone() Metadata {
	out := m
	if len(m.Params) > 0 {
		out.Params = make(map[string]any, len(m.Params))
		for k, v := range m.Params {
			out.Params[k] = v
		}
	}
	return out
}

// Module is a compiled strategy program.
type Module struct {
	Name     string
	Filename string
	Path     string
	Hash     string
	Metadata Metadata
	Program  *goja.Program
	Size     int64
}

// Loader compiles JavaScript strategy modules from a directory.
type Loader struct {
	mu     sync.RWMutex
	root   string
	byName map[string]*Module
}

// NewLoader constructs a Loader rooted at dir. The directory must exist.
func NewLoader(dir string) (*Loader, error) {
	trimmed := strings.TrimSpace(dir)
	if trimmed == "" {
		return nil, fmt.Errorf("strategy loader: root directory required")
	}
	clean := filepath.Clean(trimmed)
	info, err := os.Stat(clean)
	if err != nil {
		return nil, fmt.Errorf("strategy loader: stat %q: %w", clean, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("strategy loader: %q is not a directory", clean)
	}
	return &Loader{root: clean, byName: make(map[string]*Module)}, nil
}

// Root returns the directory scanned by Refresh.
func (l *Loader) Root() string {
	return l.root
}

// Refresh recompiles every module under the root. On error the previous set stays loaded.
func (l *Loader) Refresh(ctx context.Context) error {
	entries, err := os.ReadDir(l.root)
	if err != nil {
		return fmt.Errorf("strategy loader: read directory %q: %w", l.root, err)
	}

	next := make(map[string]*Module)
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("strategy loader: refresh canceled: %w", err)
		}
		if entry.IsDir() || !isJavaScriptFile(entry.Name()) {
			continue
		}
		module, err := compileModule(filepath.Join(l.root, entry.Name()), entry)
		if err != nil {
			return err
		}
		if _, exists := next[module.Name]; exists {
			return fmt.Errorf("strategy loader: duplicate strategy name %q", module.Name)
		}
		next[module.Name] = module
	}

	l.mu.Lock()
	l.byName = next
	l.mu.Unlock()
	return nil
}

// List returns loaded modules ordered by name.
func (l *Loader) List() []*Module {
	l.mu.RLock()
	out := make([]*Module, 0, len(l.byName))
	for _, module := range l.byName {
		out = append(out, module)
	}
	l.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Get returns the named module.
func (l *Loader) Get(name string) (*Module, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	module, ok := l.byName[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, ErrModuleNotFound
	}
	return module, nil
}

func isJavaScriptFile(name string) bool {
	lower := strings.ToLower(strings.TrimSpace(name))
	return strings.HasSuffix(lower, ".js") || strings.HasSuffix(lower, ".mjs")
}

func compileModule(fullPath string, entry fs.DirEntry) (*Module, error) {
	// #nosec G304 -- fullPath is built from os.ReadDir entries within the loader root.
	source, err := os.ReadFile(fullPath)
	if err != nil {
		return nil, fmt.Errorf("strategy loader: read %q: %w", fullPath, err)
	}
	prog, err := goja.Compile(fullPath, string(source), true)
	if err != nil {
		return nil, fmt.Errorf("strategy loader: compile %q: %w", fullPath, err)
	}
	meta, err := extractMetadata(prog)
	if err != nil {
		return nil, fmt.Errorf("strategy loader: %s: %w", fullPath, err)
	}
	sum := sha256.Sum256(source)
	var size int64
	if info, err := entry.Info(); err == nil {
		size = info.Size()
	}
	return &Module{
		Name:     meta.Name,
		Filename: entry.Name(),
		Path:     fullPath,
		Hash:     hex.EncodeToString(sum[:]),
		Metadata: meta,
		Program:  prog,
		Size:     size,
	}, nil
}

func extractMetadata(program *goja.Program) (Metadata, error) {
	rt := goja.New()
	exports, err := runModule(rt, program)
	if err != nil {
		return Metadata{}, err
	}
	raw := exports.Get("metadata")
	if raw == nil || goja.IsUndefined(raw) || goja.IsNull(raw) {
		return Metadata{}, fmt.Errorf("metadata export missing")
	}
	var meta Metadata
	if err := rt.ExportTo(raw, &meta); err != nil {
		return Metadata{}, fmt.Errorf("metadata export invalid: %w", err)
	}
	meta.Name = strings.ToLower(strings.TrimSpace(meta.Name))
	if meta.Name == "" {
		return Metadata{}, fmt.Errorf("metadata name required")
	}
	if create := exports.Get("create"); create == nil {
		return Metadata{}, fmt.Errorf("create export missing")
	} else if _, ok := goja.AssertFunction(create); !ok {
		return Metadata{}, fmt.Errorf("create export must be a function")
	}
	return meta, nil
}

func runModule(rt *goja.Runtime, program *goja.Program) (*goja.Object, error) {
	rt.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))
	module := rt.NewObject()
	exports := rt.NewObject()
	if err := module.Set("exports", exports); err != nil {
		return nil, fmt.Errorf("module init: %w", err)
	}
	if err := rt.Set("exports", exports); err != nil {
		return nil, fmt.Errorf("module init: %w", err)
	}
	if err := rt.Set("module", module); err != nil {
		return nil, fmt.Errorf("module init: %w", err)
	}
	if err := rt.Set("console", silentConsole(rt)); err != nil {
		return nil, fmt.Errorf("module init: %w", err)
	}
	if _, err := rt.RunProgram(program); err != nil {
		return nil, fmt.Errorf("module run: %w", err)
	}
	object := module.Get("exports").ToObject(rt)
	if object == nil {
		return nil, fmt.Errorf("module exports must be an object")
	}
	return object, nil
}

func silentConsole(rt *goja.Runtime) *goja.Object {
	console := rt.NewObject()
	noop := func(goja.FunctionCall) goja.Value { return goja.Undefined() }
	for _, name := range []string{"log", "error", "warn", "info"} {
		_ = console.Set(name, noop)
	}
	return console
}
