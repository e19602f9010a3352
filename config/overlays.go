package config

import (
	"bytes"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/ast"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/format"
	"cuelang.org/go/cue/load"
)

var (
	overlayMu sync.RWMutex
	overlays  = make(map[string]string)

	defaultMu       sync.Mutex
	defaultOverlays []func() error
	defaultApplied  int
)

// OverlayDescriptor describes a virtual CUE file that can be registered as
// an overlay.
type OverlayDescriptor struct {
	Path   string
	Source string
}

// RegisterOverlayString registers a virtual CUE file from a raw string.
// Registered overlays participate in document validation and are exposed to
// external CUE tooling via ResolveOverlays.
func RegisterOverlayString(path, source string) error {
	normalized, err := normalizeOverlayPath(path)
	if err != nil {
		return err
	}
	if strings.TrimSpace(source) == "" {
		return errors.New("overlay source must not be empty")
	}
	overlayMu.Lock()
	defer overlayMu.Unlock()
	if _, exists := overlays[normalized]; exists {
		return fmt.Errorf("overlay %s already registered", normalized)
	}
	overlays[normalized] = source
	return nil
}

// RegisterOverlayFile registers a virtual CUE file from a parsed AST.
func RegisterOverlayFile(path string, file *ast.File) error {
	if file == nil {
		return errors.New("overlay file must not be nil")
	}
	rendered, err := format.Node(file)
	if err != nil {
		return fmt.Errorf("render overlay %s: %w", path, err)
	}
	return RegisterOverlayString(path, string(rendered))
}

// RegisterOverlayDescriptor registers an overlay described by the provided
// descriptor.
func RegisterOverlayDescriptor(desc OverlayDescriptor) error {
	return RegisterOverlayString(desc.Path, desc.Source)
}

// RegisterOverlayDescriptors registers all provided overlay descriptors.
func RegisterOverlayDescriptors(descs ...OverlayDescriptor) error {
	for _, desc := range descs {
		if err := RegisterOverlayDescriptor(desc); err != nil {
			return err
		}
	}
	return nil
}

// RegisterDefaultOverlay queues a registration performed lazily before the
// first validation. Driver packages call it from init so their schema
// fragments join the registry without import-order games.
func RegisterDefaultOverlay(register func() error) {
	if register == nil {
		return
	}
	defaultMu.Lock()
	defaultOverlays = append(defaultOverlays, register)
	defaultMu.Unlock()
}

func applyDefaultOverlays() error {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	for ; defaultApplied < len(defaultOverlays); defaultApplied++ {
		if err := defaultOverlays[defaultApplied](); err != nil {
			return err
		}
	}
	return nil
}

func normalizeOverlayPath(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "", errors.New("overlay path must not be empty")
	}
	cleaned := filepath.Clean(trimmed)
	if cleaned == "." || cleaned == string(filepath.Separator) {
		return "", errors.New("overlay path must reference a file")
	}
	return cleaned, nil
}

// ResolveOverlays returns a copy of the overlay registry with absolute
// paths, ready for a cue/load.Config.
func ResolveOverlays(baseDir string) map[string]load.Source {
	_ = applyDefaultOverlays()
	overlayMu.RLock()
	defer overlayMu.RUnlock()
	if len(overlays) == 0 {
		return nil
	}
	resolved := make(map[string]load.Source, len(overlays))
	for path, source := range overlays {
		resolved[filepath.Join(baseDir, path)] = load.FromString(source)
	}
	return resolved
}

// ResetOverlaysForTest clears the overlay registry. Default overlays are
// re-registered on next use. This helper is intended for tests only.
func ResetOverlaysForTest() {
	overlayMu.Lock()
	overlays = make(map[string]string)
	overlayMu.Unlock()
	defaultMu.Lock()
	defaultApplied = 0
	defaultMu.Unlock()
}

func resetOverlaysForTest() {
	ResetOverlaysForTest()
}

// schemaSources returns the registered overlay bodies in a stable order.
func schemaSources() []string {
	overlayMu.RLock()
	defer overlayMu.RUnlock()
	moduleFile := filepath.Join("cue.mod", "module.cue")
	paths := make([]string, 0, len(overlays))
	for path := range overlays {
		if path == moduleFile {
			continue
		}
		paths = append(paths, path)
	}
	sort.Strings(paths)
	sources := make([]string, 0, len(paths))
	for _, path := range paths {
		sources = append(sources, overlays[path])
	}
	return sources
}

// validateDocument unifies the decoded YAML document with the registered
// #Config schema and reports any conflict. Unknown top-level keys and
// mistyped fields fail here, before struct decoding.
func validateDocument(document map[string]interface{}) error {
	if len(document) == 0 {
		return nil
	}
	if err := applyDefaultOverlays(); err != nil {
		return fmt.Errorf("register overlays: %w", err)
	}

	ctx := cuecontext.New()
	merged := ctx.CompileString("{}")
	for _, source := range schemaSources() {
		fragment := ctx.CompileString(stripPackageClause(source))
		if err := fragment.Err(); err != nil {
			return fmt.Errorf("compile overlay schema: %w", err)
		}
		merged = merged.Unify(fragment)
	}
	if err := merged.Err(); err != nil {
		return fmt.Errorf("merge overlay schemas: %w", err)
	}

	schema := merged.LookupPath(cue.ParsePath("#Config"))
	if !schema.Exists() {
		// Without a schema there is nothing to check against; the struct
		// decoder still applies.
		return nil
	}
	value := ctx.Encode(document)
	if err := value.Err(); err != nil {
		return fmt.Errorf("encode document: %w", err)
	}
	unified := schema.Unify(value)
	if err := unified.Err(); err != nil {
		return fmt.Errorf("schema check: %w", err)
	}
	if err := unified.Validate(); err != nil {
		return fmt.Errorf("schema check: %w", err)
	}
	return nil
}

// stripPackageClause drops a leading package declaration so fragments from
// different virtual files can be compiled into one value.
func stripPackageClause(source string) string {
	var out bytes.Buffer
	for _, line := range strings.Split(source, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "package ") {
			continue
		}
		out.WriteString(line)
		out.WriteByte('\n')
	}
	return out.String()
}
