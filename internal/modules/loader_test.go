package modules

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/streamfabric/fabric/pkg/moduleapi"
)

type fakeModule struct {
	*moduleapi.Base
}

func newFakeModule() (moduleapi.Module, error) {
	return &fakeModule{Base: moduleapi.NewBase()}, nil
}

func (f *fakeModule) UpdateStreamsForever(ctx context.Context) error { <-ctx.Done(); return ctx.Err() }
func (f *fakeModule) UpdateMultipleConfigs(_ context.Context, delta map[string]any) error {
	return f.ApplyConfigDelta(delta)
}
func (f *fakeModule) ControlModule(_ context.Context, _ string) error { return nil }

type fakeSource struct {
	symbols map[string]moduleapi.Constructor
}

func (s fakeSource) lookupConstructor(name string) (moduleapi.Constructor, error) {
	ctor, ok := s.symbols[name]
	if !ok {
		return nil, fmt.Errorf("symbol %q not found", name)
	}
	return ctor, nil
}

func touchFiles(t *testing.T, dir string, names ...string) {
	t.Helper()
	for _, n := range names {
		if err := os.WriteFile(filepath.Join(dir, n), []byte("stub"), 0o644); err != nil {
			t.Fatalf("write %s: %v", n, err)
		}
	}
}

func TestLoadMissingDirectoryIsNotFatal(t *testing.T) {
	l := NewLoader(nil)
	result, err := l.Load(filepath.Join(t.TempDir(), "does-not-exist"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.Loaded) != 0 || len(result.Failed) != 0 {
		t.Fatalf("expected empty result, got %+v", result)
	}
}

// TestPartialLoadFailureIsolation covers T6: loading N plugins where k fail
// returns exactly N-k modules, and a failed plugin leaves no trace in Loaded.
func TestPartialLoadFailureIsolation(t *testing.T) {
	dir := t.TempDir()
	touchFiles(t, dir, "good_a.so", "good_b.so", "bad_unresolvable.so", "not_a_plugin.txt")

	l := NewLoader(nil)
	l.open = func(path string) (pluginSource, error) {
		switch filepath.Base(path) {
		case "good_a.so":
			return fakeSource{symbols: map[string]moduleapi.Constructor{"good_a": newFakeModule}}, nil
		case "good_b.so":
			return fakeSource{symbols: map[string]moduleapi.Constructor{"good_b": newFakeModule}}, nil
		default:
			return fakeSource{symbols: map[string]moduleapi.Constructor{}}, nil
		}
	}

	result, err := l.Load(dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.Loaded) != 2 {
		t.Fatalf("expected 2 loaded modules, got %d: %+v", len(result.Loaded), result.Loaded)
	}
	if _, ok := result.Loaded["good_a"]; !ok {
		t.Error("expected good_a to be loaded")
	}
	if _, ok := result.Loaded["good_b"]; !ok {
		t.Error("expected good_b to be loaded")
	}
	if _, ok := result.Loaded["bad_unresolvable"]; ok {
		t.Error("bad_unresolvable must not appear in Loaded")
	}
	if len(result.Failed) != 1 {
		t.Fatalf("expected 1 failure, got %d: %+v", len(result.Failed), result.Failed)
	}
	if _, ok := result.Failed["bad_unresolvable"]; !ok {
		t.Error("expected bad_unresolvable to be recorded as a failure")
	}
	// The .txt file is never a candidate.
	if _, ok := result.Failed["not_a_plugin"]; ok {
		t.Error("non-.so files must be ignored entirely")
	}
}

func TestConstructorErrorIsSkippedNotFatal(t *testing.T) {
	dir := t.TempDir()
	touchFiles(t, dir, "broken.so")

	l := NewLoader(nil)
	l.open = func(path string) (pluginSource, error) {
		return fakeSource{symbols: map[string]moduleapi.Constructor{
			"broken": func() (moduleapi.Module, error) { return nil, fmt.Errorf("boom") },
		}}, nil
	}

	result, err := l.Load(dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.Loaded) != 0 {
		t.Fatalf("expected no modules loaded, got %d", len(result.Loaded))
	}
	if _, ok := result.Failed["broken"]; !ok {
		t.Error("expected broken constructor to be recorded as a failure")
	}
}

func TestValidateModulePathRejectsTraversal(t *testing.T) {
	if _, err := ValidateModulePath("../../etc"); err == nil {
		t.Fatal("expected traversal to be rejected")
	}
	if _, err := ValidateModulePath(""); err == nil {
		t.Fatal("expected empty path to be rejected")
	}
}
