package modules

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/streamfabric/fabric/pkg/moduleapi"
)

// pluginExtension is the file extension the loader treats as a candidate
// plugin. Anything else in the directory is ignored.
const pluginExtension = ".so"

// ErrPathTraversal indicates a configured module directory or file escapes
// its expected root.
var ErrPathTraversal = fmt.Errorf("path traversal detected")

// ValidateModulePath cleans and resolves a configured path, rejecting any
// ".." path segment left over after cleaning.
func ValidateModulePath(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("module path is empty")
	}
	cleaned := filepath.Clean(path)
	for _, seg := range strings.FieldsFunc(cleaned, func(r rune) bool { return r == '/' || r == '\\' }) {
		if seg == ".." {
			return "", fmt.Errorf("%w: %s", ErrPathTraversal, path)
		}
	}
	abs, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path: %w", err)
	}
	return abs, nil
}

// LoadResult is the outcome of one directory scan: the modules that loaded
// successfully, keyed by module id, plus the failures that were skipped.
type LoadResult struct {
	Loaded map[string]*Handle
	Failed map[string]error
}

// pluginSource abstracts the platform-specific plugin.Plugin lookup so the
// loader's control flow can be tested without a real .so file.
type pluginSource interface {
	lookupConstructor(name string) (moduleapi.Constructor, error)
}

// Loader discovers and instantiates plugin files in a configured directory.
//
// Discovery follows the filename convention of §4.1: a file named foo.so is
// loaded as a compilation unit, and the loader resolves an exported symbol
// named exactly "foo" from it. That symbol must be a moduleapi.Constructor;
// calling it with no arguments produces the Module instance. A module that
// satisfies the interface is hosted; a file that doesn't resolve a matching
// symbol, or whose symbol doesn't implement Module, is skipped with an
// error and does not abort the rest of the scan.
type Loader struct {
	logger *slog.Logger
	open   func(path string) (pluginSource, error)
}

// NewLoader creates a Loader. If logger is nil, slog.Default() is used.
func NewLoader(logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{logger: logger, open: openPlugin}
}

// Load scans directory for plugin files and instantiates each one. A
// non-existent directory is not fatal: it yields an empty result and a
// logged warning, matching §4.1's "load(directory)" contract.
func (l *Loader) Load(directory string) (*LoadResult, error) {
	result := &LoadResult{
		Loaded: make(map[string]*Handle),
		Failed: make(map[string]error),
	}

	root, err := ValidateModulePath(directory)
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			l.logger.Warn("module directory does not exist", "dir", root)
			return result, nil
		}
		return nil, fmt.Errorf("read module directory: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != pluginExtension {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		stem := strings.TrimSuffix(name, pluginExtension)
		path := filepath.Join(root, name)
		handle, err := l.loadOne(stem, path)
		if err != nil {
			l.logger.Error("module load failed", "module", stem, "path", path, "error", err)
			result.Failed[stem] = err
			continue
		}
		result.Loaded[handle.ID] = handle
	}

	return result, nil
}

func (l *Loader) loadOne(stem, path string) (*Handle, error) {
	ph, err := l.open(path)
	if err != nil {
		return nil, fmt.Errorf("open plugin: %w", err)
	}

	ctor, err := ph.lookupConstructor(stem)
	if err != nil {
		return nil, err
	}

	mod, err := ctor()
	if err != nil {
		return nil, fmt.Errorf("construct module: %w", err)
	}
	if mod == nil {
		return nil, fmt.Errorf("constructor %s returned a nil module", stem)
	}

	handle := NewHandle(stem, stem, path, mod)
	handle.SetStatus(moduleapi.StatusLoading)
	return handle, nil
}
