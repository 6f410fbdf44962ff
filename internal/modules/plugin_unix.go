//go:build !windows

package modules

import (
	"fmt"
	"plugin"

	"github.com/streamfabric/fabric/pkg/moduleapi"
)

// pluginHandle wraps the stdlib plugin.Plugin so loader.go stays agnostic
// to the build-tagged implementation.
type pluginHandle struct {
	p *plugin.Plugin
}

func openPlugin(path string) (pluginSource, error) {
	p, err := plugin.Open(path)
	if err != nil {
		return nil, err
	}
	return &pluginHandle{p: p}, nil
}

// lookupConstructor resolves the exported symbol matching name and asserts
// it is a moduleapi.Constructor (or a plain func() moduleapi.Module, which
// is wrapped into one).
func (h *pluginHandle) lookupConstructor(name string) (moduleapi.Constructor, error) {
	sym, err := h.p.Lookup(name)
	if err != nil {
		return nil, fmt.Errorf("resolve symbol %q: %w", name, err)
	}
	switch ctor := sym.(type) {
	case moduleapi.Constructor:
		return ctor, nil
	case *moduleapi.Constructor:
		return *ctor, nil
	case func() (moduleapi.Module, error):
		return ctor, nil
	case func() moduleapi.Module:
		return func() (moduleapi.Module, error) { return ctor(), nil }, nil
	default:
		return nil, fmt.Errorf("symbol %q does not implement moduleapi.Constructor", name)
	}
}
