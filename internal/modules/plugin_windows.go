//go:build windows

package modules

import (
	"fmt"

	"github.com/streamfabric/fabric/pkg/moduleapi"
)

// pluginHandle has no usable implementation on windows: the Go plugin
// package only supports linux, darwin, and freebsd. Hosts on windows should
// use the sidecar loader instead (see sidecar.go).
type pluginHandle struct{}

func openPlugin(path string) (pluginSource, error) {
	return nil, fmt.Errorf("native plugin loading is unsupported on windows; use a sidecar module instead")
}

func (h *pluginHandle) lookupConstructor(name string) (moduleapi.Constructor, error) {
	return nil, fmt.Errorf("native plugin loading is unsupported on windows")
}
