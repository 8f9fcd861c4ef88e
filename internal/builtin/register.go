// Package builtin registers the native modules available to worker scripts.
package builtin

import (
	"github.com/dop251/goja_nodejs/console"
	"github.com/dop251/goja_nodejs/require"
	"github.com/joeycumines/webworker/internal/builtin/xhr"
)

const (
	prefix = "webworker:"

	// ConsoleModule is the console implementation bound to a worker's
	// output streams.
	ConsoleModule = prefix + "console"

	// XHRModule exports XMLHttpRequest.
	XHRModule = prefix + "xhr"
)

// Options holds the per-worker wiring for the native modules.
type Options struct {
	// Printer receives console output.
	Printer console.Printer
	// XHR enables the XMLHttpRequest module when non-nil.
	XHR *xhr.Options
}

// Register registers the native modules with registry. Each worker has its
// own registry, so modules may close over per-worker state.
func Register(registry *require.Registry, opts Options) {
	registry.RegisterNativeModule(ConsoleModule, console.RequireWithPrinter(opts.Printer))
	if opts.XHR != nil {
		registry.RegisterNativeModule(XHRModule, xhr.Require(*opts.XHR))
	}
}

// Modules lists the module names Register will make available for opts.
func Modules(opts Options) []string {
	names := []string{ConsoleModule}
	if opts.XHR != nil {
		names = append(names, XHRModule)
	}
	return names
}
