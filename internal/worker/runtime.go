package worker

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/dop251/goja"
	"github.com/dop251/goja_nodejs/eventloop"
	"github.com/dop251/goja_nodejs/require"
)

// ErrLoopNotRunning is returned when work is submitted to a stopped loop.
var ErrLoopNotRunning = errors.New("event loop not running")

// Runtime owns one goja runtime and the event loop that serializes all
// access to it.
//
// The goja.Runtime is not goroutine-safe: everything except Interrupt must
// happen inside RunOnLoop callbacks.
type Runtime struct {
	loop *eventloop.EventLoop

	// vm is captured by the first job so Interrupt can reach it from other
	// goroutines.
	vm atomic.Pointer[goja.Runtime]

	mu      sync.Mutex
	stopped bool
}

// NewRuntime starts an event loop using registry, which must already hold
// every native module the scripts will require. It does not wait for the
// loop to run anything.
func NewRuntime(registry *require.Registry) *Runtime {
	if registry == nil {
		registry = require.NewRegistry()
	}
	rt := &Runtime{
		loop: eventloop.NewEventLoop(
			eventloop.WithRegistry(registry),
			eventloop.EnableConsole(false),
		),
	}
	rt.loop.Start()
	return rt
}

// RunOnLoop schedules fn on the loop goroutine, returning false if the loop
// is stopped.
func (rt *Runtime) RunOnLoop(fn func(*goja.Runtime)) bool {
	rt.mu.Lock()
	stopped := rt.stopped
	rt.mu.Unlock()
	if stopped {
		return false
	}

	return rt.loop.RunOnLoop(func(vm *goja.Runtime) {
		rt.vm.CompareAndSwap(nil, vm)
		fn(vm)
	})
}

// Interrupt aborts whatever JS is running, with v as the interrupt value.
// It is safe to call from any goroutine, and does nothing before the loop
// has run its first job.
func (rt *Runtime) Interrupt(v any) {
	if vm := rt.vm.Load(); vm != nil {
		vm.Interrupt(v)
	}
}

// Stop stops the loop without waiting for it. Queued jobs are abandoned.
// It is safe to call from the loop goroutine and to call multiple times.
func (rt *Runtime) Stop() {
	rt.mu.Lock()
	if rt.stopped {
		rt.mu.Unlock()
		return
	}
	rt.stopped = true
	rt.mu.Unlock()
	rt.loop.StopNoWait()
}
