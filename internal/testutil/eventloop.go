package testutil

import (
	"testing"
	"time"

	"github.com/dop251/goja"
	"github.com/dop251/goja_nodejs/eventloop"
	"github.com/dop251/goja_nodejs/require"
)

// EventLoop is a running goja event loop owned by a test.
type EventLoop struct {
	Loop     *eventloop.EventLoop
	Registry *require.Registry
}

// NewEventLoop starts an event loop whose registry is first passed to
// configure, if non-nil. The loop is stopped when the test ends.
func NewEventLoop(t testing.TB, configure func(*require.Registry)) *EventLoop {
	t.Helper()
	registry := require.NewRegistry()
	if configure != nil {
		configure(registry)
	}
	loop := eventloop.NewEventLoop(
		eventloop.WithRegistry(registry),
		eventloop.EnableConsole(false),
	)
	loop.Start()
	t.Cleanup(func() { loop.Stop() })
	return &EventLoop{Loop: loop, Registry: registry}
}

// Run executes fn on the loop and waits for it, failing the test if fn
// returns an error or does not finish within five seconds.
func (l *EventLoop) Run(t testing.TB, fn func(vm *goja.Runtime) error) {
	t.Helper()
	errCh := make(chan error, 1)
	if !l.Loop.RunOnLoop(func(vm *goja.Runtime) { errCh <- fn(vm) }) {
		t.Fatal("event loop is not running")
	}
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the event loop")
	}
}
