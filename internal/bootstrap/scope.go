// Package bootstrap installs the worker global scope into a goja runtime.
//
// A Scope owns everything a worker script can see on its global object:
// identity (self, name, __filename, __dirname), the event router (on, off,
// emit, addEventListener, removeEventListener), the onmessage and onerror
// slots, postMessage, structuredClone, btoa, atob, importScripts, close,
// console, XMLHttpRequest and error-reporting timers.
//
// Every method of Scope except Halted must be called from the runtime's
// event loop goroutine.
package bootstrap

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/dop251/goja"
	"github.com/joeycumines/webworker/internal/emitter"
	"github.com/joeycumines/webworker/internal/structured"
	"go.uber.org/zap"
)

// Stream identifies a console output stream.
type Stream int

const (
	Stdout Stream = iota
	Stderr
)

func (s Stream) String() string {
	if s == Stderr {
		return "stderr"
	}
	return "stdout"
}

// Host receives everything a worker scope sends outward. Implementations
// must not block for long: they are called from the event loop.
type Host interface {
	// PostMessage is called with each successfully cloned outbound message.
	PostMessage(env structured.Envelope)
	// Write is called with each chunk of console output, newline included.
	Write(stream Stream, chunk string)
	// ReportError is called for each uncaught error not handled by onerror.
	ReportError(err *UncaughtError)
	// Exit is called once, when the script calls close().
	Exit(code int)
}

// Fetcher retrieves remote scripts for importScripts.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// Config configures a Scope.
type Config struct {
	// Filename is the absolute path of the worker script, or a placeholder
	// for inline source.
	Filename string
	// Dirname is the directory relative imports resolve against.
	Dirname string
	// Name is exposed as the global name when HasName is set.
	Name    string
	HasName bool

	Host Host

	// Fetcher serves http and https imports. Nil disables them.
	Fetcher Fetcher
	// XHR installs XMLHttpRequest from the registered native module.
	XHR bool

	Context context.Context
	Logger  *zap.Logger
}

// Scope is the worker global scope bound to one runtime.
type Scope struct {
	cfg    Config
	log    *zap.Logger
	vm     *goja.Runtime
	global *goja.Object
	router *emitter.Router[goja.Value]

	onmessage goja.Value
	onerror   goja.Value

	closed atomic.Bool
	halted atomic.Bool
}

// New creates a Scope. Install must be called before use.
func New(cfg Config) *Scope {
	if cfg.Context == nil {
		cfg.Context = context.Background()
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Scope{
		cfg: cfg,
		log: log.With(zap.String("filename", cfg.Filename)),
		router: emitter.New(func(a, b goja.Value) bool {
			return a.SameAs(b)
		}),
		onmessage: goja.Null(),
		onerror:   goja.Null(),
	}
}

// Halted reports whether the scope has stopped running script, either
// because it closed itself or because the runtime was interrupted. Safe for
// concurrent use.
func (s *Scope) Halted() bool {
	return s.closed.Load() || s.halted.Load()
}

// Run executes a compiled worker program in the global scope. Errors are
// reported to the host rather than returned.
func (s *Scope) Run(prg *goja.Program) {
	if s.Halted() {
		return
	}
	if _, err := s.vm.RunProgram(prg); err != nil {
		s.report(err)
	}
}

// Deliver dispatches an inbound message: router listeners for "message" in
// registration order, then the onmessage slot. Each listener's error is
// reported separately and does not stop the others.
func (s *Scope) Deliver(env structured.Envelope) {
	if s.Halted() {
		return
	}
	data, err := structured.ToJS(s.vm, env.Data)
	if err != nil {
		s.cfg.Host.ReportError(&UncaughtError{Name: "DataCloneError", Message: err.Error()})
		return
	}
	event := s.vm.NewObject()
	_ = event.Set("type", "message")
	_ = event.Set("data", data)

	for _, l := range s.router.Listeners("message") {
		if s.Halted() {
			return
		}
		if fn, ok := goja.AssertFunction(l); ok {
			s.invoke(fn, event)
		}
	}
	if s.Halted() {
		return
	}
	if fn, ok := goja.AssertFunction(s.onmessage); ok {
		s.invoke(fn, event)
	}
}

func (s *Scope) invoke(fn goja.Callable, args ...goja.Value) {
	if _, err := fn(s.global, args...); err != nil {
		s.report(err)
	}
}

// ReportError reports an error raised by an asynchronous operation as if it
// were thrown by script.
func (s *Scope) ReportError(err error) {
	s.report(err)
}

// report routes an uncaught error through onerror and on to the host.
// Interrupts and anything after close are dropped.
func (s *Scope) report(err error) {
	if isInterrupt(err) {
		s.halted.Store(true)
		return
	}
	if s.Halted() {
		return
	}

	ue := uncaught(s.vm, err)
	if fn, ok := goja.AssertFunction(s.onerror); ok {
		var thrown goja.Value = goja.Undefined()
		var ex *goja.Exception
		if errors.As(err, &ex) && ex.Value() != nil {
			thrown = ex.Value()
		}
		ret, herr := fn(s.global,
			s.vm.ToValue(ue.Message),
			s.vm.ToValue(s.cfg.Filename),
			s.vm.ToValue(0),
			s.vm.ToValue(0),
			thrown,
		)
		switch {
		case herr != nil && isInterrupt(herr):
			s.halted.Store(true)
			return
		case herr != nil:
			s.log.Debug("onerror handler threw", zap.Error(herr))
			if !s.Halted() {
				s.cfg.Host.ReportError(uncaught(s.vm, herr))
			}
		case ret != nil && ret.Export() == true:
			return
		}
	}
	if s.Halted() {
		return
	}
	s.cfg.Host.ReportError(ue)
}

// rethrow propagates an error from a nested JS call made by a native
// function.
func (s *Scope) rethrow(err error) {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		panic(interrupted)
	}
	var ex *goja.Exception
	if errors.As(err, &ex) {
		panic(ex)
	}
	panic(s.vm.NewGoError(err))
}

// throw raises a JS error named name in the calling script.
func (s *Scope) throw(name, message string) {
	panic(newError(s.vm, name, message))
}
