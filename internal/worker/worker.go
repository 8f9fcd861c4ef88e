// Package worker runs JavaScript in browser-style isolated workers.
//
// Each Worker owns a goja runtime on its own event loop goroutine. The host
// exchanges structured messages with it, observes its console output and
// uncaught errors as events, and may terminate it at any time. Inside, the
// script sees a worker global scope (see package bootstrap).
//
// Events are delivered in production order on a per-worker dispatcher
// goroutine. Listeners added with On after construction may miss events the
// script produced before registration; use WithListener to observe every
// event.
package worker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/dop251/goja"
	"github.com/dop251/goja_nodejs/require"
	"github.com/google/uuid"
	"github.com/joeycumines/webworker/internal/bootstrap"
	"github.com/joeycumines/webworker/internal/builtin"
	"github.com/joeycumines/webworker/internal/builtin/xhr"
	"github.com/joeycumines/webworker/internal/metrics"
	"github.com/joeycumines/webworker/internal/structured"
	"go.uber.org/zap"
)

// Worker is the host-side handle of a running worker.
type Worker struct {
	id       string
	filename string
	dirname  string
	opts     options
	log      *zap.Logger

	initialized bool
	program     *goja.Program

	rt     *Runtime
	scope  *bootstrap.Scope
	queue  *eventQueue
	ctx    context.Context
	cancel context.CancelFunc
	// mu guards listeners and stopWatch.
	mu        sync.RWMutex
	listeners map[EventType][]*listenerEntry
	stopWatch func() bool

	terminated atomic.Bool
	exited     atomic.Bool
	finished   atomic.Bool
	done       chan struct{}
}

type listenerEntry struct {
	fn Listener
}

// New starts a worker running the script at path.
func New(path string, opts ...Option) (*Worker, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, &ConstructionError{Script: path, Err: err}
	}
	src, err := os.ReadFile(abs)
	if err != nil {
		return nil, &ConstructionError{Script: abs, Err: err}
	}
	return start(abs, filepath.Dir(abs), string(src), opts)
}

// NewFromSource starts a worker running src. Relative imports resolve
// against the working directory.
func NewFromSource(src string, opts ...Option) (*Worker, error) {
	dir, err := os.Getwd()
	if err != nil {
		return nil, &ConstructionError{Script: EvalFilename, Err: err}
	}
	return start(EvalFilename, dir, src, opts)
}

func start(filename, dirname, src string, opts []Option) (*Worker, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	w := &Worker{
		id:        uuid.NewString(),
		filename:  filename,
		dirname:   dirname,
		opts:      o,
		queue:     newEventQueue(),
		listeners: make(map[EventType][]*listenerEntry),
		done:      make(chan struct{}),
	}
	w.log = o.logger.With(zap.String("worker", w.id), zap.String("script", filename))

	if err := w.compose(src); err != nil {
		return nil, &ConstructionError{Script: filename, Err: err}
	}

	for _, r := range o.listeners {
		w.On(r.typ, r.fn)
	}

	w.ctx, w.cancel = context.WithCancel(o.ctx)
	client := o.client
	if client == nil && (o.xhr || o.networkImports) {
		client = xhr.NewClient(xhr.ClientConfig{Logger: w.log})
	}

	cfg := bootstrap.Config{
		Filename: filename,
		Dirname:  dirname,
		Name:     o.name,
		HasName:  o.hasName,
		Host:     host{w},
		XHR:      o.xhr,
		Context:  w.ctx,
		Logger:   w.log,
	}
	if o.networkImports {
		cfg.Fetcher = client
	}
	w.scope = bootstrap.New(cfg)

	registry := require.NewRegistry()
	modules := builtin.Options{Printer: w.scope.Printer()}
	if o.xhr {
		modules.XHR = &xhr.Options{
			Client:  client,
			Context: w.ctx,
			Schedule: func(fn func(*goja.Runtime)) bool {
				return w.rt.RunOnLoop(fn)
			},
			Report: w.scope.ReportError,
			Logger: w.log,
		}
	}
	builtin.Register(registry, modules)

	w.rt = NewRuntime(registry)
	o.metrics.Started()
	if o.ctx.Done() != nil {
		stop := context.AfterFunc(o.ctx, w.Terminate)
		w.mu.Lock()
		w.stopWatch = stop
		w.mu.Unlock()
	}
	go w.dispatch()

	// a context that is already done terminates the worker before boot
	if !w.rt.RunOnLoop(w.boot) && !w.terminated.Load() {
		w.Terminate()
		return nil, &ConstructionError{Script: filename, Err: ErrLoopNotRunning}
	}
	w.log.Debug("worker started")
	return w, nil
}

// compose compiles the user program. It runs once per worker.
func (w *Worker) compose(src string) error {
	if w.initialized {
		return nil
	}
	prg, err := goja.Compile(w.filename, src, false)
	if err != nil {
		return err
	}
	w.program = prg
	w.initialized = true
	return nil
}

// boot installs the worker scope and runs the program. It is the first job
// on the loop.
func (w *Worker) boot(vm *goja.Runtime) {
	if w.terminated.Load() {
		return
	}
	if err := w.scope.Install(vm); err != nil {
		w.log.Error("failed to install worker scope", zap.Error(err))
		host{w}.ReportError(&UncaughtError{Name: "Error", Message: err.Error()})
		return
	}
	w.scope.Run(w.program)
}

// ID returns the worker's unique identifier.
func (w *Worker) ID() string { return w.id }

// Name returns the name given with WithName, or "" when unnamed.
func (w *Worker) Name() string { return w.opts.name }

// Filename returns the absolute script path, or EvalFilename.
func (w *Worker) Filename() string { return w.filename }

// Terminated reports whether Terminate has been called.
func (w *Worker) Terminated() bool { return w.terminated.Load() }

// Done is closed after Terminate, or after the worker's exit event has been
// delivered.
func (w *Worker) Done() <-chan struct{} { return w.done }

// Wait blocks until Done is closed or ctx ends.
func (w *Worker) Wait(ctx context.Context) error {
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// On registers fn for events of type typ. The returned func removes it.
func (w *Worker) On(typ EventType, fn Listener) (remove func()) {
	entry := &listenerEntry{fn: fn}
	w.mu.Lock()
	w.listeners[typ] = append(w.listeners[typ], entry)
	w.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			w.mu.Lock()
			defer w.mu.Unlock()
			list := w.listeners[typ]
			for i, e := range list {
				if e == entry {
					w.listeners[typ] = append(list[:i:i], list[i+1:]...)
					return
				}
			}
		})
	}
}

// PostMessage clones v and delivers {data: v} to the worker's message
// listeners and onmessage handler. Slices in transfer are moved instead of
// copied; the caller must not use them afterwards.
//
// It returns a *structured.SerializationError if v cannot be cloned. After
// termination or exit the message is dropped and PostMessage returns nil.
func (w *Worker) PostMessage(v any, transfer ...[]byte) error {
	if w.terminated.Load() || w.exited.Load() {
		return nil
	}
	data, err := structured.Clone(v, transfer...)
	if err != nil {
		return err
	}
	env := structured.Envelope{Data: data}
	if w.rt.RunOnLoop(func(*goja.Runtime) { w.scope.Deliver(env) }) {
		w.opts.metrics.Message(metrics.Inbound)
	}
	return nil
}

// Terminate stops the worker immediately. Running script is interrupted,
// queued events are discarded and no further events are delivered. It is
// safe to call multiple times and from any goroutine, including listeners.
func (w *Worker) Terminate() {
	if !w.terminated.CompareAndSwap(false, true) {
		return
	}
	w.rt.Interrupt(bootstrap.ErrTerminated)
	w.rt.Stop()
	w.cancel()
	w.queue.discard()
	w.finish(metrics.ExitTerminated)
	w.log.Debug("worker terminated")
}

// finish records the end of the worker once, whichever way it ended.
func (w *Worker) finish(reason string) {
	if w.finished.CompareAndSwap(false, true) {
		w.opts.metrics.Exited(reason)
		w.mu.RLock()
		stop := w.stopWatch
		w.mu.RUnlock()
		if stop != nil {
			stop()
		}
	}
}

func (w *Worker) dispatch() {
	defer close(w.done)
	for {
		ev, ok := w.queue.next()
		if !ok {
			return
		}
		w.emit(ev)
	}
}

func (w *Worker) emit(ev Event) {
	w.mu.RLock()
	list := append([]*listenerEntry(nil), w.listeners[ev.Type]...)
	w.mu.RUnlock()
	for _, e := range list {
		if w.terminated.Load() {
			return
		}
		w.call(e.fn, ev)
	}
}

func (w *Worker) call(fn Listener, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Error("worker event listener panicked",
				zap.String("event", string(ev.Type)),
				zap.Error(panicError(r)),
			)
		}
	}()
	fn(ev)
}

func panicError(r any) error {
	if err, ok := r.(error); ok {
		return err
	}
	return fmt.Errorf("%v", r)
}

// host implements bootstrap.Host, turning scope output into queued events.
type host struct {
	w *Worker
}

func (h host) PostMessage(env structured.Envelope) {
	if h.w.terminated.Load() {
		return
	}
	if h.w.queue.push(Event{Type: EventMessage, Message: env}) {
		h.w.opts.metrics.Message(metrics.Outbound)
	}
}

func (h host) Write(stream bootstrap.Stream, chunk string) {
	if h.w.terminated.Load() {
		return
	}
	typ := EventConsoleLog
	if stream == bootstrap.Stderr {
		typ = EventConsoleError
	}
	if h.w.queue.push(Event{Type: typ, Text: chunk}) {
		h.w.opts.metrics.Console(stream.String())
	}
}

func (h host) ReportError(err *UncaughtError) {
	if h.w.terminated.Load() {
		return
	}
	h.w.log.Warn("uncaught error in worker", zap.Error(err))
	if h.w.queue.push(Event{Type: EventError, Err: err}) {
		h.w.opts.metrics.UncaughtError()
	}
}

func (h host) Exit(code int) {
	w := h.w
	if !w.exited.CompareAndSwap(false, true) {
		return
	}
	w.log.Debug("worker exited", zap.Int("code", code))
	if !w.terminated.Load() {
		w.queue.push(Event{Type: EventExit, Code: code})
	}
	w.queue.close()
	w.finish(metrics.ExitClosed)
	w.rt.Stop()
	w.cancel()
}

var _ bootstrap.Host = host{}
