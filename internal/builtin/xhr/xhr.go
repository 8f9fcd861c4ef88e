// Package xhr implements XMLHttpRequest for worker scripts, registered as
// "webworker:xhr".
//
// Asynchronous requests run on their own goroutine and complete on the
// worker's event loop through Options.Schedule. Synchronous requests block
// the loop until the response is read.
package xhr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/dop251/goja"
	"github.com/dop251/goja_nodejs/require"
	"github.com/joeycumines/webworker/internal/emitter"
	"github.com/joeycumines/webworker/internal/structured"
	"go.uber.org/zap"
)

// Ready states.
const (
	Unsent          = 0
	Opened          = 1
	HeadersReceived = 2
	Loading         = 3
	Done            = 4
)

// Options wires the module to its worker.
type Options struct {
	Client *Client
	// Context cancels in-flight requests. Once it is done, completions are
	// dropped without events.
	Context context.Context
	// Schedule runs fn on the worker's event loop, reporting false if the
	// loop is no longer accepting work.
	Schedule func(fn func(*goja.Runtime)) bool
	// Report receives errors thrown by event handlers.
	Report func(err error)
	Logger *zap.Logger
}

// Require returns the module loader exporting XMLHttpRequest.
func Require(opts Options) require.ModuleLoader {
	if opts.Context == nil {
		opts.Context = context.Background()
	}
	if opts.Client == nil {
		opts.Client = NewClient(ClientConfig{Logger: opts.Logger})
	}
	if opts.Report == nil {
		opts.Report = func(error) {}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return func(vm *goja.Runtime, module *goja.Object) {
		exports := module.Get("exports").(*goja.Object)
		ctor := vm.ToValue(func(call goja.ConstructorCall) *goja.Object {
			r := &request{
				opts:   &opts,
				vm:     vm,
				obj:    call.This,
				router: emitter.New(func(a, b goja.Value) bool { return a.SameAs(b) }),
				header: make(http.Header),
			}
			r.install()
			return call.This
		}).(*goja.Object)
		defineStates(ctor)
		_ = exports.Set("XMLHttpRequest", ctor)
	}
}

func defineStates(obj *goja.Object) {
	_ = obj.Set("UNSENT", Unsent)
	_ = obj.Set("OPENED", Opened)
	_ = obj.Set("HEADERS_RECEIVED", HeadersReceived)
	_ = obj.Set("LOADING", Loading)
	_ = obj.Set("DONE", Done)
}

var eventTypes = []string{"readystatechange", "loadstart", "load", "error", "abort", "timeout", "loadend"}

type request struct {
	opts   *Options
	vm     *goja.Runtime
	obj    *goja.Object
	router *emitter.Router[goja.Value]

	handlers map[string]goja.Value

	readyState   int
	method       string
	url          string
	async        bool
	header       http.Header
	sent         bool
	responseType string
	timeout      time.Duration

	status      int
	statusText  string
	responseURL string
	respHeader  http.Header
	body        []byte

	// gen invalidates completions of requests superseded by open or abort.
	gen    int
	cancel context.CancelFunc

	// interrupted is set once a handler is interrupted by close or
	// terminate; no further handlers run.
	interrupted bool
}

func (r *request) install() {
	defineStates(r.obj)

	r.handlers = make(map[string]goja.Value, len(eventTypes))
	for _, typ := range eventTypes {
		r.handlers[typ] = goja.Null()
		r.accessor("on"+typ, func() goja.Value { return r.handlers[typ] }, func(v goja.Value) {
			if _, ok := goja.AssertFunction(v); ok {
				r.handlers[typ] = v
			} else {
				r.handlers[typ] = goja.Null()
			}
		})
	}

	r.accessor("readyState", func() goja.Value { return r.vm.ToValue(r.readyState) }, nil)
	r.accessor("status", func() goja.Value { return r.vm.ToValue(r.status) }, nil)
	r.accessor("statusText", func() goja.Value { return r.vm.ToValue(r.statusText) }, nil)
	r.accessor("responseURL", func() goja.Value { return r.vm.ToValue(r.responseURL) }, nil)
	r.accessor("responseText", r.responseText, nil)
	r.accessor("response", r.response, nil)
	r.accessor("responseType", func() goja.Value { return r.vm.ToValue(r.responseType) }, r.setResponseType)
	r.accessor("timeout", func() goja.Value { return r.vm.ToValue(r.timeout.Milliseconds()) }, func(v goja.Value) {
		ms := v.ToInteger()
		if ms < 0 {
			ms = 0
		}
		r.timeout = time.Duration(ms) * time.Millisecond
	})

	methods := []struct {
		name string
		fn   func(goja.FunctionCall) goja.Value
	}{
		{"open", r.open},
		{"setRequestHeader", r.setRequestHeader},
		{"send", r.send},
		{"abort", r.abort},
		{"getResponseHeader", r.getResponseHeader},
		{"getAllResponseHeaders", r.getAllResponseHeaders},
		{"addEventListener", r.addEventListener},
		{"removeEventListener", r.removeEventListener},
	}
	for _, m := range methods {
		_ = r.obj.Set(m.name, m.fn)
	}
}

func (r *request) accessor(name string, get func() goja.Value, set func(goja.Value)) {
	getter := r.vm.ToValue(func(goja.FunctionCall) goja.Value { return get() })
	var setter goja.Value
	if set != nil {
		setter = r.vm.ToValue(func(call goja.FunctionCall) goja.Value {
			set(call.Argument(0))
			return goja.Undefined()
		})
	}
	_ = r.obj.DefineAccessorProperty(name, getter, setter, goja.FLAG_FALSE, goja.FLAG_TRUE)
}

func (r *request) throw(name, message string) {
	ctor := "Error"
	if name == "SyntaxError" || name == "TypeError" {
		ctor = name
	}
	obj, err := r.vm.New(r.vm.Get(ctor), r.vm.ToValue(message))
	if err != nil {
		panic(r.vm.NewGoError(errors.New(message)))
	}
	if ctor != name {
		_ = obj.Set("name", name)
	}
	panic(obj)
}

func (r *request) open(call goja.FunctionCall) goja.Value {
	method := call.Argument(0).String()
	if method == "" || goja.IsUndefined(call.Argument(0)) {
		r.throw("SyntaxError", "open: invalid method")
	}
	switch upper := strings.ToUpper(method); upper {
	case "CONNECT", "TRACE", "TRACK":
		r.throw("SecurityError", "open: forbidden method "+method)
	case "DELETE", "GET", "HEAD", "OPTIONS", "POST", "PUT", "PATCH":
		method = upper
	}

	raw := call.Argument(1).String()
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		r.throw("SyntaxError", fmt.Sprintf("open: invalid URL %q", raw))
	}

	async := true
	if a := call.Argument(2); !goja.IsUndefined(a) {
		async = a.ToBoolean()
	}

	r.terminate()
	r.method = method
	r.url = u.String()
	r.async = async
	r.header = make(http.Header)
	r.sent = false
	r.resetResponse()
	if r.readyState != Opened {
		r.readyState = Opened
		r.fire("readystatechange")
	}
	return goja.Undefined()
}

func (r *request) setRequestHeader(call goja.FunctionCall) goja.Value {
	if r.readyState != Opened || r.sent {
		r.throw("InvalidStateError", "setRequestHeader: the object's state must be OPENED")
	}
	name := call.Argument(0).String()
	if name == "" || strings.ContainsAny(name, " \t\r\n:") {
		r.throw("SyntaxError", fmt.Sprintf("setRequestHeader: invalid header name %q", name))
	}
	r.header.Add(name, call.Argument(1).String())
	return goja.Undefined()
}

func (r *request) send(call goja.FunctionCall) goja.Value {
	if r.readyState != Opened || r.sent {
		r.throw("InvalidStateError", "send: the object's state must be OPENED")
	}
	req := Request{
		Method: r.method,
		URL:    r.url,
		Header: r.header.Clone(),
	}
	if r.method != http.MethodGet && r.method != http.MethodHead {
		req.Body = r.encodeBody(call.Argument(0), req.Header)
	}
	r.sent = true
	r.fire("loadstart")

	r.gen++
	gen := r.gen
	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if r.timeout > 0 {
		ctx, cancel = context.WithTimeout(r.opts.Context, r.timeout)
	} else {
		ctx, cancel = context.WithCancel(r.opts.Context)
	}
	r.cancel = cancel

	if !r.async {
		resp, err := r.opts.Client.Do(ctx, req)
		timedOut := errors.Is(ctx.Err(), context.DeadlineExceeded)
		cancel()
		r.complete(resp, err, timedOut)
		switch {
		case err != nil && timedOut:
			r.throw("TimeoutError", fmt.Sprintf("send: %s timed out", r.url))
		case err != nil:
			r.throw("NetworkError", fmt.Sprintf("send: failed to load %s: %v", r.url, err))
		}
		return goja.Undefined()
	}

	log := r.opts.Logger
	go func() {
		resp, err := r.opts.Client.Do(ctx, req)
		timedOut := errors.Is(ctx.Err(), context.DeadlineExceeded)
		cancel()
		if r.opts.Context.Err() != nil {
			return
		}
		ok := r.opts.Schedule(func(*goja.Runtime) {
			if r.gen != gen {
				return
			}
			r.complete(resp, err, timedOut)
		})
		if !ok {
			log.Debug("dropping request completion, loop stopped", zap.String("url", req.URL))
		}
	}()
	return goja.Undefined()
}

// encodeBody converts a send() argument to bytes, setting a default
// content type for strings.
func (r *request) encodeBody(v goja.Value, header http.Header) []byte {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil
	}
	if _, ok := v.(*goja.Object); ok {
		if data, err := structured.FromJS(r.vm, v); err == nil {
			switch b := data.(type) {
			case []byte:
				return b
			case structured.TypedArray:
				return b.Bytes
			}
		}
	}
	if header.Get("Content-Type") == "" {
		header.Set("Content-Type", "text/plain;charset=UTF-8")
	}
	return []byte(v.String())
}

// complete applies the outcome of a request and fires its events.
func (r *request) complete(resp *Response, err error, timedOut bool) {
	r.cancel = nil
	if err != nil {
		r.resetResponse()
		r.readyState = Done
		r.fire("readystatechange")
		if timedOut {
			r.fire("timeout")
		} else {
			r.fire("error")
		}
		r.fire("loadend")
		return
	}

	r.status = resp.Status
	r.statusText = resp.StatusText
	r.responseURL = resp.URL
	r.respHeader = resp.Header
	r.readyState = HeadersReceived
	r.fire("readystatechange")

	r.body = resp.Body
	r.readyState = Loading
	r.fire("readystatechange")

	r.readyState = Done
	r.fire("readystatechange")
	r.fire("load")
	r.fire("loadend")
}

func (r *request) abort(goja.FunctionCall) goja.Value {
	inFlight := (r.readyState == Opened && r.sent) || r.readyState == HeadersReceived || r.readyState == Loading
	r.terminate()
	if inFlight {
		r.resetResponse()
		r.readyState = Done
		r.sent = false
		r.fire("readystatechange")
		r.fire("abort")
		r.fire("loadend")
	}
	if r.readyState == Done {
		r.readyState = Unsent
		r.resetResponse()
	}
	return goja.Undefined()
}

// terminate cancels the in-flight request, if any, so its completion is
// ignored.
func (r *request) terminate() {
	r.gen++
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
}

func (r *request) resetResponse() {
	r.status = 0
	r.statusText = ""
	r.responseURL = ""
	r.respHeader = nil
	r.body = nil
}

func (r *request) getResponseHeader(call goja.FunctionCall) goja.Value {
	if r.readyState < HeadersReceived || r.respHeader == nil {
		return goja.Null()
	}
	values := r.respHeader.Values(call.Argument(0).String())
	if len(values) == 0 {
		return goja.Null()
	}
	return r.vm.ToValue(strings.Join(values, ", "))
}

func (r *request) getAllResponseHeaders(goja.FunctionCall) goja.Value {
	if r.readyState < HeadersReceived || r.respHeader == nil {
		return r.vm.ToValue("")
	}
	names := make([]string, 0, len(r.respHeader))
	for k := range r.respHeader {
		names = append(names, k)
	}
	sort.Strings(names)
	var b strings.Builder
	for _, k := range names {
		b.WriteString(strings.ToLower(k))
		b.WriteString(": ")
		b.WriteString(strings.Join(r.respHeader[k], ", "))
		b.WriteString("\r\n")
	}
	return r.vm.ToValue(b.String())
}

func (r *request) setResponseType(v goja.Value) {
	if r.readyState == Loading || r.readyState == Done {
		r.throw("InvalidStateError", "responseType: cannot be changed once loading")
	}
	switch t := v.String(); t {
	case "", "text", "json", "arraybuffer":
		r.responseType = t
	}
}

func (r *request) responseText() goja.Value {
	if r.responseType != "" && r.responseType != "text" {
		r.throw("InvalidStateError", "responseText: only available when responseType is '' or 'text'")
	}
	if r.readyState != Loading && r.readyState != Done {
		return r.vm.ToValue("")
	}
	return r.vm.ToValue(string(r.body))
}

func (r *request) response() goja.Value {
	switch r.responseType {
	case "", "text":
		return r.responseText()
	}
	if r.readyState != Done || r.respHeader == nil {
		return goja.Null()
	}
	switch r.responseType {
	case "json":
		parse, ok := goja.AssertFunction(r.vm.Get("JSON").ToObject(r.vm).Get("parse"))
		if !ok {
			return goja.Null()
		}
		v, err := parse(goja.Undefined(), r.vm.ToValue(string(r.body)))
		if err != nil {
			return goja.Null()
		}
		return v
	case "arraybuffer":
		buf := make([]byte, len(r.body))
		copy(buf, r.body)
		return r.vm.ToValue(r.vm.NewArrayBuffer(buf))
	}
	return goja.Null()
}

func (r *request) addEventListener(call goja.FunctionCall) goja.Value {
	fn := call.Argument(1)
	if _, ok := goja.AssertFunction(fn); ok {
		r.router.On(call.Argument(0).String(), fn)
	}
	return goja.Undefined()
}

func (r *request) removeEventListener(call goja.FunctionCall) goja.Value {
	r.router.Off(call.Argument(0).String(), call.Argument(1))
	return goja.Undefined()
}

// fire dispatches a progress event to listeners and then the on* handler.
func (r *request) fire(typ string) {
	event := r.vm.NewObject()
	_ = event.Set("type", typ)
	_ = event.Set("target", r.obj)
	_ = event.Set("loaded", len(r.body))
	_ = event.Set("total", len(r.body))

	for _, l := range r.router.Listeners(typ) {
		r.call(l, event)
	}
	if h := r.handlers[typ]; h != nil {
		r.call(h, event)
	}
}

func (r *request) call(v goja.Value, event *goja.Object) {
	fn, ok := goja.AssertFunction(v)
	if !ok || r.interrupted {
		return
	}
	if _, err := fn(r.obj, event); err != nil {
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) {
			r.interrupted = true
		}
		r.opts.Report(err)
	}
}
