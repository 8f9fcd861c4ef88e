package bootstrap

import (
	"fmt"

	"github.com/dop251/goja"
	"github.com/dop251/goja_nodejs/require"
	"github.com/joeycumines/webworker/internal/builtin"
	"github.com/joeycumines/webworker/internal/structured"
	"go.uber.org/zap"
)

// Install binds the scope to vm and defines the worker globals. The vm's
// require registry must have the builtin modules registered.
func (s *Scope) Install(vm *goja.Runtime) error {
	s.vm = vm
	s.global = vm.GlobalObject()

	values := []struct {
		name  string
		value any
	}{
		{"self", s.global},
		{"__filename", s.cfg.Filename},
		{"__dirname", s.cfg.Dirname},
		{"on", s.on},
		{"addListener", s.on},
		{"off", s.off},
		{"removeListener", s.off},
		{"emit", s.emit},
		{"addEventListener", s.addEventListener},
		{"removeEventListener", s.removeEventListener},
		{"postMessage", s.postMessage},
		{"structuredClone", s.structuredClone},
		{"btoa", s.btoa},
		{"atob", s.atob},
		{"importScripts", s.importScripts},
		{"close", s.close},
	}
	for _, v := range values {
		if err := s.global.Set(v.name, v.value); err != nil {
			return fmt.Errorf("bootstrap: define %s: %w", v.name, err)
		}
	}
	var name goja.Value = goja.Undefined()
	if s.cfg.HasName {
		name = vm.ToValue(s.cfg.Name)
	}
	if err := s.global.Set("name", name); err != nil {
		return fmt.Errorf("bootstrap: define name: %w", err)
	}

	if err := s.defineSlot("onmessage", &s.onmessage); err != nil {
		return err
	}
	if err := s.defineSlot("onerror", &s.onerror); err != nil {
		return err
	}

	console, err := requireModule(vm, builtin.ConsoleModule)
	if err != nil {
		return err
	}
	if err := s.global.Set("console", console); err != nil {
		return fmt.Errorf("bootstrap: define console: %w", err)
	}

	if s.cfg.XHR {
		mod, err := requireModule(vm, builtin.XHRModule)
		if err != nil {
			return err
		}
		if err := s.global.Set("XMLHttpRequest", mod.Get("XMLHttpRequest")); err != nil {
			return fmt.Errorf("bootstrap: define XMLHttpRequest: %w", err)
		}
	}

	if err := s.wrapTimers(); err != nil {
		return err
	}

	s.log.Debug("worker scope installed", zap.Bool("xhr", s.cfg.XHR), zap.Bool("network_imports", s.cfg.Fetcher != nil))
	return nil
}

// requireModule loads a native module without letting a missing
// registration panic the caller.
func requireModule(vm *goja.Runtime, name string) (obj *goja.Object, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("bootstrap: require %s: %v", name, r)
		}
	}()
	v := require.Require(vm, name)
	obj, ok := v.(*goja.Object)
	if !ok {
		return nil, fmt.Errorf("bootstrap: require %s: module is not an object", name)
	}
	return obj, nil
}

// defineSlot defines an event handler property that holds a function or
// null. Assigning anything else stores null.
func (s *Scope) defineSlot(name string, slot *goja.Value) error {
	getter := s.vm.ToValue(func(goja.FunctionCall) goja.Value {
		return *slot
	})
	setter := s.vm.ToValue(func(call goja.FunctionCall) goja.Value {
		v := call.Argument(0)
		if _, ok := goja.AssertFunction(v); ok {
			*slot = v
		} else {
			*slot = goja.Null()
		}
		return goja.Undefined()
	})
	if err := s.global.DefineAccessorProperty(name, getter, setter, goja.FLAG_TRUE, goja.FLAG_TRUE); err != nil {
		return fmt.Errorf("bootstrap: define %s: %w", name, err)
	}
	return nil
}

func (s *Scope) listener(call goja.FunctionCall, method string) (string, goja.Value) {
	name := call.Argument(0).String()
	fn := call.Argument(1)
	if _, ok := goja.AssertFunction(fn); !ok {
		panic(s.vm.NewTypeError("%s: the listener argument must be a function", method))
	}
	return name, fn
}

func (s *Scope) on(call goja.FunctionCall) goja.Value {
	name, fn := s.listener(call, "on")
	s.router.On(name, fn)
	return s.global
}

func (s *Scope) off(call goja.FunctionCall) goja.Value {
	name, fn := s.listener(call, "off")
	s.router.Off(name, fn)
	return s.global
}

func (s *Scope) addEventListener(call goja.FunctionCall) goja.Value {
	name, fn := s.listener(call, "addEventListener")
	s.router.On(name, fn)
	return goja.Undefined()
}

func (s *Scope) removeEventListener(call goja.FunctionCall) goja.Value {
	name, fn := s.listener(call, "removeEventListener")
	s.router.Off(name, fn)
	return goja.Undefined()
}

// emit calls each listener for the event synchronously, in registration
// order, over a snapshot taken before the first call. The first error
// propagates to the caller.
func (s *Scope) emit(call goja.FunctionCall) goja.Value {
	listeners := s.router.Listeners(call.Argument(0).String())
	var args []goja.Value
	if len(call.Arguments) > 1 {
		args = call.Arguments[1:]
	}
	for _, l := range listeners {
		fn, ok := goja.AssertFunction(l)
		if !ok {
			continue
		}
		if _, err := fn(s.global, args...); err != nil {
			s.rethrow(err)
		}
	}
	return s.vm.ToValue(len(listeners) > 0)
}

func (s *Scope) postMessage(call goja.FunctionCall) goja.Value {
	if s.Halted() {
		return goja.Undefined()
	}
	transfer := s.transferList(call.Argument(1), "postMessage")
	data, err := structured.FromJS(s.vm, call.Argument(0), transfer...)
	if err != nil {
		s.throw("DataCloneError", "postMessage: "+err.Error())
	}
	s.cfg.Host.PostMessage(structured.Envelope{Data: data})
	return goja.Undefined()
}

func (s *Scope) structuredClone(call goja.FunctionCall) goja.Value {
	transfer := s.transferList(call.Argument(1), "structuredClone")
	data, err := structured.FromJS(s.vm, call.Argument(0), transfer...)
	if err != nil {
		s.throw("DataCloneError", "structuredClone: "+err.Error())
	}
	v, err := structured.ToJS(s.vm, data)
	if err != nil {
		s.throw("DataCloneError", "structuredClone: "+err.Error())
	}
	return v
}

// transferList accepts either an array of buffers or an options object with
// a transfer array.
func (s *Scope) transferList(v goja.Value, method string) []goja.Value {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil
	}
	obj, ok := v.(*goja.Object)
	if !ok {
		panic(s.vm.NewTypeError("%s: transfer must be an array or an options object", method))
	}
	if obj.ClassName() != "Array" {
		inner := obj.Get("transfer")
		if inner == nil || goja.IsUndefined(inner) {
			return nil
		}
		if obj, ok = inner.(*goja.Object); !ok || obj.ClassName() != "Array" {
			panic(s.vm.NewTypeError("%s: options.transfer must be an array", method))
		}
	}
	n := int(obj.Get("length").ToInteger())
	out := make([]goja.Value, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, obj.Get(fmt.Sprint(i)))
	}
	return out
}

// close stops the worker from inside. The current script is interrupted
// and nothing further runs.
func (s *Scope) close(goja.FunctionCall) goja.Value {
	if s.closed.CompareAndSwap(false, true) {
		s.log.Debug("worker closed itself")
		s.cfg.Host.Exit(0)
	}
	s.vm.Interrupt(ErrClosed)
	return goja.Undefined()
}
