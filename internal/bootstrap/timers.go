package bootstrap

import (
	"fmt"

	"github.com/dop251/goja"
)

// wrapTimers replaces the event loop's timer functions with versions whose
// callbacks report uncaught errors instead of discarding them.
func (s *Scope) wrapTimers() error {
	for _, name := range []string{"setTimeout", "setInterval", "setImmediate"} {
		orig, ok := goja.AssertFunction(s.global.Get(name))
		if !ok {
			// not running on an event loop
			continue
		}
		if err := s.global.Set(name, s.wrapTimer(orig, name != "setImmediate")); err != nil {
			return fmt.Errorf("bootstrap: wrap %s: %w", name, err)
		}
	}
	return nil
}

func (s *Scope) wrapTimer(orig goja.Callable, delayed bool) func(goja.FunctionCall) goja.Value {
	first := 1
	if delayed {
		first = 2
	}
	return func(call goja.FunctionCall) goja.Value {
		fn, ok := goja.AssertFunction(call.Argument(0))
		if !ok {
			panic(s.vm.NewTypeError("the callback argument must be a function"))
		}
		var extra []goja.Value
		if len(call.Arguments) > first {
			extra = append(extra, call.Arguments[first:]...)
		}
		cb := s.vm.ToValue(func(goja.FunctionCall) goja.Value {
			if !s.Halted() {
				s.invoke(fn, extra...)
			}
			return goja.Undefined()
		})

		args := make([]goja.Value, 0, 2)
		args = append(args, cb)
		if delayed && len(call.Arguments) > 1 {
			args = append(args, call.Arguments[1])
		}
		ret, err := orig(goja.Undefined(), args...)
		if err != nil {
			s.rethrow(err)
		}
		return ret
	}
}
