package bootstrap

import (
	"errors"

	"github.com/dop251/goja"
	"github.com/joeycumines/webworker/internal/structured"
)

var (
	// ErrClosed is the interrupt value used when a worker calls close().
	ErrClosed = errors.New("worker closed itself")

	// ErrTerminated is the interrupt value used when the host terminates a
	// worker.
	ErrTerminated = errors.New("worker terminated")
)

// UncaughtError describes an exception that escaped the worker's own
// script, a message listener, a timer or a request callback.
type UncaughtError struct {
	// Name is the error's name, e.g. "TypeError" or "NetworkError". Empty
	// when a non-Error value was thrown.
	Name string
	// Message is the error's message, or the string form of the thrown
	// value.
	Message string
	// Stack is the best available stack trace.
	Stack string
	// Value is the structured clone of the thrown value, when cloneable.
	Value any
}

func (e *UncaughtError) Error() string {
	switch {
	case e.Name == "":
		return "uncaught " + e.Message
	case e.Message == "":
		return "uncaught " + e.Name
	default:
		return "uncaught " + e.Name + ": " + e.Message
	}
}

// nativeErrors are thrown with their own constructor; other names are
// thrown as an Error with the name property overridden.
var nativeErrors = map[string]bool{
	"Error":          true,
	"RangeError":     true,
	"ReferenceError": true,
	"SyntaxError":    true,
	"TypeError":      true,
}

// newError builds a JS error object named name.
func newError(vm *goja.Runtime, name, message string) *goja.Object {
	ctor := "Error"
	if nativeErrors[name] {
		ctor = name
	}
	obj, err := vm.New(vm.Get(ctor), vm.ToValue(message))
	if err != nil {
		return vm.NewGoError(errors.New(message))
	}
	if ctor != name {
		_ = obj.Set("name", name)
	}
	return obj
}

// isInterrupt reports whether err is the result of close() or Terminate.
func isInterrupt(err error) bool {
	var interrupted *goja.InterruptedError
	return errors.As(err, &interrupted)
}

// uncaught converts an error returned by goja into an UncaughtError.
func uncaught(vm *goja.Runtime, err error) *UncaughtError {
	var ex *goja.Exception
	if !errors.As(err, &ex) {
		return &UncaughtError{Name: "Error", Message: err.Error()}
	}

	ue := &UncaughtError{Stack: ex.String()}
	val := ex.Value()
	if obj, ok := val.(*goja.Object); ok {
		if name := obj.Get("name"); name != nil && !goja.IsUndefined(name) {
			ue.Name = name.String()
		}
		if msg := obj.Get("message"); msg != nil && !goja.IsUndefined(msg) {
			ue.Message = msg.String()
		}
		if stack := obj.Get("stack"); stack != nil && !goja.IsUndefined(stack) {
			ue.Stack = stack.String()
		}
		if ue.Name == "" && ue.Message == "" {
			ue.Message = obj.String()
		}
	} else if val != nil {
		ue.Message = val.String()
	}
	if v, cloneErr := structured.FromJS(vm, val); cloneErr == nil {
		ue.Value = v
	}
	return ue
}
