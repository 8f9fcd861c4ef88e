// Package structured implements the structured clone algorithm used for
// messages crossing between a worker and its host.
//
// Values are carried between realms in a neutral Go representation:
//
//	JS                      Go
//	undefined               Undefined
//	null                    nil
//	boolean                 bool
//	number                  int64 (integral, within the safe range) or float64
//	bigint                  *big.Int
//	string                  string
//	Date                    time.Time (millisecond precision, UTC)
//	Date with a NaN time    InvalidDate
//	RegExp                  RegExp
//	ArrayBuffer/Uint8Array  []byte
//	other typed arrays      TypedArray
//	Array                   []any
//	Map                     *Map
//	Set                     *Set
//	Error                   *Error
//	plain object            map[string]any
//
// Shared references and cycles survive a clone. Functions, symbols and
// similar handles do not, and fail with a *SerializationError.
package structured

import (
	"errors"
	"fmt"
)

// ErrNotCloneable is matched by every *SerializationError.
var ErrNotCloneable = errors.New("value could not be cloned")

// Undefined is the Go representation of the JS undefined value.
var Undefined = undefined{}

type undefined struct{}

func (undefined) String() string { return "undefined" }

// InvalidDate is the Go representation of a JS Date whose time value is
// NaN, such as new Date(NaN).
var InvalidDate = invalidDate{}

type invalidDate struct{}

func (invalidDate) String() string { return "Invalid Date" }

// Envelope is the single-field message container delivered on either side
// of a worker's message channel, mirroring the shape of a browser
// MessageEvent.
type Envelope struct {
	Data any `json:"data"`
}

// Entry is one key/value pair of a Map.
type Entry struct {
	Key   any
	Value any
}

// Map is an insertion-ordered JS Map.
type Map struct {
	Entries []Entry
}

// Get returns the value stored under a comparable key.
func (m *Map) Get(key any) (any, bool) {
	for _, e := range m.Entries {
		if e.Key == key {
			return e.Value, true
		}
	}
	return nil, false
}

// Set is an insertion-ordered JS Set.
type Set struct {
	Values []any
}

// Error is a cloned JS Error.
type Error struct {
	Name    string
	Message string
	Stack   string
}

func (e *Error) Error() string {
	if e.Name == "" {
		return e.Message
	}
	if e.Message == "" {
		return e.Name
	}
	return e.Name + ": " + e.Message
}

// RegExp is a cloned JS RegExp.
type RegExp struct {
	Source string
	Flags  string
}

// TypedArray carries the raw bytes of a typed array other than Uint8Array,
// keyed by its constructor name (e.g. "Float64Array").
type TypedArray struct {
	Type  string
	Bytes []byte
}

// SerializationError reports a value rejected by the clone algorithm.
type SerializationError struct {
	// Type describes the offending value, e.g. "func()" or "Function".
	Type string
	// Reason is a human-readable explanation.
	Reason string
}

func (e *SerializationError) Error() string {
	if e.Type == "" {
		return fmt.Sprintf("structured clone: %s", e.Reason)
	}
	return fmt.Sprintf("structured clone: %s: %s", e.Type, e.Reason)
}

func (e *SerializationError) Unwrap() error { return ErrNotCloneable }

func notCloneable(typ, reason string) *SerializationError {
	return &SerializationError{Type: typ, Reason: reason}
}
