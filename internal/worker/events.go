package worker

import (
	"github.com/joeycumines/webworker/internal/bootstrap"
	"github.com/joeycumines/webworker/internal/structured"
)

// EventType names a host-side worker event.
type EventType string

const (
	// EventConsoleLog carries a chunk written by console.log, info or debug.
	EventConsoleLog EventType = "console.log"
	// EventConsoleError carries a chunk written by console.error or warn.
	EventConsoleError EventType = "console.error"
	// EventMessage carries a message posted by the worker.
	EventMessage EventType = "message"
	// EventError carries an uncaught worker error.
	EventError EventType = "error"
	// EventExit is emitted once when the worker calls close().
	EventExit EventType = "exit"
)

// UncaughtError is an exception that escaped worker script.
type UncaughtError = bootstrap.UncaughtError

// Event is delivered to host listeners. Which fields are set depends on
// Type.
type Event struct {
	Type EventType
	// Text is the chunk for console events, newline included.
	Text string
	// Message is set for EventMessage.
	Message structured.Envelope
	// Err is set for EventError.
	Err *UncaughtError
	// Code is set for EventExit.
	Code int
}

// Listener receives worker events on the worker's dispatcher goroutine.
type Listener func(Event)
