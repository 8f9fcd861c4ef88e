package worker

// EvalFilename is the filename of workers built from inline source.
const EvalFilename = "[worker eval]"

// ConstructionError is returned by New and NewFromSource when the script
// cannot be read or compiled, or the event loop fails to start.
type ConstructionError struct {
	Script string
	Err    error
}

func (e *ConstructionError) Error() string {
	return "worker: construct " + e.Script + ": " + e.Err.Error()
}

func (e *ConstructionError) Unwrap() error {
	return e.Err
}
