package worker

import (
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Two CPU-bound workers must overlap rather than run one after the other.
func TestWorkersRunInParallel(t *testing.T) {
	if runtime.NumCPU() < 2 {
		t.Skip("needs at least two CPUs")
	}
	if testing.Short() {
		t.Skip("timing test")
	}

	const busy = 500 * time.Millisecond
	path := filepath.Join("testdata", "primes.js")

	var recs []*recorder
	var workers []*Worker
	for range 2 {
		rec := newRecorder()
		w, err := New(path, rec.options()...)
		require.NoError(t, err)
		t.Cleanup(w.Terminate)
		recs = append(recs, rec)
		workers = append(workers, w)
	}

	start := time.Now()
	for _, w := range workers {
		require.NoError(t, w.PostMessage(busy.Milliseconds()))
	}
	for _, rec := range recs {
		count, ok := rec.nextOf(t, EventMessage).Message.Data.(int64)
		require.True(t, ok)
		assert.Positive(t, count)
	}
	elapsed := time.Since(start)
	assert.Less(t, elapsed, 750*time.Millisecond, "workers ran sequentially (%v)", elapsed)
}
