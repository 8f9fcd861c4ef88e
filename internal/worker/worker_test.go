package worker

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dop251/goja"
	"github.com/joeycumines/webworker/internal/builtin/xhr"
	"github.com/joeycumines/webworker/internal/metrics"
	"github.com/joeycumines/webworker/internal/structured"
	"github.com/joeycumines/webworker/internal/testutil"
	"github.com/prometheus/client_golang/prometheus"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder captures every event of a worker in delivery order.
type recorder struct {
	events chan Event
}

func newRecorder() *recorder {
	return &recorder{events: make(chan Event, 256)}
}

func (r *recorder) options() []Option {
	var opts []Option
	for _, typ := range []EventType{EventConsoleLog, EventConsoleError, EventMessage, EventError, EventExit} {
		opts = append(opts, WithListener(typ, func(ev Event) { r.events <- ev }))
	}
	return opts
}

func (r *recorder) next(t *testing.T) Event {
	t.Helper()
	select {
	case ev := <-r.events:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a worker event")
		return Event{}
	}
}

// nextOf skips events until one of type typ arrives.
func (r *recorder) nextOf(t *testing.T, typ EventType) Event {
	t.Helper()
	for {
		if ev := r.next(t); ev.Type == typ {
			return ev
		}
	}
}

// quiet asserts that no event arrives within d.
func (r *recorder) quiet(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case ev := <-r.events:
		t.Fatalf("unexpected %s event: %+v", ev.Type, ev)
	case <-time.After(d):
	}
}

func startSource(t *testing.T, src string, opts ...Option) (*Worker, *recorder) {
	t.Helper()
	rec := newRecorder()
	w, err := NewFromSource(src, append(rec.options(), opts...)...)
	require.NoError(t, err)
	t.Cleanup(w.Terminate)
	return w, rec
}

func TestPostMessageFromWorker(t *testing.T) {
	t.Parallel()
	_, rec := startSource(t, `postMessage(2 + 2);`)
	ev := rec.nextOf(t, EventMessage)
	assert.Equal(t, int64(4), ev.Message.Data)
}

func TestName(t *testing.T) {
	t.Parallel()
	const src = `console.log(name);`

	w, rec := startSource(t, src, WithName("Hank"))
	assert.Equal(t, "Hank", w.Name())
	ev := rec.next(t)
	assert.Equal(t, EventConsoleLog, ev.Type)
	assert.Equal(t, "Hank\n", ev.Text)
	rec.quiet(t, 50*time.Millisecond)

	w, rec = startSource(t, src)
	assert.Equal(t, "", w.Name())
	ev = rec.next(t)
	assert.Equal(t, EventConsoleLog, ev.Type, "unexpected event %+v", ev)
	assert.Equal(t, "undefined\n", ev.Text)
	rec.quiet(t, 50*time.Millisecond)
}

func TestBase64RoundTrip(t *testing.T) {
	t.Parallel()
	_, rec := startSource(t, `
		var encoded = btoa('hello, world');
		postMessage([encoded, atob(encoded), atob(' aGk= ')]);
	`)
	ev := rec.nextOf(t, EventMessage)
	assert.Equal(t, []any{"aGVsbG8sIHdvcmxk", "hello, world", "hi"}, ev.Message.Data)
}

func TestConsoleOrder(t *testing.T) {
	t.Parallel()
	_, rec := startSource(t, `
		console.log('one');
		console.error('two');
		postMessage('three');
		console.warn('four', 4);
		console.info('five');
	`)
	var got []string
	for range 5 {
		ev := rec.next(t)
		switch ev.Type {
		case EventMessage:
			got = append(got, "message:"+ev.Message.Data.(string))
		default:
			got = append(got, string(ev.Type)+":"+ev.Text)
		}
	}
	assert.Equal(t, []string{
		"console.log:one\n",
		"console.error:two\n",
		"message:three",
		"console.error:four 4\n",
		"console.log:five\n",
	}, got)
}

func TestMessageEcho(t *testing.T) {
	t.Parallel()
	w, rec := startSource(t, `onmessage = function (e) { postMessage({got: e.data, type: e.type}); };`)
	require.NoError(t, w.PostMessage(map[string]any{"n": 1, "list": []any{"a", true}}))
	ev := rec.nextOf(t, EventMessage)
	assert.Equal(t, map[string]any{
		"got":  map[string]any{"n": int64(1), "list": []any{"a", true}},
		"type": "message",
	}, ev.Message.Data)
}

func TestMessageTransfer(t *testing.T) {
	t.Parallel()
	w, rec := startSource(t, `onmessage = function (e) { postMessage(new Uint8Array(e.data)[1]); };`)
	buf := []byte{7, 8, 9}
	require.NoError(t, w.PostMessage(buf, buf))
	assert.Equal(t, int64(8), rec.nextOf(t, EventMessage).Message.Data)
}

func TestPostMessageNotCloneable(t *testing.T) {
	t.Parallel()
	w, _ := startSource(t, ``)
	err := w.PostMessage(func() {})
	require.Error(t, err)
	var serr *structured.SerializationError
	assert.ErrorAs(t, err, &serr)
	assert.ErrorIs(t, err, structured.ErrNotCloneable)
}

func TestDualDispatch(t *testing.T) {
	t.Parallel()
	w, rec := startSource(t, `
		on('message', function (e) { postMessage('listener:' + e.data); });
		addEventListener('message', function (e) { postMessage('event listener:' + e.data); });
		onmessage = function (e) { postMessage('onmessage:' + e.data); };
	`)
	require.NoError(t, w.PostMessage("x"))
	var got []any
	for range 3 {
		got = append(got, rec.nextOf(t, EventMessage).Message.Data)
	}
	assert.Equal(t, []any{"listener:x", "event listener:x", "onmessage:x"}, got)
}

func TestUncaughtError(t *testing.T) {
	t.Parallel()
	w, rec := startSource(t, `
		onmessage = function (e) { postMessage('alive:' + e.data); };
		throw new TypeError('boom');
	`)
	ev := rec.nextOf(t, EventError)
	require.NotNil(t, ev.Err)
	assert.Equal(t, "TypeError", ev.Err.Name)
	assert.Equal(t, "boom", ev.Err.Message)

	require.NoError(t, w.PostMessage("yes"))
	assert.Equal(t, "alive:yes", rec.nextOf(t, EventMessage).Message.Data)
}

func TestUncaughtNonError(t *testing.T) {
	t.Parallel()
	_, rec := startSource(t, `throw {code: 7};`)
	ev := rec.nextOf(t, EventError)
	assert.Equal(t, map[string]any{"code": int64(7)}, ev.Err.Value)
}

func TestTimerErrorReported(t *testing.T) {
	t.Parallel()
	_, rec := startSource(t, `
		setTimeout(function (label) { throw new Error(label); }, 1, 'late');
		setTimeout(function () { postMessage('still running'); }, 20);
	`)
	ev := rec.nextOf(t, EventError)
	assert.Equal(t, "late", ev.Err.Message)
	assert.Equal(t, "still running", rec.nextOf(t, EventMessage).Message.Data)
}

func TestOnErrorSuppresses(t *testing.T) {
	t.Parallel()
	_, rec := startSource(t, `
		onerror = function (message, filename, line, col, err) {
			postMessage(['handled', message, err.name]);
			return true;
		};
		setTimeout(function () { throw new RangeError('out'); }, 1);
		setTimeout(function () { postMessage('done'); }, 30);
	`)
	assert.Equal(t, []any{"handled", "out", "RangeError"}, rec.next(t).Message.Data)
	ev := rec.next(t)
	assert.Equal(t, EventMessage, ev.Type, "the handled error must not reach the host")
	assert.Equal(t, "done", ev.Message.Data)
}

func TestOnErrorNotSuppressing(t *testing.T) {
	t.Parallel()
	_, rec := startSource(t, `
		onerror = function () { postMessage('seen'); };
		throw new Error('passes through');
	`)
	assert.Equal(t, "seen", rec.nextOf(t, EventMessage).Message.Data)
	assert.Equal(t, "passes through", rec.nextOf(t, EventError).Err.Message)
}

func TestClose(t *testing.T) {
	t.Parallel()
	w, rec := startSource(t, `
		postMessage('before');
		close();
		postMessage('after');
		console.log('after');
	`)
	assert.Equal(t, "before", rec.next(t).Message.Data)
	ev := rec.next(t)
	assert.Equal(t, EventExit, ev.Type)
	assert.Equal(t, 0, ev.Code)

	select {
	case <-w.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("worker not done after close")
	}
	assert.False(t, w.Terminated())
	rec.quiet(t, 50*time.Millisecond)
	assert.NoError(t, w.PostMessage("ignored"))
}

func TestCloseInsideHandler(t *testing.T) {
	t.Parallel()
	w, rec := startSource(t, `
		onmessage = function () {
			close();
			postMessage('unreachable');
		};
	`)
	require.NoError(t, w.PostMessage(1))
	assert.Equal(t, EventExit, rec.next(t).Type)
	rec.quiet(t, 50*time.Millisecond)
}

func TestTerminate(t *testing.T) {
	t.Parallel()
	w, rec := startSource(t, `
		postMessage('started');
		for (;;) {}
	`)
	assert.Equal(t, "started", rec.nextOf(t, EventMessage).Message.Data)

	w.Terminate()
	w.Terminate()
	assert.True(t, w.Terminated())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, w.Wait(ctx))
	assert.NoError(t, w.PostMessage("dropped"))
	rec.quiet(t, 50*time.Millisecond)
}

func TestTerminateFromListener(t *testing.T) {
	t.Parallel()
	var (
		once   sync.Once
		w      *Worker
		ready  = make(chan struct{})
		second = make(chan Event, 8)
	)
	w, err := NewFromSource(`setInterval(function () { postMessage('tick'); }, 1);`,
		WithListener(EventMessage, func(ev Event) {
			<-ready
			once.Do(w.Terminate)
			second <- ev
		}),
	)
	require.NoError(t, err)
	close(ready)

	select {
	case <-w.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("worker not done after terminate")
	}
	assert.Len(t, second, 1)
}

func TestContextCancelTerminates(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	w, _ := startSource(t, `for (;;) {}`, WithContext(ctx))
	cancel()
	select {
	case <-w.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("worker not done after context cancel")
	}
	assert.True(t, w.Terminated())
}

func TestOnRemove(t *testing.T) {
	t.Parallel()
	w, rec := startSource(t, `onmessage = function (e) { postMessage(e.data); };`)
	got := make(chan any, 4)
	remove := w.On(EventMessage, func(ev Event) { got <- ev.Message.Data })

	require.NoError(t, w.PostMessage("first"))
	assert.Equal(t, "first", rec.nextOf(t, EventMessage).Message.Data)
	assert.Equal(t, "first", <-got)

	remove()
	remove()
	require.NoError(t, w.PostMessage("second"))
	assert.Equal(t, "second", rec.nextOf(t, EventMessage).Message.Data)
	assert.Empty(t, got)
}

func TestListenerPanicDoesNotStopDelivery(t *testing.T) {
	t.Parallel()
	rec := newRecorder()
	w, err := NewFromSource(`postMessage(1); postMessage(2);`,
		append([]Option{WithListener(EventMessage, func(Event) { panic("listener bug") })}, rec.options()...)...,
	)
	require.NoError(t, err)
	t.Cleanup(w.Terminate)
	assert.Equal(t, int64(1), rec.nextOf(t, EventMessage).Message.Data)
	assert.Equal(t, int64(2), rec.nextOf(t, EventMessage).Message.Data)
}

func TestNewFromFile(t *testing.T) {
	t.Parallel()
	rec := newRecorder()
	w, err := New(filepath.Join("testdata", "echo.js"), rec.options()...)
	require.NoError(t, err)
	t.Cleanup(w.Terminate)

	abs, err := filepath.Abs(filepath.Join("testdata", "echo.js"))
	require.NoError(t, err)
	assert.Equal(t, abs, w.Filename())
	assert.Equal(t, map[string]any{
		"filename": abs,
		"dirname":  filepath.Dir(abs),
	}, rec.nextOf(t, EventMessage).Message.Data)

	require.NoError(t, w.PostMessage("ping"))
	assert.Equal(t, "ping", rec.nextOf(t, EventMessage).Message.Data)
}

func TestConstructionErrors(t *testing.T) {
	t.Parallel()

	_, err := New(filepath.Join("testdata", "does-not-exist.js"))
	var cerr *ConstructionError
	require.ErrorAs(t, err, &cerr)
	assert.Contains(t, cerr.Script, "does-not-exist.js")

	_, err = New(filepath.Join("testdata", "bad_syntax.js"))
	require.ErrorAs(t, err, &cerr)
	var syntax *goja.CompilerSyntaxError
	assert.ErrorAs(t, err, &syntax)

	_, err = NewFromSource(`var = ;`)
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, EvalFilename, cerr.Script)
}

func TestImportScripts(t *testing.T) {
	t.Parallel()
	rec := newRecorder()
	w, err := New(filepath.Join("testdata", "imports.js"), rec.options()...)
	require.NoError(t, err)
	t.Cleanup(w.Terminate)

	assert.Equal(t, map[string]any{
		"results":   []any{"ok", "SyntaxError", "NetworkError", "SyntaxError", "ok"},
		"libLoaded": true,
		"doubled":   int64(42),
	}, rec.nextOf(t, EventMessage).Message.Data)
}

func TestImportedClose(t *testing.T) {
	t.Parallel()
	_, rec := startSource(t, `
		importScripts('testdata/closes.js');
		postMessage('after import');
	`)
	assert.Equal(t, "imported", rec.next(t).Message.Data)
	assert.Equal(t, EventExit, rec.next(t).Type)
	rec.quiet(t, 50*time.Millisecond)
}

func TestNetworkImport(t *testing.T) {
	t.Parallel()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/lib.js" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`var remote = 'loaded from ' + 'network';`))
	}))
	defer server.Close()

	src := `
		var out = [];
		importScripts(url + '/lib.js');
		out.push(remote);
		try { importScripts(url + '/missing.js'); } catch (e) { out.push(e.name); }
		postMessage(out);
	`
	src = strings.ReplaceAll(src, "url", "'"+server.URL+"'")
	_, rec := startSource(t, src)
	assert.Equal(t, []any{"loaded from network", "NetworkError"}, rec.nextOf(t, EventMessage).Message.Data)

	_, rec = startSource(t, strings.ReplaceAll(`
		try { importScripts(url + '/lib.js'); postMessage('ok'); } catch (e) { postMessage(e.name); }
	`, "url", "'"+server.URL+"'"), WithoutNetworkImports())
	assert.Equal(t, "NetworkError", rec.nextOf(t, EventMessage).Message.Data)
}

func TestXHR(t *testing.T) {
	t.Parallel()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(r.UserAgent()))
	}))
	defer server.Close()

	client := xhr.NewClient(xhr.ClientConfig{UserAgent: "worker-agent"})
	_, rec := startSource(t, strings.ReplaceAll(`
		var req = new XMLHttpRequest();
		req.onload = function () { postMessage(req.status + ' ' + req.responseText); };
		req.open('GET', url);
		req.send();
	`, "url", "'"+server.URL+"'"), WithHTTPClient(client))
	assert.Equal(t, "200 worker-agent", rec.nextOf(t, EventMessage).Message.Data)

	_, rec = startSource(t, `postMessage(typeof XMLHttpRequest);`, WithoutXHR())
	assert.Equal(t, "undefined", rec.nextOf(t, EventMessage).Message.Data)
}

func TestMetrics(t *testing.T) {
	t.Parallel()
	m := metrics.New(prometheus.NewRegistry())
	w, rec := startSource(t, `
		console.log('x');
		onmessage = function (e) { postMessage(e.data); };
	`, WithMetrics(m))
	rec.nextOf(t, EventConsoleLog)
	require.NoError(t, w.PostMessage(1))
	rec.nextOf(t, EventMessage)

	assert.Equal(t, 1.0, promtestutil.ToFloat64(m.WorkersStarted))
	assert.Equal(t, 1.0, promtestutil.ToFloat64(m.WorkersActive))
	assert.Equal(t, 1.0, promtestutil.ToFloat64(m.Messages.WithLabelValues(metrics.Inbound)))
	assert.Equal(t, 1.0, promtestutil.ToFloat64(m.Messages.WithLabelValues(metrics.Outbound)))

	w.Terminate()
	assert.Equal(t, 0.0, promtestutil.ToFloat64(m.WorkersActive))
	assert.Equal(t, 1.0, promtestutil.ToFloat64(m.Exits.WithLabelValues(metrics.ExitTerminated)))
}

func TestWaitContext(t *testing.T) {
	t.Parallel()
	w, _ := startSource(t, `setInterval(function () {}, 1000);`)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.True(t, errors.Is(w.Wait(ctx), context.DeadlineExceeded))
}

func TestMetrics_CloseFromTimer(t *testing.T) {
	t.Parallel()
	m := metrics.New(prometheus.NewRegistry())
	w, _ := startSource(t, `setTimeout(function () { console.error('bye'); close(); }, 20);`, WithMetrics(m))

	exits, err := testutil.WaitForState(context.Background(),
		func() float64 { return promtestutil.ToFloat64(m.Exits.WithLabelValues(metrics.ExitClosed)) },
		func(v float64) bool { return v > 0 },
		5*time.Second, 5*time.Millisecond,
	)
	require.NoError(t, err)
	assert.Equal(t, 1.0, exits)
	assert.Equal(t, 0.0, promtestutil.ToFloat64(m.WorkersActive))
	assert.Equal(t, 1.0, promtestutil.ToFloat64(m.ConsoleChunks.WithLabelValues("stderr")))
	require.NoError(t, w.Wait(context.Background()))
	assert.False(t, w.Terminated())
}

func TestContextCancelAfterStart(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	w, rec := startSource(t, `console.log('up'); setInterval(function () {}, 1000);`, WithContext(ctx))
	rec.nextOf(t, EventConsoleLog)
	assert.False(t, w.Terminated())

	cancel()
	require.NoError(t, testutil.Poll(context.Background(), w.Terminated, 5*time.Second, 5*time.Millisecond))
	require.NoError(t, w.Wait(context.Background()))
}
