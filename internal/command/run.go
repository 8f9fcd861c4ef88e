package command

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/joeycumines/webworker/internal/builtin/xhr"
	"github.com/joeycumines/webworker/internal/config"
	"github.com/joeycumines/webworker/internal/metrics"
	"github.com/joeycumines/webworker/internal/structured"
	"github.com/joeycumines/webworker/internal/worker"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

const defaultDone = "Done"

// ErrRunTimeout is returned by the run command when -timeout elapses first.
var ErrRunTimeout = errors.New("worker run timed out")

// RunCommand starts a single worker and relays its output until it finishes.
type RunCommand struct {
	*BaseCommand
	config   *config.Config
	settings config.Settings
	logger   *zap.Logger
	ctx      context.Context

	eval        string
	name        optionalString
	messages    messageList
	done        string
	timeout     time.Duration
	noXHR       bool
	metricsAddr string
}

// NewRunCommand creates a run command. ctx ends the run early, typically on
// an interrupt signal.
func NewRunCommand(ctx context.Context, cfg *config.Config, settings config.Settings, logger *zap.Logger) *RunCommand {
	if cfg == nil {
		cfg = config.NewConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return &RunCommand{
		BaseCommand: NewBaseCommand(
			"run",
			"Run a script in a worker and print what it produces",
			"run [options] <script>",
		),
		config:   cfg,
		settings: settings,
		logger:   logger,
		ctx:      ctx,
	}
}

// SetupFlags configures the flags for the run command. Defaults come from
// the [run] section of the config file.
func (c *RunCommand) SetupFlags(fs *flag.FlagSet) {
	done := defaultDone
	if v, ok := c.config.String(config.SectionRun, config.KeyRunDone); ok && v != "" {
		done = v
	}
	timeout, _ := c.config.Duration(config.SectionRun, config.KeyRunTimeout)
	metricsAddr, _ := c.config.String(config.SectionRun, config.KeyRunMetricsAddr)
	c.name = optionalString{}
	c.messages = nil

	fs.StringVar(&c.eval, "e", "", "Run inline source instead of a script file")
	fs.Var(&c.name, "name", "Worker name, exposed as the name global")
	fs.Var(&c.messages, "message", "JSON value to post to the worker after it starts (repeatable)")
	fs.StringVar(&c.done, "done", done, "Message data that ends the run")
	fs.DurationVar(&c.timeout, "timeout", timeout, "Terminate the worker after this duration (0 for none)")
	fs.BoolVar(&c.noXHR, "no-xhr", false, "Disable XMLHttpRequest")
	fs.StringVar(&c.metricsAddr, "metrics-addr", metricsAddr, "Serve Prometheus metrics on this address while running")
}

// Execute runs the worker.
func (c *RunCommand) Execute(args []string, stdout, stderr io.Writer) error {
	if (c.eval == "") == (len(args) == 0) || len(args) > 1 {
		_, _ = fmt.Fprintf(stderr, "Usage: webworker %s\n", c.Usage())
		return fmt.Errorf("run requires exactly one of a script path or -e")
	}

	var m *metrics.Metrics
	if c.metricsAddr != "" {
		reg := prometheus.NewRegistry()
		m = metrics.New(reg)
		stop, err := c.serveMetrics(reg)
		if err != nil {
			return err
		}
		defer stop()
	}

	client := xhr.NewClient(xhr.ClientConfig{
		Timeout:   c.settings.XHRTimeout,
		Retries:   c.settings.XHRRetries,
		Rate:      c.settings.XHRRate,
		UserAgent: c.settings.XHRUserAgent,
		Logger:    c.logger.Named("xhr"),
	})

	// listeners run on the dispatcher goroutine, so once ended is set no
	// further output is written even before Terminate takes effect
	var (
		stopped atomic.Bool
		ended   = make(chan string, 1)
	)
	end := func(reason string) {
		if stopped.CompareAndSwap(false, true) {
			ended <- reason
		}
	}
	relay := func(fn worker.Listener) worker.Listener {
		return func(ev worker.Event) {
			if !stopped.Load() {
				fn(ev)
			}
		}
	}

	opts := []worker.Option{
		worker.WithContext(c.ctx),
		worker.WithLogger(c.logger),
		worker.WithHTTPClient(client),
		worker.WithMetrics(m),
		worker.WithListener(worker.EventConsoleLog, relay(func(ev worker.Event) {
			_, _ = io.WriteString(stdout, ev.Text)
		})),
		worker.WithListener(worker.EventConsoleError, relay(func(ev worker.Event) {
			_, _ = io.WriteString(stderr, ev.Text)
		})),
		worker.WithListener(worker.EventMessage, relay(func(ev worker.Event) {
			_, _ = fmt.Fprintf(stdout, "Worker message: %s\n", formatMessage(ev.Message.Data))
			if s, ok := ev.Message.Data.(string); ok && s == c.done {
				end("done")
			}
		})),
		worker.WithListener(worker.EventError, relay(func(ev worker.Event) {
			_, _ = fmt.Fprintf(stderr, "Worker error: %s\n", formatError(ev.Err))
		})),
		worker.WithListener(worker.EventExit, func(worker.Event) {
			end("exit")
		}),
	}
	if c.name.set {
		opts = append(opts, worker.WithName(c.name.value))
	}
	if c.noXHR || !c.settings.XHREnabled {
		opts = append(opts, worker.WithoutXHR())
	}
	if !c.settings.NetworkImports {
		opts = append(opts, worker.WithoutNetworkImports())
	}

	var (
		w   *worker.Worker
		err error
	)
	if c.eval != "" {
		w, err = worker.NewFromSource(c.eval, opts...)
	} else {
		w, err = worker.New(args[0], opts...)
	}
	if err != nil {
		return err
	}
	defer w.Terminate()
	c.logger.Debug("running worker", zap.String("worker", w.ID()), zap.String("script", w.Filename()))

	for _, msg := range c.messages {
		if err := w.PostMessage(msg); err != nil {
			return fmt.Errorf("failed to post message: %w", err)
		}
	}

	var timeoutC <-chan time.Time
	if c.timeout > 0 {
		timer := time.NewTimer(c.timeout)
		defer timer.Stop()
		timeoutC = timer.C
	}

	var result error
	select {
	case reason := <-ended:
		c.logger.Debug("worker run finished", zap.String("reason", reason))
	case <-w.Done():
		c.logger.Debug("worker run finished", zap.String("reason", "done"))
	case <-timeoutC:
		result = fmt.Errorf("%w after %s", ErrRunTimeout, c.timeout)
	case <-c.ctx.Done():
		c.logger.Debug("worker run interrupted", zap.Error(c.ctx.Err()))
	}

	w.Terminate()
	<-w.Done()
	return result
}

// serveMetrics starts the metrics endpoint. The returned func shuts it
// down.
func (c *RunCommand) serveMetrics(g prometheus.Gatherer) (func(), error) {
	ln, err := net.Listen("tcp", c.metricsAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen for metrics: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(g))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			c.logger.Error("metrics server failed", zap.Error(err))
		}
	}()
	c.logger.Info("serving metrics", zap.String("addr", "http://"+ln.Addr().String()+"/metrics"))
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}

func formatMessage(v any) string {
	data, err := json.Marshal(structured.Plain(v))
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}

func formatError(err *worker.UncaughtError) string {
	if err == nil {
		return "unknown error"
	}
	if err.Stack != "" && strings.Contains(err.Stack, err.Message) {
		return err.Stack
	}
	return err.Error()
}

// optionalString is a string flag that records whether it was given, so an
// explicit empty name differs from no name.
type optionalString struct {
	value string
	set   bool
}

func (s *optionalString) String() string { return s.value }

func (s *optionalString) Set(v string) error {
	s.value = v
	s.set = true
	return nil
}

// messageList collects repeated -message flags as decoded JSON.
type messageList []any

func (l *messageList) String() string {
	if l == nil || len(*l) == 0 {
		return ""
	}
	return fmt.Sprint([]any(*l))
}

func (l *messageList) Set(v string) error {
	dec := json.NewDecoder(strings.NewReader(v))
	dec.UseNumber()
	var msg any
	if err := dec.Decode(&msg); err != nil {
		return fmt.Errorf("invalid JSON message: %w", err)
	}
	*l = append(*l, jsonToClone(msg))
	return nil
}

// jsonToClone converts decoded JSON into values Clone accepts, keeping
// integers as int64.
func jsonToClone(v any) any {
	switch x := v.(type) {
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i
		}
		f, _ := x.Float64()
		return f
	case []any:
		for i, e := range x {
			x[i] = jsonToClone(e)
		}
		return x
	case map[string]any:
		for k, e := range x {
			x[k] = jsonToClone(e)
		}
		return x
	}
	return v
}
