package worker

import (
	"context"

	"github.com/joeycumines/webworker/internal/builtin/xhr"
	"github.com/joeycumines/webworker/internal/metrics"
	"go.uber.org/zap"
)

// Option configures a Worker at construction.
type Option func(*options)

type options struct {
	name           string
	hasName        bool
	ctx            context.Context
	logger         *zap.Logger
	client         *xhr.Client
	xhr            bool
	networkImports bool
	metrics        *metrics.Metrics
	listeners      []registration
}

type registration struct {
	typ EventType
	fn  Listener
}

func defaultOptions() options {
	return options{
		ctx:            context.Background(),
		logger:         zap.NewNop(),
		xhr:            true,
		networkImports: true,
	}
}

// WithName sets the worker's name global.
func WithName(name string) Option {
	return func(o *options) {
		o.name = name
		o.hasName = true
	}
}

// WithContext terminates the worker when ctx is done. It also bounds
// in-flight network requests.
func WithContext(ctx context.Context) Option {
	return func(o *options) {
		if ctx != nil {
			o.ctx = ctx
		}
	}
}

// WithLogger sets the logger for worker lifecycle and uncaught errors.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithHTTPClient sets the client behind XMLHttpRequest and network
// imports. It may be shared between workers.
func WithHTTPClient(client *xhr.Client) Option {
	return func(o *options) {
		o.client = client
	}
}

// WithoutXHR removes XMLHttpRequest from the worker scope.
func WithoutXHR() Option {
	return func(o *options) {
		o.xhr = false
	}
}

// WithoutNetworkImports makes importScripts reject http and https URLs.
func WithoutNetworkImports() Option {
	return func(o *options) {
		o.networkImports = false
	}
}

// WithMetrics records worker activity in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithListener registers a listener before the worker starts, so it sees
// every event.
func WithListener(typ EventType, fn Listener) Option {
	return func(o *options) {
		if fn != nil {
			o.listeners = append(o.listeners, registration{typ: typ, fn: fn})
		}
	}
}
