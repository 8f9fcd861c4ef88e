package xhr

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ClientConfig configures a Client.
type ClientConfig struct {
	// Timeout bounds each request including retries. Zero means no limit
	// beyond the request context.
	Timeout time.Duration
	// Retries is the number of retries for connection errors and 5xx
	// responses.
	Retries int
	// Rate limits requests per second across every worker sharing the
	// client. Zero or negative means unlimited.
	Rate float64
	// UserAgent is sent unless the request sets its own.
	UserAgent string
	Logger    *zap.Logger
}

// Client is the HTTP transport behind XMLHttpRequest and network imports.
// It is safe for concurrent use and may be shared between workers.
type Client struct {
	resty   *resty.Client
	limiter *rate.Limiter
	log     *zap.Logger
}

// Request is a single HTTP request.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// Response is a fully read HTTP response.
type Response struct {
	Status     int
	StatusText string
	// URL is the final URL after redirects.
	URL    string
	Header http.Header
	Body   []byte
}

// NewClient builds a Client: resty over a retryablehttp transport, with an
// optional rate limit.
func NewClient(cfg ClientConfig) *Client {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}

	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = cfg.Retries
	retryClient.RetryWaitMin = 100 * time.Millisecond
	retryClient.RetryWaitMax = 2 * time.Second
	retryClient.Logger = retryLogger{log: log.Named("retry").Sugar()}
	// hand the last response back instead of an error so 5xx stays visible
	retryClient.ErrorHandler = retryablehttp.PassthroughErrorHandler

	restyClient := resty.NewWithClient(retryClient.StandardClient())
	if cfg.Timeout > 0 {
		restyClient.SetTimeout(cfg.Timeout)
	}
	if cfg.UserAgent != "" {
		restyClient.SetHeader("User-Agent", cfg.UserAgent)
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.Rate > 0 {
		burst := int(cfg.Rate)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.Rate), burst)
	}

	return &Client{
		resty:   restyClient,
		limiter: limiter,
		log:     log,
	}
}

// Do sends req and reads the whole response body. Non-2xx statuses are not
// errors.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("xhr: rate limit: %w", err)
	}

	r := c.resty.R().SetContext(ctx)
	for k, vs := range req.Header {
		for _, v := range vs {
			r.Header.Add(k, v)
		}
	}
	if len(req.Body) > 0 {
		r.SetBody(req.Body)
	}

	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}
	start := time.Now()
	resp, err := r.Execute(method, req.URL)
	if err != nil {
		c.log.Debug("request failed", zap.String("method", method), zap.String("url", req.URL), zap.Error(err))
		return nil, err
	}
	c.log.Debug("request complete",
		zap.String("method", method),
		zap.String("url", req.URL),
		zap.Int("status", resp.StatusCode()),
		zap.Duration("elapsed", time.Since(start)),
	)

	out := &Response{
		Status:     resp.StatusCode(),
		StatusText: statusText(resp.StatusCode(), resp.Status()),
		URL:        req.URL,
		Header:     resp.Header().Clone(),
		Body:       resp.Body(),
	}
	if raw := resp.RawResponse; raw != nil && raw.Request != nil && raw.Request.URL != nil {
		out.URL = raw.Request.URL.String()
	}
	return out, nil
}

// Fetch GETs url and returns the body, failing on any non-2xx status.
func (c *Client) Fetch(ctx context.Context, url string) ([]byte, error) {
	resp, err := c.Do(ctx, Request{Method: http.MethodGet, URL: url})
	if err != nil {
		return nil, err
	}
	if resp.Status < 200 || resp.Status > 299 {
		return nil, fmt.Errorf("xhr: GET %s: unexpected status %d", url, resp.Status)
	}
	return resp.Body, nil
}

// statusText strips the numeric code from a status line such as "200 OK".
func statusText(code int, status string) string {
	text := strings.TrimSpace(strings.TrimPrefix(status, strconv.Itoa(code)))
	if text == "" {
		text = http.StatusText(code)
	}
	return text
}

// retryLogger adapts zap to retryablehttp.LeveledLogger.
type retryLogger struct {
	log *zap.SugaredLogger
}

func (l retryLogger) Error(msg string, keysAndValues ...any) { l.log.Errorw(msg, keysAndValues...) }
func (l retryLogger) Warn(msg string, keysAndValues ...any)  { l.log.Warnw(msg, keysAndValues...) }
func (l retryLogger) Info(msg string, keysAndValues ...any)  { l.log.Infow(msg, keysAndValues...) }
func (l retryLogger) Debug(msg string, keysAndValues ...any) { l.log.Debugw(msg, keysAndValues...) }
