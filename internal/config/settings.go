package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Global option keys.
const (
	KeyLogLevel       = "log.level"
	KeyLogDevelopment = "log.development"
	KeyXHREnabled     = "xhr.enabled"
	KeyXHRTimeout     = "xhr.timeout"
	KeyXHRRetries     = "xhr.retries"
	KeyXHRRate        = "xhr.rate"
	KeyXHRUserAgent   = "xhr.user-agent"
	KeyImportNetwork  = "import.network"
)

// Options of the [run] section.
const (
	SectionRun        = "run"
	KeyRunDone        = "done"
	KeyRunTimeout     = "timeout"
	KeyRunMetricsAddr = "metrics-addr"
)

const envPrefix = "WEBWORKER"

// Settings are the effective options after defaults, the config file and
// environment overrides have been applied, in that order.
type Settings struct {
	LogLevel       string
	LogDevelopment bool
	XHREnabled     bool
	XHRTimeout     time.Duration
	XHRRetries     int
	XHRRate        float64
	XHRUserAgent   string
	NetworkImports bool
}

// env holds environment overrides. Nil fields were not set.
type env struct {
	LogLevel       *string        `envconfig:"LOG_LEVEL"`
	LogDevelopment *bool          `envconfig:"LOG_DEVELOPMENT"`
	XHREnabled     *bool          `envconfig:"XHR_ENABLED"`
	XHRTimeout     *time.Duration `envconfig:"XHR_TIMEOUT"`
	XHRRetries     *int           `envconfig:"XHR_RETRIES"`
	XHRRate        *float64       `envconfig:"XHR_RATE"`
	XHRUserAgent   *string        `envconfig:"XHR_USER_AGENT"`
	NetworkImports *bool          `envconfig:"IMPORT_NETWORK"`
}

// DefaultSettings returns the settings used with no config file and no
// environment overrides. version fills the default User-Agent.
func DefaultSettings(version string) Settings {
	return Settings{
		LogLevel:       "info",
		XHREnabled:     true,
		XHRTimeout:     30 * time.Second,
		NetworkImports: true,
		XHRUserAgent:   "webworker/" + version,
	}
}

// Resolve computes the effective settings from c and the WEBWORKER_*
// environment. Malformed file values were already reported as warnings and
// are ignored; malformed environment values are an error.
func Resolve(c *Config, version string) (Settings, error) {
	s := DefaultSettings(version)
	if c != nil {
		s.applyFile(c)
	}

	var e env
	if err := envconfig.Process(envPrefix, &e); err != nil {
		return Settings{}, fmt.Errorf("config: environment: %w", err)
	}
	s.applyEnv(e)
	return s, nil
}

func (s *Settings) applyFile(c *Config) {
	if v, ok := c.String("", KeyLogLevel); ok && v != "" {
		s.LogLevel = v
	}
	if v, ok := c.Bool("", KeyLogDevelopment); ok {
		s.LogDevelopment = v
	}
	if v, ok := c.Bool("", KeyXHREnabled); ok {
		s.XHREnabled = v
	}
	if v, ok := c.Duration("", KeyXHRTimeout); ok {
		s.XHRTimeout = v
	}
	if v, ok := c.Int("", KeyXHRRetries); ok {
		s.XHRRetries = v
	}
	if v, ok := c.Float("", KeyXHRRate); ok {
		s.XHRRate = v
	}
	if v, ok := c.String("", KeyXHRUserAgent); ok && v != "" {
		s.XHRUserAgent = v
	}
	if v, ok := c.Bool("", KeyImportNetwork); ok {
		s.NetworkImports = v
	}
}

func (s *Settings) applyEnv(e env) {
	if e.LogLevel != nil {
		s.LogLevel = *e.LogLevel
	}
	if e.LogDevelopment != nil {
		s.LogDevelopment = *e.LogDevelopment
	}
	if e.XHREnabled != nil {
		s.XHREnabled = *e.XHREnabled
	}
	if e.XHRTimeout != nil {
		s.XHRTimeout = *e.XHRTimeout
	}
	if e.XHRRetries != nil {
		s.XHRRetries = *e.XHRRetries
	}
	if e.XHRRate != nil {
		s.XHRRate = *e.XHRRate
	}
	if e.XHRUserAgent != nil {
		s.XHRUserAgent = *e.XHRUserAgent
	}
	if e.NetworkImports != nil {
		s.NetworkImports = *e.NetworkImports
	}
}
