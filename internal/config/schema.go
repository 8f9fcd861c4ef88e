package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"
)

// OptionType is the value type an option is validated against.
type OptionType string

const (
	TypeString   OptionType = "string"
	TypeBool     OptionType = "bool" // true/false, yes/no, on/off, 1/0
	TypeInt      OptionType = "int"
	TypeDuration OptionType = "duration" // time.ParseDuration syntax
	TypeFloat    OptionType = "float"
)

// Option describes one key of the config file.
type Option struct {
	Key     string
	Section string // "" for global options
	Type    OptionType
	Default string
	Help    string
	// EnvVar overrides the file value when set, or "" for none.
	EnvVar string
}

type optionKey struct{ section, key string }

// Schema is the set of options webworker understands. It drives
// validation, `config schema` output and environment overrides.
type Schema struct {
	order   []optionKey
	options map[optionKey]Option
}

// DefaultSchema returns the schema of every known webworker option.
func DefaultSchema() *Schema {
	s := &Schema{options: make(map[optionKey]Option)}
	env := func(name string) string { return envPrefix + "_" + name }
	for _, o := range []Option{
		{Key: KeyLogLevel, Type: TypeString, Default: "info", Help: "Log level: debug, info, warn, error", EnvVar: env("LOG_LEVEL")},
		{Key: KeyLogDevelopment, Type: TypeBool, Default: "false", Help: "Human-readable console logs", EnvVar: env("LOG_DEVELOPMENT")},
		{Key: KeyXHREnabled, Type: TypeBool, Default: "true", Help: "Expose XMLHttpRequest to workers", EnvVar: env("XHR_ENABLED")},
		{Key: KeyXHRTimeout, Type: TypeDuration, Default: "30s", Help: "Upper bound for each HTTP request", EnvVar: env("XHR_TIMEOUT")},
		{Key: KeyXHRRetries, Type: TypeInt, Default: "0", Help: "Retries for connection errors and 5xx responses", EnvVar: env("XHR_RETRIES")},
		{Key: KeyXHRRate, Type: TypeFloat, Default: "0", Help: "Requests per second across all workers, 0 for unlimited", EnvVar: env("XHR_RATE")},
		{Key: KeyXHRUserAgent, Type: TypeString, Help: "User-Agent header, default webworker/<version>", EnvVar: env("XHR_USER_AGENT")},
		{Key: KeyImportNetwork, Type: TypeBool, Default: "true", Help: "Allow importScripts over http and https", EnvVar: env("IMPORT_NETWORK")},

		{Section: SectionRun, Key: KeyRunDone, Type: TypeString, Default: "Done", Help: "Message that ends the run"},
		{Section: SectionRun, Key: KeyRunTimeout, Type: TypeDuration, Help: "Terminate the worker after this long"},
		{Section: SectionRun, Key: KeyRunMetricsAddr, Type: TypeString, Help: "Serve Prometheus metrics on this address"},
	} {
		s.add(o)
	}
	return s
}

func (s *Schema) add(o Option) {
	k := optionKey{o.Section, o.Key}
	if _, ok := s.options[k]; !ok {
		s.order = append(s.order, k)
	}
	s.options[k] = o
}

// Lookup returns the option registered for key in section ("" for global),
// or nil.
func (s *Schema) Lookup(section, key string) *Option {
	o, ok := s.options[optionKey{section, key}]
	if !ok {
		return nil
	}
	return &o
}

// Sections returns the sorted names of sections with registered options.
func (s *Schema) Sections() []string {
	var out []string
	for _, k := range s.order {
		if k.section != "" && !contains(out, k.section) {
			out = append(out, k.section)
		}
	}
	sort.Strings(out)
	return out
}

func contains(list []string, v string) bool {
	for _, e := range list {
		if e == v {
			return true
		}
	}
	return false
}

// Resolve returns the effective string value of a global key: its
// environment override, then the file value, then the default.
func (s *Schema) Resolve(c *Config, key string) string {
	opt := s.Lookup("", key)
	if opt != nil && opt.EnvVar != "" {
		if v, ok := os.LookupEnv(opt.EnvVar); ok {
			return v
		}
	}
	if v, ok := c.GetGlobalOption(key); ok {
		return v
	}
	if opt != nil {
		return opt.Default
	}
	return ""
}

// ValidateConfig reports unknown keys and values that do not parse as their
// option's type, sorted. Global keys may also appear in a section, where
// they override the global value for that command.
func ValidateConfig(c *Config, s *Schema) []string {
	var issues []string
	check := func(where, section, key, value string) {
		opt := s.Lookup(section, key)
		if opt == nil {
			opt = s.Lookup("", key)
		}
		if opt == nil {
			issues = append(issues, fmt.Sprintf("unknown %s option: %q (value: %q)", where, key, value))
			return
		}
		if err := validateType(opt.Type, value); err != nil {
			issues = append(issues, fmt.Sprintf("%s option %q: %v", where, key, err))
		}
	}
	for key, value := range c.Global {
		check("global", "", key, value)
	}
	for section, opts := range c.Commands {
		for key, value := range opts {
			check("["+section+"]", section, key, value)
		}
	}
	sort.Strings(issues)
	return issues
}

func validateType(t OptionType, value string) error {
	var err error
	switch t {
	case TypeString, "":
	case TypeBool:
		_, err = parseBool(value)
	case TypeInt:
		_, err = strconv.Atoi(value)
	case TypeDuration:
		_, err = time.ParseDuration(value)
	case TypeFloat:
		_, err = parseFloat(value)
	default:
		return fmt.Errorf("unknown option type %q", t)
	}
	if err != nil {
		return fmt.Errorf("expected %s, got %q", t, value)
	}
	return nil
}

// FormatHelp lists every option, global ones first, then each section.
func (s *Schema) FormatHelp() string {
	var b strings.Builder
	write := func(section, heading string) {
		wrote := false
		for _, k := range s.order {
			if k.section != section {
				continue
			}
			if !wrote {
				b.WriteString(heading)
				wrote = true
			}
			writeOptionHelp(&b, s.options[k])
		}
	}
	write("", "Global Options:\n")
	for _, sec := range s.Sections() {
		write(sec, fmt.Sprintf("\n[%s] Options:\n", sec))
	}
	return b.String()
}

func writeOptionHelp(b *strings.Builder, o Option) {
	fmt.Fprintf(b, "  %-35s %s", o.Key, o.Help)
	var notes []string
	if o.Type != "" && o.Type != TypeString {
		notes = append(notes, "type: "+string(o.Type))
	}
	if o.Default != "" {
		notes = append(notes, "default: "+o.Default)
	}
	if o.EnvVar != "" {
		notes = append(notes, "env: "+o.EnvVar)
	}
	if len(notes) > 0 {
		fmt.Fprintf(b, " (%s)", strings.Join(notes, ", "))
	}
	b.WriteByte('\n')
}

// The typed getters read key from section, falling back to the global
// value ("" reads only the global value). ok is false when the key is unset
// or its value does not parse; the malformed value was already reported as
// a load warning.

// String returns the raw value of key.
func (c *Config) String(section, key string) (string, bool) {
	if section == "" {
		return c.GetGlobalOption(key)
	}
	return c.GetCommandOption(section, key)
}

// Bool returns key parsed with parseBool.
func (c *Config) Bool(section, key string) (bool, bool) {
	v, ok := c.String(section, key)
	if !ok {
		return false, false
	}
	b, err := parseBool(v)
	return b, err == nil
}

// Int returns key parsed as a decimal integer.
func (c *Config) Int(section, key string) (int, bool) {
	v, ok := c.String(section, key)
	if !ok {
		return 0, false
	}
	i, err := strconv.Atoi(v)
	return i, err == nil
}

// Float returns key parsed as a float64.
func (c *Config) Float(section, key string) (float64, bool) {
	v, ok := c.String(section, key)
	if !ok {
		return 0, false
	}
	f, err := parseFloat(v)
	return f, err == nil
}

// Duration returns key parsed with time.ParseDuration.
func (c *Config) Duration(section, key string) (time.Duration, bool) {
	v, ok := c.String(section, key)
	if !ok {
		return 0, false
	}
	d, err := time.ParseDuration(v)
	return d, err == nil
}
