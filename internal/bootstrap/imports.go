package bootstrap

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/dop251/goja"
	"go.uber.org/zap"
)

// importScripts loads and runs each argument synchronously, in order, in the
// global scope. The first failure aborts the remaining imports.
func (s *Scope) importScripts(call goja.FunctionCall) goja.Value {
	for _, arg := range call.Arguments {
		if s.Halted() {
			break
		}
		src, location := s.loadImport(arg)
		s.log.Debug("importing script", zap.String("location", location))
		if _, err := s.vm.RunScript(location, src); err != nil {
			var syntax *goja.CompilerSyntaxError
			if errors.As(err, &syntax) {
				s.throw("SyntaxError", syntax.Error())
			}
			s.rethrow(err)
		}
	}
	return goja.Undefined()
}

// loadImport resolves and reads one import. A bad specifier throws
// SyntaxError, a failed read throws NetworkError.
func (s *Scope) loadImport(arg goja.Value) (src, location string) {
	name, ok := arg.Export().(string)
	if !ok {
		s.throw("SyntaxError", fmt.Sprintf("importScripts: the URL %q is invalid", arg.String()))
	}
	if name == "" || strings.ContainsRune(name, 0) {
		s.throw("SyntaxError", fmt.Sprintf("importScripts: the URL %q is invalid", name))
	}

	if u, err := url.Parse(name); err == nil {
		switch u.Scheme {
		case "http", "https":
			if s.cfg.Fetcher == nil {
				s.throw("NetworkError", fmt.Sprintf("importScripts: failed to load %s: network imports are disabled", name))
			}
			body, err := s.cfg.Fetcher.Fetch(s.cfg.Context, name)
			if err != nil {
				s.throw("NetworkError", fmt.Sprintf("importScripts: failed to load %s: %v", name, err))
			}
			return string(body), name
		case "file":
			name = u.Path
		}
	}

	path := name
	if !filepath.IsAbs(path) {
		path = filepath.Join(s.cfg.Dirname, path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		s.throw("NetworkError", fmt.Sprintf("importScripts: failed to load %s: %v", path, err))
	}
	return string(data), path
}
