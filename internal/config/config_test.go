package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestConfigParsing(t *testing.T) {
	configContent := `# Global options
log.level debug
xhr.enabled false

[run]
timeout 10s
done   All done
`

	config, err := LoadFromReader(strings.NewReader(configContent))
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if value, ok := config.GetGlobalOption("log.level"); !ok || value != "debug" {
		t.Errorf("Expected log.level=debug, got %s (exists: %v)", value, ok)
	}
	if value, ok := config.GetCommandOption("run", "timeout"); !ok || value != "10s" {
		t.Errorf("Expected run.timeout=10s, got %s (exists: %v)", value, ok)
	}
	if value, ok := config.GetCommandOption("run", "done"); !ok || value != "All done" {
		t.Errorf("Expected run.done='All done', got %q (exists: %v)", value, ok)
	}

	// fallback to global options
	if value, ok := config.GetCommandOption("run", "xhr.enabled"); !ok || value != "false" {
		t.Errorf("Expected run xhr.enabled=false (fallback), got %s (exists: %v)", value, ok)
	}
	if value, ok := config.GetCommandOption("nonexistent", "option"); ok {
		t.Errorf("Expected nonexistent option to not exist, but got %s", value)
	}
	if config.HasWarnings() {
		t.Errorf("Expected no warnings, got %v", config.Warnings)
	}
}

func TestEmptyConfig(t *testing.T) {
	config, err := LoadFromReader(strings.NewReader(""))
	if err != nil {
		t.Fatalf("Failed to load empty config: %v", err)
	}
	if len(config.Global) != 0 || len(config.Commands) != 0 {
		t.Errorf("Expected empty config, got %+v", config)
	}
}

func TestConfigWarnings(t *testing.T) {
	config, err := LoadFromReader(strings.NewReader("bogus 1\nxhr.retries many\n[run]\ntimeout soon\n"))
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	if len(config.Warnings) != 3 {
		t.Fatalf("Expected 3 warnings, got %d: %v", len(config.Warnings), config.Warnings)
	}
	joined := strings.Join(config.Warnings, "\n")
	for _, want := range []string{`unknown global option: "bogus"`, `"xhr.retries": expected int`, `[run] option "timeout": expected duration`} {
		if !strings.Contains(joined, want) {
			t.Errorf("Expected a warning containing %q, got:\n%s", want, joined)
		}
	}
}

func TestLoadFromPathMissing(t *testing.T) {
	config, err := LoadFromPath(filepath.Join(t.TempDir(), "missing"))
	if err != nil {
		t.Fatalf("LoadFromPath returned error: %v", err)
	}
	if len(config.Global) != 0 {
		t.Errorf("Expected an empty config")
	}
}

func TestLoadFromPathRejectsSymlink(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "real")
	if err := os.WriteFile(target, []byte("log.level debug\n"), 0644); err != nil {
		t.Fatal(err)
	}
	link := filepath.Join(dir, "config")
	if err := os.Symlink(target, link); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}
	if _, err := LoadFromPath(link); err == nil || !strings.Contains(err.Error(), "symlink") {
		t.Fatalf("Expected symlink rejection, got %v", err)
	}
}

func TestLoadUsesEnvPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config")
	if err := os.WriteFile(path, []byte("xhr.retries 2\n"), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv(PathEnvVar, path)

	config, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if got, ok := config.Int("", "xhr.retries"); !ok || got != 2 {
		t.Errorf("Expected xhr.retries=2, got %d", got)
	}
}

func TestParseBool(t *testing.T) {
	for in, want := range map[string]bool{"true": true, "YES": true, "1": true, "on": true, "false": false, "No": false, "0": false, "off": false} {
		got, err := parseBool(in)
		if err != nil || got != want {
			t.Errorf("parseBool(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := parseBool("maybe"); err == nil {
		t.Error("Expected an error for maybe")
	}
}
