package app

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"cvatsync/internal/config"
)

func TestBootstrapWithoutConfig(t *testing.T) {
	ws := t.TempDir()
	rt, err := Bootstrap(Options{Workspace: ws, Stderr: &bytes.Buffer{}})
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	defer rt.Close()
	if rt.Engine.Remote != nil {
		t.Fatalf("remote must stay unset without credentials")
	}
	if _, err := os.Stat(filepath.Join(ws, ".cvatsync")); err != nil {
		t.Fatalf("workspace dir not created: %v", err)
	}
	if _, err := Bootstrap(Options{Workspace: ws, RequireConfig: true}); err == nil {
		t.Fatalf("expected missing config error")
	}
	if _, err := Bootstrap(Options{Workspace: ws, RequireRemote: true}); err == nil {
		t.Fatalf("expected missing remote error")
	}
}

func TestBootstrapWiresRemote(t *testing.T) {
	ws := t.TempDir()
	cfgYAML := strings.Replace(config.Template, "level: info", "level: debug", 1)
	if err := os.WriteFile(config.Path(ws), []byte(cfgYAML), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	var logs bytes.Buffer
	rt, err := Bootstrap(Options{Workspace: ws, RequireConfig: true, RequireRemote: true, Stderr: &logs})
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	defer rt.Close()
	if rt.Engine.Remote == nil {
		t.Fatalf("remote not wired")
	}
	if rt.Engine.PublicURL != "https://cvat.example.com" {
		t.Fatalf("unexpected public url %q", rt.Engine.PublicURL)
	}
	if !strings.Contains(logs.String(), "schema migrated") {
		t.Fatalf("expected migration log, got %q", logs.String())
	}
}

func TestNewLoggerRotatesToFile(t *testing.T) {
	cfg := config.Default()
	cfg.Log.File = filepath.Join(t.TempDir(), "cvatsync.log")
	logger, closer := NewLogger(cfg, &bytes.Buffer{})
	logger.Info("hello", "k", "v")
	if closer == nil {
		t.Fatalf("expected file closer")
	}
	closer.Close()
	data, err := os.ReadFile(cfg.Log.File)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(data), `"msg":"hello"`) {
		t.Fatalf("unexpected log output %s", data)
	}
}
