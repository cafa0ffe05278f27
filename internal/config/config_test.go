package config

import (
	"strings"
	"testing"
	"time"
)

func TestTemplateParses(t *testing.T) {
	cfg, err := FromYAML([]byte(Template))
	if err != nil {
		t.Fatalf("template: %v", err)
	}
	if cfg.Remote.PublicURL != "https://cvat.example.com" {
		t.Fatalf("public url default: %q", cfg.Remote.PublicURL)
	}
	if cfg.Timeout() != 30*time.Second {
		t.Fatalf("timeout: %v", cfg.Timeout())
	}
	if cfg.RetryPause() != time.Second {
		t.Fatalf("retry pause: %v", cfg.RetryPause())
	}
	if err := cfg.RequireRemote(); err != nil {
		t.Fatalf("require remote: %v", err)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"relative url":      "remote:\n  base_url: cvat/api\n",
		"unknown driver":    "database:\n  driver: mysql\n",
		"postgres no dsn":   "database:\n  driver: postgres\n",
		"bad level":         "log:\n  level: loud\n",
		"base path no root": "server:\n  base_path: v0\n",
	}
	for name, doc := range cases {
		if _, err := FromYAML([]byte(doc)); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestDefaultHasNoRemote(t *testing.T) {
	cfg := Default()
	err := cfg.RequireRemote()
	if err == nil || !strings.Contains(err.Error(), "base_url") {
		t.Fatalf("expected base_url error, got %v", err)
	}
	if cfg.Server.BasePath != "/v0" || cfg.Database.Driver != "sqlite" {
		t.Fatalf("unexpected defaults %+v", cfg.Server)
	}
}
