package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Sandbox.MaxConcurrent <= 0 {
		t.Fatalf("expected positive max_concurrent, got %d", cfg.Sandbox.MaxConcurrent)
	}
	if cfg.Server.BaseURL == "" {
		t.Fatal("expected a default server base url")
	}
	if cfg.Runtime.RunnerPrefix != "vm0" {
		t.Fatalf("expected default runner prefix vm0, got %q", cfg.Runtime.RunnerPrefix)
	}
}

func TestLoadFromFileOverlaysDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "runner.yaml")
	doc := "name: worker-1\nsandbox:\n  max_concurrent: 8\n"
	if err := os.WriteFile(path, []byte(doc), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}
	if cfg.Name != "worker-1" {
		t.Fatalf("expected name worker-1, got %q", cfg.Name)
	}
	if cfg.Sandbox.MaxConcurrent != 8 {
		t.Fatalf("expected max_concurrent 8, got %d", cfg.Sandbox.MaxConcurrent)
	}
	// Unset fields keep the default.
	if cfg.Firecracker.Binary == "" {
		t.Fatal("expected firecracker binary default to survive overlay")
	}
}

func TestLoadFromEnvOverrides(t *testing.T) {
	cfg := DefaultConfig()
	t.Setenv("RUNNER_GROUP", "gpu-pool")
	t.Setenv("RUNNER_MAX_CONCURRENT", "16")
	t.Setenv("RUNNER_TRACING_ENABLED", "true")

	LoadFromEnv(cfg)

	if cfg.Group != "gpu-pool" {
		t.Fatalf("expected group override, got %q", cfg.Group)
	}
	if cfg.Sandbox.MaxConcurrent != 16 {
		t.Fatalf("expected max_concurrent override, got %d", cfg.Sandbox.MaxConcurrent)
	}
	if !cfg.Observability.Tracing.Enabled {
		t.Fatal("expected tracing enabled override")
	}
}
