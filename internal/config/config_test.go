package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadAppliesDefaultsForOmittedFields(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "fabric.yaml", `
broker:
  listen_addr: ":9090"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Broker.ListenAddr != ":9090" {
		t.Fatalf("expected overridden listen_addr, got %q", cfg.Broker.ListenAddr)
	}
	if cfg.Broker.PingInterval != 30*time.Second {
		t.Fatalf("expected default ping interval to survive, got %v", cfg.Broker.PingInterval)
	}
	if cfg.Engine.ModuleDir != "./modules" {
		t.Fatalf("expected default module dir, got %q", cfg.Engine.ModuleDir)
	}
}

func TestLoadExpandsEnvironmentVariables(t *testing.T) {
	t.Setenv("FABRIC_BROKER_ADDR", ":7070")
	dir := t.TempDir()
	path := writeFile(t, dir, "fabric.yaml", `
broker:
  listen_addr: "${FABRIC_BROKER_ADDR}"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Broker.ListenAddr != ":7070" {
		t.Fatalf("expected expanded env var, got %q", cfg.Broker.ListenAddr)
	}
}

func TestLoadResolvesIncludes(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "tool_exec.yaml", `
tool_exec:
  max_retries: 7
`)
	path := writeFile(t, dir, "fabric.yaml", `
$include: tool_exec.yaml
broker:
  listen_addr: ":8081"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ToolExec.MaxRetries != 7 {
		t.Fatalf("expected included max_retries, got %d", cfg.ToolExec.MaxRetries)
	}
	if cfg.Broker.ListenAddr != ":8081" {
		t.Fatalf("expected including file to win on overlapping keys, got %q", cfg.Broker.ListenAddr)
	}
}

func TestLoadDetectsIncludeCycle(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.yaml", "$include: b.yaml\n")
	path := writeFile(t, dir, "b.yaml", "$include: a.yaml\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected include cycle to be detected")
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "fabric.yaml", `
broker:
  nonexistent_field: true
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected unknown field to be rejected")
	}
}

func TestLoadRejectsEmptyPath(t *testing.T) {
	if _, err := Load(""); err == nil {
		t.Fatal("expected empty path to be rejected")
	}
}
