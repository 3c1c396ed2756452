package setup

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load(filepath.Join(t.TempDir(), "config.yaml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg != Defaults() {
		t.Fatalf("Load() = %+v, want defaults", cfg)
	}
}

func TestLoadFillsUnsetFields(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.yaml")
	content := "state_dir: /tmp/berth-test\nport_range_start: 3000\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.StateDir != "/tmp/berth-test" {
		t.Fatalf("StateDir = %q", cfg.StateDir)
	}
	if cfg.KeyDir != "/tmp/berth-test/keys" {
		t.Fatalf("KeyDir = %q, want derived from state dir", cfg.KeyDir)
	}
	if cfg.PortRangeStart != 3000 {
		t.Fatalf("PortRangeStart = %d", cfg.PortRangeStart)
	}
	if cfg.PortRangeCount != Defaults().PortRangeCount {
		t.Fatalf("PortRangeCount = %d, want default", cfg.PortRangeCount)
	}
	if cfg.LogLevel != "info" {
		t.Fatalf("LogLevel = %q, want default", cfg.LogLevel)
	}
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("state_dir: [\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	if _, err := Load(path); err == nil {
		t.Fatal("Load() expected an error for malformed YAML")
	}
}

func TestInitializeAndVerify(t *testing.T) {
	t.Parallel()

	base := t.TempDir()
	cfg := Config{
		StateDir:  filepath.Join(base, "state"),
		KeyDir:    filepath.Join(base, "state", "keys"),
		RecipeDir: filepath.Join(base, "state", "recipes"),
	}

	if err := Verify(cfg); err == nil {
		t.Fatal("Verify() should fail before initialization")
	}
	if err := Initialize(cfg); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	if err := Initialize(cfg); err != nil {
		t.Fatalf("second Initialize() error = %v", err)
	}
	if err := Verify(cfg); err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
}
