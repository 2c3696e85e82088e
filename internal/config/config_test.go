package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadReturnsDefaultsWhenFileMissing(t *testing.T) {
	t.Setenv("NEUROPREP_CONFIG", filepath.Join(t.TempDir(), "nope.json"))

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Engines.Registration.Preferred != "ants" {
		t.Fatalf("unexpected default registration engine %s", cfg.Engines.Registration.Preferred)
	}
	if len(cfg.Engines.Registration.Fallbacks) != 2 {
		t.Fatalf("expected niftyreg and greedy fallbacks, got %v", cfg.Engines.Registration.Fallbacks)
	}
	if cfg.Engines.Defacing.Buffer != 10 {
		t.Fatalf("unexpected default deface buffer %v", cfg.Engines.Defacing.Buffer)
	}
	if cfg.Service.Workers != 1 || cfg.Service.ListenAddr == "" {
		t.Fatalf("unexpected service defaults %+v", cfg.Service)
	}
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := `{
  "processing": {"device": "cpu", "atlas_path": "/atlas/sri24.nii.gz"},
  "engines": {"registration": {"preferred": "greedy"}}
}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("NEUROPREP_CONFIG", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Processing.Device != "cpu" {
		t.Fatalf("expected device override, got %s", cfg.Processing.Device)
	}
	if cfg.Processing.AtlasPath != "/atlas/sri24.nii.gz" {
		t.Fatalf("expected atlas override, got %s", cfg.Processing.AtlasPath)
	}
	if cfg.Engines.Registration.Preferred != "greedy" {
		t.Fatalf("expected engine override, got %s", cfg.Engines.Registration.Preferred)
	}
	// Untouched sections keep their defaults.
	if cfg.Engines.BrainExtraction.Preferred != "hdbet" {
		t.Fatalf("expected default extractor, got %s", cfg.Engines.BrainExtraction.Preferred)
	}
}

func TestWriteRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "deep", "config.json")
	cfg := Default()
	cfg.Service.SettleSeconds = 99

	if err := Write(cfg, path); err != nil {
		t.Fatalf("write: %v", err)
	}

	t.Setenv("NEUROPREP_CONFIG", path)
	loaded, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Service.SettleSeconds != 99 {
		t.Fatalf("expected settle 99, got %d", loaded.Service.SettleSeconds)
	}
}

func TestExpandUser(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	got, err := expandUser("~/.config/neuroprep/config.json")
	if err != nil {
		t.Fatalf("expand: %v", err)
	}
	if got != filepath.Join(home, ".config/neuroprep/config.json") {
		t.Fatalf("unexpected expansion %s", got)
	}
	if got, _ := expandUser("/abs/path"); got != "/abs/path" {
		t.Fatalf("absolute paths should pass through, got %s", got)
	}
}
