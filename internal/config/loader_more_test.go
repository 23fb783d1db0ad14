package config

import (
	"testing"
	"time"
)

func TestLoad_NonexistentFile(t *testing.T) {
	if _, err := Load("/definitely/not/a/real/file-12345.yaml"); err == nil {
		t.Fatalf("expected error for nonexistent file")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	d := t.TempDir()
	p := writeTempFile(t, d, "bad.yaml", "models_dir: /m\n: broken\n")
	if _, err := Load(p); err == nil {
		t.Fatalf("expected YAML unmarshal error")
	}
}

func TestLoad_InvalidJSON(t *testing.T) {
	d := t.TempDir()
	p := writeTempFile(t, d, "bad.json", `{ "models_dir": }`)
	if _, err := Load(p); err == nil {
		t.Fatalf("expected JSON unmarshal error")
	}
}

func TestLoad_InvalidTOML(t *testing.T) {
	d := t.TempDir()
	p := writeTempFile(t, d, "bad.toml", "models_dir=/m\nport_range_start\n")
	if _, err := Load(p); err == nil {
		t.Fatalf("expected TOML unmarshal error")
	}
}

func TestWithDefaults(t *testing.T) {
	s := Settings{}.WithDefaults()
	if s.DocumentPath != DefaultDocumentPath || s.ModelsDir != DefaultModelsDir {
		t.Fatalf("unexpected paths: %+v", s)
	}
	if s.PollInterval() != 5*time.Second || s.Grace() != 5*time.Second {
		t.Fatalf("unexpected durations: poll=%v grace=%v", s.PollInterval(), s.Grace())
	}
	if s.PortRangeStart != 5001 || s.PortRangeEnd != 5100 {
		t.Fatalf("unexpected port range: %d-%d", s.PortRangeStart, s.PortRangeEnd)
	}
	if s.Watch == nil || !*s.Watch {
		t.Fatalf("expected watch default on")
	}
	if s.Artifacts.EntryFile != DefaultArtifactEntryFile {
		t.Fatalf("unexpected entry file %q", s.Artifacts.EntryFile)
	}
}

func TestApplyEnvOnlyFillsUnset(t *testing.T) {
	env := map[string]string{
		"FLEETD_MODELS_DIR":            "/env/models",
		"FLEETD_CONFIG_PATH":           "/env/models.yaml",
		"FLEETD_POLL_INTERVAL_SECONDS": "9",
	}
	lookup := func(k string) (string, bool) { v, ok := env[k]; return v, ok }
	s := Settings{ModelsDir: "/flag/models"}.ApplyEnv(lookup)
	if s.ModelsDir != "/flag/models" {
		t.Fatalf("explicit value overridden: %q", s.ModelsDir)
	}
	if s.DocumentPath != "/env/models.yaml" || s.PollIntervalSeconds != 9 {
		t.Fatalf("env not applied: %+v", s)
	}
}

func TestValidate(t *testing.T) {
	s := Settings{PortRangeStart: 6000, PortRangeEnd: 5000}.WithDefaults()
	if err := s.Validate(); !IsConfigurationError(err) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	s = Settings{}.WithDefaults()
	if err := s.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}
