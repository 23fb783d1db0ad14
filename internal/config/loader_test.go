package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTempFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return p
}

func TestLoadYAML(t *testing.T) {
	d := t.TempDir()
	p := writeTempFile(t, d, "cfg.yaml", "document_path: /etc/fleetd/models.yaml\nmodels_dir: /srv/models\npoll_interval_seconds: 7\nport_range_start: 6000\nport_range_end: 6010\nartifacts:\n  status: [nuctl, get, function, \"{name}\"]\n")
	cfg, err := Load(p)
	if err != nil { t.Fatalf("load: %v", err) }
	if cfg.DocumentPath != "/etc/fleetd/models.yaml" || cfg.ModelsDir != "/srv/models" || cfg.PollIntervalSeconds != 7 || cfg.PortRangeStart != 6000 || cfg.PortRangeEnd != 6010 {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
	if len(cfg.Artifacts.Status) != 4 || cfg.Artifacts.Status[3] != "{name}" {
		t.Fatalf("unexpected status command: %v", cfg.Artifacts.Status)
	}
}

func TestLoadJSON(t *testing.T) {
	d := t.TempDir()
	p := writeTempFile(t, d, "cfg.json", `{"models_dir":"/m","grace_seconds":3,"worker_bin":"/usr/bin/fleetd","watch":false}`)
	cfg, err := Load(p)
	if err != nil { t.Fatalf("load: %v", err) }
	if cfg.ModelsDir != "/m" || cfg.GraceSeconds != 3 || cfg.WorkerBin != "/usr/bin/fleetd" {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
	if cfg.Watch == nil || *cfg.Watch {
		t.Fatalf("expected watch=false, got %v", cfg.Watch)
	}
}

func TestLoadTOML(t *testing.T) {
	d := t.TempDir()
	p := writeTempFile(t, d, "cfg.toml", "models_dir=\"/x\"\nrestart_backoff_seconds=2\nmax_restart_backoff_seconds=60\n[artifacts]\nentry_file=\"main.py\"\n")
	cfg, err := Load(p)
	if err != nil { t.Fatalf("load: %v", err) }
	if cfg.ModelsDir != "/x" || cfg.RestartBackoffSeconds != 2 || cfg.MaxRestartBackoffSeconds != 60 || cfg.Artifacts.EntryFile != "main.py" {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
}

func TestLoadErrors(t *testing.T) {
	if _, err := Load(""); err == nil { t.Fatalf("expected error on empty path") }
	d := t.TempDir()
	p := writeTempFile(t, d, "cfg.txt", "not supported")
	if _, err := Load(p); err == nil { t.Fatalf("expected unsupported extension error") }
}
