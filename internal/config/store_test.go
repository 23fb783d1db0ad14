package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func noEnv(string) (string, bool) { return "", false }

func TestStoreLoadMissingFileIsEmpty(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "models.yaml")).WithEnv(noEnv)
	doc, err := s.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(doc.Models) != 0 {
		t.Fatalf("expected no models, got %d", len(doc.Models))
	}
	if doc.Server.Host != DefaultServerHost || doc.Downstream.OutputDir != DefaultOutputDir {
		t.Fatalf("defaults not applied: %+v", doc)
	}
}

func TestStoreLoadPartialDocument(t *testing.T) {
	d := t.TempDir()
	p := writeTempFile(t, d, "models.yaml", "models:\n  a:\n  b:\n    port: 5003\n    implementation: yolo\n")
	doc, err := NewStore(p).WithEnv(noEnv).Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	a := doc.Models["a"]
	if a.HasPort() || a.IdleTimeoutSeconds != DefaultIdleTimeoutSeconds || a.ImplementationName() != "a" {
		t.Fatalf("unexpected a: %+v", a)
	}
	b := doc.Models["b"]
	if b.PortValue() != 5003 || b.ImplementationName() != "yolo" {
		t.Fatalf("unexpected b: %+v", b)
	}
}

func TestStoreMemoizesUntilInvalidate(t *testing.T) {
	d := t.TempDir()
	p := writeTempFile(t, d, "models.yaml", "models:\n  a:\n    port: 5001\n")
	s := NewStore(p).WithEnv(noEnv)
	if _, err := s.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	writeTempFile(t, d, "models.yaml", "models:\n  a:\n    port: 5001\n  b:\n    port: 5002\n")
	doc, _ := s.Load()
	if len(doc.Models) != 1 {
		t.Fatalf("expected memoized document, got %d models", len(doc.Models))
	}
	s.Invalidate()
	doc, _ = s.Load()
	if len(doc.Models) != 2 {
		t.Fatalf("expected fresh document after invalidate, got %d models", len(doc.Models))
	}
}

func TestStoreLoadReturnsCopy(t *testing.T) {
	d := t.TempDir()
	p := writeTempFile(t, d, "models.yaml", "models:\n  a:\n    port: 5001\n")
	s := NewStore(p).WithEnv(noEnv)
	doc, _ := s.Load()
	*doc.Models["a"].Port = 9
	delete(doc.Models, "a")
	doc2, _ := s.Load()
	if doc2.Models["a"].PortValue() != 5001 {
		t.Fatalf("cached document mutated via returned copy")
	}
}

func TestStoreMalformedNamesKey(t *testing.T) {
	cases := map[string]string{
		"models:\n  a:\n    port: abc\n":                  "models.a.port",
		"models:\n  a:\n    port: 70000\n":                "models.a.port",
		"models:\n  a:\n    idle_timeout_seconds: -1\n":   "models.a.idle_timeout_seconds",
		"models:\n  a:\n    generic_config: [1, 2]\n":     "models.a.generic_config",
		"models:\n  a: 3\n":                               "models.a",
		"models: [a, b]\n":                                "models",
		"- just\n- a list\n":                              "(root)",
		"server: [x]\n":                                   "server",
		"models:\n  a:\n    port: 1\n  b:\n    port: 1\n": "models.b.port",
	}
	for content, key := range cases {
		d := t.TempDir()
		p := writeTempFile(t, d, "models.yaml", content)
		_, err := NewStore(p).WithEnv(noEnv).Load()
		var ce *ConfigurationError
		if !errors.As(err, &ce) {
			t.Fatalf("%q: expected ConfigurationError, got %v", content, err)
		}
		if ce.Key != key {
			t.Fatalf("%q: expected key %q, got %q", content, key, ce.Key)
		}
	}
}

func TestStoreEnvOverridesAreNotPersisted(t *testing.T) {
	d := t.TempDir()
	p := writeTempFile(t, d, "models.yaml", "server:\n  host: 0.0.0.0\ndownstream:\n  host: 10.0.0.1\nmodels: {}\n")
	env := map[string]string{EnvServerHost: "127.0.0.1", EnvDownstreamHost: "10.9.9.9"}
	s := NewStore(p).WithEnv(func(k string) (string, bool) { v, ok := env[k]; return v, ok })
	doc, err := s.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if doc.Server.Host != "127.0.0.1" || doc.Downstream.Host != "10.9.9.9" {
		t.Fatalf("overrides not applied: %+v", doc)
	}
	if err := s.Register("a", 5001); err != nil {
		t.Fatalf("register: %v", err)
	}
	b, _ := os.ReadFile(p)
	if strings.Contains(string(b), "127.0.0.1") || strings.Contains(string(b), "10.9.9.9") {
		t.Fatalf("override leaked into document:\n%s", b)
	}
}

func TestStoreSavePreservesUnrelatedFieldsAndOrder(t *testing.T) {
	d := t.TempDir()
	content := `# fleet declaration
server:
  host: 0.0.0.0
  workers: 4 # unrelated key
models:
  zeta:
    port: 5002
    classes: [person, car]
  alpha:
    idle_timeout_seconds: 60
extra:
  keep: me
`
	p := writeTempFile(t, d, "models.yaml", content)
	s := NewStore(p).WithEnv(noEnv)
	if err := s.Register("alpha", 5001); err != nil {
		t.Fatalf("register: %v", err)
	}
	b, err := os.ReadFile(p)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	out := string(b)
	for _, want := range []string{"# fleet declaration", "workers: 4", "classes:", "keep: me", "# unrelated key"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q preserved in:\n%s", want, out)
		}
	}
	if strings.Index(out, "zeta:") > strings.Index(out, "alpha:") {
		t.Fatalf("model order changed:\n%s", out)
	}
	if strings.Index(out, "server:") > strings.Index(out, "models:") || strings.Index(out, "models:") > strings.Index(out, "extra:") {
		t.Fatalf("section order changed:\n%s", out)
	}
	doc, err := s.Load()
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	alpha := doc.Models["alpha"]
	if alpha.PortValue() != 5001 || alpha.IdleTimeoutSeconds != 60 {
		t.Fatalf("register did not preserve idle timeout: %+v", alpha)
	}
}

func TestStoreRegisterNewModelDefaults(t *testing.T) {
	p := filepath.Join(t.TempDir(), "nested", "models.yaml")
	s := NewStore(p).WithEnv(noEnv)
	if err := s.Register("yolo", 5001); err != nil {
		t.Fatalf("register: %v", err)
	}
	doc, err := s.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	m := doc.Models["yolo"]
	if m.PortValue() != 5001 || m.IdleTimeoutSeconds != DefaultIdleTimeoutSeconds || m.Implementation != "yolo" {
		t.Fatalf("unexpected declaration: %+v", m)
	}
}

func TestStoreRegisterRejectsDuplicatePort(t *testing.T) {
	d := t.TempDir()
	p := writeTempFile(t, d, "models.yaml", "models:\n  a:\n    port: 5001\n")
	s := NewStore(p).WithEnv(noEnv)
	if err := s.Register("b", 5001); !IsConfigurationError(err) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestStoreAssignPortUsesFreshRead(t *testing.T) {
	d := t.TempDir()
	p := writeTempFile(t, d, "models.yaml", "models:\n  a:\n    port: 5001\n")
	s := NewStore(p).WithEnv(noEnv)
	if _, err := s.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	// Another agent claims 5002 behind the memoized copy.
	writeTempFile(t, d, "models.yaml", "models:\n  a:\n    port: 5001\n  other:\n    port: 5002\n")
	var seen map[int]bool
	port, assigned, err := s.AssignPort("c", func(used map[int]bool) (int, error) {
		seen = used
		return 5003, nil
	})
	if err != nil || !assigned || port != 5003 {
		t.Fatalf("assign: port=%d assigned=%v err=%v", port, assigned, err)
	}
	if !seen[5002] {
		t.Fatalf("allocator did not see freshly claimed port: %v", seen)
	}
	port, assigned, err = s.AssignPort("a", func(map[int]bool) (int, error) {
		t.Fatalf("allocator called for model that already has a port")
		return 0, nil
	})
	if err != nil || assigned || port != 5001 {
		t.Fatalf("existing: port=%d assigned=%v err=%v", port, assigned, err)
	}
}

func TestStoreSaveRemovesAndRemove(t *testing.T) {
	d := t.TempDir()
	p := writeTempFile(t, d, "models.yaml", "models:\n  a:\n    port: 5001\n  b:\n    port: 5002\n")
	s := NewStore(p).WithEnv(noEnv)
	doc, _ := s.Load()
	delete(doc.Models, "a")
	if err := s.Save(doc); err != nil {
		t.Fatalf("save: %v", err)
	}
	doc, _ = s.Load()
	if _, ok := doc.Models["a"]; ok || len(doc.Models) != 1 {
		t.Fatalf("expected only b, got %v", doc.Names())
	}
	if err := s.Remove("b"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	doc, _ = s.Load()
	if len(doc.Models) != 0 {
		t.Fatalf("expected empty, got %v", doc.Names())
	}
}

func TestStoreModTime(t *testing.T) {
	p := filepath.Join(t.TempDir(), "models.yaml")
	s := NewStore(p)
	mt, err := s.ModTime()
	if err != nil || !mt.IsZero() {
		t.Fatalf("missing file: mt=%v err=%v", mt, err)
	}
	if err := s.Register("a", 5001); err != nil {
		t.Fatalf("register: %v", err)
	}
	mt, err = s.ModTime()
	if err != nil || mt.IsZero() {
		t.Fatalf("existing file: mt=%v err=%v", mt, err)
	}
}
