package capability

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultStartupTimeout bounds how long a runtime may take to report ready.
const DefaultStartupTimeout = 120 * time.Second

// Manifest is the content of a marker file.
type Manifest struct {
	Command               []string          `yaml:"command"`
	Env                   map[string]string `yaml:"env"`
	Workdir               string            `yaml:"workdir"`
	StartupTimeoutSeconds int               `yaml:"startup_timeout_seconds"`
}

// StartupTimeout returns the configured timeout or the default.
func (m Manifest) StartupTimeout() time.Duration {
	if m.StartupTimeoutSeconds <= 0 {
		return DefaultStartupTimeout
	}
	return time.Duration(m.StartupTimeoutSeconds) * time.Second
}

// ReadManifest parses the marker file at path. An empty file yields a zero
// Manifest.
func ReadManifest(path string) (Manifest, error) {
	var m Manifest
	b, err := os.ReadFile(path)
	if err != nil {
		return m, fmt.Errorf("read manifest: %w", err)
	}
	if err := yaml.Unmarshal(b, &m); err != nil {
		return m, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	return m, nil
}

var errNoCommand = errors.New("manifest declares no command")
