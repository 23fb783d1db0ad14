package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Defaults applied by WithDefaults when the corresponding Settings field is unset.
const (
	DefaultDocumentPath        = "config/models.yaml"
	DefaultModelsDir           = "models"
	DefaultPollIntervalSeconds = 5
	DefaultPortRangeStart      = 5001
	DefaultPortRangeEnd        = 5100
	DefaultGraceSeconds        = 5
	DefaultArtifactEntryFile   = "function.yaml"
)

// ArtifactCommands holds argv templates for the downstream artifact
// collaborators. Elements may contain {name}, {output_dir}, {artifact_dir}
// and {downstream_host} placeholders. An empty template disables that step.
type ArtifactCommands struct {
	Status    []string `json:"status" yaml:"status" toml:"status"`
	Generate  []string `json:"generate" yaml:"generate" toml:"generate"`
	Deploy    []string `json:"deploy" yaml:"deploy" toml:"deploy"`
	Delete    []string `json:"delete" yaml:"delete" toml:"delete"`
	EntryFile string   `json:"entry_file" yaml:"entry_file" toml:"entry_file"`
}

// Settings holds runtime parameters for the controller process.
// Zero values mean "unspecified" and are replaced by WithDefaults.
type Settings struct {
	DocumentPath             string           `json:"document_path" yaml:"document_path" toml:"document_path"`
	ModelsDir                string           `json:"models_dir" yaml:"models_dir" toml:"models_dir"`
	PollIntervalSeconds      int              `json:"poll_interval_seconds" yaml:"poll_interval_seconds" toml:"poll_interval_seconds"`
	PortRangeStart           int              `json:"port_range_start" yaml:"port_range_start" toml:"port_range_start"`
	PortRangeEnd             int              `json:"port_range_end" yaml:"port_range_end" toml:"port_range_end"`
	GraceSeconds             int              `json:"grace_seconds" yaml:"grace_seconds" toml:"grace_seconds"`
	WorkerBin                string           `json:"worker_bin" yaml:"worker_bin" toml:"worker_bin"`
	Watch                    *bool            `json:"watch" yaml:"watch" toml:"watch"`
	MetricsAddr              string           `json:"metrics_addr" yaml:"metrics_addr" toml:"metrics_addr"`
	RestartBackoffSeconds    int              `json:"restart_backoff_seconds" yaml:"restart_backoff_seconds" toml:"restart_backoff_seconds"`
	MaxRestartBackoffSeconds int              `json:"max_restart_backoff_seconds" yaml:"max_restart_backoff_seconds" toml:"max_restart_backoff_seconds"`
	LogLevel                 string           `json:"log_level" yaml:"log_level" toml:"log_level"`
	Artifacts                ArtifactCommands `json:"artifacts" yaml:"artifacts" toml:"artifacts"`
}

// Load reads a settings file based on its extension.
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (Settings, error) {
	var cfg Settings
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".json":
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".toml":
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	return cfg, nil
}

// ApplyEnv fills unset fields from FLEETD_* environment variables.
func (s Settings) ApplyEnv(lookup func(string) (string, bool)) Settings {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	str := func(dst *string, key string) {
		if *dst != "" {
			return
		}
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	num := func(dst *int, key string) {
		if *dst != 0 {
			return
		}
		if v, ok := lookup(key); ok {
			if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
				*dst = n
			}
		}
	}
	str(&s.DocumentPath, "FLEETD_CONFIG_PATH")
	str(&s.ModelsDir, "FLEETD_MODELS_DIR")
	str(&s.WorkerBin, "FLEETD_WORKER_BIN")
	str(&s.MetricsAddr, "FLEETD_METRICS_ADDR")
	str(&s.LogLevel, "FLEETD_LOG_LEVEL")
	num(&s.PollIntervalSeconds, "FLEETD_POLL_INTERVAL_SECONDS")
	num(&s.PortRangeStart, "FLEETD_PORT_RANGE_START")
	num(&s.PortRangeEnd, "FLEETD_PORT_RANGE_END")
	return s
}

// WithDefaults returns a copy with package defaults applied to unset fields.
func (s Settings) WithDefaults() Settings {
	if s.DocumentPath == "" {
		s.DocumentPath = DefaultDocumentPath
	}
	if s.ModelsDir == "" {
		s.ModelsDir = DefaultModelsDir
	}
	if s.PollIntervalSeconds <= 0 {
		s.PollIntervalSeconds = DefaultPollIntervalSeconds
	}
	if s.PortRangeStart <= 0 {
		s.PortRangeStart = DefaultPortRangeStart
	}
	if s.PortRangeEnd <= 0 {
		s.PortRangeEnd = DefaultPortRangeEnd
	}
	if s.GraceSeconds <= 0 {
		s.GraceSeconds = DefaultGraceSeconds
	}
	if s.Watch == nil {
		on := true
		s.Watch = &on
	}
	if s.LogLevel == "" {
		s.LogLevel = "info"
	}
	if s.Artifacts.EntryFile == "" {
		s.Artifacts.EntryFile = DefaultArtifactEntryFile
	}
	return s
}

// Validate checks cross-field constraints that defaults cannot repair.
func (s Settings) Validate() error {
	if s.PortRangeStart > s.PortRangeEnd {
		return &ConfigurationError{Key: "port_range_start", Err: fmt.Errorf("start %d is after end %d", s.PortRangeStart, s.PortRangeEnd)}
	}
	if s.PortRangeEnd > 65535 {
		return &ConfigurationError{Key: "port_range_end", Err: fmt.Errorf("%d exceeds 65535", s.PortRangeEnd)}
	}
	if s.RestartBackoffSeconds < 0 || s.MaxRestartBackoffSeconds < 0 {
		return &ConfigurationError{Key: "restart_backoff_seconds", Err: fmt.Errorf("must not be negative")}
	}
	return nil
}

// PollInterval is the reconciler tick period.
func (s Settings) PollInterval() time.Duration {
	return time.Duration(s.PollIntervalSeconds) * time.Second
}

// Grace is how long a worker gets between SIGTERM and SIGKILL.
func (s Settings) Grace() time.Duration {
	return time.Duration(s.GraceSeconds) * time.Second
}
