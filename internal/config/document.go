package config

import (
	"sort"
	"time"
)

// Document defaults for sections and model declarations.
const (
	DefaultServerHost         = "0.0.0.0"
	DefaultDownstreamHost     = "127.0.0.1"
	DefaultOutputDir          = "serverless"
	DefaultIdleTimeoutSeconds = 300
)

// Environment variables that override document values after load.
// Overridden values are never written back to the document.
const (
	EnvServerHost     = "FLEETD_SERVER_HOST"
	EnvDownstreamHost = "FLEETD_DOWNSTREAM_HOST"
)

// ServerSection configures where workers bind.
type ServerSection struct {
	Host string `yaml:"host"`
}

// DownstreamSection configures the serverless integration that calls back
// into the workers.
type DownstreamSection struct {
	Host      string `yaml:"host"`
	OutputDir string `yaml:"output_dir"`
}

// Model is one declared worker.
type Model struct {
	Name                string
	Port                *int
	IdleTimeoutSeconds  int
	Implementation      string
	InterpreterOverride string
	GenericConfig       map[string]any
}

// ImplementationName returns the implementation folder, defaulting to Name.
func (m Model) ImplementationName() string {
	if m.Implementation != "" {
		return m.Implementation
	}
	return m.Name
}

// HasPort reports whether a port has been assigned.
func (m Model) HasPort() bool { return m.Port != nil }

// PortValue returns the assigned port or 0.
func (m Model) PortValue() int {
	if m.Port == nil {
		return 0
	}
	return *m.Port
}

// IdleTimeout returns the idle timeout as a duration.
func (m Model) IdleTimeout() time.Duration {
	return time.Duration(m.IdleTimeoutSeconds) * time.Second
}

func (m Model) clone() Model {
	out := m
	if m.Port != nil {
		p := *m.Port
		out.Port = &p
	}
	if m.GenericConfig != nil {
		out.GenericConfig = make(map[string]any, len(m.GenericConfig))
		for k, v := range m.GenericConfig {
			out.GenericConfig[k] = v
		}
	}
	return out
}

// NewModel returns a declaration with default fields for name.
func NewModel(name string) Model {
	return Model{
		Name:               name,
		IdleTimeoutSeconds: DefaultIdleTimeoutSeconds,
		Implementation:     name,
		GenericConfig:      map[string]any{},
	}
}

// Document is the declared state: server and downstream sections plus the
// worker declarations keyed by name.
type Document struct {
	Server     ServerSection
	Downstream DownstreamSection
	Models     map[string]Model
}

func defaultDocument() Document {
	return Document{
		Server:     ServerSection{Host: DefaultServerHost},
		Downstream: DownstreamSection{Host: DefaultDownstreamHost, OutputDir: DefaultOutputDir},
		Models:     map[string]Model{},
	}
}

// Names returns declared model names in sorted order.
func (d Document) Names() []string {
	out := make([]string, 0, len(d.Models))
	for name := range d.Models {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// UsedPorts returns the set of ports assigned across all declarations.
func (d Document) UsedPorts() map[int]bool {
	used := make(map[int]bool, len(d.Models))
	for _, m := range d.Models {
		if m.Port != nil {
			used[*m.Port] = true
		}
	}
	return used
}

// Clone returns a deep copy so callers can mutate freely.
func (d Document) Clone() Document {
	out := d
	out.Models = make(map[string]Model, len(d.Models))
	for k, m := range d.Models {
		out.Models[k] = m.clone()
	}
	return out
}
