package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"fleetd/internal/common/fsutil"
)

// Store loads and saves the declarative worker document.
//
// Load results are memoized until Invalidate. Writes re-read the document
// from disk, edit the parsed node tree and replace the file atomically, so
// concurrent readers never observe a partial document.
type Store struct {
	path   string
	lookup func(string) (string, bool)

	mu     sync.Mutex
	cached *Document
}

// NewStore returns a Store backed by the YAML document at path.
func NewStore(path string) *Store {
	return &Store{path: path, lookup: os.LookupEnv}
}

// WithEnv replaces the environment lookup used for overrides (tests).
func (s *Store) WithEnv(lookup func(string) (string, bool)) *Store {
	s.mu.Lock()
	s.lookup = lookup
	s.cached = nil
	s.mu.Unlock()
	return s
}

// Path returns the document path.
func (s *Store) Path() string { return s.path }

// Load returns the declared document. A missing file yields an empty
// document with defaults.
func (s *Store) Load() (Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cached != nil {
		return s.cached.Clone(), nil
	}
	doc, err := s.readLocked()
	if err != nil {
		return Document{}, err
	}
	s.cached = &doc
	return doc.Clone(), nil
}

// Invalidate drops the memoized document so the next Load re-reads storage.
func (s *Store) Invalidate() {
	s.mu.Lock()
	s.cached = nil
	s.mu.Unlock()
}

// Reload invalidates and loads in one step.
func (s *Store) Reload() (Document, error) {
	s.Invalidate()
	return s.Load()
}

// ModTime returns the document's modification time, or the zero time when
// the file does not exist.
func (s *Store) ModTime() (time.Time, error) {
	fi, err := os.Stat(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return time.Time{}, nil
		}
		return time.Time{}, err
	}
	return fi.ModTime(), nil
}

// Save writes the models section of doc. Declarations absent from doc are
// removed; server and downstream sections in the file are left untouched.
func (s *Store) Save(doc Document) error {
	return s.Update(func(cur *Document) error {
		cur.Models = doc.Clone().Models
		return nil
	})
}

// Update applies fn to a freshly read document and saves the result. The
// read-modify-write runs under the store lock.
func (s *Store) Update(fn func(doc *Document) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.readLocked()
	if err != nil {
		return err
	}
	if err := fn(&doc); err != nil {
		return err
	}
	if err := validatePorts(doc); err != nil {
		return err
	}
	if err := s.writeLocked(doc); err != nil {
		return err
	}
	s.cached = nil
	return nil
}

// Register assigns port to name. An existing declaration keeps its idle
// timeout, implementation and generic config; a new one gets defaults.
func (s *Store) Register(name string, port int) error {
	if port < 1 || port > 65535 {
		return cfgErr("models."+name+".port", "port %d out of range", port)
	}
	return s.Update(func(doc *Document) error {
		m, ok := doc.Models[name]
		if !ok {
			m = NewModel(name)
		}
		p := port
		m.Port = &p
		doc.Models[name] = m
		return nil
	})
}

// AssignPort gives name a port chosen by alloc from the ports in use in a
// fresh read of the document. If name already has a port it is returned with
// assigned=false and nothing is written.
func (s *Store) AssignPort(name string, alloc func(used map[int]bool) (int, error)) (port int, assigned bool, err error) {
	err = s.Update(func(doc *Document) error {
		m, ok := doc.Models[name]
		if ok && m.Port != nil {
			port = *m.Port
			return errNoChange
		}
		p, aerr := alloc(doc.UsedPorts())
		if aerr != nil {
			return aerr
		}
		if !ok {
			m = NewModel(name)
		}
		m.Port = &p
		doc.Models[name] = m
		port, assigned = p, true
		return nil
	})
	if errors.Is(err, errNoChange) {
		err = nil
	}
	return port, assigned, err
}

// Remove deletes the declaration for name. Missing names are not an error.
func (s *Store) Remove(name string) error {
	return s.Update(func(doc *Document) error {
		delete(doc.Models, name)
		return nil
	})
}

var errNoChange = errors.New("no change")

func (s *Store) readLocked() (Document, error) {
	root, err := s.readNodeLocked()
	if err != nil {
		return Document{}, err
	}
	doc, err := decodeDocument(root)
	if err != nil {
		return Document{}, err
	}
	s.applyEnv(&doc)
	return doc, nil
}

func (s *Store) readNodeLocked() (*yaml.Node, error) {
	b, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s: %w", s.path, err)
	}
	var root yaml.Node
	if err := yaml.Unmarshal(b, &root); err != nil {
		return nil, &ConfigurationError{Key: "(root)", Err: err}
	}
	return &root, nil
}

func (s *Store) applyEnv(doc *Document) {
	if s.lookup == nil {
		return
	}
	if v, ok := s.lookup(EnvServerHost); ok && strings.TrimSpace(v) != "" {
		doc.Server.Host = strings.TrimSpace(v)
	}
	if v, ok := s.lookup(EnvDownstreamHost); ok && strings.TrimSpace(v) != "" {
		doc.Downstream.Host = strings.TrimSpace(v)
	}
}

// topMapping returns the document's top-level mapping, or nil for an empty
// document.
func topMapping(root *yaml.Node) (*yaml.Node, error) {
	if root == nil || root.Kind == 0 {
		return nil, nil
	}
	top := root
	if root.Kind == yaml.DocumentNode {
		if len(root.Content) == 0 {
			return nil, nil
		}
		top = root.Content[0]
	}
	if isNull(top) {
		return nil, nil
	}
	if top.Kind != yaml.MappingNode {
		return nil, cfgErr("(root)", "expected a mapping at the top level")
	}
	return top, nil
}

func decodeDocument(root *yaml.Node) (Document, error) {
	doc := defaultDocument()
	top, err := topMapping(root)
	if err != nil || top == nil {
		return doc, err
	}
	if v := mappingValue(top, "server"); !isNull(v) {
		var raw struct {
			Host *string `yaml:"host"`
		}
		if err := v.Decode(&raw); err != nil {
			return doc, &ConfigurationError{Key: "server", Err: err}
		}
		if raw.Host != nil && *raw.Host != "" {
			doc.Server.Host = *raw.Host
		}
	}
	if v := mappingValue(top, "downstream"); !isNull(v) {
		var raw struct {
			Host      *string `yaml:"host"`
			OutputDir *string `yaml:"output_dir"`
		}
		if err := v.Decode(&raw); err != nil {
			return doc, &ConfigurationError{Key: "downstream", Err: err}
		}
		if raw.Host != nil && *raw.Host != "" {
			doc.Downstream.Host = *raw.Host
		}
		if raw.OutputDir != nil && *raw.OutputDir != "" {
			doc.Downstream.OutputDir = *raw.OutputDir
		}
	}
	models := mappingValue(top, "models")
	if isNull(models) {
		return doc, nil
	}
	if models.Kind != yaml.MappingNode {
		return doc, cfgErr("models", "expected a mapping of model name to declaration")
	}
	for i := 0; i+1 < len(models.Content); i += 2 {
		name := models.Content[i].Value
		if strings.TrimSpace(name) == "" {
			return doc, cfgErr("models", "empty model name")
		}
		m, err := decodeModel(name, models.Content[i+1])
		if err != nil {
			return doc, err
		}
		doc.Models[name] = m
	}
	if err := validatePorts(doc); err != nil {
		return doc, err
	}
	return doc, nil
}

func decodeModel(name string, n *yaml.Node) (Model, error) {
	m := NewModel(name)
	m.Implementation = ""
	if isNull(n) {
		return m, nil
	}
	prefix := "models." + name
	if n.Kind != yaml.MappingNode {
		return m, cfgErr(prefix, "expected a mapping")
	}
	for i := 0; i+1 < len(n.Content); i += 2 {
		k, v := n.Content[i].Value, n.Content[i+1]
		key := prefix + "." + k
		switch k {
		case "port":
			var p *int
			if err := v.Decode(&p); err != nil {
				return m, &ConfigurationError{Key: key, Err: err}
			}
			if p != nil && (*p < 1 || *p > 65535) {
				return m, cfgErr(key, "port %d out of range", *p)
			}
			m.Port = p
		case "idle_timeout_seconds":
			var t *int
			if err := v.Decode(&t); err != nil {
				return m, &ConfigurationError{Key: key, Err: err}
			}
			if t != nil {
				if *t < 0 {
					return m, cfgErr(key, "must not be negative")
				}
				m.IdleTimeoutSeconds = *t
			}
		case "implementation":
			var s *string
			if err := v.Decode(&s); err != nil {
				return m, &ConfigurationError{Key: key, Err: err}
			}
			if s != nil {
				m.Implementation = *s
			}
		case "interpreter_override":
			var s *string
			if err := v.Decode(&s); err != nil {
				return m, &ConfigurationError{Key: key, Err: err}
			}
			if s != nil {
				m.InterpreterOverride = *s
			}
		case "generic_config":
			var g map[string]any
			if err := v.Decode(&g); err != nil {
				return m, &ConfigurationError{Key: key, Err: err}
			}
			if g != nil {
				m.GenericConfig = g
			}
		}
	}
	return m, nil
}

func validatePorts(doc Document) error {
	owner := make(map[int]string, len(doc.Models))
	for _, name := range doc.Names() {
		m := doc.Models[name]
		if m.Port == nil {
			continue
		}
		if prev, dup := owner[*m.Port]; dup {
			return cfgErr("models."+name+".port", "port %d already assigned to %s", *m.Port, prev)
		}
		owner[*m.Port] = name
	}
	return nil
}

func (s *Store) writeLocked(doc Document) error {
	root, err := s.readNodeLocked()
	if err != nil {
		return err
	}
	if root == nil || root.Kind == 0 {
		root = &yaml.Node{Kind: yaml.DocumentNode}
	}
	if root.Kind != yaml.DocumentNode {
		return cfgErr("(root)", "unexpected node kind %d", root.Kind)
	}
	if len(root.Content) == 0 || isNull(root.Content[0]) {
		root.Content = []*yaml.Node{newMapping()}
	}
	top := root.Content[0]
	if top.Kind != yaml.MappingNode {
		return cfgErr("(root)", "expected a mapping at the top level")
	}
	models := mappingValue(top, "models")
	if isNull(models) {
		models = newMapping()
		setMappingValue(top, "models", models)
	} else if models.Kind != yaml.MappingNode {
		return cfgErr("models", "expected a mapping of model name to declaration")
	}

	for _, name := range mappingKeys(models) {
		if _, keep := doc.Models[name]; !keep {
			deleteMappingKey(models, name)
		}
	}
	for _, name := range doc.Names() {
		want := doc.Models[name]
		entry := mappingValue(models, name)
		if entry == nil || entry.Kind != yaml.MappingNode {
			node, err := encodeModel(want)
			if err != nil {
				return err
			}
			setMappingValue(models, name, node)
			continue
		}
		if err := patchModel(entry, name, want); err != nil {
			return err
		}
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(root); err != nil {
		return fmt.Errorf("encode document: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("encode document: %w", err)
	}
	return fsutil.WriteFileAtomic(s.path, buf.Bytes(), 0o644)
}

func encodeModel(m Model) (*yaml.Node, error) {
	out := newMapping()
	setMappingValue(out, "port", optIntNode(m.Port))
	setMappingValue(out, "idle_timeout_seconds", intNode(m.IdleTimeoutSeconds))
	setMappingValue(out, "implementation", optStrNode(m.Implementation))
	setMappingValue(out, "interpreter_override", optStrNode(m.InterpreterOverride))
	gc := m.GenericConfig
	if gc == nil {
		gc = map[string]any{}
	}
	g, err := valueNode(gc)
	if err != nil {
		return nil, fmt.Errorf("encode models.%s.generic_config: %w", m.Name, err)
	}
	setMappingValue(out, "generic_config", g)
	return out, nil
}

// patchModel rewrites only the fields whose values differ from what entry
// already holds.
func patchModel(entry *yaml.Node, name string, want Model) error {
	have, err := decodeModel(name, entry)
	if err != nil {
		node, eerr := encodeModel(want)
		if eerr != nil {
			return eerr
		}
		*entry = *node
		return nil
	}
	if !samePort(have.Port, want.Port) {
		setMappingValue(entry, "port", optIntNode(want.Port))
	}
	if have.IdleTimeoutSeconds != want.IdleTimeoutSeconds {
		setMappingValue(entry, "idle_timeout_seconds", intNode(want.IdleTimeoutSeconds))
	}
	if have.Implementation != want.Implementation {
		setMappingValue(entry, "implementation", optStrNode(want.Implementation))
	}
	if have.InterpreterOverride != want.InterpreterOverride {
		setMappingValue(entry, "interpreter_override", optStrNode(want.InterpreterOverride))
	}
	if !sameConfig(have.GenericConfig, want.GenericConfig) {
		gc := want.GenericConfig
		if gc == nil {
			gc = map[string]any{}
		}
		g, err := valueNode(gc)
		if err != nil {
			return fmt.Errorf("encode models.%s.generic_config: %w", name, err)
		}
		setMappingValue(entry, "generic_config", g)
	}
	return nil
}

func samePort(a, b *int) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func sameConfig(a, b map[string]any) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	return reflect.DeepEqual(a, b)
}
