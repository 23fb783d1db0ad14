package supervisor

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Spec describes one worker process to start.
type Spec struct {
	Name           string
	Port           int
	IdleTimeout    time.Duration
	ModelsDir      string
	Host           string
	Implementation string
	Interpreter    string
	Config         map[string]any
}

// Args returns the worker command-line flags for s.
func (s Spec) Args() ([]string, error) {
	if s.Name == "" {
		return nil, errors.New("empty worker name")
	}
	if s.Port < 1 || s.Port > 65535 {
		return nil, fmt.Errorf("invalid port %d", s.Port)
	}
	args := []string{
		"--model-name", s.Name,
		"--port", strconv.Itoa(s.Port),
		"--timeout", strconv.Itoa(int(s.IdleTimeout / time.Second)),
		"--models-dir", s.ModelsDir,
		"--host", s.Host,
	}
	if s.Implementation != "" && s.Implementation != s.Name {
		args = append(args, "--implementation", s.Implementation)
	}
	if s.Interpreter != "" {
		args = append(args, "--interpreter", s.Interpreter)
	}
	if len(s.Config) > 0 {
		b, err := json.Marshal(s.Config)
		if err != nil {
			return nil, fmt.Errorf("encode model config: %w", err)
		}
		args = append(args, "--model-config", string(b))
	}
	return args, nil
}
