// Package supervisor starts, watches and stops worker OS processes, one per
// worker name.
package supervisor

import (
	"io"
	"os"
	"os/exec"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"fleetd/internal/common/procutil"
	"fleetd/internal/events"
	"fleetd/pkg/types"
)

// Config configures a Supervisor.
type Config struct {
	// WorkerBin is the executable started for every worker. Defaults to the
	// running executable.
	WorkerBin string
	// BaseArgs precede the per-worker flags. Defaults to ["worker"].
	BaseArgs []string
	// Env is appended to the inherited environment.
	Env []string
	// Grace between SIGTERM and SIGKILL. Defaults to procutil.DefaultGrace.
	Grace  time.Duration
	Stdout io.Writer
	Stderr io.Writer

	Logger    zerolog.Logger
	Publisher events.Publisher
}

// Handle is the supervisor's record of one spawned process.
type Handle struct {
	ID        string
	Name      string
	PID       int
	Port      int
	StartedAt time.Time

	cmd      *exec.Cmd
	done     chan struct{}
	exited   bool
	exitCode int
}

// Supervisor owns every worker process it spawns. Methods are safe for
// concurrent use; the handle map is shared with reaper goroutines.
type Supervisor struct {
	cfg Config
	log zerolog.Logger
	pub events.Publisher

	mu      sync.Mutex
	handles map[string]*Handle
}

// New returns a Supervisor with defaults applied.
func New(cfg Config) *Supervisor {
	if cfg.WorkerBin == "" {
		if exe, err := os.Executable(); err == nil {
			cfg.WorkerBin = exe
		}
	}
	if cfg.BaseArgs == nil {
		cfg.BaseArgs = []string{"worker"}
	}
	if cfg.Grace <= 0 {
		cfg.Grace = procutil.DefaultGrace
	}
	if cfg.Stdout == nil {
		cfg.Stdout = os.Stdout
	}
	if cfg.Stderr == nil {
		cfg.Stderr = os.Stderr
	}
	return &Supervisor{
		cfg:     cfg,
		log:     cfg.Logger,
		pub:     events.OrNoop(cfg.Publisher),
		handles: make(map[string]*Handle),
	}
}

// Spawn starts the worker described by spec. A dead handle for the same name
// is replaced; a live one is an error.
func (s *Supervisor) Spawn(spec Spec) (types.ProcessStatus, error) {
	args, err := spec.Args()
	if err != nil {
		return types.ProcessStatus{}, &SpawnError{Name: spec.Name, Err: err}
	}
	s.mu.Lock()
	if h := s.handles[spec.Name]; h != nil && !h.exited {
		s.mu.Unlock()
		return types.ProcessStatus{}, &SpawnError{Name: spec.Name, Err: ErrAlreadyRunning}
	}
	s.mu.Unlock()

	argv := append(append([]string(nil), s.cfg.BaseArgs...), args...)
	cmd := exec.Command(s.cfg.WorkerBin, argv...)
	cmd.Env = append(os.Environ(), s.cfg.Env...)
	cmd.Stdout = s.cfg.Stdout
	cmd.Stderr = s.cfg.Stderr
	if err := cmd.Start(); err != nil {
		s.log.Error().Err(err).Str("model", spec.Name).Msg("supervisor event=spawn_error")
		s.pub.Publish(events.Event{Name: "spawn_error", Model: spec.Name, Fields: map[string]any{"error": err.Error()}})
		return types.ProcessStatus{}, &SpawnError{Name: spec.Name, Err: err}
	}
	h := &Handle{
		ID:        uuid.NewString(),
		Name:      spec.Name,
		PID:       cmd.Process.Pid,
		Port:      spec.Port,
		StartedAt: time.Now(),
		cmd:       cmd,
		done:      make(chan struct{}),
	}
	s.mu.Lock()
	s.handles[spec.Name] = h
	st := s.statusLocked(h)
	s.mu.Unlock()
	go s.reap(h)

	s.log.Info().Str("model", spec.Name).Int("pid", h.PID).Int("port", spec.Port).Str("id", h.ID).Msg("supervisor event=spawn")
	s.pub.Publish(events.Event{Name: "spawn", Model: spec.Name, Fields: map[string]any{"pid": h.PID, "port": spec.Port, "id": h.ID}})
	return st, nil
}

func (s *Supervisor) reap(h *Handle) {
	_ = h.cmd.Wait()
	code := procutil.ExitCode(h.cmd.ProcessState)
	s.mu.Lock()
	h.exited = true
	h.exitCode = code
	s.mu.Unlock()
	close(h.done)
	s.log.Debug().Str("model", h.Name).Int("pid", h.PID).Int("code", code).Msg("supervisor event=reaped")
}

// Terminate stops the named worker: SIGTERM, wait up to the grace period,
// then SIGKILL. The handle is removed. Unknown names are not an error.
func (s *Supervisor) Terminate(name string) error {
	s.mu.Lock()
	h := s.handles[name]
	delete(s.handles, name)
	s.mu.Unlock()
	if h == nil {
		return nil
	}
	killed := procutil.Stop(h.cmd.Process, h.done, s.cfg.Grace)
	s.mu.Lock()
	code := h.exitCode
	s.mu.Unlock()
	s.log.Info().Str("model", name).Int("pid", h.PID).Bool("killed", killed).Int("code", code).Msg("supervisor event=terminated")
	s.pub.Publish(events.Event{Name: "terminated", Model: name, Fields: map[string]any{"pid": h.PID, "killed": killed}})
	return nil
}

// TerminateAll stops every worker.
func (s *Supervisor) TerminateAll() {
	names := s.Names()
	var wg sync.WaitGroup
	for _, name := range names {
		wg.Add(1)
		go func(n string) {
			defer wg.Done()
			_ = s.Terminate(n)
		}(name)
	}
	wg.Wait()
}

// IsAlive reports, without blocking, whether the named worker's process is
// still running.
func (s *Supervisor) IsAlive(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.handles[name]
	return h != nil && !h.exited
}

// Has reports whether a handle (live or dead) exists for name.
func (s *Supervisor) Has(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handles[name] != nil
}

// ExitCode returns the exit code of a dead worker. ok is false when the
// worker is unknown or still running.
func (s *Supervisor) ExitCode(name string) (code int, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.handles[name]
	if h == nil || !h.exited {
		return 0, false
	}
	return h.exitCode, true
}

// Forget drops the handle for a dead worker. Live workers are kept.
func (s *Supervisor) Forget(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h := s.handles[name]; h != nil && h.exited {
		delete(s.handles, name)
	}
}

// Names lists every handle in sorted order.
func (s *Supervisor) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.handles))
	for n := range s.handles {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Status returns a snapshot of every handle, sorted by name.
func (s *Supervisor) Status() []types.ProcessStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.ProcessStatus, 0, len(s.handles))
	for _, h := range s.handles {
		out = append(out, s.statusLocked(h))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Supervisor) statusLocked(h *Handle) types.ProcessStatus {
	st := types.ProcessStatus{
		ID:          h.ID,
		Name:        h.Name,
		PID:         h.PID,
		Port:        h.Port,
		Alive:       !h.exited,
		StartedUnix: h.StartedAt.Unix(),
	}
	if h.exited {
		c := h.exitCode
		st.ExitCode = &c
	}
	return st
}

// Wait blocks until the named worker exits or timeout elapses. It reports
// whether the worker exited.
func (s *Supervisor) Wait(name string, timeout time.Duration) bool {
	s.mu.Lock()
	h := s.handles[name]
	s.mu.Unlock()
	if h == nil {
		return true
	}
	select {
	case <-h.done:
		return true
	case <-time.After(timeout):
		return false
	}
}
