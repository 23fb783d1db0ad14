// Package lazy holds a worker's heavy runtime: loaded on first use, released
// after an idle period.
//
// A Resource moves Unloaded -> Loading -> Loaded and back to Unloaded on
// release. One mutex guards the transitions; a condition variable lets
// concurrent callers wait for an in-progress load (or release) instead of
// starting their own. Calls into the runtime run outside the lock and hold an
// in-flight reference, and neither the idle sweep nor an explicit release
// closes the runtime while references are outstanding.
package lazy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"fleetd/internal/capability"
	"fleetd/internal/events"
	"fleetd/pkg/types"
)

// DefaultSweepInterval is how often RunSweeper checks for idleness.
const DefaultSweepInterval = 10 * time.Second

// Unload reasons.
const (
	ReasonIdle     = "idle"
	ReasonExplicit = "explicit"
	ReasonShutdown = "shutdown"
	ReasonBroken   = "broken"
)

// State is the lifecycle state of a Resource.
type State int

const (
	Unloaded State = iota
	Loading
	Loaded
)

func (s State) String() string {
	switch s {
	case Unloaded:
		return "unloaded"
	case Loading:
		return "loading"
	case Loaded:
		return "loaded"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Loader constructs the runtime. It is called at most once per unload cycle.
type Loader func(ctx context.Context) (capability.Model, error)

// CacheReleaser frees accelerator memory after a runtime is closed.
type CacheReleaser interface {
	ReleaseCaches()
}

// Config configures a Resource.
type Config struct {
	Model string
	// IdleTimeout after the last access before Sweep unloads. Zero or
	// negative disables idle eviction.
	IdleTimeout time.Duration
	Load        Loader
	// Caches is called after every unload, in addition to a model that
	// itself implements CacheReleaser.
	Caches    CacheReleaser
	Logger    zerolog.Logger
	Publisher events.Publisher
	// Now is the clock; defaults to time.Now.
	Now func() time.Time
}

// Resource is safe for concurrent use.
type Resource struct {
	cfg Config
	log zerolog.Logger
	pub events.Publisher

	mu         sync.Mutex
	cond       *sync.Cond
	state      State
	releasing  bool
	model      capability.Model
	lastAccess time.Time
	inflight   int
	loads      uint64
	unloads    uint64
	lastErr    string
}

// New returns an Unloaded resource.
func New(cfg Config) *Resource {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	r := &Resource{
		cfg: cfg,
		log: cfg.Logger.With().Str("model", cfg.Model).Logger(),
		pub: events.OrNoop(cfg.Publisher),
	}
	r.cond = sync.NewCond(&r.mu)
	loadedGauge.WithLabelValues(cfg.Model).Set(0)
	return r
}

// Model returns the name the resource was created for.
func (r *Resource) Model() string { return r.cfg.Model }

// IdleTimeout returns the configured idle timeout.
func (r *Resource) IdleTimeout() time.Duration { return r.cfg.IdleTimeout }

// EnsureLoaded brings the runtime up if needed and touches last-access.
func (r *Resource) EnsureLoaded(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.loadLocked(ctx); err != nil {
		return err
	}
	r.lastAccess = r.cfg.Now()
	return nil
}

// Invoke runs req against the runtime, loading it first if necessary.
func (r *Resource) Invoke(ctx context.Context, req types.InferRequest) (json.RawMessage, error) {
	r.mu.Lock()
	if err := r.loadLocked(ctx); err != nil {
		r.mu.Unlock()
		return nil, err
	}
	r.inflight++
	r.lastAccess = r.cfg.Now()
	m, gen := r.model, r.loads
	r.mu.Unlock()
	inflightGauge.WithLabelValues(r.cfg.Model).Inc()

	broken := false
	defer func() {
		r.mu.Lock()
		r.inflight--
		r.lastAccess = r.cfg.Now()
		if r.inflight == 0 {
			r.cond.Broadcast()
		}
		r.mu.Unlock()
		inflightGauge.WithLabelValues(r.cfg.Model).Dec()
		if broken {
			r.discard(gen)
		}
	}()

	out, err := m.Infer(ctx, req)
	if err != nil {
		inferErrorsTotal.WithLabelValues(r.cfg.Model).Inc()
		r.mu.Lock()
		r.lastErr = err.Error()
		r.mu.Unlock()
		broken = errors.Is(err, capability.ErrBroken)
		return nil, &InferenceError{Model: r.cfg.Model, Err: err}
	}
	return out, nil
}

// discard unloads the runtime from load generation gen once its in-flight
// calls drain, so the next call loads a fresh one. A later generation is left
// alone.
func (r *Resource) discard(gen uint64) {
	r.mu.Lock()
	for r.state == Loading || r.releasing {
		r.cond.Wait()
	}
	if r.state != Loaded || r.loads != gen {
		r.mu.Unlock()
		return
	}
	r.releasing = true
	for r.inflight > 0 {
		r.cond.Wait()
	}
	r.log.Warn().Str("error", r.lastErr).Msg("resource event=runtime_broken")
	_ = r.finishReleaseLocked(ReasonBroken)
}

// loadLocked returns with r.mu held and the state Loaded, or an error.
func (r *Resource) loadLocked(ctx context.Context) error {
	for {
		switch {
		case r.state == Loaded && !r.releasing:
			return nil
		case r.state == Loading || r.releasing:
			r.cond.Wait()
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		r.state = Loading
		r.mu.Unlock()

		start := time.Now()
		r.log.Info().Msg("resource event=load_start")
		r.pub.Publish(events.Event{Name: "load_start", Model: r.cfg.Model})
		m, err := r.construct(ctx)
		dur := time.Since(start)

		r.mu.Lock()
		r.cond.Broadcast()
		if err != nil {
			r.state = Unloaded
			r.lastErr = err.Error()
			loadsTotal.WithLabelValues(r.cfg.Model, "error").Inc()
			r.log.Error().Err(err).Dur("dur", dur).Msg("resource event=load_error")
			r.pub.Publish(events.Event{Name: "load_error", Model: r.cfg.Model, Fields: map[string]any{"error": err.Error()}})
			return &ResourceLoadError{Model: r.cfg.Model, Err: err}
		}
		r.state = Loaded
		r.model = m
		r.loads++
		r.lastAccess = r.cfg.Now()
		loadsTotal.WithLabelValues(r.cfg.Model, "ok").Inc()
		loadDuration.WithLabelValues(r.cfg.Model).Observe(dur.Seconds())
		loadedGauge.WithLabelValues(r.cfg.Model).Set(1)
		r.log.Info().Dur("dur", dur).Msg("resource event=loaded")
		r.pub.Publish(events.Event{Name: "loaded", Model: r.cfg.Model, Fields: map[string]any{"dur_ms": dur.Milliseconds()}})
		return nil
	}
}

func (r *Resource) construct(ctx context.Context) (m capability.Model, err error) {
	if r.cfg.Load == nil {
		return nil, errors.New("no loader configured")
	}
	defer func() {
		if rec := recover(); rec != nil {
			m, err = nil, fmt.Errorf("loader panic: %v", rec)
		}
	}()
	m, err = r.cfg.Load(ctx)
	if err == nil && m == nil {
		err = errors.New("loader returned no model")
	}
	return m, err
}

// Release unloads the runtime, waiting for in-flight calls to finish. It is a
// no-op when nothing is loaded.
func (r *Resource) Release(reason string) error {
	r.mu.Lock()
	for r.state == Loading || r.releasing {
		r.cond.Wait()
	}
	if r.state != Loaded {
		r.mu.Unlock()
		return nil
	}
	r.releasing = true
	for r.inflight > 0 {
		r.cond.Wait()
	}
	return r.finishReleaseLocked(reason)
}

// Sweep unloads the runtime iff it is Loaded, idle for longer than the idle
// timeout as of now, and not serving any call. It reports whether it
// unloaded.
func (r *Resource) Sweep(now time.Time) bool {
	r.mu.Lock()
	if r.cfg.IdleTimeout <= 0 || r.state != Loaded || r.releasing || r.inflight > 0 ||
		now.Sub(r.lastAccess) <= r.cfg.IdleTimeout {
		r.mu.Unlock()
		return false
	}
	r.releasing = true
	_ = r.finishReleaseLocked(ReasonIdle)
	return true
}

// finishReleaseLocked is entered with r.mu held, releasing set and no
// in-flight calls. It returns with r.mu released.
func (r *Resource) finishReleaseLocked(reason string) error {
	m := r.model
	idle := r.cfg.Now().Sub(r.lastAccess)
	r.mu.Unlock()

	err := m.Close()
	if cr, ok := m.(CacheReleaser); ok {
		cr.ReleaseCaches()
	}
	if r.cfg.Caches != nil {
		r.cfg.Caches.ReleaseCaches()
	}
	debug.FreeOSMemory()

	r.mu.Lock()
	r.model = nil
	r.state = Unloaded
	r.releasing = false
	r.unloads++
	if err != nil {
		r.lastErr = err.Error()
	}
	r.cond.Broadcast()
	r.mu.Unlock()

	unloadsTotal.WithLabelValues(r.cfg.Model, reason).Inc()
	loadedGauge.WithLabelValues(r.cfg.Model).Set(0)
	ev := r.log.Info()
	if err != nil {
		ev = r.log.Warn().Err(err)
	}
	ev.Str("reason", reason).Dur("idle", idle).Msg("resource event=unloaded")
	r.pub.Publish(events.Event{Name: "unloaded", Model: r.cfg.Model, Fields: map[string]any{"reason": reason}})
	if err != nil {
		return fmt.Errorf("close runtime: %w", err)
	}
	return nil
}

// RunSweeper calls Sweep every interval until ctx is done.
func (r *Resource) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			r.Sweep(r.cfg.Now())
		}
	}
}

// Snapshot is a point-in-time view of a Resource.
type Snapshot struct {
	State      State
	Inflight   int
	LastAccess time.Time
	Loads      uint64
	Unloads    uint64
	LastError  string
}

// Snapshot returns the current state without blocking on loads.
func (r *Resource) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Snapshot{
		State:      r.state,
		Inflight:   r.inflight,
		LastAccess: r.lastAccess,
		Loads:      r.loads,
		Unloads:    r.unloads,
		LastError:  r.lastErr,
	}
}

// IsLoaded reports whether the runtime is resident.
func (r *Resource) IsLoaded() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state == Loaded
}
