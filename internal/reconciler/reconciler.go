// Package reconciler keeps the running worker processes in line with the
// declared document and the implementation folders on disk.
//
// Each tick discovers workers, assigns missing ports, refreshes downstream
// artifacts, starts missing workers, restarts crashed ones and stops workers
// that are no longer declared. Ticks are idempotent: a tick over an unchanged
// world performs no actions.
package reconciler

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"fleetd/internal/artifact"
	"fleetd/internal/config"
	"fleetd/internal/events"
	"fleetd/internal/ports"
	"fleetd/internal/registry"
	"fleetd/internal/supervisor"
	"fleetd/pkg/types"
)

// DefaultPollInterval is the wait between ticks without filesystem nudges.
const DefaultPollInterval = 5 * time.Second

// stableAfter is how long a restarted worker must stay up before its
// back-off resets.
const stableAfter = time.Minute

// Supervisor is the process side the reconciler drives.
type Supervisor interface {
	Spawn(spec supervisor.Spec) (types.ProcessStatus, error)
	Terminate(name string) error
	TerminateAll()
	IsAlive(name string) bool
	Has(name string) bool
	ExitCode(name string) (int, bool)
	Forget(name string)
	Names() []string
	Status() []types.ProcessStatus
}

// Config configures a Reconciler.
type Config struct {
	Store      *config.Store
	Supervisor Supervisor
	// Artifacts is optional; nil skips artifact sync and cleanup.
	Artifacts artifact.Collaborator
	ModelsDir string
	Ports     ports.Allocator

	PollInterval time.Duration
	// RestartBackoff is the delay before the first restart of a crashed
	// worker, doubled per consecutive crash up to MaxRestartBackoff. Zero
	// restarts crashed workers on the next tick.
	RestartBackoff    time.Duration
	MaxRestartBackoff time.Duration

	Watch    bool
	Debounce time.Duration

	Logger    zerolog.Logger
	Publisher events.Publisher
	Now       func() time.Time
}

// Reconciler is driven by Run, or by Tick directly in tests.
type Reconciler struct {
	cfg Config
	log zerolog.Logger
	pub events.Publisher

	tickMu sync.Mutex // ticks never overlap

	// Fields below are owned by the tick; mu only guards them for Status.
	mu         sync.Mutex
	specs      map[string]supervisor.Spec
	crashes    map[string]*crashState
	unrunnable map[string]string
	ticks      uint64
	lastTick   time.Time
	started    time.Time
}

// New returns a Reconciler with defaults applied.
func New(cfg Config) *Reconciler {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Ports.Start == 0 && cfg.Ports.End == 0 {
		cfg.Ports = ports.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Reconciler{
		cfg:        cfg,
		log:        cfg.Logger,
		pub:        events.OrNoop(cfg.Publisher),
		specs:      make(map[string]supervisor.Spec),
		crashes:    make(map[string]*crashState),
		unrunnable: make(map[string]string),
		started:    cfg.Now(),
	}
}

// Run ticks until ctx is done, then tears every worker down. It fails only
// when the declared document cannot be read at startup.
func (r *Reconciler) Run(ctx context.Context) error {
	if _, err := r.cfg.Store.Reload(); err != nil {
		return err
	}
	var nudge <-chan struct{}
	var w *watcher
	if r.cfg.Watch {
		var err error
		w, err = newWatcher(r.cfg.Store.Path(), r.cfg.ModelsDir, r.cfg.Debounce, r.log)
		if err != nil {
			r.log.Warn().Err(err).Msg("reconciler event=watch_unavailable")
		} else {
			defer w.close()
			r.watchPaths(w)
			go w.run(ctx)
			nudge = w.nudge
		}
	}
	r.log.Info().Dur("interval", r.cfg.PollInterval).Str("models_dir", r.cfg.ModelsDir).Str("document", r.cfg.Store.Path()).Msg("reconciler event=start")

	r.tick(ctx, "start", w)
	t := time.NewTimer(r.cfg.PollInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			r.Shutdown()
			return nil
		case <-t.C:
			r.tick(ctx, "interval", w)
			t.Reset(r.cfg.PollInterval)
		case <-nudge:
			r.tick(ctx, "watch", w)
			if !t.Stop() {
				select {
				case <-t.C:
				default:
				}
			}
			t.Reset(r.cfg.PollInterval)
		}
	}
}

func (r *Reconciler) watchPaths(w *watcher) {
	w.add(r.cfg.ModelsDir)
	w.add(filepath.Dir(r.cfg.Store.Path()))
}

func (r *Reconciler) tick(ctx context.Context, trigger string, w *watcher) {
	if err := r.Tick(ctx); err != nil {
		r.log.Error().Err(err).Str("trigger", trigger).Msg("reconciler event=tick_failed")
	}
	ticksTotal.WithLabelValues(trigger).Inc()
	if w != nil {
		r.watchPaths(w)
		if names, err := registry.Scan(r.cfg.ModelsDir); err == nil {
			for _, n := range names {
				w.add(filepath.Join(r.cfg.ModelsDir, n))
			}
		}
	}
}

// Shutdown terminates every worker. Artifacts and declarations are kept:
// the workers come back on the next start.
func (r *Reconciler) Shutdown() {
	names := r.cfg.Supervisor.Names()
	r.log.Info().Int("workers", len(names)).Msg("reconciler event=shutdown")
	r.cfg.Supervisor.TerminateAll()
	r.pub.Publish(events.Event{Name: "shutdown", Fields: map[string]any{"workers": len(names)}})
}

// Tick performs one reconciliation pass. Per-worker failures are logged and
// do not abort the pass; an unreadable document aborts it without touching
// any process.
func (r *Reconciler) Tick(ctx context.Context) error {
	r.tickMu.Lock()
	defer r.tickMu.Unlock()
	start := time.Now()
	defer func() { tickDuration.Observe(time.Since(start).Seconds()) }()

	// 1. Discover.
	doc, err := r.cfg.Store.Reload()
	if err != nil {
		return err
	}
	discovered, err := registry.Scan(r.cfg.ModelsDir)
	if err != nil {
		r.log.Warn().Err(err).Str("models_dir", r.cfg.ModelsDir).Msg("reconciler event=scan_failed")
	}
	names := union(discovered, doc.Names())

	// 2. Register.
	changed := false
	for _, name := range names {
		if m, ok := doc.Models[name]; ok && m.HasPort() {
			continue
		}
		port, assigned, err := r.cfg.Store.AssignPort(name, r.cfg.Ports.Next)
		countAction("register", err)
		if err != nil {
			r.log.Error().Err(err).Str("model", name).Msg("reconciler event=register_failed")
			continue
		}
		if assigned {
			changed = true
			r.log.Info().Str("model", name).Int("port", port).Msg("reconciler event=registered")
			r.pub.Publish(events.Event{Name: "registered", Model: name, Fields: map[string]any{"port": port}})
		}
	}

	// 3. Reload.
	if changed {
		if doc, err = r.cfg.Store.Reload(); err != nil {
			return err
		}
	}

	// 4. Artifact sync.
	if r.cfg.Artifacts != nil {
		r.cfg.Artifacts.Configure(doc.Downstream)
		r.syncArtifacts(ctx, doc)
	}

	// 5. Validate runnable set.
	runnable := r.runnable(doc)

	// 6. Start missing, restart crashed.
	now := r.cfg.Now()
	for _, name := range runnable {
		r.ensureRunning(name, r.specFor(doc, doc.Models[name]), now)
	}

	// 7. Stop everything that left the runnable set.
	keep := make(map[string]bool, len(runnable))
	for _, name := range runnable {
		keep[name] = true
	}
	for _, name := range r.cfg.Supervisor.Names() {
		if !keep[name] {
			r.stopRemoved(ctx, name)
		}
	}

	r.mu.Lock()
	r.ticks++
	r.lastTick = now
	r.mu.Unlock()
	r.updateGauges()
	return nil
}

func (r *Reconciler) syncArtifacts(ctx context.Context, doc config.Document) {
	modTime, err := r.cfg.Store.ModTime()
	if err != nil {
		r.log.Warn().Err(err).Msg("reconciler event=document_stat_failed")
	}
	for _, name := range doc.Names() {
		if !doc.Models[name].HasPort() {
			continue
		}
		reason := artifact.NeedsRefresh(r.cfg.Artifacts, name, modTime)
		if reason == "" {
			deployed, err := r.cfg.Artifacts.IsDeployed(ctx, name)
			if err != nil {
				r.log.Warn().Err(err).Str("model", name).Msg("reconciler event=status_failed")
				continue
			}
			if deployed {
				continue
			}
			reason = "not_deployed"
		}
		err := r.cfg.Artifacts.GenerateAndDeploy(ctx, name, true)
		countAction("deploy", err)
		if err != nil {
			r.log.Error().Err(err).Str("model", name).Str("reason", reason).Msg("reconciler event=deploy_failed")
			continue
		}
		r.log.Info().Str("model", name).Str("reason", reason).Msg("reconciler event=deployed")
		r.pub.Publish(events.Event{Name: "deployed", Model: name, Fields: map[string]any{"reason": reason}})
	}
}

func (r *Reconciler) runnable(doc config.Document) []string {
	var out []string
	seen := make(map[string]bool)
	for _, name := range doc.Names() {
		m := doc.Models[name]
		seen[name] = true
		reason := ""
		if !m.HasPort() {
			reason = "no_port"
		} else if _, _, _, ok := registry.Resolve(r.cfg.ModelsDir, m.ImplementationName()); !ok {
			reason = "no_capability"
		}
		r.mu.Lock()
		prev, had := r.unrunnable[name]
		if reason == "" {
			delete(r.unrunnable, name)
		} else {
			r.unrunnable[name] = reason
		}
		r.mu.Unlock()
		if reason == "" {
			out = append(out, name)
			continue
		}
		if !had || prev != reason {
			r.log.Warn().Str("model", name).Str("implementation", m.ImplementationName()).Str("reason", reason).Msg("reconciler event=unrunnable")
		}
	}
	r.mu.Lock()
	for name := range r.unrunnable {
		if !seen[name] {
			delete(r.unrunnable, name)
		}
	}
	r.mu.Unlock()
	return out
}

func (r *Reconciler) specFor(doc config.Document, m config.Model) supervisor.Spec {
	return supervisor.Spec{
		Name:           m.Name,
		Port:           m.PortValue(),
		IdleTimeout:    m.IdleTimeout(),
		ModelsDir:      r.cfg.ModelsDir,
		Host:           doc.Server.Host,
		Implementation: m.ImplementationName(),
		Interpreter:    m.InterpreterOverride,
		Config:         m.GenericConfig,
	}
}

func (r *Reconciler) ensureRunning(name string, spec supervisor.Spec, now time.Time) {
	sup := r.cfg.Supervisor
	r.mu.Lock()
	prevSpec, hadSpec := r.specs[name]
	cs := r.crashes[name]
	r.mu.Unlock()

	switch {
	case !sup.Has(name):
		r.spawn(name, spec, "start")

	case sup.IsAlive(name):
		if hadSpec && !sameSpec(prevSpec, spec) {
			r.log.Info().Str("model", name).Msg("reconciler event=declaration_changed")
			if err := sup.Terminate(name); err != nil {
				r.log.Error().Err(err).Str("model", name).Msg("reconciler event=terminate_failed")
			}
			r.spawn(name, spec, "config_changed")
			return
		}
		if cs != nil && cs.restarts > 0 && now.Sub(cs.lastSpawn) >= stableAfter {
			r.mu.Lock()
			cs.restarts = 0
			r.mu.Unlock()
		}

	default:
		code, _ := sup.ExitCode(name)
		if cs == nil {
			cs = &crashState{}
			r.mu.Lock()
			r.crashes[name] = cs
			r.mu.Unlock()
		}
		if cs.notBefore.IsZero() {
			delay := restartDelay(r.cfg.RestartBackoff, r.cfg.MaxRestartBackoff, cs.restarts+1)
			r.mu.Lock()
			cs.notBefore = now.Add(delay)
			r.mu.Unlock()
			r.log.Warn().Str("model", name).Int("code", code).Int("restarts", cs.restarts).Dur("backoff", delay).Msg("reconciler event=crashed")
			r.pub.Publish(events.Event{Name: "crashed", Model: name, Fields: map[string]any{"code": code}})
		}
		if now.Before(cs.notBefore) {
			return
		}
		sup.Forget(name)
		if r.spawn(name, spec, "restart") {
			r.mu.Lock()
			cs.restarts++
			cs.total++
			cs.notBefore = time.Time{}
			cs.lastSpawn = now
			r.mu.Unlock()
		}
	}
}

func (r *Reconciler) spawn(name string, spec supervisor.Spec, why string) bool {
	st, err := r.cfg.Supervisor.Spawn(spec)
	countAction(why, err)
	if err != nil {
		r.log.Error().Err(err).Str("model", name).Int("port", spec.Port).Msg("reconciler event=spawn_failed")
		return false
	}
	r.mu.Lock()
	r.specs[name] = spec
	r.mu.Unlock()
	r.log.Info().Str("model", name).Int("port", spec.Port).Int("pid", st.PID).Str("reason", why).Msg("reconciler event=started")
	r.pub.Publish(events.Event{Name: "started", Model: name, Fields: map[string]any{"port": spec.Port, "pid": st.PID, "reason": why}})
	return true
}

func (r *Reconciler) stopRemoved(ctx context.Context, name string) {
	err := r.cfg.Supervisor.Terminate(name)
	countAction("stop", err)
	if err != nil {
		r.log.Error().Err(err).Str("model", name).Msg("reconciler event=terminate_failed")
	}
	if c := r.cfg.Artifacts; c != nil {
		if err := c.Delete(ctx, name); err != nil {
			r.log.Error().Err(err).Str("model", name).Msg("reconciler event=artifact_delete_failed")
		}
		if err := os.RemoveAll(c.ArtifactDir(name)); err != nil && !errors.Is(err, os.ErrNotExist) {
			r.log.Error().Err(err).Str("model", name).Msg("reconciler event=artifact_remove_failed")
		}
	}
	r.mu.Lock()
	delete(r.specs, name)
	delete(r.crashes, name)
	r.mu.Unlock()
	r.log.Info().Str("model", name).Msg("reconciler event=removed")
	r.pub.Publish(events.Event{Name: "removed", Model: name})
}

func (r *Reconciler) updateGauges() {
	alive, dead := 0, 0
	for _, st := range r.cfg.Supervisor.Status() {
		if st.Alive {
			alive++
		} else {
			dead++
		}
	}
	r.mu.Lock()
	unrunnable := len(r.unrunnable)
	r.mu.Unlock()
	workersGauge.WithLabelValues("alive").Set(float64(alive))
	workersGauge.WithLabelValues("dead").Set(float64(dead))
	workersGauge.WithLabelValues("unrunnable").Set(float64(unrunnable))
}

// Status reports the supervised workers and tick counters.
func (r *Reconciler) Status() types.ControllerStatus {
	workers := r.cfg.Supervisor.Status()
	now := r.cfg.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range workers {
		if cs := r.crashes[workers[i].Name]; cs != nil {
			workers[i].Restarts = cs.total
		}
	}
	st := types.ControllerStatus{
		Workers:        workers,
		Ticks:          r.ticks,
		UptimeSeconds:  int64(now.Sub(r.started) / time.Second),
		ServerTimeUnix: now.Unix(),
	}
	if !r.lastTick.IsZero() {
		st.LastTickUnix = r.lastTick.Unix()
	}
	return st
}

func sameSpec(a, b supervisor.Spec) bool {
	aa, errA := a.Args()
	bb, errB := b.Args()
	return errA == nil && errB == nil && reflect.DeepEqual(aa, bb)
}

func union(a, b []string) []string {
	set := make(map[string]bool, len(a)+len(b))
	for _, s := range a {
		set[s] = true
	}
	for _, s := range b {
		set[s] = true
	}
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
