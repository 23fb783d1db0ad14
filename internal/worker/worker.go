// Package worker is the entry point of a single worker process: one model,
// one port, one lazily loaded runtime.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"fleetd/internal/capability"
	"fleetd/internal/common/fsutil"
	"fleetd/internal/common/procutil"
	"fleetd/internal/events"
	"fleetd/internal/httpapi"
	"fleetd/internal/lazy"
	"fleetd/internal/registry"
	"fleetd/pkg/types"
)

// DefaultShutdownTimeout bounds the HTTP drain on SIGTERM.
const DefaultShutdownTimeout = 10 * time.Second

// Options are the worker's command-line inputs.
type Options struct {
	Name           string
	Implementation string // defaults to Name
	Port           int
	Host           string
	ModelsDir      string
	IdleTimeout    time.Duration
	Interpreter    string
	ModelConfig    string // JSON object, may be empty

	SweepInterval   time.Duration
	ShutdownTimeout time.Duration
	Grace           time.Duration
	Registry        *capability.Registry

	Logger    zerolog.Logger
	Publisher events.Publisher
}

// Context is built once at startup and handed to the HTTP layer and the
// sweeper. It replaces any process-wide state.
type Context struct {
	ModelName   string
	Port        int
	IdleTimeout time.Duration
	Tag         capability.Tag
	Dir         string
	Resource    *lazy.Resource
	Started     time.Time
}

// NewContext validates opts and builds the worker context. It fails when the
// implementation folder or its capability is missing or the model config is
// not a JSON object.
func NewContext(opts Options) (*Context, error) {
	if opts.Name == "" {
		return nil, errors.New("worker: model name is required")
	}
	if opts.Port < 1 || opts.Port > 65535 {
		return nil, fmt.Errorf("worker: invalid port %d", opts.Port)
	}
	impl := opts.Implementation
	if impl == "" {
		impl = opts.Name
	}
	dir, tag, marker, ok := registry.Resolve(opts.ModelsDir, impl)
	if !ok {
		if fsutil.IsDir(dir) {
			return nil, fmt.Errorf("worker: implementation %q at %s has no capability marker", impl, dir)
		}
		return nil, fmt.Errorf("worker: implementation %q not found under %s", impl, opts.ModelsDir)
	}
	if _, err := capability.ReadManifest(marker); err != nil {
		return nil, fmt.Errorf("worker: %w", err)
	}
	var cfg map[string]any
	if opts.ModelConfig != "" {
		if err := json.Unmarshal([]byte(opts.ModelConfig), &cfg); err != nil {
			return nil, fmt.Errorf("worker: model config is not a JSON object: %w", err)
		}
	}
	reg := opts.Registry
	if reg == nil {
		reg = capability.DefaultRegistry()
	}
	if _, ok := reg.Lookup(tag); !ok {
		return nil, fmt.Errorf("worker: no runtime for capability %q", tag)
	}

	log := opts.Logger.With().Str("model", opts.Name).Logger()
	load := func(ctx context.Context) (capability.Model, error) {
		// Re-read so marker edits apply on the next load.
		m, err := capability.ReadManifest(marker)
		if err != nil {
			return nil, err
		}
		return reg.Open(ctx, capability.Spec{
			Name:        opts.Name,
			Dir:         dir,
			Tag:         tag,
			Manifest:    m,
			Interpreter: opts.Interpreter,
			Config:      cfg,
			Grace:       opts.Grace,
			Logger:      log,
		})
	}
	return &Context{
		ModelName:   opts.Name,
		Port:        opts.Port,
		IdleTimeout: opts.IdleTimeout,
		Tag:         tag,
		Dir:         dir,
		Started:     time.Now(),
		Resource: lazy.New(lazy.Config{
			Model:       opts.Name,
			IdleTimeout: opts.IdleTimeout,
			Load:        load,
			Logger:      log,
			Publisher:   opts.Publisher,
		}),
	}, nil
}

// Name returns the declared model name the worker serves.
func (c *Context) Name() string { return c.ModelName }

// Capability returns the tag of the implementation's marker manifest.
func (c *Context) Capability() string { return string(c.Tag) }

// Loaded reports whether the runtime is resident.
func (c *Context) Loaded() bool { return c.Resource.IsLoaded() }

// Invoke runs one request, loading the runtime on first use. A runtime that
// broke during the call is released and reloaded by the next Invoke.
func (c *Context) Invoke(ctx context.Context, req types.InferRequest) (json.RawMessage, error) {
	return c.Resource.Invoke(ctx, req)
}

// Warmup loads the runtime ahead of the first request.
func (c *Context) Warmup(ctx context.Context) error { return c.Resource.EnsureLoaded(ctx) }

// Unload releases the runtime once in-flight requests finish. The next
// request loads it again.
func (c *Context) Unload() error { return c.Resource.Release(lazy.ReasonExplicit) }

// Status reports the resource lifecycle for GET /status.
func (c *Context) Status() types.WorkerStatus {
	s := c.Resource.Snapshot()
	st := types.WorkerStatus{
		Model:              c.ModelName,
		Port:               c.Port,
		Capability:         string(c.Tag),
		State:              s.State.String(),
		Inflight:           s.Inflight,
		IdleTimeoutSeconds: int(c.IdleTimeout / time.Second),
		UptimeSeconds:      int64(time.Since(c.Started) / time.Second),
		LoadsTotal:         s.Loads,
		UnloadsTotal:       s.Unloads,
		LastError:          s.LastError,
	}
	if !s.LastAccess.IsZero() {
		st.LastAccessUnix = s.LastAccess.Unix()
	}
	return st
}

// Run validates opts, binds the port and serves until ctx is done or the
// process receives SIGINT/SIGTERM. On the way out the HTTP server drains and
// the runtime is released. Validation and bind failures are returned before
// anything is served.
func Run(ctx context.Context, opts Options) error {
	if opts.Grace <= 0 {
		opts.Grace = procutil.DefaultGrace
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = lazy.DefaultSweepInterval
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = DefaultShutdownTimeout
	}
	wc, err := NewContext(opts)
	if err != nil {
		return err
	}
	log := opts.Logger

	addr := net.JoinHostPort(opts.Host, strconv.Itoa(opts.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("worker: listen %s: %w", addr, err)
	}

	sctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	httpapi.SetBaseContext(sctx)
	httpapi.SetLogger(log)

	go wc.Resource.RunSweeper(sctx, opts.SweepInterval)

	srv := &http.Server{Handler: httpapi.NewWorkerMux(wc), ReadHeaderTimeout: 10 * time.Second}
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()
	log.Info().Str("model", wc.ModelName).Str("addr", ln.Addr().String()).Str("capability", string(wc.Tag)).Dur("idle_timeout", wc.IdleTimeout).Msg("worker event=listening")

	var serveErr error
	select {
	case <-sctx.Done():
	case serveErr = <-errc:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), opts.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Str("model", wc.ModelName).Msg("worker event=shutdown_error")
	}
	if err := wc.Resource.Release(lazy.ReasonShutdown); err != nil {
		log.Warn().Err(err).Str("model", wc.ModelName).Msg("worker event=release_error")
	}
	log.Info().Str("model", wc.ModelName).Msg("worker event=stopped")
	if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
		return serveErr
	}
	return nil
}
