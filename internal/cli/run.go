package cli

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"fleetd/internal/artifact"
	"fleetd/internal/config"
	"fleetd/internal/events"
	"fleetd/internal/httpapi"
	"fleetd/internal/ports"
	"fleetd/internal/reconciler"
	"fleetd/internal/supervisor"
)

func newRunCmd(g *Globals) *cobra.Command {
	var (
		configPath string
		flagSet    config.Settings
		watch      bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the reconciler until SIGINT/SIGTERM",
		Example: "  fleetd run --document config/models.yaml --models-dir models\n" +
			"  fleetd run --config fleetd.toml --metrics-addr :9090",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := resolveSettings(cmd, configPath, flagSet, watch, os.LookupEnv)
			if err != nil {
				return err
			}
			level := g.LogLevel
			if level == "" {
				level = s.LogLevel
			}
			log := newLogger(g.Err, level, g.LogFormat, "controller")
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return fnRunController(ctx, s, log)
		},
	}
	f := cmd.Flags()
	f.StringVar(&configPath, "config", "", "Settings file (.yaml, .yml, .json or .toml)")
	f.StringVar(&flagSet.DocumentPath, "document", "", "Declared document path (defaults FLEETD_CONFIG_PATH or "+config.DefaultDocumentPath+")")
	f.StringVar(&flagSet.ModelsDir, "models-dir", "", "Implementations directory (defaults FLEETD_MODELS_DIR or "+config.DefaultModelsDir+")")
	f.IntVar(&flagSet.PollIntervalSeconds, "poll-interval", 0, "Seconds between ticks")
	f.IntVar(&flagSet.PortRangeStart, "port-start", 0, "First port handed to new workers")
	f.IntVar(&flagSet.PortRangeEnd, "port-end", 0, "Last port handed to new workers")
	f.IntVar(&flagSet.GraceSeconds, "grace", 0, "Seconds between SIGTERM and SIGKILL when stopping a worker")
	f.StringVar(&flagSet.WorkerBin, "worker-bin", "", "Worker executable (defaults to this binary)")
	f.StringVar(&flagSet.MetricsAddr, "metrics-addr", "", "Serve /status and /metrics on this address")
	f.BoolVar(&watch, "watch", true, "Tick early on filesystem changes")
	f.IntVar(&flagSet.RestartBackoffSeconds, "restart-backoff", 0, "Initial delay before restarting a crashed worker (0 restarts on the next tick)")
	f.IntVar(&flagSet.MaxRestartBackoffSeconds, "max-restart-backoff", 0, "Cap for the doubling restart delay")
	return cmd
}

// resolveSettings merges, in order of precedence, explicit flags, the
// settings file, FLEETD_* environment variables and package defaults.
func resolveSettings(cmd *cobra.Command, configPath string, flags config.Settings, watch bool, lookup func(string) (string, bool)) (config.Settings, error) {
	var s config.Settings
	if configPath != "" {
		var err error
		if s, err = config.Load(configPath); err != nil {
			return s, &config.ConfigurationError{Key: "--config", Err: err}
		}
	}
	changed := cmd.Flags().Changed
	str := func(name string, dst *string, v string) {
		if changed(name) {
			*dst = v
		}
	}
	num := func(name string, dst *int, v int) {
		if changed(name) {
			*dst = v
		}
	}
	str("document", &s.DocumentPath, flags.DocumentPath)
	str("models-dir", &s.ModelsDir, flags.ModelsDir)
	str("worker-bin", &s.WorkerBin, flags.WorkerBin)
	str("metrics-addr", &s.MetricsAddr, flags.MetricsAddr)
	num("poll-interval", &s.PollIntervalSeconds, flags.PollIntervalSeconds)
	num("port-start", &s.PortRangeStart, flags.PortRangeStart)
	num("port-end", &s.PortRangeEnd, flags.PortRangeEnd)
	num("grace", &s.GraceSeconds, flags.GraceSeconds)
	num("restart-backoff", &s.RestartBackoffSeconds, flags.RestartBackoffSeconds)
	num("max-restart-backoff", &s.MaxRestartBackoffSeconds, flags.MaxRestartBackoffSeconds)
	if changed("watch") {
		s.Watch = &watch
	}
	s = s.ApplyEnv(lookup).WithDefaults()
	return s, s.Validate()
}

// runController wires the store, supervisor, artifact collaborator and
// reconciler for s and runs until ctx is done.
func runController(ctx context.Context, s config.Settings, log zerolog.Logger) error {
	store := config.NewStore(s.DocumentPath)
	doc, err := store.Load()
	if err != nil {
		return err
	}
	pub := events.Log{Logger: log}

	sup := supervisor.New(supervisor.Config{
		WorkerBin: s.WorkerBin,
		Grace:     s.Grace(),
		Logger:    log,
		Publisher: pub,
	})

	var arts artifact.Collaborator
	switch c := s.Artifacts; {
	case len(c.Generate) > 0:
		arts = artifact.NewExec(artifact.ExecConfig{
			Commands:       c,
			OutputDir:      doc.Downstream.OutputDir,
			DownstreamHost: doc.Downstream.Host,
			Logger:         log,
		})
	case len(c.Status) > 0 || len(c.Deploy) > 0 || len(c.Delete) > 0:
		log.Warn().Msg("controller event=artifacts_disabled reason=no_generate_command")
	}

	rec := reconciler.New(reconciler.Config{
		Store:             store,
		Supervisor:        sup,
		Artifacts:         arts,
		ModelsDir:         s.ModelsDir,
		Ports:             ports.Allocator{Start: s.PortRangeStart, End: s.PortRangeEnd},
		PollInterval:      s.PollInterval(),
		RestartBackoff:    time.Duration(s.RestartBackoffSeconds) * time.Second,
		MaxRestartBackoff: time.Duration(s.MaxRestartBackoffSeconds) * time.Second,
		Watch:             s.Watch != nil && *s.Watch,
		Logger:            log,
		Publisher:         pub,
	})

	if s.MetricsAddr != "" {
		httpapi.SetLogger(log)
		srv := &http.Server{Addr: s.MetricsAddr, Handler: httpapi.NewControllerMux(rec), ReadHeaderTimeout: 10 * time.Second}
		go func() {
			log.Info().Str("addr", s.MetricsAddr).Msg("controller event=metrics_listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("controller event=metrics_error")
			}
		}()
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(sctx)
		}()
	}

	return rec.Run(ctx)
}
