package cli

import (
	"time"

	"github.com/spf13/cobra"

	"fleetd/internal/config"
	"fleetd/internal/events"
	"fleetd/internal/httpapi"
	"fleetd/internal/worker"
)

func newWorkerCmd(g *Globals) *cobra.Command {
	var (
		opts         worker.Options
		timeoutSecs  int
		sweepSecs    int
		graceSecs    int
		corsEnabled  bool
		corsOrigins  string
		maxBodyBytes int64
		inferTimeout int64
	)
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Serve one model (started by `fleetd run`)",
		Example: "  fleetd worker --model-name yolov12n --port 5001 --timeout 300 --models-dir models\n" +
			"  fleetd worker --model-name yolo-small --implementation yolov12 --model-config '{\"weights\":\"s.pt\"}'",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.IdleTimeout = time.Duration(timeoutSecs) * time.Second
			opts.SweepInterval = time.Duration(sweepSecs) * time.Second
			opts.Grace = time.Duration(graceSecs) * time.Second
			level := g.LogLevel
			if level == "" {
				level = "info"
			}
			opts.Logger = newLogger(g.Err, level, g.LogFormat, "worker")
			opts.Publisher = events.Log{Logger: opts.Logger}

			httpapi.SetMaxBodyBytes(maxBodyBytes)
			httpapi.SetInferTimeoutSeconds(inferTimeout)
			if corsEnabled {
				httpapi.SetCORSOptions(httpapi.CORSOptions{Enabled: true, Origins: splitCSV(corsOrigins)})
			}
			return fnRunWorker(cmd.Context(), opts)
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.Name, "model-name", "", "Worker name as declared in the document")
	f.IntVar(&opts.Port, "port", 0, "Port to listen on")
	f.IntVar(&timeoutSecs, "timeout", config.DefaultIdleTimeoutSeconds, "Idle seconds before the runtime is released (0 keeps it loaded)")
	f.StringVar(&opts.ModelsDir, "models-dir", config.DefaultModelsDir, "Implementations directory")
	f.StringVar(&opts.Host, "host", config.DefaultServerHost, "Address to bind")
	f.StringVar(&opts.Implementation, "implementation", "", "Implementation folder (defaults to --model-name)")
	f.StringVar(&opts.Interpreter, "interpreter", "", "Replace the runtime command's argv[0]")
	f.StringVar(&opts.ModelConfig, "model-config", "", "JSON object passed to the runtime")
	f.IntVar(&sweepSecs, "sweep-interval", 0, "Seconds between idle checks")
	f.IntVar(&graceSecs, "grace", 0, "Seconds between SIGTERM and SIGKILL when closing the runtime")
	f.BoolVar(&corsEnabled, "cors-enabled", false, "Enable CORS on the worker API")
	f.StringVar(&corsOrigins, "cors-origins", "*", "Comma-separated allowed origins")
	f.Int64Var(&maxBodyBytes, "max-body-bytes", 0, "Request body cap in bytes")
	f.Int64Var(&inferTimeout, "infer-timeout", 0, "Seconds before an /infer call is abandoned (0 disables)")
	_ = cmd.MarkFlagRequired("model-name")
	_ = cmd.MarkFlagRequired("port")
	return cmd
}
