// Package cli is the fleetd command tree.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"fleetd/internal/worker"
)

// Globals holds the persistent flags shared by every subcommand.
type Globals struct {
	LogLevel  string
	LogFormat string
	Out       io.Writer
	Err       io.Writer
}

// Seams for tests.
var (
	fnRunController = runController
	fnRunWorker     = worker.Run
)

// BuildRoot constructs the command tree wired to g.
func BuildRoot(g *Globals) *cobra.Command {
	root := &cobra.Command{
		Use:           "fleetd",
		Short:         "Keep a fleet of single-model inference workers in line with a declared document",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(g.Out)
	root.SetErr(g.Err)
	root.PersistentFlags().StringVar(&g.LogLevel, "log-level", g.LogLevel, "Log level: debug|info|warn|error|off (defaults FLEETD_LOG_LEVEL or info)")
	root.PersistentFlags().StringVar(&g.LogFormat, "log-format", g.LogFormat, "Log format: json|console")

	root.AddCommand(newRunCmd(g), newWorkerCmd(g), newScanCmd(g), newRegisterCmd(g), newPortsCmd(g))
	return root
}

// MainWithArgs runs the CLI and returns the process exit code.
func MainWithArgs(ctx context.Context, args []string, out, errw io.Writer) int {
	g := &Globals{LogLevel: envOr("FLEETD_LOG_LEVEL", ""), LogFormat: envOr("FLEETD_LOG_FORMAT", "json"), Out: out, Err: errw}
	root := BuildRoot(g)
	root.SetArgs(args)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(errw, "fleetd:", err)
		return 1
	}
	return 0
}

// Main is used by cmd/fleetd.
func Main() int {
	return MainWithArgs(context.Background(), os.Args[1:], os.Stdout, os.Stderr)
}

func envOr(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}
