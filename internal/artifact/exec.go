// Package artifact drives the downstream serverless integration: it
// generates, deploys, checks and deletes the per-worker artifacts through
// external commands.
package artifact

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/rs/zerolog"

	"fleetd/internal/common/fsutil"
	"fleetd/internal/common/procutil"
	"fleetd/internal/config"
)

// DefaultTimeout bounds a single artifact command.
const DefaultTimeout = 5 * time.Minute

const outputTailBytes = 2048

// Collaborator is the reconciler's view of the downstream integration.
type Collaborator interface {
	IsDeployed(ctx context.Context, name string) (bool, error)
	GenerateAndDeploy(ctx context.Context, name string, force bool) error
	Delete(ctx context.Context, name string) error
	// Configure applies the document's downstream section; called once per
	// tick before any other method.
	Configure(d config.DownstreamSection)
	ArtifactDir(name string) string
	EntryFile() string
}

// ExecConfig configures Exec.
type ExecConfig struct {
	Commands config.ArtifactCommands
	// OutputDir and DownstreamHost apply until the first Configure.
	OutputDir      string
	DownstreamHost string
	Timeout        time.Duration
	Logger         zerolog.Logger
}

// Exec runs argv templates. Templates may reference {name}, {output_dir},
// {artifact_dir} and {downstream_host}. Stdout, stderr and the exit code are
// the whole contract; an empty status command means "always deployed" and
// other empty commands are skipped.
type Exec struct {
	cfg ExecConfig

	mu        sync.RWMutex // guards outputDir and host
	outputDir string
	host      string
}

var _ Collaborator = (*Exec)(nil)

// NewExec returns an Exec with defaults applied.
func NewExec(cfg ExecConfig) *Exec {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Commands.EntryFile == "" {
		cfg.Commands.EntryFile = config.DefaultArtifactEntryFile
	}
	if cfg.OutputDir == "" {
		cfg.OutputDir = config.DefaultOutputDir
	}
	return &Exec{cfg: cfg, outputDir: cfg.OutputDir, host: cfg.DownstreamHost}
}

// Configure switches the output directory and downstream host. An empty
// output dir falls back to the one Exec was created with.
func (e *Exec) Configure(d config.DownstreamSection) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.outputDir = d.OutputDir
	if e.outputDir == "" {
		e.outputDir = e.cfg.OutputDir
	}
	e.host = d.Host
}

func (e *Exec) downstream() (outputDir, host string) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.outputDir, e.host
}

// ArtifactDir is the directory holding name's generated artifact.
func (e *Exec) ArtifactDir(name string) string {
	out, _ := e.downstream()
	return filepath.Join(out, name)
}

// EntryFile is the artifact file whose mtime decides staleness.
func (e *Exec) EntryFile() string { return e.cfg.Commands.EntryFile }

// IsDeployed runs the status command. name is deployed when the command
// exits 0 and lists name as a whole word on stdout; any other exit code
// means not deployed.
func (e *Exec) IsDeployed(ctx context.Context, name string) (bool, error) {
	if len(e.cfg.Commands.Status) == 0 {
		return true, nil
	}
	stdout, err := e.runOutput(ctx, "status", name, e.cfg.Commands.Status)
	if err == nil {
		return listsName(stdout, name), nil
	}
	var de *DeployError
	if errors.As(err, &de) && de.Code > 0 {
		return false, nil
	}
	return false, err
}

// GenerateAndDeploy regenerates the artifact (when force is set or the entry
// file is missing) and deploys it.
func (e *Exec) GenerateAndDeploy(ctx context.Context, name string, force bool) error {
	dir := e.ArtifactDir(name)
	entry := filepath.Join(dir, e.EntryFile())
	if force || !fsutil.PathExists(entry) {
		if force {
			if err := os.RemoveAll(dir); err != nil {
				return &DeployError{Name: name, Stage: "generate", Err: err}
			}
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return &DeployError{Name: name, Stage: "generate", Err: err}
		}
		if len(e.cfg.Commands.Generate) > 0 {
			if err := e.run(ctx, "generate", name, e.cfg.Commands.Generate); err != nil {
				return err
			}
		}
	}
	if len(e.cfg.Commands.Deploy) > 0 {
		if err := e.run(ctx, "deploy", name, e.cfg.Commands.Deploy); err != nil {
			return err
		}
	}
	return nil
}

// Delete runs the delete command. The artifact directory is left for the
// caller to remove.
func (e *Exec) Delete(ctx context.Context, name string) error {
	if len(e.cfg.Commands.Delete) == 0 {
		return nil
	}
	return e.run(ctx, "delete", name, e.cfg.Commands.Delete)
}

// Expand substitutes the template variables for name into argv.
func (e *Exec) Expand(name string, argv []string) []string {
	outDir, host := e.downstream()
	r := strings.NewReplacer(
		"{name}", name,
		"{output_dir}", outDir,
		"{artifact_dir}", filepath.Join(outDir, name),
		"{downstream_host}", host,
	)
	out := make([]string, len(argv))
	for i, a := range argv {
		out[i] = r.Replace(a)
	}
	return out
}

func (e *Exec) run(ctx context.Context, stage, name string, tmpl []string) error {
	_, err := e.runOutput(ctx, stage, name, tmpl)
	return err
}

// runOutput runs one template and returns its stdout. Errors carry the tail
// of stdout and stderr combined.
func (e *Exec) runOutput(ctx context.Context, stage, name string, tmpl []string) (string, error) {
	argv := e.Expand(name, tmpl)
	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Env = append(os.Environ(), "FLEETD_ARTIFACT_NAME="+name, "FLEETD_ARTIFACT_DIR="+e.ArtifactDir(name))
	out := procutil.NewTailBuffer(outputTailBytes)
	var stdout bytes.Buffer
	cmd.Stdout = io.MultiWriter(&stdout, out)
	cmd.Stderr = out
	start := time.Now()
	err := cmd.Run()
	log := e.cfg.Logger.With().Str("model", name).Str("stage", stage).Dur("dur", time.Since(start)).Logger()
	if err == nil {
		log.Debug().Msg("artifact event=ok")
		return stdout.String(), nil
	}
	de := &DeployError{Name: name, Stage: stage, Output: strings.TrimSpace(out.String())}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		de.Code = ee.ExitCode()
	} else {
		de.Err = err
	}
	if ctx.Err() != nil {
		de.Err = fmt.Errorf("%s: %w", err, ctx.Err())
	}
	log.Debug().Int("code", de.Code).Msg("artifact event=failed")
	return stdout.String(), de
}

// listsName reports whether name appears in out as a whole token, so a
// listing of "yolo-v2" does not count as "yolo".
func listsName(out, name string) bool {
	tokens := strings.FieldsFunc(out, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-' && r != '_' && r != '.'
	})
	for _, t := range tokens {
		if t == name || strings.TrimRight(t, ".") == name {
			return true
		}
	}
	return false
}

// NeedsRefresh reports whether name's artifact must be regenerated: the
// directory or entry file is missing, or the document changed after the
// entry file was written. reason is empty when no refresh is needed.
func NeedsRefresh(c Collaborator, name string, docModTime time.Time) (reason string) {
	entry := filepath.Join(c.ArtifactDir(name), c.EntryFile())
	if !fsutil.IsDir(c.ArtifactDir(name)) {
		return "missing_dir"
	}
	fi, err := os.Stat(entry)
	if err != nil {
		return "missing_entry"
	}
	if !docModTime.IsZero() && docModTime.After(fi.ModTime()) {
		return "stale"
	}
	return ""
}
