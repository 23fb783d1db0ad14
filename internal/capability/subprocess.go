package capability

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"fleetd/internal/common/procutil"
	"fleetd/pkg/types"
)

// Environment handed to every runtime process.
const (
	EnvModelName   = "FLEETD_MODEL_NAME"
	EnvModelConfig = "FLEETD_MODEL_CONFIG"
	EnvModelDir    = "FLEETD_MODEL_DIR"
	EnvCapability  = "FLEETD_CAPABILITY"
)

const stderrTailBytes = 4096

// ErrRuntimeExited is returned by Infer once the runtime process is gone.
var ErrRuntimeExited = errors.New("runtime process exited")

type readyLine struct {
	Ready bool   `json:"ready"`
	Error string `json:"error,omitempty"`
}

type requestLine struct {
	ID          uint64         `json:"id"`
	ImageBase64 string         `json:"image_base64"`
	Params      map[string]any `json:"params,omitempty"`
}

type responseLine struct {
	ID     uint64          `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  string          `json:"error,omitempty"`
}

// subprocessModel hosts the runtime in a child process. Requests are
// serialized: one line out, one line back.
type subprocessModel struct {
	spec   Spec
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	lines  chan []byte
	done   chan struct{}
	stderr *procutil.TailBuffer

	mu     sync.Mutex
	nextID uint64
	broken error

	closeOnce sync.Once
}

// StartSubprocess is the Factory for the subprocess runtime. It returns once
// the child has printed its ready line.
func StartSubprocess(ctx context.Context, spec Spec) (Model, error) {
	argv := append([]string(nil), spec.Manifest.Command...)
	if len(argv) == 0 {
		return nil, errNoCommand
	}
	if spec.Interpreter != "" {
		argv[0] = spec.Interpreter
	}
	cfg := spec.Config
	if cfg == nil {
		cfg = map[string]any{}
	}
	cfgJSON, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("encode model config: %w", err)
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = spec.Dir
	if w := spec.Manifest.Workdir; w != "" {
		if filepath.IsAbs(w) {
			cmd.Dir = w
		} else {
			cmd.Dir = filepath.Join(spec.Dir, w)
		}
	}
	env := os.Environ()
	for k, v := range spec.Manifest.Env {
		env = append(env, k+"="+v)
	}
	env = append(env,
		EnvModelName+"="+spec.Name,
		EnvModelConfig+"="+string(cfgJSON),
		EnvModelDir+"="+spec.Dir,
		EnvCapability+"="+string(spec.Tag),
	)
	cmd.Env = env

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	// Not StdoutPipe: Wait must not close the read end under readLines.
	stdout, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	cmd.Stdout = stdoutW
	m := &subprocessModel{
		spec:   spec,
		cmd:    cmd,
		stdin:  stdin,
		lines:  make(chan []byte),
		done:   make(chan struct{}),
		stderr: procutil.NewTailBuffer(stderrTailBytes),
	}
	cmd.Stderr = m.stderr
	if err := cmd.Start(); err != nil {
		_ = stdout.Close()
		_ = stdoutW.Close()
		return nil, fmt.Errorf("start runtime %q: %w", argv[0], err)
	}
	_ = stdoutW.Close()
	log := spec.Logger.With().Str("model", spec.Name).Int("pid", cmd.Process.Pid).Logger()
	log.Info().Str("capability", string(spec.Tag)).Msg("runtime event=start")

	go m.readLines(stdout)
	go func() {
		_ = cmd.Wait()
		close(m.done)
	}()

	timeout := spec.Manifest.StartupTimeout()
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case line, ok := <-m.lines:
		if !ok {
			<-m.done
			return nil, fmt.Errorf("runtime exited before ready (code %d): %s", procutil.ExitCode(cmd.ProcessState), m.tail())
		}
		var r readyLine
		if err := json.Unmarshal(line, &r); err != nil || !r.Ready {
			msg := r.Error
			if err != nil {
				msg = "malformed ready line: " + strings.TrimSpace(string(line))
			}
			_ = m.Close()
			return nil, fmt.Errorf("runtime not ready: %s", msg)
		}
	case <-t.C:
		_ = m.Close()
		return nil, fmt.Errorf("runtime not ready after %s: %s", timeout, m.tail())
	case <-ctx.Done():
		_ = m.Close()
		return nil, ctx.Err()
	}
	log.Info().Msg("runtime event=ready")
	return m, nil
}

func (m *subprocessModel) readLines(r io.ReadCloser) {
	defer close(m.lines)
	defer r.Close()
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 64*1024*1024)
	for sc.Scan() {
		line := append([]byte(nil), sc.Bytes()...)
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}
		select {
		case m.lines <- line:
		case <-m.done:
			return
		}
	}
}

func (m *subprocessModel) tail() string {
	return strings.TrimSpace(m.stderr.String())
}

func (m *subprocessModel) Infer(ctx context.Context, req types.InferRequest) (json.RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.broken != nil {
		return nil, m.broken
	}
	m.nextID++
	b, err := json.Marshal(requestLine{ID: m.nextID, ImageBase64: req.ImageBase64, Params: req.Params})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	if _, err := m.stdin.Write(append(b, '\n')); err != nil {
		return nil, m.breakLocked(fmt.Errorf("%w: write request: %v", ErrRuntimeExited, err))
	}
	select {
	case line, ok := <-m.lines:
		if !ok {
			return nil, m.breakLocked(fmt.Errorf("%w: %s", ErrRuntimeExited, m.tail()))
		}
		var resp responseLine
		if err := json.Unmarshal(line, &resp); err != nil {
			return nil, fmt.Errorf("malformed response: %w", err)
		}
		if resp.Error != "" {
			return nil, errors.New(resp.Error)
		}
		if len(resp.Result) == 0 {
			return json.RawMessage("null"), nil
		}
		return resp.Result, nil
	case <-ctx.Done():
		// The pending response would desynchronize the stream; the runtime
		// is unusable from here on.
		err := m.breakLocked(fmt.Errorf("runtime abandoned after cancelled request: %w", ctx.Err()))
		go func() { _ = m.Close() }()
		return nil, err
	}
}

// breakLocked marks the runtime unusable. Every later Infer returns the same
// error, which wraps ErrBroken.
func (m *subprocessModel) breakLocked(err error) error {
	m.broken = fmt.Errorf("%w: %w", ErrBroken, err)
	return m.broken
}

// Close closes stdin, then SIGTERM, grace, SIGKILL.
func (m *subprocessModel) Close() error {
	m.closeOnce.Do(func() {
		_ = m.stdin.Close()
		grace := m.spec.Grace
		if grace <= 0 {
			grace = procutil.DefaultGrace
		}
		killed := procutil.Stop(m.cmd.Process, m.done, grace)
		m.spec.Logger.Info().Str("model", m.spec.Name).Int("pid", m.cmd.Process.Pid).Bool("killed", killed).Msg("runtime event=stop")
	})
	return nil
}
