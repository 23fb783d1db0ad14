// Package procutil holds helpers shared by everything that manages child
// processes.
package procutil

import (
	"os"
	"sync"
	"syscall"
	"time"
)

// DefaultGrace is the wait between SIGTERM and SIGKILL.
const DefaultGrace = 5 * time.Second

// Stop asks p to exit with SIGTERM and kills it if done is not closed within
// grace. done must be closed by whoever reaps the process. It reports whether
// the process had to be killed.
func Stop(p *os.Process, done <-chan struct{}, grace time.Duration) (killed bool) {
	if p == nil {
		return false
	}
	select {
	case <-done:
		return false
	default:
	}
	if grace <= 0 {
		grace = DefaultGrace
	}
	_ = p.Signal(syscall.SIGTERM)
	t := time.NewTimer(grace)
	defer t.Stop()
	select {
	case <-done:
		return false
	case <-t.C:
	}
	_ = p.Kill()
	<-done
	return true
}

// TailBuffer keeps the last Max bytes written to it. Safe for concurrent use,
// so it can sit on exec.Cmd.Stderr while the process runs.
type TailBuffer struct {
	Max int

	mu  sync.Mutex
	buf []byte
}

// NewTailBuffer returns a buffer retaining at most max bytes.
func NewTailBuffer(max int) *TailBuffer { return &TailBuffer{Max: max} }

func (b *TailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if b.Max > 0 && len(b.buf) > b.Max {
		b.buf = append(b.buf[:0], b.buf[len(b.buf)-b.Max:]...)
	}
	return len(p), nil
}

func (b *TailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}

// ExitCode returns the exit code of a reaped process; -1 when it was killed
// by a signal or has not been reaped.
func ExitCode(state *os.ProcessState) int {
	if state == nil {
		return -1
	}
	return state.ExitCode()
}
