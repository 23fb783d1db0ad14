package supervisor

import (
	"errors"
	"fmt"
)

// SpawnError reports that a worker process could not be started.
type SpawnError struct {
	Name string
	Err  error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %s: %v", e.Name, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// IsSpawnError reports whether err is (or wraps) a SpawnError.
func IsSpawnError(err error) bool {
	var se *SpawnError
	return errors.As(err, &se)
}

// ErrAlreadyRunning is wrapped in a SpawnError when a live process already
// exists for the name.
var ErrAlreadyRunning = errors.New("already running")
