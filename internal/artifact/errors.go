package artifact

import (
	"errors"
	"fmt"
)

// DeployError reports a failed artifact command. Stage is one of "status",
// "generate", "deploy" or "delete".
type DeployError struct {
	Name   string
	Stage  string
	Code   int
	Output string
	Err    error
}

func (e *DeployError) Error() string {
	msg := fmt.Sprintf("artifact %s %s failed", e.Stage, e.Name)
	if e.Code != 0 {
		msg += fmt.Sprintf(" (exit %d)", e.Code)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Output != "" {
		msg += "; output: " + e.Output
	}
	return msg
}

func (e *DeployError) Unwrap() error { return e.Err }

// IsDeployError reports whether err is (or wraps) a DeployError.
func IsDeployError(err error) bool {
	var de *DeployError
	return errors.As(err, &de)
}
