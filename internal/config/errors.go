package config

import (
	"errors"
	"fmt"
)

// ConfigurationError reports a malformed or invalid declared value.
// Key is the dotted path of the offending field, e.g. "models.yolo.port".
type ConfigurationError struct {
	Key string
	Err error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error [%s]: %v", e.Key, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// IsConfigurationError reports whether err is (or wraps) a ConfigurationError.
func IsConfigurationError(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}

func cfgErr(key string, format string, a ...any) error {
	return &ConfigurationError{Key: key, Err: fmt.Errorf(format, a...)}
}
