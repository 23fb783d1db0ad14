// Package ports assigns worker ports from a fixed inclusive range.
package ports

import (
	"errors"
	"fmt"
)

// Default inclusive port range for worker processes.
const (
	DefaultStart = 5001
	DefaultEnd   = 5100
)

// ExhaustedError is returned when every port in the range is taken.
type ExhaustedError struct {
	Start, End int
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("no free port in range %d-%d", e.Start, e.End)
}

// IsExhausted reports whether err is (or wraps) an ExhaustedError.
func IsExhausted(err error) bool {
	var ee *ExhaustedError
	return errors.As(err, &ee)
}

// NextAvailable returns the lowest port in [start, end] not present in used.
// It does not probe the network: the declared document is the only source of
// truth for ownership.
func NextAvailable(start, end int, used map[int]bool) (int, error) {
	for p := start; p <= end; p++ {
		if used[p] {
			continue
		}
		return p, nil
	}
	return 0, &ExhaustedError{Start: start, End: end}
}

// Allocator binds a range so it can be handed to config.Store.AssignPort.
type Allocator struct {
	Start, End int
}

// Default returns an Allocator over the default range.
func Default() Allocator { return Allocator{Start: DefaultStart, End: DefaultEnd} }

// Next is NextAvailable over the allocator's range.
func (a Allocator) Next(used map[int]bool) (int, error) {
	return NextAvailable(a.Start, a.End, used)
}
