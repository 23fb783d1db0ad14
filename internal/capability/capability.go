// Package capability describes what an implementation folder can do and how
// its runtime is brought up.
//
// A folder advertises a capability by carrying a marker manifest. The
// manifest names the command that hosts the heavy model runtime; the runtime
// is spoken to with newline-delimited JSON over stdin/stdout.
package capability

import (
	"context"
	"encoding/json"
	"errors"

	"fleetd/pkg/types"
)

// Tag identifies a capability.
type Tag string

const (
	Detection   Tag = "detection"
	Tracking    Tag = "tracking"
	Interaction Tag = "interaction"
)

// Marker pairs a marker file name with the capability it advertises.
type Marker struct {
	File string
	Tag  Tag
}

// Markers lists marker files in the order they are checked. The first
// present marker wins.
var Markers = []Marker{
	{File: "detector.yaml", Tag: Detection},
	{File: "tracker.yaml", Tag: Tracking},
	{File: "interactor.yaml", Tag: Interaction},
}

// MarkerFile returns the marker file name for tag, or "" if unknown.
func MarkerFile(tag Tag) string {
	for _, m := range Markers {
		if m.Tag == tag {
			return m.File
		}
	}
	return ""
}

// Valid reports whether t is one of the known tags.
func (t Tag) Valid() bool { return MarkerFile(t) != "" }

// ErrBroken is wrapped by Infer errors after which the Model can serve no
// further requests. Callers should Close it and load a fresh one.
var ErrBroken = errors.New("runtime unusable")

// Model is a loaded runtime. Infer may be called concurrently; implementations
// serialize internally as needed.
type Model interface {
	Infer(ctx context.Context, req types.InferRequest) (json.RawMessage, error)
	Close() error
}
