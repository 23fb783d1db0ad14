// Package registry discovers implementation folders under the models root.
package registry

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"fleetd/internal/capability"
	"fleetd/internal/common/fsutil"
	"fleetd/pkg/types"
)

// CapabilityOf returns the capability advertised by the folder at path, or ""
// when no marker file is present. Markers are checked in capability.Markers
// order.
func CapabilityOf(path string) capability.Tag {
	for _, m := range capability.Markers {
		fi, err := os.Stat(filepath.Join(path, m.File))
		if err == nil && !fi.IsDir() {
			return m.Tag
		}
	}
	return ""
}

// Scan lists the names of directories directly under root that expose a
// capability. Names starting with "_" or "." are skipped. A missing root
// yields an empty result.
func Scan(root string) ([]string, error) {
	entries, err := ScanEntries(root)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name)
	}
	return names, nil
}

// ScanEntries is Scan with capability and absolute path for each folder,
// sorted by name.
func ScanEntries(root string) ([]types.ScanEntry, error) {
	base, err := fsutil.ExpandHome(root)
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(base)
	if err != nil {
		return nil, fmt.Errorf("abs path: %w", err)
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read dir: %w", err)
	}
	var out []types.ScanEntry
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, "_") || strings.HasPrefix(name, ".") {
			continue
		}
		p := filepath.Join(abs, name)
		if !fsutil.IsDir(p) {
			continue
		}
		tag := CapabilityOf(p)
		if tag == "" {
			continue
		}
		out = append(out, types.ScanEntry{Name: name, Capability: string(tag), Path: p})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Resolve returns the implementation folder for impl under root together with
// its capability and marker path. ok is false when the folder is missing or
// exposes no capability.
func Resolve(root, impl string) (dir string, tag capability.Tag, marker string, ok bool) {
	base, err := fsutil.ExpandHome(root)
	if err != nil {
		return "", "", "", false
	}
	dir = filepath.Join(base, impl)
	if !fsutil.IsDir(dir) {
		return dir, "", "", false
	}
	tag = CapabilityOf(dir)
	if tag == "" {
		return dir, "", "", false
	}
	return dir, tag, filepath.Join(dir, capability.MarkerFile(tag)), true
}
