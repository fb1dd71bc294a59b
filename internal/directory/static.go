// Package directory resolves approval roles to the users holding them, from
// a static YAML file with an in-memory cache in front.
package directory

import (
	"context"
	"fmt"
	"os"
	"slices"
	"sync"

	"gopkg.in/yaml.v3"
)

type directoryFile struct {
	Roles map[string][]string `yaml:"roles"`
}

// StaticDirectory resolves roles from a YAML file mapping role names to user
// ids. It implements model.ApproverDirectory.
type StaticDirectory struct {
	path  string
	mu    sync.RWMutex
	roles map[string][]string
}

// NewStaticDirectory creates a directory that loads roles from path.
func NewStaticDirectory(path string) (*StaticDirectory, error) {
	d := &StaticDirectory{path: path}
	if err := d.Sync(); err != nil {
		return nil, err
	}
	return d, nil
}

// NewStaticDirectoryFromMap creates a directory over a fixed role map.
func NewStaticDirectoryFromMap(roles map[string][]string) *StaticDirectory {
	d := &StaticDirectory{roles: make(map[string][]string, len(roles))}
	for role, users := range roles {
		d.roles[role] = slices.Clone(users)
	}
	return d
}

// ResolveApprover returns the users holding role. An unknown role resolves
// to no users.
func (d *StaticDirectory) ResolveApprover(_ context.Context, role string) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return slices.Clone(d.roles[role]), nil
}

// Sync reloads the directory file from disk. A directory built from a map
// has nothing to reload.
func (d *StaticDirectory) Sync() error {
	if d.path == "" {
		return nil
	}
	data, err := os.ReadFile(d.path)
	if err != nil {
		return fmt.Errorf("directory: reading %s: %w", d.path, err)
	}

	var f directoryFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("directory: parsing %s: %w", d.path, err)
	}
	for role, users := range f.Roles {
		slices.Sort(users)
		f.Roles[role] = slices.Compact(users)
	}

	d.mu.Lock()
	d.roles = f.Roles
	d.mu.Unlock()
	return nil
}

// HealthCheck reports whether the directory file is still readable.
func (d *StaticDirectory) HealthCheck(context.Context) error {
	if d.path == "" {
		return nil
	}
	if _, err := os.Stat(d.path); err != nil {
		return fmt.Errorf("directory: %w", err)
	}
	return nil
}
