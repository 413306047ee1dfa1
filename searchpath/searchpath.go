// Copyright the privldr authors. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

// Package searchpath locates a DLL filename on disk using a fixed,
// documented precedence: recorded client-library directories first (in the
// order they were added), then {systemroot}\system32\{name}, then
// {systemroot}\{name}. Current working directory and arbitrary PATH
// directories are deliberately not consulted.
package searchpath

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// maxClientDirs bounds the client-directory table the way the registry's
// bootstrap array is bounded — a small fixed capacity covering bootstrap-time
// client libraries and their direct dependents.
const maxClientDirs = 16

// ErrNotFound is returned when name exists in none of the searched
// locations.
var ErrNotFound = errors.New("searchpath: file not found in any search location")

// ErrTableFull is returned by AddClientDir once maxClientDirs entries are
// recorded.
var ErrTableFull = fmt.Errorf("searchpath: client directory table is full (capacity %d)", maxClientDirs)

// Resolver implements the precedence above. The zero value has an empty
// client-directory table and no system root; use New to set the system
// root explicitly (see the systemroot lookup in the Windows-specific
// companion file for how the loader normally obtains it).
type Resolver struct {
	systemRoot string
	dirs       [maxClientDirs]string
	n          int

	stat func(string) error
}

// New returns a Resolver rooted at systemRoot (typically read from the
// registry at init time — see SystemRoot in searchpath_windows.go).
func New(systemRoot string) *Resolver {
	return &Resolver{systemRoot: systemRoot, stat: statExists}
}

func statExists(path string) error {
	_, err := os.Stat(path)
	return err
}

// AddClientDir records the directory a bootstrap-time client library was
// loaded from, so its transitive dependencies can later be found alongside
// it. Directories are tried in the order they were added.
func (r *Resolver) AddClientDir(dir string) error {
	if r.n >= maxClientDirs {
		return ErrTableFull
	}
	r.dirs[r.n] = dir
	r.n++
	return nil
}

// Resolve returns the first existing candidate path for name, in precedence
// order: client directories, then system32, then the system root itself.
func (r *Resolver) Resolve(name string) (string, error) {
	for i := 0; i < r.n; i++ {
		candidate := filepath.Join(r.dirs[i], name)
		if r.stat(candidate) == nil {
			return candidate, nil
		}
	}
	if r.systemRoot != "" {
		candidate := filepath.Join(r.systemRoot, "system32", name)
		if r.stat(candidate) == nil {
			return candidate, nil
		}
		candidate = filepath.Join(r.systemRoot, name)
		if r.stat(candidate) == nil {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrNotFound, name)
}
