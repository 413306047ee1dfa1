// Copyright the privldr authors. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

// Package registry tracks every private module the loader currently has
// mapped: a doubly-linked list in reverse-dependency order (so walking from
// the head and unloading as you go always unloads a dependent before its
// dependency), plus a B-tree area index keyed by address range so "does this
// pointer belong to one of our modules" is an O(log n) lookup instead of a
// scan.
//
// Nothing in this package takes its own lock. Every operation here runs
// under the loader's lock (internal/recursive.Mutex); adding a second lock
// here would just be a second thing to get wrong.
package registry

import (
	"fmt"
	"strings"

	"github.com/google/btree"

	"github.com/shadowveil/privldr/pe"
)

// Module is one record in the registry: a mapped image plus its place in
// dependency order.
type Module struct {
	Base             uintptr
	Size             uintptr
	Name             string
	RefCount         int
	ExternallyLoaded bool

	// Image is the directory reader over this module's mapped bytes. It is
	// nil for bootstrap-table entries migrated before their backing pe.Image
	// was attached, and always non-nil once a module is fully inserted via
	// the normal load path (the import resolver reads exports through it; the
	// redirection shim's GetProcAddress substitute does too).
	Image *pe.Image

	prev, next *Module
}

// AttachImage records the directory reader for a module once it is
// available (Insert itself only knows base/size/name; the caller wires the
// pe.Image separately once mapping has finished).
func (m *Module) AttachImage(img *pe.Image) { m.Image = img }

// IncRef bumps the reference count (another module's import, or an explicit
// external load) and returns the new count.
func (m *Module) IncRef() int {
	m.RefCount++
	return m.RefCount
}

// DecRef drops the reference count and returns the new count. It never goes
// negative; callers are expected to unload once it reaches zero.
func (m *Module) DecRef() int {
	if m.RefCount > 0 {
		m.RefCount--
	}
	return m.RefCount
}

type addressRange struct {
	start, end uintptr
	mod        *Module
}

func (r addressRange) Less(other addressRange) bool {
	return r.start < other.start
}

// Registry is the list + area index pair. The zero value is not usable; use
// New.
type Registry struct {
	head, tail *Module
	area       *btree.BTreeG[addressRange]
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{area: btree.NewG(32, addressRange.Less)}
}

// Tail returns the current last module in list order, or nil if the
// registry is empty. Callers that always want to append (rather than
// displace the current head) pass this as Insert's "after" argument.
func (r *Registry) Tail() *Module { return r.tail }

// Insert creates a new record and links it immediately after "after"
// (reverse-dependency order: the importer comes before the thing it
// imports), or at the head if after is nil. It also adds the module's
// address range to the area index.
//
// The lifecycle driver passes the current tail as after for every freshly
// loaded module, so a dependency loaded while its importer is being
// finalized lands after that importer.
func (r *Registry) Insert(after *Module, base, size uintptr, name string) (*Module, error) {
	if existing, ok := r.overlaps(base, size); ok {
		if existing.Base != base || existing.Size != size {
			return nil, fmt.Errorf("registry: %#x..%#x partially overlaps existing module %q at %#x..%#x",
				base, base+size, existing.Name, existing.Base, existing.Base+existing.Size)
		}
	}

	m := &Module{Base: base, Size: size, Name: name, RefCount: 1}

	if after == nil {
		m.next = r.head
		if r.head != nil {
			r.head.prev = m
		}
		r.head = m
		if r.tail == nil {
			r.tail = m
		}
	} else {
		m.prev = after
		m.next = after.next
		if after.next != nil {
			after.next.prev = m
		} else {
			r.tail = m
		}
		after.next = m
	}

	r.area.ReplaceOrInsert(addressRange{start: base, end: base + size, mod: m})
	return m, nil
}

func (r *Registry) overlaps(base, size uintptr) (*Module, bool) {
	var found *Module
	r.area.Ascend(func(item addressRange) bool {
		if base < item.end && base+size > item.start {
			found = item.mod
			return false
		}
		return true
	})
	return found, found != nil
}

// LookupByName does a linear, case-insensitive scan. Module counts stay
// small enough that this is cheap, and it keeps the list the single source
// of truth — no second name index to drift out of sync.
func (r *Registry) LookupByName(name string) *Module {
	for m := r.head; m != nil; m = m.next {
		if strings.EqualFold(m.Name, name) {
			return m
		}
	}
	return nil
}

// LookupByBase does a linear, exact-address scan.
func (r *Registry) LookupByBase(base uintptr) *Module {
	for m := r.head; m != nil; m = m.next {
		if m.Base == base {
			return m
		}
	}
	return nil
}

// Contains reports whether p falls inside some module's mapped range, via
// the area index.
func (r *Registry) Contains(p uintptr) bool {
	var hit bool
	r.area.DescendLessOrEqual(addressRange{start: p}, func(item addressRange) bool {
		hit = p >= item.start && p < item.end
		return false
	})
	return hit
}

// Remove unlinks m from both the list and the area index. Externally-loaded
// modules are unlinked the same as any other — it is the caller's job (the
// lifecycle driver) to skip the unmap/entry-call steps for them.
func (r *Registry) Remove(m *Module) {
	if m.prev != nil {
		m.prev.next = m.next
	} else if r.head == m {
		r.head = m.next
	}
	if m.next != nil {
		m.next.prev = m.prev
	} else if r.tail == m {
		r.tail = m.prev
	}
	m.prev, m.next = nil, nil

	r.area.Delete(addressRange{start: m.Base})
}

// Each walks the list head-to-tail (reverse-dependency order: dependents
// before dependencies). Returning false from fn stops the walk early.
func (r *Registry) Each(fn func(m *Module) bool) {
	for m := r.head; m != nil; {
		next := m.next
		if !fn(m) {
			return
		}
		m = next
	}
}

// Len reports how many modules are currently registered.
func (r *Registry) Len() int {
	n := 0
	for m := r.head; m != nil; m = m.next {
		n++
	}
	return n
}
