// Copyright the privldr authors. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

// Package redirect implements the closed, statically declared set of
// (donor module, symbol) -> substitute mappings a privately loaded
// library's imports are checked against before falling through to the real
// system routine. The point is isolation: a private library must never
// allocate from, or free into, the host process's default heap, and its FLS
// callbacks must come back to this loader rather than the host's own
// callback dispatch.
//
// Every substitute ultimately has to be something the import resolver can
// write into an IAT slot, which means it has to be the address of a real,
// callable, calling-convention-correct stub — there is no portable
// equivalent, so this package builds only on Windows.
package redirect

import (
	"strings"
	"sync"

	"github.com/shadowveil/privldr/fls"
	"github.com/shadowveil/privldr/registry"
)

// ExportResolver resolves a named export of a private module to its final
// address, following forwarder chains through the private registry (loading
// targets as needed) and applying redirection at the final link. Implemented
// by the lifecycle driver. The GetProcAddress substitute consults it so a
// forwarded export resolves to the same address an importer's IAT would get,
// instead of being handed to the real loader, which knows nothing about a
// private module's base.
type ExportResolver interface {
	ResolveExport(m *registry.Module, symbol string) (uintptr, error)
}

// Substitute is the address of a callable stub suitable for writing
// directly into an IAT slot. It comes from windows.NewCallback wrapping one
// of this package's substitute methods.
type Substitute uintptr

// Donor names the module a substitute table applies to.
type Donor string

const (
	DonorNtdll    Donor = "ntdll.dll"
	DonorKernel32 Donor = "kernel32.dll"
)

// Shim owns the state every substitute needs: the module registry (to
// decide "is this pointer one of ours"), the private heap, and the FLS
// callback trampoline. Exactly one Shim exists per loader instance.
type Shim struct {
	reg  *registry.Registry
	heap *heap
	fls  *fls.Trampoline

	// trackCode, when set, tells the host runtime that addr is code it must
	// treat as translated/tracked (the FlsAlloc substitute calls it for
	// callbacks living inside a private library, so the execution engine
	// doesn't treat the callback's first run as a transfer into unknown
	// territory). Nil when no runtime is wired, e.g. in tests.
	trackCode func(addr uintptr)

	// exports, when set, is the forwarder-chain-aware export lookup the
	// GetProcAddress substitute prefers over a bare ExportByName.
	exports ExportResolver

	// lk, when set, is the loader lock. Substitutes that read the registry
	// run on whatever thread a private library calls them from, so they
	// must serialize against Load/Unload; the lock is recursive, making
	// reentry from inside an entry point safe.
	lk sync.Locker

	once     sync.Once
	ntdll    map[string]Substitute
	kernel32 map[string]Substitute
}

// NewShim constructs a shim over reg, backing its private heap with a
// VirtualAlloc-based page source.
func NewShim(reg *registry.Registry) *Shim {
	return &Shim{
		reg:  reg,
		heap: newHeap(virtualAllocPages{}),
		fls:  fls.New(),
	}
}

// FLS exposes the callback trampoline so the lifecycle driver can query it
// independently of any substitute call (Driver.HandleCallback dispatches
// through it).
func (s *Shim) FLS() *fls.Trampoline { return s.fls }

// SetCodeTracker wires the runtime's tracked-code notification. Must be set
// before the first substitute is resolved into an IAT; the substitute tables
// capture the Shim by reference, so later changes are visible, but there is
// no locking around the field — the loader lock already serializes every
// path that reaches it.
func (s *Shim) SetCodeTracker(fn func(addr uintptr)) { s.trackCode = fn }

// SetExportResolver wires the driver's forwarder-chain-aware export lookup.
// Same setup-time-only rule as SetCodeTracker.
func (s *Shim) SetExportResolver(r ExportResolver) { s.exports = r }

// SetLocker wires the loader lock the registry-reading substitutes take.
// Same setup-time-only rule as SetCodeTracker.
func (s *Shim) SetLocker(lk sync.Locker) { s.lk = lk }

// lock acquires the loader lock if one is wired and returns the matching
// release. Substitute bodies use it as "defer s.lock()()".
func (s *Shim) lock() func() {
	if s.lk == nil {
		return func() {}
	}
	s.lk.Lock()
	return s.lk.Unlock
}

// Lookup finds the substitute for (donor, symbol), if this closed set
// declares one. Tables are built lazily, once, the first time any lookup
// happens — each table's entries are closures bound to this Shim instance,
// so they cannot be built until the Shim itself exists.
func (s *Shim) Lookup(donor Donor, symbol string) (Substitute, bool) {
	s.once.Do(s.build)
	switch donor {
	case DonorNtdll:
		sub, ok := s.ntdll[symbol]
		return sub, ok
	case DonorKernel32:
		sub, ok := s.kernel32[symbol]
		return sub, ok
	default:
		return 0, false
	}
}

// LookupByModuleName is Lookup, but takes the donor's file name (as written
// in an import descriptor or a forwarder string, case-insensitive) instead
// of a declared Donor constant — the import resolver only ever has a name
// to work with.
func (s *Shim) LookupByModuleName(moduleName, symbol string) (Substitute, bool) {
	switch {
	case strings.EqualFold(moduleName, string(DonorNtdll)):
		return s.Lookup(DonorNtdll, symbol)
	case strings.EqualFold(moduleName, string(DonorKernel32)):
		return s.Lookup(DonorKernel32, symbol)
	default:
		return 0, false
	}
}
