// Copyright the privldr authors. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

// Package resolve implements the import resolver: for each
// import descriptor of a freshly mapped module, it brings in the imported
// module (recursively, via the supplied Loader), resolves each named import
// against the imported module's exports (following forwarder chains to a
// bounded depth), consults the redirection shim for the final resolving
// module and symbol, and writes the chosen address into the module's IAT.
package resolve

import (
	"errors"
	"fmt"

	"github.com/shadowveil/privldr/pe"
	"github.com/shadowveil/privldr/redirect"
	"github.com/shadowveil/privldr/registry"
)

// maxForwarderChainDepth bounds forwarder resolution against a cycle of
// forwarders that never reaches real code.
const maxForwarderChainDepth = 16

var (
	// ErrForwarderChainTooDeep is returned when resolving a forwarder chain
	// exceeds maxForwarderChainDepth without reaching real code.
	ErrForwarderChainTooDeep = errors.New("resolve: forwarder chain exceeds maximum depth")
	// ErrSymbolNotFound is returned when a named import is absent from the
	// resolving module's export table.
	ErrSymbolNotFound = errors.New("resolve: symbol not found")
)

// Loader is the recursive dependency-loading collaborator: given an
// imported module's file name, it returns the already-registered module if
// present (bumping its ref count) or loads it fresh (map, register, resolve
// its own imports) otherwise. It is implemented by loader.Driver; keeping it
// as an interface here avoids an import cycle between resolve and loader.
type Loader interface {
	EnsureLoaded(name string) (*registry.Module, error)
}

// Protector flips the page(s) backing [addr, addr+size) to writable and
// back: the IAT usually lives in a read-only section, so each write is
// bracketed by a protection change and its restore. Restore must be called
// exactly once, after the write(s) are done.
type Protector interface {
	MakeWritable(addr, size uintptr) (restore func() error, err error)
}

// Resolver performs import resolution for the modules a Loader hands it.
type Resolver struct {
	shim *redirect.Shim
	prot Protector
}

// New returns a Resolver that consults shim for substitutes and prot for
// IAT page-protection changes.
func New(shim *redirect.Shim, prot Protector) *Resolver {
	return &Resolver{shim: shim, prot: prot}
}

// ResolveImports walks m's import directory, bringing in each imported
// module via loader and writing every resolved (or substituted) address
// into m's IAT. Once any IAT entry has been written, a later failure is
// fatal and the caller must unload m; the returned anyWritten bool reports
// whether any IAT entry was written before the failure. The lifecycle
// driver puts it in its error message and unloads m either way.
func (r *Resolver) ResolveImports(m *registry.Module, loader Loader) (anyWritten bool, err error) {
	descs, err := m.Image.ImportDescriptors()
	if err != nil {
		return false, fmt.Errorf("resolve: reading import directory of %s: %w", m.Name, err)
	}

	for _, d := range descs {
		depName, err := m.Image.ImportName(d)
		if err != nil {
			return anyWritten, fmt.Errorf("resolve: import name in %s: %w", m.Name, err)
		}
		dep, err := loader.EnsureLoaded(depName)
		if err != nil {
			return anyWritten, fmt.Errorf("resolve: loading %s (imported by %s): %w", depName, m.Name, err)
		}

		thunks, err := m.Image.Thunks(d)
		if err != nil {
			return anyWritten, fmt.Errorf("resolve: walking thunks for %s in %s: %w", depName, m.Name, err)
		}

		for _, th := range thunks {
			addr, err := r.resolveSymbol(dep, th.Name, loader, 0)
			if err != nil {
				return anyWritten, fmt.Errorf("resolve: %s!%s (imported by %s): %w", depName, th.Name, m.Name, err)
			}
			if err := r.writeIAT(m, th.ThunkRVA, addr); err != nil {
				return anyWritten, fmt.Errorf("resolve: writing IAT slot for %s!%s in %s: %w", depName, th.Name, m.Name, err)
			}
			anyWritten = true
		}
	}
	return anyWritten, nil
}

// ResolveSymbol resolves name against mod's exports the same way IAT
// population does: following forwarder chains (loading targets through
// loader as needed) and consulting the redirection shim on the module the
// chain finally lands on. The GetProcAddress substitute uses it so a
// looked-up address always equals what an importer's IAT slot would hold.
func (r *Resolver) ResolveSymbol(mod *registry.Module, name string, loader Loader) (uintptr, error) {
	return r.resolveSymbol(mod, name, loader, 0)
}

// resolveSymbol resolves name against mod's exports, following forwarder
// chains, and applies the redirection shim to whichever module and symbol
// the chain finally lands on.
func (r *Resolver) resolveSymbol(mod *registry.Module, name string, loader Loader, depth int) (uintptr, error) {
	if depth > maxForwarderChainDepth {
		return 0, fmt.Errorf("%w: %s!%s", ErrForwarderChainTooDeep, mod.Name, name)
	}

	res, ok, err := mod.Image.ExportByName(name)
	if err != nil {
		return 0, fmt.Errorf("export lookup in %s: %w", mod.Name, err)
	}
	if !ok {
		return 0, fmt.Errorf("%w: %s!%s", ErrSymbolNotFound, mod.Name, name)
	}

	if res.IsForwarder() {
		targetDLL, targetSymbol, err := pe.ParseForwarder(res.Forwarder)
		if err != nil {
			return 0, fmt.Errorf("forwarder from %s!%s: %w", mod.Name, name, err)
		}
		target, err := loader.EnsureLoaded(targetDLL)
		if err != nil {
			return 0, fmt.Errorf("loading forwarder target %s: %w", targetDLL, err)
		}
		return r.resolveSymbol(target, targetSymbol, loader, depth+1)
	}

	if r.shim != nil {
		if sub, ok := r.shim.LookupByModuleName(mod.Name, name); ok {
			return uintptr(sub), nil
		}
	}
	return mod.Base + uintptr(res.RVA), nil
}

// writeIAT patches the IAT slot at m.Base+thunkRVA, flipping page
// protection around the write. IAT entries are native pointer width: 4
// bytes in a PE32 image, 8 in PE32+.
func (r *Resolver) writeIAT(m *registry.Module, thunkRVA uint32, addr uintptr) error {
	slot := m.Base + uintptr(thunkRVA)
	slotSize := uintptr(4)
	if m.Image.Is64() {
		slotSize = 8
	}

	restore, err := r.prot.MakeWritable(slot, slotSize)
	if err != nil {
		return fmt.Errorf("protect: %w", err)
	}
	defer func() {
		if restore != nil {
			_ = restore()
		}
	}()

	writeIATSlot(slot, addr, slotSize)
	return nil
}
