// Copyright the privldr authors. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

// Package loader is the lifecycle driver: the public surface (Init,
// Shutdown, Load, Unload, ThreadAttach, ThreadDetach, Contains) that wires
// the mapper, registry, resolver and redirection shim together behind one
// recursive loader lock. The lock must be recursive because resolving a
// module's imports runs its entry point, which may call straight back into
// the loader through a redirected routine.
package loader

import (
	"fmt"
	"path/filepath"

	"github.com/shadowveil/privldr/fls"
	"github.com/shadowveil/privldr/internal/recursive"
	"github.com/shadowveil/privldr/mapper"
	"github.com/shadowveil/privldr/pe"
	"github.com/shadowveil/privldr/redirect"
	"github.com/shadowveil/privldr/registry"
	"github.com/shadowveil/privldr/resolve"
	"github.com/shadowveil/privldr/searchpath"
	"github.com/shadowveil/privldr/xlog"
)

// DLL entry-point reason codes, the DLL_PROCESS_ATTACH family DllMain
// receives as its second argument.
const (
	reasonProcessDetach uintptr = 0
	reasonProcessAttach uintptr = 1
	reasonThreadAttach  uintptr = 2
	reasonThreadDetach  uintptr = 3
)

// EntryInvoker calls a module's DllMain-shaped entry point with the given
// reason code, reporting whether it signaled success (return value != 0 for
// PROCESS_ATTACH; detach/thread calls have no meaningful return value but
// still go through the same shape). See entryinvoker_windows.go for the
// real implementation.
type EntryInvoker interface {
	CallEntry(entry, codeBase, reason uintptr) (success bool, err error)
}

// HostModule describes an already-mapped module the host process owns
// (ntdll, the runtime's own image, user32 if present) that Init registers
// as externally loaded: referenced by the registry for Contains/
// GetModuleHandleA purposes, but never unmapped, relocated, or entered.
type HostModule struct {
	Name string
	Base uintptr
	Size uintptr
}

// ClientModule describes a module mapped during the bootstrap window,
// before the loader's own allocator came up: reserved on the static
// bootstrap table, then migrated into the registry and finalized (import
// resolution + PROCESS_ATTACH) once Init runs. Path, when
// set, is the full path the library was mapped from; its directory is
// recorded as a search-path prefix so the library's transitive dependencies
// can later be found alongside it.
type ClientModule struct {
	Name  string
	Path  string
	Base  uintptr
	Size  uintptr
	Image *pe.Image
}

// Config bundles every collaborator the driver needs. All fields are
// required except Log (a nil *xlog.Logger discards everything), TrackCode
// (no runtime to notify) and MaxLoadDepth (0 means defaultMaxLoadDepth).
type Config struct {
	Log          *xlog.Logger
	Mapper       mapper.Mapper
	SearchPath   *searchpath.Resolver
	EntryInvoker EntryInvoker
	Protector    resolve.Protector

	// TrackCode, when set, is forwarded to the redirection shim: the FlsAlloc
	// substitute calls it for each callback registered from inside a private
	// library, so the host runtime can mark that address as tracked code.
	TrackCode func(addr uintptr)

	// MaxLoadDepth bounds the dependency-chain recursion of Load. A chain
	// longer than this fails with ErrLoadChainTooDeep instead of descending
	// further; genuine import cycles terminate earlier anyway (a module is
	// registered before its imports resolve), so only a pathological chain
	// ever gets near the bound.
	MaxLoadDepth int
}

// defaultMaxLoadDepth is the sanity bound on dependency-chain length when
// Config.MaxLoadDepth is zero.
const defaultMaxLoadDepth = 10

// Driver is the lifecycle driver. The zero value is not usable; use New.
type Driver struct {
	mu recursive.Mutex

	cfg Config

	reg       *registry.Registry
	bootstrap registry.BootstrapTable
	shim      *redirect.Shim
	resolver  *resolve.Resolver
	fls       *fls.Trampoline

	loadDepth     int
	allocatorLive bool
	shutdownDone  bool
}

// New constructs a Driver. It does not touch the registry or any OS state;
// call Init before Load.
func New(cfg Config) *Driver {
	reg := registry.New()
	shim := redirect.NewShim(reg)
	if cfg.TrackCode != nil {
		shim.SetCodeTracker(cfg.TrackCode)
	}
	if cfg.MaxLoadDepth == 0 {
		cfg.MaxLoadDepth = defaultMaxLoadDepth
	}
	d := &Driver{
		cfg:      cfg,
		reg:      reg,
		shim:     shim,
		resolver: resolve.New(shim, cfg.Protector),
		fls:      shim.FLS(),
	}
	shim.SetExportResolver(d)
	shim.SetLocker(&d.mu)
	return d
}

// Init registers the already-mapped host dependencies as externally
// loaded, then migrates every bootstrap-time client module into the
// registry and finalizes it (resolves its imports, calls its entry point
// with PROCESS_ATTACH). After Init returns, the bootstrap table is empty
// and every future Load goes through the normal heap-backed path.
func (d *Driver) Init(hostModules []HostModule, clientModules []ClientModule) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, h := range hostModules {
		m, err := d.reg.Insert(nil, h.Base, h.Size, h.Name)
		if err != nil {
			return fmt.Errorf("loader: registering host module %s: %w", h.Name, err)
		}
		m.ExternallyLoaded = true
		d.cfg.Log.Verbosef("registered externally-loaded host module %s at %#x", h.Name, h.Base)
	}

	for _, c := range clientModules {
		if err := d.bootstrap.Reserve(c.Base, c.Size, c.Name); err != nil {
			return fmt.Errorf("%w: %s", ErrResourceExhaustion, c.Name)
		}
		if c.Path != "" {
			if err := d.cfg.SearchPath.AddClientDir(filepath.Dir(c.Path)); err != nil {
				return fmt.Errorf("%w: recording search dir for %s", ErrResourceExhaustion, c.Name)
			}
		}
	}

	if err := d.bootstrap.Migrate(d.reg); err != nil {
		return fmt.Errorf("loader: migrating bootstrap table: %w", err)
	}
	d.allocatorLive = true

	for _, c := range clientModules {
		m := d.reg.LookupByName(c.Name)
		if m == nil {
			return fmt.Errorf("loader: bootstrap module %s vanished during migration", c.Name)
		}
		m.AttachImage(c.Image)
		if err := d.finalize(m); err != nil {
			return fmt.Errorf("loader: finalizing bootstrap module %s: %w", c.Name, err)
		}
		d.cfg.Log.Verbosef("finalized bootstrap client module %s at %#x", c.Name, c.Base)
	}

	return nil
}

// Shutdown repeatedly unloads the head of the registry until it is empty;
// head-first means every dependent goes before its dependencies. It does
// not touch the FLS list: registrations stay for the life of the process
// (the trampoline cannot tell a thread-exit invocation from an explicit
// free, so entries are never removed), and the Trampoline simply becomes
// unreachable along with the rest of the Driver once the caller drops it.
// Calling Shutdown more than once is an error.
func (d *Driver) Shutdown() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.shutdownDone {
		return ErrAlreadyShutdown
	}

	for {
		head := d.firstModule()
		if head == nil {
			break
		}
		if err := d.unloadLocked(head); err != nil {
			return fmt.Errorf("loader: shutdown: unloading %s: %w", head.Name, err)
		}
	}
	d.shutdownDone = true
	return nil
}

func (d *Driver) firstModule() *registry.Module {
	var first *registry.Module
	d.reg.Each(func(m *registry.Module) bool {
		first = m
		return false
	})
	return first
}

// Load brings a library in by short file name: if a module by that name
// is already registered, its ref count is bumped and its base
// returned; otherwise it is located, mapped, inserted and finalized. Any
// failure along the way unloads whatever partial state was created and
// returns an error instead of a null base.
func (d *Driver) Load(name string) (uintptr, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.allocatorLive {
		return 0, ErrNotInitialized
	}
	m, err := d.loadModule(name)
	if err != nil {
		return 0, err
	}
	return m.Base, nil
}

// EnsureLoaded implements resolve.Loader so the import resolver can recurse
// back into the driver for transitive dependencies without an import cycle.
// It must only ever be called while the caller already holds d.mu (the
// resolver runs inside loadModule/finalize); the loader lock is recursive
// precisely so this reentry is safe.
func (d *Driver) EnsureLoaded(name string) (*registry.Module, error) {
	return d.loadModule(name)
}

// ResolveExport implements redirect.ExportResolver: the GetProcAddress
// substitute hands a private module and a symbol name here so forwarder
// chains are followed through the private registry exactly the way IAT
// population follows them, redirection applied at the final link. A
// forwarder target that is not yet loaded gets loaded as a side effect,
// which is why the loader lock is taken.
func (d *Driver) ResolveExport(m *registry.Module, symbol string) (uintptr, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.resolver.ResolveSymbol(m, symbol, d)
}

func (d *Driver) loadModule(name string) (*registry.Module, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if m := d.reg.LookupByName(name); m != nil {
		m.IncRef()
		return m, nil
	}

	// Genuine cycles terminate above (the peer is already registered by the
	// time its importer recurses back around); a chain that reaches this
	// bound is malformed input, not a legal dependency graph.
	d.loadDepth++
	defer func() { d.loadDepth-- }()
	if d.loadDepth > d.cfg.MaxLoadDepth {
		return nil, fmt.Errorf("%w: at %s (depth %d)", ErrLoadChainTooDeep, name, d.loadDepth)
	}

	path, err := d.cfg.SearchPath.Resolve(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrFileNotFound, name)
	}

	mapping, err := d.cfg.Mapper.Map(path)
	if err != nil {
		return nil, fmt.Errorf("loader: mapping %s: %w", name, err)
	}

	// Insert appends at the tail rather than displacing the head: a
	// dependency loaded here (recursively, from ResolveImports) must land
	// after the module that is importing it, keeping the list in
	// reverse-dependency order (dependents before dependencies).
	m, err := d.reg.Insert(d.reg.Tail(), mapping.Base, mapping.Size, name)
	if err != nil {
		_ = d.cfg.Mapper.Unmap(mapping)
		return nil, fmt.Errorf("loader: registering %s: %w", name, err)
	}
	m.AttachImage(mapping.Image)

	if err := d.finalize(m); err != nil {
		d.reg.Remove(m)
		_ = d.cfg.Mapper.Unmap(mapping)
		return nil, fmt.Errorf("loader: finalizing %s: %w", name, err)
	}
	d.cfg.Log.Verbosef("loaded %s at %#x", name, m.Base)
	return m, nil
}

// finalize resolves m's imports and calls its entry point with
// PROCESS_ATTACH. Insert already added m to the area index, so nothing is
// left to do for that part of the finalize phase here.
func (d *Driver) finalize(m *registry.Module) error {
	anyWritten, err := d.resolver.ResolveImports(m, d)
	if err != nil {
		return fmt.Errorf("resolving imports: %w (any IAT entries written: %v)", err, anyWritten)
	}

	entryRVA := m.Image.NTHeaders().AddressOfEntryPoint()
	if entryRVA == 0 {
		return nil
	}
	entry := m.Base + uintptr(entryRVA)
	success, err := d.cfg.EntryInvoker.CallEntry(entry, m.Base, reasonProcessAttach)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrEntryPointFailure, m.Name, err)
	}
	if !success {
		return fmt.Errorf("%w: %s", ErrEntryPointFailure, m.Name)
	}
	return nil
}

// Unload decrements the ref count of the module at base; at zero, it calls
// the entry point with PROCESS_DETACH, releases the module's own imports
// (recursively dropping their ref counts), unlinks it from the registry
// and unmaps it. Externally-loaded modules are never unmapped or entered
// regardless of ref count.
func (d *Driver) Unload(base uintptr) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	m := d.reg.LookupByBase(base)
	if m == nil {
		return false, ErrNotLoaded
	}
	if m.DecRef() > 0 {
		return false, nil
	}
	if err := d.unloadLocked(m); err != nil {
		return false, err
	}
	return true, nil
}

// unloadLocked does the actual teardown once a module's ref count no
// longer keeps it alive. Caller holds d.mu.
func (d *Driver) unloadLocked(m *registry.Module) error {
	if m.ExternallyLoaded {
		d.reg.Remove(m)
		return nil
	}

	if m.Image != nil {
		entryRVA := m.Image.NTHeaders().AddressOfEntryPoint()
		if entryRVA != 0 {
			entry := m.Base + uintptr(entryRVA)
			if _, err := d.cfg.EntryInvoker.CallEntry(entry, m.Base, reasonProcessDetach); err != nil {
				d.cfg.Log.Errorf("entry point detach call failed for %s: %v", m.Name, err)
			}
		}
		d.releaseImports(m)
	}

	var mapping mapper.Mapping
	mapping.Base, mapping.Size = m.Base, m.Size
	d.reg.Remove(m)
	if err := d.cfg.Mapper.Unmap(&mapping); err != nil {
		return fmt.Errorf("unmapping %s: %w", m.Name, err)
	}
	return nil
}

// releaseImports drops one reference from every module m imports,
// recursively unloading any dependency that reaches zero in the process.
func (d *Driver) releaseImports(m *registry.Module) {
	descs, err := m.Image.ImportDescriptors()
	if err != nil {
		d.cfg.Log.Errorf("reading import directory of %s during unload: %v", m.Name, err)
		return
	}
	for _, desc := range descs {
		name, err := m.Image.ImportName(desc)
		if err != nil {
			continue
		}
		dep := d.reg.LookupByName(name)
		if dep == nil {
			continue
		}
		if dep.DecRef() == 0 {
			if err := d.unloadLocked(dep); err != nil {
				d.cfg.Log.Errorf("unloading dependency %s of %s: %v", name, m.Name, err)
			}
		}
	}
}

// ThreadAttach calls every non-externally-loaded module's entry point with
// THREAD_ATTACH, walking the registry in forward list order: a module's
// dependencies are signaled after it, never torn out from under it.
func (d *Driver) ThreadAttach() {
	d.callAllEntries(reasonThreadAttach)
}

// ThreadDetach calls every non-externally-loaded module's entry point with
// THREAD_DETACH, in the same forward list order as ThreadAttach — not
// reversed. The usual convention detaches in reverse, but nothing a
// detach handler may legally do depends on its importers still being
// signaled, and a single traversal direction keeps attach and detach
// symmetric. See DESIGN.md for the ordering discussion.
func (d *Driver) ThreadDetach() {
	d.callAllEntries(reasonThreadDetach)
}

func (d *Driver) callAllEntries(reason uintptr) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reg.Each(func(m *registry.Module) bool {
		if m.ExternallyLoaded || m.Image == nil {
			return true
		}
		entryRVA := m.Image.NTHeaders().AddressOfEntryPoint()
		if entryRVA == 0 {
			return true
		}
		entry := m.Base + uintptr(entryRVA)
		if _, err := d.cfg.EntryInvoker.CallEntry(entry, m.Base, reason); err != nil {
			d.cfg.Log.Errorf("thread notification failed for %s: %v", m.Name, err)
		}
		return true
	})
}

// Contains reports whether p falls inside any private module's mapped
// range. It takes the loader lock like every other operation: the area
// index's btree is mutated by Load/Unload, so an unsynchronized read would
// race them. The lock is recursive, so calling Contains from inside a
// redirected routine that already holds it is fine.
func (d *Driver) Contains(p uintptr) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.reg.Contains(p)
}

// HandleCallback is the hook the execution engine consults before running
// code at pc: if pc is an FLS callback a private library registered through
// the FlsAlloc substitute, the callback is invoked natively (via invoke,
// normally fls.NativeInvoker) with arg and handled is true; otherwise
// handled is false and the engine proceeds on its own. Reading arg and the
// return address out of the interrupted context, and steering execution to
// that return address afterwards, are the engine's side of the contract.
func (d *Driver) HandleCallback(pc, arg uintptr, invoke fls.Invoker) (handled bool, ret uintptr) {
	return d.fls.Dispatch(pc, arg, invoke)
}
