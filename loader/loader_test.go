// Copyright the privldr authors. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package loader

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"unsafe"

	"github.com/shadowveil/privldr/mapper"
	"github.com/shadowveil/privldr/pe"
	"github.com/shadowveil/privldr/searchpath"
	"github.com/shadowveil/privldr/xlog"
)

// buildDep returns a minimal PE32+ image (ModeMapped: RVA == byte offset)
// exporting symName at codeRVA, with an optional entry point (entryRVA == 0
// means no entry point).
func buildDep(t *testing.T, symName string, codeRVA, entryRVA uint32) []byte {
	t.Helper()
	const (
		exportDirRVA = 0x300
		bufSize      = 0x3000
	)
	buf := make([]byte, bufSize)
	binary.LittleEndian.PutUint16(buf[0:2], pe.ImageDOSSignature)
	binary.LittleEndian.PutUint32(buf[0x3c:0x40], 0x40)

	var opt pe.OptionalHeader64
	opt.Magic = pe.ImageNtOptionalHeader64Magic
	opt.ImageBase = 0x180000000
	opt.SectionAlignment = 0x1000
	opt.FileAlignment = 0x200
	opt.SizeOfImage = bufSize
	opt.SizeOfHeaders = 0x200
	opt.AddressOfEntryPoint = entryRVA
	opt.NumberOfRvaAndSizes = pe.ImageNumberOfDirectoryEntries
	opt.DataDirectory[pe.ImageDirectoryEntryExport] = pe.DataDirectory{VirtualAddress: exportDirRVA, Size: 0x30}

	writeHeaders(buf, opt)

	putStr := func(off int, s string) { copy(buf[off:], s); buf[off+len(s)] = 0 }
	const (
		nameRVA     = 0x340
		ownNameRVA  = 0x360
		funcsRVA    = exportDirRVA + 40
		namesRVA    = funcsRVA + 4
		ordinalsRVA = namesRVA + 4
	)
	putStr(nameRVA, symName)
	putStr(ownNameRVA, "dep.dll")

	var ed pe.ExportDirectory
	ed.Name = ownNameRVA
	ed.Base = 1
	ed.NumberOfFunctions = 1
	ed.NumberOfNames = 1
	ed.AddressOfFunctions = funcsRVA
	ed.AddressOfNames = namesRVA
	ed.AddressOfNameOrdinals = ordinalsRVA
	var edBuf bytes.Buffer
	binary.Write(&edBuf, binary.LittleEndian, ed)
	copy(buf[exportDirRVA:], edBuf.Bytes())

	binary.LittleEndian.PutUint32(buf[funcsRVA:], codeRVA)
	binary.LittleEndian.PutUint32(buf[namesRVA:], nameRVA)
	binary.LittleEndian.PutUint16(buf[ordinalsRVA:], 0)

	return buf
}

// buildRoot returns a minimal PE32+ image with one import descriptor
// (depName!symName) and an optional entry point.
func buildRoot(t *testing.T, depName, symName string, entryRVA uint32) []byte {
	t.Helper()
	const (
		importDirRVA = 0x400
		bufSize      = 0x3000
	)
	buf := make([]byte, bufSize)
	binary.LittleEndian.PutUint16(buf[0:2], pe.ImageDOSSignature)
	binary.LittleEndian.PutUint32(buf[0x3c:0x40], 0x40)

	var opt pe.OptionalHeader64
	opt.Magic = pe.ImageNtOptionalHeader64Magic
	opt.ImageBase = 0x180000000
	opt.SectionAlignment = 0x1000
	opt.FileAlignment = 0x200
	opt.SizeOfImage = bufSize
	opt.SizeOfHeaders = 0x200
	opt.AddressOfEntryPoint = entryRVA
	opt.NumberOfRvaAndSizes = pe.ImageNumberOfDirectoryEntries
	opt.DataDirectory[pe.ImageDirectoryEntryImport] = pe.DataDirectory{VirtualAddress: importDirRVA, Size: 40}

	writeHeaders(buf, opt)

	putStr := func(off int, s string) { copy(buf[off:], s); buf[off+len(s)] = 0 }
	const (
		dllNameRVA   = 0x440
		funcNameRVA  = 0x4A0
		origThunkRVA = 0x460
		iatRVA       = 0x480
	)
	putStr(dllNameRVA, depName)
	binary.LittleEndian.PutUint16(buf[funcNameRVA:], 0)
	putStr(funcNameRVA+2, symName)

	var desc pe.ImportDescriptor
	desc.OriginalFirstThunk = origThunkRVA
	desc.Name = dllNameRVA
	desc.FirstThunk = iatRVA
	var descBuf bytes.Buffer
	binary.Write(&descBuf, binary.LittleEndian, desc)
	copy(buf[importDirRVA:], descBuf.Bytes())

	binary.LittleEndian.PutUint64(buf[origThunkRVA:], uint64(funcNameRVA))
	binary.LittleEndian.PutUint64(buf[iatRVA:], uint64(funcNameRVA))

	return buf
}

// buildFwd returns a minimal PE32+ image whose only export, exportSym, is a
// forwarder to forwardTo ("TargetNoExt.TargetSymbol"). The forwarder string
// lives inside the export directory's declared span, which is what marks an
// exported RVA as a forwarder rather than code.
func buildFwd(t *testing.T, exportSym, forwardTo string) []byte {
	t.Helper()
	const (
		exportDirRVA = 0x300
		bufSize      = 0x3000
	)
	buf := make([]byte, bufSize)
	binary.LittleEndian.PutUint16(buf[0:2], pe.ImageDOSSignature)
	binary.LittleEndian.PutUint32(buf[0x3c:0x40], 0x40)

	var opt pe.OptionalHeader64
	opt.Magic = pe.ImageNtOptionalHeader64Magic
	opt.ImageBase = 0x180000000
	opt.SectionAlignment = 0x1000
	opt.FileAlignment = 0x200
	opt.SizeOfImage = bufSize
	opt.SizeOfHeaders = 0x200
	opt.NumberOfRvaAndSizes = pe.ImageNumberOfDirectoryEntries
	opt.DataDirectory[pe.ImageDirectoryEntryExport] = pe.DataDirectory{VirtualAddress: exportDirRVA, Size: 0x80}

	writeHeaders(buf, opt)

	putStr := func(off int, s string) { copy(buf[off:], s); buf[off+len(s)] = 0 }
	const (
		funcsRVA    = exportDirRVA + 40
		namesRVA    = funcsRVA + 4
		ordinalsRVA = namesRVA + 4
		fwdStrRVA   = 0x350 // inside [exportDirRVA, exportDirRVA+0x80)
		nameRVA     = 0x390
		ownNameRVA  = 0x3B0
	)
	putStr(fwdStrRVA, forwardTo)
	putStr(nameRVA, exportSym)
	putStr(ownNameRVA, "chain.dll")

	var ed pe.ExportDirectory
	ed.Name = ownNameRVA
	ed.Base = 1
	ed.NumberOfFunctions = 1
	ed.NumberOfNames = 1
	ed.AddressOfFunctions = funcsRVA
	ed.AddressOfNames = namesRVA
	ed.AddressOfNameOrdinals = ordinalsRVA
	var edBuf bytes.Buffer
	binary.Write(&edBuf, binary.LittleEndian, ed)
	copy(buf[exportDirRVA:], edBuf.Bytes())

	binary.LittleEndian.PutUint32(buf[funcsRVA:], fwdStrRVA)
	binary.LittleEndian.PutUint32(buf[namesRVA:], nameRVA)
	binary.LittleEndian.PutUint16(buf[ordinalsRVA:], 0)

	return buf
}

// buildDual returns a PE32+ image that both exports exportSym at codeRVA and
// imports depName!depSym, for building import cycles and long chains.
func buildDual(t *testing.T, exportSym string, codeRVA uint32, depName, depSym string) []byte {
	t.Helper()
	const (
		exportDirRVA = 0x300
		importDirRVA = 0x400
		bufSize      = 0x3000
	)
	buf := make([]byte, bufSize)
	binary.LittleEndian.PutUint16(buf[0:2], pe.ImageDOSSignature)
	binary.LittleEndian.PutUint32(buf[0x3c:0x40], 0x40)

	var opt pe.OptionalHeader64
	opt.Magic = pe.ImageNtOptionalHeader64Magic
	opt.ImageBase = 0x180000000
	opt.SectionAlignment = 0x1000
	opt.FileAlignment = 0x200
	opt.SizeOfImage = bufSize
	opt.SizeOfHeaders = 0x200
	opt.NumberOfRvaAndSizes = pe.ImageNumberOfDirectoryEntries
	opt.DataDirectory[pe.ImageDirectoryEntryExport] = pe.DataDirectory{VirtualAddress: exportDirRVA, Size: 0x30}
	opt.DataDirectory[pe.ImageDirectoryEntryImport] = pe.DataDirectory{VirtualAddress: importDirRVA, Size: 40}

	writeHeaders(buf, opt)

	putStr := func(off int, s string) { copy(buf[off:], s); buf[off+len(s)] = 0 }
	const (
		expNameRVA  = 0x340
		ownNameRVA  = 0x360
		funcsRVA    = exportDirRVA + 40
		namesRVA    = funcsRVA + 4
		ordinalsRVA = namesRVA + 4

		dllNameRVA   = 0x440
		origThunkRVA = 0x460
		iatRVA       = 0x480
		funcNameRVA  = 0x4A0
	)
	putStr(expNameRVA, exportSym)
	putStr(ownNameRVA, "dual.dll")

	var ed pe.ExportDirectory
	ed.Name = ownNameRVA
	ed.Base = 1
	ed.NumberOfFunctions = 1
	ed.NumberOfNames = 1
	ed.AddressOfFunctions = funcsRVA
	ed.AddressOfNames = namesRVA
	ed.AddressOfNameOrdinals = ordinalsRVA
	var edBuf bytes.Buffer
	binary.Write(&edBuf, binary.LittleEndian, ed)
	copy(buf[exportDirRVA:], edBuf.Bytes())

	binary.LittleEndian.PutUint32(buf[funcsRVA:], codeRVA)
	binary.LittleEndian.PutUint32(buf[namesRVA:], expNameRVA)
	binary.LittleEndian.PutUint16(buf[ordinalsRVA:], 0)

	putStr(dllNameRVA, depName)
	binary.LittleEndian.PutUint16(buf[funcNameRVA:], 0)
	putStr(funcNameRVA+2, depSym)

	var desc pe.ImportDescriptor
	desc.OriginalFirstThunk = origThunkRVA
	desc.Name = dllNameRVA
	desc.FirstThunk = iatRVA
	var descBuf bytes.Buffer
	binary.Write(&descBuf, binary.LittleEndian, desc)
	copy(buf[importDirRVA:], descBuf.Bytes())

	binary.LittleEndian.PutUint64(buf[origThunkRVA:], uint64(funcNameRVA))
	binary.LittleEndian.PutUint64(buf[iatRVA:], uint64(funcNameRVA))

	return buf
}

func writeHeaders(buf []byte, opt pe.OptionalHeader64) {
	var optBuf bytes.Buffer
	binary.Write(&optBuf, binary.LittleEndian, opt)
	fh := pe.FileHeader{
		Machine:              pe.ImageFileMachineAMD64,
		SizeOfOptionalHeader: uint16(optBuf.Len()),
		Characteristics:      pe.ImageFileDLL,
	}
	var hdr bytes.Buffer
	binary.Write(&hdr, binary.LittleEndian, uint32(pe.ImageNTSignature))
	binary.Write(&hdr, binary.LittleEndian, fh)
	hdr.Write(optBuf.Bytes())
	copy(buf[0x40:], hdr.Bytes())
}

// fileMapper maps by reading the whole file into memory and parsing it
// ModeMapped (RVA == byte offset), which is how the portable test images
// above are laid out. It never actually calls into the Windows mapping
// APIs the real mapper.Mapper implementations use.
type fileMapper struct{}

func (fileMapper) Map(path string) (*mapper.Mapping, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	img, err := pe.New(data, pe.ModeMapped)
	if err != nil {
		return nil, fmt.Errorf("fileMapper: %s: %w", path, err)
	}
	return &mapper.Mapping{
		Base:  uintptr(unsafe.Pointer(&data[0])),
		Size:  uintptr(len(data)),
		Image: img,
	}, nil
}

func (fileMapper) Unmap(m *mapper.Mapping) error { return nil }

// noopProtector pretends every page is already writable.
type noopProtector struct{}

func (noopProtector) MakeWritable(addr, size uintptr) (func() error, error) {
	return func() error { return nil }, nil
}

type entryCall struct {
	codeBase uintptr
	reason   uintptr
}

// recordingInvoker records every CallEntry invocation, in order, and always
// reports success.
type recordingInvoker struct {
	calls []entryCall
}

func (r *recordingInvoker) CallEntry(entry, codeBase, reason uintptr) (bool, error) {
	r.calls = append(r.calls, entryCall{codeBase: codeBase, reason: reason})
	return true, nil
}

func newTestDriver(t *testing.T, dir string, invoker *recordingInvoker) *Driver {
	t.Helper()
	sp := searchpath.New("")
	if err := sp.AddClientDir(dir); err != nil {
		t.Fatalf("AddClientDir: %v", err)
	}
	return New(Config{
		Log:          xlog.New(xlog.LevelSilent, ""),
		Mapper:       fileMapper{},
		SearchPath:   sp,
		EntryInvoker: invoker,
		Protector:    noopProtector{},
	})
}

func writeModule(t *testing.T, dir, name string, data []byte) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
		t.Fatalf("writing %s: %v", name, err)
	}
}

func TestLoadResolvesDependencyAndRunsEntriesDepFirst(t *testing.T) {
	dir := t.TempDir()
	writeModule(t, dir, "dep.dll", buildDep(t, "Foo", 0x1000, 0x1100))
	writeModule(t, dir, "root.dll", buildRoot(t, "dep.dll", "Foo", 0x1200))

	invoker := &recordingInvoker{}
	d := newTestDriver(t, dir, invoker)
	if err := d.Init(nil, nil); err != nil {
		t.Fatalf("Init: %v", err)
	}

	base, err := d.Load("root.dll")
	if err != nil {
		t.Fatalf("Load(root.dll): %v", err)
	}
	if base == 0 {
		t.Fatalf("Load returned a zero base")
	}

	if len(invoker.calls) != 2 {
		t.Fatalf("got %d entry calls, want 2: %+v", len(invoker.calls), invoker.calls)
	}
	if invoker.calls[0].reason != reasonProcessAttach || invoker.calls[1].reason != reasonProcessAttach {
		t.Fatalf("expected both calls to be PROCESS_ATTACH, got %+v", invoker.calls)
	}
	// dep.dll's entry point must run before root.dll's, since resolving
	// root's import recurses into loading (and finalizing) dep first.
	if invoker.calls[0].codeBase == base {
		t.Fatalf("dep's entry ran after root's; want dep first")
	}

	if !d.Contains(base) {
		t.Fatalf("Contains(%#x) = false after Load", base)
	}

	root := d.reg.LookupByName("root.dll")
	dep := d.reg.LookupByName("dep.dll")
	if root == nil || dep == nil {
		t.Fatalf("expected both modules registered, got root=%v dep=%v", root, dep)
	}
	if dep.RefCount != 1 {
		t.Fatalf("dep.RefCount = %d, want 1", dep.RefCount)
	}
}

func TestLoadIsRefCounted(t *testing.T) {
	dir := t.TempDir()
	writeModule(t, dir, "dep.dll", buildDep(t, "Foo", 0x1000, 0))

	invoker := &recordingInvoker{}
	d := newTestDriver(t, dir, invoker)
	if err := d.Init(nil, nil); err != nil {
		t.Fatalf("Init: %v", err)
	}

	base1, err := d.Load("dep.dll")
	if err != nil {
		t.Fatalf("first Load: %v", err)
	}
	base2, err := d.Load("dep.dll")
	if err != nil {
		t.Fatalf("second Load: %v", err)
	}
	if base1 != base2 {
		t.Fatalf("Load(dep.dll) returned different bases: %#x vs %#x", base1, base2)
	}

	m := d.reg.LookupByName("dep.dll")
	if m.RefCount != 2 {
		t.Fatalf("RefCount = %d, want 2", m.RefCount)
	}

	unloaded, err := d.Unload(base1)
	if err != nil {
		t.Fatalf("Unload: %v", err)
	}
	if unloaded {
		t.Fatalf("Unload reported fully unloaded after dropping only one of two references")
	}
	if m.RefCount != 1 {
		t.Fatalf("RefCount after one Unload = %d, want 1", m.RefCount)
	}

	unloaded, err = d.Unload(base1)
	if err != nil {
		t.Fatalf("second Unload: %v", err)
	}
	if !unloaded {
		t.Fatalf("Unload did not report unloaded at ref count zero")
	}
	if d.reg.LookupByName("dep.dll") != nil {
		t.Fatalf("dep.dll still registered after its ref count reached zero")
	}
}

func TestUnloadRunsProcessDetachAndReleasesDependency(t *testing.T) {
	dir := t.TempDir()
	writeModule(t, dir, "dep.dll", buildDep(t, "Foo", 0x1000, 0x1100))
	writeModule(t, dir, "root.dll", buildRoot(t, "dep.dll", "Foo", 0x1200))

	invoker := &recordingInvoker{}
	d := newTestDriver(t, dir, invoker)
	if err := d.Init(nil, nil); err != nil {
		t.Fatalf("Init: %v", err)
	}
	base, err := d.Load("root.dll")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	invoker.calls = nil // only care about detach-phase calls from here on

	unloaded, err := d.Unload(base)
	if err != nil {
		t.Fatalf("Unload: %v", err)
	}
	if !unloaded {
		t.Fatalf("expected root.dll to fully unload")
	}
	if d.reg.LookupByName("root.dll") != nil {
		t.Fatalf("root.dll still registered after Unload")
	}
	if d.reg.LookupByName("dep.dll") != nil {
		t.Fatalf("dep.dll still registered after its only referrer unloaded")
	}
	if len(invoker.calls) != 2 {
		t.Fatalf("got %d detach-phase entry calls, want 2: %+v", len(invoker.calls), invoker.calls)
	}
	for _, c := range invoker.calls {
		if c.reason != reasonProcessDetach {
			t.Fatalf("expected PROCESS_DETACH, got reason %d", c.reason)
		}
	}
}

func TestInitRegistersHostModulesAsExternallyLoaded(t *testing.T) {
	dir := t.TempDir()
	invoker := &recordingInvoker{}
	d := newTestDriver(t, dir, invoker)

	host := HostModule{Name: "ntdll.dll", Base: 0x7ff000000000, Size: 0x100000}
	if err := d.Init([]HostModule{host}, nil); err != nil {
		t.Fatalf("Init: %v", err)
	}

	if !d.Contains(host.Base + 0x10) {
		t.Fatalf("Contains() = false for an address inside the host module's range")
	}
	m := d.reg.LookupByName("ntdll.dll")
	if m == nil || !m.ExternallyLoaded {
		t.Fatalf("ntdll.dll not registered as externally loaded: %+v", m)
	}

	unloaded, err := d.Unload(host.Base)
	if err != nil {
		t.Fatalf("Unload(host): %v", err)
	}
	if !unloaded {
		t.Fatalf("expected host module to report unloaded")
	}
	if len(invoker.calls) != 0 {
		t.Fatalf("entry point was invoked for an externally-loaded module: %+v", invoker.calls)
	}
}

func TestShutdownUnloadsEverythingAndRejectsSecondCall(t *testing.T) {
	dir := t.TempDir()
	writeModule(t, dir, "dep.dll", buildDep(t, "Foo", 0x1000, 0x1100))
	writeModule(t, dir, "root.dll", buildRoot(t, "dep.dll", "Foo", 0x1200))

	invoker := &recordingInvoker{}
	d := newTestDriver(t, dir, invoker)
	if err := d.Init(nil, nil); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if _, err := d.Load("root.dll"); err != nil {
		t.Fatalf("Load: %v", err)
	}

	if err := d.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if d.reg.Len() != 0 {
		t.Fatalf("registry has %d modules left after Shutdown, want 0", d.reg.Len())
	}

	if err := d.Shutdown(); err != ErrAlreadyShutdown {
		t.Fatalf("second Shutdown() = %v, want ErrAlreadyShutdown", err)
	}
}

func TestCyclicImportsTerminate(t *testing.T) {
	dir := t.TempDir()
	writeModule(t, dir, "a.dll", buildDual(t, "SymA", 0x1000, "b.dll", "SymB"))
	writeModule(t, dir, "b.dll", buildDual(t, "SymB", 0x1000, "a.dll", "SymA"))

	invoker := &recordingInvoker{}
	d := newTestDriver(t, dir, invoker)
	if err := d.Init(nil, nil); err != nil {
		t.Fatalf("Init: %v", err)
	}

	// a imports b, b imports a. The cycle terminates because a is already
	// registered by the time b's resolver recurses back around to it.
	if _, err := d.Load("a.dll"); err != nil {
		t.Fatalf("Load(a.dll) with a cyclic dependency: %v", err)
	}

	a := d.reg.LookupByName("a.dll")
	b := d.reg.LookupByName("b.dll")
	if a == nil || b == nil {
		t.Fatalf("cycle members missing from registry: a=%v b=%v", a, b)
	}
	// a holds the external Load reference plus b's import edge; b holds only
	// a's import edge.
	if a.RefCount != 2 || b.RefCount != 1 {
		t.Fatalf("ref counts a=%d b=%d, want a=2 b=1", a.RefCount, b.RefCount)
	}
}

func TestLoadChainDepthGuard(t *testing.T) {
	dir := t.TempDir()
	const chainLen = 12
	for i := 1; i < chainLen; i++ {
		name := fmt.Sprintf("m%02d.dll", i)
		next := fmt.Sprintf("m%02d.dll", i+1)
		writeModule(t, dir, name, buildDual(t, "Fn", 0x1000, next, "Fn"))
	}
	writeModule(t, dir, fmt.Sprintf("m%02d.dll", chainLen), buildDep(t, "Fn", 0x1000, 0))

	invoker := &recordingInvoker{}
	d := newTestDriver(t, dir, invoker)
	if err := d.Init(nil, nil); err != nil {
		t.Fatalf("Init: %v", err)
	}

	_, err := d.Load("m01.dll")
	if !errors.Is(err, ErrLoadChainTooDeep) {
		t.Fatalf("Load of a %d-deep chain: err = %v, want ErrLoadChainTooDeep", chainLen, err)
	}
	// Every partially constructed module must have been rolled back.
	if n := d.reg.Len(); n != 0 {
		t.Fatalf("registry holds %d modules after a failed chain load, want 0", n)
	}
}

func TestInitSeedsClientDirsFromModulePaths(t *testing.T) {
	clientDir := t.TempDir()
	writeModule(t, clientDir, "helper.dll", buildDep(t, "Help", 0x1000, 0))

	clientData := buildDep(t, "ClientExport", 0x1000, 0)
	clientImg, err := pe.New(clientData, pe.ModeMapped)
	if err != nil {
		t.Fatalf("pe.New: %v", err)
	}

	invoker := &recordingInvoker{}
	// No AddClientDir call: the only way the driver can find helper.dll is
	// the directory Init derives from the client module's path.
	d := New(Config{
		Log:          xlog.New(xlog.LevelSilent, ""),
		Mapper:       fileMapper{},
		SearchPath:   searchpath.New(""),
		EntryInvoker: invoker,
		Protector:    noopProtector{},
	})

	client := ClientModule{
		Name:  "client.dll",
		Path:  filepath.Join(clientDir, "client.dll"),
		Base:  uintptr(unsafe.Pointer(&clientData[0])),
		Size:  uintptr(len(clientData)),
		Image: clientImg,
	}
	if err := d.Init(nil, []ClientModule{client}); err != nil {
		t.Fatalf("Init: %v", err)
	}

	if _, err := d.Load("helper.dll"); err != nil {
		t.Fatalf("Load(helper.dll) via seeded client dir: %v", err)
	}
}

func TestResolveExportFollowsForwarderThroughRegistry(t *testing.T) {
	dir := t.TempDir()
	writeModule(t, dir, "dep.dll", buildDep(t, "RealFn", 0x1500, 0))
	writeModule(t, dir, "chain.dll", buildFwd(t, "Jump", "dep.RealFn"))

	invoker := &recordingInvoker{}
	d := newTestDriver(t, dir, invoker)
	if err := d.Init(nil, nil); err != nil {
		t.Fatalf("Init: %v", err)
	}

	chainBase, err := d.Load("chain.dll")
	if err != nil {
		t.Fatalf("Load(chain.dll): %v", err)
	}
	chain := d.reg.LookupByBase(chainBase)
	if chain == nil {
		t.Fatalf("chain.dll missing from registry")
	}

	// Resolving the forwarded export must load dep.dll through the private
	// registry and land on its real code, never on the host loader.
	addr, err := d.ResolveExport(chain, "Jump")
	if err != nil {
		t.Fatalf("ResolveExport(Jump): %v", err)
	}
	dep := d.reg.LookupByName("dep.dll")
	if dep == nil {
		t.Fatalf("forwarder target dep.dll was not loaded into the registry")
	}
	if addr != dep.Base+0x1500 {
		t.Fatalf("ResolveExport = %#x, want %#x", addr, dep.Base+0x1500)
	}
}

func TestLoadBeforeInitIsRejected(t *testing.T) {
	d := newTestDriver(t, t.TempDir(), &recordingInvoker{})
	if _, err := d.Load("anything.dll"); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("Load before Init = %v, want ErrNotInitialized", err)
	}
}

func TestHandleCallbackOnlyDispatchesRegisteredAddresses(t *testing.T) {
	d := New(Config{
		Log:          xlog.New(xlog.LevelSilent, ""),
		Mapper:       fileMapper{},
		SearchPath:   searchpath.New(""),
		EntryInvoker: &recordingInvoker{},
		Protector:    noopProtector{},
	})
	d.fls.Register(0x4000)

	invoke := func(addr, arg uintptr) uintptr { return arg + 1 }
	handled, ret := d.HandleCallback(0x4000, 7, invoke)
	if !handled || ret != 8 {
		t.Fatalf("HandleCallback(registered) = %v, %d, want true, 8", handled, ret)
	}
	handled, _ = d.HandleCallback(0x5000, 0, invoke)
	if handled {
		t.Fatalf("HandleCallback handled an address no private library registered")
	}
}

func TestThreadAttachAndDetachVisitForwardOrder(t *testing.T) {
	dir := t.TempDir()
	writeModule(t, dir, "dep.dll", buildDep(t, "Foo", 0x1000, 0x1100))
	writeModule(t, dir, "root.dll", buildRoot(t, "dep.dll", "Foo", 0x1200))

	invoker := &recordingInvoker{}
	d := newTestDriver(t, dir, invoker)
	if err := d.Init(nil, nil); err != nil {
		t.Fatalf("Init: %v", err)
	}
	rootBase, err := d.Load("root.dll")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	depM := d.reg.LookupByName("dep.dll")
	invoker.calls = nil

	d.ThreadAttach()
	if len(invoker.calls) != 2 {
		t.Fatalf("ThreadAttach: got %d calls, want 2", len(invoker.calls))
	}
	// The registry list order is reverse-dependency (root before dep, since
	// root was inserted as the importer); ThreadAttach/ThreadDetach both
	// walk it head-to-tail without reversing for detach.
	if invoker.calls[0].codeBase != rootBase || invoker.calls[1].codeBase != depM.Base {
		t.Fatalf("ThreadAttach order = %+v, want root then dep", invoker.calls)
	}

	invoker.calls = nil
	d.ThreadDetach()
	if len(invoker.calls) != 2 {
		t.Fatalf("ThreadDetach: got %d calls, want 2", len(invoker.calls))
	}
	if invoker.calls[0].codeBase != rootBase || invoker.calls[1].codeBase != depM.Base {
		t.Fatalf("ThreadDetach order = %+v, want the same forward order as ThreadAttach", invoker.calls)
	}
}
