// Copyright the privldr authors. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

//go:build windows

package mapper

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/windows"

	"github.com/shadowveil/privldr/pe"
)

// secImage is SEC_IMAGE, the CreateFileMapping protection-argument flag that
// asks the memory manager to map the file as a PE image (headers, sections
// and relative virtual addresses laid out exactly as the loader would lay
// them out itself) rather than as a flat byte blob. x/sys/windows does not
// export it, so it is defined here the same way this package defines every
// other PE/COFF constant it needs directly.
const secImage = 0x1000000

// pageSize is the allocation-protection granularity the section layout is
// checked against.
const pageSize = 0x1000

// RawMapper implements Mapper using CreateFileMapping+SEC_IMAGE: an
// image-mode memory section backed by the file, mapped as one view with
// maximum r/w/x permissions and copy-on-write semantics. It is always
// available — it has no dependency on the loader's own allocator being up —
// which is why it is also the bootstrap-time backend.
type RawMapper struct{}

var _ Mapper = RawMapper{}

// Map opens path with read+execute access and permissive sharing
// (tolerating concurrent rename and read), creates an image-mode section
// over it, maps one view, and relocates the view in place if it didn't
// land at the image's preferred base. The file handle is closed before Map
// returns either way.
func (RawMapper) Map(path string) (*Mapping, error) {
	pathPtr, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return nil, fmt.Errorf("mapper: %w", err)
	}
	file, err := windows.CreateFile(pathPtr,
		windows.GENERIC_READ|windows.GENERIC_EXECUTE,
		windows.FILE_SHARE_READ|windows.FILE_SHARE_WRITE|windows.FILE_SHARE_DELETE,
		nil, windows.OPEN_EXISTING, windows.FILE_ATTRIBUTE_NORMAL, 0)
	if err != nil {
		return nil, fmt.Errorf("mapper: open %s: %w", path, err)
	}
	defer windows.CloseHandle(file)

	section, err := windows.CreateFileMapping(file, nil, windows.PAGE_EXECUTE_READ|secImage, 0, 0, nil)
	if err != nil {
		return nil, fmt.Errorf("mapper: create image section for %s: %w", path, err)
	}
	defer windows.CloseHandle(section)

	view, err := windows.MapViewOfFile(section, windows.FILE_MAP_READ|windows.FILE_MAP_EXECUTE|windows.FILE_MAP_WRITE, 0, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("mapper: map view for %s: %w", path, err)
	}

	// The size of an image-mode mapping is the aligned SizeOfImage, not the
	// file size; read it back out of the now-mapped headers.
	probe := unsafe.Slice((*byte)(unsafe.Pointer(view)), 4096)
	img, err := pe.New(probe, pe.ModeMapped)
	if err != nil {
		windows.UnmapViewOfFile(view)
		return nil, fmt.Errorf("mapper: %s does not contain a recognizable image once mapped: %w", path, err)
	}
	size := uintptr(img.NTHeaders().SizeOfImage())
	if size == 0 {
		windows.UnmapViewOfFile(view)
		return nil, fmt.Errorf("mapper: %w: SizeOfImage is zero", ErrIncompleteImage)
	}

	full := unsafe.Slice((*byte)(unsafe.Pointer(view)), size)
	img, err = pe.New(full, pe.ModeMapped)
	if err != nil {
		windows.UnmapViewOfFile(view)
		return nil, fmt.Errorf("mapper: %w", err)
	}

	// Relocation and per-section protection both assume every section
	// starts on a page boundary; refuse an image whose layout says
	// otherwise before patching anything.
	for _, sec := range img.Sections() {
		if alignDown(uintptr(sec.VirtualAddress), pageSize) != uintptr(sec.VirtualAddress) {
			windows.UnmapViewOfFile(view)
			return nil, fmt.Errorf("mapper: %s section %q at rva %#x: %w",
				path, sec.NameString(), sec.VirtualAddress, ErrUnalignedSection)
		}
	}

	m := &Mapping{Base: view, Size: size, Image: img}
	actualBase := uint64(view)
	if img.NeedsRelocation(actualBase) {
		if !img.HasRelocations() {
			windows.UnmapViewOfFile(view)
			return nil, pe.ErrNotRelocatable
		}
		delta := int64(actualBase) - int64(img.NTHeaders().ImageBase())
		if err := img.Relocate(delta); err != nil {
			windows.UnmapViewOfFile(view)
			return nil, fmt.Errorf("mapper: relocating %s: %w", path, err)
		}
		img.NTHeaders().SetImageBase(actualBase)
	}

	return m, nil
}

// Unmap releases the view. The section and file handles are already closed
// by the time Map returns, so the view is the only thing left to tear down.
func (RawMapper) Unmap(m *Mapping) error {
	if m == nil || m.Base == 0 {
		return nil
	}
	if err := windows.UnmapViewOfFile(m.Base); err != nil {
		return fmt.Errorf("mapper: unmap: %w", err)
	}
	return nil
}
