// Copyright the privldr authors. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package pe

import (
	"errors"
	"fmt"
)

// ErrOrdinalImport is returned when an import thunk has the ordinal-flag bit
// set. Import-by-ordinal is deliberately unsupported, and the walk fails
// loudly rather than silently producing a zero IAT slot.
var ErrOrdinalImport = errors.New("pe: import by ordinal is not supported")

// ImportDescriptor is one entry of IMAGE_IMPORT_DESCRIPTOR: one per imported
// module, terminated by an all-zero entry.
type ImportDescriptor struct {
	OriginalFirstThunk uint32
	TimeDateStamp      uint32
	ForwarderChain     uint32
	Name               uint32
	FirstThunk         uint32
}

const importDescriptorSize = 20

func (d ImportDescriptor) isNull() bool {
	return d.OriginalFirstThunk == 0 && d.TimeDateStamp == 0 &&
		d.ForwarderChain == 0 && d.Name == 0 && d.FirstThunk == 0
}

// ImportThunk is one resolved entry of a module's import table: either an
// ordinal (rejected, see ErrOrdinalImport) or a hint/name pair.
type ImportThunk struct {
	// ThunkRVA is the RVA of the IAT slot (FirstThunk-relative) this thunk
	// corresponds to; writing the resolved address there is the import
	// resolver's job.
	ThunkRVA uint32
	Hint     uint16
	Name     string
}

// ImportDescriptors walks the import directory and returns every descriptor
// up to (but not including) the null terminator. It bounds-checks the
// directory itself; Thunks(desc) bounds-checks each descriptor's thunk
// arrays lazily, so a single malformed descriptor does not prevent reading
// the others.
func (img *Image) ImportDescriptors() ([]ImportDescriptor, error) {
	dir := img.nt.DataDirectoryEntry(ImageDirectoryEntryImport)
	if dir.Size == 0 || dir.VirtualAddress == 0 {
		return nil, nil
	}

	var out []ImportDescriptor
	off, err := img.rvaToOffset(dir.VirtualAddress)
	if err != nil {
		return nil, fmt.Errorf("import directory: %w", err)
	}
	for {
		var d ImportDescriptor
		if err := readStruct(img.data, off, &d); err != nil {
			return nil, fmt.Errorf("import descriptor: %w", err)
		}
		if d.isNull() {
			break
		}
		out = append(out, d)
		off += importDescriptorSize
		if len(out) > maxImportDescriptors {
			return nil, fmt.Errorf("%w: import directory has more than %d entries, likely malformed",
				ErrOutsideBoundary, maxImportDescriptors)
		}
	}
	return out, nil
}

// maxImportDescriptors guards against a corrupt directory that never hits a
// null terminator from spinning forever.
const maxImportDescriptors = 4096

// ImportName returns the name of the module a descriptor imports from.
func (img *Image) ImportName(d ImportDescriptor) (string, error) {
	off, err := img.rvaToOffset(d.Name)
	if err != nil {
		return "", fmt.Errorf("import name: %w", err)
	}
	return img.readCString(off, maxDllNameLength)
}

// Thunks walks a descriptor's lookup table (OriginalFirstThunk, falling back
// to FirstThunk when there is no hint table) and advances an IAT RVA from
// FirstThunk in lockstep with it, so each returned thunk's ThunkRVA names
// the IAT slot that thunk resolves into.
func (img *Image) Thunks(d ImportDescriptor) ([]ImportThunk, error) {
	thunkTableRVA := d.OriginalFirstThunk
	if thunkTableRVA == 0 {
		thunkTableRVA = d.FirstThunk
	}

	thunkSize, ordFlag64, is64 := uint32(4), ImageOrdinalFlag64, img.nt.Is64
	if is64 {
		thunkSize = 8
	}

	var out []ImportThunk
	rva := thunkTableRVA
	iatRVA := d.FirstThunk
	for {
		off, err := img.rvaToOffset(rva)
		if err != nil {
			return nil, fmt.Errorf("thunk: %w", err)
		}
		var raw uint64
		if is64 {
			if err := readStruct(img.data, off, &raw); err != nil {
				return nil, fmt.Errorf("thunk64: %w", err)
			}
		} else {
			var v uint32
			if err := readStruct(img.data, off, &v); err != nil {
				return nil, fmt.Errorf("thunk32: %w", err)
			}
			raw = uint64(v)
		}
		if raw == 0 {
			break
		}

		isOrdinal := (is64 && raw&ordFlag64 != 0) || (!is64 && uint32(raw)&ImageOrdinalFlag32 != 0)
		if isOrdinal {
			return nil, fmt.Errorf("%w (ordinal %d)", ErrOrdinalImport, raw&0xffff)
		}

		nameOff, err := img.rvaToOffset(uint32(raw))
		if err != nil {
			return nil, fmt.Errorf("import-by-name: %w", err)
		}
		var hint uint16
		if err := readStruct(img.data, nameOff, &hint); err != nil {
			return nil, fmt.Errorf("import hint: %w", err)
		}
		name, err := img.readCString(nameOff+2, maxImportNameLength)
		if err != nil {
			return nil, fmt.Errorf("import name: %w", err)
		}

		out = append(out, ImportThunk{ThunkRVA: iatRVA, Hint: hint, Name: name})

		rva += thunkSize
		iatRVA += thunkSize
		if len(out) > maxThunksPerDescriptor {
			return nil, fmt.Errorf("%w: descriptor has more than %d thunks, likely malformed",
				ErrOutsideBoundary, maxThunksPerDescriptor)
		}
	}
	return out, nil
}

const (
	maxDllNameLength       = 0x200
	maxImportNameLength    = 0x200
	maxThunksPerDescriptor = 1 << 16
)
