// Copyright the privldr authors. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package pe

import (
	"fmt"
	"strings"
)

// ExportDirectory is IMAGE_EXPORT_DIRECTORY.
type ExportDirectory struct {
	Characteristics       uint32
	TimeDateStamp         uint32
	MajorVersion          uint16
	MinorVersion          uint16
	Name                  uint32
	Base                  uint32
	NumberOfFunctions     uint32
	NumberOfNames         uint32
	AddressOfFunctions    uint32
	AddressOfNames        uint32
	AddressOfNameOrdinals uint32
}

// ExportResult is what ExportByName / ExportByOrdinal hand back: either a
// code RVA, or — if the export is a forwarder — the "TargetDll.TargetSymbol"
// string instead (see ParseForwarder).
type ExportResult struct {
	RVA       uint32
	Forwarder string
}

// IsForwarder reports whether this result is a forwarder string rather than
// a code address.
func (r ExportResult) IsForwarder() bool { return r.Forwarder != "" }

// exportDirectory locates and bounds-checks the export directory, returning
// its parsed header plus the byte offset it starts at (RVA-translated).
func (img *Image) exportDirectory() (ExportDirectory, uint32, uint32, error) {
	dir := img.nt.DataDirectoryEntry(ImageDirectoryEntryExport)
	var ed ExportDirectory
	if dir.Size == 0 || dir.VirtualAddress == 0 {
		return ed, 0, 0, fmt.Errorf("pe: no export directory")
	}
	off, err := img.rvaToOffset(dir.VirtualAddress)
	if err != nil {
		return ed, 0, 0, fmt.Errorf("export directory: %w", err)
	}
	if err := readStruct(img.data, off, &ed); err != nil {
		return ed, 0, 0, fmt.Errorf("export directory: %w", err)
	}
	return ed, dir.VirtualAddress, dir.Size, nil
}

// ExportEntry is one named export, as enumerated by Exports. Unlike
// ExportResult it always carries the name (Exports walks the name table
// directly rather than resolving a single lookup).
type ExportEntry struct {
	Name    string
	Ordinal uint16
	ExportResult
}

// Exports enumerates every named export in directory order. Used by the
// offline dump tool (privldump); the loader's own resolver only ever needs
// ExportByName for a single symbol and never calls this.
func (img *Image) Exports() ([]ExportEntry, error) {
	ed, dirRVA, dirSize, err := img.exportDirectory()
	if err != nil {
		return nil, err
	}
	if ed.NumberOfNames == 0 {
		return nil, nil
	}

	namesOff, err := img.rvaToOffset(ed.AddressOfNames)
	if err != nil {
		return nil, fmt.Errorf("export names: %w", err)
	}
	ordsOff, err := img.rvaToOffset(ed.AddressOfNameOrdinals)
	if err != nil {
		return nil, fmt.Errorf("export ordinals: %w", err)
	}

	out := make([]ExportEntry, 0, ed.NumberOfNames)
	for i := uint32(0); i < ed.NumberOfNames; i++ {
		var nameRVA uint32
		if err := readStruct(img.data, namesOff+i*4, &nameRVA); err != nil {
			return nil, fmt.Errorf("export name entry: %w", err)
		}
		nameOff, err := img.rvaToOffset(nameRVA)
		if err != nil {
			return nil, fmt.Errorf("export name string: %w", err)
		}
		name, err := img.readCString(nameOff, maxImportNameLength)
		if err != nil {
			return nil, fmt.Errorf("export name string: %w", err)
		}
		var ordinal uint16
		if err := readStruct(img.data, ordsOff+i*2, &ordinal); err != nil {
			return nil, fmt.Errorf("export ordinal entry: %w", err)
		}
		res, ok, err := img.exportByOrdinalIndex(ed, uint32(ordinal), dirRVA, dirSize)
		if err != nil {
			return nil, fmt.Errorf("export %q: %w", name, err)
		}
		if !ok {
			continue
		}
		out = append(out, ExportEntry{Name: name, Ordinal: uint16(ed.Base) + ordinal, ExportResult: res})
	}
	return out, nil
}

// ExportByName resolves a name against the export table, returning either a
// code RVA or a forwarder string. ok is false if the name is not exported.
func (img *Image) ExportByName(name string) (ExportResult, bool, error) {
	ed, dirRVA, dirSize, err := img.exportDirectory()
	if err != nil {
		return ExportResult{}, false, err
	}
	if ed.NumberOfNames == 0 {
		return ExportResult{}, false, nil
	}

	namesOff, err := img.rvaToOffset(ed.AddressOfNames)
	if err != nil {
		return ExportResult{}, false, fmt.Errorf("export names: %w", err)
	}
	ordsOff, err := img.rvaToOffset(ed.AddressOfNameOrdinals)
	if err != nil {
		return ExportResult{}, false, fmt.Errorf("export ordinals: %w", err)
	}

	lo, hi := uint32(0), ed.NumberOfNames
	for lo < hi {
		mid := lo + (hi-lo)/2
		var nameRVA uint32
		if err := readStruct(img.data, namesOff+mid*4, &nameRVA); err != nil {
			return ExportResult{}, false, fmt.Errorf("export name entry: %w", err)
		}
		nameOff, err := img.rvaToOffset(nameRVA)
		if err != nil {
			return ExportResult{}, false, fmt.Errorf("export name string: %w", err)
		}
		candidate, err := img.readCString(nameOff, maxImportNameLength)
		if err != nil {
			return ExportResult{}, false, fmt.Errorf("export name string: %w", err)
		}
		switch {
		case candidate == name:
			var ordinal uint16
			if err := readStruct(img.data, ordsOff+mid*2, &ordinal); err != nil {
				return ExportResult{}, false, fmt.Errorf("export ordinal entry: %w", err)
			}
			return img.exportByOrdinalIndex(ed, uint32(ordinal), dirRVA, dirSize)
		case candidate < name:
			lo = mid + 1
		default:
			hi = mid
		}
	}
	return ExportResult{}, false, nil
}

// exportByOrdinalIndex reads AddressOfFunctions[idx] (idx being a
// zero-based index into the functions table, NOT exports.Base + ordinal)
// and classifies it as a forwarder or a real code RVA.
func (img *Image) exportByOrdinalIndex(ed ExportDirectory, idx uint32, dirRVA, dirSize uint32) (ExportResult, bool, error) {
	if idx >= ed.NumberOfFunctions {
		return ExportResult{}, false, fmt.Errorf("%w: export ordinal index out of range", ErrOutsideBoundary)
	}
	funcsOff, err := img.rvaToOffset(ed.AddressOfFunctions)
	if err != nil {
		return ExportResult{}, false, fmt.Errorf("export functions: %w", err)
	}
	var rva uint32
	if err := readStruct(img.data, funcsOff+idx*4, &rva); err != nil {
		return ExportResult{}, false, fmt.Errorf("export function entry: %w", err)
	}
	if rva == 0 {
		return ExportResult{}, false, nil
	}
	// A function RVA that falls inside the export directory itself is not
	// code: it is a forwarder string "TargetDll.TargetSymbol".
	if rva >= dirRVA && rva < dirRVA+dirSize {
		fwdOff, err := img.rvaToOffset(rva)
		if err != nil {
			return ExportResult{}, false, fmt.Errorf("forwarder string: %w", err)
		}
		s, err := img.readCString(fwdOff, maxImportNameLength)
		if err != nil {
			return ExportResult{}, false, fmt.Errorf("forwarder string: %w", err)
		}
		return ExportResult{Forwarder: s}, true, nil
	}
	return ExportResult{RVA: rva}, true, nil
}

// ExportByOrdinal resolves an absolute ordinal (exports.Base-relative, as
// found in a thunk or a forwarder), not a zero-based function-table index.
func (img *Image) ExportByOrdinal(ordinal uint16) (ExportResult, bool, error) {
	ed, dirRVA, dirSize, err := img.exportDirectory()
	if err != nil {
		return ExportResult{}, false, err
	}
	if uint32(ordinal) < ed.Base {
		return ExportResult{}, false, fmt.Errorf("pe: ordinal %d below export base %d", ordinal, ed.Base)
	}
	idx := uint32(ordinal) - ed.Base
	return img.exportByOrdinalIndex(ed, idx, dirRVA, dirSize)
}

// ParseForwarder splits a forwarder string "TargetDll.TargetSymbol" into its
// module and symbol parts, appending ".dll" to the module the way the
// classic Windows loader does (forwarder strings never carry an extension).
func ParseForwarder(s string) (dll, symbol string, err error) {
	i := strings.LastIndexByte(s, '.')
	if i < 0 {
		return "", "", fmt.Errorf("pe: malformed forwarder string %q", s)
	}
	dll, symbol = s[:i], s[i+1:]
	if dll == "" || symbol == "" {
		return "", "", fmt.Errorf("pe: malformed forwarder string %q", s)
	}
	return dll + ".dll", symbol, nil
}
