// Copyright the privldr authors. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package pe

import (
	"encoding/binary"
	"fmt"
)

// baseRelocationBlock is IMAGE_BASE_RELOCATION: the 8-byte header in front
// of each block of 16-bit relocation entries.
type baseRelocationBlock struct {
	VirtualAddress uint32
	SizeOfBlock    uint32
}

const baseRelocationBlockSize = 8

// NeedsRelocation reports whether the image must be relocated to run at its
// actual mapped base rather than its preferred ImageBase.
func (img *Image) NeedsRelocation(actualBase uint64) bool {
	return actualBase != img.nt.ImageBase()
}

// HasRelocations reports whether the image carries a base relocation
// directory at all; an image that must move but has none cannot be loaded.
func (img *Image) HasRelocations() bool {
	dir := img.nt.DataDirectoryEntry(ImageDirectoryEntryBaseReloc)
	return dir.Size != 0 && dir.VirtualAddress != 0
}

// ErrNotRelocatable covers an image that must move but carries no
// relocation directory.
var ErrNotRelocatable = fmt.Errorf("pe: image requires relocation but carries no relocation directory")

// RelocationEntry is one fixup in the base relocation directory, as
// enumerated by Relocations.
type RelocationEntry struct {
	RVA  uint32
	Type uint16
}

// Relocations enumerates every fixup in the base relocation directory
// without applying any delta or mutating the image, for offline inspection
// (privldump). Relocate is the mutating counterpart used by the live
// mapper at load time.
func (img *Image) Relocations() ([]RelocationEntry, error) {
	if !img.HasRelocations() {
		return nil, nil
	}

	dir := img.nt.DataDirectoryEntry(ImageDirectoryEntryBaseReloc)
	blockRVA := dir.VirtualAddress
	end := dir.VirtualAddress + dir.Size

	var out []RelocationEntry
	for blockRVA < end {
		off, err := img.rvaToOffset(blockRVA)
		if err != nil {
			return nil, fmt.Errorf("relocation block: %w", err)
		}
		var hdr baseRelocationBlock
		if err := readStruct(img.data, off, &hdr); err != nil {
			return nil, fmt.Errorf("relocation block header: %w", err)
		}
		if hdr.VirtualAddress == 0 && hdr.SizeOfBlock == 0 {
			break
		}
		if hdr.SizeOfBlock < baseRelocationBlockSize {
			return nil, fmt.Errorf("pe: relocation block size %d smaller than header", hdr.SizeOfBlock)
		}

		entryCount := (hdr.SizeOfBlock - baseRelocationBlockSize) / 2
		entriesOff := off + baseRelocationBlockSize
		for i := uint32(0); i < entryCount; i++ {
			var entry uint16
			if err := readStruct(img.data, entriesOff+i*2, &entry); err != nil {
				return nil, fmt.Errorf("relocation entry: %w", err)
			}
			relType := entry >> 12
			if relType == ImageRelBasedAbsolute {
				continue
			}
			relOffset := uint32(entry & 0xfff)
			out = append(out, RelocationEntry{RVA: hdr.VirtualAddress + relOffset, Type: relType})
		}

		blockRVA += hdr.SizeOfBlock
	}
	return out, nil
}

// Relocate applies every fixup in the base relocation directory by delta
// (actualBase - preferredBase), mutating img.data in place. It is only
// meaningful when img was opened in ModeMapped: the backing slice must be
// the live, writable image, not a read-only file copy. Relocation types
// this loader does not support are an error, not a skip.
func (img *Image) Relocate(delta int64) error {
	if delta == 0 {
		return nil
	}
	if !img.HasRelocations() {
		return ErrNotRelocatable
	}
	if img.mode != ModeMapped {
		return fmt.Errorf("pe: Relocate requires a mapped, writable image")
	}

	dir := img.nt.DataDirectoryEntry(ImageDirectoryEntryBaseReloc)
	blockRVA := dir.VirtualAddress
	end := dir.VirtualAddress + dir.Size

	for blockRVA < end {
		off, err := img.rvaToOffset(blockRVA)
		if err != nil {
			return fmt.Errorf("relocation block: %w", err)
		}
		var hdr baseRelocationBlock
		if err := readStruct(img.data, off, &hdr); err != nil {
			return fmt.Errorf("relocation block header: %w", err)
		}
		if hdr.VirtualAddress == 0 && hdr.SizeOfBlock == 0 {
			break
		}
		if hdr.SizeOfBlock < baseRelocationBlockSize {
			return fmt.Errorf("pe: relocation block size %d smaller than header", hdr.SizeOfBlock)
		}

		entryCount := (hdr.SizeOfBlock - baseRelocationBlockSize) / 2
		entriesOff := off + baseRelocationBlockSize
		for i := uint32(0); i < entryCount; i++ {
			var entry uint16
			if err := readStruct(img.data, entriesOff+i*2, &entry); err != nil {
				return fmt.Errorf("relocation entry: %w", err)
			}
			relType := entry >> 12
			relOffset := uint32(entry & 0xfff)
			destRVA := hdr.VirtualAddress + relOffset
			destOff, err := img.rvaToOffset(destRVA)
			if err != nil {
				return fmt.Errorf("relocation target: %w", err)
			}
			var width uint32
			switch relType {
			case ImageRelBasedDir64:
				width = 8
			case ImageRelBasedHighLow:
				width = 4
			case ImageRelBasedHigh, ImageRelBasedLow:
				width = 2
			}
			if width > 0 {
				if err := img.checkRange(destOff, width); err != nil {
					return fmt.Errorf("relocation target: %w", err)
				}
			}

			switch relType {
			case ImageRelBasedAbsolute:
				// padding entry, skip.
			case ImageRelBasedHighLow:
				v := binary.LittleEndian.Uint32(img.data[destOff : destOff+4])
				binary.LittleEndian.PutUint32(img.data[destOff:destOff+4], uint32(int64(v)+delta))
			case ImageRelBasedDir64:
				v := binary.LittleEndian.Uint64(img.data[destOff : destOff+8])
				binary.LittleEndian.PutUint64(img.data[destOff:destOff+8], uint64(int64(v)+delta))
			case ImageRelBasedHigh:
				v := binary.LittleEndian.Uint16(img.data[destOff : destOff+2])
				binary.LittleEndian.PutUint16(img.data[destOff:destOff+2], v+uint16(uint32(delta)>>16))
			case ImageRelBasedLow:
				v := binary.LittleEndian.Uint16(img.data[destOff : destOff+2])
				binary.LittleEndian.PutUint16(img.data[destOff:destOff+2], v+uint16(uint32(delta)&0xffff))
			default:
				return fmt.Errorf("pe: unsupported relocation type %d", relType)
			}
		}

		blockRVA += hdr.SizeOfBlock
	}
	return nil
}
