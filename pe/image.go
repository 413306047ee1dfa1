// Copyright the privldr authors. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package pe

import (
	"fmt"
)

// Mode selects how RVAs are translated to offsets into data.
type Mode int

const (
	// ModeFile means data is the raw on-disk file layout: RVAs must be
	// translated through the section table (file offset != virtual offset).
	ModeFile Mode = iota
	// ModeMapped means data is a view over a live mapped image (produced by
	// the mapper package via an unsafe.Slice over VirtualAlloc'd memory, or
	// a SEC_IMAGE mapping): RVAs equal byte offsets directly, and writes
	// through data mutate the live image.
	ModeMapped
)

// Image is a parsed, bounds-checked view over a PE image's headers, section
// table and directories. See the package doc comment for exactly which
// directories it understands.
type Image struct {
	data     []byte
	mode     Mode
	dos      DOSHeader
	nt       NTHeaders
	sections []SectionHeader
}

// New parses data (a full image, either file-laid-out or memory-laid-out
// depending on mode) and validates just enough of the header chain to know
// the rest of the reads in this package are safe: DOS signature, NT
// signature, a recognized optional header magic, and a section table that
// fits inside data.
func New(data []byte, mode Mode) (*Image, error) {
	dos, err := parseDOSHeader(data)
	if err != nil {
		return nil, err
	}
	nt, err := parseNTHeaders(data, dos.Lfanew)
	if err != nil {
		return nil, err
	}

	sectionTableOff := uint32(dos.Lfanew) + 4 + fileHeaderSize + uint32(nt.FileHeader.SizeOfOptionalHeader)
	sections, err := parseSectionHeaders(data, sectionTableOff, nt.FileHeader.NumberOfSections)
	if err != nil {
		return nil, fmt.Errorf("section table: %w", err)
	}

	return &Image{data: data, mode: mode, dos: dos, nt: nt, sections: sections}, nil
}

// fileHeaderSize is the fixed size of FileHeader (20 bytes), spelled as a
// constant rather than computed with binary.Size at init time.
const fileHeaderSize = 20

// NTHeaders exposes the parsed NT header for callers (the mapper needs
// ImageBase/SizeOfImage/SectionAlignment; the lifecycle driver needs
// AddressOfEntryPoint).
func (img *Image) NTHeaders() *NTHeaders { return &img.nt }

// Sections returns the parsed section table.
func (img *Image) Sections() []SectionHeader { return img.sections }

// Is64 reports whether this is a PE32+ image.
func (img *Image) Is64() bool { return img.nt.Is64 }

// Bytes returns the backing slice. In ModeMapped this is the live image;
// mutating it mutates the running module.
func (img *Image) Bytes() []byte { return img.data }

// checkRange validates that [off, off+size) lies within data, including
// the wraparound case where off+size overflows uint32.
func (img *Image) checkRange(off, size uint32) error {
	total := off + size
	if (total > off) != (size > 0) {
		return ErrOutsideBoundary
	}
	if off >= uint32(len(img.data)) && size > 0 {
		return ErrOutsideBoundary
	}
	if total > uint32(len(img.data)) {
		return ErrOutsideBoundary
	}
	return nil
}

// rvaToOffset translates an RVA to a byte offset into img.data. In
// ModeMapped the two are identical. In ModeFile it walks the section
// table: the section whose virtual range contains the RVA determines the
// file offset; an RVA inside the headers (before the first section) maps
// directly.
func (img *Image) rvaToOffset(rva uint32) (uint32, error) {
	if img.mode == ModeMapped {
		if err := img.checkRange(rva, 0); err != nil {
			return 0, err
		}
		return rva, nil
	}

	for _, s := range img.sections {
		vsize := s.VirtualSize
		if vsize == 0 {
			vsize = s.SizeOfRawData
		}
		if rva >= s.VirtualAddress && rva < s.VirtualAddress+vsize {
			return s.PointerToRawData + (rva - s.VirtualAddress), nil
		}
	}
	// No section contains it: treat as a header offset.
	if err := img.checkRange(rva, 0); err != nil {
		return 0, fmt.Errorf("%w: rva %#x maps to no section and is outside the header", ErrOutsideBoundary, rva)
	}
	return rva, nil
}

// readCString reads a NUL-terminated ASCII string starting at off, capped
// at maxLen bytes so a string with no terminator inside the image cannot
// run the scan off the end.
func (img *Image) readCString(off uint32, maxLen uint32) (string, error) {
	limit := off + maxLen
	if limit > uint32(len(img.data)) {
		limit = uint32(len(img.data))
	}
	if off >= uint32(len(img.data)) {
		return "", ErrOutsideBoundary
	}
	end := off
	for end < limit && img.data[end] != 0 {
		end++
	}
	if end == limit {
		return "", fmt.Errorf("pe: string at offset %#x has no terminator within %d bytes", off, maxLen)
	}
	return string(img.data[off:end]), nil
}
