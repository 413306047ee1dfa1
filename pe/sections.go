// Copyright the privldr authors. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package pe

// SectionHeader is IMAGE_SECTION_HEADER.
type SectionHeader struct {
	Name                 [8]byte
	VirtualSize          uint32
	VirtualAddress       uint32
	SizeOfRawData        uint32
	PointerToRawData     uint32
	PointerToRelocations uint32
	PointerToLinenumbers uint32
	NumberOfRelocations  uint16
	NumberOfLinenumbers  uint16
	Characteristics      uint32
}

// NameString trims the trailing NUL padding from the fixed 8-byte name.
func (s *SectionHeader) NameString() string {
	n := 0
	for n < len(s.Name) && s.Name[n] != 0 {
		n++
	}
	return string(s.Name[:n])
}

const sectionHeaderSize = 40

func parseSectionHeaders(data []byte, off uint32, count uint16) ([]SectionHeader, error) {
	out := make([]SectionHeader, 0, count)
	for i := uint16(0); i < count; i++ {
		var sh SectionHeader
		if err := readStruct(data, off, &sh); err != nil {
			return nil, err
		}
		out = append(out, sh)
		off += sectionHeaderSize
	}
	return out, nil
}

// ProtectionForCharacteristics maps a combined section-characteristics
// value to the Windows PAGE_* protection constant the loader should request
// for that region: the executable/readable/writable bits in the top three
// bits of Characteristics index an 8-entry table.
//
// The caller supplies the PAGE_* constants so this package does not need to
// import golang.org/x/sys/windows itself. No code in this module, package
// mapper included, calls it.
func ProtectionForCharacteristics(characteristics uint32, noAccess, execute, readOnly, executeRead,
	writeCopy, executeWriteCopy, readWrite, executeReadWrite uint32) uint32 {
	table := [8]uint32{
		noAccess, execute, readOnly, executeRead,
		writeCopy, executeWriteCopy, readWrite, executeReadWrite,
	}
	idx := characteristics >> 29
	return table[idx]
}
