// Copyright the privldr authors. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package pe

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// DOSHeader holds the two IMAGE_DOS_HEADER fields this loader cares about:
// the MZ signature and e_lfanew, the offset of the real (NT) header. The 58
// bytes in between (the MS-DOS stub machinery) are never read.
type DOSHeader struct {
	Magic  uint16
	Lfanew int32
}

const dosHeaderLfanewOffset = 0x3c

// FileHeader is IMAGE_FILE_HEADER / the COFF header.
type FileHeader struct {
	Machine              uint16
	NumberOfSections     uint16
	TimeDateStamp        uint32
	PointerToSymbolTable uint32
	NumberOfSymbols      uint32
	SizeOfOptionalHeader uint16
	Characteristics      uint16
}

// DataDirectory is one entry of the optional header's DataDirectory array.
type DataDirectory struct {
	VirtualAddress uint32
	Size           uint32
}

// OptionalHeader32 is IMAGE_OPTIONAL_HEADER (PE32).
type OptionalHeader32 struct {
	Magic                   uint16
	MajorLinkerVersion      uint8
	MinorLinkerVersion      uint8
	SizeOfCode              uint32
	SizeOfInitializedData   uint32
	SizeOfUninitializedData uint32
	AddressOfEntryPoint     uint32
	BaseOfCode              uint32
	BaseOfData              uint32
	ImageBase               uint32
	SectionAlignment        uint32
	FileAlignment           uint32
	MajorOSVersion          uint16
	MinorOSVersion          uint16
	MajorImageVersion       uint16
	MinorImageVersion       uint16
	MajorSubsystemVersion   uint16
	MinorSubsystemVersion   uint16
	Win32VersionValue       uint32
	SizeOfImage             uint32
	SizeOfHeaders           uint32
	CheckSum                uint32
	Subsystem               uint16
	DllCharacteristics      uint16
	SizeOfStackReserve      uint32
	SizeOfStackCommit       uint32
	SizeOfHeapReserve       uint32
	SizeOfHeapCommit        uint32
	LoaderFlags             uint32
	NumberOfRvaAndSizes     uint32
	DataDirectory           [ImageNumberOfDirectoryEntries]DataDirectory
}

// OptionalHeader64 is IMAGE_OPTIONAL_HEADER64 (PE32+). ImageBase and the
// stack/heap sizes widen to 64 bits and BaseOfData disappears.
type OptionalHeader64 struct {
	Magic                   uint16
	MajorLinkerVersion      uint8
	MinorLinkerVersion      uint8
	SizeOfCode              uint32
	SizeOfInitializedData   uint32
	SizeOfUninitializedData uint32
	AddressOfEntryPoint     uint32
	BaseOfCode              uint32
	ImageBase               uint64
	SectionAlignment        uint32
	FileAlignment           uint32
	MajorOSVersion          uint16
	MinorOSVersion          uint16
	MajorImageVersion       uint16
	MinorImageVersion       uint16
	MajorSubsystemVersion   uint16
	MinorSubsystemVersion   uint16
	Win32VersionValue       uint32
	SizeOfImage             uint32
	SizeOfHeaders           uint32
	CheckSum                uint32
	Subsystem               uint16
	DllCharacteristics      uint16
	SizeOfStackReserve      uint64
	SizeOfStackCommit       uint64
	SizeOfHeapReserve       uint64
	SizeOfHeapCommit        uint64
	LoaderFlags             uint32
	NumberOfRvaAndSizes     uint32
	DataDirectory           [ImageNumberOfDirectoryEntries]DataDirectory
}

// NTHeaders is the parsed IMAGE_NT_HEADERS{,64}, normalized so callers don't
// need to type-switch on word size for the handful of fields the loader
// actually consults.
type NTHeaders struct {
	Signature  uint32
	FileHeader FileHeader
	Is64       bool
	opt32      OptionalHeader32
	opt64      OptionalHeader64
}

// ImageBase returns the preferred load address.
func (h *NTHeaders) ImageBase() uint64 {
	if h.Is64 {
		return h.opt64.ImageBase
	}
	return uint64(h.opt32.ImageBase)
}

// SetImageBase rewrites the preferred load address in place, so that after
// relocation the headers describe where the image actually lives.
func (h *NTHeaders) SetImageBase(base uint64) {
	if h.Is64 {
		h.opt64.ImageBase = base
	} else {
		h.opt32.ImageBase = uint32(base)
	}
}

func (h *NTHeaders) SizeOfImage() uint32 {
	if h.Is64 {
		return h.opt64.SizeOfImage
	}
	return h.opt32.SizeOfImage
}

func (h *NTHeaders) SizeOfHeaders() uint32 {
	if h.Is64 {
		return h.opt64.SizeOfHeaders
	}
	return h.opt32.SizeOfHeaders
}

func (h *NTHeaders) SectionAlignment() uint32 {
	if h.Is64 {
		return h.opt64.SectionAlignment
	}
	return h.opt32.SectionAlignment
}

func (h *NTHeaders) AddressOfEntryPoint() uint32 {
	if h.Is64 {
		return h.opt64.AddressOfEntryPoint
	}
	return h.opt32.AddressOfEntryPoint
}

func (h *NTHeaders) DataDirectoryEntry(idx int) DataDirectory {
	if idx < 0 || idx >= ImageNumberOfDirectoryEntries {
		return DataDirectory{}
	}
	if h.Is64 {
		return h.opt64.DataDirectory[idx]
	}
	return h.opt32.DataDirectory[idx]
}

// machine returns the target machine type. Nothing calls it: images are not
// checked against the architecture of the current process.
func (h *NTHeaders) machine() uint16 { return h.FileHeader.Machine }

func readStruct(data []byte, off uint32, v any) error {
	size := uint32(binary.Size(v))
	total := off + size
	if total < off || off >= uint32(len(data)) || total > uint32(len(data)) {
		return ErrOutsideBoundary
	}
	return binary.Read(bytes.NewReader(data[off:total]), binary.LittleEndian, v)
}

func parseDOSHeader(data []byte) (DOSHeader, error) {
	var h DOSHeader
	if len(data) < dosHeaderLfanewOffset+4 {
		return h, fmt.Errorf("dos header: %w", ErrOutsideBoundary)
	}
	h.Magic = binary.LittleEndian.Uint16(data[0:2])
	h.Lfanew = int32(binary.LittleEndian.Uint32(data[dosHeaderLfanewOffset : dosHeaderLfanewOffset+4]))
	if h.Magic != ImageDOSSignature {
		return h, fmt.Errorf("%w: bad DOS signature %#x", ErrNotAPEImage, h.Magic)
	}
	return h, nil
}

func parseNTHeaders(data []byte, lfanew int32) (NTHeaders, error) {
	var out NTHeaders
	if lfanew < 0 {
		return out, fmt.Errorf("%w: negative e_lfanew", ErrNotAPEImage)
	}
	off := uint32(lfanew)

	var sig uint32
	if err := readStruct(data, off, &sig); err != nil {
		return out, fmt.Errorf("nt signature: %w", err)
	}
	if sig != ImageNTSignature {
		return out, fmt.Errorf("%w: bad NT signature %#x", ErrNotAPEImage, sig)
	}
	out.Signature = sig
	off += 4

	if err := readStruct(data, off, &out.FileHeader); err != nil {
		return out, fmt.Errorf("file header: %w", err)
	}
	off += uint32(binary.Size(out.FileHeader))

	var magic uint16
	if err := readStruct(data, off, &magic); err != nil {
		return out, fmt.Errorf("optional header magic: %w", err)
	}

	switch magic {
	case ImageNtOptionalHeader32Magic:
		if err := readStruct(data, off, &out.opt32); err != nil {
			return out, fmt.Errorf("optional header 32: %w", err)
		}
	case ImageNtOptionalHeader64Magic:
		out.Is64 = true
		if err := readStruct(data, off, &out.opt64); err != nil {
			return out, fmt.Errorf("optional header 64: %w", err)
		}
	default:
		return out, fmt.Errorf("%w: unrecognized optional header magic %#x", ErrNotAPEImage, magic)
	}
	return out, nil
}
