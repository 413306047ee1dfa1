// Copyright the privldr authors. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

// Package mapper maps a PE image into memory and hands back the live,
// writable byte span it now occupies. It is the component the rest of the
// loader calls to turn a filename into an executable region: open with
// tolerant sharing, create an image-mode section over the file, map one
// view, relocate if the view didn't land at the preferred base, then close
// the file handle.
//
// Everything here is Windows-only: CreateFileMapping/MapViewOfFile/
// VirtualProtect have no portable equivalent, and a private loader has no
// reason to exist on a platform whose own loader this package isn't
// replacing.
package mapper

import (
	"errors"

	"github.com/shadowveil/privldr/pe"
)

// Mapping is a single mapped image: its live address range and the parsed
// directory reader over the same bytes.
type Mapping struct {
	Base  uintptr
	Size  uintptr
	Image *pe.Image
}

// Mapper maps a file into memory and reverses that later. Map must leave no
// partial mapping behind on error: on any failure past the point the view is
// live, the implementation tears the mapping down itself before returning.
type Mapper interface {
	Map(path string) (*Mapping, error)
	Unmap(m *Mapping) error
}

// ErrUnalignedSection covers a malformed image whose section layout is not
// page-aligned; this mapper refuses to trust it.
var ErrUnalignedSection = errors.New("mapper: section layout is not page-aligned")

// ErrIncompleteImage is returned when a mapped image's optional header
// declares a SizeOfImage of zero.
var ErrIncompleteImage = errors.New("mapper: file is shorter than its own declared header size")

func alignDown(value, alignment uintptr) uintptr {
	if alignment == 0 {
		return value
	}
	return value &^ (alignment - 1)
}

func alignUp(value, alignment uintptr) uintptr {
	if alignment == 0 {
		return value
	}
	return (value + alignment - 1) &^ (alignment - 1)
}
