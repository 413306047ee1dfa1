// Copyright the privldr authors. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package redirect

import (
	"encoding/binary"
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/windows"
)

// heapHeaderSize is the size of the block header every private allocation
// carries in front of the pointer handed back to the caller; the header
// records the block's usable capacity so RtlSizeHeap can answer without
// any side table.
const heapHeaderSize = 8

// heapZeroMemory mirrors HEAP_ZERO_MEMORY, the flag RtlAllocateHeap honors.
const heapZeroMemory = 0x00000008

// pageSource acquires fresh, zero-initialized, read/write memory for the
// heap to carve blocks from. It exists so heap logic can be unit tested
// against a fake that doesn't touch VirtualAlloc.
type pageSource interface {
	// acquire returns a slice of at least size bytes, plus its base address.
	acquire(size uintptr) (base uintptr, mem []byte, err error)
}

// virtualAllocPages is the real backing store: one VirtualAlloc per arena,
// rounded up to page granularity. Arenas are never returned to the OS; the
// loader's private heap only grows for the process lifetime, matching
// RtlAllocateHeap's own "the default process heap only grows" behavior
// closely enough for this loader's purposes.
type virtualAllocPages struct{}

const pageSize = 0x1000

func (virtualAllocPages) acquire(size uintptr) (uintptr, []byte, error) {
	aligned := (size + pageSize - 1) &^ (pageSize - 1)
	if aligned < pageSize {
		aligned = pageSize
	}
	base, err := windows.VirtualAlloc(0, aligned, windows.MEM_RESERVE|windows.MEM_COMMIT, windows.PAGE_READWRITE)
	if err != nil {
		return 0, nil, fmt.Errorf("redirect: VirtualAlloc(%d): %w", aligned, err)
	}
	return base, unsafe.Slice((*byte)(unsafe.Pointer(base)), aligned), nil
}

// freeBlock is one entry of the free list: a block of at least size bytes
// (header included) available for reuse.
type freeBlock struct {
	base uintptr
	size uint64
}

// heap is the private allocator backing the RtlAllocateHeap/
// RtlReAllocateHeap/RtlFreeHeap/RtlSizeHeap substitutes. It never returns
// memory to pages; freed blocks go on a first-fit free list instead, which
// is the right tradeoff for a loader whose allocation volume is a handful
// of CRT/TLS bookkeeping blocks per loaded library, not a general-purpose
// workload.
type heap struct {
	mu     sync.Mutex
	pages  pageSource
	ranges []addrRange
	free   []freeBlock
	cursor uintptr // next unused byte in the current arena
	end    uintptr // end of the current arena
}

type addrRange struct{ start, end uintptr }

func newHeap(src pageSource) *heap {
	return &heap{pages: src}
}

// Owns reports whether ptr (a pointer previously returned by Alloc, i.e.
// already past the header) falls inside one of this heap's arenas.
func (h *heap) Owns(ptr uintptr) bool {
	if ptr == 0 {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, r := range h.ranges {
		if ptr >= r.start && ptr < r.end {
			return true
		}
	}
	return false
}

// Alloc returns a pointer to a size-byte block (past its header), zeroing
// it first if zero is true.
func (h *heap) Alloc(size uintptr, zero bool) (uintptr, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	need := size + heapHeaderSize
	base, capacity, err := h.carve(need)
	if err != nil {
		return 0, err
	}

	// The header records usable capacity, not the requested size: a reused
	// free-list block may be larger than need, and RtlSizeHeap-style callers
	// are entitled to the full usable size, not just what they asked for.
	hdr := unsafe.Slice((*byte)(unsafe.Pointer(base)), heapHeaderSize)
	binary.LittleEndian.PutUint64(hdr, uint64(capacity-heapHeaderSize))

	ptr := base + heapHeaderSize
	if zero {
		body := unsafe.Slice((*byte)(unsafe.Pointer(ptr)), size)
		for i := range body {
			body[i] = 0
		}
	}
	return ptr, nil
}

// carve returns a block of at least need bytes (header included) plus its
// true capacity, reusing a free-listed block if one fits, else bumping the
// current arena, else acquiring a fresh one. Caller holds h.mu.
func (h *heap) carve(need uintptr) (base uintptr, capacity uintptr, err error) {
	for i, fb := range h.free {
		if uintptr(fb.size) >= need {
			h.free = append(h.free[:i], h.free[i+1:]...)
			return fb.base, uintptr(fb.size), nil
		}
	}
	if h.cursor == 0 || h.cursor+need > h.end {
		arenaSize := need
		if arenaSize < pageSize {
			arenaSize = pageSize
		}
		var mem []byte
		base, mem, err = h.pages.acquire(arenaSize)
		if err != nil {
			return 0, 0, err
		}
		h.ranges = append(h.ranges, addrRange{start: base + heapHeaderSize, end: base + uintptr(len(mem))})
		h.cursor = base
		h.end = base + uintptr(len(mem))
	}
	base = h.cursor
	h.cursor += need
	return base, need, nil
}

// Size reads the header in front of ptr.
func (h *heap) Size(ptr uintptr) (uintptr, error) {
	if !h.Owns(ptr) {
		return 0, fmt.Errorf("redirect: heap does not own %#x", ptr)
	}
	hdr := unsafe.Slice((*byte)(unsafe.Pointer(ptr-heapHeaderSize)), heapHeaderSize)
	return uintptr(binary.LittleEndian.Uint64(hdr)), nil
}

// Free returns ptr's block to the free list.
func (h *heap) Free(ptr uintptr) error {
	if ptr == 0 {
		return nil
	}
	size, err := h.Size(ptr)
	if err != nil {
		return err
	}
	h.mu.Lock()
	h.free = append(h.free, freeBlock{base: ptr - heapHeaderSize, size: uint64(size + heapHeaderSize)})
	h.mu.Unlock()
	return nil
}

// Realloc allocates a new block of newSize, copies min(old, new) bytes from
// ptr, frees ptr, and returns the new pointer. ptr == 0 behaves like Alloc.
func (h *heap) Realloc(ptr uintptr, newSize uintptr) (uintptr, error) {
	if ptr == 0 {
		return h.Alloc(newSize, false)
	}
	oldSize, err := h.Size(ptr)
	if err != nil {
		return 0, err
	}
	newPtr, err := h.Alloc(newSize, false)
	if err != nil {
		return 0, err
	}
	n := oldSize
	if newSize < n {
		n = newSize
	}
	src := unsafe.Slice((*byte)(unsafe.Pointer(ptr)), n)
	dst := unsafe.Slice((*byte)(unsafe.Pointer(newPtr)), n)
	copy(dst, src)
	if err := h.Free(ptr); err != nil {
		return 0, err
	}
	return newPtr, nil
}
