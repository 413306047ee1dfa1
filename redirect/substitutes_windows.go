// Copyright the privldr authors. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

//go:build windows

package redirect

import (
	"unsafe"

	"golang.org/x/sys/windows"
)

// maxCStringProbe bounds the defensive scan readCString does when looking
// for a NUL terminator in foreign memory, the same way pe.readCString
// bounds its own scans against a hostile or truncated image.
const maxCStringProbe = 4096

func readCString(addr uintptr) string {
	if addr == 0 {
		return ""
	}
	buf := make([]byte, 0, 64)
	for i := uintptr(0); i < maxCStringProbe; i++ {
		b := *(*byte)(unsafe.Pointer(addr + i))
		if b == 0 {
			break
		}
		buf = append(buf, b)
	}
	return string(buf)
}

// unicodeString mirrors UNICODE_STRING/STRING/OEM_STRING on amd64: two
// USHORTs followed by 4 bytes of padding so the pointer field lands
// 8-byte aligned.
type unicodeString struct {
	Length        uint16
	MaximumLength uint16
	_             uint32
	Buffer        uintptr
}

func (s *Shim) build() {
	n := newNative()

	// RtlAllocateHeap only takes over for the process's default heap;
	// private libraries that create their own heaps via RtlCreateHeap get
	// the real routine untouched.
	defaultHeap, _ := n.call("kernel32.dll", "GetProcessHeap")

	s.ntdll = map[string]Substitute{
		"LdrSetDllManifestProber": Substitute(windows.NewCallback(func(prober uintptr) uintptr {
			// The manifest prober only matters for side-by-side assembly
			// probing of externally loaded DLLs; a private library has
			// already been fully resolved by the time it would run, so
			// there is nothing to hook and STATUS_SUCCESS is honest.
			return 0
		})),
		"RtlSetThreadPoolStartFunc": Substitute(windows.NewCallback(func(start, finish uintptr) uintptr {
			return 0
		})),
		"RtlSetUnhandledExceptionFilter": Substitute(windows.NewCallback(func(filter uintptr) uintptr {
			return 0
		})),
		"RtlAllocateHeap": Substitute(windows.NewCallback(func(heapHandle, flags, size uintptr) uintptr {
			if heapHandle != defaultHeap {
				r, _ := n.call("ntdll.dll", "RtlAllocateHeap", heapHandle, flags, size)
				return r
			}
			ptr, err := s.heap.Alloc(size, flags&heapZeroMemory != 0)
			if err != nil {
				r, _ := n.call("ntdll.dll", "RtlAllocateHeap", heapHandle, flags, size)
				return r
			}
			return ptr
		})),
		"RtlReAllocateHeap": Substitute(windows.NewCallback(func(heapHandle, flags, ptr, size uintptr) uintptr {
			if !s.heap.Owns(ptr) {
				r, _ := n.call("ntdll.dll", "RtlReAllocateHeap", heapHandle, flags, ptr, size)
				return r
			}
			newPtr, err := s.heap.Realloc(ptr, size)
			if err != nil {
				return 0
			}
			return newPtr
		})),
		"RtlFreeHeap": Substitute(windows.NewCallback(func(heapHandle, flags, ptr uintptr) uintptr {
			if !s.heap.Owns(ptr) {
				r, _ := n.call("ntdll.dll", "RtlFreeHeap", heapHandle, flags, ptr)
				return r
			}
			if err := s.heap.Free(ptr); err != nil {
				return 0
			}
			return 1
		})),
		"RtlSizeHeap": Substitute(windows.NewCallback(func(heapHandle, flags, ptr uintptr) uintptr {
			if !s.heap.Owns(ptr) {
				r, _ := n.call("ntdll.dll", "RtlSizeHeap", heapHandle, flags, ptr)
				return r
			}
			size, err := s.heap.Size(ptr)
			if err != nil {
				return ^uintptr(0) // matches RtlSizeHeap's (SIZE_T)-1 failure return
			}
			return size
		})),
		"RtlFreeUnicodeString": Substitute(windows.NewCallback(s.freeString("RtlFreeUnicodeString"))),
		"RtlFreeAnsiString":    Substitute(windows.NewCallback(s.freeString("RtlFreeAnsiString"))),
		"RtlFreeOemString":     Substitute(windows.NewCallback(s.freeString("RtlFreeOemString"))),
	}

	s.kernel32 = map[string]Substitute{
		"FlsAlloc": Substitute(windows.NewCallback(func(callback uintptr) uintptr {
			unlock := s.lock()
			if s.reg.Contains(callback) {
				s.fls.Register(callback)
				if s.trackCode != nil {
					s.trackCode(callback)
				}
			}
			unlock()
			r, _ := n.call("kernel32.dll", "FlsAlloc", callback)
			return r
		})),
		"GetModuleHandleA": Substitute(windows.NewCallback(func(namePtr uintptr) uintptr {
			name := readCString(namePtr)
			unlock := s.lock()
			m := s.reg.LookupByName(name)
			unlock()
			if m != nil {
				return m.Base
			}
			r, _ := n.call("kernel32.dll", "GetModuleHandleA", namePtr)
			return r
		})),
		"GetProcAddress": Substitute(windows.NewCallback(func(hModule, procNamePtr uintptr) uintptr {
			unlock := s.lock()
			m := s.reg.LookupByBase(hModule)
			if m == nil || m.Image == nil {
				unlock()
				r, _ := n.call("kernel32.dll", "GetProcAddress", hModule, procNamePtr)
				return r
			}
			// procNamePtr may be an ordinal packed in the low word (per
			// the classic GetProcAddress convention, high word zero)
			// rather than a string pointer; only the name form is looked
			// up against a private module's own exports.
			if procNamePtr>>16 == 0 {
				unlock()
				r, _ := n.call("kernel32.dll", "GetProcAddress", hModule, procNamePtr)
				return r
			}
			name := readCString(procNamePtr)
			// The redirection table wins over the module's own exports, so a
			// private library asking for, say, a privately loaded kernel32's
			// FlsAlloc gets the same substitute its IAT would have gotten.
			if sub, ok := s.LookupByModuleName(m.Name, name); ok {
				unlock()
				return uintptr(sub)
			}
			// Forwarder chains must be followed through the private registry:
			// the real loader has never heard of hModule, so handing it a
			// forwarded export (or any export of a private module) would come
			// back NULL. The driver's resolver does exactly what IAT
			// population does, so both always agree.
			if s.exports != nil {
				addr, err := s.exports.ResolveExport(m, name)
				unlock()
				if err == nil {
					return addr
				}
				r, _ := n.call("kernel32.dll", "GetProcAddress", hModule, procNamePtr)
				return r
			}
			res, ok, err := m.Image.ExportByName(name)
			unlock()
			if err != nil || !ok || res.IsForwarder() {
				r, _ := n.call("kernel32.dll", "GetProcAddress", hModule, procNamePtr)
				return r
			}
			return m.Base + uintptr(res.RVA)
		})),
	}
}

// freeString returns the RtlFree*String substitute body shared by the
// Unicode/Ansi/Oem variants: all three structures share the same
// Length/MaximumLength/Buffer layout, just with different character widths,
// which freeing never needs to know.
func (s *Shim) freeString(forwardName string) func(strPtr uintptr) uintptr {
	n := newNative()
	return func(strPtr uintptr) uintptr {
		if strPtr == 0 {
			return 0
		}
		str := (*unicodeString)(unsafe.Pointer(strPtr))
		if str.Buffer == 0 {
			return 0
		}
		if !s.heap.Owns(str.Buffer) {
			r, _ := n.call("ntdll.dll", forwardName, strPtr)
			return r
		}
		_ = s.heap.Free(str.Buffer)
		str.Length = 0
		str.MaximumLength = 0
		str.Buffer = 0
		return 0
	}
}
