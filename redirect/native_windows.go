// Copyright the privldr authors. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

//go:build windows

package redirect

import (
	"sync"

	"golang.org/x/sys/windows"
)

// native resolves and calls the real ntdll/kernel32 routines a substitute
// falls through to once it has decided a given pointer isn't one of ours.
// Procs are resolved lazily through windows.NewLazySystemDLL and cached,
// since x/sys/windows doesn't wrap most of them directly.
type native struct {
	mu    sync.Mutex
	dlls  map[string]*windows.LazyDLL
	procs map[string]*windows.LazyProc
}

func newNative() *native {
	return &native{
		dlls:  make(map[string]*windows.LazyDLL),
		procs: make(map[string]*windows.LazyProc),
	}
}

func (n *native) proc(dll, name string) *windows.LazyProc {
	key := dll + "!" + name
	n.mu.Lock()
	defer n.mu.Unlock()
	if p, ok := n.procs[key]; ok {
		return p
	}
	d, ok := n.dlls[dll]
	if !ok {
		d = windows.NewLazySystemDLL(dll)
		n.dlls[dll] = d
	}
	p := d.NewProc(name)
	n.procs[key] = p
	return p
}

// call forwards to the real routine with up to four stdcall arguments. The
// Call's own lastErr is just GetLastError() mirrored back, not a Go-level
// failure signal — stdcall routines communicate failure through their
// return value, so only Find (proc resolution) is treated as an error here.
func (n *native) call(dll, name string, args ...uintptr) (uintptr, error) {
	p := n.proc(dll, name)
	if err := p.Find(); err != nil {
		return 0, err
	}
	r1, _, _ := p.Call(args...)
	return r1, nil
}
