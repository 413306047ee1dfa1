// Copyright the privldr authors. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

//go:build windows

package loader

import "syscall"

// SyscallEntryInvoker is the real EntryInvoker, calling a module's
// DllMain-shaped entry point directly through syscall.Syscall, which
// already performs the stdcall argument marshaling. The third argument
// (lpvReserved) is always 0; real DllMain implementations only inspect it
// to distinguish process exit from FreeLibrary, and privldr never has a
// meaningful value to put there.
type SyscallEntryInvoker struct{}

var _ EntryInvoker = SyscallEntryInvoker{}

// CallEntry invokes entry(codeBase, reason, 0). Only PROCESS_ATTACH's return
// value is meaningful (non-zero means success, per DllMain's contract); the
// other three reason codes have no meaningful return value so success is
// always reported true for them.
func (SyscallEntryInvoker) CallEntry(entry, codeBase, reason uintptr) (bool, error) {
	r0, _, _ := syscall.Syscall(entry, 3, codeBase, reason, 0)
	if reason == reasonProcessAttach {
		return r0 != 0, nil
	}
	return true, nil
}
