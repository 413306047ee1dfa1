// Copyright the privldr authors. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

//go:build windows

package fls

import "syscall"

// NativeInvoker calls addr(arg) through syscall.Syscall, which performs
// the calling-convention marshaling and stack cleanup that would otherwise
// require a handwritten assembly thunk. The unused trailing arguments are
// harmless under stdcall.
func NativeInvoker(addr, arg uintptr) uintptr {
	ret, _, _ := syscall.Syscall(addr, 1, arg, 0, 0)
	return ret
}
