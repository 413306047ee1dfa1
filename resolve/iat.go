// Copyright the privldr authors. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package resolve

import (
	"encoding/binary"
	"unsafe"
)

// writeIATSlot writes addr into the width-byte IAT entry at slot. width is
// either 4 (PE32) or 8 (PE32+); addr is truncated silently in the 4-byte
// case, matching how a 32-bit loader would write its own pointer-sized
// thunks.
func writeIATSlot(slot uintptr, addr uintptr, width uintptr) {
	dst := unsafe.Slice((*byte)(unsafe.Pointer(slot)), width)
	if width == 8 {
		binary.LittleEndian.PutUint64(dst, uint64(addr))
		return
	}
	binary.LittleEndian.PutUint32(dst, uint32(addr))
}
