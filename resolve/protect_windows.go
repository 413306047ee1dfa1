// Copyright the privldr authors. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

//go:build windows

package resolve

import (
	"fmt"

	"golang.org/x/sys/windows"
)

// PageProtector is the real Protector, backed directly by VirtualProtect.
// Spans that cross a page boundary are handled by VirtualProtect itself,
// which accepts a byte range spanning multiple pages and adjusts every
// page it covers.
type PageProtector struct{}

var _ Protector = PageProtector{}

func (PageProtector) MakeWritable(addr, size uintptr) (func() error, error) {
	var oldProtect uint32
	if err := windows.VirtualProtect(addr, size, windows.PAGE_READWRITE, &oldProtect); err != nil {
		return nil, fmt.Errorf("resolve: VirtualProtect(%#x, %d, PAGE_READWRITE): %w", addr, size, err)
	}
	restore := func() error {
		var discard uint32
		if err := windows.VirtualProtect(addr, size, oldProtect, &discard); err != nil {
			return fmt.Errorf("resolve: restoring protection at %#x: %w", addr, err)
		}
		return nil
	}
	return restore, nil
}
