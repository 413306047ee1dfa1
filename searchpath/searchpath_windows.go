// Copyright the privldr authors. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

//go:build windows

package searchpath

import (
	"fmt"

	"golang.org/x/sys/windows"
	"golang.org/x/sys/windows/registry"
)

// SystemRoot reads the system root path ("%SystemRoot%", typically
// C:\Windows) from the same place the OS itself keeps it: the
// HKLM\SOFTWARE\Microsoft\Windows NT\CurrentVersion "SystemRoot" value.
// Reading the registry directly avoids depending on the environment block
// (which a loaded-as-a-library process may not control). If the key or
// value is unreadable it falls back to GetWindowsDirectory.
func SystemRoot() (string, error) {
	k, err := registry.OpenKey(registry.LOCAL_MACHINE, `SOFTWARE\Microsoft\Windows NT\CurrentVersion`, registry.QUERY_VALUE)
	if err == nil {
		defer k.Close()
		if root, _, err := k.GetStringValue("SystemRoot"); err == nil {
			return root, nil
		}
	}

	root, err := windows.GetWindowsDirectory()
	if err != nil {
		return "", fmt.Errorf("searchpath: GetWindowsDirectory: %w", err)
	}
	return root, nil
}
