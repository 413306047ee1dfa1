// Copyright the privldr authors. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package pe

import (
	"fmt"
	"os"
)

// NewFromFile reads name fully into memory and parses it in ModeFile. It is
// the read-only, offline entry point used by cmd/privldump: no image is
// mapped, nothing is executed, and RVAs are translated through the section
// table rather than assumed to equal file offsets.
func NewFromFile(name string) (*Image, error) {
	data, err := os.ReadFile(name)
	if err != nil {
		return nil, fmt.Errorf("pe: %w", err)
	}
	return New(data, ModeFile)
}
