// Copyright the privldr authors. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package registry

import "fmt"

// bootstrapCapacity bounds the static array used before the loader's own
// allocator is available. 16 comfortably covers a client DLL plus its
// direct, bootstrap-time-loaded dependencies.
const bootstrapCapacity = 16

type bootstrapSlot struct {
	used bool
	base uintptr
	size uintptr
	name string
}

// BootstrapTable holds provisional module records created before the
// loader's heap is up. It has no relationship to Registry until Migrate
// copies its entries over; once that happens the static storage is dead
// and every later insert goes through the allocator.
type BootstrapTable struct {
	slots [bootstrapCapacity]bootstrapSlot
	n     int
}

// ErrBootstrapFull is returned once all bootstrapCapacity slots are in use.
var ErrBootstrapFull = fmt.Errorf("registry: bootstrap table is full (capacity %d)", bootstrapCapacity)

// Reserve records a provisional module. It fails once the table is full;
// the caller (the lifecycle driver, during init) has no fallback at that
// point other than failing bootstrap entirely, since the heap isn't live
// yet.
func (b *BootstrapTable) Reserve(base, size uintptr, name string) error {
	for i := range b.slots {
		if !b.slots[i].used {
			b.slots[i] = bootstrapSlot{used: true, base: base, size: size, name: name}
			b.n++
			return nil
		}
	}
	return ErrBootstrapFull
}

// Len reports how many provisional records are pending migration.
func (b *BootstrapTable) Len() int { return b.n }

// Migrate inserts every reserved record into reg and clears the table.
// Bootstrap-time client libraries are assumed to have no dependency edges
// between each other yet (those are discovered later, during finalize), so
// migration order among them is insertion order at the head; it only
// matters relative to the already-registered externally-loaded host
// modules, which Migrate never touches.
func (b *BootstrapTable) Migrate(reg *Registry) error {
	for i := range b.slots {
		if !b.slots[i].used {
			continue
		}
		if _, err := reg.Insert(nil, b.slots[i].base, b.slots[i].size, b.slots[i].name); err != nil {
			return fmt.Errorf("registry: migrating bootstrap slot %q: %w", b.slots[i].name, err)
		}
		b.slots[i] = bootstrapSlot{}
	}
	b.n = 0
	return nil
}
