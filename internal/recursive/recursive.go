// Package recursive implements a recursive (reentrant) mutex keyed by the
// calling goroutine, for the loader lock: resolving a module's imports can
// run that module's DllMain, which can call back into the loader
// (GetModuleHandleA, GetProcAddress, FlsAlloc redirections) on the same
// goroutine before the outer Lock has been released.
//
// Go's sync.Mutex has no notion of ownership, so there is no stdlib or
// ecosystem type for this; ownership is tracked by goroutine id, recovered
// the same way the (widely vendored) petermattis/goid package does it: by
// parsing the "goroutine NNN [running]:" header that runtime.Stack always
// emits. This is slower than a native identity check, but the loader lock is
// held for microseconds at a time (file I/O and a handful of syscalls), never
// in a hot loop, so the overhead is immaterial.
package recursive

import (
	"bytes"
	"runtime"
	"strconv"
	"sync"
)

func goroutineID() int64 {
	buf := make([]byte, 64)
	buf = buf[:runtime.Stack(buf, false)]
	buf = bytes.TrimPrefix(buf, []byte("goroutine "))
	i := bytes.IndexByte(buf, ' ')
	if i < 0 {
		return -1
	}
	id, err := strconv.ParseInt(string(buf[:i]), 10, 64)
	if err != nil {
		return -1
	}
	return id
}

// Mutex is a recursive mutual-exclusion lock. The zero value is ready to use.
type Mutex struct {
	mu    sync.Mutex
	owner int64
	depth int
}

// Lock acquires the mutex. If the calling goroutine already holds it, Lock
// increments the recursion depth and returns immediately instead of
// deadlocking.
func (m *Mutex) Lock() {
	id := goroutineID()
	m.mu.Lock()
	if m.depth > 0 && m.owner == id {
		m.depth++
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	m.acquire(id)
}

func (m *Mutex) acquire(id int64) {
	for {
		m.mu.Lock()
		if m.depth == 0 {
			m.owner = id
			m.depth = 1
			m.mu.Unlock()
			return
		}
		if m.owner == id {
			m.depth++
			m.mu.Unlock()
			return
		}
		m.mu.Unlock()
		runtime.Gosched()
	}
}

// Unlock releases one level of recursion. Unlocking a mutex not held by the
// calling goroutine, or unlocking more times than it was locked, panics.
func (m *Mutex) Unlock() {
	id := goroutineID()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.depth == 0 || m.owner != id {
		panic("recursive: Unlock of unheld mutex")
	}
	m.depth--
}

// HeldByCaller reports whether the calling goroutine currently holds the
// lock. Used by assertions, not for control flow.
func (m *Mutex) HeldByCaller() bool {
	id := goroutineID()
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.depth > 0 && m.owner == id
}
