// Copyright the privldr authors. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

// Package xlog is a small leveled logger: a thin wrapper around the
// standard library log.Logger with a verbosity filter and a name prefix,
// so every component of the loader can log consistently without pulling in
// a logging framework the host process did not ask for.
package xlog

import (
	"fmt"
	"log"
	"os"
)

// Level controls which calls actually reach the underlying writer.
type Level int

const (
	// LevelSilent discards everything. Appropriate when the loader is
	// embedded in a process that has its own diagnostics story.
	LevelSilent Level = iota
	// LevelError logs failures only.
	LevelError
	// LevelVerbose logs failures and the major lifecycle events; in this
	// module those are host-module registration, bootstrap finalize and
	// each completed load.
	LevelVerbose
	// LevelDebug additionally passes Debugf messages. No code in this
	// module calls Debugf, so it logs what LevelVerbose logs.
	LevelDebug
)

// Logger is safe for concurrent use; it does no locking of its own beyond
// what the embedded log.Logger already provides.
type Logger struct {
	level Level
	tag   string
	std   *log.Logger
}

// New returns a Logger that writes to os.Stderr, prefixed with tag (e.g. the
// module name being loaded). A nil *Logger is valid and discards everything.
func New(level Level, tag string) *Logger {
	prefix := "privldr: "
	if tag != "" {
		prefix = fmt.Sprintf("privldr(%s): ", tag)
	}
	return &Logger{
		level: level,
		tag:   tag,
		std:   log.New(os.Stderr, prefix, log.Ldate|log.Ltime),
	}
}

func (l *Logger) enabled(lv Level) bool {
	return l != nil && l.level >= lv
}

// Errorf logs at LevelError and above.
func (l *Logger) Errorf(format string, args ...any) {
	if l.enabled(LevelError) {
		l.std.Printf("ERR: "+format, args...)
	}
}

// Verbosef logs at LevelVerbose and above.
func (l *Logger) Verbosef(format string, args ...any) {
	if l.enabled(LevelVerbose) {
		l.std.Printf(format, args...)
	}
}

// Debugf logs at LevelDebug only.
func (l *Logger) Debugf(format string, args ...any) {
	if l.enabled(LevelDebug) {
		l.std.Printf("DBG: "+format, args...)
	}
}
