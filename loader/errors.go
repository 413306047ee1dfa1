// Copyright the privldr authors. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package loader

import "errors"

// Sentinel errors of the lifecycle driver. Driver's operations return
// ErrFileNotFound, ErrEntryPointFailure, ErrResourceExhaustion,
// ErrNotInitialized, ErrAlreadyShutdown, ErrNotLoaded and
// ErrLoadChainTooDeep. ErrNotRelocatable, ErrRelocationFailed,
// ErrMalformedImage, ErrUnsupportedFeature and ErrDependencyNotFound are
// declared but no code returns them: those failures reach the caller as
// the wrapped errors of packages pe, mapper and resolve (for instance
// pe.ErrOrdinalImport, pe.ErrNotRelocatable or pe.ErrOutsideBoundary).
// Every wrapping error chain in this package is built with
// fmt.Errorf("...: %w", err) so callers can errors.Is against these while
// still getting a name-qualified message.
var (
	ErrFileNotFound        = errors.New("loader: file not found on any search path")
	ErrNotRelocatable      = errors.New("loader: image requires relocation but carries no relocation directory")
	ErrRelocationFailed    = errors.New("loader: relocation failed")
	ErrMalformedImage      = errors.New("loader: malformed PE image")
	ErrUnsupportedFeature  = errors.New("loader: unsupported image feature (ordinal import, delay-load import)")
	ErrDependencyNotFound  = errors.New("loader: dependency could not be resolved")
	ErrEntryPointFailure   = errors.New("loader: module entry point returned failure")
	ErrResourceExhaustion  = errors.New("loader: resource exhausted (bootstrap table or client-directory table full)")
	ErrNotInitialized      = errors.New("loader: Init has not been called")
	ErrAlreadyShutdown     = errors.New("loader: driver has already been shut down")
	ErrNotLoaded           = errors.New("loader: base address is not a currently loaded private module")
	ErrLoadChainTooDeep    = errors.New("loader: dependency chain exceeds the sanity bound")
)
