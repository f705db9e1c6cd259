// Copyright 2015 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package memlock implements the process-wide memory-lock policy described
// in spec.md section 4.5: whether plaintext pages are pinned into RAM, and
// whether core dumps are permitted at all.
package memlock

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Policy selects how aggressively page allocations are locked into RAM so
// that plaintext is never written to swap.
type Policy int

const (
	// None performs no locking at all.
	None Policy = iota

	// Buffers locks each page allocation individually at allocation time.
	// Failure to lock a given allocation (e.g. due to RLIMIT_MEMLOCK) is
	// reported as an out-of-memory condition for that allocation alone.
	Buffers

	// All locks the entire address space of the process once, at startup.
	// Failure is fatal: there is no way to later recover the guarantee that
	// every allocation is resident.
	All
)

// ParsePolicy parses the --memory-lock flag values from spec.md section 6.
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "all":
		return All, nil
	case "buffers":
		return Buffers, nil
	case "none":
		return None, nil
	default:
		return None, fmt.Errorf("memlock: unknown policy %q", s)
	}
}

// LockAll applies mlockall(2) to the whole process. It must be called once
// at startup when Policy is All; any failure here is meant to be fatal to
// the caller.
func LockAll() error {
	return unix.Mlockall(unix.MCL_CURRENT | unix.MCL_FUTURE)
}

// LocksIndividualBuffers reports whether page allocations performed under
// this policy must each be mlock'd as they are created.
func (p Policy) LocksIndividualBuffers() bool {
	return p == Buffers
}

// DisableCoreDumps is the one-shot startup action behind the
// --enable-core-dumps flag of spec.md section 6: absent that flag, core
// dumps (which would otherwise contain plaintext) are disabled process-wide
// by zeroing RLIMIT_CORE.
func DisableCoreDumps() error {
	limit := unix.Rlimit{Cur: 0, Max: 0}
	return unix.Setrlimit(unix.RLIMIT_CORE, &limit)
}
