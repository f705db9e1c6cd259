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

// Package page implements a single page-aligned, page-multiple anonymous
// memory allocation (spec.md section 4.1, component C1), optionally locked
// into RAM so that plaintext is never paged to swap.
package page

import (
	"fmt"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/ckennelly/asymmetricfs/memlock"
)

// Size is the system page size. Every Allocation's length is a positive
// multiple of it.
var Size = unix.Getpagesize()

// Allocation is a contiguous, page-aligned region of anonymous memory.
//
// An Allocation is move-only: copying the struct and using both copies
// concurrently invalidates the invariant that exactly one owner calls
// Close. Callers that transfer ownership (e.g. moving an Allocation between
// map entries) must not retain the source variable afterward.
type Allocation struct {
	data   []byte
	locked bool
}

// New allocates a region of exactly n bytes, which must be a positive
// multiple of Size. If policy requires it, the region is locked into RAM;
// failure to do so is reported as an out-of-memory condition
// (syscall.ENOMEM), and no allocation is left behind.
func New(n int, policy memlock.Policy) (*Allocation, error) {
	if n <= 0 || n%Size != 0 {
		return nil, fmt.Errorf("page: invalid allocation size %d (page size %d)", n, Size)
	}

	data, err := unix.Mmap(
		-1, 0, n,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, syscall.ENOMEM
	}

	a := &Allocation{data: data}

	if policy.LocksIndividualBuffers() {
		if err := unix.Mlock(data); err != nil {
			unix.Munmap(data)
			return nil, syscall.ENOMEM
		}
		a.locked = true
	}

	return a, nil
}

// Bytes returns the allocation's backing memory. The slice is valid until
// Close is called; it is always len(n) == a.Size().
func (a *Allocation) Bytes() []byte {
	return a.data
}

// Size returns the allocation's immutable size in bytes.
func (a *Allocation) Size() int {
	return len(a.data)
}

// Close releases the allocation back to the OS. It is an error to use the
// Allocation afterward. Close is idempotent: a second call finds no memory
// left to release and returns nil.
func (a *Allocation) Close() error {
	if a.data == nil {
		return nil
	}
	if a.locked {
		unix.Munlock(a.data)
	}
	err := unix.Munmap(a.data)
	a.data = nil
	return err
}
