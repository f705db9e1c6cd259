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

// Package pagebuf implements the sparse, page-aligned plaintext buffer of
// spec.md section 4.1 (component C2): an ordered map from page-aligned base
// offset to page.Allocation, plus an exact logical size.
package pagebuf

import (
	"sort"
	"syscall"

	"github.com/ckennelly/asymmetricfs/memlock"
	"github.com/ckennelly/asymmetricfs/page"
)

func pageRoundDown(x int64) int64 {
	p := int64(page.Size)
	return (x / p) * p
}

func pageRoundUp(x int64) int64 {
	p := int64(page.Size)
	if x%p == 0 {
		return x
	}
	return pageRoundDown(x) + p
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

// Buffer is a sparse, page-aligned in-memory representation of a file's
// plaintext contents (spec.md section 3, "Page buffer").
//
// A zero Buffer is not usable; construct one with New. Buffer is not safe
// for concurrent use; the caller (openfile.State, serialized in turn by
// FileSystem's mutex) guarantees single-threaded access.
type Buffer struct {
	policy memlock.Policy
	size   int64

	// bases is kept sorted ascending; pages[bases[i]] is the allocation
	// rooted at that offset. Together they form the ordered map described
	// in spec.md section 4.1.
	bases []int64
	pages map[int64]*page.Allocation

	// scratchPage is a reusable zeroed allocation used by Splice to fill
	// gaps between allocations without touching actual file data.
	scratchPage *page.Allocation
}

// New returns an empty Buffer governed by the given memory-lock policy.
func New(policy memlock.Policy) *Buffer {
	return &Buffer{
		policy: policy,
		pages:  make(map[int64]*page.Allocation),
	}
}

// Size returns the buffer's logical size in bytes.
func (b *Buffer) Size() int64 {
	return b.size
}

// indexAtOrBefore returns the index into b.bases of the allocation with the
// largest base <= offset, or -1 if none exists.
func (b *Buffer) indexAtOrBefore(offset int64) int {
	i := sort.Search(len(b.bases), func(i int) bool { return b.bases[i] > offset })
	return i - 1
}

func (b *Buffer) insert(base int64, a *page.Allocation) {
	i := sort.Search(len(b.bases), func(i int) bool { return b.bases[i] >= base })
	b.bases = append(b.bases, 0)
	copy(b.bases[i+1:], b.bases[i:])
	b.bases[i] = base
	b.pages[base] = a
}

func (b *Buffer) removeAt(i int) {
	base := b.bases[i]
	b.pages[base].Close()
	delete(b.pages, base)
	b.bases = append(b.bases[:i], b.bases[i+1:]...)
}

// WriteAt copies src into the buffer at offset, extending the logical size
// to at least offset+len(src) and allocating whatever page-aligned regions
// are needed to hold it. Allocation failure (out-of-memory, including mlock
// quota exhaustion) leaves the buffer entirely unchanged.
func (b *Buffer) WriteAt(src []byte, offset int64) (int, error) {
	if offset < 0 {
		return 0, syscall.EINVAL
	}
	n := int64(len(src))
	if n == 0 {
		return 0, nil
	}
	end := offset + n

	// Pass 1: ensure every byte in [offset, end) is covered by some
	// allocation, without mutating any existing allocation's contents or
	// the logical size. If an allocation fails partway through, roll back
	// only what this call created so the buffer is left as it was found.
	var created []int64
	pos := offset
	for pos < end {
		idx := b.indexAtOrBefore(pos)
		if idx >= 0 {
			base := b.bases[idx]
			asize := int64(b.pages[base].Size())
			if pos < base+asize {
				pos = min64(base+asize, end)
				continue
			}
		}

		regionStart := pageRoundDown(pos)
		regionEnd := pageRoundUp(end)
		if next := idx + 1; next < len(b.bases) && b.bases[next] < regionEnd {
			regionEnd = b.bases[next]
		}

		alloc, err := page.New(int(regionEnd-regionStart), b.policy)
		if err != nil {
			for _, base := range created {
				i := b.indexAtOrBefore(base)
				b.removeAt(i)
			}
			return 0, err
		}
		b.insert(regionStart, alloc)
		created = append(created, regionStart)
		pos = regionStart + int64(alloc.Size())
	}

	// Pass 2: now that coverage is guaranteed, copy the data. This cannot
	// fail.
	pos = offset
	for pos < end {
		idx := b.indexAtOrBefore(pos)
		base := b.bases[idx]
		alloc := b.pages[base]
		copyStart := pos - base
		copyLen := min64(int64(alloc.Size())-copyStart, end-pos)
		copy(alloc.Bytes()[copyStart:copyStart+copyLen], src[pos-offset:pos-offset+copyLen])
		pos += copyLen
	}

	if end > b.size {
		b.size = end
	}
	return int(n), nil
}

// ReadAt copies into dst the buffer's contents starting at offset, clamped
// to the logical size, zero-filling any holes. It returns the number of
// bytes delivered, which may be less than len(dst) (never an error for
// reads past the end of the buffer).
func (b *Buffer) ReadAt(dst []byte, offset int64) (int, error) {
	if offset < 0 {
		return 0, syscall.EINVAL
	}

	avail := b.size - offset
	if avail < 0 {
		avail = 0
	}
	n := int64(len(dst))
	if n > avail {
		n = avail
	}
	dst = dst[:n]
	for i := range dst {
		dst[i] = 0
	}
	if n == 0 {
		return 0, nil
	}

	end := offset + n
	idx := b.indexAtOrBefore(offset)
	if idx < 0 {
		idx = 0
	}

	pos := offset
	for pos < end {
		if idx >= len(b.bases) {
			break
		}
		base := b.bases[idx]
		alloc := b.pages[base]
		asize := int64(alloc.Size())

		if pos < base {
			pos = min64(base, end)
			continue
		}
		if pos >= base+asize {
			idx++
			continue
		}

		copyStart := pos - base
		copyLen := min64(asize-copyStart, end-pos)
		copy(dst[pos-offset:pos-offset+copyLen], alloc.Bytes()[copyStart:copyStart+copyLen])
		pos += copyLen
		if copyStart+copyLen == asize {
			idx++
		}
	}

	return int(n), nil
}

// Resize changes the logical size. Shrinking drops every allocation whose
// base is >= n; an allocation straddling n is kept intact (its tail stays
// allocated, merely invisible, until a further shrink crosses its base).
func (b *Buffer) Resize(n int64) error {
	if n < 0 {
		return syscall.EINVAL
	}
	for len(b.bases) > 0 {
		last := len(b.bases) - 1
		if b.bases[last] < n {
			break
		}
		b.removeAt(last)
	}
	b.size = n
	return nil
}

// Clear drops all allocations and resets the logical size to zero.
func (b *Buffer) Clear() {
	for _, base := range b.bases {
		b.pages[base].Close()
	}
	b.bases = nil
	b.pages = make(map[int64]*page.Allocation)
	b.size = 0
}

// Close releases the buffer's allocations, including the Splice scratch
// page if one was ever allocated. The buffer must not be used afterward.
func (b *Buffer) Close() {
	b.Clear()
	if b.scratchPage != nil {
		b.scratchPage.Close()
		b.scratchPage = nil
	}
}
