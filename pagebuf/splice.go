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

package pagebuf

import (
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/ckennelly/asymmetricfs/page"
)

// maxIovecs bounds a single Vmsplice call; the kernel itself caps the
// number of iovecs it will accept from a single syscall (IOV_MAX), so a
// caller asking for more must loop.
const maxIovecs = 1024

// pipeCapacity bounds how many bytes a single vmsplice-then-splice batch may
// push into the internal pipe. pipe2CloseExec creates a pipe of the
// kernel's default capacity (64 KiB on Linux) and nothing drains it
// concurrently with Vmsplice filling it, so a batch larger than that would
// fill the pipe and block inside Vmsplice forever with no reader running.
// Each batch is therefore capped to this many bytes, not just to maxIovecs
// entries, before spliceAll is given a chance to drain it.
const pipeCapacity = 1 << 16

// scratchChunk is the size of the reusable zeroed region used to splice
// zero-filled gaps between allocations.
const scratchChunk = 1 << 20 // 1 MiB

// Splice transfers the buffer's entire logical content to fd using the
// vmsplice/splice zero-copy path for the whole-page prefix and an ordinary
// write for the trailing partial page (spec.md section 4.1). It returns the
// total number of bytes transferred. On failure it returns the error from
// the underlying call together with the bytes transferred before it, or -1
// if the internal pipe could not be created.
func (b *Buffer) Splice(fd int, flags int) (int64, error) {
	if b.size == 0 {
		return 0, nil
	}

	w := pageRoundDown(b.size)

	r, wr, err := pipe2CloseExec()
	if err != nil {
		return -1, err
	}
	defer unix.Close(r)
	defer unix.Close(wr)

	var total int64

	if w > 0 {
		scratch, err := b.scratch()
		if err != nil {
			return total, err
		}

		pos := int64(0)
		idx := 0
		if len(b.bases) > 0 {
			idx = b.indexAtOrBefore(0)
			if idx < 0 {
				idx = 0
			}
		}

		for pos < w {
			var iov []unix.Iovec
			var batchBytes int64

			for len(iov) < maxIovecs && pos < w && batchBytes < pipeCapacity {
				var base, segLen int64
				var data []byte

				if idx < len(b.bases) && b.bases[idx] <= pos && pos < b.bases[idx]+int64(b.pages[b.bases[idx]].Size()) {
					base = b.bases[idx]
					alloc := b.pages[base]
					off := pos - base
					segLen = int64(alloc.Size()) - off
					if pos+segLen > w {
						segLen = w - pos
					}
					if segLen > pipeCapacity-batchBytes {
						segLen = pipeCapacity - batchBytes
					}
					data = alloc.Bytes()[off : off+segLen]
					if off+segLen == int64(alloc.Size()) {
						idx++
					}
				} else {
					// Gap: splice zeroed pages from the scratch allocation.
					nextBase := w
					if idx < len(b.bases) {
						nextBase = b.bases[idx]
					}
					segLen = nextBase - pos
					if segLen > scratchChunk {
						segLen = scratchChunk
					}
					if segLen > pipeCapacity-batchBytes {
						segLen = pipeCapacity - batchBytes
					}
					data = scratch.Bytes()[:segLen]
				}

				iov = append(iov, unix.Iovec{Base: &data[0]})
				iov[len(iov)-1].SetLen(int(segLen))
				pos += segLen
				batchBytes += segLen
			}

			if err := vmspliceAll(wr, iov, flags); err != nil {
				return total, err
			}

			var ioLen int64
			for _, v := range iov {
				ioLen += int64(v.Len)
			}

			n, err := spliceAll(r, fd, ioLen, flags)
			total += n
			if err != nil {
				return total, err
			}
		}
	}

	if b.size > w {
		tail := make([]byte, b.size-w)
		if _, err := b.ReadAt(tail, w); err != nil {
			return total, err
		}
		n, err := unix.Write(fd, tail)
		total += int64(n)
		if err != nil {
			return total, err
		}
	}

	return total, nil
}

// scratch returns the buffer's reusable zeroed page used to fill gaps
// during Splice, lazily allocating it on first use.
func (b *Buffer) scratch() (*page.Allocation, error) {
	if b.scratchPage == nil {
		a, err := page.New(scratchChunk, b.policy)
		if err != nil {
			return nil, err
		}
		b.scratchPage = a
	}
	return b.scratchPage, nil
}

func pipe2CloseExec() (r, w int, err error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_CLOEXEC); err != nil {
		return -1, -1, err
	}
	return fds[0], fds[1], nil
}

// vmspliceAll drains iov into the pipe write end wr, looping as the spec
// requires: resuming from the first partially-consumed entry when the
// kernel reports fewer bytes written than requested.
func vmspliceAll(wr int, iov []unix.Iovec, flags int) error {
	for len(iov) > 0 {
		n, err := unix.Vmsplice(wr, iov, flags)
		if err != nil {
			return err
		}
		if n == 0 {
			continue
		}
		for n > 0 && len(iov) > 0 {
			if int64(iov[0].Len) <= int64(n) {
				n -= int(iov[0].Len)
				iov = iov[1:]
			} else {
				iov[0].Base = advance(iov[0].Base, n)
				iov[0].SetLen(int(iov[0].Len) - n)
				n = 0
			}
		}
	}
	return nil
}

// spliceAll moves exactly total bytes from the pipe read end r to fd,
// looping to absorb short splices.
func spliceAll(r, fd int, total int64, flags int) (int64, error) {
	var moved int64
	for moved < total {
		n, err := unix.Splice(r, nil, fd, nil, int(total-moved), flags)
		if err != nil {
			return moved, err
		}
		if n == 0 {
			break
		}
		moved += n
	}
	return moved, nil
}

func advance(p *byte, n int) *byte {
	return (*byte)(unsafe.Pointer(uintptr(unsafe.Pointer(p)) + uintptr(n)))
}
