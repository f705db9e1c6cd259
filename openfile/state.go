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

// Package openfile implements the per-open-file state machine of spec.md
// section 4.3 (component C4): a backing descriptor, a lazily populated
// plaintext page buffer, and the decrypt-on-open / encrypt-on-close flow
// that bridges ciphertext on disk and plaintext in memory.
package openfile

import (
	"bytes"
	"io"
	"os"
	"runtime"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/detailyang/go-fallocate"

	"github.com/ckennelly/asymmetricfs/internal/debuglog"
	"github.com/ckennelly/asymmetricfs/memlock"
	"github.com/ckennelly/asymmetricfs/pagebuf"
	"github.com/ckennelly/asymmetricfs/recipient"
	"github.com/ckennelly/asymmetricfs/subprocess"
)

// EndMarker delimits an armored encrypted block on the backing store, per
// spec.md section 6.
const EndMarker = "-----END PGP MESSAGE-----\n"

// loadChunkSize bounds how much of a non-final block is staged into the
// decryptor's stdin at a time (spec.md section 4.3).
const loadChunkSize = 1 << 20

// State holds everything spec.md section 3 lists for an open-file entry.
// It is never used from more than one goroutine at a time; FileSystem's
// mutex serializes all access.
type State struct {
	fd    int
	flags int
	path  string

	refCount int

	buf       *pagebuf.Buffer
	populated bool
	dirty     bool

	recipients []recipient.Recipient
	tool       string
	policy     memlock.Policy
}

// New creates a fresh open-file state over an already-open backing
// descriptor, with a reference count of one, per spec.md section 3
// ("Lifecycles").
func New(fd, flags int, path, tool string, recipients []recipient.Recipient, policy memlock.Policy) *State {
	return &State{
		fd:         fd,
		flags:      flags,
		path:       path,
		refCount:   1,
		buf:        pagebuf.New(policy),
		recipients: recipients,
		tool:       tool,
		policy:     policy,
	}
}

// Fd returns the backing descriptor.
func (s *State) Fd() int { return s.fd }

// Flags returns the flags the backing file was opened with.
func (s *State) Flags() int { return s.flags }

// Path returns the logical path this state currently answers for. It is
// updated by rename.
func (s *State) Path() string { return s.path }

// SetPath updates the logical path, used when rename retargets a live
// handle (spec.md section 4.4, "rename").
func (s *State) SetPath(p string) { s.path = p }

// Retain increments the reference count for a newly shared open handle.
func (s *State) Retain() { s.refCount++ }

// Release decrements the reference count and reports whether it has
// reached zero, meaning the caller must flush (if dirty) and close.
func (s *State) Release() bool {
	s.refCount--
	return s.refCount <= 0
}

// RefCount returns the current reference count.
func (s *State) RefCount() int { return s.refCount }

// Buffer returns the plaintext page buffer.
func (s *State) Buffer() *pagebuf.Buffer { return s.buf }

// Populated reports whether the buffer reflects the file's contents
// (either loaded from ciphertext, or created empty).
func (s *State) Populated() bool { return s.populated }

// Dirty reports whether the buffer has been written since it was last
// flushed.
func (s *State) Dirty() bool { return s.dirty }

// MarkDirty records that the buffer has outstanding writes that must be
// flushed on close. Per spec.md section 3, a dirty buffer must have been
// populated.
func (s *State) MarkDirty() {
	s.populated = true
	s.dirty = true
}

// MarkPopulatedEmpty records that this handle created the file (or found
// it already empty), so the buffer's empty contents are authoritative
// without a Load.
func (s *State) MarkPopulatedEmpty() {
	s.populated = true
}

// Load implements spec.md section 4.3's read-write-mode load algorithm: it
// maps the backing file, scans for armored block terminators, and invokes
// the external tool to decrypt each one into the page buffer. A failed
// load leaves the buffer cleared and unpopulated so the caller may retry.
func (s *State) Load() error {
	if s.populated {
		return nil
	}

	var st unix.Stat_t
	if err := unix.Fstat(s.fd, &st); err != nil {
		return err
	}
	size := st.Size

	if size == 0 {
		s.buf.Clear()
		s.populated = true
		return nil
	}

	data, err := unix.Mmap(s.fd, 0, int(size), unix.PROT_READ, unix.MAP_PRIVATE)
	if err != nil {
		return err
	}
	defer unix.Munmap(data)

	blocks := splitBlocks(data)
	if len(blocks) == 0 {
		return EIO
	}

	s.buf.Clear()

	if len(blocks) == 1 && blocks[0][0] == 0 && blocks[0][1] == len(data) {
		if err := s.loadWholeFile(); err != nil {
			s.buf.Clear()
			return err
		}
		s.populated = true
		return nil
	}

	for _, block := range blocks {
		chunk := data[block[0]:block[1]]
		if err := s.loadBlock(chunk); err != nil {
			s.buf.Clear()
			return err
		}
	}

	s.populated = true
	return nil
}

// splitBlocks locates every armored block in data, returning [start, end)
// pairs in ascending order. A file that does not end with a terminator
// (or contains no terminator at all) yields no blocks, which Load treats
// as a corrupt backing file.
func splitBlocks(data []byte) [][2]int {
	var blocks [][2]int
	marker := []byte(EndMarker)
	start := 0
	for start < len(data) {
		idx := bytes.Index(data[start:], marker)
		if idx < 0 {
			break
		}
		end := start + idx + len(marker)
		blocks = append(blocks, [2]int{start, end})
		start = end
	}
	if start != len(data) {
		// Trailing bytes after the last terminator are not a complete
		// block; the backing file is corrupt or truncated.
		return nil
	}
	return blocks
}

func (s *State) loadWholeFile() error {
	if _, err := unix.Seek(s.fd, 0, 0); err != nil {
		return err
	}

	proc, err := subprocess.New(s.fd, -1, s.tool, "--decrypt", "--no-tty", "--batch")
	if err != nil {
		return err
	}

	if err := proc.Communicate(nil, &appendWriter{s.buf}); err != nil {
		proc.Wait()
		return EIO
	}

	if status := proc.Wait(); status != 0 {
		return EIO
	}
	return nil
}

func (s *State) loadBlock(block []byte) error {
	proc, err := subprocess.New(-1, -1, s.tool, "--decrypt", "--no-tty", "--batch")
	if err != nil {
		return err
	}

	src := &chunkedReader{r: bytes.NewReader(block), chunk: loadChunkSize}
	if err := proc.Communicate(src, &appendWriter{s.buf}); err != nil {
		proc.Wait()
		return EIO
	}

	if status := proc.Wait(); status != 0 {
		return EIO
	}
	return nil
}

// chunkedReader caps each Read to a fixed chunk size, matching spec.md's
// description of writing a non-final block "in 1 MiB chunks". An ordinary
// io.Copy already requests in bounded chunks equal to its own buffer size,
// but an explicit cap keeps behavior independent of io.Copy's internals.
type chunkedReader struct {
	r     io.Reader
	chunk int
}

func (c *chunkedReader) Read(p []byte) (int, error) {
	if len(p) > c.chunk {
		p = p[:c.chunk]
	}
	return c.r.Read(p)
}

// appendWriter appends whatever it is given to the tail of a page buffer.
type appendWriter struct {
	buf *pagebuf.Buffer
}

func (w *appendWriter) Write(p []byte) (int, error) {
	return w.buf.WriteAt(p, w.buf.Size())
}

// Flush implements spec.md section 4.3's flush algorithm: it spawns the
// encryptor with stdout wired to the backing descriptor and splices the
// page buffer into its stdin. The descriptor is positioned here, since
// "positioned appropriately by the caller" (spec.md section 4.3) differs by
// open mode: a non-append handle's buffer holds the file's full plaintext,
// so the backing file is truncated and overwritten from byte 0; an append
// handle's buffer holds only the bytes written through this handle (see
// FileSystem.Write), so they are flushed as a new armored block after
// whatever is already on disk, which Load's multi-block scan concatenates
// back together on the next read.
func (s *State) Flush() error {
	if !s.dirty {
		return nil
	}

	var pos int64
	var err error
	if s.flags&unix.O_APPEND != 0 {
		pos, err = unix.Seek(s.fd, 0, unix.SEEK_END)
	} else {
		if pos, err = unix.Seek(s.fd, 0, unix.SEEK_SET); err == nil {
			err = unix.Ftruncate(s.fd, 0)
		}
	}
	if err != nil {
		return err
	}

	args := []string{"--encrypt", "--armor", "--no-tty", "--batch"}
	for _, r := range s.recipients {
		args = append(args, "-r", r.String())
	}

	// Best-effort extent hint; armoring expands plaintext, so this is not
	// exact and failures here are not fatal to the flush.
	if f := wrapFd(s.fd); f != nil {
		fallocate.Fallocate(f, pos, s.buf.Size())
	}

	proc, err := subprocess.New(-1, s.fd, s.tool, args...)
	if err != nil {
		return err
	}

	// Splice straight into the encryptor's owned stdin pipe: no
	// intermediate copy through Communicate is needed since the
	// descriptor we're writing to (the backing file) is already wired as
	// the child's stdout.
	_, spliceErr := s.buf.Splice(proc.StdinFd(), 0)
	closeErr := proc.CloseStdin()

	status := proc.Wait()

	if spliceErr != nil || closeErr != nil {
		return EIO
	}
	if status != 0 {
		debuglog.Get().Printf("openfile: flush of %s: encryptor exited %d", s.path, status)
		return EIO
	}

	s.dirty = false
	return nil
}

// Close releases the backing descriptor and the plaintext buffer. Callers
// must have already flushed if dirty.
func (s *State) Close() error {
	s.buf.Close()
	return unix.Close(s.fd)
}

// EIO is the sentinel this package returns for any child-exit or pipe
// failure, per spec.md section 7.
var EIO = syscall.EIO

// wrapFd wraps fd in an *os.File without taking ownership: its GC
// finalizer is disabled so the wrapper can be used for a single library
// call (e.g. Fallocate) without risking the real descriptor, which some
// other owner is responsible for, being closed out from under them.
func wrapFd(fd int) *os.File {
	f := os.NewFile(uintptr(fd), "")
	if f == nil {
		return nil
	}
	runtime.SetFinalizer(f, nil)
	return f
}
