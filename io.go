// Copyright 2015 Google Inc. All Rights Reserved.
// Author: jacobsa@google.com (Aaron Jacobs)

package asymmetricfs

import (
	"golang.org/x/sys/unix"

	"github.com/ckennelly/asymmetricfs/openfile"
)

// Read delivers up to len(dst) bytes of handle's plaintext starting at
// offset. In read-write mode this forces a load of the backing
// ciphertext first; in write-only mode it is permitted only for a handle
// that created the file fresh (and is not append-only), per section 4.3.
func (fs *FileSystem) Read(handle uint64, dst []byte, offset int64) (int, error) {
	if offset < 0 {
		return 0, EINVAL
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	s, ok := fs.states[handle]
	if !ok {
		return 0, EBADF
	}

	if fs.readWrite {
		if s.Flags()&unix.O_APPEND == 0 {
			if err := s.Load(); err != nil {
				return 0, EIO
			}
		}
	} else if !s.Populated() || s.Flags()&unix.O_APPEND != 0 {
		return 0, EACCES
	}

	return s.Buffer().ReadAt(dst, offset)
}

// Write copies src into handle's plaintext buffer at offset, growing it as
// needed, and marks the handle dirty if any bytes were written.
func (fs *FileSystem) Write(handle uint64, src []byte, offset int64) (int, error) {
	if offset < 0 {
		return 0, EINVAL
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	s, ok := fs.states[handle]
	if !ok {
		return 0, EBADF
	}

	// An append-mode handle's buffer holds only the bytes written through
	// this handle, flushed as a new block after whatever is already on
	// disk (see openfile.State.Flush); it is never loaded with the file's
	// existing plaintext, and every write lands at the buffer's current
	// tail regardless of the offset the caller supplies, matching POSIX
	// O_APPEND semantics applied to that private tail.
	//
	// Write-only mode never loads: the buffer holds only what was written
	// through this handle (starting empty), and MarkDirty marks it
	// populated.
	appendMode := s.Flags()&unix.O_APPEND != 0
	if fs.readWrite && !appendMode {
		if err := s.Load(); err != nil {
			return 0, EIO
		}
	}
	if appendMode {
		offset = s.Buffer().Size()
	}

	n, err := s.Buffer().WriteAt(src, offset)
	if err != nil {
		return n, ENOMEM
	}
	if n > 0 {
		s.MarkDirty()
	}
	return n, nil
}

// Truncate resizes path to size. A file currently open is delegated to its
// state; an unopened file is truncated directly against the backing
// store when size is zero (lossless against ciphertext), or else loaded,
// resized, and re-flushed in read-write mode.
func (fs *FileSystem) Truncate(path string, size int64) error {
	if size < 0 {
		return EINVAL
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	if h, ok := fs.paths[path]; ok {
		return fs.truncateState(fs.states[h], size)
	}

	if size == 0 {
		fd, err := unix.Openat(fs.rootFd(), path, unix.O_WRONLY|unix.O_CLOEXEC, 0)
		if err != nil {
			return err
		}
		defer unix.Close(fd)
		return unix.Ftruncate(fd, 0)
	}

	if !fs.readWrite {
		return EACCES
	}

	fd, err := unix.Openat(fs.rootFd(), path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return err
	}

	transient := openfile.New(fd, unix.O_RDWR, path, fs.tool, fs.recipients, fs.policy)
	if err := transient.Load(); err != nil {
		transient.Close()
		return EIO
	}
	if err := transient.Buffer().Resize(size); err != nil {
		transient.Close()
		return ENOMEM
	}
	transient.MarkDirty()

	if err := transient.Flush(); err != nil {
		transient.Close()
		return EIO
	}
	return transient.Close()
}

// FTruncate resizes the file open under handle.
func (fs *FileSystem) FTruncate(handle uint64, size int64) error {
	if size < 0 {
		return EINVAL
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	s, ok := fs.states[handle]
	if !ok {
		return EBADF
	}
	return fs.truncateState(s, size)
}

func (fs *FileSystem) truncateState(s *openfile.State, size int64) error {
	if !fs.readWrite {
		// The source marks this as undesirable: a handle that created the
		// file itself could safely truncate it even in write-only mode, but
		// the implementation has never distinguished that case here.
		return EACCES
	}

	if err := s.Load(); err != nil {
		return EIO
	}
	if err := s.Buffer().Resize(size); err != nil {
		return ENOMEM
	}
	s.MarkDirty()
	return nil
}
