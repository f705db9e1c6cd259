// Copyright 2015 Google Inc. All Rights Reserved.
// Author: jacobsa@google.com (Aaron Jacobs)

package asymmetricfs

import (
	"os"

	"golang.org/x/sys/unix"

	"github.com/ckennelly/asymmetricfs/openfile"
)

// Create opens path, forcing O_CREAT, per section 4.4's create/open
// contract.
func (fs *FileSystem) Create(path string, mode os.FileMode, flags int) (uint64, error) {
	return fs.openOrShare(path, flags|unix.O_CREAT, mode)
}

// Open opens an existing path, or (if flags carries O_CREAT) creates it.
// In write-only mode, a request for read access combined with create
// additionally forces O_EXCL, so a pre-existing file cannot be read under
// the guise of creation.
func (fs *FileSystem) Open(path string, flags int) (uint64, error) {
	if !fs.readWrite && flags&unix.O_CREAT != 0 {
		switch flags & unix.O_ACCMODE {
		case unix.O_RDONLY, unix.O_RDWR:
			flags |= unix.O_EXCL
		}
	}
	return fs.openOrShare(path, flags, 0)
}

func (fs *FileSystem) openOrShare(path string, flags int, mode os.FileMode) (uint64, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if h, ok := fs.paths[path]; ok {
		fs.states[h].Retain()
		return h, nil
	}

	fd, err := fs.openBacking(path, flags, uint32(mode.Perm()))
	if err != nil {
		return 0, err
	}

	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		unix.Close(fd)
		return 0, err
	}

	h := fs.allocHandle()
	state := openfile.New(fd, flags, path, fs.tool, fs.recipients, fs.policy)
	if st.Size == 0 {
		state.MarkPopulatedEmpty()
	}

	fs.states[h] = state
	fs.paths[path] = h
	return h, nil
}

// Release drops a reference to handle. When the last reference goes away,
// the state is flushed (if dirty) and its backing descriptor closed.
func (fs *FileSystem) Release(handle uint64) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	s, ok := fs.states[handle]
	if !ok {
		return EBADF
	}
	if !s.Release() {
		return nil
	}

	delete(fs.states, handle)
	delete(fs.paths, s.Path())

	var flushErr error
	if s.Dirty() {
		flushErr = s.Flush()
	}
	if err := s.Close(); err != nil && flushErr == nil {
		flushErr = err
	}
	if flushErr != nil {
		return EIO
	}
	return nil
}

// Flush corresponds to the FUSE flush operation, which may be called more
// than once per open (once per close(2) of a duplicated descriptor). The
// core's actual encrypt-on-close work happens at Release time, once the
// last reference is known to be going away; Flush itself has nothing to
// do.
func (fs *FileSystem) Flush(handle uint64) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if _, ok := fs.states[handle]; !ok {
		return EBADF
	}
	return nil
}

// Fsync passes through to the backing descriptor. It says nothing about
// the durability of the plaintext buffer, which is only guaranteed to
// reach disk (as ciphertext) at Release.
func (fs *FileSystem) Fsync(handle uint64, dataOnly bool) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	s, ok := fs.states[handle]
	if !ok {
		return EBADF
	}
	if dataOnly {
		return unix.Fdatasync(s.Fd())
	}
	return unix.Fsync(s.Fd())
}
