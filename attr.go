// Copyright 2015 Google Inc. All Rights Reserved.
// Author: jacobsa@google.com (Aaron Jacobs)

package asymmetricfs

import (
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ckennelly/asymmetricfs/openfile"
)

// readOnlyMask clears the three read-permission bits of st_mode, applied
// to non-directory entries in write-only mode so a caller cannot infer
// that a decryptable read is possible.
const readOnlyMask = ^uint32(0444)

// GetAttr stats path: an open file's attributes come from its state (see
// FGetAttr); otherwise the backing entry is stat'd directly.
func (fs *FileSystem) GetAttr(path string) (unix.Stat_t, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if h, ok := fs.paths[path]; ok {
		return fs.fgetattrLocked(fs.states[h])
	}

	var st unix.Stat_t
	if err := unix.Fstatat(fs.rootFd(), path, &st, unix.AT_SYMLINK_NOFOLLOW); err != nil {
		return unix.Stat_t{}, err
	}
	if !fs.readWrite && st.Mode&unix.S_IFMT != unix.S_IFDIR {
		st.Mode &= readOnlyMask
	}
	return st, nil
}

// FGetAttr stats the backing descriptor for handle, substituting the
// plaintext buffer's size in read-write mode.
func (fs *FileSystem) FGetAttr(handle uint64) (unix.Stat_t, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	s, ok := fs.states[handle]
	if !ok {
		return unix.Stat_t{}, EBADF
	}
	return fs.fgetattrLocked(s)
}

func (fs *FileSystem) fgetattrLocked(s *openfile.State) (unix.Stat_t, error) {
	var st unix.Stat_t
	if err := unix.Fstat(s.Fd(), &st); err != nil {
		return unix.Stat_t{}, err
	}

	// An append handle's buffer holds only the bytes written through it
	// (see FileSystem.Write), never the file's full reconstructed
	// plaintext, so it is never loaded here; its on-disk size is augmented
	// by the buffer instead of replaced by it.
	appendMode := s.Flags()&unix.O_APPEND != 0
	if fs.readWrite && !appendMode {
		if err := s.Load(); err != nil {
			return unix.Stat_t{}, EIO
		}
	}
	if appendMode {
		st.Size += s.Buffer().Size()
	} else if fs.readWrite {
		st.Size = s.Buffer().Size()
	}
	return st, nil
}

// Access checks path against mode, per the write-only-mode read-denial
// policy of section 4.4.
func (fs *FileSystem) Access(path string, mode uint32) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if err := unix.Faccessat(fs.rootFd(), path, mode&^unix.R_OK, 0); err != nil {
		return err
	}

	if fs.readWrite || mode&unix.R_OK == 0 {
		return nil
	}

	h, open := fs.paths[path]
	if !open {
		return EACCES
	}
	s := fs.states[h]
	if s.Flags()&unix.O_APPEND != 0 || !s.Populated() {
		return EACCES
	}
	return nil
}

// Chmod changes path's permission bits.
func (fs *FileSystem) Chmod(path string, mode os.FileMode) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return unix.Fchmodat(fs.rootFd(), path, uint32(mode.Perm()), 0)
}

// Chown changes path's owner and group. A request to set either to 0 (the
// root user or group) is rejected outright; -1 (meaning "leave
// unchanged") is always permitted.
func (fs *FileSystem) Chown(path string, uid, gid int) error {
	if uid == 0 || gid == 0 {
		return EPERM
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()
	return unix.Fchownat(fs.rootFd(), path, uid, gid, unix.AT_SYMLINK_NOFOLLOW)
}

// Utimens sets path's access and modification times.
func (fs *FileSystem) Utimens(path string, atime, mtime time.Time) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	ts := []unix.Timespec{
		unix.NsecToTimespec(atime.UnixNano()),
		unix.NsecToTimespec(mtime.UnixNano()),
	}
	return unix.UtimesNanoAt(fs.rootFd(), path, ts, unix.AT_SYMLINK_NOFOLLOW)
}
