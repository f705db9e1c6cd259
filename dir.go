// Copyright 2015 Google Inc. All Rights Reserved.
// Author: jacobsa@google.com (Aaron Jacobs)

package asymmetricfs

import (
	"os"

	"golang.org/x/sys/unix"
)

// Dirent is a single entry returned by ReadDir.
type Dirent struct {
	Name string
	Type os.FileMode
}

// Mkdir creates a directory under the backing store.
func (fs *FileSystem) Mkdir(path string, mode os.FileMode) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return unix.Mkdirat(fs.rootFd(), path, uint32(mode.Perm()))
}

// Rmdir removes an empty directory.
func (fs *FileSystem) Rmdir(path string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return unix.Unlinkat(fs.rootFd(), path, unix.AT_REMOVEDIR)
}

// Unlink removes a non-directory entry.
func (fs *FileSystem) Unlink(path string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return unix.Unlinkat(fs.rootFd(), path, 0)
}

// Symlink creates path as a symbolic link to target. The link's contents
// (the target string) are plaintext on the backing store: symlink targets
// are metadata, which section 1's non-goals explicitly exclude from
// confidentiality.
func (fs *FileSystem) Symlink(target, path string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return unix.Symlinkat(target, fs.rootFd(), path)
}

// Readlink returns the target of the symbolic link at path.
func (fs *FileSystem) Readlink(path string) (string, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	buf := make([]byte, maxPathLen)
	n, err := unix.Readlinkat(fs.rootFd(), path, buf)
	if err != nil {
		return "", err
	}
	return string(buf[:n]), nil
}

// Link always fails: hard links are not supported (section 1, non-goals).
func (fs *FileSystem) Link(oldPath, newPath string) error {
	return EPERM
}

// Rename performs the backing rename atomically, then — if old is
// currently open — retargets its handle table entry to new so every
// subsequent path-keyed operation sees only the new name.
func (fs *FileSystem) Rename(oldPath, newPath string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if err := unix.Renameat(fs.rootFd(), oldPath, fs.rootFd(), newPath); err != nil {
		return err
	}

	if h, ok := fs.paths[oldPath]; ok {
		delete(fs.paths, oldPath)
		fs.paths[newPath] = h
		fs.states[h].SetPath(newPath)
	}
	return nil
}

// OpenDir opens a directory stream over path, returning a handle for
// ReadDir and ReleaseDir.
func (fs *FileSystem) OpenDir(path string) (uint64, error) {
	fd, err := unix.Openat(fs.rootFd(), path, unix.O_RDONLY|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
	if err != nil {
		return 0, err
	}
	f := os.NewFile(uintptr(fd), path)

	fs.mu.Lock()
	defer fs.mu.Unlock()
	h := fs.allocHandle()
	fs.dirs[h] = &dirHandle{f: f}
	return h, nil
}

// ReadDir returns every entry of the directory stream named by handle,
// including synthesized "." and ".." entries. Block, character, fifo, and
// socket entries are suppressed, as is any entry whose type cannot be
// determined to be one of regular file, directory, or symlink.
func (fs *FileSystem) ReadDir(handle uint64) ([]Dirent, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	d, ok := fs.dirs[handle]
	if !ok {
		return nil, EBADF
	}

	infos, err := d.f.Readdir(-1)
	if err != nil {
		return nil, err
	}

	entries := make([]Dirent, 0, len(infos)+2)
	entries = append(entries, Dirent{Name: "."}, Dirent{Name: ".."})

	for _, fi := range infos {
		typ := fi.Mode() & os.ModeType
		switch typ {
		case 0, os.ModeDir, os.ModeSymlink:
			entries = append(entries, Dirent{Name: fi.Name(), Type: typ})
		default:
			// Block, char, fifo, socket devices are suppressed. Readdir
			// already resolved "unknown" directory-stream entries to a
			// concrete type via its implicit stat, so nothing further to
			// check here.
		}
	}
	return entries, nil
}

// ReleaseDir closes the directory stream named by handle.
func (fs *FileSystem) ReleaseDir(handle uint64) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	d, ok := fs.dirs[handle]
	if !ok {
		return EBADF
	}
	delete(fs.dirs, handle)
	return d.f.Close()
}

// Statfs reports filesystem-wide capacity statistics for the backing
// store.
func (fs *FileSystem) Statfs() (unix.Statfs_t, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	var st unix.Statfs_t
	if err := unix.Fstatfs(fs.rootFd(), &st); err != nil {
		return unix.Statfs_t{}, err
	}
	return st, nil
}
