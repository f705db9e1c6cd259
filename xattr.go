// Copyright 2015 Google Inc. All Rights Reserved.
// Author: jacobsa@google.com (Aaron Jacobs)

package asymmetricfs

import (
	"golang.org/x/sys/unix"
)

// Extended attributes have no *at-relative syscall family on Linux, so
// these resolve the backing path once (via the root directory's resolved
// absolute path, recorded at mount time) rather than walking components
// relative to the root descriptor.

// SetXattr sets the extended attribute name on path to value.
func (fs *FileSystem) SetXattr(path, name string, value []byte, flags int) error {
	fs.mu.Lock()
	full := fs.backingPath(path)
	fs.mu.Unlock()
	return unix.Setxattr(full, name, value, flags)
}

// GetXattr reads the extended attribute name from path into dest,
// returning the number of bytes written.
func (fs *FileSystem) GetXattr(path, name string, dest []byte) (int, error) {
	fs.mu.Lock()
	full := fs.backingPath(path)
	fs.mu.Unlock()
	return unix.Getxattr(full, name, dest)
}

// ListXattr returns the names of every extended attribute set on path.
func (fs *FileSystem) ListXattr(path string) ([]string, error) {
	fs.mu.Lock()
	full := fs.backingPath(path)
	fs.mu.Unlock()

	n, err := unix.Listxattr(full, nil)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}

	buf := make([]byte, n)
	n, err = unix.Listxattr(full, buf)
	if err != nil {
		return nil, err
	}
	return splitNullTerminated(buf[:n]), nil
}

// RemoveXattr removes the extended attribute name from path.
func (fs *FileSystem) RemoveXattr(path, name string) error {
	fs.mu.Lock()
	full := fs.backingPath(path)
	fs.mu.Unlock()
	return unix.Removexattr(full, name)
}

func splitNullTerminated(buf []byte) []string {
	var names []string
	start := 0
	for i, b := range buf {
		if b == 0 {
			if i > start {
				names = append(names, string(buf[start:i]))
			}
			start = i + 1
		}
	}
	return names
}
