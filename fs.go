// Copyright 2015 Google Inc. All Rights Reserved.
// Author: jacobsa@google.com (Aaron Jacobs)

package asymmetricfs

import (
	"fmt"
	"os"
	"path/filepath"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/jacobsa/syncutil"
	"github.com/jacobsa/timeutil"

	"github.com/ckennelly/asymmetricfs/memlock"
	"github.com/ckennelly/asymmetricfs/openfile"
	"github.com/ckennelly/asymmetricfs/recipient"
)

// maxPathLen bounds a single path component buffer, used for readlink.
const maxPathLen = 4096

// FileSystem is the path/handle-table object described by component C5: it
// holds every currently open file and directory stream over a single
// backing directory, and implements the POSIX-like operation set a FUSE
// binding calls into.
//
// Every operation that touches the handle tables or an open-file state
// holds mu for its duration, including any blocking I/O against the
// backing store or an encryptor/decryptor child; this is deliberate
// serialization, not an oversight. The extended-attribute calls hold mu
// only while resolving the backing path, OpenDir opens the directory
// before taking mu, and Link and a Chown to uid or gid 0 return without
// taking it.
type FileSystem struct {
	/////////////////////////
	// Dependencies
	/////////////////////////

	root     *os.File
	rootPath string

	clock timeutil.Clock

	/////////////////////////
	// Configuration
	/////////////////////////

	readWrite  bool
	recipients []recipient.Recipient
	tool       string
	policy     memlock.Policy

	/////////////////////////
	// Mutable state
	/////////////////////////

	mu syncutil.InvariantMutex

	// INVARIANT: nextHandle strictly increases; never reused.
	nextHandle uint64 // GUARDED_BY(mu)

	// INVARIANT: len(paths) == len(states)
	// INVARIANT: for all path, h := range paths: states[h].Path() == path
	paths  map[string]uint64        // GUARDED_BY(mu)
	states map[uint64]*openfile.State // GUARDED_BY(mu)

	dirs map[uint64]*dirHandle // GUARDED_BY(mu)
}

type dirHandle struct {
	f *os.File
}

// New opens a FileSystem rooted at root, which must already be open with
// O_DIRECTORY. readWrite selects whether reads (and therefore decryption)
// are permitted at all; recipients and tool configure the encryptor
// invoked on close.
func New(
	root *os.File,
	readWrite bool,
	recipients []recipient.Recipient,
	tool string,
	policy memlock.Policy,
	clock timeutil.Clock) (*FileSystem, error) {
	rootPath, err := os.Readlink(fmt.Sprintf("/proc/self/fd/%d", root.Fd()))
	if err != nil {
		return nil, err
	}

	fs := &FileSystem{
		root:       root,
		rootPath:   rootPath,
		clock:      clock,
		readWrite:  readWrite,
		recipients: recipients,
		tool:       tool,
		policy:     policy,
		paths:      make(map[string]uint64),
		states:     make(map[uint64]*openfile.State),
		dirs:       make(map[uint64]*dirHandle),
	}
	fs.mu = syncutil.NewInvariantMutex(fs.checkInvariants)
	return fs, nil
}

func (fs *FileSystem) checkInvariants() {
	if len(fs.paths) != len(fs.states) {
		panic(fmt.Sprintf(
			"asymmetricfs: path table has %d entries, state table has %d",
			len(fs.paths), len(fs.states)))
	}
	for path, h := range fs.paths {
		s, ok := fs.states[h]
		if !ok {
			panic(fmt.Sprintf("asymmetricfs: handle %d for %q has no state", h, path))
		}
		if s.Path() != path {
			panic(fmt.Sprintf(
				"asymmetricfs: state for handle %d reports path %q, table says %q",
				h, s.Path(), path))
		}
	}
}

func (fs *FileSystem) rootFd() int {
	return int(fs.root.Fd())
}

func (fs *FileSystem) backingPath(path string) string {
	return filepath.Join(fs.rootPath, path)
}

// allocHandle returns a fresh handle identifier. Callers must hold mu.
func (fs *FileSystem) allocHandle() uint64 {
	fs.nextHandle++
	return fs.nextHandle
}

// Init is called once by the binding layer before any other operation.
// There is nothing for the core to do at this point; core-dump
// suppression and the memory-lock policy are one-shot startup actions
// belonging to the outer program (see cmd/asymmetricfs).
func (fs *FileSystem) Init() error {
	return nil
}

// SetRecipients replaces the recipient list used for future encryptions.
// Per section 5 of the design, reconfiguration is rejected while any
// handle is open, since an in-flight flush may already be using the old
// list.
func (fs *FileSystem) SetRecipients(recipients []recipient.Recipient) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if len(fs.states) > 0 {
		return syscall.EBUSY
	}
	fs.recipients = recipients
	return nil
}

func (fs *FileSystem) openBacking(path string, flags int, mode uint32) (int, error) {
	flags |= unix.O_CLOEXEC

	// Load reads the current ciphertext back through this descriptor and
	// Flush truncates and rewrites it, so the backing open always prefers
	// O_RDWR first.
	rwFlags := (flags &^ (unix.O_WRONLY | unix.O_RDONLY)) | unix.O_RDWR
	fd, err := unix.Openat(fs.rootFd(), path, rwFlags, mode)
	if err == unix.EACCES {
		fd, err = unix.Openat(fs.rootFd(), path, flags, mode)
	}
	return fd, err
}
