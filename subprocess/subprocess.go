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

// Package subprocess implements the forked-child primitive of spec.md
// section 4.2 (component C3): a child whose stdin/stdout are wired either
// to caller-supplied descriptors or to pipes owned by the Process, with a
// bounded bidirectional Communicate and a Wait that never blocks twice.
package subprocess

import (
	"io"
	"os"
	"os/exec"
	"runtime"
	"sync"
	"syscall"

	"github.com/ckennelly/asymmetricfs/internal/debuglog"
)

// Process is a running child with stdin/stdout wired per New's contract.
// Descriptors not explicitly owned by the Process (an externally supplied
// fd) are never closed by it.
type Process struct {
	cmd *exec.Cmd

	stdin      *os.File
	ownsStdin  bool
	stdout     *os.File
	ownsStdout bool

	waitOnce sync.Once
	waitCode int
}

// New forks path with args, wiring its stdin to inputFd and its stdout to
// outputFd. A negative fd means "create a pipe owned by this Process";
// a non-negative fd is used directly and is never closed by Process. The
// child's stderr is inherited from the parent. Every other parent
// descriptor is close-on-exec, which is the default Go gives any os.File
// or net/os-opened descriptor.
func New(inputFd, outputFd int, path string, args ...string) (*Process, error) {
	cmd := exec.Command(path, args...)
	cmd.Stderr = os.Stderr

	p := &Process{cmd: cmd}

	var childStdin, childStdout *os.File

	if inputFd < 0 {
		r, w, err := os.Pipe()
		if err != nil {
			return nil, err
		}
		childStdin = r
		p.stdin = w
		p.ownsStdin = true
	} else {
		// Wrap without taking ownership: the caller keeps this descriptor
		// open past the life of this Process, so its GC finalizer must not
		// close it out from under them.
		childStdin = os.NewFile(uintptr(inputFd), "asymmetricfs-child-stdin")
		runtime.SetFinalizer(childStdin, nil)
	}
	cmd.Stdin = childStdin

	if outputFd < 0 {
		r, w, err := os.Pipe()
		if err != nil {
			if p.ownsStdin {
				p.stdin.Close()
				childStdin.Close()
			}
			return nil, err
		}
		childStdout = w
		p.stdout = r
		p.ownsStdout = true
	} else {
		childStdout = os.NewFile(uintptr(outputFd), "asymmetricfs-child-stdout")
		runtime.SetFinalizer(childStdout, nil)
	}
	cmd.Stdout = childStdout

	debuglog.Get().Printf("subprocess: starting %s %v", path, args)

	if err := cmd.Start(); err != nil {
		if p.ownsStdin {
			p.stdin.Close()
		}
		if p.ownsStdout {
			p.stdout.Close()
		}
		return nil, err
	}

	// The child now has its own copy of any owned pipe's child-side end;
	// the parent's copy is no longer needed. An externally supplied
	// descriptor remains the caller's responsibility and is left open.
	if p.ownsStdin {
		childStdin.Close()
	}
	if p.ownsStdout {
		childStdout.Close()
	}

	return p, nil
}

// StdinFd returns the file descriptor of the owned stdin pipe's write end,
// or -1 if this Process's stdin is an externally supplied descriptor. It
// exists so callers with their own zero-copy path (e.g. pagebuf.Buffer's
// Splice) can write directly into the child without an intermediate copy
// through Communicate.
func (p *Process) StdinFd() int {
	if !p.ownsStdin {
		return -1
	}
	return int(p.stdin.Fd())
}

// CloseStdin closes the owned stdin pipe, signaling EOF to the child. It
// is a no-op if stdin is externally owned or already closed.
func (p *Process) CloseStdin() error {
	if !p.ownsStdin || p.stdin == nil {
		return nil
	}
	err := p.stdin.Close()
	p.stdin = nil
	return err
}

// Communicate drives both directions of the child concurrently: src (which
// must be nil unless this Process owns its stdin) is copied into the
// child's stdin and then the owned write end is closed so the child sees
// EOF; concurrently, if this Process owns its stdout, it is copied into
// dst. Communicate returns once both directions have finished.
func (p *Process) Communicate(src io.Reader, dst io.Writer) error {
	if src != nil && !p.ownsStdin {
		return syscall.EINVAL
	}

	var wg sync.WaitGroup
	errs := make(chan error, 2)

	if p.ownsStdin {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if src != nil {
				if _, err := io.Copy(p.stdin, src); err != nil {
					errs <- err
				}
			}
			p.stdin.Close()
		}()
	}

	if p.ownsStdout {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if dst != nil {
				if _, err := io.Copy(dst, p.stdout); err != nil {
					errs <- err
				}
			} else {
				io.Copy(io.Discard, p.stdout)
			}
		}()
	}

	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// Wait blocks until the child exits and returns its exit status (the low 8
// bits of a normal exit) or -1 if it terminated abnormally. Wait is
// idempotent: subsequent calls return the first observed result without
// blocking again.
func (p *Process) Wait() int {
	p.waitOnce.Do(func() {
		err := p.cmd.Wait()
		if err == nil {
			p.waitCode = 0
			return
		}
		if exitErr, ok := err.(*exec.ExitError); ok {
			if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Exited() {
				p.waitCode = ws.ExitStatus() & 0xff
				return
			}
		}
		p.waitCode = -1
	})
	return p.waitCode
}

// Close implies Wait, and closes any pipe ends this Process still owns.
func (p *Process) Close() error {
	if p.ownsStdin && p.stdin != nil {
		p.stdin.Close()
	}
	p.Wait()
	if p.ownsStdout && p.stdout != nil {
		p.stdout.Close()
	}
	return nil
}
