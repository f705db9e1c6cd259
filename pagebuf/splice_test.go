// Copyright 2015 Google Inc. All Rights Reserved.
// Author: jacobsa@google.com (Aaron Jacobs)

package pagebuf

import (
	"bytes"
	"io"
	"os"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/ckennelly/asymmetricfs/memlock"
	"github.com/ckennelly/asymmetricfs/page"
)

func TestSpliceOnEmptyBufferWritesNothing(t *testing.T) {
	b := New(memlock.None)
	defer b.Close()

	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("Pipe: %v", err)
	}
	defer r.Close()
	defer w.Close()

	n, err := b.Splice(int(w.Fd()), 0)
	if err != nil {
		t.Fatalf("Splice: %v", err)
	}
	if n != 0 {
		t.Fatalf("Splice returned %d, want 0", n)
	}
}

// TestSpliceAcrossGap exercises the scenario from section 8: a write at
// offset 0, a gap, then a write in the following page's worth of data, and
// verifies the drained pipe content matches what ReadAt would return.
func TestSpliceAcrossGap(t *testing.T) {
	b := New(memlock.None)
	defer b.Close()

	first := bytes.Repeat([]byte{0xaa}, 128)
	second := bytes.Repeat([]byte{0xbb}, 128)

	b.WriteAt(first, 0)
	b.WriteAt(second, int64(page.Size)+128)

	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("Pipe: %v", err)
	}
	defer r.Close()

	done := make(chan error, 1)
	var drained []byte
	go func() {
		var err error
		drained, err = io.ReadAll(r)
		done <- err
	}()

	n, err := b.Splice(int(w.Fd()), 0)
	w.Close()
	if err != nil {
		t.Fatalf("Splice: %v", err)
	}
	if got, want := n, b.Size(); got != want {
		t.Fatalf("Splice returned %d bytes, want %d", got, want)
	}
	if err := <-done; err != nil {
		t.Fatalf("draining pipe: %v", err)
	}

	want := make([]byte, b.Size())
	b.ReadAt(want, 0)
	if !bytes.Equal(drained, want) {
		t.Fatalf("drained content does not match ReadAt")
	}

	if !bytes.Equal(drained[:128], first) {
		t.Fatal("first 128 bytes do not match")
	}
	gap := drained[128 : 128+page.Size]
	for i, v := range gap {
		if v != 0 {
			t.Fatalf("gap byte %d = %#x, want 0", i, v)
		}
	}
	if !bytes.Equal(drained[128+page.Size:], second) {
		t.Fatal("trailing 128 bytes do not match")
	}
}

func TestSpliceWithPartialTailPage(t *testing.T) {
	b := New(memlock.None)
	defer b.Close()

	payload := bytes.Repeat([]byte{0x42}, page.Size+17)
	b.WriteAt(payload, 0)

	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("Pipe: %v", err)
	}
	defer r.Close()

	done := make(chan error, 1)
	var drained []byte
	go func() {
		var err error
		drained, err = io.ReadAll(r)
		done <- err
	}()

	if _, err := b.Splice(int(w.Fd()), 0); err != nil {
		t.Fatalf("Splice: %v", err)
	}
	w.Close()
	if err := <-done; err != nil {
		t.Fatalf("draining pipe: %v", err)
	}

	if !bytes.Equal(drained, payload) {
		t.Fatal("drained content does not match original payload")
	}
}

func TestPipe2CloseExec(t *testing.T) {
	r, w, err := pipe2CloseExec()
	if err != nil {
		t.Fatalf("pipe2CloseExec: %v", err)
	}
	defer unix.Close(r)
	defer unix.Close(w)

	if _, err := unix.Write(w, []byte("x")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	buf := make([]byte, 1)
	if _, err := unix.Read(r, buf); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if buf[0] != 'x' {
		t.Fatalf("read back %q, want 'x'", buf)
	}
}
