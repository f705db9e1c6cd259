// Copyright 2015 Google Inc. All Rights Reserved.
// Author: jacobsa@google.com (Aaron Jacobs)

package openfile

import (
	"bytes"
	"io"
	"os"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/ckennelly/asymmetricfs/memlock"
	"github.com/ckennelly/asymmetricfs/recipient"
)

// TestMain lets this binary stand in for the external encryption tool.
// "--encrypt" appends the armored terminator to whatever it read on stdin;
// "--decrypt" strips it back off; "--list-keys" always succeeds. This is
// enough to exercise the load/flush round trip without a real key pair.
func TestMain(m *testing.M) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") == "1" {
		runHelper()
		os.Exit(0)
	}
	os.Exit(m.Run())
}

func argsContain(args []string, want string) bool {
	for _, a := range args {
		if a == want {
			return true
		}
	}
	return false
}

func runHelper() {
	args := os.Args[1:]
	switch {
	case argsContain(args, "--list-keys"):
		return

	case argsContain(args, "--encrypt"):
		data, _ := io.ReadAll(os.Stdin)
		os.Stdout.Write(data)
		os.Stdout.Write([]byte(EndMarker))

	case argsContain(args, "--decrypt"):
		data, _ := io.ReadAll(os.Stdin)
		data = bytes.TrimSuffix(data, []byte(EndMarker))
		os.Stdout.Write(data)
	}
}

func withHelperTool(t *testing.T) string {
	t.Helper()
	os.Setenv("GO_WANT_HELPER_PROCESS", "1")
	t.Cleanup(func() { os.Unsetenv("GO_WANT_HELPER_PROCESS") })
	return os.Args[0]
}

func testRecipients(t *testing.T, tool string) []recipient.Recipient {
	t.Helper()
	r, err := recipient.Validate(tool, "someone@example.com")
	if err != nil {
		t.Fatalf("recipient.Validate: %v", err)
	}
	return []recipient.Recipient{r}
}

func tempBackingFile(t *testing.T) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "asymmetricfs-state-test")
	if err != nil {
		t.Fatalf("CreateTemp: %v", err)
	}
	defer f.Close()
	return f.Name()
}

func openFd(t *testing.T, path string, flags int) int {
	t.Helper()
	fd, err := unix.Open(path, flags|unix.O_CLOEXEC, 0600)
	if err != nil {
		t.Fatalf("Open(%s): %v", path, err)
	}
	return fd
}

func TestLoadEmptyFileIsPopulatedImmediately(t *testing.T) {
	tool := withHelperTool(t)
	recipients := testRecipients(t, tool)
	path := tempBackingFile(t)

	fd := openFd(t, path, unix.O_RDWR)
	s := New(fd, unix.O_RDWR, path, tool, recipients, memlock.None)
	defer s.Close()

	if err := s.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !s.Populated() {
		t.Fatal("expected Populated() after loading an empty file")
	}
	if s.Buffer().Size() != 0 {
		t.Fatalf("buffer size = %d, want 0", s.Buffer().Size())
	}
}

func TestFlushThenLoadRoundTrips(t *testing.T) {
	tool := withHelperTool(t)
	recipients := testRecipients(t, tool)
	path := tempBackingFile(t)

	fd1 := openFd(t, path, unix.O_RDWR)
	s1 := New(fd1, unix.O_RDWR, path, tool, recipients, memlock.None)
	s1.Buffer().WriteAt([]byte("abcdefg"), 0)
	s1.MarkDirty()
	if err := s1.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if err := s1.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	fd2 := openFd(t, path, unix.O_RDONLY)
	s2 := New(fd2, unix.O_RDONLY, path, tool, recipients, memlock.None)
	defer s2.Close()
	if err := s2.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	got := make([]byte, s2.Buffer().Size())
	s2.Buffer().ReadAt(got, 0)
	if want := "abcdefg"; string(got) != want {
		t.Fatalf("round-tripped content = %q, want %q", got, want)
	}
}

// TestAppendProducesTwoLoadableBlocks exercises the append scenario from
// section 8: a second handle opened with O_APPEND flushes a second armored
// block after the first, and Load must concatenate both.
func TestAppendProducesTwoLoadableBlocks(t *testing.T) {
	tool := withHelperTool(t)
	recipients := testRecipients(t, tool)
	path := tempBackingFile(t)

	fd1 := openFd(t, path, unix.O_RDWR)
	s1 := New(fd1, unix.O_RDWR, path, tool, recipients, memlock.None)
	s1.Buffer().WriteAt([]byte("abcdefg"), 0)
	s1.MarkDirty()
	if err := s1.Flush(); err != nil {
		t.Fatalf("Flush (first): %v", err)
	}
	if err := s1.Close(); err != nil {
		t.Fatalf("Close (first): %v", err)
	}

	fd2 := openFd(t, path, unix.O_RDWR|unix.O_APPEND)
	s2 := New(fd2, unix.O_RDWR|unix.O_APPEND, path, tool, recipients, memlock.None)
	s2.Buffer().WriteAt([]byte("hijklmn"), 0)
	s2.MarkDirty()
	if err := s2.Flush(); err != nil {
		t.Fatalf("Flush (second): %v", err)
	}
	if err := s2.Close(); err != nil {
		t.Fatalf("Close (second): %v", err)
	}

	fd3 := openFd(t, path, unix.O_RDONLY)
	s3 := New(fd3, unix.O_RDONLY, path, tool, recipients, memlock.None)
	defer s3.Close()
	if err := s3.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	got := make([]byte, s3.Buffer().Size())
	s3.Buffer().ReadAt(got, 0)
	if want := "abcdefghijklmn"; string(got) != want {
		t.Fatalf("concatenated content = %q, want %q", got, want)
	}
}

func TestSplitBlocksRejectsTrailingGarbage(t *testing.T) {
	data := []byte("plaintext" + EndMarker + "trailing junk")
	if blocks := splitBlocks(data); blocks != nil {
		t.Fatalf("splitBlocks = %v, want nil for a corrupt file", blocks)
	}
}

func TestSplitBlocksFindsEachBlock(t *testing.T) {
	data := []byte("one" + EndMarker + "two" + EndMarker)
	blocks := splitBlocks(data)
	if len(blocks) != 2 {
		t.Fatalf("len(blocks) = %d, want 2", len(blocks))
	}
	if string(data[blocks[0][0]:blocks[0][1]]) != "one"+EndMarker {
		t.Fatalf("first block mismatch: %q", data[blocks[0][0]:blocks[0][1]])
	}
	if string(data[blocks[1][0]:blocks[1][1]]) != "two"+EndMarker {
		t.Fatalf("second block mismatch: %q", data[blocks[1][0]:blocks[1][1]])
	}
}
