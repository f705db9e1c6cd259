// Copyright 2015 Google Inc. All Rights Reserved.
// Author: jacobsa@google.com (Aaron Jacobs)

package page

import (
	"testing"

	"github.com/ckennelly/asymmetricfs/memlock"
)

func TestNewRejectsNonPageMultiple(t *testing.T) {
	if _, err := New(Size+1, memlock.None); err == nil {
		t.Fatal("expected an error for a non-page-multiple size")
	}
	if _, err := New(0, memlock.None); err == nil {
		t.Fatal("expected an error for a zero size")
	}
	if _, err := New(-Size, memlock.None); err == nil {
		t.Fatal("expected an error for a negative size")
	}
}

func TestNewAndClose(t *testing.T) {
	a, err := New(2*Size, memlock.None)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got, want := a.Size(), 2*Size; got != want {
		t.Fatalf("Size() = %d, want %d", got, want)
	}
	if got, want := len(a.Bytes()), 2*Size; got != want {
		t.Fatalf("len(Bytes()) = %d, want %d", got, want)
	}

	// Freshly mapped anonymous memory must read as zero.
	for i, b := range a.Bytes() {
		if b != 0 {
			t.Fatalf("non-zero byte at offset %d", i)
		}
	}

	a.Bytes()[0] = 0xff
	a.Bytes()[a.Size()-1] = 0xff

	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// A second Close must be a harmless no-op.
	if err := a.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestBytesIsWritable(t *testing.T) {
	a, err := New(Size, memlock.None)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Close()

	copy(a.Bytes(), "hello")
	if got, want := string(a.Bytes()[:5]), "hello"; got != want {
		t.Fatalf("Bytes()[:5] = %q, want %q", got, want)
	}
}
