// Copyright 2015 Google Inc. All Rights Reserved.
// Author: jacobsa@google.com (Aaron Jacobs)

package recipient

import (
	"os"
	"testing"
)

// TestMain lets this binary stand in for the external tool that Validate
// shells out to: when GO_WANT_HELPER_PROCESS is set, it behaves like
// "<tool> --list-keys <id>" instead of running the package's own tests,
// accepting or rejecting the key as ASYMMETRICFS_HELPER_MODE says.
func TestMain(m *testing.M) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") == "1" {
		switch os.Getenv("ASYMMETRICFS_HELPER_MODE") {
		case "accept":
			os.Exit(0)
		case "reject":
			os.Exit(2)
		}
		os.Exit(1)
	}
	os.Exit(m.Run())
}

func setHelperMode(t *testing.T, mode string) {
	t.Helper()
	os.Setenv("GO_WANT_HELPER_PROCESS", "1")
	os.Setenv("ASYMMETRICFS_HELPER_MODE", mode)
	t.Cleanup(func() {
		os.Unsetenv("GO_WANT_HELPER_PROCESS")
		os.Unsetenv("ASYMMETRICFS_HELPER_MODE")
	})
}

func TestValidateAcceptsKnownKey(t *testing.T) {
	setHelperMode(t, "accept")

	r, err := Validate(os.Args[0], "someone@example.com")
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if got, want := r.String(), "someone@example.com"; got != want {
		t.Fatalf("r.String() = %q, want %q", got, want)
	}
}

func TestValidateRejectsUnknownKey(t *testing.T) {
	setHelperMode(t, "reject")

	_, err := Validate(os.Args[0], "nobody@example.com")
	ire, ok := err.(*InvalidRecipientError)
	if !ok {
		t.Fatalf("Validate error = %v (%T), want *InvalidRecipientError", err, err)
	}
	if ire.Status != 2 {
		t.Fatalf("ire.Status = %d, want 2", ire.Status)
	}
}
