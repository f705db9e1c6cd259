// Copyright 2015 Google Inc. All Rights Reserved.
// Author: jacobsa@google.com (Aaron Jacobs)

// Command asymmetricfs wires together the configuration described in
// section 6 of the design: it validates recipients, applies the
// memory-lock policy, opens the backing directory, and constructs a
// FileSystem. Attaching the result to the kernel FUSE protocol is the job
// of a binding layer (bazil.org/fuse, jacobsa/fuse, or similar) that this
// module does not itself implement; see the asymmetricfs package doc
// comment.
package main

import (
	"flag"
	"log"
	"os"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/jacobsa/timeutil"

	"github.com/ckennelly/asymmetricfs"
	"github.com/ckennelly/asymmetricfs/memlock"
	"github.com/ckennelly/asymmetricfs/recipient"
)

// recipients collects repeated -recipient flags.
type recipients []string

func (r *recipients) String() string {
	return strings.Join(*r, ",")
}

func (r *recipients) Set(v string) error {
	*r = append(*r, v)
	return nil
}

var (
	fReadWrite       = flag.Bool("rw", false, "Mount read-write, permitting decryption.")
	fWriteOnly       = flag.Bool("wo", false, "Mount write-only; reads are always denied.")
	fGPGBinary       = flag.String("gpg-binary", "gpg", "Path to the external encryption tool, resolved via PATH if unqualified.")
	fMemoryLock      = flag.String("memory-lock", "none", "Memory-lock policy: all, buffers, or none.")
	fEnableCoreDumps = flag.Bool("enable-core-dumps", false, "Leave core dumps enabled for this process (disabled by default).")
	fRecipients      recipients
)

func init() {
	flag.Var(&fRecipients, "recipient", "Encryption recipient (repeatable; at least one required).")
}

func main() {
	flag.Parse()

	if *fReadWrite == *fWriteOnly {
		log.Fatalf("exactly one of -rw or -wo is required")
	}
	if len(fRecipients) == 0 {
		log.Fatalf("at least one -recipient is required")
	}
	if flag.NArg() != 2 {
		log.Fatalf("usage: asymmetricfs [flags] <target> <mount-point>")
	}
	target, mountPoint := flag.Arg(0), flag.Arg(1)

	policy, err := memlock.ParsePolicy(*fMemoryLock)
	if err != nil {
		log.Fatalf("memory-lock: %v", err)
	}

	if !*fEnableCoreDumps {
		if err := memlock.DisableCoreDumps(); err != nil {
			log.Fatalf("disabling core dumps: %v", err)
		}
	}
	if policy == memlock.All {
		if err := memlock.LockAll(); err != nil {
			log.Fatalf("mlockall: %v", err)
		}
	}

	var validated []recipient.Recipient
	for _, id := range fRecipients {
		r, err := recipient.Validate(*fGPGBinary, id)
		if err != nil {
			log.Fatalf("recipient %q rejected by %s: %v", id, *fGPGBinary, err)
		}
		validated = append(validated, r)
	}

	root, err := os.OpenFile(target, os.O_RDONLY|unix.O_DIRECTORY, 0)
	if err != nil {
		log.Fatalf("opening target %q: %v", target, err)
	}
	defer root.Close()

	_, err = asymmetricfs.New(root, *fReadWrite, validated, *fGPGBinary, policy, timeutil.RealClock())
	if err != nil {
		log.Fatalf("constructing filesystem: %v", err)
	}

	log.Fatalf("built filesystem for %q; no FUSE binding is wired into this build to attach it at %q", target, mountPoint)
}
