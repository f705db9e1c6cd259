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

// Package recipient implements the validated recipient handle of spec.md
// section 3 (component C6): an opaque string naming a key the external
// encryption tool can encrypt to.
package recipient

import (
	"os"
	"strconv"

	"github.com/ckennelly/asymmetricfs/subprocess"
)

// Recipient is a validated identifier for an encryption recipient. The zero
// value is not valid; construct one with Validate.
type Recipient struct {
	id string
}

// String returns the recipient identifier, suitable for use after a "-r"
// argument to the external tool.
func (r Recipient) String() string {
	return r.id
}

// Validate checks that id names a key known to tool by invoking
// "<tool> --list-keys <id>" with stdin and stdout redirected to the null
// device, per spec.md section 6. An exit status of zero means the
// recipient is valid.
func Validate(tool string, id string) (Recipient, error) {
	devNull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return Recipient{}, err
	}
	defer devNull.Close()

	fd := int(devNull.Fd())
	proc, err := subprocess.New(fd, fd, tool, "--list-keys", id)
	if err != nil {
		return Recipient{}, err
	}
	if err := proc.Communicate(nil, nil); err != nil {
		return Recipient{}, err
	}

	if status := proc.Wait(); status != 0 {
		return Recipient{}, &InvalidRecipientError{ID: id, Status: status}
	}

	return Recipient{id: id}, nil
}

// InvalidRecipientError reports that tool rejected a candidate recipient.
type InvalidRecipientError struct {
	ID     string
	Status int
}

func (e *InvalidRecipientError) Error() string {
	if e.Status < 0 {
		return "recipient: " + e.ID + " rejected (tool terminated abnormally)"
	}
	return "recipient: " + e.ID + " rejected (exit status " + strconv.Itoa(e.Status) + ")"
}
