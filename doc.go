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

// Package asymmetricfs implements a FUSE overlay that stores files as
// ciphertext encrypted to one or more public-key recipients, while
// presenting plaintext to whatever mounts it.
//
// The primary elements of interest are:
//
//  *  FileSystem, which holds the path and handle tables and implements the
//     FUSE-facing operations.
//
//  *  The openfile package, which implements the decrypt-on-open,
//     encrypt-on-close state machine for a single open file.
//
//  *  The pagebuf package, which holds a file's plaintext as a sparse,
//     page-aligned in-memory buffer.
//
// This package does not itself speak the FUSE kernel protocol; it is meant
// to sit behind a binding (bazil.org/fuse, jacobsa/fuse, or similar) that
// translates kernel requests into calls against FileSystem.
package asymmetricfs
