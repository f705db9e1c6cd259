// Copyright 2015 Google Inc. All Rights Reserved.
// Author: jacobsa@google.com (Aaron Jacobs)

package asymmetricfs

import "syscall"

const (
	// Errors corresponding to kernel error numbers. FUSE-facing operations
	// return these for the failures they detect themselves; errors from
	// backing-store syscalls are passed through as returned. A binding
	// layer negates an errno into the libfuse ABI's -errno convention.
	EIO       = syscall.EIO
	ENOENT    = syscall.ENOENT
	ENOSYS    = syscall.ENOSYS
	ENOTEMPTY = syscall.ENOTEMPTY
	EACCES    = syscall.EACCES
	EINVAL    = syscall.EINVAL
	EBADF     = syscall.EBADF
	EEXIST    = syscall.EEXIST
	EPERM     = syscall.EPERM
	EFAULT    = syscall.EFAULT
	ENOMEM    = syscall.ENOMEM
)
