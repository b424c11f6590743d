// Copyright 2025 VaultFS Authors
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

package vfs

import (
	"errors"
	"syscall"

	"vaultfs/internal/common"
)

// Dispatcher error codes, the host's negative-errno convention.
var (
	ENOENT    = syscall.ENOENT
	EEXIST    = syscall.EEXIST
	ENOTDIR   = syscall.ENOTDIR
	EISDIR    = syscall.EISDIR
	ENOTEMPTY = syscall.ENOTEMPTY
	EROFS     = syscall.EROFS
	EPERM     = syscall.EPERM
	EINVAL    = syscall.EINVAL
	ENODATA   = syscall.ENODATA
	EIO       = syscall.EIO
	EBADF     = syscall.EBADF
)

// translate maps an internal error to the dispatcher's errno
// convention. Every dispatcher operation funnels its failures through
// here, so hosts only ever see syscall.Errno values.
func translate(err error) error {
	if err == nil {
		return nil
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno
	}
	switch {
	case errors.Is(err, common.ErrNotFound):
		return ENOENT
	case errors.Is(err, common.ErrExists):
		return EEXIST
	case errors.Is(err, common.ErrNotDir):
		return ENOTDIR
	case errors.Is(err, common.ErrIsDir):
		return EISDIR
	case errors.Is(err, common.ErrNotEmpty):
		return ENOTEMPTY
	case errors.Is(err, common.ErrReadOnly):
		return EROFS
	case errors.Is(err, common.ErrNotPermitted):
		return EPERM
	case errors.Is(err, common.ErrInvalid), errors.Is(err, common.ErrKindMismatch):
		return EINVAL
	case errors.Is(err, common.ErrNoAttr):
		return ENODATA
	case errors.Is(err, common.ErrCorrupt), errors.Is(err, common.ErrIO):
		return EIO
	default:
		return EPERM
	}
}
