// Copyright 2026 The gVisor Authors.
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

// Package ipcerr holds the error values returned by the IPC service.
//
// Each error carries an errno so that results can be reported the same way
// a C caller of the service would see them, while still comparing with
// errors.Is. A wrapped ipcerr value also matches the bare unix.Errno:
//
//	errors.Is(fmt.Errorf("open: %w", ipcerr.EBUSY), unix.EBUSY) == true
package ipcerr

import (
	"errors"

	"golang.org/x/sys/unix"
)

// Error represents an errno with a descriptive message.
type Error struct {
	errno   unix.Errno
	message string
}

// New creates a new *Error.
func New(errno unix.Errno, message string) *Error {
	return &Error{
		errno:   errno,
		message: message,
	}
}

// Error implements error.Error.
func (e *Error) Error() string { return e.message }

// Errno returns the underlying errno value.
func (e *Error) Errno() unix.Errno { return e.errno }

// Is implements the interface used by errors.Is.
func (e *Error) Is(target error) bool {
	switch t := target.(type) {
	case *Error:
		return e == t
	case unix.Errno:
		return e.errno == t
	}
	return false
}

// The service errors. Descriptions follow the conditions under which the
// backend returns them rather than the generic errno strings.
var (
	EALREADY = New(unix.EALREADY, "operation already in progress or instance in wrong state")
	EBUSY    = New(unix.EBUSY, "device or resource busy")
	EINVAL   = New(unix.EINVAL, "invalid argument")
	ENOENT   = New(unix.ENOENT, "no such endpoint")
	ENOMEM   = New(unix.ENOMEM, "out of memory")
	EBADMSG  = New(unix.EBADMSG, "bad message")
	ENOTSUP  = New(unix.ENOTSUP, "operation not supported")
	ENOTCONN = New(unix.ENOTCONN, "endpoint not bound to a peer")
	EMSGSIZE = New(unix.EMSGSIZE, "message too long")
	EIO      = New(unix.EIO, "I/O error")
)

var all = []*Error{EALREADY, EBUSY, EINVAL, ENOENT, ENOMEM, EBADMSG, ENOTSUP, ENOTCONN, EMSGSIZE, EIO}

// Equals reports whether err is, or wraps, e.
func Equals(e *Error, err error) bool {
	return errors.Is(err, e)
}

// ToErrno extracts the errno carried by err. Errors that do not originate
// from this package map to EIO; nil maps to 0.
func ToErrno(err error) unix.Errno {
	if err == nil {
		return 0
	}
	var e *Error
	if errors.As(err, &e) {
		return e.errno
	}
	var errno unix.Errno
	if errors.As(err, &errno) {
		return errno
	}
	return unix.EIO
}

// FromErrno returns the package error for errno, or nil if errno is not one
// the service uses.
func FromErrno(errno unix.Errno) *Error {
	for _, e := range all {
		if e.errno == errno {
			return e
		}
	}
	return nil
}
