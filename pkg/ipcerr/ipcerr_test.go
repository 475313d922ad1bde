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

package ipcerr

import (
	"errors"
	"fmt"
	"io"
	"testing"

	"golang.org/x/sys/unix"
)

func TestIs(t *testing.T) {
	wrapped := fmt.Errorf("register endpoint %q: %w", "ctrl", EINVAL)
	if !errors.Is(wrapped, EINVAL) {
		t.Errorf("errors.Is(%v, EINVAL) = false, want true", wrapped)
	}
	if !errors.Is(wrapped, unix.EINVAL) {
		t.Errorf("errors.Is(%v, unix.EINVAL) = false, want true", wrapped)
	}
	if errors.Is(wrapped, EBUSY) {
		t.Errorf("errors.Is(%v, EBUSY) = true, want false", wrapped)
	}
	if !Equals(EBADMSG, fmt.Errorf("send: %w", EBADMSG)) {
		t.Errorf("Equals(EBADMSG, wrapped EBADMSG) = false")
	}
}

func TestToErrno(t *testing.T) {
	for _, tc := range []struct {
		err  error
		want unix.Errno
	}{
		{nil, 0},
		{ENOMEM, unix.ENOMEM},
		{fmt.Errorf("open: %w", EALREADY), unix.EALREADY},
		{fmt.Errorf("mmap: %w", unix.EPERM), unix.EPERM},
		{io.EOF, unix.EIO},
	} {
		if got := ToErrno(tc.err); got != tc.want {
			t.Errorf("ToErrno(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}

func TestFromErrno(t *testing.T) {
	for _, e := range all {
		if got := FromErrno(e.Errno()); got != e {
			t.Errorf("FromErrno(%v) = %v, want %v", e.Errno(), got, e)
		}
	}
	if got := FromErrno(unix.EPERM); got != nil {
		t.Errorf("FromErrno(EPERM) = %v, want nil", got)
	}
}
