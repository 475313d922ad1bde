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

package shm

import (
	"errors"
	"testing"
	"unsafe"

	"github.com/ipcsvc/vrings/pkg/ipcerr"
)

func TestNewHeap(t *testing.T) {
	r, err := NewHeap(4093)
	if err != nil {
		t.Fatalf("NewHeap failed: %v", err)
	}
	defer r.Close()
	if got := r.Size(); got != 4093 {
		t.Errorf("Size() = %d, want 4093", got)
	}
	if addr := uintptr(unsafe.Pointer(&r.Bytes()[0])); addr%8 != 0 {
		t.Errorf("region starts at %#x, not 8-byte aligned", addr)
	}
	if err := r.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
	if r.Bytes() != nil {
		t.Errorf("Bytes() not nil after Close")
	}
}

func TestNewHeapInvalid(t *testing.T) {
	if _, err := NewHeap(0); !errors.Is(err, ipcerr.EINVAL) {
		t.Errorf("NewHeap(0) = %v, want EINVAL", err)
	}
}
