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

// Package shm provides the memory regions a link is laid out in.
package shm

import (
	"fmt"

	"github.com/ipcsvc/vrings/pkg/ipcerr"
)

// Region is a contiguous block of memory shared by the two parties of a
// link.
type Region struct {
	name  string
	mem   []byte
	close func() error
}

// NewHeap returns a region backed by ordinary Go memory. Both parties must
// live in the same process.
func NewHeap(size int) (*Region, error) {
	if size <= 0 {
		return nil, fmt.Errorf("region size %d: %w", size, ipcerr.EINVAL)
	}
	// Allocate whole words so that the first byte is word-aligned.
	words := make([]uint64, (size+7)/8)
	return &Region{
		name:  "heap",
		mem:   uint64sAsBytes(words)[:size:size],
		close: func() error { return nil },
	}, nil
}

// Name describes where the region comes from.
func (r *Region) Name() string {
	return r.name
}

// Bytes returns the region's memory. It must not be used after Close.
func (r *Region) Bytes() []byte {
	return r.mem
}

// Size returns the region size in bytes.
func (r *Region) Size() int {
	return len(r.mem)
}

// Close releases the region.
func (r *Region) Close() error {
	if r.close == nil {
		return nil
	}
	err := r.close()
	r.close = nil
	r.mem = nil
	return err
}
