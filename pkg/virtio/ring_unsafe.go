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

package virtio

import (
	"sync/atomic"
	"unsafe"
)

// The ring flags and index are two consecutive little-endian 16-bit fields
// that start on a 4-byte boundary. They are accessed as one 32-bit word, with
// the index in the upper half. Only the party that writes the index writes the
// flags, so a load followed by a store does not lose updates.
//
// This assumes a little-endian host, which matches the wire format.

// word returns the 32-bit word at the start of b. The length is checked
// without reading b, since every access to the word must be atomic.
func word(b []byte) *uint32 {
	if len(b) < 4 {
		panic("virtio: ring word out of range")
	}
	return (*uint32)(unsafe.Pointer(unsafe.SliceData(b)))
}

func loadIdx(b []byte) uint16 {
	return uint16(atomic.LoadUint32(word(b)) >> 16)
}

func storeIdx(b []byte, v uint16) {
	w := word(b)
	old := atomic.LoadUint32(w)
	atomic.StoreUint32(w, old&0xffff|uint32(v)<<16)
}

func loadStatus(b []byte) uint8 {
	return uint8(atomic.LoadUint32(word(b)))
}

func storeStatus(b []byte, v uint8) {
	w := word(b)
	old := atomic.LoadUint32(w)
	atomic.StoreUint32(w, old&^0xff|uint32(v))
}
