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
	"encoding/binary"
	"fmt"

	"github.com/ipcsvc/vrings/pkg/ipcerr"
	"github.com/ipcsvc/vrings/pkg/shmlayout"
)

const (
	descSize = 16

	// Offsets within the avail and used rings.
	ringFlagsIdx = 0
	ringEntries  = 4

	usedElemSize = 8
)

// Ring is a split vring laid out in a byte slice:
//
//	desc[num] | avail{flags, idx, ring[num], used_event} | pad | used{flags, idx, ring[num], avail_event}
//
// A Ring does not track any position of its own; see Queue.
type Ring struct {
	num   uint32
	desc  []byte
	avail []byte
	used  []byte
}

// NewRing returns a view of the vring with num descriptors stored in mem.
// mem must be at least shmlayout.VringSize(num, align) bytes and its first
// byte must be 4-byte aligned.
func NewRing(mem []byte, num uint32, align uint64) (*Ring, error) {
	if num == 0 || num > shmlayout.MaxNumDesc || num&(num-1) != 0 {
		return nil, fmt.Errorf("vring size %d is not a power of two in [1, %d]: %w", num, shmlayout.MaxNumDesc, ipcerr.EINVAL)
	}
	size := shmlayout.VringSize(num, align)
	if uint64(len(mem)) < size {
		return nil, fmt.Errorf("vring of %d descriptors needs %d bytes, got %d: %w", num, size, len(mem), ipcerr.EINVAL)
	}
	n := uint64(num)
	availOff := n * descSize
	availLen := uint64(ringEntries) + 2*n + 2
	usedOff := shmlayout.RoundUp(availOff+availLen, align)
	usedLen := uint64(ringEntries) + usedElemSize*n + 2
	return &Ring{
		num:   num,
		desc:  mem[:availOff:availOff],
		avail: mem[availOff : availOff+availLen : availOff+availLen],
		used:  mem[usedOff : usedOff+usedLen : usedOff+usedLen],
	}, nil
}

// Num returns the number of descriptors.
func (r *Ring) Num() uint32 {
	return r.num
}

// Reset zeroes the descriptor table and both rings.
func (r *Ring) Reset() {
	clear(r.desc)
	clear(r.avail)
	clear(r.used)
}

// Desc returns descriptor i.
func (r *Ring) Desc(i uint16) Desc {
	b := r.desc[int(i)*descSize:][:descSize]
	return Desc{
		Addr:  binary.LittleEndian.Uint64(b[0:]),
		Len:   binary.LittleEndian.Uint32(b[8:]),
		Flags: binary.LittleEndian.Uint16(b[12:]),
		Next:  binary.LittleEndian.Uint16(b[14:]),
	}
}

// SetDesc stores descriptor i.
func (r *Ring) SetDesc(i uint16, d Desc) {
	b := r.desc[int(i)*descSize:][:descSize]
	binary.LittleEndian.PutUint64(b[0:], d.Addr)
	binary.LittleEndian.PutUint32(b[8:], d.Len)
	binary.LittleEndian.PutUint16(b[12:], d.Flags)
	binary.LittleEndian.PutUint16(b[14:], d.Next)
}

// AvailIdx returns the avail ring's index, written by the driver.
func (r *Ring) AvailIdx() uint16 {
	return loadIdx(r.avail[ringFlagsIdx:])
}

func (r *Ring) setAvailIdx(v uint16) {
	storeIdx(r.avail[ringFlagsIdx:], v)
}

func (r *Ring) availEntry(slot uint16) uint16 {
	i := uint32(slot) & (r.num - 1)
	return binary.LittleEndian.Uint16(r.avail[ringEntries+2*i:])
}

func (r *Ring) setAvailEntry(slot, head uint16) {
	i := uint32(slot) & (r.num - 1)
	binary.LittleEndian.PutUint16(r.avail[ringEntries+2*i:], head)
}

// UsedIdx returns the used ring's index, written by the device.
func (r *Ring) UsedIdx() uint16 {
	return loadIdx(r.used[ringFlagsIdx:])
}

func (r *Ring) setUsedIdx(v uint16) {
	storeIdx(r.used[ringFlagsIdx:], v)
}

func (r *Ring) usedEntry(slot uint16) (id, length uint32) {
	i := uint32(slot) & (r.num - 1)
	b := r.used[ringEntries+usedElemSize*i:][:usedElemSize]
	return binary.LittleEndian.Uint32(b[0:]), binary.LittleEndian.Uint32(b[4:])
}

func (r *Ring) setUsedEntry(slot uint16, id, length uint32) {
	i := uint32(slot) & (r.num - 1)
	b := r.used[ringEntries+usedElemSize*i:][:usedElemSize]
	binary.LittleEndian.PutUint32(b[0:], id)
	binary.LittleEndian.PutUint32(b[4:], length)
}
