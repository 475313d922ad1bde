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

// Package shmlayout computes how a fixed-size shared-memory region is
// partitioned between the two parties of a static-vrings link.
//
// Neither party transmits offsets to the other: each one derives the same
// layout from the region size, the buffer size and the alignment. Any change
// to the arithmetic in this package is therefore a wire-format change.
//
// The region is laid out as follows:
//
//	+--------+---------------+---------------+---------+---------+
//	| status | RX buffers    | TX buffers    | vring 0 | vring 1 |
//	+--------+---------------+---------------+---------+---------+
//	  align    N*buf (align)   N*buf (align)   (align)   (align)
//
// RX and TX are named from the host's point of view.
package shmlayout

import (
	"fmt"

	"github.com/ipcsvc/vrings/pkg/ipcerr"
)

// Split virtqueue element sizes.
const (
	descSize      = 16 // struct vring_desc
	ringHdrSize   = 4  // flags + idx
	availElemSize = 2
	usedElemSize  = 8
	eventSize     = 2 // used_event / avail_event

	// VringCount is the number of vrings in a link.
	VringCount = 2

	// MaxNumDesc is the largest descriptor count a split virtqueue can
	// address with 16-bit indices while staying a power of two.
	MaxNumDesc = 1 << 15
)

// RoundUp rounds v up to a multiple of align, which must be a power of two.
func RoundUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}

// VringSize returns the size in bytes of a split vring with num descriptors:
// descriptor table, avail ring and (starting on an align boundary) used ring.
func VringSize(num uint32, align uint64) uint64 {
	n := uint64(num)
	size := n*descSize + ringHdrSize + n*availElemSize + eventSize
	size = RoundUp(size, align)
	size += ringHdrSize + n*usedElemSize + eventSize
	return size
}

// VqBufsSize returns the space taken by num buffers of bufSize bytes.
func VqBufsSize(num, bufSize uint32, align uint64) uint64 {
	return RoundUp(uint64(num)*uint64(bufSize), align)
}

// ShmSize returns the space needed after the status area for num descriptors
// per vring: buffers for both directions and both vrings.
func ShmSize(num, bufSize uint32, align uint64) uint64 {
	if num == 0 {
		return 0
	}
	return VringCount * (VqBufsSize(num, bufSize, align) + RoundUp(VringSize(num, align), align))
}

// StatusSize returns the size of the status area that opens the region.
func StatusSize(align uint64) uint64 {
	return align
}

// OptimalNumDesc returns the largest power of two N such that the status area
// plus ShmSize(N) fits in total bytes, or 0 if not even one descriptor fits.
func OptimalNumDesc(total uint64, bufSize uint32, align uint64) uint32 {
	status := StatusSize(align)
	if total <= status || bufSize == 0 {
		return 0
	}
	avail := total - status
	var num uint32
	for n := uint32(1); n <= MaxNumDesc; n <<= 1 {
		if ShmSize(n, bufSize, align) > avail {
			break
		}
		num = n
	}
	return num
}

// Layout holds the offsets, relative to the start of the region, of every
// area of a configured link.
type Layout struct {
	// Total is the size of the whole region.
	Total uint64

	// Align is the alignment every area starts on.
	Align uint64

	// NumDesc is the number of descriptors (and buffers) per vring.
	NumDesc uint32

	// BufferSize is the size of each buffer.
	BufferSize uint32

	// StatusOffset and StatusSize describe the virtio status area.
	StatusOffset uint64
	StatusSize   uint64

	// BufsOffset is where buffer 0 starts. Buffers 0..NumDesc-1 carry
	// remote-to-host traffic; buffers NumDesc..2*NumDesc-1 carry
	// host-to-remote traffic.
	BufsOffset uint64

	// RXBufsSize and TXBufsSize are the sizes of the two buffer pools.
	RXBufsSize uint64
	TXBufsSize uint64

	// ShmSize is the size of everything after the status area.
	ShmSize uint64

	// RXVringOffset is the offset of vring 0 (remote to host).
	RXVringOffset uint64

	// TXVringOffset is the offset of vring 1 (host to remote).
	TXVringOffset uint64

	// VringSize is the unrounded size of one vring.
	VringSize uint64
}

// Configure computes the layout of a region of total bytes split into buffers
// of bufSize bytes, every area aligned to align.
//
// It returns ipcerr.EINVAL for a zero buffer size or an alignment that is not
// a power of two, and ipcerr.ENOMEM when not even one descriptor fits.
func Configure(total uint64, bufSize uint32, align uint64) (Layout, error) {
	if bufSize == 0 {
		return Layout{}, fmt.Errorf("buffer size must be positive: %w", ipcerr.EINVAL)
	}
	if align < 4 || align&(align-1) != 0 {
		return Layout{}, fmt.Errorf("alignment %d is not a power of two >= 4: %w", align, ipcerr.EINVAL)
	}
	num := OptimalNumDesc(total, bufSize, align)
	if num == 0 {
		return Layout{}, fmt.Errorf("%d bytes cannot hold one %d-byte descriptor pair: %w", total, bufSize, ipcerr.ENOMEM)
	}

	l := Layout{
		Total:        total,
		Align:        align,
		NumDesc:      num,
		BufferSize:   bufSize,
		StatusOffset: 0,
		StatusSize:   StatusSize(align),
		RXBufsSize:   VqBufsSize(num, bufSize, align),
		TXBufsSize:   VqBufsSize(num, bufSize, align),
		ShmSize:      ShmSize(num, bufSize, align),
		VringSize:    VringSize(num, align),
	}
	l.BufsOffset = RoundUp(l.StatusOffset+l.StatusSize, align)
	l.RXVringOffset = l.BufsOffset + l.RXBufsSize + l.TXBufsSize
	l.TXVringOffset = RoundUp(l.RXVringOffset+l.VringSize, align)
	return l, nil
}

// BufferOffset returns the offset of buffer i (0 <= i < 2*NumDesc).
func (l *Layout) BufferOffset(i uint32) uint64 {
	if i < l.NumDesc {
		return l.BufsOffset + uint64(i)*uint64(l.BufferSize)
	}
	return l.BufsOffset + l.RXBufsSize + uint64(i-l.NumDesc)*uint64(l.BufferSize)
}

// VringOffset returns the offset of vring id (0 or 1).
func (l *Layout) VringOffset(id int) uint64 {
	if id == 0 {
		return l.RXVringOffset
	}
	return l.TXVringOffset
}

// End returns the first offset past the last used byte.
func (l *Layout) End() uint64 {
	return l.TXVringOffset + RoundUp(l.VringSize, l.Align)
}

// String implements fmt.Stringer.
func (l Layout) String() string {
	return fmt.Sprintf("layout{total=%d align=%d num=%d buf=%d bufs@%#x vring0@%#x vring1@%#x end=%#x}",
		l.Total, l.Align, l.NumDesc, l.BufferSize, l.BufsOffset, l.RXVringOffset, l.TXVringOffset, l.End())
}
