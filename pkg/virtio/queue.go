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
	"fmt"

	"github.com/ipcsvc/vrings/pkg/ipcerr"
)

// Queue is one virtqueue: a Ring plus the private positions of the party
// using it. The driver half (AddBuffer, GetUsed) is used by the host, the
// device half (GetAvail, PutUsed) by the remote.
//
// Queue is not safe for concurrent use. Callers serialize access.
type Queue struct {
	id     int
	ring   *Ring
	notify func(id int) error

	// Driver side.
	availIdx uint16
	lastUsed uint16

	// Device side.
	lastAvail uint16
	usedIdx   uint16
}

// NewQueue returns queue id backed by ring. notify is called by Kick.
func NewQueue(id int, ring *Ring, notify func(id int) error) *Queue {
	return &Queue{
		id:     id,
		ring:   ring,
		notify: notify,
	}
}

// ID returns the queue index.
func (q *Queue) ID() int {
	return q.id
}

// Ring returns the underlying ring.
func (q *Queue) Ring() *Ring {
	return q.ring
}

// Num returns the number of descriptors.
func (q *Queue) Num() uint32 {
	return q.ring.num
}

// Reset forgets all positions. Used when the ring itself is reset.
func (q *Queue) Reset() {
	q.availIdx = 0
	q.lastUsed = 0
	q.lastAvail = 0
	q.usedIdx = 0
}

// AddBuffer fills descriptor head and makes it available to the device.
func (q *Queue) AddBuffer(head uint16, addr uint64, length uint32, flags uint16) error {
	if uint32(head) >= q.ring.num {
		return fmt.Errorf("descriptor %d out of range [0, %d): %w", head, q.ring.num, ipcerr.EINVAL)
	}
	q.ring.SetDesc(head, Desc{Addr: addr, Len: length, Flags: flags})
	q.ring.setAvailEntry(q.availIdx, head)
	q.availIdx++
	q.ring.setAvailIdx(q.availIdx)
	return nil
}

// GetUsed returns the next descriptor the device has handed back, and the
// number of bytes it wrote. ok is false if there is none.
func (q *Queue) GetUsed() (head uint16, desc Desc, length uint32, ok bool) {
	if q.lastUsed == q.ring.UsedIdx() {
		return 0, Desc{}, 0, false
	}
	id, length := q.ring.usedEntry(q.lastUsed)
	q.lastUsed++
	if id >= q.ring.num {
		return 0, Desc{}, 0, false
	}
	head = uint16(id)
	return head, q.ring.Desc(head), length, true
}

// GetAvail returns the next descriptor the driver has made available. ok is
// false if there is none.
func (q *Queue) GetAvail() (head uint16, desc Desc, ok bool) {
	if q.lastAvail == q.ring.AvailIdx() {
		return 0, Desc{}, false
	}
	head = q.ring.availEntry(q.lastAvail)
	q.lastAvail++
	if uint32(head) >= q.ring.num {
		return 0, Desc{}, false
	}
	return head, q.ring.Desc(head), true
}

// PutUsed hands descriptor head back to the driver with length bytes
// written.
func (q *Queue) PutUsed(head uint16, length uint32) error {
	if uint32(head) >= q.ring.num {
		return fmt.Errorf("descriptor %d out of range [0, %d): %w", head, q.ring.num, ipcerr.EINVAL)
	}
	q.ring.setUsedEntry(q.usedIdx, uint32(head), length)
	q.usedIdx++
	q.ring.setUsedIdx(q.usedIdx)
	return nil
}

// HasUsed reports whether GetUsed would return a descriptor.
func (q *Queue) HasUsed() bool {
	return q.lastUsed != q.ring.UsedIdx()
}

// HasAvail reports whether GetAvail would return a descriptor.
func (q *Queue) HasAvail() bool {
	return q.lastAvail != q.ring.AvailIdx()
}

// Kick notifies the other party that the queue changed.
func (q *Queue) Kick() error {
	if q.notify == nil {
		return nil
	}
	return q.notify(q.id)
}
