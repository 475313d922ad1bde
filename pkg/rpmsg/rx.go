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

package rpmsg

import (
	"encoding/binary"
	"fmt"

	"github.com/ipcsvc/vrings/pkg/ipcerr"
	"github.com/ipcsvc/vrings/pkg/log"
	"github.com/ipcsvc/vrings/pkg/virtio"
)

// rxMsg is a received buffer on its way to an endpoint.
type rxMsg struct {
	head uint16
	off  uint64
	hdr  Header
	data []byte

	// Exactly one of ept and ns is set for deliverable messages.
	ept *Endpoint
	ns  bool
}

// Notification processes every message the peer has sent, in ring order,
// then rings the doorbell once if buffers were handed back.
func (d *Device) Notification() {
	returned := false
	for {
		msg, ok := d.nextRx()
		if !ok {
			break
		}
		switch {
		case msg.ns:
			d.handleNS(msg.data)
		case msg.ept != nil:
			msg.ept.cb(msg.ept, msg.data, msg.hdr.Src)
		}
		if d.finishRx(msg) {
			returned = true
		}
	}
	if returned {
		if err := d.vdev.RxQueue().Kick(); err != nil {
			d.warnLog.Warningf("rpmsg %s: doorbell failed: %v", d.name, err)
		}
	}
}

// nextRx takes the next received buffer. Buffers that cannot be delivered
// are returned as messages with neither ept nor ns set.
func (d *Device) nextRx() (rxMsg, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return rxMsg{}, false
	}

	q := d.vdev.RxQueue()
	var (
		msg  rxMsg
		size uint32
	)
	if d.vdev.Role() == virtio.RoleHost {
		head, desc, length, ok := q.GetUsed()
		if !ok {
			return rxMsg{}, false
		}
		msg.head, msg.off, size = head, desc.Addr, min(length, desc.Len)
	} else {
		head, desc, ok := q.GetAvail()
		if !ok {
			return rxMsg{}, false
		}
		msg.head, msg.off, size = head, desc.Addr, desc.Len
	}
	d.rxInflight[msg.off] = msg.head

	buf, err := d.vdev.Buffer(msg.off, size)
	if err != nil {
		d.warnLog.Warningf("rpmsg %s: dropping descriptor %d: %v", d.name, msg.head, err)
		return msg, true
	}
	hdr, err := ParseHeader(buf)
	if err != nil {
		d.warnLog.Warningf("rpmsg %s: dropping descriptor %d: %v", d.name, msg.head, err)
		return msg, true
	}
	if int(hdr.Len) > len(buf)-HeaderSize {
		d.warnLog.Warningf("rpmsg %s: dropping message of %d bytes in a %d-byte buffer", d.name, hdr.Len, len(buf))
		return msg, true
	}
	end := HeaderSize + int(hdr.Len)
	msg.hdr = hdr
	msg.data = buf[HeaderSize:end:end]

	if hdr.Dst == NSAddr {
		msg.ns = true
		return msg, true
	}
	ept, ok := d.endpoints[hdr.Dst]
	if !ok {
		d.warnLog.Warningf("rpmsg %s: dropping message from %#x to unknown address %#x", d.name, hdr.Src, hdr.Dst)
		return msg, true
	}
	if hdr.Reserved&bufHeld != 0 {
		binary.LittleEndian.PutUint32(d.reservedWord(msg.off), hdr.Reserved&^bufHeld)
	}
	if ept.destAddr == AddrAny {
		ept.destAddr = hdr.Src
		log.Debugf("rpmsg %s: endpoint %q learned peer %#x", d.name, ept.name, hdr.Src)
	}
	msg.ept = ept
	return msg, true
}

// finishRx hands msg's buffer back unless the application held it. It
// reports whether the buffer was handed back.
func (d *Device) finishRx(msg rxMsg) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return false
	}
	if msg.ept != nil && d.heldLocked(msg.off) {
		return false
	}
	delete(d.rxInflight, msg.off)
	d.recycleLocked(msg.head, msg.off)
	return true
}

func (d *Device) reservedWord(off uint64) []byte {
	return d.mem[off+8 : off+12]
}

// heldLocked must be called with mu held.
func (d *Device) heldLocked(off uint64) bool {
	return binary.LittleEndian.Uint32(d.reservedWord(off))&bufHeld != 0
}

// recycleLocked hands a receive buffer back to its descriptor. It must be
// called with mu held.
func (d *Device) recycleLocked(head uint16, off uint64) {
	q := d.vdev.RxQueue()
	var err error
	if d.vdev.Role() == virtio.RoleHost {
		err = q.AddBuffer(head, off, d.bufSize, virtio.DescFlagWrite)
	} else {
		err = q.PutUsed(head, 0)
	}
	if err != nil {
		d.warnLog.Warningf("rpmsg %s: returning descriptor %d: %v", d.name, head, err)
	}
}

// rxOffsetLocked returns the offset of the in-flight receive buffer whose payload
// data starts. It must be called with mu held.
func (d *Device) rxOffsetLocked(data []byte) (uint64, uint16, error) {
	off, ok := offsetOf(d.mem, data)
	if !ok || off < HeaderSize {
		return 0, 0, fmt.Errorf("not an RX buffer: %w", ipcerr.EINVAL)
	}
	off -= HeaderSize
	head, ok := d.rxInflight[off]
	if !ok {
		return 0, 0, fmt.Errorf("not an in-flight RX buffer: %w", ipcerr.EINVAL)
	}
	return off, head, nil
}

// HoldRxBuffer keeps the buffer holding data, as passed to an endpoint
// callback, past the end of the callback. It must be given back with
// ReleaseRxBuffer.
func (d *Device) HoldRxBuffer(data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	off, _, err := d.rxOffsetLocked(data)
	if err != nil {
		return err
	}
	w := d.reservedWord(off)
	binary.LittleEndian.PutUint32(w, binary.LittleEndian.Uint32(w)|bufHeld)
	return nil
}

// ReleaseRxBuffer hands a held buffer back to the peer.
func (d *Device) ReleaseRxBuffer(data []byte) error {
	d.mu.Lock()
	off, head, err := d.rxOffsetLocked(data)
	if err != nil {
		d.mu.Unlock()
		return err
	}
	if !d.heldLocked(off) {
		d.mu.Unlock()
		return fmt.Errorf("RX buffer at %#x is not held: %w", off, ipcerr.EINVAL)
	}
	w := d.reservedWord(off)
	binary.LittleEndian.PutUint32(w, binary.LittleEndian.Uint32(w)&^bufHeld)
	delete(d.rxInflight, off)
	d.recycleLocked(head, off)
	d.mu.Unlock()

	if err := d.vdev.RxQueue().Kick(); err != nil {
		d.warnLog.Warningf("rpmsg %s: doorbell failed: %v", d.name, err)
	}
	return nil
}
