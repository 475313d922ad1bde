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
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/ipcsvc/vrings/pkg/ipcerr"
	"github.com/ipcsvc/vrings/pkg/log"
	"github.com/ipcsvc/vrings/pkg/shmlayout"
)

var errNotReady = errors.New("driver not ready")

// Device is a static virtio device over a shared region: the status byte and
// the two queues described by a shmlayout.Layout.
type Device struct {
	role   Role
	layout shmlayout.Layout
	mem    []byte
	status []byte
	queues [shmlayout.VringCount]*Queue
}

// NewDevice returns the device laid out in mem according to layout. notify
// is called with the queue index whenever a queue is kicked.
func NewDevice(mem []byte, layout shmlayout.Layout, role Role, notify func(id int) error) (*Device, error) {
	if uint64(len(mem)) < layout.End() {
		return nil, fmt.Errorf("region of %d bytes is smaller than %v: %w", len(mem), layout, ipcerr.EINVAL)
	}
	d := &Device{
		role:   role,
		layout: layout,
		mem:    mem,
		status: mem[layout.StatusOffset : layout.StatusOffset+layout.StatusSize],
	}
	for id := range d.queues {
		off := layout.VringOffset(id)
		ring, err := NewRing(mem[off:off+layout.VringSize], layout.NumDesc, layout.Align)
		if err != nil {
			return nil, fmt.Errorf("vring %d: %w", id, err)
		}
		d.queues[id] = NewQueue(id, ring, notify)
	}
	return d, nil
}

// Role returns the side of the link this device is on.
func (d *Device) Role() Role {
	return d.role
}

// Layout returns the region layout.
func (d *Device) Layout() shmlayout.Layout {
	return d.layout
}

// Features returns the negotiated feature bits. Static devices have a fixed
// feature set.
func (d *Device) Features() uint64 {
	return FeatureNameService
}

// Status returns the current status byte.
func (d *Device) Status() uint8 {
	return loadStatus(d.status)
}

// SetStatus stores the status byte. Only the host writes it.
func (d *Device) SetStatus(s uint8) {
	storeStatus(d.status, s)
}

// Queue returns queue id.
func (d *Device) Queue(id int) *Queue {
	return d.queues[id]
}

// RxQueue returns the queue this party receives on.
func (d *Device) RxQueue() *Queue {
	if d.role == RoleHost {
		return d.queues[QueueRemoteToHost]
	}
	return d.queues[QueueHostToRemote]
}

// TxQueue returns the queue this party sends on.
func (d *Device) TxQueue() *Queue {
	if d.role == RoleHost {
		return d.queues[QueueHostToRemote]
	}
	return d.queues[QueueRemoteToHost]
}

// Init prepares the region on the host: the status is reset, both rings are
// zeroed, and the status moves to features-negotiated. The remote must not
// use the region until SetReady.
func (d *Device) Init() error {
	if d.role != RoleHost {
		return fmt.Errorf("only the host initializes the rings: %w", ipcerr.EINVAL)
	}
	d.SetStatus(0)
	for _, q := range d.queues {
		q.ring.Reset()
		q.Reset()
	}
	d.SetStatus(StatusAcknowledge | StatusDriver | StatusFeaturesOK)
	return nil
}

// SetReady publishes DRIVER_OK, telling the remote the rings are usable.
func (d *Device) SetReady() {
	d.SetStatus(d.Status() | StatusDriverOK)
}

// IsReady reports whether the host has published DRIVER_OK.
func (d *Device) IsReady() bool {
	return d.Status()&StatusDriverOK != 0
}

// WaitReady blocks until the host publishes DRIVER_OK or ctx is done. The
// status is polled with exponential backoff.
func (d *Device) WaitReady(ctx context.Context) error {
	if d.IsReady() {
		d.resetQueues()
		return nil
	}
	log.Debugf("Waiting for %v to publish DRIVER_OK", RoleHost)
	b := &backoff.ExponentialBackOff{
		InitialInterval:     time.Millisecond,
		RandomizationFactor: 0.1,
		Multiplier:          2,
		MaxInterval:         100 * time.Millisecond,
		Clock:               backoff.SystemClock,
	}
	op := func() error {
		if d.Status()&StatusFailed != 0 {
			return backoff.Permanent(fmt.Errorf("host reported failure: %w", ipcerr.EIO))
		}
		if !d.IsReady() {
			return errNotReady
		}
		return nil
	}
	err := backoff.Retry(op, backoff.WithContext(b, ctx))
	if errors.Is(err, errNotReady) && ctx.Err() == nil {
		// The backoff gives up once its next interval would pass the
		// deadline. Wait out the rest and look one last time.
		<-ctx.Done()
		err = op()
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			err = perm.Err
		}
	}
	switch {
	case errors.Is(err, errNotReady):
		return fmt.Errorf("waiting for DRIVER_OK: %w", ctx.Err())
	case err != nil:
		return err
	}
	d.resetQueues()
	return nil
}

func (d *Device) resetQueues() {
	for _, q := range d.queues {
		q.Reset()
	}
}

// Reset clears the status byte. On the host this tells the remote the rings
// are no longer valid.
func (d *Device) Reset() {
	if d.role == RoleHost {
		d.SetStatus(0)
	}
	d.resetQueues()
}

// Buffer returns the length bytes of the region at offset addr, as found in
// a descriptor.
func (d *Device) Buffer(addr uint64, length uint32) ([]byte, error) {
	end := addr + uint64(length)
	if end < addr || end > uint64(len(d.mem)) {
		return nil, fmt.Errorf("buffer [%#x, %#x) outside region of %d bytes: %w", addr, end, len(d.mem), ipcerr.EINVAL)
	}
	return d.mem[addr:end:end], nil
}

// Mem returns the whole region.
func (d *Device) Mem() []byte {
	return d.mem
}
