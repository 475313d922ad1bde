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
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ipcsvc/vrings/pkg/ipcerr"
	"github.com/ipcsvc/vrings/pkg/log"
	"github.com/ipcsvc/vrings/pkg/virtio"
)

// DefaultTxWaitCap is how long a sender waits for a free buffer by default.
const DefaultTxWaitCap = 15 * time.Second

var errNoTxBuffer = errors.New("no free TX buffer")

// Config configures a Device.
type Config struct {
	// Name identifies the device in logs.
	Name string

	// NSBind is called from Notification when the peer announces a name
	// that no local endpoint is waiting for.
	NSBind func(name string, dest uint32)

	// NSUnbind is called from Notification when the peer destroys a name
	// that no local endpoint is bound to.
	NSUnbind func(name string, dest uint32)

	// TxWaitCap bounds how long a sender waits for a free buffer. Zero means
	// DefaultTxWaitCap.
	TxWaitCap time.Duration
}

// txBuf is a TX buffer taken by a sender and not yet sent.
type txBuf struct {
	head uint16
	off  uint64
	size uint32
}

// Device carries RPMsg traffic over a virtio device. It is safe for
// concurrent use, but Notification must only run on one goroutine at a time.
type Device struct {
	name      string
	vdev      *virtio.Device
	mem       []byte
	bufSize   uint32
	nsBind    func(name string, dest uint32)
	nsUnbind  func(name string, dest uint32)
	txWaitCap time.Duration
	warnLog   log.Logger

	mu        sync.Mutex
	closed    bool
	endpoints map[uint32]*Endpoint

	// txFree holds the host's idle TX descriptors. txSpare holds buffers a
	// remote took from the host and gave back unused.
	txFree     []uint16
	txSpare    []txBuf
	txReserved map[uint64]txBuf

	// rxInflight maps the offset of every received buffer that has not been
	// handed back to its descriptor.
	rxInflight map[uint64]uint16
}

// New returns an RPMsg device on vdev. On the host, vdev must have been
// initialized; New makes every receive buffer available to the remote.
func New(vdev *virtio.Device, cfg Config) (*Device, error) {
	l := vdev.Layout()
	if l.BufferSize <= HeaderSize {
		return nil, fmt.Errorf("buffer size %d leaves no room for a payload: %w", l.BufferSize, ipcerr.EINVAL)
	}
	if cfg.TxWaitCap == 0 {
		cfg.TxWaitCap = DefaultTxWaitCap
	}
	d := &Device{
		name:       cfg.Name,
		vdev:       vdev,
		mem:        vdev.Mem(),
		bufSize:    l.BufferSize,
		nsBind:     cfg.NSBind,
		nsUnbind:   cfg.NSUnbind,
		txWaitCap:  cfg.TxWaitCap,
		warnLog:    log.BasicRateLimitedLogger(time.Second),
		endpoints:  make(map[uint32]*Endpoint),
		txReserved: make(map[uint64]txBuf),
		rxInflight: make(map[uint64]uint16),
	}
	if vdev.Role() == virtio.RoleHost {
		rx := vdev.RxQueue()
		for i := uint32(0); i < l.NumDesc; i++ {
			d.txFree = append(d.txFree, uint16(l.NumDesc-1-i))
			if err := rx.AddBuffer(uint16(i), l.BufferOffset(i), l.BufferSize, virtio.DescFlagWrite); err != nil {
				return nil, err
			}
		}
	}
	return d, nil
}

// Role returns the side of the link the device is on.
func (d *Device) Role() virtio.Role {
	return d.vdev.Role()
}

// PayloadSize returns the largest payload a message can carry.
func (d *Device) PayloadSize() int {
	return int(d.bufSize) - HeaderSize
}

// Close detaches every endpoint. Later calls fail with EIO.
func (d *Device) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	clear(d.endpoints)
	clear(d.txReserved)
	clear(d.rxInflight)
	d.txSpare = nil
}

// CreateEndpoint registers an endpoint at src, or at a free dynamic address
// if src is AddrAny. When dest is AddrAny and the endpoint is named, it is
// announced to the peer through the name service.
func (d *Device) CreateEndpoint(ctx context.Context, name string, src, dest uint32, cb Callback, unbind UnbindCallback) (*Endpoint, error) {
	if cb == nil {
		return nil, fmt.Errorf("nil callback: %w", ipcerr.EINVAL)
	}
	if name != "" && !ValidName(name) {
		return nil, fmt.Errorf("invalid endpoint name %q: %w", name, ipcerr.EINVAL)
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, fmt.Errorf("device closed: %w", ipcerr.EIO)
	}
	if src == AddrAny {
		var ok bool
		if src, ok = d.allocAddrLocked(); !ok {
			d.mu.Unlock()
			return nil, fmt.Errorf("no free endpoint address: %w", ipcerr.ENOMEM)
		}
	} else if _, used := d.endpoints[src]; used || src == NSAddr {
		d.mu.Unlock()
		return nil, fmt.Errorf("address %#x in use: %w", src, ipcerr.EBUSY)
	}
	ept := &Endpoint{
		name:     name,
		addr:     src,
		cb:       cb,
		unbind:   unbind,
		dev:      d,
		destAddr: dest,
	}
	d.endpoints[src] = ept
	d.mu.Unlock()

	if name != "" && dest == AddrAny {
		if err := d.sendNS(ctx, ept, NSCreate, true); err != nil {
			d.ReleaseEndpoint(ept)
			return nil, fmt.Errorf("announcing %q: %w", name, err)
		}
	}
	log.Debugf("rpmsg %s: created endpoint %q at %#x, dest %#x", d.name, name, src, dest)
	return ept, nil
}

// allocAddrLocked must be called with mu held.
func (d *Device) allocAddrLocked() (uint32, bool) {
	for a := ReservedAddresses; a < ReservedAddresses+MaxDynamicEndpoints; a++ {
		if _, used := d.endpoints[a]; !used {
			return a, true
		}
	}
	return 0, false
}

// Announce sends a name service announcement for ept again, for example
// after the peer destroyed its side.
func (d *Device) Announce(ctx context.Context, ept *Endpoint) error {
	if ept.name == "" {
		return fmt.Errorf("unnamed endpoint %#x: %w", ept.addr, ipcerr.EINVAL)
	}
	return d.sendNS(ctx, ept, NSCreate, true)
}

// DestroyEndpoint unregisters ept and, for named dynamic endpoints, tells
// the peer through the name service. The announcement is best effort.
func (d *Device) DestroyEndpoint(ept *Endpoint) error {
	if err := d.ReleaseEndpoint(ept); err != nil {
		return err
	}
	if ept.name != "" && ept.addr >= ReservedAddresses {
		if err := d.sendNS(context.Background(), ept, NSDestroy, false); err != nil {
			d.warnLog.Warningf("rpmsg %s: announcing destruction of %q: %v", d.name, ept.name, err)
		}
	}
	return nil
}

// ReleaseEndpoint unregisters ept without telling the peer.
func (d *Device) ReleaseEndpoint(ept *Endpoint) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.endpoints[ept.addr] != ept {
		return fmt.Errorf("endpoint %#x not registered: %w", ept.addr, ipcerr.ENOENT)
	}
	delete(d.endpoints, ept.addr)
	return nil
}

// findLocked returns the endpoint named name whose destination is dest.
// It must be called with mu held.
func (d *Device) findLocked(name string, dest uint32) *Endpoint {
	for _, ept := range d.endpoints {
		if ept.name == name && ept.destAddr == dest {
			return ept
		}
	}
	return nil
}

func (d *Device) sendNS(ctx context.Context, ept *Endpoint, flags uint32, wait bool) error {
	msg := NSMessage{Name: ept.name, Addr: ept.addr, Flags: flags}
	b, err := msg.Marshal()
	if err != nil {
		return err
	}
	_, err = d.SendOffchannel(ctx, ept.addr, NSAddr, b, wait)
	return err
}

// handleNS processes a name service message from the peer.
func (d *Device) handleNS(data []byte) {
	msg, err := ParseNSMessage(data)
	if err != nil {
		d.warnLog.Warningf("rpmsg %s: dropping name service message: %v", d.name, err)
		return
	}
	switch msg.Flags {
	case NSCreate:
		d.mu.Lock()
		ept := d.findLocked(msg.Name, AddrAny)
		if ept != nil {
			ept.destAddr = msg.Addr
		}
		d.mu.Unlock()
		if ept != nil {
			log.Debugf("rpmsg %s: endpoint %q bound to %#x", d.name, msg.Name, msg.Addr)
			return
		}
		log.Debugf("rpmsg %s: peer announced %q at %#x", d.name, msg.Name, msg.Addr)
		if d.nsBind != nil {
			d.nsBind(msg.Name, msg.Addr)
		}
	case NSDestroy:
		d.mu.Lock()
		ept := d.findLocked(msg.Name, msg.Addr)
		if ept != nil {
			ept.destAddr = AddrAny
		}
		d.mu.Unlock()
		log.Debugf("rpmsg %s: peer destroyed %q at %#x", d.name, msg.Name, msg.Addr)
		switch {
		case ept == nil:
			if d.nsUnbind != nil {
				d.nsUnbind(msg.Name, msg.Addr)
			}
		case ept.unbind != nil:
			ept.unbind(ept)
		}
	default:
		d.warnLog.Warningf("rpmsg %s: unknown name service flags %#x for %q", d.name, msg.Flags, msg.Name)
	}
}
