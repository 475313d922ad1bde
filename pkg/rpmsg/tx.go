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
	"time"

	"github.com/cenkalti/backoff"
	"github.com/ipcsvc/vrings/pkg/ipcerr"
	"github.com/ipcsvc/vrings/pkg/virtio"
)

// Send sends data from ept to its peer. If no buffer is free and wait is
// true, Send waits up to the configured cap, or until ctx is done.
func (d *Device) Send(ctx context.Context, ept *Endpoint, data []byte, wait bool) (int, error) {
	dest := ept.Dest()
	if dest == AddrAny {
		return 0, fmt.Errorf("endpoint %q has no peer: %w", ept.name, ipcerr.ENOTCONN)
	}
	return d.SendOffchannel(ctx, ept.addr, dest, data, wait)
}

// SendOffchannel sends data from address src to address dst.
func (d *Device) SendOffchannel(ctx context.Context, src, dst uint32, data []byte, wait bool) (int, error) {
	if len(data) > d.PayloadSize() {
		return 0, fmt.Errorf("%d bytes exceed the %d-byte payload: %w", len(data), d.PayloadSize(), ipcerr.EMSGSIZE)
	}
	tb, err := d.reserveTx(ctx, wait)
	if err != nil {
		return 0, err
	}
	if len(data) > int(tb.size)-HeaderSize {
		d.releaseTx(tb.off)
		return 0, fmt.Errorf("%d bytes exceed the %d-byte buffer: %w", len(data), tb.size-HeaderSize, ipcerr.EMSGSIZE)
	}
	copy(d.mem[tb.off+HeaderSize:], data)
	if err := d.commitTx(tb.off, src, dst, len(data)); err != nil {
		return 0, err
	}
	return len(data), nil
}

// GetTxPayloadBuffer takes a free buffer and returns its payload area, to be
// filled and passed to SendNoCopy or given back with ReleaseTxBuffer.
func (d *Device) GetTxPayloadBuffer(ctx context.Context, wait bool) ([]byte, error) {
	tb, err := d.reserveTx(ctx, wait)
	if err != nil {
		return nil, err
	}
	start, end := tb.off+HeaderSize, tb.off+uint64(tb.size)
	return d.mem[start:end:end], nil
}

// SendNoCopy sends a buffer returned by GetTxPayloadBuffer, resliced to the
// message length. The buffer belongs to the device afterwards.
func (d *Device) SendNoCopy(ept *Endpoint, data []byte) (int, error) {
	off, err := d.txOffset(data)
	if err != nil {
		return 0, err
	}
	dest := ept.Dest()
	if dest == AddrAny {
		return 0, fmt.Errorf("endpoint %q has no peer: %w", ept.name, ipcerr.ENOTCONN)
	}
	if err := d.commitTx(off, ept.addr, dest, len(data)); err != nil {
		return 0, err
	}
	return len(data), nil
}

// ReleaseTxBuffer gives back a buffer returned by GetTxPayloadBuffer without
// sending it.
func (d *Device) ReleaseTxBuffer(data []byte) error {
	off, err := d.txOffset(data)
	if err != nil {
		return err
	}
	d.releaseTx(off)
	return nil
}

// txOffset returns the offset of the reserved TX buffer whose payload data
// starts.
func (d *Device) txOffset(data []byte) (uint64, error) {
	off, ok := offsetOf(d.mem, data)
	if !ok || off < HeaderSize {
		return 0, fmt.Errorf("not a TX buffer: %w", ipcerr.EINVAL)
	}
	off -= HeaderSize
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.txReserved[off]; !ok {
		return 0, fmt.Errorf("not a reserved TX buffer: %w", ipcerr.EINVAL)
	}
	return off, nil
}

// reserveTx takes a free TX buffer, waiting for one if wait is true.
func (d *Device) reserveTx(ctx context.Context, wait bool) (txBuf, error) {
	var tb txBuf
	attempt := func() error {
		d.mu.Lock()
		defer d.mu.Unlock()
		if d.closed {
			return backoff.Permanent(fmt.Errorf("device closed: %w", ipcerr.EIO))
		}
		var ok bool
		if tb, ok = d.reserveTxLocked(); !ok {
			return errNoTxBuffer
		}
		return nil
	}

	err := attempt()
	if err != nil && wait && errors.Is(err, errNoTxBuffer) {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = 100 * time.Microsecond
		b.MaxInterval = 20 * time.Millisecond
		b.MaxElapsedTime = d.txWaitCap
		giveUp := time.Now().Add(d.txWaitCap)
		err = backoff.Retry(attempt, backoff.WithContext(b, ctx))
		if deadline, ok := ctx.Deadline(); ok && deadline.Before(giveUp) && errors.Is(err, errNoTxBuffer) && ctx.Err() == nil {
			// The backoff gives up once its next interval would pass the
			// deadline. Wait out the rest and try one last time.
			<-ctx.Done()
			err = attempt()
		}
	}
	switch {
	case err == nil:
		return tb, nil
	case errors.Is(err, errNoTxBuffer):
		if ctxErr := ctx.Err(); ctxErr != nil {
			return txBuf{}, fmt.Errorf("waiting for a TX buffer: %w", ctxErr)
		}
		d.warnLog.Warningf("rpmsg %s: no TX buffer available", d.name)
		return txBuf{}, fmt.Errorf("no TX buffer available: %w", ipcerr.ENOMEM)
	default:
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			return txBuf{}, perm.Err
		}
		return txBuf{}, err
	}
}

// reserveTxLocked must be called with mu held.
func (d *Device) reserveTxLocked() (txBuf, bool) {
	q := d.vdev.TxQueue()
	var tb txBuf
	if d.vdev.Role() == virtio.RoleHost {
		if len(d.txFree) == 0 {
			for {
				head, _, _, ok := q.GetUsed()
				if !ok {
					break
				}
				d.txFree = append(d.txFree, head)
			}
		}
		if len(d.txFree) == 0 {
			return txBuf{}, false
		}
		head := d.txFree[len(d.txFree)-1]
		d.txFree = d.txFree[:len(d.txFree)-1]
		l := d.vdev.Layout()
		tb = txBuf{head: head, off: l.BufferOffset(l.NumDesc + uint32(head)), size: d.bufSize}
	} else {
		if n := len(d.txSpare); n > 0 {
			tb = d.txSpare[n-1]
			d.txSpare = d.txSpare[:n-1]
		} else {
			for {
				head, desc, ok := q.GetAvail()
				if !ok {
					return txBuf{}, false
				}
				if _, err := d.vdev.Buffer(desc.Addr, desc.Len); err != nil || desc.Len <= HeaderSize {
					d.warnLog.Warningf("rpmsg %s: skipping bad TX descriptor %d (%#x+%d)", d.name, head, desc.Addr, desc.Len)
					q.PutUsed(head, 0)
					continue
				}
				tb = txBuf{head: head, off: desc.Addr, size: min(desc.Len, d.bufSize)}
				break
			}
		}
	}
	d.txReserved[tb.off] = tb
	return tb, true
}

// releaseTx returns a reserved buffer to the free pool.
func (d *Device) releaseTx(off uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	tb, ok := d.txReserved[off]
	if !ok {
		return
	}
	delete(d.txReserved, off)
	if d.vdev.Role() == virtio.RoleHost {
		d.txFree = append(d.txFree, tb.head)
	} else {
		d.txSpare = append(d.txSpare, tb)
	}
}

// commitTx writes the header of the reserved buffer at off, passes it to the
// peer and rings the doorbell.
func (d *Device) commitTx(off uint64, src, dst uint32, n int) error {
	d.mu.Lock()
	tb, ok := d.txReserved[off]
	if !ok {
		d.mu.Unlock()
		return fmt.Errorf("not a reserved TX buffer: %w", ipcerr.EINVAL)
	}
	if n > int(tb.size)-HeaderSize {
		d.mu.Unlock()
		return fmt.Errorf("%d bytes exceed the %d-byte buffer: %w", n, tb.size-HeaderSize, ipcerr.EMSGSIZE)
	}
	delete(d.txReserved, off)
	hdr := Header{Src: src, Dst: dst, Len: uint16(n)}
	hdr.MarshalTo(d.mem[off:])
	q := d.vdev.TxQueue()
	var err error
	if d.vdev.Role() == virtio.RoleHost {
		err = q.AddBuffer(tb.head, off, uint32(HeaderSize+n), 0)
	} else {
		err = q.PutUsed(tb.head, uint32(HeaderSize+n))
	}
	d.mu.Unlock()
	if err != nil {
		return err
	}
	if err := q.Kick(); err != nil {
		d.warnLog.Warningf("rpmsg %s: doorbell failed: %v", d.name, err)
	}
	return nil
}
