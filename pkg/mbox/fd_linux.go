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

//go:build linux
// +build linux

package mbox

import (
	"encoding/binary"
	"fmt"

	"github.com/ipcsvc/vrings/pkg/ipcerr"
	"github.com/ipcsvc/vrings/pkg/log"
	"golang.org/x/sys/unix"
)

const sizeofUint64 = 8

// fdReceiver delivers doorbells that arrive as readability of fd. A private
// eventfd wakes the poller on Close.
type fdReceiver struct {
	dispatcher

	name string
	fd   int
	wake int

	// drain consumes whatever made fd readable.
	drain func() error

	done chan struct{}
}

func (r *fdReceiver) init(name string, fd int, drain func() error) error {
	wake, err := newEventfd()
	if err != nil {
		return err
	}
	r.name = name
	r.fd = fd
	r.wake = wake
	r.drain = drain
	r.done = make(chan struct{})
	return nil
}

// Register implements Receiver.Register.
func (r *fdReceiver) Register(handler func()) error {
	return r.register(handler, func() { go r.loop() })
}

// SetEnabled implements Receiver.SetEnabled.
func (r *fdReceiver) SetEnabled(enabled bool) error {
	return r.setEnabled(enabled)
}

func (r *fdReceiver) loop() {
	defer close(r.done)
	fds := []unix.PollFd{
		{Fd: int32(r.fd), Events: unix.POLLIN},
		{Fd: int32(r.wake), Events: unix.POLLIN},
	}
	for {
		fds[0].Revents, fds[1].Revents = 0, 0
		if _, err := unix.Poll(fds, -1); err != nil {
			if err == unix.EINTR {
				continue
			}
			log.Warningf("Mailbox %s: poll failed: %v", r.name, err)
			return
		}
		if fds[1].Revents != 0 {
			return
		}
		if fds[0].Revents&(unix.POLLERR|unix.POLLNVAL) != 0 {
			log.Warningf("Mailbox %s: poll error events %#x", r.name, fds[0].Revents)
			return
		}
		if fds[0].Revents&unix.POLLIN == 0 {
			continue
		}
		if err := r.drain(); err != nil {
			log.Warningf("Mailbox %s: %v", r.name, err)
			return
		}
		r.fire()
	}
}

// stop wakes and joins the poller, then closes the wake fd. It reports
// whether the receiver was open.
func (r *fdReceiver) stop() bool {
	wasOpen, started := r.markClosed()
	if !wasOpen {
		return false
	}
	if started {
		if err := writeCounter(r.wake, 1); err != nil {
			log.Warningf("Mailbox %s: waking poller: %v", r.name, err)
		}
		<-r.done
	}
	unix.Close(r.wake)
	return true
}

func newEventfd() (int, error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return -1, fmt.Errorf("failed to create eventfd: %w", err)
	}
	return fd, nil
}

// writeCounter adds val to an eventfd counter. A full counter means a
// notification is already pending.
func writeCounter(fd int, val uint64) error {
	var buf [sizeofUint64]byte
	binary.NativeEndian.PutUint64(buf[:], val)
	for {
		n, err := unix.Write(fd, buf[:])
		switch err {
		case unix.EINTR:
			continue
		case unix.EAGAIN:
			return nil
		case nil:
			if n != sizeofUint64 {
				return fmt.Errorf("short write to eventfd: got %d bytes, wanted %d: %w", n, sizeofUint64, ipcerr.EIO)
			}
			return nil
		default:
			return fmt.Errorf("write to eventfd: %w", err)
		}
	}
}

// readCounter reads and resets an eventfd counter. It returns 0 if the
// counter was already zero.
func readCounter(fd int) (uint64, error) {
	var buf [sizeofUint64]byte
	for {
		n, err := unix.Read(fd, buf[:])
		switch err {
		case unix.EINTR:
			continue
		case unix.EAGAIN:
			return 0, nil
		case nil:
			if n != sizeofUint64 {
				return 0, fmt.Errorf("short read from eventfd: got %d bytes, wanted %d: %w", n, sizeofUint64, ipcerr.EIO)
			}
			return binary.NativeEndian.Uint64(buf[:]), nil
		default:
			return 0, fmt.Errorf("read from eventfd: %w", err)
		}
	}
}
