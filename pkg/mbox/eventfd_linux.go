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
	"fmt"

	"golang.org/x/sys/unix"
)

// Eventfd is a doorbell backed by a Linux eventfd. The same object serves as
// the Sender of one party and the Receiver of the other, so a link needs
// two.
type Eventfd struct {
	fdReceiver
}

var (
	_ Sender   = (*Eventfd)(nil)
	_ Receiver = (*Eventfd)(nil)
)

// NewEventfd returns a doorbell backed by a new eventfd.
func NewEventfd() (*Eventfd, error) {
	fd, err := newEventfd()
	if err != nil {
		return nil, err
	}
	return WrapEventfd(fd)
}

// WrapEventfd returns a doorbell using the provided eventfd, for example one
// inherited from a parent process. The Eventfd takes ownership of fd.
func WrapEventfd(fd int) (*Eventfd, error) {
	ev := &Eventfd{}
	if err := ev.init(fmt.Sprintf("eventfd:%d", fd), fd, func() error {
		_, err := readCounter(fd)
		return err
	}); err != nil {
		return nil, err
	}
	return ev, nil
}

// NewEventfdPair returns the two doorbells of a link. The first carries
// host-to-remote notifications and the second remote-to-host ones.
func NewEventfdPair() (toRemote, toHost *Eventfd, err error) {
	toRemote, err = NewEventfd()
	if err != nil {
		return nil, nil, err
	}
	toHost, err = NewEventfd()
	if err != nil {
		toRemote.Close()
		return nil, nil, err
	}
	return toRemote, toHost, nil
}

// Send implements Sender.Send.
func (ev *Eventfd) Send() error {
	return writeCounter(ev.fd, 1)
}

// FD returns the underlying file descriptor. Use with care, as this breaks
// the Eventfd abstraction.
func (ev *Eventfd) FD() int {
	return ev.fd
}

// Close implements Receiver.Close. It also closes the eventfd.
func (ev *Eventfd) Close() error {
	if !ev.stop() {
		return nil
	}
	return unix.Close(ev.fd)
}
