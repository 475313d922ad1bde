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
	"errors"
	"fmt"
	"os"

	"github.com/ipcsvc/vrings/pkg/ipcerr"
	"golang.org/x/sys/unix"
)

// FIFO is a doorbell backed by a named pipe, usable between unrelated
// processes. Each ring writes one byte. Like Eventfd, the same path is the
// Sender of one party and the Receiver of the other.
type FIFO struct {
	fdReceiver

	path string
}

var (
	_ Sender   = (*FIFO)(nil)
	_ Receiver = (*FIFO)(nil)
)

// OpenFIFO opens the named pipe at path, creating it if needed.
//
// The pipe is opened read-write so that opening never blocks waiting for a
// peer and writes never fail with ENXIO or EPIPE when the peer is absent.
func OpenFIFO(path string) (*FIFO, error) {
	if err := unix.Mkfifo(path, 0o600); err != nil && !errors.Is(err, unix.EEXIST) {
		return nil, fmt.Errorf("mkfifo %q: %w", path, err)
	}
	fi, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if fi.Mode()&os.ModeNamedPipe == 0 {
		return nil, fmt.Errorf("%q exists and is not a named pipe: %w", path, ipcerr.EINVAL)
	}
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open %q: %w", path, err)
	}
	f := &FIFO{path: path}
	if err := f.init("fifo:"+path, fd, f.drainPipe); err != nil {
		unix.Close(fd)
		return nil, err
	}
	return f, nil
}

func (f *FIFO) drainPipe() error {
	var buf [64]byte
	for {
		n, err := unix.Read(f.fd, buf[:])
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			return nil
		case err != nil:
			return fmt.Errorf("read %q: %w", f.path, err)
		case n < len(buf):
			return nil
		}
	}
}

// Path returns the pipe's path.
func (f *FIFO) Path() string {
	return f.path
}

// Send implements Sender.Send. A full pipe means doorbells are already
// pending, which is not an error.
func (f *FIFO) Send() error {
	b := [1]byte{1}
	for {
		_, err := unix.Write(f.fd, b[:])
		switch err {
		case nil, unix.EAGAIN:
			return nil
		case unix.EINTR:
			continue
		default:
			return fmt.Errorf("write %q: %w", f.path, err)
		}
	}
}

// Close implements Receiver.Close. The pipe itself is left in place.
func (f *FIFO) Close() error {
	if !f.stop() {
		return nil
	}
	return unix.Close(f.fd)
}
