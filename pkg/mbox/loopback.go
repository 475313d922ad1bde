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

package mbox

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ipcsvc/vrings/pkg/ipcerr"
)

// Loopback is one end of an in-process doorbell pair. Send rings the other
// end; Register and SetEnabled control this end.
type Loopback struct {
	dispatcher

	peer *Loopback
	bell chan struct{}
	stop chan struct{}
	wg   sync.WaitGroup

	sent atomic.Uint64
}

var (
	_ Sender   = (*Loopback)(nil)
	_ Receiver = (*Loopback)(nil)
)

// NewLoopbackPair returns two connected ends.
func NewLoopbackPair() (*Loopback, *Loopback) {
	a := &Loopback{bell: make(chan struct{}, 1), stop: make(chan struct{})}
	b := &Loopback{bell: make(chan struct{}, 1), stop: make(chan struct{})}
	a.peer, b.peer = b, a
	return a, b
}

// Channel returns l as a Channel.
func (l *Loopback) Channel() Channel {
	return Channel{TX: l, RX: l}
}

// Send implements Sender.Send.
func (l *Loopback) Send() error {
	select {
	case <-l.peer.stop:
		return fmt.Errorf("peer mailbox closed: %w", ipcerr.EIO)
	default:
	}
	l.sent.Add(1)
	select {
	case l.peer.bell <- struct{}{}:
	default:
		// Already pending.
	}
	return nil
}

// Sent returns the number of doorbells rung through l.
func (l *Loopback) Sent() uint64 {
	return l.sent.Load()
}

// Register implements Receiver.Register.
func (l *Loopback) Register(handler func()) error {
	return l.register(handler, func() {
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			for {
				select {
				case <-l.stop:
					return
				case <-l.bell:
					l.fire()
				}
			}
		}()
	})
}

// SetEnabled implements Receiver.SetEnabled.
func (l *Loopback) SetEnabled(enabled bool) error {
	return l.setEnabled(enabled)
}

// Close implements Receiver.Close.
func (l *Loopback) Close() error {
	if wasOpen, _ := l.markClosed(); !wasOpen {
		return nil
	}
	close(l.stop)
	l.wg.Wait()
	return nil
}
