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

// Package mbox provides doorbells: payload-less notifications from one party
// of a link to the other.
//
// A doorbell carries no data and is level-like: several rings before the
// receiver runs may be delivered as one. Receivers call their handler from a
// dedicated goroutine, which plays the part of an interrupt handler and
// should only queue work.
package mbox

import (
	"fmt"
	"sync"

	"github.com/ipcsvc/vrings/pkg/ipcerr"
)

// Sender rings the peer's doorbell.
type Sender interface {
	Send() error
}

// Receiver delivers doorbells rung by the peer.
type Receiver interface {
	// Register installs the handler, replacing any previous one. Delivery
	// starts disabled.
	Register(handler func()) error

	// SetEnabled enables or disables delivery. Doorbells that arrive while
	// disabled are discarded. Once SetEnabled(false) returns, the handler is
	// not running and is not called again until delivery is re-enabled, so
	// the handler must not disable its own receiver.
	SetEnabled(enabled bool) error

	// Close stops delivery and releases resources. The handler is not called
	// after Close returns.
	Close() error
}

// Channel is the pair of doorbells one party of a link uses. The channel
// does not own them: whoever created the doorbells closes them.
type Channel struct {
	TX Sender
	RX Receiver
}

// dispatcher holds a receiver's handler and enable state.
type dispatcher struct {
	// fireMu is held while the handler runs.
	fireMu sync.Mutex

	mu         sync.Mutex
	handler    func()
	enabled    bool
	registered bool
	closed     bool
}

// register installs handler. The first time, it also calls start with mu
// held to start delivery, so that a concurrent close sees whatever start
// set up.
func (d *dispatcher) register(handler func(), start func()) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return fmt.Errorf("mailbox closed: %w", ipcerr.EIO)
	}
	if handler == nil {
		return fmt.Errorf("nil handler: %w", ipcerr.EINVAL)
	}
	d.handler = handler
	if !d.registered {
		d.registered = true
		start()
	}
	return nil
}

func (d *dispatcher) setEnabled(enabled bool) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return fmt.Errorf("mailbox closed: %w", ipcerr.EIO)
	}
	d.enabled = enabled
	d.mu.Unlock()
	if !enabled {
		// Wait out a handler that started before delivery was disabled.
		d.fireMu.Lock()
		d.fireMu.Unlock()
	}
	return nil
}

// markClosed reports whether the dispatcher was open and whether delivery
// was started.
func (d *dispatcher) markClosed() (wasOpen, started bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return false, false
	}
	d.closed = true
	return true, d.registered
}

func (d *dispatcher) fire() {
	d.fireMu.Lock()
	defer d.fireMu.Unlock()
	d.mu.Lock()
	h := d.handler
	ok := d.enabled && !d.closed
	d.mu.Unlock()
	if ok && h != nil {
		h()
	}
}
