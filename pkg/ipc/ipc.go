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

// Package ipc defines the IPC service: a transport-independent API for
// exchanging messages over named endpoints between two parties.
//
// A Backend implements one link. Users register endpoints by name and are
// told through Callbacks when the peer has registered the same name and
// messages can flow.
package ipc

import (
	"context"
)

// Callbacks receives endpoint events. Both methods run on the backend's
// worker, never concurrently for the same instance.
type Callbacks interface {
	// Bound is called once when the endpoint is connected to its peer,
	// before the first Received.
	Bound(priv any)

	// Received is called for every message. data is only valid during the
	// call unless the backend's HoldRxBuffer is used.
	Received(data []byte, priv any)
}

// Unbinder is optionally implemented by Callbacks that want to know when
// the peer goes away.
type Unbinder interface {
	Unbound(priv any)
}

// CallbackFuncs adapts functions to Callbacks. Nil functions are skipped.
type CallbackFuncs struct {
	OnBound    func(priv any)
	OnReceived func(data []byte, priv any)
	OnUnbound  func(priv any)
}

// Bound implements Callbacks.Bound.
func (c CallbackFuncs) Bound(priv any) {
	if c.OnBound != nil {
		c.OnBound(priv)
	}
}

// Received implements Callbacks.Received.
func (c CallbackFuncs) Received(data []byte, priv any) {
	if c.OnReceived != nil {
		c.OnReceived(data, priv)
	}
}

// Unbound implements Unbinder.Unbound.
func (c CallbackFuncs) Unbound(priv any) {
	if c.OnUnbound != nil {
		c.OnUnbound(priv)
	}
}

// EndpointConfig describes an endpoint to register.
type EndpointConfig struct {
	// Name is matched against the peer's endpoint names.
	Name string

	// Callbacks receives the endpoint's events.
	Callbacks Callbacks

	// Priv is passed back on every callback.
	Priv any
}

// Token identifies a registered endpoint. The zero Token is never valid.
type Token struct {
	owner any
	slot  int
	gen   uint64
}

// NewToken is used by backends to build tokens. owner identifies the
// backend instance that issued it.
func NewToken(owner any, slot int, gen uint64) Token {
	return Token{owner: owner, slot: slot, gen: gen}
}

// Owner returns the backend instance that issued t.
func (t Token) Owner() any {
	return t.owner
}

// Slot returns the backend's slot index for t.
func (t Token) Slot() int {
	return t.slot
}

// Generation returns the slot generation t was issued for.
func (t Token) Generation() uint64 {
	return t.gen
}

// IsZero reports whether t is the zero Token.
func (t Token) IsZero() bool {
	return t.owner == nil
}

// Backend is one IPC link.
type Backend interface {
	// Open sets up the link. It fails with EALREADY unless the backend is
	// closed.
	Open(ctx context.Context) error

	// Close tears the link down. It fails with EALREADY unless the backend
	// is open and with EBUSY while any endpoint is bound.
	Close() error

	// RegisterEndpoint registers an endpoint.
	RegisterEndpoint(cfg *EndpointConfig) (Token, error)

	// DeregisterEndpoint removes an endpoint. No callback for it runs after
	// DeregisterEndpoint returns, so it must not be called from one.
	DeregisterEndpoint(tok Token) error

	// Send copies data into a transmit buffer and sends it.
	Send(ctx context.Context, tok Token, data []byte) (int, error)

	// SendNoCopy sends a buffer obtained from GetTxBuffer.
	SendNoCopy(tok Token, data []byte) (int, error)

	// GetTxBuffer returns a transmit buffer of size bytes, or the largest
	// available if size is zero.
	GetTxBuffer(ctx context.Context, tok Token, size int, wait bool) ([]byte, error)

	// GetTxBufferSize returns the largest message size.
	GetTxBufferSize(tok Token) (int, error)

	// HoldRxBuffer keeps a received buffer past its callback.
	HoldRxBuffer(tok Token, data []byte) error

	// ReleaseRxBuffer gives back a held buffer.
	ReleaseRxBuffer(tok Token, data []byte) error

	// DropTxBuffer gives back an unsent buffer from GetTxBuffer.
	DropTxBuffer(tok Token, data []byte) error
}
