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

// Callback is called on every message delivered to an endpoint. data is
// only valid during the call unless the buffer is held with HoldRxBuffer.
type Callback func(ept *Endpoint, data []byte, src uint32)

// UnbindCallback is called when the peer destroys the endpoint's remote
// counterpart.
type UnbindCallback func(ept *Endpoint)

// Endpoint is a local RPMsg endpoint.
type Endpoint struct {
	name   string
	addr   uint32
	cb     Callback
	unbind UnbindCallback
	dev    *Device

	// Priv is free for use by the endpoint's owner.
	Priv any

	// destAddr is protected by dev.mu.
	destAddr uint32
}

// Name returns the endpoint name. It may be empty for endpoints that are not
// announced.
func (e *Endpoint) Name() string {
	return e.name
}

// Addr returns the local address.
func (e *Endpoint) Addr() uint32 {
	return e.addr
}

// Dest returns the peer address, or AddrAny if it is not known yet.
func (e *Endpoint) Dest() uint32 {
	e.dev.mu.Lock()
	defer e.dev.mu.Unlock()
	return e.destAddr
}

// IsReady reports whether the endpoint knows its peer's address.
func (e *Endpoint) IsReady() bool {
	return e.Dest() != AddrAny
}

// Device returns the device the endpoint belongs to.
func (e *Endpoint) Device() *Device {
	return e.dev
}
