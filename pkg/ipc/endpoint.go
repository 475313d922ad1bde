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

package ipc

import "context"

// Endpoint binds a registered endpoint to its backend.
type Endpoint struct {
	backend Backend
	token   Token
	name    string
}

// Register registers cfg with b and returns the endpoint.
func Register(b Backend, cfg *EndpointConfig) (*Endpoint, error) {
	tok, err := b.RegisterEndpoint(cfg)
	if err != nil {
		return nil, err
	}
	return &Endpoint{backend: b, token: tok, name: cfg.Name}, nil
}

// Name returns the endpoint name.
func (e *Endpoint) Name() string {
	return e.name
}

// Token returns the backend token.
func (e *Endpoint) Token() Token {
	return e.token
}

// Deregister removes the endpoint from its backend.
func (e *Endpoint) Deregister() error {
	return e.backend.DeregisterEndpoint(e.token)
}

// Send sends data to the peer.
func (e *Endpoint) Send(ctx context.Context, data []byte) (int, error) {
	return e.backend.Send(ctx, e.token, data)
}

// SendNoCopy sends a buffer obtained from GetTxBuffer.
func (e *Endpoint) SendNoCopy(data []byte) (int, error) {
	return e.backend.SendNoCopy(e.token, data)
}

// GetTxBuffer returns a transmit buffer.
func (e *Endpoint) GetTxBuffer(ctx context.Context, size int, wait bool) ([]byte, error) {
	return e.backend.GetTxBuffer(ctx, e.token, size, wait)
}

// GetTxBufferSize returns the largest message size.
func (e *Endpoint) GetTxBufferSize() (int, error) {
	return e.backend.GetTxBufferSize(e.token)
}

// HoldRxBuffer keeps a received buffer past its callback.
func (e *Endpoint) HoldRxBuffer(data []byte) error {
	return e.backend.HoldRxBuffer(e.token, data)
}

// ReleaseRxBuffer gives back a held buffer.
func (e *Endpoint) ReleaseRxBuffer(data []byte) error {
	return e.backend.ReleaseRxBuffer(e.token, data)
}

// DropTxBuffer gives back an unsent buffer.
func (e *Endpoint) DropTxBuffer(data []byte) error {
	return e.backend.DropTxBuffer(e.token, data)
}
