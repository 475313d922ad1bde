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

package staticvrings

import (
	"context"
	"fmt"

	"github.com/ipcsvc/vrings/pkg/ipc"
	"github.com/ipcsvc/vrings/pkg/ipcerr"
	"github.com/ipcsvc/vrings/pkg/rpmsg"
)

// boundEndpoint returns the transport endpoint of tok. It fails with EBUSY
// if the instance is closed, ENOENT for unknown tokens and ENOTCONN if the
// endpoint has no transport endpoint yet.
func (i *Instance) boundEndpoint(tok ipc.Token) (*rpmsg.Endpoint, error) {
	if i.state.Load() != stateInited {
		return nil, fmt.Errorf("instance %q not open: %w", i.cfg.Name, ipcerr.EBUSY)
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	s, err := i.slotLocked(tok)
	if err != nil {
		return nil, err
	}
	if s.ept == nil {
		return nil, fmt.Errorf("instance %q: endpoint %q not bound: %w", i.cfg.Name, s.name, ipcerr.ENOTCONN)
	}
	return s.ept, nil
}

// Send implements ipc.Backend.Send. It waits for a free buffer for at most
// the configured TxWaitCap, or until ctx is done.
func (i *Instance) Send(ctx context.Context, tok ipc.Token, data []byte) (int, error) {
	if len(data) == 0 {
		return 0, fmt.Errorf("instance %q: empty message: %w", i.cfg.Name, ipcerr.EBADMSG)
	}
	ept, err := i.boundEndpoint(tok)
	if err != nil {
		return 0, err
	}
	return i.rdev.Send(ctx, ept, data, true)
}

// SendNoCopy implements ipc.Backend.SendNoCopy.
func (i *Instance) SendNoCopy(tok ipc.Token, data []byte) (int, error) {
	if len(data) == 0 {
		return 0, fmt.Errorf("instance %q: empty message: %w", i.cfg.Name, ipcerr.EBADMSG)
	}
	ept, err := i.boundEndpoint(tok)
	if err != nil {
		return 0, err
	}
	return i.rdev.SendNoCopy(ept, data)
}

// GetTxBuffer implements ipc.Backend.GetTxBuffer.
func (i *Instance) GetTxBuffer(ctx context.Context, tok ipc.Token, size int, wait bool) ([]byte, error) {
	if _, err := i.boundEndpoint(tok); err != nil {
		return nil, err
	}
	payload := i.rdev.PayloadSize()
	if size < 0 || size > payload {
		return nil, fmt.Errorf("instance %q: %d bytes exceed the %d-byte payload: %w", i.cfg.Name, size, payload, ipcerr.ENOMEM)
	}
	buf, err := i.rdev.GetTxPayloadBuffer(ctx, wait)
	if err != nil {
		return nil, err
	}
	if size == 0 {
		return buf, nil
	}
	return buf[:size], nil
}

// GetTxBufferSize implements ipc.Backend.GetTxBufferSize.
func (i *Instance) GetTxBufferSize(tok ipc.Token) (int, error) {
	if _, err := i.boundEndpoint(tok); err != nil {
		return 0, err
	}
	return i.rdev.PayloadSize(), nil
}

// HoldRxBuffer implements ipc.Backend.HoldRxBuffer. It may only be called
// from the endpoint's Received callback.
func (i *Instance) HoldRxBuffer(tok ipc.Token, data []byte) error {
	if _, err := i.boundEndpoint(tok); err != nil {
		return err
	}
	return i.rdev.HoldRxBuffer(data)
}

// ReleaseRxBuffer implements ipc.Backend.ReleaseRxBuffer.
func (i *Instance) ReleaseRxBuffer(tok ipc.Token, data []byte) error {
	if _, err := i.boundEndpoint(tok); err != nil {
		return err
	}
	return i.rdev.ReleaseRxBuffer(data)
}

// DropTxBuffer implements ipc.Backend.DropTxBuffer. Buffers from GetTxBuffer
// can only be given back by sending them.
func (i *Instance) DropTxBuffer(ipc.Token, []byte) error {
	return fmt.Errorf("instance %q: dropping transmit buffers: %w", i.cfg.Name, ipcerr.ENOTSUP)
}
