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
	"fmt"
	"time"

	"github.com/ipcsvc/vrings/pkg/ipcerr"
	"github.com/ipcsvc/vrings/pkg/rpmsg"
	"github.com/ipcsvc/vrings/pkg/virtio"
)

// Defaults for unset Config fields.
const (
	DefaultBufferSize   = 512
	DefaultAlignment    = 4
	DefaultNumEndpoints = 2
)

// Config describes one link.
type Config struct {
	// Name identifies the instance in logs and in a Set.
	Name string

	// Role is the side of the link this instance is on.
	Role virtio.Role

	// ShmSize is the size of the shared region. Zero means the whole region
	// passed to New.
	ShmSize uint64

	// BufferSize is the size of one message buffer, header included.
	BufferSize uint32

	// Alignment is the alignment of every area of the region.
	Alignment uint64

	// NumEndpoints is the size of the endpoint table.
	NumEndpoints int

	// WQPriority and WQCooperative describe the worker's scheduling.
	WQPriority    int
	WQCooperative bool

	// TxWaitCap bounds how long Send waits for a free buffer.
	TxWaitCap time.Duration
}

// SetDefaults fills unset fields.
func (c *Config) SetDefaults() {
	if c.BufferSize == 0 {
		c.BufferSize = DefaultBufferSize
	}
	if c.Alignment == 0 {
		c.Alignment = DefaultAlignment
	}
	if c.NumEndpoints == 0 {
		c.NumEndpoints = DefaultNumEndpoints
	}
	if c.TxWaitCap == 0 {
		c.TxWaitCap = rpmsg.DefaultTxWaitCap
	}
}

// Validate checks c after SetDefaults.
func (c *Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("instance name is empty: %w", ipcerr.EINVAL)
	}
	if c.Role != virtio.RoleHost && c.Role != virtio.RoleRemote {
		return fmt.Errorf("instance %q: invalid role %v: %w", c.Name, c.Role, ipcerr.EINVAL)
	}
	if c.BufferSize <= rpmsg.HeaderSize {
		return fmt.Errorf("instance %q: buffer size %d leaves no payload: %w", c.Name, c.BufferSize, ipcerr.EINVAL)
	}
	if c.BufferSize > rpmsg.HeaderSize+0xffff {
		return fmt.Errorf("instance %q: buffer size %d exceeds the message length field: %w", c.Name, c.BufferSize, ipcerr.EINVAL)
	}
	if c.Alignment < 4 || c.Alignment&(c.Alignment-1) != 0 {
		return fmt.Errorf("instance %q: alignment %d is not a power of two >= 4: %w", c.Name, c.Alignment, ipcerr.EINVAL)
	}
	if c.NumEndpoints <= 0 {
		return fmt.Errorf("instance %q: %d endpoints: %w", c.Name, c.NumEndpoints, ipcerr.EINVAL)
	}
	if c.TxWaitCap < 0 {
		return fmt.Errorf("instance %q: negative TX wait cap: %w", c.Name, ipcerr.EINVAL)
	}
	return nil
}
