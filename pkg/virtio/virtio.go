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

// Package virtio implements the memory side of a static virtio device: split
// vrings laid out in a caller-provided region, the driver and device halves
// of a virtqueue, and the status byte the two parties use to synchronize
// start-up.
//
// Nothing here is discovered at run time. Both parties agree on the layout in
// advance (see package shmlayout) and only the indices and the status byte
// change once the link is up.
//
// Ring indices are read and written with atomic operations so that the two
// parties may run in different goroutines or different processes. Descriptor
// and ring entries are plain memory published by the index store that
// follows them.
package virtio

import (
	"fmt"

	"github.com/ipcsvc/vrings/pkg/ipcerr"
)

// Role identifies which side of the link a party is on.
type Role int

const (
	// RoleHost is the virtio driver. It initializes the rings, owns every
	// buffer and makes them available to the remote.
	RoleHost Role = iota

	// RoleRemote is the virtio device. It consumes buffers the host made
	// available and hands them back through the used rings.
	RoleRemote
)

// String implements fmt.Stringer.
func (r Role) String() string {
	switch r {
	case RoleHost:
		return "host"
	case RoleRemote:
		return "remote"
	default:
		return fmt.Sprintf("Role(%d)", int(r))
	}
}

// ParseRole parses "host" or "remote".
func ParseRole(s string) (Role, error) {
	switch s {
	case "host", "HOST":
		return RoleHost, nil
	case "remote", "REMOTE":
		return RoleRemote, nil
	}
	return 0, fmt.Errorf("invalid role %q, want host or remote: %w", s, ipcerr.EINVAL)
}

// MarshalText implements encoding.TextMarshaler.
func (r Role) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *Role) UnmarshalText(b []byte) error {
	v, err := ParseRole(string(b))
	if err != nil {
		return err
	}
	*r = v
	return nil
}

// Device status bits, as defined by virtio 1.x.
const (
	StatusAcknowledge uint8 = 1
	StatusDriver      uint8 = 2
	StatusDriverOK    uint8 = 4
	StatusFeaturesOK  uint8 = 8
	StatusNeedsReset  uint8 = 64
	StatusFailed      uint8 = 128
)

// FeatureNameService is the rpmsg name service feature bit. Static devices
// always offer it.
const FeatureNameService uint64 = 1 << 0

// Descriptor flags.
const (
	DescFlagNext  uint16 = 1
	DescFlagWrite uint16 = 2
)

// Desc is a split virtqueue descriptor. Addr is an offset into the shared
// region rather than a physical address.
type Desc struct {
	Addr  uint64
	Len   uint32
	Flags uint16
	Next  uint16
}

// Queue IDs. Vring 0 carries remote-to-host traffic and vring 1 carries
// host-to-remote traffic.
const (
	QueueRemoteToHost = 0
	QueueHostToRemote = 1
)
