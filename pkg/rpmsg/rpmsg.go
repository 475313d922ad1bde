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

// Package rpmsg implements RPMsg messaging over a static virtio device.
//
// Every message occupies one shared buffer and starts with a 16-byte header
// naming the source and destination endpoint addresses. Address 0x35 is the
// name service, through which a party announces the endpoints it creates so
// that the peer can bind to them by name.
//
// User callbacks are never invoked with the device lock held.
package rpmsg

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/ipcsvc/vrings/pkg/ipcerr"
)

// Endpoint addresses.
const (
	// AddrAny means "not known yet" as a destination and "allocate one" as a
	// source.
	AddrAny uint32 = 0xFFFFFFFF

	// NSAddr is the address of the name service endpoint.
	NSAddr uint32 = 0x35

	// ReservedAddresses is the first dynamically allocated address.
	ReservedAddresses uint32 = 1024

	// MaxDynamicEndpoints bounds the dynamic address space.
	MaxDynamicEndpoints = 128
)

// HeaderSize is the size of the message header.
const HeaderSize = 16

// NameSize is the size of the name field of a name service message,
// including the terminating NUL.
const NameSize = 32

// Name service message flags.
const (
	NSCreate  uint32 = 0
	NSDestroy uint32 = 1
)

// nsMsgSize is the size of a name service message payload.
const nsMsgSize = NameSize + 8

// bufHeld marks a received buffer the application kept past its callback.
// It lives in the header's reserved word, which only the receiver uses.
const bufHeld uint32 = 1 << 31

// Header is the RPMsg message header. All fields are little-endian.
type Header struct {
	Src      uint32
	Dst      uint32
	Reserved uint32
	Len      uint16
	Flags    uint16
}

// MarshalTo writes h to the first HeaderSize bytes of b.
func (h *Header) MarshalTo(b []byte) {
	_ = b[HeaderSize-1]
	binary.LittleEndian.PutUint32(b[0:], h.Src)
	binary.LittleEndian.PutUint32(b[4:], h.Dst)
	binary.LittleEndian.PutUint32(b[8:], h.Reserved)
	binary.LittleEndian.PutUint16(b[12:], h.Len)
	binary.LittleEndian.PutUint16(b[14:], h.Flags)
}

// ParseHeader reads a header from the first HeaderSize bytes of b.
func ParseHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, fmt.Errorf("%d bytes is too short for a header: %w", len(b), ipcerr.EBADMSG)
	}
	return Header{
		Src:      binary.LittleEndian.Uint32(b[0:]),
		Dst:      binary.LittleEndian.Uint32(b[4:]),
		Reserved: binary.LittleEndian.Uint32(b[8:]),
		Len:      binary.LittleEndian.Uint16(b[12:]),
		Flags:    binary.LittleEndian.Uint16(b[14:]),
	}, nil
}

// NSMessage is a name service announcement.
type NSMessage struct {
	Name  string
	Addr  uint32
	Flags uint32
}

// ValidName reports whether name fits in a name service message.
func ValidName(name string) bool {
	return len(name) > 0 && len(name) < NameSize && bytes.IndexByte([]byte(name), 0) < 0
}

// MarshalTo writes m to the first nsMsgSize bytes of b.
func (m *NSMessage) MarshalTo(b []byte) error {
	if len(m.Name) >= NameSize {
		return fmt.Errorf("name %q longer than %d bytes: %w", m.Name, NameSize-1, ipcerr.EINVAL)
	}
	_ = b[nsMsgSize-1]
	clear(b[:NameSize])
	copy(b, m.Name)
	binary.LittleEndian.PutUint32(b[NameSize:], m.Addr)
	binary.LittleEndian.PutUint32(b[NameSize+4:], m.Flags)
	return nil
}

// Marshal returns m encoded.
func (m *NSMessage) Marshal() ([]byte, error) {
	b := make([]byte, nsMsgSize)
	if err := m.MarshalTo(b); err != nil {
		return nil, err
	}
	return b, nil
}

// ParseNSMessage decodes a name service message. The name ends at the first
// NUL.
func ParseNSMessage(b []byte) (NSMessage, error) {
	if len(b) != nsMsgSize {
		return NSMessage{}, fmt.Errorf("name service message of %d bytes, want %d: %w", len(b), nsMsgSize, ipcerr.EBADMSG)
	}
	name := b[:NameSize]
	if i := bytes.IndexByte(name, 0); i >= 0 {
		name = name[:i]
	}
	return NSMessage{
		Name:  string(name),
		Addr:  binary.LittleEndian.Uint32(b[NameSize:]),
		Flags: binary.LittleEndian.Uint32(b[NameSize+4:]),
	}, nil
}
