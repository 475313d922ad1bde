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
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/ipcsvc/vrings/pkg/ipc"
	"github.com/ipcsvc/vrings/pkg/ipcerr"
	"github.com/ipcsvc/vrings/pkg/mbox"
	"github.com/ipcsvc/vrings/pkg/rpmsg"
	"github.com/ipcsvc/vrings/pkg/shm"
	"github.com/ipcsvc/vrings/pkg/virtio"
)

const testTimeout = 5 * time.Second

func testConfig(name string, role virtio.Role) Config {
	return Config{
		Name:         name,
		Role:         role,
		BufferSize:   256,
		Alignment:    4,
		NumEndpoints: 2,
		TxWaitCap:    200 * time.Millisecond,
	}
}

func newRegion(t *testing.T) []byte {
	t.Helper()
	r, err := shm.NewHeap(4096)
	if err != nil {
		t.Fatalf("NewHeap failed: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r.Bytes()
}

// pair is a host and a remote instance over one heap region, connected by
// loopback mailboxes.
type pair struct {
	host, remote     *Instance
	hostMB, remoteMB *mbox.Loopback
}

func newPair(t *testing.T) *pair {
	t.Helper()
	mem := newRegion(t)
	p := &pair{}
	p.hostMB, p.remoteMB = mbox.NewLoopbackPair()
	t.Cleanup(func() {
		p.hostMB.Close()
		p.remoteMB.Close()
	})

	var err error
	if p.host, err = New(testConfig("host", virtio.RoleHost), mem, p.hostMB.Channel()); err != nil {
		t.Fatalf("New(host) failed: %v", err)
	}
	if p.remote, err = New(testConfig("remote", virtio.RoleRemote), mem, p.remoteMB.Channel()); err != nil {
		t.Fatalf("New(remote) failed: %v", err)
	}
	return p
}

func (p *pair) open(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	if err := p.host.Open(ctx); err != nil {
		t.Fatalf("host Open failed: %v", err)
	}
	if err := p.remote.Open(ctx); err != nil {
		t.Fatalf("remote Open failed: %v", err)
	}
}

// recorder collects endpoint events.
type recorder struct {
	bound    chan struct{}
	unbound  chan struct{}
	received chan []byte
}

func newRecorder() *recorder {
	return &recorder{
		bound:    make(chan struct{}, 8),
		unbound:  make(chan struct{}, 8),
		received: make(chan []byte, 8),
	}
}

func (r *recorder) Bound(any) {
	r.bound <- struct{}{}
}

func (r *recorder) Received(data []byte, _ any) {
	r.received <- bytes.Clone(data)
}

func (r *recorder) Unbound(any) {
	r.unbound <- struct{}{}
}

func (r *recorder) waitBound(t *testing.T, who string) {
	t.Helper()
	select {
	case <-r.bound:
	case <-time.After(testTimeout):
		t.Fatalf("%s: timed out waiting for Bound", who)
	}
}

func (r *recorder) waitUnbound(t *testing.T, who string) {
	t.Helper()
	select {
	case <-r.unbound:
	case <-time.After(testTimeout):
		t.Fatalf("%s: timed out waiting for Unbound", who)
	}
}

func (r *recorder) waitReceived(t *testing.T, who string) []byte {
	t.Helper()
	select {
	case data := <-r.received:
		return data
	case <-time.After(testTimeout):
		t.Fatalf("%s: timed out waiting for a message", who)
		return nil
	}
}

func register(t *testing.T, inst *Instance, name string, cb ipc.Callbacks) ipc.Token {
	t.Helper()
	tok, err := inst.RegisterEndpoint(&ipc.EndpointConfig{Name: name, Callbacks: cb})
	if err != nil {
		t.Fatalf("%s: RegisterEndpoint(%q) failed: %v", inst.Name(), name, err)
	}
	return tok
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(testTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func endpointStates(inst *Instance) map[string]string {
	m := make(map[string]string)
	for _, info := range inst.Endpoints() {
		m[info.Name] = info.State
	}
	return m
}

func TestBindOrderIndependent(t *testing.T) {
	for _, tc := range []struct {
		name      string
		hostFirst bool
	}{
		{name: "host first", hostFirst: true},
		{name: "remote first", hostFirst: false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			p := newPair(t)
			p.open(t)
			hrec, rrec := newRecorder(), newRecorder()

			var htok, rtok ipc.Token
			if tc.hostFirst {
				htok = register(t, p.host, "ctrl", hrec)
				rtok = register(t, p.remote, "ctrl", rrec)
			} else {
				rtok = register(t, p.remote, "ctrl", rrec)
				// Let the announcement be cached before the host registers.
				waitFor(t, "cached announcement", func() bool {
					return endpointStates(p.host)["ctrl"] == "cached"
				})
				htok = register(t, p.host, "ctrl", hrec)
			}
			hrec.waitBound(t, "host")
			rrec.waitBound(t, "remote")

			if _, err := p.host.Send(context.Background(), htok, []byte("ping")); err != nil {
				t.Fatalf("host Send failed: %v", err)
			}
			if got := rrec.waitReceived(t, "remote"); string(got) != "ping" {
				t.Errorf("remote received %q, want %q", got, "ping")
			}
			if _, err := p.remote.Send(context.Background(), rtok, []byte("pong")); err != nil {
				t.Fatalf("remote Send failed: %v", err)
			}
			if got := hrec.waitReceived(t, "host"); string(got) != "pong" {
				t.Errorf("host received %q, want %q", got, "pong")
			}

			want := map[string]string{"ctrl": "bound"}
			if diff := cmp.Diff(want, endpointStates(p.host)); diff != "" {
				t.Errorf("host endpoints mismatch (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(want, endpointStates(p.remote)); diff != "" {
				t.Errorf("remote endpoints mismatch (-want +got):\n%s", diff)
			}
			select {
			case <-hrec.bound:
				t.Errorf("host Bound delivered twice")
			default:
			}
		})
	}
}

func TestOpenClose(t *testing.T) {
	p := newPair(t)
	if err := p.host.Close(); !errors.Is(err, ipcerr.EALREADY) {
		t.Errorf("Close on a closed instance = %v, want EALREADY", err)
	}
	if _, err := p.host.RegisterEndpoint(&ipc.EndpointConfig{Name: "ctrl", Callbacks: newRecorder()}); !errors.Is(err, ipcerr.EBUSY) {
		t.Errorf("RegisterEndpoint on a closed instance = %v, want EBUSY", err)
	}
	p.open(t)
	if err := p.host.Open(context.Background()); !errors.Is(err, ipcerr.EALREADY) {
		t.Errorf("second Open = %v, want EALREADY", err)
	}
	if got, want := p.host.Layout().NumDesc, uint32(4); got != want {
		t.Errorf("NumDesc = %d, want %d", got, want)
	}
	if err := p.remote.Close(); err != nil {
		t.Fatalf("remote Close failed: %v", err)
	}
	if err := p.host.Close(); err != nil {
		t.Fatalf("host Close failed: %v", err)
	}
	if p.host.IsOpen() || p.remote.IsOpen() {
		t.Errorf("instances still open after Close")
	}
	// Both sides can be opened again.
	p.open(t)
}

func TestRemoteOpenWaitsForHost(t *testing.T) {
	p := newPair(t)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := p.remote.Open(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("remote Open without host = %v, want DeadlineExceeded", err)
	}
	if p.remote.IsOpen() {
		t.Fatalf("remote open after failed Open")
	}
	p.open(t)
}

func TestCloseBusy(t *testing.T) {
	p := newPair(t)
	p.open(t)
	hrec, rrec := newRecorder(), newRecorder()
	htok := register(t, p.host, "ctrl", hrec)
	rtok := register(t, p.remote, "ctrl", rrec)
	hrec.waitBound(t, "host")
	rrec.waitBound(t, "remote")

	if err := p.host.Close(); !errors.Is(err, ipcerr.EBUSY) {
		t.Fatalf("Close while bound = %v, want EBUSY", err)
	}
	if !p.host.IsOpen() {
		t.Fatalf("host closed after a rejected Close")
	}
	if err := p.host.DeregisterEndpoint(htok); err != nil {
		t.Fatalf("DeregisterEndpoint failed: %v", err)
	}
	if err := p.remote.DeregisterEndpoint(rtok); err != nil {
		t.Fatalf("DeregisterEndpoint failed: %v", err)
	}
	if err := p.host.Close(); err != nil {
		t.Errorf("host Close after deregistration failed: %v", err)
	}
	if err := p.remote.Close(); err != nil {
		t.Errorf("remote Close after deregistration failed: %v", err)
	}
}

func TestReregisterInvalidatesToken(t *testing.T) {
	p := newPair(t)
	p.open(t)
	old := register(t, p.host, "ctrl", newRecorder())
	if err := p.host.DeregisterEndpoint(old); err != nil {
		t.Fatalf("DeregisterEndpoint failed: %v", err)
	}
	tok := register(t, p.host, "ctrl", newRecorder())

	if err := p.host.DeregisterEndpoint(old); !errors.Is(err, ipcerr.ENOENT) {
		t.Errorf("DeregisterEndpoint(stale) = %v, want ENOENT", err)
	}
	if _, err := p.host.Send(context.Background(), old, []byte("x")); !errors.Is(err, ipcerr.ENOENT) {
		t.Errorf("Send(stale) = %v, want ENOENT", err)
	}
	if _, err := p.host.Send(context.Background(), tok, []byte("x")); !errors.Is(err, ipcerr.ENOTCONN) {
		t.Errorf("Send(unbound) = %v, want ENOTCONN", err)
	}
	if diff := cmp.Diff(map[string]string{"ctrl": "reserved"}, endpointStates(p.host)); diff != "" {
		t.Errorf("endpoints mismatch (-want +got):\n%s", diff)
	}
	if _, err := p.remote.Send(context.Background(), tok, []byte("x")); !errors.Is(err, ipcerr.ENOENT) {
		t.Errorf("Send with another instance's token = %v, want ENOENT", err)
	}
}

func TestRegisterErrors(t *testing.T) {
	p := newPair(t)
	p.open(t)
	for _, tc := range []struct {
		name string
		cfg  *ipc.EndpointConfig
		want error
	}{
		{name: "nil config", cfg: nil, want: ipcerr.EINVAL},
		{name: "no callbacks", cfg: &ipc.EndpointConfig{Name: "a"}, want: ipcerr.EINVAL},
		{name: "empty name", cfg: &ipc.EndpointConfig{Callbacks: newRecorder()}, want: ipcerr.EINVAL},
		{name: "long name", cfg: &ipc.EndpointConfig{Name: "0123456789abcdef0123456789abcdef", Callbacks: newRecorder()}, want: ipcerr.EINVAL},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := p.host.RegisterEndpoint(tc.cfg); !errors.Is(err, tc.want) {
				t.Errorf("RegisterEndpoint = %v, want %v", err, tc.want)
			}
		})
	}

	t.Run("duplicate", func(t *testing.T) {
		register(t, p.host, "dup", newRecorder())
		if _, err := p.host.RegisterEndpoint(&ipc.EndpointConfig{Name: "dup", Callbacks: newRecorder()}); !errors.Is(err, ipcerr.EALREADY) {
			t.Errorf("second RegisterEndpoint = %v, want EALREADY", err)
		}
	})

	t.Run("table full", func(t *testing.T) {
		register(t, p.host, "other", newRecorder())
		if _, err := p.host.RegisterEndpoint(&ipc.EndpointConfig{Name: "third", Callbacks: newRecorder()}); !errors.Is(err, ipcerr.EINVAL) {
			t.Errorf("RegisterEndpoint on a full table = %v, want EINVAL", err)
		}
	})
}

func TestRemoteAnnounces(t *testing.T) {
	p := newPair(t)
	p.open(t)
	before := p.remoteMB.Sent()
	register(t, p.remote, "ctrl", newRecorder())

	// The announcement is in vring 0 and the doorbell was rung.
	if got := p.remote.vdev.Queue(virtio.QueueRemoteToHost).Ring().UsedIdx(); got != 1 {
		t.Errorf("vring 0 used index = %d, want 1", got)
	}
	if p.remoteMB.Sent() <= before {
		t.Errorf("remote did not ring the doorbell")
	}
	waitFor(t, "cached announcement", func() bool {
		return endpointStates(p.host)["ctrl"] == "cached"
	})
	infos := p.host.Endpoints()
	if len(infos) != 1 || infos[0].Dest < rpmsg.ReservedAddresses {
		t.Errorf("host endpoints = %+v, want one cached slot with a dynamic destination", infos)
	}
}

// rawRemote is a remote side driven directly through the transport.
type rawRemote struct {
	rdev *rpmsg.Device
	mb   *mbox.Loopback
}

func newRawRemote(t *testing.T, mem []byte, host *Instance, mb *mbox.Loopback) *rawRemote {
	t.Helper()
	vdev, err := virtio.NewDevice(mem, host.Layout(), virtio.RoleRemote, func(int) error { return mb.Send() })
	if err != nil {
		t.Fatalf("NewDevice failed: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	if err := vdev.WaitReady(ctx); err != nil {
		t.Fatalf("WaitReady failed: %v", err)
	}
	rdev, err := rpmsg.New(vdev, rpmsg.Config{Name: "raw", TxWaitCap: 200 * time.Millisecond})
	if err != nil {
		t.Fatalf("rpmsg.New failed: %v", err)
	}
	t.Cleanup(rdev.Close)
	if err := mb.Register(rdev.Notification); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := mb.SetEnabled(true); err != nil {
		t.Fatalf("SetEnabled failed: %v", err)
	}
	return &rawRemote{rdev: rdev, mb: mb}
}

func TestHostAdvertisesToAnnouncedAddress(t *testing.T) {
	mem := newRegion(t)
	hostMB, remoteMB := mbox.NewLoopbackPair()
	t.Cleanup(func() {
		hostMB.Close()
		remoteMB.Close()
	})
	host, err := New(testConfig("host", virtio.RoleHost), mem, hostMB.Channel())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := host.Open(context.Background()); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	hrec := newRecorder()
	register(t, host, "ctrl", hrec)

	raw := newRawRemote(t, mem, host, remoteMB)
	type ready struct {
		Len int
		Src uint32
	}
	readies := make(chan ready, 1)
	_, err = raw.rdev.CreateEndpoint(context.Background(), "ctrl", 42, rpmsg.AddrAny, func(_ *rpmsg.Endpoint, data []byte, src uint32) {
		readies <- ready{Len: len(data), Src: src}
	}, nil)
	if err != nil {
		t.Fatalf("CreateEndpoint failed: %v", err)
	}

	hrec.waitBound(t, "host")
	var got ready
	select {
	case got = <-readies:
	case <-time.After(testTimeout):
		t.Fatalf("timed out waiting for the ready message")
	}
	infos := host.Endpoints()
	if len(infos) != 1 {
		t.Fatalf("host has %d endpoints, want 1: %+v", len(infos), infos)
	}
	want := EndpointInfo{Name: "ctrl", State: "bound", Dest: 42, Addr: infos[0].Addr}
	if diff := cmp.Diff(want, infos[0]); diff != "" {
		t.Errorf("host endpoint mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(ready{Len: 0, Src: infos[0].Addr}, got); diff != "" {
		t.Errorf("ready message mismatch (-want +got):\n%s", diff)
	}
}

func TestSendErrors(t *testing.T) {
	p := newPair(t)
	p.open(t)
	hrec, rrec := newRecorder(), newRecorder()
	htok := register(t, p.host, "ctrl", hrec)
	register(t, p.remote, "ctrl", rrec)
	hrec.waitBound(t, "host")
	rrec.waitBound(t, "remote")

	txRing := p.host.vdev.TxQueue().Ring()
	before := txRing.AvailIdx()
	if _, err := p.host.Send(context.Background(), htok, nil); !errors.Is(err, ipcerr.EBADMSG) {
		t.Errorf("Send(empty) = %v, want EBADMSG", err)
	}
	if got := txRing.AvailIdx(); got != before {
		t.Errorf("empty Send consumed a buffer: avail index %d, want %d", got, before)
	}

	size, err := p.host.GetTxBufferSize(htok)
	if err != nil {
		t.Fatalf("GetTxBufferSize failed: %v", err)
	}
	if want := 256 - rpmsg.HeaderSize; size != want {
		t.Errorf("GetTxBufferSize = %d, want %d", size, want)
	}
	if _, err := p.host.Send(context.Background(), htok, make([]byte, size+1)); !errors.Is(err, ipcerr.EMSGSIZE) {
		t.Errorf("Send(oversized) = %v, want EMSGSIZE", err)
	}
	if _, err := p.host.GetTxBuffer(context.Background(), htok, size+1, false); !errors.Is(err, ipcerr.ENOMEM) {
		t.Errorf("GetTxBuffer(oversized) = %v, want ENOMEM", err)
	}
	if err := p.host.DropTxBuffer(htok, nil); !errors.Is(err, ipcerr.ENOTSUP) {
		t.Errorf("DropTxBuffer = %v, want ENOTSUP", err)
	}
	if err := p.host.ReleaseRxBuffer(htok, make([]byte, 8)); !errors.Is(err, ipcerr.EINVAL) {
		t.Errorf("ReleaseRxBuffer(foreign) = %v, want EINVAL", err)
	}
}

func TestSendNoCopy(t *testing.T) {
	p := newPair(t)
	p.open(t)
	hrec, rrec := newRecorder(), newRecorder()
	htok := register(t, p.host, "ctrl", hrec)
	register(t, p.remote, "ctrl", rrec)
	hrec.waitBound(t, "host")
	rrec.waitBound(t, "remote")

	buf, err := p.host.GetTxBuffer(context.Background(), htok, 0, true)
	if err != nil {
		t.Fatalf("GetTxBuffer failed: %v", err)
	}
	if size, _ := p.host.GetTxBufferSize(htok); len(buf) != size {
		t.Errorf("GetTxBuffer(0) returned %d bytes, want %d", len(buf), size)
	}
	n := copy(buf, "zero copy")
	if _, err := p.host.SendNoCopy(htok, buf[:n]); err != nil {
		t.Fatalf("SendNoCopy failed: %v", err)
	}
	if got := rrec.waitReceived(t, "remote"); string(got) != "zero copy" {
		t.Errorf("remote received %q, want %q", got, "zero copy")
	}
}

func TestHoldRxBuffer(t *testing.T) {
	p := newPair(t)
	p.open(t)

	var (
		mu   sync.Mutex
		tok  ipc.Token
		held []byte
	)
	bound := make(chan struct{}, 1)
	got := make(chan error, 1)
	cb := ipc.CallbackFuncs{
		OnBound: func(any) { bound <- struct{}{} },
		OnReceived: func(data []byte, _ any) {
			mu.Lock()
			defer mu.Unlock()
			held = data
			got <- p.remote.HoldRxBuffer(tok, data)
		},
	}
	mu.Lock()
	tok = register(t, p.remote, "ctrl", cb)
	mu.Unlock()
	hrec := newRecorder()
	htok := register(t, p.host, "ctrl", hrec)
	hrec.waitBound(t, "host")
	select {
	case <-bound:
	case <-time.After(testTimeout):
		t.Fatalf("remote never bound")
	}

	if _, err := p.host.Send(context.Background(), htok, []byte("keep me")); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	select {
	case err := <-got:
		if err != nil {
			t.Fatalf("HoldRxBuffer failed: %v", err)
		}
	case <-time.After(testTimeout):
		t.Fatalf("timed out waiting for the message")
	}

	mu.Lock()
	defer mu.Unlock()
	if string(held) != "keep me" {
		t.Errorf("held buffer = %q, want %q", held, "keep me")
	}
	if err := p.remote.ReleaseRxBuffer(tok, held); err != nil {
		t.Errorf("ReleaseRxBuffer failed: %v", err)
	}
	if err := p.remote.ReleaseRxBuffer(tok, held); !errors.Is(err, ipcerr.EINVAL) {
		t.Errorf("second ReleaseRxBuffer = %v, want EINVAL", err)
	}
}

func TestPeerUnbind(t *testing.T) {
	p := newPair(t)
	p.open(t)
	hrec, rrec := newRecorder(), newRecorder()
	register(t, p.host, "ctrl", hrec)
	rtok := register(t, p.remote, "ctrl", rrec)
	hrec.waitBound(t, "host")
	rrec.waitBound(t, "remote")

	if err := p.remote.DeregisterEndpoint(rtok); err != nil {
		t.Fatalf("DeregisterEndpoint failed: %v", err)
	}
	hrec.waitUnbound(t, "host")
	waitFor(t, "host slot reserved", func() bool {
		return endpointStates(p.host)["ctrl"] == "reserved"
	})

	// Registering again binds both sides again.
	register(t, p.remote, "ctrl", rrec)
	hrec.waitBound(t, "host")
	rrec.waitBound(t, "remote")
}

func TestHostDeregisterReannounces(t *testing.T) {
	p := newPair(t)
	p.open(t)
	hrec, rrec := newRecorder(), newRecorder()
	htok := register(t, p.host, "ctrl", hrec)
	register(t, p.remote, "ctrl", rrec)
	hrec.waitBound(t, "host")
	rrec.waitBound(t, "remote")

	if err := p.host.DeregisterEndpoint(htok); err != nil {
		t.Fatalf("DeregisterEndpoint failed: %v", err)
	}
	rrec.waitUnbound(t, "remote")
	// The remote announces again and the host caches it.
	waitFor(t, "cached announcement", func() bool {
		return endpointStates(p.host)["ctrl"] == "cached"
	})
	register(t, p.host, "ctrl", hrec)
	hrec.waitBound(t, "host")
	rrec.waitBound(t, "remote")
}

// flakyReceiver fails Register while fail is set.
type flakyReceiver struct {
	mbox.Receiver
	fail bool
}

func (r *flakyReceiver) Register(handler func()) error {
	if r.fail {
		return ipcerr.EIO
	}
	return r.Receiver.Register(handler)
}

func TestOpenRollback(t *testing.T) {
	mem := newRegion(t)
	hostMB, remoteMB := mbox.NewLoopbackPair()
	t.Cleanup(func() {
		hostMB.Close()
		remoteMB.Close()
	})
	rx := &flakyReceiver{Receiver: hostMB, fail: true}
	host, err := New(testConfig("host", virtio.RoleHost), mem, mbox.Channel{TX: hostMB, RX: rx})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := host.Open(context.Background()); !errors.Is(err, ipcerr.EIO) {
		t.Fatalf("Open with a failing mailbox = %v, want EIO", err)
	}
	if host.IsOpen() {
		t.Fatalf("instance open after failed Open")
	}
	if host.vdev.Status()&virtio.StatusDriverOK != 0 {
		t.Errorf("status %#x still has DRIVER_OK after rollback", host.vdev.Status())
	}

	rx.fail = false
	if err := host.Open(context.Background()); err != nil {
		t.Fatalf("Open after rollback failed: %v", err)
	}
}

func TestNewErrors(t *testing.T) {
	mb, _ := mbox.NewLoopbackPair()
	for _, tc := range []struct {
		name   string
		cfg    Config
		region []byte
		mb     mbox.Channel
	}{
		{name: "no name", cfg: Config{Role: virtio.RoleHost}, region: make([]byte, 4096), mb: mb.Channel()},
		{name: "small region", cfg: Config{Name: "a", Role: virtio.RoleHost, ShmSize: 8192}, region: make([]byte, 4096), mb: mb.Channel()},
		{name: "no mailbox", cfg: Config{Name: "a", Role: virtio.RoleHost}, region: make([]byte, 4096)},
		{name: "tiny buffers", cfg: Config{Name: "a", Role: virtio.RoleHost, BufferSize: 16}, region: make([]byte, 4096), mb: mb.Channel()},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := New(tc.cfg, tc.region, tc.mb); !errors.Is(err, ipcerr.EINVAL) {
				t.Errorf("New = %v, want EINVAL", err)
			}
		})
	}
}

func TestOpenRegionTooSmall(t *testing.T) {
	hostMB, _ := mbox.NewLoopbackPair()
	host, err := New(testConfig("host", virtio.RoleHost), make([]byte, 512), hostMB.Channel())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := host.Open(context.Background()); !errors.Is(err, ipcerr.ENOMEM) {
		t.Errorf("Open on a small region = %v, want ENOMEM", err)
	}
	if host.IsOpen() {
		t.Errorf("instance open after failed Open")
	}
}

// parkedWorker binds endpoint "a" on both sides and then blocks the host
// worker inside the Unbound callback of "a". It returns a function that
// releases the worker.
func parkedWorker(t *testing.T, p *pair) (release func()) {
	t.Helper()
	parked := make(chan struct{})
	unpark := make(chan struct{})
	hbound := make(chan struct{}, 1)
	register(t, p.host, "a", ipc.CallbackFuncs{
		OnBound: func(any) { hbound <- struct{}{} },
		OnUnbound: func(any) {
			close(parked)
			<-unpark
		},
	})
	rrec := newRecorder()
	rtok := register(t, p.remote, "a", rrec)
	select {
	case <-hbound:
	case <-time.After(testTimeout):
		t.Fatalf("host: timed out waiting for Bound")
	}
	rrec.waitBound(t, "remote")

	if err := p.remote.DeregisterEndpoint(rtok); err != nil {
		t.Fatalf("DeregisterEndpoint failed: %v", err)
	}
	select {
	case <-parked:
	case <-time.After(testTimeout):
		t.Fatalf("host worker never reached Unbound")
	}
	var once sync.Once
	release = func() { once.Do(func() { close(unpark) }) }
	t.Cleanup(release)
	return release
}

func TestCloseRejectsBindDuringShutdown(t *testing.T) {
	p := newPair(t)
	p.open(t)
	hrec, rrec := newRecorder(), newRecorder()
	htok := register(t, p.host, "b", hrec)
	release := parkedWorker(t, p)

	// The announcement of "b" is queued behind the parked worker.
	register(t, p.remote, "b", rrec)
	if diff := cmp.Diff(map[string]string{"a": "reserved", "b": "reserved"}, endpointStates(p.host)); diff != "" {
		t.Fatalf("host endpoints mismatch (-want +got):\n%s", diff)
	}

	closed := make(chan error, 1)
	go func() { closed <- p.host.Close() }()
	time.Sleep(20 * time.Millisecond)
	release()

	var err error
	select {
	case err = <-closed:
	case <-time.After(testTimeout):
		t.Fatalf("timed out waiting for Close")
	}
	if !errors.Is(err, ipcerr.EBUSY) {
		t.Fatalf("Close while \"b\" was binding = %v, want EBUSY", err)
	}
	hrec.waitBound(t, "host")
	rrec.waitBound(t, "remote")
	if !p.host.IsOpen() {
		t.Fatalf("host closed after a rejected Close")
	}
	if got := endpointStates(p.host)["b"]; got != "bound" {
		t.Errorf("host %q state = %q, want bound", "b", got)
	}

	// The instance still works: traffic flows and Close succeeds once
	// nothing is bound.
	if _, err := p.host.Send(context.Background(), htok, []byte("still here")); err != nil {
		t.Fatalf("Send after rejected Close failed: %v", err)
	}
	if got := rrec.waitReceived(t, "remote"); string(got) != "still here" {
		t.Errorf("remote received %q, want %q", got, "still here")
	}
	if err := p.host.DeregisterEndpoint(htok); err != nil {
		t.Fatalf("DeregisterEndpoint failed: %v", err)
	}
	if err := p.host.Close(); err != nil {
		t.Errorf("Close after deregistration failed: %v", err)
	}
}

func TestAnnouncementDuringDeregisterIsCached(t *testing.T) {
	p := newPair(t)
	p.open(t)
	htok := register(t, p.host, "ctrl", newRecorder())
	release := parkedWorker(t, p)

	rrec := newRecorder()
	register(t, p.remote, "ctrl", rrec)

	// Deregistration waits for the parked worker, which then delivers the
	// announcement of "ctrl" to the closing slot.
	done := make(chan error, 1)
	go func() { done <- p.host.DeregisterEndpoint(htok) }()
	waitFor(t, "closing slot", func() bool {
		return endpointStates(p.host)["ctrl"] == "closing"
	})
	release()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("DeregisterEndpoint failed: %v", err)
		}
	case <-time.After(testTimeout):
		t.Fatalf("timed out waiting for DeregisterEndpoint")
	}

	if got := endpointStates(p.host)["ctrl"]; got != "cached" {
		t.Fatalf("host %q state after deregistration = %q, want cached", "ctrl", got)
	}
	hrec := newRecorder()
	register(t, p.host, "ctrl", hrec)
	hrec.waitBound(t, "host")
	rrec.waitBound(t, "remote")
}

func TestPeerDestroyDropsCachedAnnouncement(t *testing.T) {
	p := newPair(t)
	p.open(t)
	rtok := register(t, p.remote, "ctrl", newRecorder())
	waitFor(t, "cached announcement", func() bool {
		return endpointStates(p.host)["ctrl"] == "cached"
	})
	if err := p.remote.DeregisterEndpoint(rtok); err != nil {
		t.Fatalf("DeregisterEndpoint failed: %v", err)
	}
	waitFor(t, "cached announcement dropped", func() bool {
		return len(p.host.Endpoints()) == 0
	})

	// With nobody on the other side, registering only reserves the name.
	hrec := newRecorder()
	htok := register(t, p.host, "ctrl", hrec)
	if diff := cmp.Diff(map[string]string{"ctrl": "reserved"}, endpointStates(p.host)); diff != "" {
		t.Errorf("host endpoints mismatch (-want +got):\n%s", diff)
	}
	if _, err := p.host.Send(context.Background(), htok, []byte("x")); !errors.Is(err, ipcerr.ENOTCONN) {
		t.Errorf("Send without a peer = %v, want ENOTCONN", err)
	}
	select {
	case <-hrec.bound:
		t.Errorf("host bound to a destroyed endpoint")
	default:
	}
}
