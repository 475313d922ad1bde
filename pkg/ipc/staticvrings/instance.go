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

// Package staticvrings is an IPC service backend that carries RPMsg traffic
// over a pair of vrings in a shared region of fixed layout.
//
// The host initializes the region and waits for the remote to announce its
// endpoints; the remote announces every endpoint it registers. An endpoint
// becomes bound once both sides registered the same name and the host sent
// its zero-length ready message, regardless of which side registered first.
//
// All user callbacks of an instance run on its dedicated worker.
package staticvrings

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ipcsvc/vrings/pkg/cleanup"
	"github.com/ipcsvc/vrings/pkg/ipc"
	"github.com/ipcsvc/vrings/pkg/ipcerr"
	"github.com/ipcsvc/vrings/pkg/log"
	"github.com/ipcsvc/vrings/pkg/mbox"
	"github.com/ipcsvc/vrings/pkg/rpmsg"
	"github.com/ipcsvc/vrings/pkg/shmlayout"
	"github.com/ipcsvc/vrings/pkg/virtio"
	"github.com/ipcsvc/vrings/pkg/workqueue"
)

// Instance states.
const (
	stateReady uint32 = iota
	stateBusy
	stateInited
)

// Instance is one end of a static-vrings link. It implements ipc.Backend.
type Instance struct {
	cfg Config
	mem []byte
	mb  mbox.Channel

	state atomic.Uint32

	// The fields below are set by Open and are only valid while the
	// instance is inited.
	layout     shmlayout.Layout
	vdev       *virtio.Device
	rdev       *rpmsg.Device
	wq         *workqueue.Queue
	notifyWork *workqueue.Work

	// mu protects the endpoint table.
	mu    sync.Mutex
	slots []slot
}

var _ ipc.Backend = (*Instance)(nil)

// New returns a closed instance over region, using mb for doorbells.
func New(cfg Config, region []byte, mb mbox.Channel) (*Instance, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.ShmSize == 0 {
		cfg.ShmSize = uint64(len(region))
	}
	if uint64(len(region)) < cfg.ShmSize {
		return nil, fmt.Errorf("instance %q: region of %d bytes is smaller than %d: %w", cfg.Name, len(region), cfg.ShmSize, ipcerr.EINVAL)
	}
	if mb.TX == nil || mb.RX == nil {
		return nil, fmt.Errorf("instance %q: mailbox channel incomplete: %w", cfg.Name, ipcerr.EINVAL)
	}
	return &Instance{
		cfg:   cfg,
		mem:   region[:cfg.ShmSize:cfg.ShmSize],
		mb:    mb,
		slots: make([]slot, cfg.NumEndpoints),
	}, nil
}

// Name returns the instance name.
func (i *Instance) Name() string {
	return i.cfg.Name
}

// Role returns the side of the link the instance is on.
func (i *Instance) Role() virtio.Role {
	return i.cfg.Role
}

// Config returns the instance configuration with defaults applied.
func (i *Instance) Config() Config {
	return i.cfg
}

// IsOpen reports whether the instance is open.
func (i *Instance) IsOpen() bool {
	return i.state.Load() == stateInited
}

// Layout returns the region layout. It is only meaningful while open.
func (i *Instance) Layout() shmlayout.Layout {
	return i.layout
}

// Open implements ipc.Backend.Open. The host lays out and initializes the
// region; the remote waits until the host has done so, or ctx is done. Any
// failure leaves the instance closed.
func (i *Instance) Open(ctx context.Context) error {
	if !i.state.CompareAndSwap(stateReady, stateBusy) {
		return fmt.Errorf("instance %q not closed: %w", i.cfg.Name, ipcerr.EALREADY)
	}
	cu := cleanup.Make(func() { i.state.Store(stateReady) })
	defer cu.Clean()

	layout, err := shmlayout.Configure(i.cfg.ShmSize, i.cfg.BufferSize, i.cfg.Alignment)
	if err != nil {
		return fmt.Errorf("instance %q: %w", i.cfg.Name, err)
	}
	vdev, err := virtio.NewDevice(i.mem, layout, i.cfg.Role, i.kick)
	if err != nil {
		return fmt.Errorf("instance %q: %w", i.cfg.Name, err)
	}

	if i.cfg.Role == virtio.RoleHost {
		if err := vdev.Init(); err != nil {
			return err
		}
		cu.Add(vdev.Reset)
	} else if err := vdev.WaitReady(ctx); err != nil {
		return fmt.Errorf("instance %q: %w", i.cfg.Name, err)
	}

	rcfg := rpmsg.Config{
		Name:      i.cfg.Name,
		TxWaitCap: i.cfg.TxWaitCap,
	}
	if i.cfg.Role == virtio.RoleHost {
		rcfg.NSBind = i.nsBind
		rcfg.NSUnbind = i.nsUnbind
	}
	rdev, err := rpmsg.New(vdev, rcfg)
	if err != nil {
		return fmt.Errorf("instance %q: %w", i.cfg.Name, err)
	}
	cu.Add(rdev.Close)

	wq := workqueue.New(workqueue.Config{
		Name:        i.cfg.Name,
		Priority:    i.cfg.WQPriority,
		Cooperative: i.cfg.WQCooperative,
	})
	cu.Add(wq.Stop)
	notifyWork := workqueue.NewWork(rdev.Notification)

	i.layout = layout
	i.vdev = vdev
	i.rdev = rdev
	i.wq = wq
	i.notifyWork = notifyWork
	i.resetSlots()

	if err := i.mb.RX.Register(func() { wq.Submit(notifyWork) }); err != nil {
		return fmt.Errorf("instance %q: registering mailbox: %w", i.cfg.Name, err)
	}
	if err := i.mb.RX.SetEnabled(true); err != nil {
		return fmt.Errorf("instance %q: enabling mailbox: %w", i.cfg.Name, err)
	}
	cu.AddErr(func() error { return i.mb.RX.SetEnabled(false) })

	if i.cfg.Role == virtio.RoleHost {
		vdev.SetReady()
	}
	// Pick up anything the peer sent before the doorbell was enabled.
	wq.Submit(notifyWork)

	i.state.Store(stateInited)
	cu.Release()
	log.Infof("Instance %q open as %v: %v", i.cfg.Name, i.cfg.Role, layout)
	return nil
}

// Close implements ipc.Backend.Close. Endpoints that are registered but not
// bound are discarded. Close fails with EBUSY if any endpoint is bound,
// including one whose handshake completes while Close quiesces the worker.
// It must not be called from a callback.
func (i *Instance) Close() error {
	if !i.state.CompareAndSwap(stateInited, stateBusy) {
		return fmt.Errorf("instance %q not open: %w", i.cfg.Name, ipcerr.EALREADY)
	}
	if err := i.checkUnbound(); err != nil {
		i.state.Store(stateInited)
		return err
	}

	// With the doorbell off and the worker idle, nothing can bind a slot
	// any more: RegisterEndpoint is already rejected, and every other
	// transition runs on the worker.
	if err := i.mb.RX.SetEnabled(false); err != nil {
		log.Warningf("Instance %q: disabling mailbox: %v", i.cfg.Name, err)
	}
	i.wq.Drain()
	if err := i.checkUnbound(); err != nil {
		if err := i.mb.RX.SetEnabled(true); err != nil {
			log.Warningf("Instance %q: enabling mailbox: %v", i.cfg.Name, err)
		}
		// Pick up doorbells swallowed while disabled.
		i.wq.Submit(i.notifyWork)
		i.state.Store(stateInited)
		return err
	}
	i.wq.Stop()

	i.mu.Lock()
	for idx := range i.slots {
		if ept := i.slots[idx].ept; ept != nil {
			i.rdev.ReleaseEndpoint(ept)
		}
		i.slots[idx].clear()
	}
	i.mu.Unlock()

	i.rdev.Close()
	i.vdev.Reset()
	i.state.Store(stateReady)
	log.Infof("Instance %q closed", i.cfg.Name)
	return nil
}

// checkUnbound returns EBUSY if any slot is bound.
func (i *Instance) checkUnbound() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	for idx := range i.slots {
		if i.slots[idx].state == slotBound {
			return fmt.Errorf("instance %q: endpoint %q is bound: %w", i.cfg.Name, i.slots[idx].name, ipcerr.EBUSY)
		}
	}
	return nil
}

// openLocked returns EBUSY unless the instance is open. Checking under mu
// orders endpoint table changes against Close.
func (i *Instance) openLocked() error {
	if i.state.Load() != stateInited {
		return fmt.Errorf("instance %q not open: %w", i.cfg.Name, ipcerr.EBUSY)
	}
	return nil
}

// kick rings the peer's doorbell on behalf of a virtqueue.
func (i *Instance) kick(int) error {
	return i.mb.TX.Send()
}

// resetSlots empties the endpoint table, invalidating every token.
func (i *Instance) resetSlots() {
	i.mu.Lock()
	defer i.mu.Unlock()
	for idx := range i.slots {
		i.slots[idx].clear()
	}
}
