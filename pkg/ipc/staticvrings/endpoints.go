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
	"github.com/ipcsvc/vrings/pkg/log"
	"github.com/ipcsvc/vrings/pkg/rpmsg"
	"github.com/ipcsvc/vrings/pkg/virtio"
	"github.com/ipcsvc/vrings/pkg/workqueue"
)

// slotState is the handshake state of an endpoint slot.
type slotState int

const (
	// slotFree is an empty slot.
	slotFree slotState = iota

	// slotCached holds a name and destination the peer announced before
	// anything was registered locally.
	slotCached

	// slotReserved holds a local registration waiting for the peer.
	slotReserved

	// slotAdvertised has a transport endpoint but no confirmed peer yet.
	slotAdvertised

	// slotBound is connected to the peer.
	slotBound

	// slotClosing is being deregistered.
	slotClosing
)

func (s slotState) String() string {
	switch s {
	case slotFree:
		return "free"
	case slotCached:
		return "cached"
	case slotReserved:
		return "reserved"
	case slotAdvertised:
		return "advertised"
	case slotBound:
		return "bound"
	case slotClosing:
		return "closing"
	default:
		return fmt.Sprintf("slotState(%d)", int(s))
	}
}

// slot is one entry of the endpoint table.
type slot struct {
	name  string
	dest  uint32
	state slotState

	// boundNotified is set once Bound has been delivered.
	boundNotified bool

	cb   ipc.Callbacks
	priv any
	ept  *rpmsg.Endpoint

	// gen changes every time the slot is cleared, invalidating tokens.
	gen       uint64
	boundWork *workqueue.Work

	// announced and announcedDest record a peer announcement that arrived
	// while the slot was closing. The slot is cached with them once the
	// deregistration completes.
	announced     bool
	announcedDest uint32
}

// clear empties s and invalidates its tokens.
func (s *slot) clear() {
	*s = slot{gen: s.gen + 1, dest: rpmsg.AddrAny}
}

// EndpointInfo describes an endpoint slot.
type EndpointInfo struct {
	Name  string
	State string
	Dest  uint32
	Addr  uint32
}

// Endpoints returns the non-free slots of the endpoint table.
func (i *Instance) Endpoints() []EndpointInfo {
	i.mu.Lock()
	defer i.mu.Unlock()
	var infos []EndpointInfo
	for idx := range i.slots {
		s := &i.slots[idx]
		if s.state == slotFree {
			continue
		}
		info := EndpointInfo{Name: s.name, State: s.state.String(), Dest: s.dest, Addr: rpmsg.AddrAny}
		if s.ept != nil {
			info.Addr = s.ept.Addr()
		}
		infos = append(infos, info)
	}
	return infos
}

// getEptLocked returns the slot registered or cached under name, or else the
// first free slot. found reports whether the name matched. idx is -1 if the
// table is full. It must be called with mu held.
func (i *Instance) getEptLocked(name string) (idx int, found bool) {
	free := -1
	for idx := range i.slots {
		s := &i.slots[idx]
		if s.state == slotFree {
			if free < 0 {
				free = idx
			}
			continue
		}
		if s.name == name {
			return idx, true
		}
	}
	return free, false
}

// firstFreeLocked returns the first free slot, or -1. It must be called with
// mu held.
func (i *Instance) firstFreeLocked() int {
	for idx := range i.slots {
		if i.slots[idx].state == slotFree {
			return idx
		}
	}
	return -1
}

// RegisterEndpoint implements ipc.Backend.RegisterEndpoint.
func (i *Instance) RegisterEndpoint(cfg *ipc.EndpointConfig) (ipc.Token, error) {
	if i.state.Load() != stateInited {
		return ipc.Token{}, fmt.Errorf("instance %q not open: %w", i.cfg.Name, ipcerr.EBUSY)
	}
	if cfg == nil || cfg.Callbacks == nil {
		return ipc.Token{}, fmt.Errorf("endpoint config without callbacks: %w", ipcerr.EINVAL)
	}
	if !rpmsg.ValidName(cfg.Name) {
		return ipc.Token{}, fmt.Errorf("invalid endpoint name %q: %w", cfg.Name, ipcerr.EINVAL)
	}
	if i.cfg.Role == virtio.RoleHost {
		return i.registerOnHost(cfg)
	}
	return i.registerOnRemote(cfg)
}

// registerOnHost reserves a slot for cfg, or advertises right away if the
// peer already announced the name.
func (i *Instance) registerOnHost(cfg *ipc.EndpointConfig) (ipc.Token, error) {
	i.mu.Lock()
	if err := i.openLocked(); err != nil {
		i.mu.Unlock()
		return ipc.Token{}, err
	}
	idx, found := i.getEptLocked(cfg.Name)
	if idx < 0 {
		i.mu.Unlock()
		return ipc.Token{}, fmt.Errorf("instance %q: endpoint table full: %w", i.cfg.Name, ipcerr.EINVAL)
	}
	s := &i.slots[idx]
	if found && s.state != slotCached {
		i.mu.Unlock()
		return ipc.Token{}, fmt.Errorf("instance %q: endpoint %q already registered: %w", i.cfg.Name, cfg.Name, ipcerr.EALREADY)
	}
	s.name = cfg.Name
	s.cb = cfg.Callbacks
	s.priv = cfg.Priv
	gen := s.gen
	s.boundWork = workqueue.NewWork(func() { i.notifyBound(idx, gen) })
	tok := ipc.NewToken(i, idx, gen)

	if !found {
		s.state = slotReserved
		s.dest = rpmsg.AddrAny
		i.mu.Unlock()
		log.Debugf("Instance %q: %q reserved, waiting for the peer", i.cfg.Name, cfg.Name)
		return tok, nil
	}

	err := i.advertiseLocked(idx)
	if err != nil {
		s.cb, s.priv, s.boundWork = nil, nil, nil
		i.mu.Unlock()
		return ipc.Token{}, err
	}
	bw := s.boundWork
	i.mu.Unlock()
	i.wq.Submit(bw)
	return tok, nil
}

// registerOnRemote creates the transport endpoint at once, which announces
// it to the host. Cached slots are not consulted: only the host caches
// announcements.
func (i *Instance) registerOnRemote(cfg *ipc.EndpointConfig) (ipc.Token, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if err := i.openLocked(); err != nil {
		return ipc.Token{}, err
	}
	if idx, found := i.getEptLocked(cfg.Name); found {
		return ipc.Token{}, fmt.Errorf("instance %q: endpoint %q already registered at slot %d: %w", i.cfg.Name, cfg.Name, idx, ipcerr.EALREADY)
	}
	idx := i.firstFreeLocked()
	if idx < 0 {
		return ipc.Token{}, fmt.Errorf("instance %q: endpoint table full: %w", i.cfg.Name, ipcerr.EINVAL)
	}
	s := &i.slots[idx]
	gen := s.gen
	ept, err := i.rdev.CreateEndpoint(context.Background(), cfg.Name, rpmsg.AddrAny, rpmsg.AddrAny,
		i.endpointCallback(idx, gen), i.endpointUnbound(idx, gen))
	if err != nil {
		return ipc.Token{}, fmt.Errorf("instance %q: %w", i.cfg.Name, err)
	}
	s.name = cfg.Name
	s.cb = cfg.Callbacks
	s.priv = cfg.Priv
	s.dest = rpmsg.AddrAny
	s.ept = ept
	s.state = slotAdvertised
	s.boundWork = workqueue.NewWork(func() { i.notifyBound(idx, gen) })
	log.Debugf("Instance %q: %q announced at %#x", i.cfg.Name, cfg.Name, ept.Addr())
	return ipc.NewToken(i, idx, gen), nil
}

// advertiseLocked creates the transport endpoint of slot idx towards its
// known destination and sends the ready message. The slot is bound once the
// message is out; on failure it goes back to cached. It must be called with
// mu held.
func (i *Instance) advertiseLocked(idx int) error {
	s := &i.slots[idx]
	ept, err := i.rdev.CreateEndpoint(context.Background(), s.name, rpmsg.AddrAny, s.dest,
		i.endpointCallback(idx, s.gen), i.endpointUnbound(idx, s.gen))
	if err != nil {
		s.state = slotCached
		return fmt.Errorf("instance %q: advertising %q: %w", i.cfg.Name, s.name, err)
	}
	s.ept = ept
	s.state = slotAdvertised
	if _, err := i.rdev.Send(context.Background(), ept, nil, true); err != nil {
		i.rdev.ReleaseEndpoint(ept)
		s.ept = nil
		s.state = slotCached
		return fmt.Errorf("instance %q: sending ready message for %q: %w", i.cfg.Name, s.name, err)
	}
	s.state = slotBound
	log.Debugf("Instance %q: %q advertised to %#x", i.cfg.Name, s.name, s.dest)
	return nil
}

// nsBind handles a name service announcement on the host. It runs on the
// worker.
func (i *Instance) nsBind(name string, dest uint32) {
	i.mu.Lock()
	idx, found := i.getEptLocked(name)
	if idx < 0 {
		i.mu.Unlock()
		log.Warningf("Instance %q: no free slot to cache %q from %#x", i.cfg.Name, name, dest)
		return
	}
	s := &i.slots[idx]
	switch {
	case !found:
		s.name = name
		s.dest = dest
		s.state = slotCached
		i.mu.Unlock()
		log.Debugf("Instance %q: cached %q at %#x", i.cfg.Name, name, dest)
	case s.state == slotCached:
		s.dest = dest
		i.mu.Unlock()
	case s.state == slotReserved:
		s.dest = dest
		gen := s.gen
		err := i.advertiseLocked(idx)
		if err != nil {
			// Keep the registration; a later announcement retries.
			s.state = slotReserved
			s.dest = rpmsg.AddrAny
		}
		i.mu.Unlock()
		if err != nil {
			log.Warningf("%v", err)
			return
		}
		i.notifyBound(idx, gen)
	case s.state == slotClosing:
		s.announced = true
		s.announcedDest = dest
		i.mu.Unlock()
		log.Debugf("Instance %q: %q announced at %#x while deregistering", i.cfg.Name, name, dest)
	default:
		i.mu.Unlock()
		log.Warningf("Instance %q: ignoring announcement of %q at %#x in state %v", i.cfg.Name, name, dest, s.state)
	}
}

// nsUnbind handles the peer destroying an endpoint that no local transport
// endpoint is bound to. A cached announcement of it is dropped. It runs on
// the worker.
func (i *Instance) nsUnbind(name string, dest uint32) {
	i.mu.Lock()
	defer i.mu.Unlock()
	idx, found := i.getEptLocked(name)
	if !found {
		return
	}
	s := &i.slots[idx]
	switch {
	case s.state == slotCached && s.dest == dest:
		s.clear()
		log.Debugf("Instance %q: dropped cached %q at %#x", i.cfg.Name, name, dest)
	case s.state == slotClosing && s.announced && s.announcedDest == dest:
		s.announced = false
	}
}

// notifyBound delivers Bound for slot idx if it is bound and has not been
// notified yet. It must run on the worker.
func (i *Instance) notifyBound(idx int, gen uint64) {
	i.mu.Lock()
	s := &i.slots[idx]
	if s.gen != gen || s.state != slotBound || s.boundNotified {
		i.mu.Unlock()
		return
	}
	s.boundNotified = true
	cb, priv := s.cb, s.priv
	i.mu.Unlock()
	cb.Bound(priv)
}

// endpointCallback returns the transport callback of slot idx. A
// zero-length message is the peer's ready message.
func (i *Instance) endpointCallback(idx int, gen uint64) rpmsg.Callback {
	return func(ept *rpmsg.Endpoint, data []byte, src uint32) {
		i.mu.Lock()
		s := &i.slots[idx]
		if s.gen != gen || s.ept != ept || s.state == slotClosing {
			i.mu.Unlock()
			return
		}
		if len(data) == 0 && s.state == slotAdvertised {
			s.state = slotBound
			s.dest = src
		}
		notify := s.state == slotBound && !s.boundNotified
		if notify {
			s.boundNotified = true
		}
		cb, priv := s.cb, s.priv
		i.mu.Unlock()

		if notify {
			cb.Bound(priv)
		}
		if len(data) > 0 {
			cb.Received(data, priv)
		}
	}
}

// endpointUnbound returns the transport unbind callback of slot idx, called
// when the peer destroys its endpoint.
//
// On the host the slot goes back to reserved and waits for a new
// announcement. On the remote the endpoint is announced again so that the
// host can bind to it once it registers the name again.
func (i *Instance) endpointUnbound(idx int, gen uint64) rpmsg.UnbindCallback {
	return func(ept *rpmsg.Endpoint) {
		i.mu.Lock()
		s := &i.slots[idx]
		if s.gen != gen || s.ept != ept || s.state == slotClosing {
			i.mu.Unlock()
			return
		}
		wasNotified := s.boundNotified
		s.boundNotified = false
		s.dest = rpmsg.AddrAny
		cb, priv := s.cb, s.priv
		if i.cfg.Role == virtio.RoleHost {
			i.rdev.ReleaseEndpoint(ept)
			s.ept = nil
			s.state = slotReserved
		} else {
			s.state = slotAdvertised
		}
		i.mu.Unlock()
		log.Debugf("Instance %q: peer unbound %q", i.cfg.Name, ept.Name())

		if u, ok := cb.(ipc.Unbinder); ok && wasNotified {
			u.Unbound(priv)
		}
		if i.cfg.Role == virtio.RoleRemote {
			if err := i.rdev.Announce(context.Background(), ept); err != nil {
				log.Warningf("Instance %q: announcing %q again: %v", i.cfg.Name, ept.Name(), err)
			}
		}
	}
}

// DeregisterEndpoint implements ipc.Backend.DeregisterEndpoint. It waits for
// pending notification work, so no callback for the endpoint runs after it
// returns.
func (i *Instance) DeregisterEndpoint(tok ipc.Token) error {
	if i.state.Load() != stateInited {
		return fmt.Errorf("instance %q not open: %w", i.cfg.Name, ipcerr.EBUSY)
	}
	i.mu.Lock()
	if err := i.openLocked(); err != nil {
		i.mu.Unlock()
		return err
	}
	s, err := i.slotLocked(tok)
	if err != nil {
		i.mu.Unlock()
		return err
	}
	s.state = slotClosing
	bw := s.boundWork
	i.mu.Unlock()

	i.wq.Flush(i.notifyWork)
	if bw != nil {
		i.wq.Cancel(bw)
		i.wq.Flush(bw)
	}

	i.mu.Lock()
	ept := s.ept
	name := s.name
	announced, dest := s.announced, s.announcedDest
	s.clear()
	if announced {
		s.name = name
		s.dest = dest
		s.state = slotCached
	}
	i.mu.Unlock()

	if ept != nil {
		if err := i.rdev.DestroyEndpoint(ept); err != nil {
			log.Warningf("Instance %q: destroying %q: %v", i.cfg.Name, name, err)
		}
	}
	log.Debugf("Instance %q: %q deregistered", i.cfg.Name, name)
	return nil
}

// slotLocked returns the slot tok refers to. It must be called with mu held.
func (i *Instance) slotLocked(tok ipc.Token) (*slot, error) {
	if tok.Owner() != i || tok.Slot() < 0 || tok.Slot() >= len(i.slots) {
		return nil, fmt.Errorf("instance %q: unknown endpoint token: %w", i.cfg.Name, ipcerr.ENOENT)
	}
	s := &i.slots[tok.Slot()]
	switch {
	case s.gen != tok.Generation():
		return nil, fmt.Errorf("instance %q: stale endpoint token: %w", i.cfg.Name, ipcerr.ENOENT)
	case s.state == slotFree || s.state == slotCached || s.state == slotClosing || s.cb == nil:
		return nil, fmt.Errorf("instance %q: endpoint not registered: %w", i.cfg.Name, ipcerr.ENOENT)
	}
	return s, nil
}
