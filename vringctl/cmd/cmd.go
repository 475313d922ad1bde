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

// Package cmd holds implementations of the vringctl commands.
package cmd

import (
	"context"
	"fmt"

	"github.com/gofrs/flock"

	"github.com/ipcsvc/vrings/pkg/cleanup"
	"github.com/ipcsvc/vrings/pkg/ipcerr"
	"github.com/ipcsvc/vrings/pkg/ipc/staticvrings"
	"github.com/ipcsvc/vrings/pkg/log"
	"github.com/ipcsvc/vrings/pkg/mbox"
	"github.com/ipcsvc/vrings/pkg/shm"
	"github.com/ipcsvc/vrings/pkg/virtio"
	"github.com/ipcsvc/vrings/vringctl/config"
)

// loadFile loads the instance file named by the global flags.
func loadFile(conf *config.Config) (*config.File, error) {
	f, err := config.Load(conf.ConfigFile)
	if err != nil {
		return nil, fmt.Errorf("loading instances: %w", err)
	}
	return f, nil
}

// lockHost takes the host lock of the region at path, so that a second host
// cannot reinitialize rings a running host is using.
func lockHost(path string) (func() error, error) {
	l := flock.NewFlock(path + ".lock")
	locked, err := l.TryLock()
	if err != nil {
		return nil, fmt.Errorf("error acquiring lock on %q: %v", l.Path(), err)
	}
	if !locked {
		return nil, fmt.Errorf("another host holds %q: %w", l.Path(), ipcerr.EBUSY)
	}
	return l.Unlock, nil
}

// openLink maps the region and opens the doorbells of in, then opens an
// instance over them. The host locks and creates the region file; the
// remote waits for it. The returned function closes the instance and
// releases everything.
func openLink(ctx context.Context, in *config.Instance) (*staticvrings.Instance, func(), error) {
	bcfg, err := in.Backend()
	if err != nil {
		return nil, nil, err
	}

	var cu cleanup.Cleanup
	defer cu.Clean()

	var region *shm.Region
	if bcfg.Role == virtio.RoleHost {
		var unlock func() error
		if unlock, err = lockHost(in.ShmPath); err != nil {
			return nil, nil, err
		}
		cu.AddErr(unlock)
		region, err = shm.OpenFile(in.ShmPath, int(in.ShmSize))
	} else {
		log.Infof("Waiting for %q to appear", in.ShmPath)
		region, err = shm.WaitFile(ctx, in.ShmPath, int(in.ShmSize))
	}
	if err != nil {
		return nil, nil, fmt.Errorf("mapping %q: %w", in.ShmPath, err)
	}
	cu.AddErr(region.Close)

	toRemote, err := mbox.OpenFIFO(in.DoorbellToRemote)
	if err != nil {
		return nil, nil, err
	}
	cu.AddErr(toRemote.Close)
	toHost, err := mbox.OpenFIFO(in.DoorbellToHost)
	if err != nil {
		return nil, nil, err
	}
	cu.AddErr(toHost.Close)

	ch := mbox.Channel{TX: toRemote, RX: toHost}
	if bcfg.Role == virtio.RoleRemote {
		ch = mbox.Channel{TX: toHost, RX: toRemote}
	}
	inst, err := staticvrings.New(bcfg, region.Bytes(), ch)
	if err != nil {
		return nil, nil, err
	}
	if err := inst.Open(ctx); err != nil {
		return nil, nil, err
	}
	cu.Add(func() {
		if err := inst.Close(); err != nil {
			log.Warningf("Closing %q: %v", inst.Name(), err)
		}
	})

	release := cu.Release()
	return inst, func() {
		if err := release(); err != nil {
			log.Warningf("Releasing %q: %v", inst.Name(), err)
		}
	}, nil
}
