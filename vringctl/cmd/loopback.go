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

package cmd

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/google/subcommands"

	"github.com/ipcsvc/vrings/pkg/cleanup"
	"github.com/ipcsvc/vrings/pkg/ipc/staticvrings"
	"github.com/ipcsvc/vrings/pkg/log"
	"github.com/ipcsvc/vrings/pkg/mbox"
	"github.com/ipcsvc/vrings/pkg/shm"
	"github.com/ipcsvc/vrings/pkg/virtio"
	"github.com/ipcsvc/vrings/vringctl/cmd/util"
)

// Loopback implements subcommands.Command for the "loopback" command.
type Loopback struct {
	endpoint   string
	count      int
	size       int
	shmSize    int
	bufferSize uint
	timeout    time.Duration
}

// Name implements subcommands.Command.Name.
func (*Loopback) Name() string {
	return "loopback"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Loopback) Synopsis() string {
	return "run a host and a remote in this process and ping between them"
}

// Usage implements subcommands.Command.Usage.
func (*Loopback) Usage() string {
	return `loopback [flags] - open a host and a remote instance over a memfd region
and in-process doorbells, bind one endpoint and measure round trips.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (l *Loopback) SetFlags(f *flag.FlagSet) {
	f.StringVar(&l.endpoint, "endpoint", "ping", "endpoint name.")
	f.IntVar(&l.count, "count", 100, "number of round trips.")
	f.IntVar(&l.size, "size", 64, "message size in bytes.")
	f.IntVar(&l.shmSize, "shm-size", 65536, "size of the shared region in bytes.")
	f.UintVar(&l.bufferSize, "buffer-size", staticvrings.DefaultBufferSize, "size of one message buffer in bytes.")
	f.DurationVar(&l.timeout, "timeout", 30*time.Second, "overall time limit.")
}

// Execute implements subcommands.Command.Execute.
func (l *Loopback) Execute(ctx context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	stats, err := l.run(ctx)
	if err != nil {
		return util.Errorf("loopback: %v", err)
	}
	if err := printStats(os.Stdout, l.endpoint, l.size, stats); err != nil {
		return util.Errorf("loopback: %v", err)
	}
	return subcommands.ExitSuccess
}

func (l *Loopback) run(ctx context.Context) (pingStats, error) {
	var cu cleanup.Cleanup
	defer func() {
		if err := cu.Clean(); err != nil {
			log.Warningf("Loopback cleanup: %v", err)
		}
	}()

	region, err := shm.NewMemfd("vringctl-loopback", l.shmSize)
	if err != nil {
		return pingStats{}, err
	}
	cu.AddErr(region.Close)
	hostMB, remoteMB := mbox.NewLoopbackPair()
	cu.AddErr(hostMB.Close)
	cu.AddErr(remoteMB.Close)

	base := staticvrings.Config{BufferSize: uint32(l.bufferSize)}
	hcfg, rcfg := base, base
	hcfg.Name, hcfg.Role = "loopback-host", virtio.RoleHost
	rcfg.Name, rcfg.Role = "loopback-remote", virtio.RoleRemote
	set, err := staticvrings.NewSet([]staticvrings.Link{
		{Config: hcfg, Region: region.Bytes(), Mailbox: hostMB.Channel()},
		{Config: rcfg, Region: region.Bytes(), Mailbox: remoteMB.Channel()},
	})
	if err != nil {
		return pingStats{}, err
	}
	start := time.Now()
	if err := set.OpenAll(ctx); err != nil {
		return pingStats{}, err
	}
	cu.AddErr(set.CloseAll)
	host, _ := set.Lookup(hcfg.Name)
	remote, _ := set.Lookup(rcfg.Name)
	log.Infof("Layout: %v", host.Layout())

	echo, err := newEchoer(remote, l.endpoint)
	if err != nil {
		return pingStats{}, fmt.Errorf("remote: %w", err)
	}
	cu.AddErr(echo.ept.Deregister)
	echoCtx, stopEcho := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		echo.run(echoCtx)
	}()
	cu.Add(func() {
		stopEcho()
		<-done
	})

	p, err := newPinger(host, l.endpoint)
	if err != nil {
		return pingStats{}, fmt.Errorf("host: %w", err)
	}
	cu.AddErr(p.ept.Deregister)
	if err := p.waitBound(ctx); err != nil {
		return pingStats{}, err
	}
	log.Infof("Bound %q after %v", l.endpoint, time.Since(start))
	return p.run(ctx, l.count, l.size)
}
