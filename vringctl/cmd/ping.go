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
	"os"
	"time"

	"github.com/google/subcommands"

	"github.com/ipcsvc/vrings/pkg/log"
	"github.com/ipcsvc/vrings/vringctl/cmd/util"
	"github.com/ipcsvc/vrings/vringctl/config"
)

// Ping implements subcommands.Command for the "ping" command.
type Ping struct {
	instance string
	endpoint string
	count    int
	size     int
	timeout  time.Duration
}

// Name implements subcommands.Command.Name.
func (*Ping) Name() string {
	return "ping"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Ping) Synopsis() string {
	return "send messages to an echoing peer and time the round trips"
}

// Usage implements subcommands.Command.Usage.
func (*Ping) Usage() string {
	return `ping -instance <name> -endpoint <name> [flags] - open a configured instance,
wait for the endpoint to bind and measure round trips to a peer running echo.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (p *Ping) SetFlags(f *flag.FlagSet) {
	f.StringVar(&p.instance, "instance", "", "instance name from the instance file.")
	f.StringVar(&p.endpoint, "endpoint", "", "endpoint name.")
	f.IntVar(&p.count, "count", 10, "number of round trips.")
	f.IntVar(&p.size, "size", 64, "message size in bytes.")
	f.DurationVar(&p.timeout, "timeout", 30*time.Second, "overall time limit, including the wait for the peer.")
}

// Execute implements subcommands.Command.Execute.
func (p *Ping) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 || p.instance == "" || p.endpoint == "" {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	file, err := loadFile(conf)
	if err != nil {
		return util.Errorf("ping: %v", err)
	}
	in, ok := file.Lookup(p.instance)
	if !ok {
		return util.Errorf("ping: no instance %q in %q", p.instance, conf.ConfigFile)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	inst, release, err := openLink(ctx, in)
	if err != nil {
		return util.Errorf("ping: %v", err)
	}
	defer release()

	pg, err := newPinger(inst, p.endpoint)
	if err != nil {
		return util.Errorf("ping: %v", err)
	}
	defer func() {
		if err := pg.ept.Deregister(); err != nil {
			log.Warningf("Deregistering %q: %v", p.endpoint, err)
		}
	}()
	if err := pg.waitBound(ctx); err != nil {
		return util.Errorf("ping: %v", err)
	}
	stats, err := pg.run(ctx, p.count, p.size)
	if err != nil {
		return util.Errorf("ping: %v", err)
	}
	if err := printStats(os.Stdout, p.endpoint, p.size, stats); err != nil {
		return util.Errorf("ping: %v", err)
	}
	return subcommands.ExitSuccess
}
