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
	"os/signal"
	"sync"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/google/subcommands"
	"golang.org/x/sys/unix"

	"github.com/ipcsvc/vrings/pkg/log"
	"github.com/ipcsvc/vrings/vringctl/cmd/util"
	"github.com/ipcsvc/vrings/vringctl/config"
)

// Echo implements subcommands.Command for the "echo" command.
type Echo struct {
	instance string
	endpoint string
}

// Name implements subcommands.Command.Name.
func (*Echo) Name() string {
	return "echo"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Echo) Synopsis() string {
	return "echo every message received on an instance's endpoints"
}

// Usage implements subcommands.Command.Usage.
func (*Echo) Usage() string {
	return `echo -instance <name> [-endpoint <name>] - open a configured instance and
send every message back to its sender until interrupted. Without -endpoint,
the endpoints listed in the instance file are used.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (e *Echo) SetFlags(f *flag.FlagSet) {
	f.StringVar(&e.instance, "instance", "", "instance name from the instance file.")
	f.StringVar(&e.endpoint, "endpoint", "", "endpoint name.")
}

// Execute implements subcommands.Command.Execute.
func (e *Echo) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 || e.instance == "" {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	file, err := loadFile(conf)
	if err != nil {
		return util.Errorf("echo: %v", err)
	}
	in, ok := file.Lookup(e.instance)
	if !ok {
		return util.Errorf("echo: no instance %q in %q", e.instance, conf.ConfigFile)
	}
	names := in.Endpoints
	if e.endpoint != "" {
		names = []string{e.endpoint}
	}
	if len(names) == 0 {
		return util.Errorf("echo: instance %q has no endpoints, use -endpoint", e.instance)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, unix.SIGTERM)
	defer stop()

	inst, release, err := openLink(ctx, in)
	if err != nil {
		return util.Errorf("echo: %v", err)
	}
	defer release()

	var wg sync.WaitGroup
	for _, name := range names {
		echo, err := newEchoer(inst, name)
		if err != nil {
			stop()
			wg.Wait()
			return util.Errorf("echo: %v", err)
		}
		defer func() {
			if err := echo.ept.Deregister(); err != nil {
				log.Warningf("Deregistering %q: %v", name, err)
			}
		}()
		wg.Add(1)
		go func() {
			defer wg.Done()
			echo.run(ctx)
		}()
	}
	util.Infof("Echoing on %v of %q, interrupt to stop", names, inst.Name())
	if sent, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		log.Warningf("Notifying systemd: %v", err)
	} else if sent {
		log.Debugf("Notified systemd of readiness")
	}
	wg.Wait()
	return subcommands.ExitSuccess
}
