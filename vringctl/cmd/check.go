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
	"io"
	"os"
	"strings"

	"github.com/google/subcommands"
	"github.com/olekukonko/tablewriter"

	"github.com/ipcsvc/vrings/pkg/shmlayout"
	"github.com/ipcsvc/vrings/vringctl/cmd/util"
	"github.com/ipcsvc/vrings/vringctl/config"
)

// Check implements subcommands.Command for the "check" command.
type Check struct{}

// Name implements subcommands.Command.Name.
func (*Check) Name() string {
	return "check"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Check) Synopsis() string {
	return "validate the instance file and print its instances"
}

// Usage implements subcommands.Command.Usage.
func (*Check) Usage() string {
	return "check - validate the instance file named by -config.\n"
}

// SetFlags implements subcommands.Command.SetFlags.
func (*Check) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*Check) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	file, err := loadFile(conf)
	if err != nil {
		return util.Errorf("check: %v", err)
	}
	if err := printInstances(os.Stdout, file); err != nil {
		return util.Errorf("check: %v", err)
	}
	return subcommands.ExitSuccess
}

// printInstances renders one row per instance of a validated file.
func printInstances(w io.Writer, file *config.File) error {
	table := tablewriter.NewTable(w)
	table.Header("NAME", "ROLE", "REGION", "SIZE", "BUFFERS", "ENDPOINTS")
	for i := range file.Instances {
		in := &file.Instances[i]
		bcfg, err := in.Backend()
		if err != nil {
			return err
		}
		l, err := shmlayout.Configure(bcfg.ShmSize, bcfg.BufferSize, bcfg.Alignment)
		if err != nil {
			return fmt.Errorf("instance %q: %w", in.Name, err)
		}
		table.Append(
			in.Name,
			bcfg.Role.String(),
			in.ShmPath,
			fmt.Sprint(bcfg.ShmSize),
			fmt.Sprintf("2x%d of %d", l.NumDesc, l.BufferSize),
			strings.Join(in.Endpoints, ","),
		)
	}
	return table.Render()
}
