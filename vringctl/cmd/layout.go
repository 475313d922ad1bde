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

	"github.com/google/subcommands"
	"github.com/olekukonko/tablewriter"

	"github.com/ipcsvc/vrings/pkg/ipc/staticvrings"
	"github.com/ipcsvc/vrings/pkg/shmlayout"
	"github.com/ipcsvc/vrings/vringctl/cmd/util"
)

// Layout implements subcommands.Command for the "layout" command.
type Layout struct {
	shmSize    uint64
	bufferSize uint
	align      uint64
}

// Name implements subcommands.Command.Name.
func (*Layout) Name() string {
	return "layout"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Layout) Synopsis() string {
	return "print how a shared region is partitioned"
}

// Usage implements subcommands.Command.Usage.
func (*Layout) Usage() string {
	return `layout [flags] - print the partition table of a shared region.

EXAMPLE:
    $ vringctl layout -shm-size 4096 -buffer-size 256
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (l *Layout) SetFlags(f *flag.FlagSet) {
	f.Uint64Var(&l.shmSize, "shm-size", 65536, "size of the shared region in bytes.")
	f.UintVar(&l.bufferSize, "buffer-size", staticvrings.DefaultBufferSize, "size of one message buffer in bytes.")
	f.Uint64Var(&l.align, "align", staticvrings.DefaultAlignment, "alignment of every area in bytes.")
}

// Execute implements subcommands.Command.Execute.
func (l *Layout) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	layout, err := shmlayout.Configure(l.shmSize, uint32(l.bufferSize), l.align)
	if err != nil {
		return util.Errorf("layout: %v", err)
	}
	if err := printLayout(os.Stdout, layout); err != nil {
		return util.Errorf("layout: %v", err)
	}
	return subcommands.ExitSuccess
}

// printLayout renders the areas of l, in region order.
func printLayout(w io.Writer, l shmlayout.Layout) error {
	fmt.Fprintf(w, "%d descriptors of %d bytes, %d of %d bytes used\n", l.NumDesc, l.BufferSize, l.End(), l.Total)
	table := tablewriter.NewTable(w)
	table.Header("AREA", "OFFSET", "SIZE")
	for _, a := range []struct {
		name      string
		off, size uint64
	}{
		{"status", l.StatusOffset, l.StatusSize},
		{"rx buffers", l.BufsOffset, l.RXBufsSize},
		{"tx buffers", l.BufsOffset + l.RXBufsSize, l.TXBufsSize},
		{"vring 0 (remote to host)", l.RXVringOffset, l.VringSize},
		{"vring 1 (host to remote)", l.TXVringOffset, l.VringSize},
	} {
		table.Append(a.name, fmt.Sprintf("%#x", a.off), fmt.Sprint(a.size))
	}
	return table.Render()
}
