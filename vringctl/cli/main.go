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

// Package cli is the main entrypoint for vringctl.
package cli

import (
	"context"
	"flag"
	"io"
	"os"
	"runtime"

	"github.com/google/subcommands"

	"github.com/ipcsvc/vrings/pkg/log"
	"github.com/ipcsvc/vrings/vringctl/cmd"
	"github.com/ipcsvc/vrings/vringctl/cmd/util"
	"github.com/ipcsvc/vrings/vringctl/config"
)

// Main is the main entrypoint.
func Main() {
	// Register all commands.
	forEachCmd(subcommands.Register)

	// Register with the main command line.
	config.RegisterFlags(flag.CommandLine)

	// All subcommands must be registered before flag parsing.
	flag.Parse()

	// Create a new Config from the flags.
	conf, err := config.NewFromFlags(flag.CommandLine)
	if err != nil {
		util.Fatalf("%v", err)
	}

	var logOut io.Writer = os.Stderr
	if conf.LogFilename != "" {
		f, err := log.OpenFile(conf.LogFilename)
		if err != nil {
			util.Fatalf("error opening log file %q: %v", conf.LogFilename, err)
		}
		logOut = f
		util.ErrorLogger = f
	}
	log.SetTarget(log.NewLogrusEmitter(logOut, conf.LogFormat))
	if conf.Debug {
		log.SetLevel(log.Debug)
	}

	log.Infof("vringctl %s/%s, %s, PID %d", runtime.GOOS, runtime.GOARCH, runtime.Version(), os.Getpid())
	log.Infof("Args: %v", os.Args)
	conf.Log()

	// Call the subcommand and pass in the configuration.
	os.Exit(int(subcommands.Execute(context.Background(), conf)))
}

// forEachCmd invokes the passed callback for each command supported by
// vringctl.
func forEachCmd(cb func(cmd subcommands.Command, group string)) {
	// Help and flags commands are generated automatically.
	cb(subcommands.HelpCommand(), "")
	cb(subcommands.FlagsCommand(), "")

	cb(new(cmd.Layout), "")
	cb(new(cmd.Check), "")

	const linkGroup = "links"
	cb(new(cmd.Echo), linkGroup)
	cb(new(cmd.Ping), linkGroup)

	const debugGroup = "debug"
	cb(new(cmd.Loopback), debugGroup)
}
