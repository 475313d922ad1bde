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

// Package config holds vringctl's global flags and the instance file format.
package config

import (
	"flag"
	"fmt"
	"reflect"

	"github.com/ipcsvc/vrings/pkg/log"
)

// Config holds the global flags.
type Config struct {
	// ConfigFile is the path of the instance file, TOML or YAML.
	ConfigFile string `flag:"config"`

	// Debug enables debug logging.
	Debug bool `flag:"debug"`

	// LogFormat is "text" or "json".
	LogFormat string `flag:"log-format"`

	// LogFilename is where logs go. Empty means stderr.
	LogFilename string `flag:"log"`
}

// RegisterFlags registers flags used to populate Config.
func RegisterFlags(flagSet *flag.FlagSet) {
	flagSet.String("config", "vrings.toml", "path of the instance file (.toml, .yaml or .yml).")
	flagSet.Bool("debug", false, "enable debug logging.")
	flagSet.String("log-format", log.FormatText, "log format: text (default) or json.")
	flagSet.String("log", "", "file path where logs are written, default is stderr.")
}

// NewFromFlags creates a new Config with values coming from flagSet.
func NewFromFlags(flagSet *flag.FlagSet) (*Config, error) {
	conf := &Config{}

	obj := reflect.ValueOf(conf).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		name, ok := f.Tag.Lookup("flag")
		if !ok {
			continue
		}
		fl := flagSet.Lookup(name)
		if fl == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		obj.Field(i).Set(reflect.ValueOf(fl.Value.(flag.Getter).Get()))
	}

	if err := conf.validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

func (c *Config) validate() error {
	switch c.LogFormat {
	case log.FormatText, log.FormatJSON:
		return nil
	default:
		return fmt.Errorf("invalid log format %q, must be %q or %q", c.LogFormat, log.FormatText, log.FormatJSON)
	}
}

// Log prints the configuration to the debug log.
func (c *Config) Log() {
	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		log.Debugf("Config.%s: %v", st.Field(i).Name, obj.Field(i).Interface())
	}
}
