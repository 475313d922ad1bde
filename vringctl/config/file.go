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

package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/mohae/deepcopy"
	"gopkg.in/yaml.v3"

	"github.com/ipcsvc/vrings/pkg/ipc/staticvrings"
	"github.com/ipcsvc/vrings/pkg/ipcerr"
	"github.com/ipcsvc/vrings/pkg/virtio"
)

// Instance is one entry of the instance file. Zero fields take their value
// from the file's defaults, and then from staticvrings.
type Instance struct {
	Name          string `toml:"name" yaml:"name"`
	Role          string `toml:"role" yaml:"role"`
	ShmPath       string `toml:"shm_path" yaml:"shm_path"`
	ShmSize       uint64 `toml:"shm_size" yaml:"shm_size"`
	BufferSize    uint32 `toml:"buffer_size" yaml:"buffer_size"`
	Alignment     uint64 `toml:"alignment" yaml:"alignment"`
	NumEndpoints  int    `toml:"num_endpoints" yaml:"num_endpoints"`
	WQPriority    int    `toml:"wq_priority" yaml:"wq_priority"`
	WQCooperative bool   `toml:"wq_cooperative" yaml:"wq_cooperative"`
	TxWait        string `toml:"tx_wait" yaml:"tx_wait"`

	// DoorbellToRemote and DoorbellToHost are named pipes. Both parties
	// use the same two paths.
	DoorbellToRemote string `toml:"doorbell_to_remote" yaml:"doorbell_to_remote"`
	DoorbellToHost   string `toml:"doorbell_to_host" yaml:"doorbell_to_host"`

	// Endpoints are registered by the echo command.
	Endpoints []string `toml:"endpoints" yaml:"endpoints"`
}

// Backend converts in to a staticvrings configuration.
func (in *Instance) Backend() (staticvrings.Config, error) {
	role, err := virtio.ParseRole(in.Role)
	if err != nil {
		return staticvrings.Config{}, fmt.Errorf("instance %q: %w", in.Name, err)
	}
	var txWait time.Duration
	if in.TxWait != "" {
		if txWait, err = time.ParseDuration(in.TxWait); err != nil {
			return staticvrings.Config{}, fmt.Errorf("instance %q: tx_wait: %v: %w", in.Name, err, ipcerr.EINVAL)
		}
	}
	c := staticvrings.Config{
		Name:          in.Name,
		Role:          role,
		ShmSize:       in.ShmSize,
		BufferSize:    in.BufferSize,
		Alignment:     in.Alignment,
		NumEndpoints:  in.NumEndpoints,
		WQPriority:    in.WQPriority,
		WQCooperative: in.WQCooperative,
		TxWaitCap:     txWait,
	}
	c.SetDefaults()
	if err := c.Validate(); err != nil {
		return staticvrings.Config{}, err
	}
	return c, nil
}

// validate checks the fields only the command line needs.
func (in *Instance) validate() error {
	if in.ShmPath == "" {
		return fmt.Errorf("instance %q: shm_path is required: %w", in.Name, ipcerr.EINVAL)
	}
	if in.ShmSize == 0 {
		return fmt.Errorf("instance %q: shm_size is required: %w", in.Name, ipcerr.EINVAL)
	}
	if in.DoorbellToRemote == "" || in.DoorbellToHost == "" {
		return fmt.Errorf("instance %q: doorbell_to_remote and doorbell_to_host are required: %w", in.Name, ipcerr.EINVAL)
	}
	_, err := in.Backend()
	return err
}

// File is a parsed instance file.
type File struct {
	Instances []Instance
}

// Lookup returns the instance called name.
func (f *File) Lookup(name string) (*Instance, bool) {
	for i := range f.Instances {
		if f.Instances[i].Name == name {
			return &f.Instances[i], true
		}
	}
	return nil, false
}

// Validate checks every instance.
func (f *File) Validate() error {
	seen := make(map[string]bool)
	for i := range f.Instances {
		in := &f.Instances[i]
		if seen[in.Name] {
			return fmt.Errorf("duplicate instance %q: %w", in.Name, ipcerr.EINVAL)
		}
		seen[in.Name] = true
		if err := in.validate(); err != nil {
			return err
		}
	}
	return nil
}

// Supported file formats.
const (
	FormatTOML = "toml"
	FormatYAML = "yaml"
)

// Load reads and validates the instance file at path. The format follows
// the file extension.
func Load(path string) (*File, error) {
	var format string
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		format = FormatTOML
	case ".yaml", ".yml":
		format = FormatYAML
	default:
		return nil, fmt.Errorf("%q: unknown file extension: %w", path, ipcerr.EINVAL)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	f, err := Parse(data, format)
	if err != nil {
		return nil, fmt.Errorf("%q: %w", path, err)
	}
	if err := f.Validate(); err != nil {
		return nil, fmt.Errorf("%q: %w", path, err)
	}
	return f, nil
}

// Parse parses an instance file. Every instance starts as a copy of the
// optional defaults table and is overlaid with its own keys.
func Parse(data []byte, format string) (*File, error) {
	switch format {
	case FormatTOML:
		return parseTOML(data)
	case FormatYAML:
		return parseYAML(data)
	default:
		return nil, fmt.Errorf("unknown format %q: %w", format, ipcerr.EINVAL)
	}
}

func parseTOML(data []byte) (*File, error) {
	var raw struct {
		Defaults Instance         `toml:"defaults"`
		Instance []toml.Primitive `toml:"instance"`
	}
	md, err := toml.Decode(string(data), &raw)
	if err != nil {
		return nil, err
	}
	f := &File{}
	for _, p := range raw.Instance {
		in := deepcopy.Copy(raw.Defaults).(Instance)
		if err := md.PrimitiveDecode(p, &in); err != nil {
			return nil, err
		}
		f.Instances = append(f.Instances, in)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("unknown keys %v: %w", undecoded, ipcerr.EINVAL)
	}
	return f, nil
}

func parseYAML(data []byte) (*File, error) {
	var raw struct {
		Defaults  Instance    `yaml:"defaults"`
		Instances []yaml.Node `yaml:"instances"`
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&raw); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	f := &File{}
	for i := range raw.Instances {
		in := deepcopy.Copy(raw.Defaults).(Instance)
		if err := raw.Instances[i].Decode(&in); err != nil {
			return nil, err
		}
		f.Instances = append(f.Instances, in)
	}
	return f, nil
}
