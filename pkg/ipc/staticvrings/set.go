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
	"errors"
	"fmt"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/ipcsvc/vrings/pkg/ipcerr"
	"github.com/ipcsvc/vrings/pkg/log"
	"github.com/ipcsvc/vrings/pkg/mbox"
)

// Link is everything needed to build one instance.
type Link struct {
	Config  Config
	Region  []byte
	Mailbox mbox.Channel
}

// Set is a group of instances built from a configuration list.
type Set struct {
	instances []*Instance
	byName    map[string]*Instance
}

// NewSet builds an instance for each link. Names must be unique.
func NewSet(links []Link) (*Set, error) {
	s := &Set{byName: make(map[string]*Instance, len(links))}
	for _, l := range links {
		inst, err := New(l.Config, l.Region, l.Mailbox)
		if err != nil {
			return nil, err
		}
		if _, ok := s.byName[inst.Name()]; ok {
			return nil, fmt.Errorf("duplicate instance %q: %w", inst.Name(), ipcerr.EINVAL)
		}
		s.instances = append(s.instances, inst)
		s.byName[inst.Name()] = inst
	}
	return s, nil
}

// Lookup returns the instance called name.
func (s *Set) Lookup(name string) (*Instance, bool) {
	inst, ok := s.byName[name]
	return inst, ok
}

// Instances returns the instances in configuration order.
func (s *Set) Instances() []*Instance {
	return append([]*Instance(nil), s.instances...)
}

// Names returns the sorted instance names.
func (s *Set) Names() []string {
	names := make([]string, 0, len(s.byName))
	for name := range s.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// OpenAll opens every instance concurrently, since remotes block until their
// host is up. If any fails, the ones that did open are closed again.
func (s *Set) OpenAll(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, inst := range s.instances {
		g.Go(func() error {
			return inst.Open(gctx)
		})
	}
	err := g.Wait()
	if err != nil {
		for _, inst := range s.instances {
			if inst.IsOpen() {
				if cerr := inst.Close(); cerr != nil {
					log.Warningf("Closing %q after failed open: %v", inst.Name(), cerr)
				}
			}
		}
	}
	return err
}

// CloseAll closes every open instance and returns the joined errors.
func (s *Set) CloseAll() error {
	var g errgroup.Group
	errs := make([]error, len(s.instances))
	for idx, inst := range s.instances {
		if !inst.IsOpen() {
			continue
		}
		g.Go(func() error {
			errs[idx] = inst.Close()
			return nil
		})
	}
	g.Wait()
	return errors.Join(errs...)
}
