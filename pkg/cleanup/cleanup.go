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

// Package cleanup provides utilities to roll back partially completed setup
// sequences.
//
// A Cleanup accumulates undo steps while a multi-step operation makes
// progress. If the operation fails midway, Clean runs the steps in reverse
// order. If it succeeds, Release disarms the Cleanup and hands the steps to
// the caller, who may run them later (for example from Close).
package cleanup

import "errors"

// Cleanup holds undo steps. The zero value is ready to use.
type Cleanup struct {
	steps []func() error
}

// Make returns a new Cleanup primed with f.
func Make(f func()) Cleanup {
	c := Cleanup{}
	c.Add(f)
	return c
}

// Add appends an undo step that cannot fail.
func (c *Cleanup) Add(f func()) {
	c.steps = append(c.steps, func() error {
		f()
		return nil
	})
}

// AddErr appends an undo step that may fail. Its error is reported by Clean.
func (c *Cleanup) AddErr(f func() error) {
	c.steps = append(c.steps, f)
}

// Clean runs all undo steps in reverse order of registration and returns the
// joined errors, if any. Clean is a no-op after Release.
func (c *Cleanup) Clean() error {
	steps := c.steps
	c.steps = nil
	return run(steps)
}

// Release disarms the Cleanup and returns a function that runs the steps it
// held.
func (c *Cleanup) Release() func() error {
	steps := c.steps
	c.steps = nil
	return func() error {
		return run(steps)
	}
}

// Len returns the number of pending undo steps.
func (c *Cleanup) Len() int {
	return len(c.steps)
}

func run(steps []func() error) error {
	var errs []error
	for i := len(steps) - 1; i >= 0; i-- {
		if err := steps[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
