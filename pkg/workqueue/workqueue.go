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

// Package workqueue provides a dedicated worker goroutine that runs submitted
// work items one at a time, in submission order.
//
// A Work item is either idle, pending (queued) or running. Submitting a
// pending item is a no-op, so a burst of submissions from an interrupt-like
// source collapses into a single run. An item that is submitted while it is
// running is queued again and runs once more afterwards.
package workqueue

import (
	"sync"

	"github.com/ipcsvc/vrings/pkg/log"
)

// Config configures a Queue.
type Config struct {
	// Name identifies the queue in logs.
	Name string

	// Priority and Cooperative describe how the worker should be scheduled.
	// Goroutines have no scheduling priority, so they are recorded and
	// logged only.
	Priority    int
	Cooperative bool
}

// Work is a unit of work that can be submitted to a Queue repeatedly.
type Work struct {
	fn func()

	// The fields below are protected by the owning queue's mutex.
	pending bool
	running bool
}

// NewWork returns a work item that calls fn.
func NewWork(fn func()) *Work {
	return &Work{fn: fn}
}

// Queue is a single worker goroutine with a FIFO of work items.
type Queue struct {
	cfg Config

	mu      sync.Mutex
	cond    sync.Cond
	items   []*Work
	current *Work
	stopped bool

	done chan struct{}
}

// New starts a queue.
func New(cfg Config) *Queue {
	q := &Queue{
		cfg:  cfg,
		done: make(chan struct{}),
	}
	q.cond.L = &q.mu
	log.Debugf("Starting work queue %q (priority %d, cooperative %t)", cfg.Name, cfg.Priority, cfg.Cooperative)
	go q.run()
	return q
}

// Name returns the queue name.
func (q *Queue) Name() string {
	return q.cfg.Name
}

// Submit queues w unless it is already pending. It returns true if w was
// queued. Submit never blocks and may be called from any goroutine,
// including the worker itself.
func (q *Queue) Submit(w *Work) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped || w.pending {
		return false
	}
	w.pending = true
	q.items = append(q.items, w)
	q.cond.Broadcast()
	return true
}

// SubmitFunc queues a one-shot call of fn.
func (q *Queue) SubmitFunc(fn func()) bool {
	return q.Submit(NewWork(fn))
}

// Cancel removes w from the queue if it is pending. It does not wait for a
// running w. It returns true if w was removed.
func (q *Queue) Cancel(w *Work) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !w.pending {
		return false
	}
	for i, it := range q.items {
		if it == w {
			q.items = append(q.items[:i], q.items[i+1:]...)
			break
		}
	}
	w.pending = false
	q.cond.Broadcast()
	return true
}

// Flush blocks until w is neither pending nor running. It must not be called
// from w itself.
func (q *Queue) Flush(w *Work) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for w.pending || w.running {
		q.cond.Wait()
	}
}

// Drain blocks until the queue is empty and the worker is idle. It must not
// be called from the worker.
func (q *Queue) Drain() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) > 0 || q.busy() {
		q.cond.Wait()
	}
}

// busy must be called with mu held.
func (q *Queue) busy() bool {
	return q.current != nil
}

// Stop runs everything already queued, then stops the worker and waits for
// it to exit. Later submissions are rejected.
func (q *Queue) Stop() {
	q.mu.Lock()
	if !q.stopped {
		q.stopped = true
		q.cond.Broadcast()
	}
	q.mu.Unlock()
	<-q.done
	log.Debugf("Work queue %q stopped", q.cfg.Name)
}

func (q *Queue) run() {
	defer close(q.done)
	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		for len(q.items) == 0 && !q.stopped {
			q.cond.Wait()
		}
		if len(q.items) == 0 {
			return
		}
		w := q.items[0]
		q.items[0] = nil
		q.items = q.items[1:]
		w.pending = false
		w.running = true
		q.current = w
		q.mu.Unlock()

		w.fn()

		q.mu.Lock()
		w.running = false
		q.current = nil
		q.cond.Broadcast()
	}
}
