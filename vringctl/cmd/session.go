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
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/ipcsvc/vrings/pkg/ipc"
	"github.com/ipcsvc/vrings/pkg/ipcerr"
	"github.com/ipcsvc/vrings/pkg/log"
)

// echoQueueLen bounds the messages an echoer holds before dropping.
const echoQueueLen = 64

// echoer sends every message received on its endpoint back to the peer.
// Replies are sent from run, not from the callback, so that the worker is
// never blocked waiting for a transmit buffer.
type echoer struct {
	ept     *ipc.Endpoint
	queue   chan []byte
	dropLog log.Logger
}

func newEchoer(b ipc.Backend, name string) (*echoer, error) {
	e := &echoer{
		queue:   make(chan []byte, echoQueueLen),
		dropLog: log.BasicRateLimitedLogger(time.Second),
	}
	ept, err := ipc.Register(b, &ipc.EndpointConfig{
		Name: name,
		Callbacks: ipc.CallbackFuncs{
			OnBound: func(any) { log.Infof("Endpoint %q bound", name) },
			OnReceived: func(data []byte, _ any) {
				select {
				case e.queue <- bytes.Clone(data):
				default:
					e.dropLog.Warningf("Endpoint %q: echo queue full, dropping %d bytes", name, len(data))
				}
			},
			OnUnbound: func(any) { log.Infof("Endpoint %q unbound", name) },
		},
	})
	if err != nil {
		return nil, err
	}
	e.ept = ept
	return e, nil
}

// run echoes until ctx is done.
func (e *echoer) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case data := <-e.queue:
			if _, err := e.ept.Send(ctx, data); err != nil {
				e.dropLog.Warningf("Endpoint %q: echo failed: %v", e.ept.Name(), err)
			}
		}
	}
}

// pinger sends numbered messages and waits for each to come back.
type pinger struct {
	ept     *ipc.Endpoint
	bound   chan struct{}
	replies chan []byte
}

func newPinger(b ipc.Backend, name string) (*pinger, error) {
	p := &pinger{
		bound:   make(chan struct{}, 1),
		replies: make(chan []byte, 1),
	}
	ept, err := ipc.Register(b, &ipc.EndpointConfig{
		Name: name,
		Callbacks: ipc.CallbackFuncs{
			OnBound: func(any) {
				select {
				case p.bound <- struct{}{}:
				default:
				}
			},
			OnReceived: func(data []byte, _ any) {
				select {
				case p.replies <- bytes.Clone(data):
				default:
					log.Warningf("Endpoint %q: unexpected reply of %d bytes", name, len(data))
				}
			},
		},
	})
	if err != nil {
		return nil, err
	}
	p.ept = ept
	return p, nil
}

func (p *pinger) waitBound(ctx context.Context) error {
	select {
	case <-p.bound:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for %q to bind: %w", p.ept.Name(), ctx.Err())
	}
}

// pingStats summarizes round trips.
type pingStats struct {
	Count         int
	Min, Max, Sum time.Duration
}

func (s *pingStats) add(d time.Duration) {
	if s.Count == 0 || d < s.Min {
		s.Min = d
	}
	if d > s.Max {
		s.Max = d
	}
	s.Sum += d
	s.Count++
}

// Avg returns the mean round trip.
func (s *pingStats) Avg() time.Duration {
	if s.Count == 0 {
		return 0
	}
	return s.Sum / time.Duration(s.Count)
}

// run sends count messages of size bytes, each starting with its sequence
// number, and checks every reply.
func (p *pinger) run(ctx context.Context, count, size int) (pingStats, error) {
	var stats pingStats
	if size < 8 {
		size = 8
	}
	msg := make([]byte, size)
	for i := range msg {
		msg[i] = byte(i)
	}
	for seq := 0; seq < count; seq++ {
		binary.LittleEndian.PutUint64(msg, uint64(seq))
		start := time.Now()
		if _, err := p.ept.Send(ctx, msg); err != nil {
			return stats, fmt.Errorf("ping %d: %w", seq, err)
		}
		select {
		case reply := <-p.replies:
			if !bytes.Equal(reply, msg) {
				return stats, fmt.Errorf("ping %d: reply does not match: %w", seq, ipcerr.EBADMSG)
			}
		case <-ctx.Done():
			return stats, fmt.Errorf("ping %d: %w", seq, ctx.Err())
		}
		stats.add(time.Since(start))
	}
	return stats, nil
}

// printStats renders stats as a table.
func printStats(w io.Writer, name string, size int, stats pingStats) error {
	table := tablewriter.NewTable(w)
	table.Header("ENDPOINT", "SIZE", "COUNT", "MIN", "AVG", "MAX")
	table.Append(name, fmt.Sprint(size), fmt.Sprint(stats.Count), stats.Min.String(), stats.Avg().String(), stats.Max.String())
	return table.Render()
}
