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

//go:build linux
// +build linux

package mbox

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"golang.org/x/sys/unix"
)

func TestEventfd(t *testing.T) {
	toRemote, toHost, err := NewEventfdPair()
	if err != nil {
		t.Fatalf("NewEventfdPair failed: %v", err)
	}
	defer toHost.Close()
	testReceiver(t, toRemote, toRemote)
}

func TestEventfdCloseUnregistered(t *testing.T) {
	ev, err := NewEventfd()
	if err != nil {
		t.Fatalf("NewEventfd failed: %v", err)
	}
	if err := ev.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
}

func TestEventfdRegisterDuringClose(t *testing.T) {
	for i := 0; i < 20; i++ {
		ev, err := NewEventfd()
		if err != nil {
			t.Fatalf("NewEventfd failed: %v", err)
		}
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			// Fails with EIO if Close won.
			ev.Register(func() {})
		}()
		go func() {
			defer wg.Done()
			if err := ev.Close(); err != nil {
				t.Errorf("Close failed: %v", err)
			}
		}()
		wg.Wait()
	}
}

func TestEventfdCounterReset(t *testing.T) {
	ev, err := NewEventfd()
	if err != nil {
		t.Fatalf("NewEventfd failed: %v", err)
	}
	defer ev.Close()
	for i := 0; i < 3; i++ {
		if err := ev.Send(); err != nil {
			t.Fatalf("Send failed: %v", err)
		}
	}
	if got, err := readCounter(ev.FD()); err != nil || got != 3 {
		t.Errorf("readCounter = %d, %v, want 3, nil", got, err)
	}
	if got, err := readCounter(ev.FD()); err != nil || got != 0 {
		t.Errorf("readCounter after reset = %d, %v, want 0, nil", got, err)
	}
}

func TestFIFO(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bell")
	tx, err := OpenFIFO(path)
	if err != nil {
		t.Fatalf("OpenFIFO failed: %v", err)
	}
	defer tx.Close()
	rx, err := OpenFIFO(path)
	if err != nil {
		t.Fatalf("second OpenFIFO failed: %v", err)
	}
	testReceiver(t, tx, rx)
}

func TestFIFOFull(t *testing.T) {
	f, err := OpenFIFO(filepath.Join(t.TempDir(), "bell"))
	if err != nil {
		t.Fatalf("OpenFIFO failed: %v", err)
	}
	defer f.Close()
	// Far more than the default pipe capacity.
	for i := 0; i < 1<<17; i++ {
		if err := f.Send(); err != nil {
			t.Fatalf("Send %d failed: %v", i, err)
		}
	}
	if err := f.drainPipe(); err != nil {
		t.Fatalf("drainPipe failed: %v", err)
	}
	var b [1]byte
	if _, err := unix.Read(f.fd, b[:]); err != unix.EAGAIN {
		t.Errorf("read after drain = %v, want EAGAIN", err)
	}
}

func TestFIFONotAPipe(t *testing.T) {
	path := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(path, nil, 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := OpenFIFO(path); err == nil {
		t.Errorf("OpenFIFO on a regular file succeeded")
	}
}
