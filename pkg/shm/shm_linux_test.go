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

package shm

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func TestMemfdShared(t *testing.T) {
	r, err := NewMemfd("test", 8192)
	if err != nil {
		t.Fatalf("NewMemfd failed: %v", err)
	}
	defer r.Close()
	copy(r.Bytes(), "hello")
	if got := string(r.Bytes()[:5]); got != "hello" {
		t.Errorf("read back %q, want %q", got, "hello")
	}
}

func TestOpenFileShared(t *testing.T) {
	path := filepath.Join(t.TempDir(), "region")
	a, err := OpenFile(path, 4096)
	if err != nil {
		t.Fatalf("OpenFile failed: %v", err)
	}
	defer a.Close()
	b, err := OpenFile(path, 4096)
	if err != nil {
		t.Fatalf("second OpenFile failed: %v", err)
	}
	defer b.Close()

	copy(a.Bytes()[100:], "ping")
	if got := string(b.Bytes()[100:104]); got != "ping" {
		t.Errorf("second mapping reads %q, want %q", got, "ping")
	}
}

func TestWaitFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "region")
	go func() {
		time.Sleep(30 * time.Millisecond)
		r, err := OpenFile(path, 4096)
		if err == nil {
			r.Close()
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	r, err := WaitFile(ctx, path, 4096)
	if err != nil {
		t.Fatalf("WaitFile failed: %v", err)
	}
	r.Close()
}

func TestWaitFileTimeout(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := WaitFile(ctx, path, 4096); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("WaitFile = %v, want %v", err, context.DeadlineExceeded)
	}
}
