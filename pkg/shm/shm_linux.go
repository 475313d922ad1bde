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
	"fmt"
	"os"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/ipcsvc/vrings/pkg/cleanup"
	"github.com/ipcsvc/vrings/pkg/ipcerr"
	"github.com/ipcsvc/vrings/pkg/log"
	"golang.org/x/sys/unix"
)

// NewMemfd returns a region backed by an anonymous memfd. FD can be passed to
// a child process, which maps it with MapFD.
func NewMemfd(name string, size int) (*Region, error) {
	if size <= 0 {
		return nil, fmt.Errorf("region size %d: %w", size, ipcerr.EINVAL)
	}
	fd, err := unix.MemfdCreate(name, unix.MFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("memfd_create(%q): %w", name, err)
	}
	cu := cleanup.Make(func() { unix.Close(fd) })
	defer cu.Clean()

	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		return nil, fmt.Errorf("ftruncate(%d, %d) failed: %w", fd, size, err)
	}
	r, err := mapFD("memfd:"+name, fd, size)
	if err != nil {
		return nil, err
	}
	cu.Release()
	closeMap := r.close
	r.close = func() error {
		return errors.Join(closeMap(), unix.Close(fd))
	}
	return r, nil
}

// MapFD maps size bytes of the file referred to by fd. The caller keeps
// ownership of fd.
func MapFD(fd, size int) (*Region, error) {
	return mapFD(fmt.Sprintf("fd:%d", fd), fd, size)
}

func mapFD(name string, fd, size int) (*Region, error) {
	mem, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap(%s, %d): %w", name, size, err)
	}
	return &Region{
		name:  name,
		mem:   mem,
		close: func() error { return unix.Munmap(mem) },
	}, nil
}

// OpenFile maps the file at path, creating it and extending it to size bytes
// if needed. Processes that map the same file share the region; /dev/shm is
// the usual place for it.
func OpenFile(path string, size int) (*Region, error) {
	if size <= 0 {
		return nil, fmt.Errorf("region size %d: %w", size, ipcerr.EINVAL)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if fi.Size() < int64(size) {
		if err := f.Truncate(int64(size)); err != nil {
			return nil, fmt.Errorf("extending %q to %d bytes: %w", path, size, err)
		}
	}
	// The mapping stays valid after the file is closed.
	return mapFD("file:"+path, int(f.Fd()), size)
}

// WaitFile waits until the file at path exists and holds at least size
// bytes, then maps it. It polls with exponential backoff until ctx is done.
func WaitFile(ctx context.Context, path string, size int) (*Region, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 5 * time.Millisecond
	b.MaxInterval = 500 * time.Millisecond
	b.MaxElapsedTime = 0

	var r *Region
	op := func() error {
		fi, err := os.Stat(path)
		if errors.Is(err, os.ErrNotExist) {
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		if fi.Size() < int64(size) {
			return fmt.Errorf("%q holds %d bytes, want %d: %w", path, fi.Size(), size, errShortFile)
		}
		r, err = OpenFile(path, size)
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}
	notify := func(err error, next time.Duration) {
		log.Debugf("Waiting for %q: %v, retrying in %v", path, err, next)
	}
	err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify)
	if notYet(err) && ctx.Err() == nil {
		// The backoff gives up once its next interval would pass the
		// deadline. Wait out the rest and look one last time.
		<-ctx.Done()
		err = op()
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			err = perm.Err
		}
	}
	switch {
	case notYet(err):
		return nil, fmt.Errorf("waiting for %q: %w", path, ctx.Err())
	case err != nil:
		return nil, err
	}
	return r, nil
}

var errShortFile = errors.New("file too short")

// notYet reports whether err means the file WaitFile waits for is not
// there yet.
func notYet(err error) bool {
	return errors.Is(err, os.ErrNotExist) || errors.Is(err, errShortFile)
}
