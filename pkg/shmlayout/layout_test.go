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

package shmlayout

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/ipcsvc/vrings/pkg/ipcerr"
)

func TestVringSize(t *testing.T) {
	for _, tc := range []struct {
		num   uint32
		align uint64
		want  uint64
	}{
		// 16 + 4 + 2 + 2 = 24, used = 4 + 8 + 2.
		{1, 4, 38},
		// 64 + 4 + 8 + 2 = 78 -> 80, used = 4 + 32 + 2.
		{4, 4, 118},
		// 78 -> 128 with 64-byte alignment.
		{4, 64, 166},
		// 4096 + 4 + 512 + 2 = 4614 -> 4672, used = 4 + 2048 + 2.
		{256, 64, 6726},
	} {
		if got := VringSize(tc.num, tc.align); got != tc.want {
			t.Errorf("VringSize(%d, %d) = %d, want %d", tc.num, tc.align, got, tc.want)
		}
	}
}

// TestOptimalNumDesc4K checks the worked example: a 4 KiB region with 256-byte
// buffers and 4-byte alignment.
//
// The status area takes 4 bytes, leaving 4092. For N = 4 the buffers take
// 2*1024 bytes and each vring takes round_up(118, 4) = 120 bytes, 2288 in
// total. For N = 8 the buffers alone take 4096 bytes.
func TestOptimalNumDesc4K(t *testing.T) {
	if got := OptimalNumDesc(4096, 256, 4); got != 4 {
		t.Fatalf("OptimalNumDesc(4096, 256, 4) = %d, want 4", got)
	}
	if got, want := ShmSize(4, 256, 4), uint64(2288); got != want {
		t.Errorf("ShmSize(4, 256, 4) = %d, want %d", got, want)
	}
}

func TestOptimalNumDescBoundary(t *testing.T) {
	// One descriptor needs 4 + 2*(256 + 40) = 596 bytes.
	if got := OptimalNumDesc(596, 256, 4); got != 1 {
		t.Errorf("OptimalNumDesc(596) = %d, want 1", got)
	}
	if got := OptimalNumDesc(595, 256, 4); got != 0 {
		t.Errorf("OptimalNumDesc(595) = %d, want 0", got)
	}
	if got := OptimalNumDesc(4, 256, 4); got != 0 {
		t.Errorf("OptimalNumDesc(4) = %d, want 0", got)
	}
	if got := OptimalNumDesc(0, 256, 4); got != 0 {
		t.Errorf("OptimalNumDesc(0) = %d, want 0", got)
	}
}

func TestOptimalNumDescProperties(t *testing.T) {
	for _, align := range []uint64{4, 8, 64, 128} {
		for _, buf := range []uint32{16, 100, 256, 512, 1500, 4096} {
			for total := uint64(0); total < 1<<18; total += 977 {
				n := OptimalNumDesc(total, buf, align)
				avail := int64(total) - int64(StatusSize(align))
				if n == 0 {
					if avail >= 0 && ShmSize(1, buf, align) <= uint64(avail) {
						t.Fatalf("OptimalNumDesc(%d, %d, %d) = 0 but one descriptor fits", total, buf, align)
					}
					continue
				}
				if n&(n-1) != 0 {
					t.Fatalf("OptimalNumDesc(%d, %d, %d) = %d, not a power of two", total, buf, align, n)
				}
				if ShmSize(n, buf, align) > uint64(avail) {
					t.Fatalf("OptimalNumDesc(%d, %d, %d) = %d does not fit", total, buf, align, n)
				}
				if n < MaxNumDesc && ShmSize(2*n, buf, align) <= uint64(avail) {
					t.Fatalf("OptimalNumDesc(%d, %d, %d) = %d but %d fits", total, buf, align, n, 2*n)
				}
			}
		}
	}
}

func TestConfigure(t *testing.T) {
	got, err := Configure(4096, 256, 4)
	if err != nil {
		t.Fatalf("Configure failed: %v", err)
	}
	want := Layout{
		Total:         4096,
		Align:         4,
		NumDesc:       4,
		BufferSize:    256,
		StatusOffset:  0,
		StatusSize:    4,
		BufsOffset:    4,
		RXBufsSize:    1024,
		TXBufsSize:    1024,
		ShmSize:       2288,
		RXVringOffset: 4 + 2048,
		TXVringOffset: 4 + 2048 + 120,
		VringSize:     118,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("Configure mismatch (-want +got):\n%s", diff)
	}
	if got.End() > got.Total {
		t.Errorf("End() = %d exceeds region of %d bytes", got.End(), got.Total)
	}
	if off := got.BufferOffset(0); off != 4 {
		t.Errorf("BufferOffset(0) = %d, want 4", off)
	}
	if off := got.BufferOffset(4); off != 4+1024 {
		t.Errorf("BufferOffset(4) = %d, want %d", off, 4+1024)
	}
	if off := got.BufferOffset(7); off != 4+1024+3*256 {
		t.Errorf("BufferOffset(7) = %d, want %d", off, 4+1024+3*256)
	}
}

// Both parties compute the layout independently, so it must be a pure
// function of its inputs.
func TestConfigureDeterministic(t *testing.T) {
	for _, total := range []uint64{4096, 16384, 65536, 1 << 20} {
		a, errA := Configure(total, 512, 64)
		b, errB := Configure(total, 512, 64)
		if errA != nil || errB != nil {
			t.Fatalf("Configure(%d) failed: %v, %v", total, errA, errB)
		}
		if diff := cmp.Diff(a, b); diff != "" {
			t.Errorf("Configure(%d) not deterministic (-first +second):\n%s", total, diff)
		}
	}
}

func TestConfigureErrors(t *testing.T) {
	if _, err := Configure(100, 256, 4); !errors.Is(err, ipcerr.ENOMEM) {
		t.Errorf("Configure(100, 256, 4) = %v, want ENOMEM", err)
	}
	if _, err := Configure(4096, 0, 4); !errors.Is(err, ipcerr.EINVAL) {
		t.Errorf("Configure with zero buffer size = %v, want EINVAL", err)
	}
	if _, err := Configure(4096, 256, 12); !errors.Is(err, ipcerr.EINVAL) {
		t.Errorf("Configure with alignment 12 = %v, want EINVAL", err)
	}
}
