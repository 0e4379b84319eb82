// Copyright 2024 The gVisor Authors.
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

package pgalloc

import (
	"bytes"
	"testing"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/vmcore/pkg/hostarch"
)

func TestFrameAddr(t *testing.T) {
	for _, test := range []struct {
		frame  Frame
		offset PhysAddr
		want   PhysAddr
	}{
		{frame: 0, offset: 0, want: 0},
		{frame: 1, offset: 0, want: hostarch.PageSize},
		{frame: 3, offset: 0x80000000, want: 0x80003000},
	} {
		got := test.frame.Addr(test.offset)
		if got != test.want {
			t.Errorf("%v.Addr(%v): got %v want %v", test.frame, test.offset, got, test.want)
		}
		if back := FrameOf(got+0x123, test.offset); back != test.frame {
			t.Errorf("FrameOf(%v): got %v want %v", got+0x123, back, test.frame)
		}
	}
}

func TestAllocatorInsertedRangesOnly(t *testing.T) {
	a := NewAllocator(8)
	a.Insert(2, 5)

	var got []Frame
	for {
		f, ok := a.Alloc()
		if !ok {
			break
		}
		got = append(got, f)
	}
	if diff := cmp.Diff([]Frame{2, 3, 4}, got); diff != "" {
		t.Errorf("allocated frames mismatch (-want +got):\n%s", diff)
	}
	if a.Free() != 0 {
		t.Errorf("Free(): got %d want 0", a.Free())
	}
}

func TestAllocatorReuse(t *testing.T) {
	a := NewAllocator(4)
	a.Insert(0, 4)
	frames := make([]Frame, 0, 4)
	for i := 0; i < 4; i++ {
		f, ok := a.Alloc()
		if !ok {
			t.Fatalf("Alloc %d failed", i)
		}
		frames = append(frames, f)
	}
	if _, ok := a.Alloc(); ok {
		t.Fatalf("Alloc succeeded on exhausted allocator")
	}
	a.Dealloc(frames[1])
	if !a.IsFree(frames[1]) {
		t.Errorf("%v not free after Dealloc", frames[1])
	}
	f, ok := a.Alloc()
	if !ok || f != frames[1] {
		t.Errorf("Alloc: got (%v, %t) want (%v, true)", f, ok, frames[1])
	}
}

func TestAllocatorDoubleFree(t *testing.T) {
	a := NewAllocator(2)
	a.Insert(0, 2)
	f, _ := a.Alloc()
	a.Dealloc(f)
	defer func() {
		if recover() == nil {
			t.Errorf("double free did not panic")
		}
	}()
	a.Dealloc(f)
}

func TestPhysicalMemory(t *testing.T) {
	pm, err := NewPhysicalMemory(3)
	if err != nil {
		t.Fatalf("NewPhysicalMemory: %v", err)
	}
	defer pm.Release()

	if got := len(pm.Page(2)); got != hostarch.PageSize {
		t.Fatalf("len(Page(2)): got %d want %d", got, hostarch.PageSize)
	}
	copy(pm.Page(1), "hello")
	pm.Copy(2, 1)
	if !bytes.HasPrefix(pm.Page(2), []byte("hello")) {
		t.Errorf("Copy did not transfer page contents")
	}
	pm.Zero(1)
	if !bytes.Equal(pm.Page(1), make([]byte, hostarch.PageSize)) {
		t.Errorf("Zero left data behind")
	}
	// Writing through one page must not spill into its neighbour.
	p := pm.Page(0)
	if cap(p) != hostarch.PageSize {
		t.Errorf("cap(Page(0)): got %d want %d", cap(p), hostarch.PageSize)
	}
}
