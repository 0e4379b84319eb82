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
	"fmt"

	"gvisor.dev/vmcore/pkg/bitmap"
)

// Allocator is a bitmap allocator over frame indices. A set bit marks a free
// frame.
//
// Allocator is not synchronized; callers serialize access.
type Allocator struct {
	free bitmap.Bitmap

	// next is where the search for a free frame starts. Allocation is
	// next-fit so that recently freed frames are not immediately reused.
	next uint32
}

// NewAllocator returns an allocator able to track frames [0, size). No frame
// is free until inserted.
func NewAllocator(size uint32) *Allocator {
	return &Allocator{free: bitmap.New(size)}
}

// Size returns the number of frames the allocator can track.
func (a *Allocator) Size() uint32 {
	return a.free.Size()
}

// Insert marks frames [start, end) free.
func (a *Allocator) Insert(start, end Frame) {
	if start > end || uint64(end) > uint64(a.free.Size()) {
		panic(fmt.Sprintf("invalid frame range [%d, %d) for allocator of size %d", start, end, a.free.Size()))
	}
	a.free.AddRange(uint32(start), uint32(end))
}

// Alloc allocates one frame. ok is false if no frame is free.
func (a *Allocator) Alloc() (f Frame, ok bool) {
	i, ok := a.free.FirstOne(a.next)
	if !ok {
		if i, ok = a.free.FirstOne(0); !ok {
			return 0, false
		}
	}
	a.free.Remove(i)
	a.next = i + 1
	if a.next >= a.free.Size() {
		a.next = 0
	}
	return Frame(i), true
}

// Dealloc frees f. Freeing a frame that is already free is a fatal error.
func (a *Allocator) Dealloc(f Frame) {
	if uint64(f) >= uint64(a.free.Size()) {
		panic(fmt.Sprintf("dealloc of %v outside allocator of size %d", f, a.free.Size()))
	}
	if a.free.Contains(uint32(f)) {
		panic(fmt.Sprintf("double free of %v", f))
	}
	a.free.Add(uint32(f))
}

// IsFree returns true if f is currently free.
func (a *Allocator) IsFree(f Frame) bool {
	return uint64(f) < uint64(a.free.Size()) && a.free.Contains(uint32(f))
}

// Free returns the number of free frames.
func (a *Allocator) Free() uint32 {
	return a.free.Count()
}
