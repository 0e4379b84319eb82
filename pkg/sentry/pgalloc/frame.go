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

// Package pgalloc contains the physical frame allocator and the physical
// memory arena frames index into.
package pgalloc

import (
	"fmt"

	"gvisor.dev/vmcore/pkg/hostarch"
)

// Frame is the index of a physical page frame.
type Frame uint64

// PhysAddr is a physical address.
type PhysAddr uint64

// Addr returns the physical address of the first byte of f, given the
// physical address of frame 0.
func (f Frame) Addr(offset PhysAddr) PhysAddr {
	return PhysAddr(f)*hostarch.PageSize + offset
}

// String implements fmt.Stringer.String.
func (f Frame) String() string {
	return fmt.Sprintf("frame %d", uint64(f))
}

// FrameOf returns the frame containing pa.
//
// Precondition: pa >= offset.
func FrameOf(pa, offset PhysAddr) Frame {
	if pa < offset {
		panic(fmt.Sprintf("physical address %#x below memory offset %#x", pa, offset))
	}
	return Frame((pa - offset) / hostarch.PageSize)
}

// String implements fmt.Stringer.String.
func (pa PhysAddr) String() string {
	return fmt.Sprintf("%#x", uint64(pa))
}
