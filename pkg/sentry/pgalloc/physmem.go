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

	"golang.org/x/sys/unix"
	"gvisor.dev/vmcore/pkg/hostarch"
)

// PhysicalMemory is the simulated physical memory: an anonymous mapping of
// one page per frame.
type PhysicalMemory struct {
	mem    []byte
	frames uint32
}

// NewPhysicalMemory maps memory for the given number of frames.
func NewPhysicalMemory(frames uint32) (*PhysicalMemory, error) {
	if frames == 0 {
		return nil, fmt.Errorf("physical memory needs at least one frame")
	}
	mem, err := unix.Mmap(-1, 0, int(frames)*hostarch.PageSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("failed to mmap physical memory: %w", err)
	}
	return &PhysicalMemory{mem: mem, frames: frames}, nil
}

// Frames returns the number of frames of physical memory.
func (pm *PhysicalMemory) Frames() uint32 {
	return pm.frames
}

// Page returns the bytes of frame f. The returned slice aliases physical
// memory.
func (pm *PhysicalMemory) Page(f Frame) []byte {
	if uint64(f) >= uint64(pm.frames) {
		panic(fmt.Sprintf("%v outside physical memory of %d frames", f, pm.frames))
	}
	off := int(f) * hostarch.PageSize
	return pm.mem[off : off+hostarch.PageSize : off+hostarch.PageSize]
}

// Zero fills frame f with zeroes.
func (pm *PhysicalMemory) Zero(f Frame) {
	clear(pm.Page(f))
}

// Copy copies the contents of frame src to frame dst.
func (pm *PhysicalMemory) Copy(dst, src Frame) {
	copy(pm.Page(dst), pm.Page(src))
}

// Release unmaps physical memory. pm must not be used afterwards.
func (pm *PhysicalMemory) Release() error {
	if pm.mem == nil {
		return nil
	}
	err := unix.Munmap(pm.mem)
	pm.mem = nil
	return err
}
