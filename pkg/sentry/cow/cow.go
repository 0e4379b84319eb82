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

// Package cow tracks how many mappings share each physical frame, split into
// mappings that would be writable and mappings that are read-only.
//
// A write fault on a shared frame consults these counts: a frame with a
// single reference can be made writable in place, while any other frame must
// be copied. Ext is not synchronized; callers serialize access.
package cow

import (
	"fmt"
	"math"

	"github.com/google/btree"
	"gvisor.dev/vmcore/pkg/sentry/pgalloc"
)

// checkInvariants enables expensive consistency checks.
const checkInvariants = false

// refs is the reference count of one frame.
type refs struct {
	frame pgalloc.Frame
	read  uint16
	write uint16
}

func (r *refs) total() int {
	return int(r.read) + int(r.write)
}

func lessRefs(a, b *refs) bool {
	return a.frame < b.frame
}

// Ext is the copy-on-write extension.
//
// An Ext is constructed without a backing store and cannot register mappings
// until Init installs one, so it can be created before the kernel heap is
// usable.
type Ext struct {
	// counts is nil until Init. Frames with no references have no node.
	counts *btree.BTreeG[*refs]
}

// New returns an Ext that is not ready for use.
func New() *Ext {
	return &Ext{}
}

// Init installs the reference count store. Calling Init twice is a fatal
// error.
func (e *Ext) Init() {
	if e.counts != nil {
		panic("cow.Ext initialized twice")
	}
	e.counts = btree.NewG[*refs](8, lessRefs)
}

// Ready returns true once Init has been called.
func (e *Ext) Ready() bool {
	return e.counts != nil
}

func (e *Ext) mustReady() {
	if e.counts == nil {
		panic("cow.Ext used before Init")
	}
}

// MapToShared registers a new mapping of frame, as a writer if writable and
// as a reader otherwise.
func (e *Ext) MapToShared(frame pgalloc.Frame, writable bool) {
	e.mustReady()
	r, ok := e.counts.Get(&refs{frame: frame})
	if !ok {
		r = &refs{frame: frame}
		e.counts.ReplaceOrInsert(r)
	}
	if writable {
		if r.write == math.MaxUint16 {
			panic(fmt.Sprintf("write reference count overflow on %v", frame))
		}
		r.write++
	} else {
		if r.read == math.MaxUint16 {
			panic(fmt.Sprintf("read reference count overflow on %v", frame))
		}
		r.read++
	}
	if checkInvariants {
		e.checkInvariants()
	}
}

// UnmapShared removes one mapping of frame registered with the same
// writability. It returns true iff no mapping of frame remains, in which
// case the caller owns the frame and must free it.
func (e *Ext) UnmapShared(frame pgalloc.Frame, writable bool) bool {
	e.mustReady()
	r, ok := e.counts.Get(&refs{frame: frame})
	if !ok {
		panic(fmt.Sprintf("unmap of unshared %v", frame))
	}
	if writable {
		if r.write == 0 {
			panic(fmt.Sprintf("write reference count underflow on %v (read %d)", frame, r.read))
		}
		r.write--
	} else {
		if r.read == 0 {
			panic(fmt.Sprintf("read reference count underflow on %v (write %d)", frame, r.write))
		}
		r.read--
	}
	if r.total() != 0 {
		return false
	}
	e.counts.Delete(r)
	if checkInvariants {
		e.checkInvariants()
	}
	return true
}

// IsOneShared returns true iff exactly one mapping of frame is registered.
func (e *Ext) IsOneShared(frame pgalloc.Frame) bool {
	read, write := e.Refs(frame)
	return int(read)+int(write) == 1
}

// Refs returns the read and write reference counts of frame.
func (e *Ext) Refs(frame pgalloc.Frame) (read, write uint16) {
	if e.counts == nil {
		return 0, 0
	}
	r, ok := e.counts.Get(&refs{frame: frame})
	if !ok {
		return 0, 0
	}
	return r.read, r.write
}

// Frames returns the number of frames with at least one reference.
func (e *Ext) Frames() int {
	if e.counts == nil {
		return 0
	}
	return e.counts.Len()
}

func (e *Ext) checkInvariants() {
	e.counts.Ascend(func(r *refs) bool {
		if r.total() == 0 {
			panic(fmt.Sprintf("%v has a reference count node with no references", r.frame))
		}
		return true
	})
}
