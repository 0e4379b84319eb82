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

// Package mm implements process address spaces: regions bound to backing
// policies, the page fault dispatcher, and copying to and from simulated
// user memory.
package mm

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/sys/unix"
	"gvisor.dev/vmcore/pkg/hostarch"
	"gvisor.dev/vmcore/pkg/log"
	"gvisor.dev/vmcore/pkg/sentry/kmem"
	"gvisor.dev/vmcore/pkg/sentry/pagetables"
)

// ErrOverlap is returned when a region would overlap an existing one.
var ErrOverlap = errors.New("region overlaps an existing region")

// Area is a region of an address space: a page-aligned virtual range backed
// by one Handler.
type Area struct {
	ar      hostarch.AddrRange
	handler Handler
	name    string
}

// NewArea returns an area covering every page overlapping [start, end).
func NewArea(start, end hostarch.Addr, handler Handler, name string) *Area {
	return &Area{
		ar:      hostarch.AddrRange{Start: start, End: end}.Pages(),
		handler: handler,
		name:    name,
	}
}

// Range returns the virtual range of a.
func (a *Area) Range() hostarch.AddrRange {
	return a.ar
}

// Handler returns the backing policy of a.
func (a *Area) Handler() *Handler {
	return &a.handler
}

// Name returns the name of a.
func (a *Area) Name() string {
	return a.name
}

// Contains returns true if addr is in a.
func (a *Area) Contains(addr hostarch.Addr) bool {
	return a.ar.Contains(addr)
}

// String implements fmt.Stringer.String.
func (a *Area) String() string {
	return fmt.Sprintf("%v %v %v %s", a.ar, a.handler.attr, a.handler.kind, a.name)
}

// MemorySet is an address space: its regions and the page table mapping
// them. It is owned by one process and is not synchronized.
type MemorySet struct {
	k  *kmem.Context
	pt *pagetables.PageTable

	// areas is sorted by start address and non-overlapping.
	areas []*Area
}

// NewMemorySet returns an empty address space with a new page table.
func NewMemorySet(k *kmem.Context) *MemorySet {
	return &MemorySet{
		k:  k,
		pt: k.Tables().New(),
	}
}

// Token returns the token of the page table of ms.
func (ms *MemorySet) Token() pagetables.Token {
	return ms.pt.Token()
}

// PageTable returns the page table of ms.
func (ms *MemorySet) PageTable() *pagetables.PageTable {
	return ms.pt
}

// Areas returns the regions of ms in address order.
func (ms *MemorySet) Areas() []*Area {
	return append([]*Area(nil), ms.areas...)
}

// search returns the index of the first area ending after addr.
func (ms *MemorySet) search(addr hostarch.Addr) int {
	return sort.Search(len(ms.areas), func(i int) bool {
		return ms.areas[i].ar.End > addr
	})
}

// FindArea returns the region containing addr, or nil.
func (ms *MemorySet) FindArea(addr hostarch.Addr) *Area {
	if i := ms.search(addr); i < len(ms.areas) && ms.areas[i].Contains(addr) {
		return ms.areas[i]
	}
	return nil
}

// insert adds a to the region list without mapping it.
func (ms *MemorySet) insert(a *Area) error {
	if !a.ar.WellFormed() {
		return fmt.Errorf("inverted region %v: %w", a, unix.EINVAL)
	}
	if a.ar.Length() == 0 {
		return fmt.Errorf("empty region %v: %w", a, unix.EINVAL)
	}
	if err := a.handler.check(ms.k, a.ar); err != nil {
		return err
	}
	i := ms.search(a.ar.Start)
	if i < len(ms.areas) && ms.areas[i].ar.Overlaps(a.ar) {
		return fmt.Errorf("%v: %w %v", a, ErrOverlap, ms.areas[i])
	}
	ms.areas = append(ms.areas, nil)
	copy(ms.areas[i+1:], ms.areas[i:])
	ms.areas[i] = a
	return nil
}

// Push adds a to ms and maps every page of it.
func (ms *MemorySet) Push(a *Area) error {
	if err := ms.insert(a); err != nil {
		return err
	}
	log.Debugf("token %d: push %v", ms.Token(), a)
	a.ar.ForEachPage(func(page hostarch.Addr) {
		a.handler.mapPage(ms.k, ms.pt, page)
	})
	return nil
}

// Remove unmaps the region starting at start and removes it from ms.
func (ms *MemorySet) Remove(start hostarch.Addr) error {
	i := ms.search(start)
	if i == len(ms.areas) || ms.areas[i].ar.Start != start {
		return fmt.Errorf("no region starts at %v", start)
	}
	a := ms.areas[i]
	ms.unmapArea(a)
	ms.areas = append(ms.areas[:i], ms.areas[i+1:]...)
	return nil
}

func (ms *MemorySet) unmapArea(a *Area) {
	log.Debugf("token %d: unmap %v", ms.Token(), a)
	a.ar.ForEachPage(func(page hostarch.Addr) {
		a.handler.unmapPage(ms.k, ms.pt, page)
	})
}

// Release unmaps every region and frees the page table. ms must not be used
// afterwards.
func (ms *MemorySet) Release() {
	for _, a := range ms.areas {
		ms.unmapArea(a)
	}
	ms.areas = nil
	ms.k.Tables().Release(ms.Token())
}

// Clone returns a copy of ms for a forked child, cloning every page through
// its region's handler.
func (ms *MemorySet) Clone() *MemorySet {
	child := NewMemorySet(ms.k)
	for _, a := range ms.areas {
		ca := &Area{ar: a.ar, handler: a.handler.forked(), name: a.name}
		if err := child.insert(ca); err != nil {
			panic(fmt.Sprintf("clone of %v: %v", a, err))
		}
		a.ar.ForEachPage(func(page hostarch.Addr) {
			a.handler.clonePage(ms.k, ms.pt, child.pt, page)
		})
	}
	log.Debugf("token %d: cloned into token %d", ms.Token(), child.Token())
	return child
}

// String returns the regions of ms, one per line, in the style of
// /proc/[pid]/maps.
func (ms *MemorySet) String() string {
	var b strings.Builder
	for _, a := range ms.areas {
		fmt.Fprintf(&b, "%08x-%08x %s %-6s %s\n", uint64(a.ar.Start), uint64(a.ar.End), a.handler.attr, a.handler.kind, a.name)
	}
	return b.String()
}
