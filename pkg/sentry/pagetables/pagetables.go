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

package pagetables

import (
	"fmt"

	"github.com/google/btree"
	"gvisor.dev/vmcore/pkg/hostarch"
	"gvisor.dev/vmcore/pkg/sentry/pgalloc"
)

// Token names a page table, in the way the root table address loaded into
// the MMU names the address space on real hardware.
type Token uint64

// btreeDegree is the degree of the entry tree.
const btreeDegree = 16

// PageTable maps page-aligned virtual addresses to entries.
//
// Entries are only modified under the table lock, which is a leaf: no other
// lock is acquired while it is held.
type PageTable struct {
	token Token

	mu tableMutex

	// entries is ordered by Entry.Addr.
	//
	// +checklocks:mu
	entries *btree.BTreeG[*Entry]
}

func lessEntry(a, b *Entry) bool {
	return a.Addr < b.Addr
}

func newPageTable(token Token) *PageTable {
	return &PageTable{
		token:   token,
		entries: btree.NewG[*Entry](btreeDegree, lessEntry),
	}
}

// Token returns the token naming pt.
func (pt *PageTable) Token() Token {
	return pt.token
}

func mustAligned(addr hostarch.Addr) {
	if !addr.IsPageAligned() {
		panic(fmt.Sprintf("unaligned page address %v", addr))
	}
}

// Map installs a present, writable entry mapping addr to target and returns
// it. Mapping an address that already has an entry is a fatal error.
func (pt *PageTable) Map(addr hostarch.Addr, target pgalloc.PhysAddr) Entry {
	return pt.MapWith(addr, target, func(*Entry) {})
}

// MapWith is Map, calling fn on the new entry before it is installed.
func (pt *PageTable) MapWith(addr hostarch.Addr, target pgalloc.PhysAddr, fn func(e *Entry)) Entry {
	mustAligned(addr)
	e := &Entry{Addr: addr, Target: target, Present: true, Writable: true}
	fn(e)

	pt.mu.Lock()
	defer pt.mu.Unlock()
	if old, ok := pt.entries.ReplaceOrInsert(e); ok {
		panic(fmt.Sprintf("token %d: %v already mapped as %v", pt.token, addr, old))
	}
	return *e
}

// Unmap removes the entry for addr and returns it. The entry must be present.
func (pt *PageTable) Unmap(addr hostarch.Addr) Entry {
	mustAligned(addr)
	pt.mu.Lock()
	defer pt.mu.Unlock()
	e, ok := pt.entries.Get(&Entry{Addr: addr})
	if !ok {
		panic(fmt.Sprintf("token %d: unmap of unmapped %v", pt.token, addr))
	}
	if !e.Present {
		panic(fmt.Sprintf("token %d: unmap of non-present %v", pt.token, e))
	}
	pt.entries.Delete(e)
	return *e
}

// Lookup returns the entry for the page containing addr.
func (pt *PageTable) Lookup(addr hostarch.Addr) (Entry, bool) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	e, ok := pt.entries.Get(&Entry{Addr: addr.RoundDown()})
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Update calls fn with the entry for the page containing addr while holding
// the table lock; changes fn makes are stored. fn must not change Entry.Addr.
// Update returns false if there is no entry.
func (pt *PageTable) Update(addr hostarch.Addr, fn func(e *Entry)) bool {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	e, ok := pt.entries.Get(&Entry{Addr: addr.RoundDown()})
	if !ok {
		return false
	}
	page := e.Addr
	fn(e)
	if e.Addr != page {
		panic(fmt.Sprintf("token %d: entry for %v moved to %v", pt.token, page, e.Addr))
	}
	return true
}

// Len returns the number of entries.
func (pt *PageTable) Len() int {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	return pt.entries.Len()
}

// Entries returns a copy of the entries in [ar.Start, ar.End), in address
// order.
func (pt *PageTable) Entries(ar hostarch.AddrRange) []Entry {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	var es []Entry
	pt.entries.AscendRange(&Entry{Addr: ar.Start}, &Entry{Addr: ar.End}, func(e *Entry) bool {
		es = append(es, *e)
		return true
	})
	return es
}
