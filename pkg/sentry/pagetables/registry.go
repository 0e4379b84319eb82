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

	"gvisor.dev/vmcore/pkg/sync"
)

// Registry owns every page table and tracks which one is loaded into the
// (simulated) MMU. Tables are referred to by token so that code holding a
// token never holds a table that has been released.
type Registry struct {
	mu sync.Mutex

	// +checklocks:mu
	next Token

	// +checklocks:mu
	tables map[Token]*PageTable

	// active is the token of the loaded table, or 0.
	//
	// +checklocks:mu
	active Token
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		next:   1,
		tables: make(map[Token]*PageTable),
	}
}

// New creates an empty page table.
func (r *Registry) New() *PageTable {
	r.mu.Lock()
	defer r.mu.Unlock()
	pt := newPageTable(r.next)
	r.tables[pt.token] = pt
	r.next++
	return pt
}

// Get returns the table named by t.
func (r *Registry) Get(t Token) (*PageTable, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	pt, ok := r.tables[t]
	return pt, ok
}

// MustGet is Get, panicking if t names no table.
func (r *Registry) MustGet(t Token) *PageTable {
	pt, ok := r.Get(t)
	if !ok {
		panic(fmt.Sprintf("no page table with token %d", t))
	}
	return pt
}

// Release removes the table named by t. The table must be empty and not
// loaded.
func (r *Registry) Release(t Token) {
	r.mu.Lock()
	defer r.mu.Unlock()
	pt, ok := r.tables[t]
	if !ok {
		panic(fmt.Sprintf("release of unknown page table %d", t))
	}
	if r.active == t {
		panic(fmt.Sprintf("release of active page table %d", t))
	}
	if n := pt.Len(); n != 0 {
		panic(fmt.Sprintf("release of page table %d with %d live entries", t, n))
	}
	delete(r.tables, t)
}

// Activate loads the table named by t. t == 0 unloads the current table.
func (r *Registry) Activate(t Token) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tables[t]; !ok && t != 0 {
		panic(fmt.Sprintf("activate of unknown page table %d", t))
	}
	r.active = t
}

// Active returns the loaded table, or nil if none is loaded.
func (r *Registry) Active() *PageTable {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tables[r.active]
}

// Len returns the number of live tables.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tables)
}
