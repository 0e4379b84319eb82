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

// Package swap selects pages to evict under memory pressure and moves their
// contents between frames and a backing store.
package swap

import (
	"fmt"

	"gvisor.dev/vmcore/pkg/hostarch"
	"gvisor.dev/vmcore/pkg/sentry/pagetables"
	"gvisor.dev/vmcore/pkg/sentry/pgalloc"
)

// Descriptor identifies a swappable page.
type Descriptor struct {
	// Token names the page table mapping the page.
	Token pagetables.Token

	// Addr is the page-aligned virtual address of the page.
	Addr hostarch.Addr

	// Frame is the frame backing the page when it became swappable.
	Frame pgalloc.Frame
}

// String implements fmt.Stringer.String.
func (d Descriptor) String() string {
	return fmt.Sprintf("token %d %v (%v)", d.Token, d.Addr, d.Frame)
}

// Manager is a page replacement policy. It holds the set of swappable pages
// and picks eviction victims. Managers are not synchronized.
type Manager interface {
	// Push adds a swappable page.
	Push(d Descriptor)

	// Remove removes the page mapped at addr by the table named token. The
	// page must be tracked.
	Remove(token pagetables.Token, addr hostarch.Addr)

	// Pop removes and returns the next victim.
	Pop() (Descriptor, bool)

	// Tick is called on every timer tick, for policies that age pages.
	Tick()

	// Len returns the number of tracked pages.
	Len() int
}

// NewManager returns the manager implementing policy.
func NewManager(policy string) (Manager, error) {
	switch policy {
	case "fifo":
		return &FIFO{}, nil
	default:
		return nil, fmt.Errorf("unknown swap policy %q", policy)
	}
}
