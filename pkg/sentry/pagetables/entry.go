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

// Package pagetables implements simulated page tables: per-page entries kept
// in address order, and a registry that names tables by token.
package pagetables

import (
	"fmt"
	"strings"

	"gvisor.dev/vmcore/pkg/hostarch"
	"gvisor.dev/vmcore/pkg/sentry/pgalloc"
)

// Entry is a page table entry.
//
// A live entry is in exactly one of three states: present (backed by the
// frame at Target), delayed (not present, not swapped, no frame yet) or
// swapped out (not present, Target holds the swap slot).
type Entry struct {
	// Addr is the page-aligned virtual address the entry maps.
	Addr hostarch.Addr

	// Target is the physical address of the backing frame, or the swap
	// slot multiplied by the page size when Swapped is set.
	Target pgalloc.PhysAddr

	Present  bool
	Writable bool
	User     bool
	Execute  bool

	// Shared marks entries whose frame is accounted in the copy-on-write
	// reference counts.
	Shared bool

	// Swapped marks entries whose content is in the swap store.
	Swapped bool
}

// String implements fmt.Stringer.String.
func (e Entry) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%v -> %v [", e.Addr, e.Target)
	for _, f := range []struct {
		set  bool
		name byte
	}{
		{e.Present, 'P'},
		{e.Writable, 'W'},
		{e.User, 'U'},
		{e.Execute, 'X'},
		{e.Shared, 'S'},
		{e.Swapped, 'O'},
	} {
		if f.set {
			b.WriteByte(f.name)
		} else {
			b.WriteByte('-')
		}
	}
	b.WriteByte(']')
	return b.String()
}

// Attr is the memory attribute a region applies to each of its entries.
type Attr struct {
	User     bool
	ReadOnly bool
	Execute  bool

	// Hide installs entries non-present.
	Hide bool
}

// Apply sets e's permission bits from a.
func (a Attr) Apply(e *Entry) {
	e.Present = !a.Hide
	e.Writable = !a.ReadOnly
	e.User = a.User
	e.Execute = a.Execute
}

// String returns a in /proc/[pid]/maps permission style.
func (a Attr) String() string {
	b := []byte("r--")
	if a.Hide {
		b[0] = '-'
	}
	if !a.ReadOnly {
		b[1] = 'w'
	}
	if a.Execute {
		b[2] = 'x'
	}
	if a.User {
		return string(b) + "u"
	}
	return string(b) + "k"
}
