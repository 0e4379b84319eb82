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

package swap

import (
	"bytes"
	"testing"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/vmcore/pkg/hostarch"
	"gvisor.dev/vmcore/pkg/sentry/pagetables"
	"gvisor.dev/vmcore/pkg/sentry/pgalloc"
)

func TestFIFOOrder(t *testing.T) {
	m := &FIFO{}
	for _, d := range []Descriptor{
		{Token: 0, Addr: 0x0000},
		{Token: 0, Addr: 0x1000},
		{Token: 0, Addr: 0x2000},
		{Token: 1, Addr: 0x1000},
		{Token: 1, Addr: 0x0000},
		{Token: 0, Addr: 0x3000},
	} {
		m.Push(d)
	}
	m.Remove(0, 0x2000)
	m.Remove(1, 0x0000)

	var got []Descriptor
	for {
		d, ok := m.Pop()
		if !ok {
			break
		}
		got = append(got, d)
	}
	want := []Descriptor{
		{Token: 0, Addr: 0x0000},
		{Token: 0, Addr: 0x1000},
		{Token: 1, Addr: 0x1000},
		{Token: 0, Addr: 0x3000},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("pop order mismatch (-want +got):\n%s", diff)
	}
	if m.Len() != 0 {
		t.Errorf("Len() after draining: got %d want 0", m.Len())
	}
}

func TestFIFOContractViolations(t *testing.T) {
	for _, test := range []struct {
		name string
		fn   func(m *FIFO)
	}{
		{
			name: "remove untracked",
			fn:   func(m *FIFO) { m.Remove(0, 0x5000) },
		},
		{
			name: "push twice",
			fn:   func(m *FIFO) { m.Push(Descriptor{Token: 0, Addr: 0x1000, Frame: 9}) },
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			m := &FIFO{}
			m.Push(Descriptor{Token: 0, Addr: 0x1000})
			defer func() {
				if recover() == nil {
					t.Errorf("%s did not panic", test.name)
				}
			}()
			test.fn(m)
		})
	}
}

func TestNewManager(t *testing.T) {
	if _, err := NewManager("fifo"); err != nil {
		t.Errorf("NewManager(fifo): %v", err)
	}
	if _, err := NewManager("clock"); err == nil {
		t.Errorf("NewManager(clock) succeeded")
	}
}

func page(b byte) []byte {
	return bytes.Repeat([]byte{b}, hostarch.PageSize)
}

func TestMockSwapper(t *testing.T) {
	s := NewMockSwapper()
	a, err := s.SwapOut(page('a'))
	if err != nil {
		t.Fatalf("SwapOut: %v", err)
	}
	b, _ := s.SwapOut(page('b'))
	if a == b {
		t.Fatalf("two pages share slot %d", a)
	}
	if err := s.SwapUpdate(b, page('c')); err != nil {
		t.Fatalf("SwapUpdate: %v", err)
	}

	buf := make([]byte, hostarch.PageSize)
	if err := s.Read(b, buf); err != nil || !bytes.Equal(buf, page('c')) {
		t.Errorf("Read(%d): got (%q..., %v)", b, buf[:1], err)
	}
	if err := s.SwapIn(a, buf); err != nil || !bytes.Equal(buf, page('a')) {
		t.Errorf("SwapIn(%d): got (%q..., %v)", a, buf[:1], err)
	}
	if err := s.SwapIn(a, buf); err == nil {
		t.Errorf("second SwapIn of slot %d succeeded", a)
	}
	if s.InUse() != 1 {
		t.Errorf("InUse(): got %d want 1", s.InUse())
	}
	// Freed slots are reused.
	if c, _ := s.SwapOut(page('d')); c != a {
		t.Errorf("SwapOut after free: got slot %d want %d", c, a)
	}
	if _, err := s.SwapOut(make([]byte, 10)); err == nil {
		t.Errorf("SwapOut of short buffer succeeded")
	}
}

type fixture struct {
	tables *pagetables.Registry
	mem    *pgalloc.PhysicalMemory
	fifo   *FIFO
	ext    *Ext
}

const offset = pgalloc.PhysAddr(0x80000000)

func newFixture(t *testing.T, frames uint32) *fixture {
	t.Helper()
	mem, err := pgalloc.NewPhysicalMemory(frames)
	if err != nil {
		t.Fatalf("NewPhysicalMemory: %v", err)
	}
	t.Cleanup(func() { mem.Release() })
	f := &fixture{
		tables: pagetables.NewRegistry(),
		mem:    mem,
		fifo:   &FIFO{},
	}
	f.ext = NewExt(f.fifo, NewMockSwapper(), f.tables, mem, offset)
	return f
}

func TestExtRoundTrip(t *testing.T) {
	f := newFixture(t, 4)
	pt := f.tables.New()
	pt.Map(0x1000, pgalloc.Frame(2).Addr(offset))
	copy(f.mem.Page(2), page('x'))
	f.ext.SetSwappable(pt, 0x1000)

	frame, err := f.ext.SwapOutAny()
	if err != nil {
		t.Fatalf("SwapOutAny: %v", err)
	}
	if frame != 2 {
		t.Errorf("SwapOutAny freed %v want frame 2", frame)
	}
	e, _ := pt.Lookup(0x1000)
	if e.Present || !e.Swapped {
		t.Errorf("entry after swap out: %v", e)
	}
	if _, err := f.ext.SwapOutAny(); err != ErrNoSwappable {
		t.Errorf("SwapOutAny on empty queue: got %v want %v", err, ErrNoSwappable)
	}

	buf := make([]byte, hostarch.PageSize)
	if err := f.ext.ReadSwapped(pt, 0x1000, buf); err != nil || !bytes.Equal(buf, page('x')) {
		t.Errorf("ReadSwapped: %v", err)
	}

	f.mem.Zero(3)
	if err := f.ext.SwapIn(pt, 0x1000, 3); err != nil {
		t.Fatalf("SwapIn: %v", err)
	}
	e, _ = pt.Lookup(0x1000)
	want := pagetables.Entry{Addr: 0x1000, Target: pgalloc.Frame(3).Addr(offset), Present: true, Writable: true}
	if diff := cmp.Diff(want, e); diff != "" {
		t.Errorf("entry after swap in mismatch (-want +got):\n%s", diff)
	}
	if !bytes.Equal(f.mem.Page(3), page('x')) {
		t.Errorf("swapped in content differs")
	}
	if diff := cmp.Diff([]Descriptor{{Token: pt.Token(), Addr: 0x1000, Frame: 3}}, f.fifo.Contents()); diff != "" {
		t.Errorf("page not swappable again after swap in (-want +got):\n%s", diff)
	}

	f.ext.RemoveFromSwappable(pt, 0x1000)
	if f.fifo.Len() != 0 {
		t.Errorf("queue not empty after RemoveFromSwappable")
	}
}

func TestExtSwapOutAcrossTables(t *testing.T) {
	f := newFixture(t, 4)
	a, b := f.tables.New(), f.tables.New()
	a.Map(0x1000, pgalloc.Frame(0).Addr(offset))
	b.Map(0x1000, pgalloc.Frame(1).Addr(offset))
	f.ext.SetSwappable(b, 0x1000)
	f.ext.SetSwappable(a, 0x1000)
	f.tables.Activate(a.Token())

	// The oldest page belongs to the table that is not loaded.
	frame, err := f.ext.SwapOutAny()
	if err != nil {
		t.Fatalf("SwapOutAny: %v", err)
	}
	if frame != 1 {
		t.Errorf("SwapOutAny freed %v want frame 1", frame)
	}
	if e, _ := b.Lookup(0x1000); !e.Swapped {
		t.Errorf("victim not swapped: %v", e)
	}
	if e, _ := a.Lookup(0x1000); !e.Present {
		t.Errorf("active page evicted out of order: %v", e)
	}
}
