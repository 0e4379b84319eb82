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

package cow

import (
	"testing"

	"gvisor.dev/vmcore/pkg/sentry/pgalloc"
)

type counts struct {
	read, write uint16
}

func refsOf(e *Ext, f pgalloc.Frame) counts {
	r, w := e.Refs(f)
	return counts{r, w}
}

func TestTwoPhaseInit(t *testing.T) {
	e := New()
	if e.Ready() {
		t.Fatalf("Ready() before Init")
	}
	if got := refsOf(e, 1); got != (counts{}) {
		t.Errorf("Refs before Init: got %+v want zero", got)
	}
	func() {
		defer func() {
			if recover() == nil {
				t.Errorf("MapToShared before Init did not panic")
			}
		}()
		e.MapToShared(1, true)
	}()
	e.Init()
	if !e.Ready() {
		t.Errorf("Ready() false after Init")
	}
}

func TestConservation(t *testing.T) {
	e := New()
	e.Init()
	const f = pgalloc.Frame(7)

	steps := []struct {
		name     string
		op       func() bool
		want     counts
		wantZero bool
	}{
		{"map writer", func() bool { e.MapToShared(f, true); return false }, counts{0, 1}, false},
		{"map writer", func() bool { e.MapToShared(f, true); return false }, counts{0, 2}, false},
		{"map reader", func() bool { e.MapToShared(f, false); return false }, counts{1, 2}, false},
		{"unmap writer", func() bool { return e.UnmapShared(f, true) }, counts{1, 1}, false},
		{"unmap reader", func() bool { return e.UnmapShared(f, false) }, counts{0, 1}, false},
		{"unmap last writer", func() bool { return e.UnmapShared(f, true) }, counts{0, 0}, true},
	}
	for _, s := range steps {
		if got := s.op(); got != s.wantZero {
			t.Errorf("%s: returned %t want %t", s.name, got, s.wantZero)
		}
		if got := refsOf(e, f); got != s.want {
			t.Errorf("%s: refs got %+v want %+v", s.name, got, s.want)
		}
	}
	if e.Frames() != 0 {
		t.Errorf("Frames() after last unmap: got %d want 0", e.Frames())
	}
}

func TestIsOneShared(t *testing.T) {
	e := New()
	e.Init()
	if e.IsOneShared(3) {
		t.Errorf("IsOneShared on unknown frame")
	}
	e.MapToShared(3, false)
	if !e.IsOneShared(3) {
		t.Errorf("IsOneShared false with one reader")
	}
	e.MapToShared(3, true)
	if e.IsOneShared(3) {
		t.Errorf("IsOneShared true with two references")
	}
	e.UnmapShared(3, false)
	if !e.IsOneShared(3) {
		t.Errorf("IsOneShared false with one writer")
	}
}

func TestFramesIndependent(t *testing.T) {
	e := New()
	e.Init()
	e.MapToShared(1, true)
	e.MapToShared(2, true)
	e.MapToShared(2, false)
	if !e.UnmapShared(1, true) {
		t.Errorf("frame 1 not released")
	}
	if got := refsOf(e, 2); got != (counts{1, 1}) {
		t.Errorf("frame 2 refs: got %+v want {1 1}", got)
	}
}

func TestUnderflowPanics(t *testing.T) {
	for _, test := range []struct {
		name     string
		writable bool
	}{
		{"read", false},
		{"write", true},
	} {
		t.Run(test.name, func(t *testing.T) {
			e := New()
			e.Init()
			e.MapToShared(1, !test.writable)
			defer func() {
				if recover() == nil {
					t.Errorf("underflow did not panic")
				}
			}()
			e.UnmapShared(1, test.writable)
		})
	}
}
