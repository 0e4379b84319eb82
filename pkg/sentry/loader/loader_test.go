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

package loader

import (
	"debug/elf"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sys/unix"
	"gvisor.dev/vmcore/pkg/hostarch"
	"gvisor.dev/vmcore/pkg/sentry/kmem"
	"gvisor.dev/vmcore/pkg/sentry/mm"
)

func newTestContext(t *testing.T, frames uint32) *kmem.Context {
	t.Helper()
	k, err := kmem.New(kmem.Options{
		Frames:       frames,
		MemoryOffset: 0x80000000,
		SwapPolicy:   "fifo",
		Swapper:      "mock",
	})
	if err != nil {
		t.Fatalf("kmem.New: %v", err)
	}
	t.Cleanup(func() { k.Release() })
	return k
}

var (
	text = []byte{0x90, 0x90, 0xf4}
	data = []byte("hello")
)

func testImage() []byte {
	return BuildELF(0x400001, []Segment{
		{Vaddr: 0x400000, Flags: elf.PF_R | elf.PF_X, Data: text},
		{Vaddr: 0x401000, Flags: elf.PF_R | elf.PF_W, Data: data, Memsz: 0x1800},
	})
}

func TestLoad(t *testing.T) {
	k := newTestContext(t, 16)
	img, err := Load(k, testImage(), []string{"prog", "-v"})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	ms := img.MemorySet
	if img.Entry != 0x400001 {
		t.Errorf("Entry: got %v want 0x400001", img.Entry)
	}

	want := "00400000-00401000 r-xu cow    segment0\n" +
		"00401000-00403000 rw-u cow    segment1\n" +
		"7fff8000-80000000 rw-u swap   stack\n"
	if diff := cmp.Diff(want, ms.String()); diff != "" {
		t.Errorf("regions mismatch (-want +got):\n%s", diff)
	}

	// Two segment pages, one bss page and the top of the stack.
	if got := k.FreeFrames(); got != 12 {
		t.Errorf("FreeFrames(): got %d want 12", got)
	}

	for _, test := range []struct {
		name string
		addr hostarch.Addr
		want []byte
	}{
		{"text", 0x400000, text},
		{"data", 0x401000, data},
		{"bss", 0x401005, make([]byte, 0x17fb)},
	} {
		got := make([]byte, len(test.want))
		if _, err := ms.CopyIn(test.addr, got, mm.IOOpts{}); err != nil {
			t.Errorf("%s: CopyIn: %v", test.name, err)
			continue
		}
		if diff := cmp.Diff(test.want, got); diff != "" {
			t.Errorf("%s mismatch (-want +got):\n%s", test.name, diff)
		}
	}

	stack := ms.FindArea(StackBase)
	if stack == nil {
		t.Fatalf("no stack region")
	}
	if !stack.Handler().IsDelayed(StackBase) || stack.Handler().IsDelayed(StackTop-hostarch.PageSize) {
		t.Errorf("stack delayed pages: base %t, top %t; want base only",
			stack.Handler().IsDelayed(StackBase), stack.Handler().IsDelayed(StackTop-hostarch.PageSize))
	}
	if e, ok := ms.PageTable().Lookup(StackBase); !ok || e.Present {
		t.Errorf("stack base entry: got (%v, %t) want non-present", e, ok)
	}
	ms.Release()
	if got := k.FreeFrames(); got != 16 {
		t.Errorf("FreeFrames() after release: got %d want 16", got)
	}
}

func TestPushArgs(t *testing.T) {
	k := newTestContext(t, 4)
	img, err := Load(k, testImage(), []string{"prog", "-v"})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	defer img.MemorySet.Release()

	// "prog\0" ends at the top, "-v\0" below it, then two aligned
	// pointers and argc.
	if img.StackPointer != 0x7fffffe0 {
		t.Fatalf("StackPointer: got %v want 0x7fffffe0", img.StackPointer)
	}
	words := make([]byte, 24)
	if _, err := img.MemorySet.CopyIn(img.StackPointer, words, mm.IOOpts{}); err != nil {
		t.Fatalf("CopyIn: %v", err)
	}
	got := []uint64{
		binary.LittleEndian.Uint64(words[0:]),
		binary.LittleEndian.Uint64(words[8:]),
		binary.LittleEndian.Uint64(words[16:]),
	}
	if diff := cmp.Diff([]uint64{2, 0x7ffffffb, 0x7ffffff8}, got); diff != "" {
		t.Errorf("argc and argv mismatch (-want +got):\n%s", diff)
	}
	for _, test := range []struct {
		addr hostarch.Addr
		want string
	}{
		{0x7ffffffb, "prog\x00"},
		{0x7ffffff8, "-v\x00"},
	} {
		buf := make([]byte, len(test.want))
		if _, err := img.MemorySet.CopyIn(test.addr, buf, mm.IOOpts{}); err != nil || string(buf) != test.want {
			t.Errorf("CopyIn(%v): got (%q, %v) want %q", test.addr, buf, err, test.want)
		}
	}
}

func TestPushNoArgs(t *testing.T) {
	k := newTestContext(t, 8)
	img, err := Load(k, testImage(), nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	defer img.MemorySet.Release()
	if want := StackTop - 8; img.StackPointer != want {
		t.Errorf("StackPointer: got %v want %v", img.StackPointer, want)
	}
}

func TestLoadedTextIsReadOnly(t *testing.T) {
	k := newTestContext(t, 8)
	img, err := Load(k, testImage(), nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	defer img.MemorySet.Release()
	if _, err := img.MemorySet.CopyOut(0x400000, []byte{0}, mm.IOOpts{}); err != unix.EFAULT {
		t.Errorf("write to text: got %v want %v", err, unix.EFAULT)
	}
	if _, err := img.MemorySet.CopyOut(0x402fff, []byte{1}, mm.IOOpts{}); err != nil {
		t.Errorf("write to bss: %v", err)
	}
}

func TestLoadRejects(t *testing.T) {
	dyn := testImage()
	binary.LittleEndian.PutUint16(dyn[16:], uint16(elf.ET_DYN))

	for _, test := range []struct {
		name string
		data []byte
	}{
		{"not elf", []byte("#!/bin/sh\n")},
		{"shared object", dyn},
		{"no segments", BuildELF(0x400000, nil)},
		{"shared page", BuildELF(0x400000, []Segment{
			{Vaddr: 0x400000, Flags: elf.PF_R, Data: text},
			{Vaddr: 0x400800, Flags: elf.PF_R | elf.PF_W, Data: data},
		})},
		{"overlap", BuildELF(0x400000, []Segment{
			{Vaddr: 0x400000, Flags: elf.PF_R, Data: text, Memsz: 0x3000},
			{Vaddr: 0x401000, Flags: elf.PF_R | elf.PF_W, Data: data},
		})},
	} {
		t.Run(test.name, func(t *testing.T) {
			k := newTestContext(t, 8)
			if _, err := Load(k, test.data, nil); !errors.Is(err, unix.ENOEXEC) {
				t.Errorf("Load: got err %v want %v", err, unix.ENOEXEC)
			}
			if k.FreeFrames() != 8 || k.Tables().Len() != 0 {
				t.Errorf("failed load leaked: %d free frames, %d tables", k.FreeFrames(), k.Tables().Len())
			}
		})
	}
}

func TestLoadOutOfMemoryForStack(t *testing.T) {
	// Text, data and two bss-only pages leave no frame for the stack, and
	// nothing is swappable yet.
	big := BuildELF(0x400000, []Segment{
		{Vaddr: 0x400000, Flags: elf.PF_R | elf.PF_X, Data: text},
		{Vaddr: 0x401000, Flags: elf.PF_R | elf.PF_W, Data: data, Memsz: 0x3000},
	})
	k := newTestContext(t, 4)
	defer func() {
		if r := recover(); r == nil {
			t.Errorf("Load with exhausted memory did not panic")
		}
	}()
	Load(k, big, nil)
}
