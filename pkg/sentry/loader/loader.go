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
	"encoding/binary"
	"fmt"

	"gvisor.dev/vmcore/pkg/hostarch"
	"gvisor.dev/vmcore/pkg/log"
	"gvisor.dev/vmcore/pkg/sentry/kmem"
	"gvisor.dev/vmcore/pkg/sentry/mm"
	"gvisor.dev/vmcore/pkg/sentry/pagetables"
)

const (
	// StackTop is the address just past the user stack.
	StackTop hostarch.Addr = 0x80000000

	// StackSize is the size of the user stack.
	StackSize = 8 * hostarch.PageSize

	// StackBase is the lowest address of the user stack.
	StackBase = StackTop - StackSize
)

// Image is a loaded process image.
type Image struct {
	// MemorySet is the address space of the image. It is owned by the
	// caller.
	MemorySet *mm.MemorySet

	// Entry is the program entry point.
	Entry hostarch.Addr

	// StackPointer is the initial stack pointer, pointing at argc.
	StackPointer hostarch.Addr
}

// Load builds an address space from the executable in data: one
// copy-on-write region per loadable segment and a swap-backed stack holding
// argv. Only the top stack page is allocated up front.
//
// Preconditions: No kmem lock is held.
func Load(k *kmem.Context, data []byte, argv []string) (*Image, error) {
	info, err := parseHeader(data)
	if err != nil {
		return nil, err
	}

	ms := mm.NewMemorySet(k)
	sp, err := load(ms, info, argv)
	if err != nil {
		ms.Release()
		return nil, err
	}
	log.Infof("token %d: loaded image with entry %v, %d segments, sp %v", ms.Token(), info.entry, len(info.segments), sp)
	return &Image{MemorySet: ms, Entry: info.entry, StackPointer: sp}, nil
}

func load(ms *mm.MemorySet, info elfInfo, argv []string) (hostarch.Addr, error) {
	// The image is private until the first fork, so writing read-only
	// pages here does not affect any other mapping.
	kernelWrite := mm.IOOpts{IgnorePermissions: true}
	for i, s := range info.segments {
		a := mm.NewArea(s.ar.Start, s.ar.End, mm.NewCOWHandler(s.attr), fmt.Sprintf("segment%d", i))
		if err := ms.Push(a); err != nil {
			return 0, fmt.Errorf("mapping segment %v: %w", s.ar, err)
		}
		if _, err := ms.CopyOut(s.ar.Start, s.data, kernelWrite); err != nil {
			return 0, fmt.Errorf("copying segment %v: %w", s.ar, err)
		}
		bss := s.ar.Start + hostarch.Addr(len(s.data))
		if _, err := ms.ZeroOut(bss, int(s.ar.End-bss), kernelWrite); err != nil {
			return 0, fmt.Errorf("zeroing bss of segment %v: %w", s.ar, err)
		}
	}

	if err := ms.Push(mm.NewArea(StackBase, StackTop, mm.NewSwapBackedHandler(pagetables.Attr{User: true}, stackDelayed()), "stack")); err != nil {
		return 0, fmt.Errorf("mapping stack: %w", err)
	}
	return pushArgs(ms, StackTop, argv)
}

// stackDelayed returns the stack pages allocated on first access: all but
// the topmost.
func stackDelayed() []hostarch.Addr {
	var pages []hostarch.Addr
	for page := StackBase; page < StackTop-hostarch.PageSize; page += hostarch.PageSize {
		pages = append(pages, page)
	}
	return pages
}

// pushArgs copies argv to the stack below top and returns the new stack
// pointer. From the stack pointer up, the stack holds argc, then argc
// pointers to the argument strings, then the NUL-terminated strings.
func pushArgs(ms *mm.MemorySet, top hostarch.Addr, argv []string) (hostarch.Addr, error) {
	sp := top
	ptrs := make([]uint64, 0, len(argv))
	for _, arg := range argv {
		sp -= hostarch.Addr(len(arg) + 1)
		b := append([]byte(arg), 0)
		if _, err := ms.CopyOut(sp, b, mm.IOOpts{}); err != nil {
			return 0, fmt.Errorf("pushing argument %q: %w", arg, err)
		}
		ptrs = append(ptrs, uint64(sp))
	}

	const wordSize = 8
	sp -= hostarch.Addr(len(ptrs) * wordSize)
	sp &^= wordSize - 1
	buf := make([]byte, 0, (len(ptrs)+1)*wordSize)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(len(ptrs)))
	for _, p := range ptrs {
		buf = binary.LittleEndian.AppendUint64(buf, p)
	}
	if _, err := ms.CopyOut(sp, buf[wordSize:], mm.IOOpts{}); err != nil {
		return 0, fmt.Errorf("pushing argv: %w", err)
	}
	sp -= wordSize
	if _, err := ms.CopyOut(sp, buf[:wordSize], mm.IOOpts{}); err != nil {
		return 0, fmt.Errorf("pushing argc: %w", err)
	}
	return sp, nil
}
