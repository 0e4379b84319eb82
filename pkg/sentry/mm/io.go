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

package mm

import (
	"golang.org/x/sys/unix"
	"gvisor.dev/vmcore/pkg/hostarch"
	"gvisor.dev/vmcore/pkg/sentry/pagetables"
)

// IOOpts control I/O to an address space.
type IOOpts struct {
	// IgnorePermissions makes the access a kernel access: it may touch
	// pages that are not user accessible, and writes succeed on read-only
	// pages. It must only be used to write pages that are not shared
	// copy-on-write, such as while building a process image.
	IgnorePermissions bool
}

// permits returns true if e allows an access of type at.
func permits(e *pagetables.Entry, at hostarch.AccessType, opts IOOpts) bool {
	if !e.Present {
		return false
	}
	if opts.IgnorePermissions {
		return true
	}
	return e.User && (!at.Write || e.Writable)
}

// accessPage calls fn with the bytes of the page containing addr while the
// page table lock is held, faulting the page in once if the entry does not
// allow the access.
func (ms *MemorySet) accessPage(addr hostarch.Addr, at hostarch.AccessType, opts IOOpts, fn func(page []byte)) error {
	try := func() bool {
		var ok bool
		ms.pt.Update(addr, func(e *pagetables.Entry) {
			if !permits(e, at, opts) {
				return
			}
			fn(ms.k.Page(e.Target))
			ok = true
		})
		return ok
	}
	if try() {
		return nil
	}
	fault := at
	if opts.IgnorePermissions {
		fault = hostarch.Read
	}
	if !ms.HandleFault(addr, fault) || !try() {
		return unix.EFAULT
	}
	return nil
}

// copyRange calls fn for each page-sized piece of [addr, addr+n).
func (ms *MemorySet) copyRange(addr hostarch.Addr, n int, at hostarch.AccessType, opts IOOpts, fn func(done int, page []byte, off uint64) int) (int, error) {
	if _, ok := addr.AddLength(uint64(n)); !ok {
		return 0, unix.EFAULT
	}
	done := 0
	for done < n {
		cur := addr + hostarch.Addr(done)
		var copied int
		err := ms.accessPage(cur, at, opts, func(page []byte) {
			copied = fn(done, page, cur.PageOffset())
		})
		if err != nil {
			return done, err
		}
		done += copied
	}
	return done, nil
}

// CopyOut copies src to the address space at addr. It returns the number of
// bytes copied and unix.EFAULT if a page could not be written.
func (ms *MemorySet) CopyOut(addr hostarch.Addr, src []byte, opts IOOpts) (int, error) {
	return ms.copyRange(addr, len(src), hostarch.Write, opts, func(done int, page []byte, off uint64) int {
		return copy(page[off:], src[done:])
	})
}

// CopyIn copies from the address space at addr to dst. It returns the number
// of bytes copied and unix.EFAULT if a page could not be read.
func (ms *MemorySet) CopyIn(addr hostarch.Addr, dst []byte, opts IOOpts) (int, error) {
	return ms.copyRange(addr, len(dst), hostarch.Read, opts, func(done int, page []byte, off uint64) int {
		return copy(dst[done:], page[off:])
	})
}

// ZeroOut zeroes n bytes of the address space at addr.
func (ms *MemorySet) ZeroOut(addr hostarch.Addr, n int, opts IOOpts) (int, error) {
	return ms.copyRange(addr, n, hostarch.Write, opts, func(done int, page []byte, off uint64) int {
		return len(zeroPrefix(page[off:], n-done))
	})
}

// zeroPrefix zeroes the first min(len(b), n) bytes of b and returns them.
func zeroPrefix(b []byte, n int) []byte {
	if n < len(b) {
		b = b[:n]
	}
	clear(b)
	return b
}
