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
	"fmt"

	"golang.org/x/sys/unix"
	"gvisor.dev/vmcore/pkg/hostarch"
	"gvisor.dev/vmcore/pkg/log"
	"gvisor.dev/vmcore/pkg/metric"
	"gvisor.dev/vmcore/pkg/sentry/cow"
	"gvisor.dev/vmcore/pkg/sentry/kmem"
	"gvisor.dev/vmcore/pkg/sentry/pagetables"
	"gvisor.dev/vmcore/pkg/sentry/pgalloc"
	"gvisor.dev/vmcore/pkg/sentry/swap"
)

var (
	cowCopies     = metric.MustCreateNewUint64Metric("/mm/cow_copies", "Number of copy-on-write faults that copied a page.")
	cowUpgrades   = metric.MustCreateNewUint64Metric("/mm/cow_upgrades", "Number of copy-on-write faults resolved by making the sole mapping writable.")
	delayedAllocs = metric.MustCreateNewUint64Metric("/mm/delayed_allocs", "Number of pages allocated on first access.")
)

// HandlerKind is the backing policy of a region.
type HandlerKind int

const (
	// Direct maps virtual pages to a fixed physical range. The frames are
	// not owned by the region.
	Direct HandlerKind = iota

	// Eager allocates a private frame for every page when the region is
	// mapped.
	Eager

	// SwapBacked allocates frames on first access if requested, and lets
	// them be evicted to the swap store.
	SwapBacked

	// CopyOnWrite shares frames between address spaces across fork until
	// one side writes.
	CopyOnWrite
)

// String implements fmt.Stringer.String.
func (k HandlerKind) String() string {
	switch k {
	case Direct:
		return "direct"
	case Eager:
		return "eager"
	case SwapBacked:
		return "swap"
	case CopyOnWrite:
		return "cow"
	default:
		return fmt.Sprintf("HandlerKind(%d)", int(k))
	}
}

// Handler is the backing policy of a region: how its pages are mapped,
// unmapped, faulted in and cloned into a child at fork.
type Handler struct {
	kind HandlerKind
	attr pagetables.Attr

	// start and phys are the virtual and physical bases of a Direct region.
	start hostarch.Addr
	phys  pgalloc.PhysAddr

	// delayed are the pages of a SwapBacked region that get a frame on
	// first access instead of when mapped. It is immutable.
	delayed map[hostarch.Addr]struct{}
}

// NewDirectHandler returns a Handler mapping virtual address start to
// physical address phys.
func NewDirectHandler(start hostarch.Addr, phys pgalloc.PhysAddr, attr pagetables.Attr) Handler {
	return Handler{kind: Direct, attr: attr, start: start, phys: phys}
}

// NewEagerHandler returns a Handler that backs every page when mapped.
func NewEagerHandler(attr pagetables.Attr) Handler {
	return Handler{kind: Eager, attr: attr}
}

// NewSwapBackedHandler returns a swappable Handler. Pages listed in delayed
// get a frame on first access.
func NewSwapBackedHandler(attr pagetables.Attr, delayed []hostarch.Addr) Handler {
	h := Handler{kind: SwapBacked, attr: attr, delayed: make(map[hostarch.Addr]struct{}, len(delayed))}
	for _, addr := range delayed {
		h.delayed[addr.RoundDown()] = struct{}{}
	}
	return h
}

// NewCOWHandler returns a copy-on-write Handler.
func NewCOWHandler(attr pagetables.Attr) Handler {
	return Handler{kind: CopyOnWrite, attr: attr}
}

// Kind returns the policy of h.
func (h *Handler) Kind() HandlerKind {
	return h.kind
}

// Attr returns the attribute h applies to entries.
func (h *Handler) Attr() pagetables.Attr {
	return h.attr
}

// IsDelayed returns true if page is allocated on first access.
func (h *Handler) IsDelayed(page hostarch.Addr) bool {
	_, ok := h.delayed[page]
	return ok
}

// forked returns the handler of the child's copy of a region. A forked
// SwapBacked region allocates every page at fork, so it has no delayed
// pages.
func (h *Handler) forked() Handler {
	c := *h
	c.delayed = nil
	return c
}

// writable returns whether mappings of the region would be writable absent
// copy-on-write protection.
func (h *Handler) writable() bool {
	return !h.attr.ReadOnly
}

// check returns an error wrapping unix.EINVAL if h cannot back ar.
//
// SwapBacked and CopyOnWrite pages must stay present while they hold a frame,
// so those regions cannot be hidden.
func (h *Handler) check(k *kmem.Context, ar hostarch.AddrRange) error {
	switch h.kind {
	case Direct:
		if uint64(h.phys)&hostarch.PageMask != 0 || !h.start.IsPageAligned() {
			return fmt.Errorf("direct bases %v -> %v not page aligned: %w", h.start, h.phys, unix.EINVAL)
		}
		if ar.Start < h.start {
			return fmt.Errorf("direct region %v starts below its base %v: %w", ar, h.start, unix.EINVAL)
		}
		lo := h.phys + pgalloc.PhysAddr(ar.Start-h.start)
		hi := lo + pgalloc.PhysAddr(ar.Length())
		end := pgalloc.Frame(k.Memory().Frames()).Addr(k.Offset())
		if lo < k.Offset() || hi > end || hi < lo {
			return fmt.Errorf("direct region %v maps [%v, %v) outside physical memory [%v, %v): %w", ar, lo, hi, k.Offset(), end, unix.EINVAL)
		}
	case SwapBacked, CopyOnWrite:
		if h.attr.Hide {
			return fmt.Errorf("%v region %v cannot be hidden: %w", h.kind, ar, unix.EINVAL)
		}
	}
	return nil
}

// mapPage installs the entry for page.
//
// Preconditions: No kmem lock is held.
func (h *Handler) mapPage(k *kmem.Context, pt *pagetables.PageTable, page hostarch.Addr) {
	switch h.kind {
	case Direct:
		target := pgalloc.PhysAddr(page-h.start) + h.phys
		pt.MapWith(page, target, h.attr.Apply)

	case Eager:
		f := allocZeroed(k)
		pt.MapWith(page, f.Addr(k.Offset()), h.attr.Apply)

	case SwapBacked:
		if h.IsDelayed(page) {
			log.Debugf("token %d: delay allocation of %v", pt.Token(), page)
			pt.MapWith(page, 0, func(e *pagetables.Entry) {
				h.attr.Apply(e)
				e.Present = false
			})
			return
		}
		f := allocZeroed(k)
		k.WithSwap(func(x *swap.Ext) {
			pt.MapWith(page, f.Addr(k.Offset()), h.attr.Apply)
			x.SetSwappable(pt, page)
		})

	case CopyOnWrite:
		f := allocZeroed(k)
		k.WithCOW(func(x *cow.Ext) {
			pt.MapWith(page, f.Addr(k.Offset()), func(e *pagetables.Entry) {
				h.attr.Apply(e)
				e.Shared = true
			})
			x.MapToShared(f, h.writable())
		})

	default:
		panic(fmt.Sprintf("unknown handler kind %v", h.kind))
	}
}

// unmapPage removes the entry for page and releases what it owned.
//
// Preconditions: No kmem lock is held.
func (h *Handler) unmapPage(k *kmem.Context, pt *pagetables.PageTable, page hostarch.Addr) {
	switch h.kind {
	case Direct:
		forceUnmap(pt, page)

	case Eager:
		e := forceUnmap(pt, page)
		k.DeallocFrame(k.FrameOf(e.Target))

	case SwapBacked:
		h.unmapSwapBacked(k, pt, page)

	case CopyOnWrite:
		e := forceUnmap(pt, page)
		f := k.FrameOf(e.Target)
		var free bool
		k.WithCOW(func(x *cow.Ext) {
			free = x.UnmapShared(f, h.writable())
		})
		if free {
			k.DeallocFrame(f)
		}

	default:
		panic(fmt.Sprintf("unknown handler kind %v", h.kind))
	}
}

// unmapSwapBacked removes a SwapBacked page. A page that was swapped out is
// swapped back in first so that its swap slot is released.
func (h *Handler) unmapSwapBacked(k *kmem.Context, pt *pagetables.PageTable, page hostarch.Addr) {
	for {
		var (
			tracked bool
			swapped bool
		)
		k.WithSwap(func(x *swap.Ext) {
			e := mustLookup(pt, page)
			switch {
			case e.Swapped:
				swapped = true
			case e.Present:
				x.RemoveFromSwappable(pt, page)
				tracked = true
			}
		})
		if swapped {
			f := k.AllocFrame()
			k.WithSwap(func(x *swap.Ext) {
				if err := x.SwapIn(pt, page, f); err != nil {
					panic(fmt.Sprintf("token %d: swap in of %v for unmap: %v", pt.Token(), page, err))
				}
			})
			continue
		}

		// The page is no longer swappable, so nothing else changes the entry.
		e := forceUnmap(pt, page)
		if tracked {
			k.DeallocFrame(k.FrameOf(e.Target))
		}
		return
	}
}

// pageFault tries to resolve an access of type at to page.
//
// Preconditions: No kmem lock is held.
func (h *Handler) pageFault(k *kmem.Context, pt *pagetables.PageTable, page hostarch.Addr, at hostarch.AccessType) bool {
	switch h.kind {
	case Direct, Eager:
		return false
	case SwapBacked:
		return h.swapBackedFault(k, pt, page)
	case CopyOnWrite:
		return h.cowFault(k, pt, page, at)
	default:
		panic(fmt.Sprintf("unknown handler kind %v", h.kind))
	}
}

func (h *Handler) swapBackedFault(k *kmem.Context, pt *pagetables.PageTable, page hostarch.Addr) bool {
	e, ok := pt.Lookup(page)
	if !ok {
		return false
	}

	if h.IsDelayed(page) && !e.Present && !e.Swapped {
		f := allocZeroed(k)
		var installed bool
		k.WithSwap(func(x *swap.Ext) {
			pt.Update(page, func(e *pagetables.Entry) {
				if e.Present || e.Swapped {
					return
				}
				e.Target = f.Addr(k.Offset())
				e.Present = true
				installed = true
			})
			if installed {
				x.SetSwappable(pt, page)
			}
		})
		if !installed {
			k.DeallocFrame(f)
			return true
		}
		delayedAllocs.Increment()
		log.Debugf("token %d: allocated delayed %v at %v", pt.Token(), page, f)
		return true
	}

	if !e.Swapped || e.Present {
		return false
	}
	f := k.AllocFrame()
	var done bool
	k.WithSwap(func(x *swap.Ext) {
		if cur := mustLookup(pt, page); !cur.Swapped {
			return
		}
		if err := x.SwapIn(pt, page, f); err != nil {
			panic(fmt.Sprintf("token %d: swap in of %v: %v", pt.Token(), page, err))
		}
		done = true
	})
	if !done {
		k.DeallocFrame(f)
	}
	return true
}

func (h *Handler) cowFault(k *kmem.Context, pt *pagetables.PageTable, page hostarch.Addr, at hostarch.AccessType) bool {
	if h.attr.ReadOnly || !at.Write {
		return false
	}
	e, ok := pt.Lookup(page)
	if !ok || !e.Present || !e.Shared || e.Writable {
		return false
	}
	old := k.FrameOf(e.Target)

	// Decide under the lock, and take the copy before giving up this
	// mapping's reference: once it is released, a remaining sole owner may
	// write the frame in place.
	var (
		sole bool
		data []byte
	)
	k.WithCOW(func(x *cow.Ext) {
		if x.IsOneShared(old) {
			sole = true
			return
		}
		data = append([]byte(nil), k.Memory().Page(old)...)
		if x.UnmapShared(old, true) {
			panic(fmt.Sprintf("token %d: %v released its last reference while shared", pt.Token(), old))
		}
	})
	if sole {
		pt.Update(page, func(e *pagetables.Entry) { e.Writable = true })
		cowUpgrades.Increment()
		log.Debugf("token %d: %v is the sole mapping of %v, made writable", pt.Token(), page, old)
		return true
	}

	f := k.AllocFrame()
	copy(k.Memory().Page(f), data)
	k.WithCOW(func(x *cow.Ext) {
		pt.Update(page, func(e *pagetables.Entry) {
			e.Target = f.Addr(k.Offset())
			e.Writable = true
		})
		x.MapToShared(f, h.writable())
	})
	cowCopies.Increment()
	log.Debugf("token %d: copied %v from %v to %v", pt.Token(), page, old, f)
	return true
}

// clonePage installs page of src into dst for the child at fork.
//
// Preconditions: No kmem lock is held. dst is not loaded.
func (h *Handler) clonePage(k *kmem.Context, src, dst *pagetables.PageTable, page hostarch.Addr) {
	switch h.kind {
	case Direct:
		// Same physical target: there is no content to copy.
		h.mapPage(k, dst, page)

	case Eager:
		e := mustLookup(src, page)
		f := k.AllocFrame()
		k.Memory().Copy(f, k.FrameOf(e.Target))
		dst.MapWith(page, f.Addr(k.Offset()), h.attr.Apply)

	case SwapBacked:
		f := k.AllocFrame()
		buf := k.Memory().Page(f)
		k.WithSwap(func(x *swap.Ext) {
			e := mustLookup(src, page)
			switch {
			case e.Present:
				copy(buf, k.Page(e.Target))
			case e.Swapped:
				if err := x.ReadSwapped(src, page, buf); err != nil {
					panic(fmt.Sprintf("token %d: fork of swapped %v: %v", src.Token(), page, err))
				}
			default:
				clear(buf)
			}
			dst.MapWith(page, f.Addr(k.Offset()), h.attr.Apply)
			x.SetSwappable(dst, page)
		})

	case CopyOnWrite:
		k.WithCOW(func(x *cow.Ext) {
			var e pagetables.Entry
			src.Update(page, func(pe *pagetables.Entry) {
				pe.Writable = false
				e = *pe
			})
			dst.MapWith(page, e.Target, func(ce *pagetables.Entry) {
				h.attr.Apply(ce)
				ce.Writable = false
				ce.Shared = true
			})
			x.MapToShared(k.FrameOf(e.Target), h.writable())
		})

	default:
		panic(fmt.Sprintf("unknown handler kind %v", h.kind))
	}
}

func allocZeroed(k *kmem.Context) pgalloc.Frame {
	f := k.AllocFrame()
	k.Memory().Zero(f)
	return f
}

func mustLookup(pt *pagetables.PageTable, page hostarch.Addr) pagetables.Entry {
	e, ok := pt.Lookup(page)
	if !ok {
		panic(fmt.Sprintf("token %d: no entry for %v", pt.Token(), page))
	}
	return e
}

// forceUnmap removes the entry for page whether or not it is present.
func forceUnmap(pt *pagetables.PageTable, page hostarch.Addr) pagetables.Entry {
	if !pt.Update(page, func(e *pagetables.Entry) { e.Present = true }) {
		panic(fmt.Sprintf("token %d: unmap of unmapped %v", pt.Token(), page))
	}
	return pt.Unmap(page)
}
