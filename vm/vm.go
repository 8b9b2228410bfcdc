// Package vm implements a task's virtual address space: a two-level page
// table over user-mappable addresses (spec §4.2), plus the user-memory
// copy helpers the IPC and syscall dispatch layers need to move bytes
// across the kernel/user boundary.
//
// Grounded on the teacher's vm.Vm_t (two-level walk, Userdmap8_inner /
// Userstr / Userreadn / Userwriten for crossing page boundaries a byte
// range at a time) and on original_source's kernel/memory.c and
// riscv32/vm.c for vm_map/vm_unmap semantics.
package vm

import (
	"sync"

	"defs"
	"limits"
	"mem"
	"util"
)

// Addr is a user-space virtual address.
type Addr uintptr

const (
	ptEntries   = 1024
	outerShift  = 22
	innerShift  = 12
	innerMask   = ptEntries - 1
)

func outerIndex(va Addr) uint32 { return uint32(va) >> outerShift }
func innerIndex(va Addr) uint32 { return (uint32(va) >> innerShift) & innerMask }
func pageBase(va Addr) Addr     { return Addr(util.Rounddown(uintptr(va), uintptr(limits.PageSize))) }

type pte struct {
	paddr mem.PAddr
	attrs defs.PageAttrs
}

// AddressSpace is one task's page table: a two-level map from virtual page
// number to physical frame and permission bits.
type AddressSpace struct {
	mu    sync.Mutex
	Owner defs.TID
	outer map[uint32]map[uint32]*pte
}

// NewAddressSpace creates an empty address space for owner.
func NewAddressSpace(owner defs.TID) *AddressSpace {
	return &AddressSpace{Owner: owner, outer: make(map[uint32]map[uint32]*pte)}
}

// OwnerQuery answers "who is this task's pager", letting vm decide
// mapping authorization without importing the task package (which would
// create an import cycle: task needs address spaces, vm would need tasks).
type OwnerQuery interface {
	PagerOf(tid defs.TID) (defs.TID, bool)
}

// Authorized reports whether caller may vm_map/vm_unmap into target's
// address space: only target itself or target's pager may (spec §4.2,
// §6 vm_map).
func Authorized(caller, target defs.TID, owners OwnerQuery) bool {
	if caller == target {
		return true
	}
	pager, ok := owners.PagerOf(target)
	return ok && pager == caller
}

// Shootdown fans a TLB invalidation out to every CPU that might be running
// the affected task (spec §4.6, §5). Unmap and Destroy call it for each
// mapping they remove; Map takes no Shootdown and issues no flush when it
// installs a mapping. It is injected so vm never depends on arch directly.
type Shootdown interface {
	Flush(owner defs.TID, va Addr)
}

func addrValid(va Addr) bool {
	return va != 0 && uintptr(va) < limits.KernelBase && util.IsAligned(uintptr(va), uintptr(limits.PageSize))
}

// Map installs a mapping from va to paddr with the given permission
// attributes. mapper is the frame's allocator/claimant: for a Free RAM
// frame it must already hold a reference (Map takes one more); for an
// MMIO frame, the first Map call makes mapper its exclusive owner.
func (as *AddressSpace) Map(mm *mem.Manager, va Addr, paddr mem.PAddr, attrs defs.PageAttrs, mapper defs.TID) defs.Err_t {
	if !addrValid(va) {
		return defs.ErrInvalidUaddr
	}
	kind, ok := mm.ZoneType(paddr)
	if !ok {
		return defs.ErrInvalidPaddr
	}

	as.mu.Lock()
	defer as.mu.Unlock()

	if as.lookupLocked(va) != nil {
		return defs.ErrAlreadyUsed
	}

	switch kind {
	case mem.ZoneMMIO:
		if err := mm.ClaimMMIO(paddr, mapper); err != defs.OK {
			return err
		}
	case mem.ZoneFreeRAM:
		mm.IncRef(paddr)
	}

	oi, ii := outerIndex(va), innerIndex(va)
	inner, ok := as.outer[oi]
	if !ok {
		inner = make(map[uint32]*pte)
		as.outer[oi] = inner
	}
	inner[ii] = &pte{paddr: paddr, attrs: attrs}
	return defs.OK
}

// Unmap removes the mapping at va, releasing the reference Map took out
// and notifying shootdown so no CPU keeps a stale translation cached.
func (as *AddressSpace) Unmap(mm *mem.Manager, va Addr, sd Shootdown) defs.Err_t {
	if !addrValid(va) {
		return defs.ErrInvalidUaddr
	}

	as.mu.Lock()
	p := as.lookupLocked(va)
	if p == nil {
		as.mu.Unlock()
		return defs.ErrNotFound
	}
	paddr := p.paddr
	delete(as.outer[outerIndex(va)], innerIndex(va))
	if len(as.outer[outerIndex(va)]) == 0 {
		delete(as.outer, outerIndex(va))
	}
	owner := as.Owner
	as.mu.Unlock()

	mm.FreeOneRef(paddr)
	if sd != nil {
		sd.Flush(owner, va)
	}
	return defs.OK
}

func (as *AddressSpace) lookupLocked(va Addr) *pte {
	inner, ok := as.outer[outerIndex(va)]
	if !ok {
		return nil
	}
	return inner[innerIndex(va)]
}

// IsMapped reports the physical frame and attributes mapped at va, if any.
func (as *AddressSpace) IsMapped(va Addr) (mem.PAddr, defs.PageAttrs, bool) {
	as.mu.Lock()
	defer as.mu.Unlock()
	p := as.lookupLocked(pageBase(va))
	if p == nil {
		return 0, 0, false
	}
	return p.paddr, p.attrs, true
}

// Destroy tears down every mapping in the address space, releasing each
// frame's reference (the vm half of task destruction; freeing frames the
// task itself owns is mem.Manager.FreeByList, a separate bookkeeping axis).
func (as *AddressSpace) Destroy(mm *mem.Manager, sd Shootdown) {
	as.mu.Lock()
	type entry struct {
		va    Addr
		paddr mem.PAddr
	}
	var entries []entry
	for oi, inner := range as.outer {
		for ii, p := range inner {
			va := Addr(oi<<outerShift | ii<<innerShift)
			entries = append(entries, entry{va: va, paddr: p.paddr})
		}
	}
	as.outer = make(map[uint32]map[uint32]*pte)
	owner := as.Owner
	as.mu.Unlock()

	for _, e := range entries {
		mm.FreeOneRef(e.paddr)
		if sd != nil {
			sd.Flush(owner, e.va)
		}
	}
}

// translate resolves va (any offset, not necessarily page-aligned) to the
// physical byte slice backing its containing page and the offset within
// it, checking want against the page's recorded attributes.
func (as *AddressSpace) translate(mm *mem.Manager, va Addr, want defs.PageAttrs) ([]byte, int, defs.Err_t) {
	base := pageBase(va)
	as.mu.Lock()
	p := as.lookupLocked(base)
	as.mu.Unlock()
	if p == nil {
		return nil, 0, defs.ErrInvalidUaddr
	}
	if p.attrs&want != want {
		return nil, 0, defs.ErrInvalidUaddr
	}
	off := int(uintptr(va) - uintptr(base))
	return mm.Bytes(p.paddr), off, defs.OK
}

// CopyIn reads len(dst) bytes starting at the user address va into dst,
// crossing page boundaries one page at a time (the teacher's
// Userdmap8_inner/Userreadn pattern), failing if any page in the range is
// unmapped or not user-readable.
func (as *AddressSpace) CopyIn(mm *mem.Manager, va Addr, dst []byte) defs.Err_t {
	return as.copyCrossing(mm, va, dst, defs.PageReadable|defs.PageUser, true)
}

// CopyOut writes src into the user address va, requiring the destination
// range be mapped writable and user-accessible.
func (as *AddressSpace) CopyOut(mm *mem.Manager, va Addr, src []byte) defs.Err_t {
	return as.copyCrossing(mm, va, src, defs.PageWritable|defs.PageUser, false)
}

func (as *AddressSpace) copyCrossing(mm *mem.Manager, va Addr, buf []byte, want defs.PageAttrs, reading bool) defs.Err_t {
	remaining := buf
	cur := va
	for len(remaining) > 0 {
		page, off, err := as.translate(mm, cur, want)
		if err != defs.OK {
			return err
		}
		n := util.Min(len(remaining), limits.PageSize-off)
		if reading {
			copy(remaining[:n], page[off:off+n])
		} else {
			copy(page[off:off+n], remaining[:n])
		}
		remaining = remaining[n:]
		cur += Addr(n)
	}
	return defs.OK
}

// CopyInString reads a NUL-terminated string of at most max bytes starting
// at va, mirroring the teacher's Userstr.
func (as *AddressSpace) CopyInString(mm *mem.Manager, va Addr, max int) (string, defs.Err_t) {
	buf := make([]byte, 0, max)
	cur := va
	for i := 0; i < max; i++ {
		var b [1]byte
		if err := as.CopyIn(mm, cur, b[:]); err != defs.OK {
			return "", err
		}
		if b[0] == 0 {
			return string(buf), defs.OK
		}
		buf = append(buf, b[0])
		cur++
	}
	return "", defs.ErrTooLarge
}
