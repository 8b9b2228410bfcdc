// Package mem implements the kernel's zone-based physical frame allocator
// (spec §4.1). It tracks, per physical page, a reference count and an
// owning task; frames are grouped into contiguous zones (Free RAM or MMIO)
// exactly as laid out in spec §3.
//
// Grounded on the teacher's mem.Physmem_t (zone/free-list allocator,
// Refcnt/Refup/Refdown, Dmap direct-mapping) and on original_source's
// kernel/memory.c for exact alloc/free/vm_map-support semantics.
package mem

import (
	"sync"

	"defs"
	"util"
)

// PAddr is a physical address. Values are offsets into a simulated
// physical-memory arena rather than real hardware addresses, but are
// otherwise ordinary integers: contiguous allocations compare in strictly
// increasing order, as spec §4.1 invariant (b) requires.
type PAddr uintptr

// ZoneType distinguishes ordinary RAM from memory-mapped device registers.
type ZoneType int

const (
	ZoneFreeRAM ZoneType = iota
	ZoneMMIO
)

// Frame describes one physical page (spec §3 "Page frame").
type Frame struct {
	RefCount int32
	Owner    defs.TID
	hasOwner bool

	// next links this frame into its owner's intrusive page list (the
	// owner's list head is tracked in Manager.ownerHead). A sentinel of
	// noNext marks the final element.
	next PAddr
}

const noNext PAddr = ^PAddr(0)

// zone is a contiguous run of frames with a single backing byte arena used
// to give allocations real, zeroable, readable/writable storage (mirrors
// the teacher's Dmap: a direct map from a physical address to its bytes).
type zone struct {
	kind     ZoneType
	base     PAddr
	numPages int
	frames   []Frame
	backing  []byte
}

func (z *zone) contains(p PAddr) bool {
	return p >= z.base && p < z.base+PAddr(z.numPages*limitsPageSize)
}

func (z *zone) index(p PAddr) int {
	return int((p - z.base) / limitsPageSize)
}

// limitsPageSize is mem's own copy of the page size (mem does not import
// the limits package); it must stay equal to limits.PageSize.
const limitsPageSize = 4096

// Manager owns every zone and the intrusive per-owner page lists. One
// Manager exists kernel-wide (boot creates it with NewManager), mirroring the teacher's single
// global Physmem variable.
type Manager struct {
	mu    sync.Mutex
	zones []*zone

	// ownerHead maps an owning task id to the head of its intrusive page
	// list (noNext if the owner has no pages), the Go analogue of the
	// teacher's per-owner linked Physpg_t.next chain.
	ownerHead map[defs.TID]PAddr
}

// NewManager creates an empty physical memory manager. Zones are added
// with AddZone, mirroring memory_init's two passes over the boot memory
// map (free RAM, then MMIO).
func NewManager() *Manager {
	return &Manager{ownerHead: make(map[defs.TID]PAddr)}
}

// AddZone registers a contiguous region of physical memory as either free
// RAM or MMIO, starting at base and spanning numPages pages.
func (m *Manager) AddZone(kind ZoneType, base PAddr, numPages int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	z := &zone{
		kind:     kind,
		base:     base,
		numPages: numPages,
		frames:   make([]Frame, numPages),
		backing:  make([]byte, numPages*limitsPageSize),
	}
	for i := range z.frames {
		z.frames[i].next = noNext
	}
	m.zones = append(m.zones, z)
}

func (m *Manager) findLocked(p PAddr) (*zone, *Frame, bool) {
	for _, z := range m.zones {
		if z.contains(p) {
			return z, &z.frames[z.index(p)], true
		}
	}
	return nil, nil, false
}

// linkLocked pushes addr onto the front of owner's intrusive page list.
func (m *Manager) linkLocked(owner defs.TID, f *Frame, addr PAddr) {
	head, ok := m.ownerHead[owner]
	if !ok {
		head = noNext
	}
	f.next = head
	m.ownerHead[owner] = addr
}

// unlinkLocked removes addr from owner's intrusive page list. Page lists
// are short (bounded by how much memory one task owns) so a linear scan is
// sufficient, matching the teacher's singly-linked list_remove cost.
func (m *Manager) unlinkLocked(owner defs.TID, addr PAddr) {
	head, ok := m.ownerHead[owner]
	if !ok {
		return
	}
	_, f, found := m.findLocked(addr)
	if !found {
		return
	}
	if head == addr {
		m.ownerHead[owner] = f.next
		return
	}
	cur := head
	for cur != noNext {
		_, cf, _ := m.findLocked(cur)
		if cf.next == addr {
			cf.next = f.next
			return
		}
		cur = cf.next
	}
}

// Alloc reserves size bytes (rounded up to PageSize) of contiguous frames
// from a Free RAM zone, recording owner as the allocation's owner when
// hasOwner is true (a nil/kernel owner otherwise). Flags select zeroing
// and/or size-aligned placement. MMIO zones are never used for Alloc.
func (m *Manager) Alloc(size int, owner defs.TID, hasOwner bool, flags defs.PMFlags) (PAddr, defs.Err_t) {
	alignedSize := util.Roundup(size, limitsPageSize)
	numPages := alignedSize / limitsPageSize

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, z := range m.zones {
		if z.kind != ZoneFreeRAM {
			continue
		}
		for start := 0; start+numPages <= z.numPages; start++ {
			paddr := z.base + PAddr(start*limitsPageSize)
			if flags&defs.PMAligned != 0 && paddr%PAddr(alignedSize) != 0 {
				continue
			}
			if !contiguouslyFree(z, start, numPages) {
				continue
			}
			for i := 0; i < numPages; i++ {
				f := &z.frames[start+i]
				f.RefCount = 1
				f.Owner = owner
				f.hasOwner = hasOwner
				addr := z.base + PAddr((start+i)*limitsPageSize)
				if hasOwner {
					m.linkLocked(owner, f, addr)
				}
			}
			if flags&defs.PMZeroed != 0 {
				off := start * limitsPageSize
				clear(z.backing[off : off+alignedSize])
			}
			return paddr, defs.OK
		}
	}
	return 0, defs.ErrNoMemory
}

func contiguouslyFree(z *zone, start, numPages int) bool {
	for i := 0; i < numPages; i++ {
		if z.frames[start+i].RefCount != 0 {
			return false
		}
	}
	return true
}

// freeOneLocked decrements one frame's reference count, asserting it was
// positive (spec §4.1 invariant (c)), and unlinks it from its owner's page
// list once the count reaches zero.
func (m *Manager) freeOneLocked(p PAddr) {
	z, f, ok := m.findLocked(p)
	if !ok {
		panic("mem: free of unknown paddr")
	}
	if f.RefCount <= 0 {
		panic("mem: double free (ref_count not positive)")
	}
	f.RefCount--
	if f.RefCount == 0 && f.hasOwner {
		m.unlinkLocked(f.Owner, p)
		f.hasOwner = false
	}
	_ = z
}

// Free releases a contiguous region previously returned by Alloc.
func (m *Manager) Free(paddr PAddr, size int) {
	alignedSize := util.Roundup(size, limitsPageSize)
	m.mu.Lock()
	defer m.mu.Unlock()
	for off := 0; off < alignedSize; off += limitsPageSize {
		m.freeOneLocked(paddr + PAddr(off))
	}
}

// FreeOneRef decrements a single frame's ref count by one, without
// requiring size/PageSize alignment bookkeeping -- used by vm_unmap, which
// releases exactly the extra reference vm_map took out.
func (m *Manager) FreeOneRef(paddr PAddr) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.freeOneLocked(paddr)
}

// FreeByList frees every frame currently owned by owner (the "owned_pages"
// list in spec §4.1's free_by_list), used when a task is destroyed.
func (m *Manager) FreeByList(owner defs.TID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	head, ok := m.ownerHead[owner]
	if !ok {
		return
	}
	for cur := head; cur != noNext; {
		_, f, found := m.findLocked(cur)
		if !found {
			break
		}
		next := f.next
		if f.RefCount <= 0 {
			panic("mem: owned frame with non-positive ref_count")
		}
		f.RefCount = 0
		f.hasOwner = false
		cur = next
	}
	delete(m.ownerHead, owner)
}

// SetOwner records owner as the owning task of an already-allocated frame
// that had no owner at allocation time (the narrow case spec §4.1 names:
// a frame allocated before its future owner existed).
func (m *Manager) SetOwner(paddr PAddr, owner defs.TID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, f, ok := m.findLocked(paddr)
	if !ok {
		panic("mem: set_owner of unknown paddr")
	}
	if f.hasOwner {
		panic("mem: set_owner of already-owned frame")
	}
	f.Owner = owner
	f.hasOwner = true
	m.linkLocked(owner, f, paddr)
}

// RefCount returns a frame's current reference count (0 = free).
func (m *Manager) RefCount(paddr PAddr) int32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, f, ok := m.findLocked(paddr)
	if !ok {
		return 0
	}
	return f.RefCount
}

// Owner returns the owning task of an allocated frame, if any.
func (m *Manager) Owner(paddr PAddr) (defs.TID, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, f, ok := m.findLocked(paddr)
	if !ok || !f.hasOwner {
		return 0, false
	}
	return f.Owner, true
}

// ZoneType reports which zone a physical address falls in.
func (m *Manager) ZoneType(paddr PAddr) (ZoneType, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	z, _, ok := m.findLocked(paddr)
	if !ok {
		return 0, false
	}
	return z.kind, true
}

// IncRef bumps a frame's reference count by one without touching its owner
// list membership -- used by vm_map for a Free RAM frame that is already
// linked into its owner's list.
func (m *Manager) IncRef(paddr PAddr) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, f, ok := m.findLocked(paddr)
	if !ok {
		panic("mem: incref of unknown paddr")
	}
	f.RefCount++
}

// ClaimMMIO assigns owner as the first mapper of an unmapped MMIO frame,
// setting its reference count to 1 and linking it into owner's page list.
// It fails if the frame is already mapped (ref_count > 0), matching the
// "at most one task at a time" MMIO invariant in spec §3.
func (m *Manager) ClaimMMIO(paddr PAddr, owner defs.TID) defs.Err_t {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, f, ok := m.findLocked(paddr)
	if !ok {
		return defs.ErrInvalidPaddr
	}
	if f.RefCount > 0 {
		return defs.ErrInvalidPaddr
	}
	f.RefCount = 1
	f.Owner = owner
	f.hasOwner = true
	m.linkLocked(owner, f, paddr)
	return defs.OK
}

// Bytes returns a page-sized slice of the physical memory backing paddr's
// page, rounding paddr down to its page boundary (the simulated analogue
// of the teacher's Dmap direct map).
func (m *Manager) Bytes(paddr PAddr) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	page := util.Rounddown(paddr, PAddr(limitsPageSize))
	z, _, ok := m.findLocked(page)
	if !ok {
		panic("mem: Bytes of unmapped paddr")
	}
	off := int(page - z.base)
	return z.backing[off : off+limitsPageSize]
}
