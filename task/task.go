// Package task implements the kernel's task table: task lifecycle
// (create/destroy/exit), each task's address space, and the small amount
// of state the scheduler needs (run state, remaining quantum) (spec §4.3,
// §3).
//
// The per-task sender queues and notification bits used by synchronous
// IPC live in package ipc, not here, so that task never imports ipc; ipc
// imports task and calls the Task methods SetReady, SetBlocked and
// SetBlockedRecv to move a task between Ready and Blocked.
//
// Grounded on original_source's kernel/task.c and task.h (the teacher's
// own proc/kernel packages carry no task-table logic of their own) and
// restyled after the teacher's Physmem_t-style single global manager with
// a mutex-protected slice of slots.
package task

import (
	"fmt"
	"sync"

	"defs"
	"limits"
	"mem"
	"vm"
)

// State is a task's scheduling state.
type State int

const (
	StateUnused State = iota
	StateReady
	StateRunning
	StateBlocked
)

func (s State) String() string {
	switch s {
	case StateUnused:
		return "unused"
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StateBlocked:
		return "blocked"
	default:
		return "invalid"
	}
}

// EntryKind distinguishes the two ways a task can be created (spec §12
// supplemented feature: a kernel-facing task creation interface that
// accepts either an ELF-style user entry point or an embedded hinavm
// instruction blob, modeled as a Go tagged union since Go has no union
// type).
type EntryKind int

const (
	EntryUser EntryKind = iota
	EntryHinaVM
)

// Entry describes how a newly created task begins executing.
type Entry struct {
	Kind EntryKind

	// Valid when Kind == EntryUser.
	UserPC uintptr
	UserSP uintptr

	// Valid when Kind == EntryHinaVM.
	HinaVMCode []byte
}

// Task is one entry in the task table.
type Task struct {
	mu sync.Mutex

	ID    defs.TID
	Name  string
	State State
	Pager defs.TID
	AS    *vm.AddressSpace
	Entry Entry

	// Quantum is the number of ticks remaining before the scheduler
	// preempts this task (spec §4.3 "Scheduler & BKL").
	Quantum int

	// WaitFor records which sender a Blocked-on-recv task is waiting for
	// (defs.Any for an open receive); meaningless otherwise.
	WaitFor defs.TID

	// Timeout is the remaining tick count armed by the time syscall (spec
	// §3 "remaining timeout", §4.6); zero means no timeout is armed.
	Timeout int

	// RefCount counts live tasks that name this task as their pager (spec
	// §8 invariant T.ref_count == |{U : U.pager == T}|); Destroy refuses
	// to tear this task down while it is nonzero.
	RefCount int

	exitCode defs.Err_t
	exited   bool
}

func (t *Task) snapshot() (State, defs.TID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.State, t.WaitFor
}

// BootstrapTID is task #1, the kernel's hand-picked initial pager;
// spec §4.3 forbids destroying it.
const BootstrapTID defs.TID = 1

// Manager owns the fixed-size task table (spec §3 "task table", capacity
// limits.NumTasksMax). Slot 0 is permanently reserved (defs.Deny /
// defs.FromKernel never name a live task).
type Manager struct {
	mu    sync.Mutex
	slots [limits.NumTasksMax + 1]*Task
	mm    *mem.Manager
}

// NewManager creates an empty task table backed by mm for address-space
// frame accounting.
func NewManager(mm *mem.Manager) *Manager {
	return &Manager{mm: mm}
}

// Create allocates the first free task id and initializes its address
// space and entry point. pager is the task that receives this task's
// page faults and fatal exceptions (spec §4.2/§4.4); FromKernel pagerless
// tasks are permitted for the bootstrap task.
func (m *Manager) Create(name string, pager defs.TID, entry Entry) (defs.TID, defs.Err_t) {
	m.mu.Lock()
	var id defs.TID
	found := false
	for i := 1; i <= limits.NumTasksMax; i++ {
		if m.slots[i] != nil {
			continue
		}
		id = defs.TID(i)
		m.slots[i] = &Task{
			ID:      id,
			Name:    name,
			State:   StateReady,
			Pager:   pager,
			AS:      vm.NewAddressSpace(id),
			Entry:   entry,
			Quantum: limits.TaskQuantum,
			WaitFor: defs.Deny,
		}
		found = true
		break
	}
	m.mu.Unlock()
	if !found {
		return 0, defs.ErrTooManyTasks
	}

	if pagerTask, ok := m.Lookup(pager); ok {
		pagerTask.mu.Lock()
		pagerTask.RefCount++
		pagerTask.mu.Unlock()
	}
	return id, defs.OK
}

// Lookup returns the task with the given id, if it is live.
func (m *Manager) Lookup(tid defs.TID) (*Task, bool) {
	if tid < 1 || int(tid) > limits.NumTasksMax {
		return nil, false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.slots[tid]
	return t, t != nil
}

// PagerOf implements vm.OwnerQuery: it reports tid's pager, letting vm
// decide vm_map/vm_unmap authorization without importing this package.
func (m *Manager) PagerOf(tid defs.TID) (defs.TID, bool) {
	t, ok := m.Lookup(tid)
	if !ok {
		return 0, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.Pager, true
}

// Destroy tears a task down: releases its address space and every frame
// it owns, then frees its table slot. Only the task itself or its pager
// may destroy it (the same authorization vm.Authorized applies to
// mapping). The bootstrap task may never be destroyed, and a task that is
// still somebody's pager (RefCount > 0) must be refused (spec §4.3, §8).
// sd fans the resulting TLB invalidations out to running CPUs.
func (m *Manager) Destroy(sd vm.Shootdown, caller, target defs.TID) defs.Err_t {
	if target == BootstrapTID {
		return defs.ErrNotAllowed
	}
	t, ok := m.Lookup(target)
	if !ok {
		return defs.ErrInvalidTask
	}
	t.mu.Lock()
	pager := t.Pager
	refCount := t.RefCount
	t.mu.Unlock()
	if caller != target && caller != pager {
		return defs.ErrNotAllowed
	}
	if refCount > 0 {
		return defs.ErrStillUsed
	}

	t.mu.Lock()
	t.State = StateUnused
	as := t.AS
	t.mu.Unlock()

	as.Destroy(m.mm, sd)
	m.mm.FreeByList(target)

	m.mu.Lock()
	m.slots[target] = nil
	m.mu.Unlock()

	if pagerTask, ok := m.Lookup(pager); ok {
		pagerTask.mu.Lock()
		if pagerTask.RefCount > 0 {
			pagerTask.RefCount--
		}
		pagerTask.mu.Unlock()
	}
	return defs.OK
}

// Exit marks target as having voluntarily exited with code, transitioning
// it out of the scheduling rotation without yet reclaiming its slot; the
// caller (syscalls/boot orchestration) is responsible for notifying the
// task's pager with an ExpGraceExit exception and then calling Destroy,
// since composing and sending that message is an ipc concern this package
// does not import.
func (m *Manager) Exit(target defs.TID, code defs.Err_t) defs.Err_t {
	t, ok := m.Lookup(target)
	if !ok {
		return defs.ErrInvalidTask
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.exited = true
	t.exitCode = code
	t.State = StateBlocked
	t.WaitFor = defs.Deny
	return defs.OK
}

// SetReady and SetBlocked are the hooks ipc/sched use to move
// a task between Ready and Blocked without holding the Manager's lock
// across an IPC operation.
func (t *Task) SetReady() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.State = StateReady
	t.WaitFor = defs.Deny
}

// SetRunning marks t as the task currently executing; sched calls this
// once it has chosen t to run on a CPU.
func (t *Task) SetRunning() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.State = StateRunning
}

// SetBlockedRecv marks t blocked waiting to receive from waitFor
// (defs.Any for an open receive).
func (t *Task) SetBlockedRecv(waitFor defs.TID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.State = StateBlocked
	t.WaitFor = waitFor
}

// SetBlocked marks t blocked for a reason outside the recv-wait protocol
// (e.g. blocked trying to send into a full/busy target).
func (t *Task) SetBlocked() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.State = StateBlocked
	t.WaitFor = defs.Deny
}

// MatchesWait reports whether a blocked-on-recv task accepts a message
// arriving from src (spec §4.4: an open receive accepts any src; a
// directed receive accepts only the named src).
func (t *Task) MatchesWait(src defs.TID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.State != StateBlocked {
		return false
	}
	return t.WaitFor == defs.Any || t.WaitFor == src
}

// IsOpenRecv reports whether t is currently blocked in an open receive
// (waitFor == defs.Any): the only recv state a Notify may wake directly,
// since a directed receive is waiting for a specific sender's message,
// not a notification (spec §4.4.3).
func (t *Task) IsOpenRecv() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.State == StateBlocked && t.WaitFor == defs.Any
}

// Snapshot reads a task's scheduling-relevant fields under lock.
func (t *Task) Snapshot() (State, int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.State, t.Quantum
}

// RefillQuantum resets t's remaining timeslice to a full quantum.
func (t *Task) RefillQuantum() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Quantum = limits.TaskQuantum
}

// Tick consumes one timer tick of t's quantum, returning true once it has
// run out (the scheduler should preempt).
func (t *Task) Tick() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.Quantum > 0 {
		t.Quantum--
	}
	return t.Quantum == 0
}

// SetTimeout arms (or, with ticks == 0, cancels) t's remaining timeout,
// set by the time syscall (spec §4.6).
func (t *Task) SetTimeout(ticks int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Timeout = ticks
}

// TickTimeout consumes one timer tick of t's armed timeout, if any,
// returning true exactly once it reaches zero -- the caller should then
// deliver a NotifyTimer notification.
func (t *Task) TickTimeout() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.Timeout <= 0 {
		return false
	}
	t.Timeout--
	return t.Timeout == 0
}

// Live returns every live task's *Task, for subsystems (like intr's
// per-tick timeout scan) that need to act on live tasks directly rather
// than a value-type snapshot.
func (m *Manager) Live() []*Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Task
	for i := 1; i <= limits.NumTasksMax; i++ {
		if m.slots[i] != nil {
			out = append(out, m.slots[i])
		}
	}
	return out
}

// Info is a point-in-time debug snapshot of one task, the supplemented
// task.Dump() feature (spec §12): production kernels expose exactly this
// sort of table for a "ps"-style debug command, which the distilled spec
// omitted but original_source's task table naturally supports.
type Info struct {
	ID      defs.TID
	Name    string
	State   State
	Pager   defs.TID
	Quantum int
}

// Dump returns a snapshot of every live task, ordered by id.
func (m *Manager) Dump() []Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Info
	for i := 1; i <= limits.NumTasksMax; i++ {
		t := m.slots[i]
		if t == nil {
			continue
		}
		t.mu.Lock()
		out = append(out, Info{ID: t.ID, Name: t.Name, State: t.State, Pager: t.Pager, Quantum: t.Quantum})
		t.mu.Unlock()
	}
	return out
}

// String renders an Info line the way boot-time diagnostics print it.
func (i Info) String() string {
	return fmt.Sprintf("task %2d %-16s state=%-8s pager=%d quantum=%d", i.ID, i.Name, i.State, i.Pager, i.Quantum)
}
