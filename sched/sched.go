// Package sched implements the preemptive round-robin scheduler (spec
// §4.3 "Scheduler & BKL", §5). Because the whole kernel runs under one
// big lock, a single shared ready queue is sufficient -- no per-CPU run
// queue can race with another CPU's, since only the BKL holder ever
// touches one.
//
// Grounded on original_source's kernel/task.c scheduling loop and
// riscv32/mp.c CPU bring-up, restyled in the teacher's small-struct,
// explicit-mutex idiom (mem.Physmem_t, vm.Vm_t).
package sched

import (
	"sync"

	"defs"
	"task"
)

// Scheduler holds the single ready queue and each CPU's currently running
// task (spec §8 invariant: a task is never simultaneously queued and
// recorded as some CPU's running task).
type Scheduler struct {
	mu      sync.Mutex
	tm      *task.Manager
	ready   []defs.TID
	running []defs.TID // indexed by cpu id; defs.Deny means idle
}

// NewScheduler creates a scheduler with numCPUs initially idle CPUs.
func NewScheduler(tm *task.Manager, numCPUs int) *Scheduler {
	running := make([]defs.TID, numCPUs)
	for i := range running {
		running[i] = defs.Deny
	}
	return &Scheduler{tm: tm, running: running}
}

// Enqueue places tid at the back of the ready queue and marks it Ready.
// It is the caller's responsibility to ensure tid is not already queued
// or running (task.Task's own state is the source of truth).
func (s *Scheduler) Enqueue(tid defs.TID) {
	t, ok := s.tm.Lookup(tid)
	if !ok {
		return
	}
	t.SetReady()

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, q := range s.ready {
		if q == tid {
			return
		}
	}
	s.ready = append(s.ready, tid)
}

// dequeueLocked pops the front of the ready queue, skipping any entry
// whose task has since left the Ready state (e.g. it blocked before its
// turn came up, or was destroyed).
func (s *Scheduler) dequeueLocked() (defs.TID, bool) {
	for len(s.ready) > 0 {
		tid := s.ready[0]
		s.ready = s.ready[1:]
		t, ok := s.tm.Lookup(tid)
		if !ok {
			continue
		}
		if state, _ := t.Snapshot(); state != task.StateReady {
			continue
		}
		return tid, true
	}
	return defs.Deny, false
}

// Switch selects cpu's next task: if cpu's currently running task is
// still runnable and has quantum left, it keeps running; otherwise it is
// re-enqueued (if still Ready-eligible) and the next ready task, if any,
// takes over. Switch returns the task cpu should now run, or false if no
// task is runnable (the idle case).
func (s *Scheduler) Switch(cpu int) (defs.TID, bool) {
	s.mu.Lock()
	cur := s.running[cpu]
	s.mu.Unlock()

	if cur != defs.Deny {
		if t, ok := s.tm.Lookup(cur); ok {
			if state, quantum := t.Snapshot(); state == task.StateRunning && quantum > 0 {
				return cur, true
			}
			if state, _ := t.Snapshot(); state == task.StateRunning {
				t.RefillQuantum()
				s.Enqueue(cur)
			}
		}
	}

	s.mu.Lock()
	next, ok := s.dequeueLocked()
	if !ok {
		s.running[cpu] = defs.Deny
		s.mu.Unlock()
		return defs.Deny, false
	}
	s.running[cpu] = next
	s.mu.Unlock()

	if t, ok := s.tm.Lookup(next); ok {
		t.SetRunning()
	}
	return next, true
}

// Tick accounts one timer tick against cpu's running task, returning true
// if that task's quantum just ran out and a reschedule is due.
func (s *Scheduler) Tick(cpu int) bool {
	s.mu.Lock()
	cur := s.running[cpu]
	s.mu.Unlock()
	if cur == defs.Deny {
		return false
	}
	t, ok := s.tm.Lookup(cur)
	if !ok {
		return false
	}
	return t.Tick()
}

// NumCPUs reports how many CPUs this scheduler manages.
func (s *Scheduler) NumCPUs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running)
}

// Running returns the task currently running on cpu, if any.
func (s *Scheduler) Running(cpu int) (defs.TID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tid := s.running[cpu]
	return tid, tid != defs.Deny
}

// Block removes tid from consideration for scheduling and clears it from
// whichever CPU was running it; the task itself is already marked Blocked
// by the ipc layer before calling Block.
func (s *Scheduler) Block(tid defs.TID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for cpu, r := range s.running {
		if r == tid {
			s.running[cpu] = defs.Deny
		}
	}
}
