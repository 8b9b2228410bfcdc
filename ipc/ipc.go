// Package ipc implements synchronous send/recv/call message passing and
// non-queued notifications (spec §4.4). The whole kernel runs under one
// big lock, so Send and Recv are ordinary synchronous functions: a task
// that cannot complete its operation immediately is marked Blocked and
// handed back to the scheduler rather than parked inside a goroutine.
//
// Grounded on original_source's kernel/ipc.c (sender FIFO queues, the
// pending-notification bitfield, deadlock-cycle detection along the
// blocked-sender chain, and abort-on-destroy) restyled after the
// teacher's small-mutex-protected-struct idiom.
package ipc

import (
	"sync"

	"defs"
	"sched"
	"task"
)

type pendingSend struct {
	src defs.TID
	msg defs.Message
}

type mailbox struct {
	queue []pendingSend
}

// Manager owns every task's sender queue and pending-notification state.
type Manager struct {
	mu             sync.Mutex
	tm             *task.Manager
	sch            *sched.Scheduler
	mailboxes      map[defs.TID]*mailbox
	pending        map[defs.TID]defs.Notifications
	sendWaitingFor map[defs.TID]defs.TID   // src -> dst, set while src is blocked trying to send
	sendResult     map[defs.TID]defs.Err_t // src -> outcome of its parked send, consumed by TakeSendResult
	delivered      map[defs.TID]defs.Message
	deliveredSrc   map[defs.TID]defs.TID
}

// NewManager creates an IPC manager operating over tm's task table and
// sch's scheduler.
func NewManager(tm *task.Manager, sch *sched.Scheduler) *Manager {
	return &Manager{
		tm:             tm,
		sch:            sch,
		mailboxes:      make(map[defs.TID]*mailbox),
		pending:        make(map[defs.TID]defs.Notifications),
		sendWaitingFor: make(map[defs.TID]defs.TID),
		sendResult:     make(map[defs.TID]defs.Err_t),
		delivered:      make(map[defs.TID]defs.Message),
		deliveredSrc:   make(map[defs.TID]defs.TID),
	}
}

func (m *Manager) mailboxLocked(tid defs.TID) *mailbox {
	mb, ok := m.mailboxes[tid]
	if !ok {
		mb = &mailbox{}
		m.mailboxes[tid] = mb
	}
	return mb
}

func (m *Manager) wakeLocked(tid defs.TID) {
	delete(m.sendWaitingFor, tid)
	if t, ok := m.tm.Lookup(tid); ok {
		t.SetReady()
	}
	m.sch.Enqueue(tid)
}

// wouldDeadlockLocked reports whether src sending to dst would close a
// cycle of tasks each blocked trying to send to the next (spec §8
// "deadlock-cycle-refusal"): walk the chain of blocked senders starting at
// dst and see whether it leads back to src.
func (m *Manager) wouldDeadlockLocked(src, dst defs.TID) bool {
	cur := dst
	for steps := 0; steps < len(m.sendWaitingFor)+1; steps++ {
		if cur == src {
			return true
		}
		next, ok := m.sendWaitingFor[cur]
		if !ok {
			return false
		}
		cur = next
	}
	return true
}

// Send attempts to deliver msg from src to dst. If dst is already
// blocked in a matching recv, delivery happens immediately and Send
// returns (defs.OK, false): the sender is never blocked. Otherwise, unless
// nonBlock is set, src is queued and blocked until a future Recv (or a
// matching direct hand-off) consumes it; Send then returns (defs.OK,
// true) and the caller must stop scheduling src.
func (m *Manager) Send(src, dst defs.TID, msg defs.Message, nonBlock bool) (defs.Err_t, bool) {
	if src == dst {
		return defs.ErrInvalidArg, false
	}
	dstTask, ok := m.tm.Lookup(dst)
	if !ok {
		return defs.ErrInvalidTask, false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.wouldDeadlockLocked(src, dst) {
		return defs.ErrDeadLock, false
	}

	if dstTask.MatchesWait(src) {
		msg.Src = src
		m.delivered[dst] = msg
		m.deliveredSrc[dst] = src
		m.wakeLocked(dst)
		return defs.OK, false
	}

	if nonBlock {
		return defs.ErrWouldBlock, false
	}

	mb := m.mailboxLocked(dst)
	mb.queue = append(mb.queue, pendingSend{src: src, msg: msg})
	m.sendWaitingFor[src] = dst

	if t, ok := m.tm.Lookup(src); ok {
		t.SetBlocked()
	}
	m.sch.Block(src)
	return defs.OK, true
}

// Recv attempts to receive a message addressed to self from waitFor
// (defs.Any for an open receive). Pending notifications take priority
// over queued sender messages, but only for an open receive: a directed
// receive (waitFor naming a specific sender) never sees a notification in
// place of the message it asked for, and instead waits on its mailbox
// like any other directed recv. If nothing is available and nonBlock is
// not set, self is marked blocked-on-recv and Recv returns (zero,
// defs.OK, true); the caller must stop scheduling self until it is woken
// by a matching Send or Notify.
func (m *Manager) Recv(self, waitFor defs.TID, nonBlock bool) (defs.Message, defs.Err_t, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if waitFor == defs.Any {
		if bits, ok := m.pending[self]; ok && bits != 0 {
			delete(m.pending, self)
			return defs.Message{Type: defs.MsgTypeNotify, Src: defs.FromKernel, Notify: defs.NotifyPayload{Notifications: bits}}, defs.OK, false
		}
	}

	mb := m.mailboxLocked(self)
	for i, ps := range mb.queue {
		if waitFor != defs.Any && ps.src != waitFor {
			continue
		}
		mb.queue = append(mb.queue[:i:i], mb.queue[i+1:]...)
		ps.msg.Src = ps.src
		m.sendResult[ps.src] = defs.OK
		m.wakeLocked(ps.src)
		return ps.msg, defs.OK, false
	}

	if nonBlock {
		return defs.Message{}, defs.ErrWouldBlock, false
	}

	if t, ok := m.tm.Lookup(self); ok {
		t.SetBlockedRecv(waitFor)
	}
	m.sch.Block(self)
	return defs.Message{}, defs.OK, true
}

// TakeDelivered returns and clears a message that was handed directly to
// self by a Send that found self already blocked in a matching recv (the
// "direct hand-off" path); the syscall dispatch layer calls this first
// when a woken task resumes, before calling Recv again.
func (m *Manager) TakeDelivered(self defs.TID) (defs.Message, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.delivered[self]
	if !ok {
		return defs.Message{}, false
	}
	delete(m.delivered, self)
	delete(m.deliveredSrc, self)
	return msg, true
}

// Notify ORs bits into target's non-queued notification bitfield and, if
// target is currently blocked in an open receive, wakes it immediately
// (spec §4.4.3). A task parked in a directed receive is not woken: the
// bits simply fold into its pending notifications for whenever it next
// performs an open receive.
func (m *Manager) Notify(target defs.TID, bits defs.Notifications) defs.Err_t {
	t, ok := m.tm.Lookup(target)
	if !ok {
		return defs.ErrInvalidTask
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending[target] |= bits

	if t.IsOpenRecv() {
		m.wakeLocked(target)
	}
	return defs.OK
}

// AbortQueue unwinds every task currently blocked trying to send to
// target: each gets defs.ErrAborted recorded as its send's outcome (spec
// §4.4.1 step 4, §5 Cancellation) and is woken so it can collect that
// result via TakeSendResult. target's mailbox is then discarded. Called
// when target is destroyed (spec §8 "abort-on-destroy").
func (m *Manager) AbortQueue(target defs.TID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mb, ok := m.mailboxes[target]
	if !ok {
		return
	}
	for _, ps := range mb.queue {
		m.sendResult[ps.src] = defs.ErrAborted
		m.wakeLocked(ps.src)
	}
	delete(m.mailboxes, target)
	delete(m.pending, target)
	delete(m.delivered, target)
	delete(m.deliveredSrc, target)
}

// TakeSendResult returns and clears the outcome of a previously parked
// Send for self: defs.OK once a matching Recv has consumed its message,
// or defs.ErrAborted if the destination was destroyed while self's
// message was still queued. The syscall dispatch layer calls this first
// when a woken sender resumes, before attempting a fresh Send.
func (m *Manager) TakeSendResult(self defs.TID) (defs.Err_t, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	res, ok := m.sendResult[self]
	if !ok {
		return defs.OK, false
	}
	delete(m.sendResult, self)
	return res, true
}
