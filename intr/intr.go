// Package intr implements the interrupt-line subsystem: a task registers
// interest in an IRQ line with Listen, and Fire (called by the simulated
// device/platform layer) turns a hardware interrupt into a NotifyIrq
// notification for whichever task is currently listening (spec §4.6).
//
// Grounded on original_source's kernel/interrupt.c (single listener per
// line, listen/unlisten, dispatch-as-notify) restyled after the teacher's
// small-struct-plus-mutex idiom.
package intr

import (
	"sync"
	"sync/atomic"

	"defs"
	"ipc"
	"limits"
	"task"
)

// Manager owns the IRQ-line-to-listener table and the kernel's uptime
// tick counter.
type Manager struct {
	mu        sync.Mutex
	tm        *task.Manager
	im        *ipc.Manager
	listeners [limits.IRQMax]defs.TID
	ticks     int64
}

// NewManager creates an interrupt manager that scans tm's live tasks for
// expired timeouts and delivers via im.
func NewManager(tm *task.Manager, im *ipc.Manager) *Manager {
	m := &Manager{tm: tm, im: im}
	for i := range m.listeners {
		m.listeners[i] = defs.Deny
	}
	return m
}

func irqValid(irq int) bool { return irq >= 0 && irq < limits.IRQMax }

// Listen registers caller as irq's listener. An irq line has at most one
// listener at a time (spec §4.6); a second listen on an already-claimed
// line fails with ErrAlreadyUsed.
func (m *Manager) Listen(caller defs.TID, irq int) defs.Err_t {
	if !irqValid(irq) {
		return defs.ErrInvalidArg
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listeners[irq] != defs.Deny {
		return defs.ErrAlreadyUsed
	}
	m.listeners[irq] = caller
	return defs.OK
}

// Unlisten releases caller's claim on irq. Only the current listener may
// unlisten; anyone else gets ErrNotAllowed.
func (m *Manager) Unlisten(caller defs.TID, irq int) defs.Err_t {
	if !irqValid(irq) {
		return defs.ErrInvalidArg
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listeners[irq] == defs.Deny {
		return defs.ErrNotFound
	}
	if m.listeners[irq] != caller {
		return defs.ErrNotAllowed
	}
	m.listeners[irq] = defs.Deny
	return defs.OK
}

// UnlistenAll releases every line owned by caller, used when a task is
// destroyed so a stale listener entry never outlives its task.
func (m *Manager) UnlistenAll(caller defs.TID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.listeners {
		if m.listeners[i] == caller {
			m.listeners[i] = defs.Deny
		}
	}
}

// Fire delivers a NotifyIrq notification to irq's current listener, if
// any. It returns ErrNotFound for an unclaimed line (the interrupt is
// dropped, matching a spurious/unhandled IRQ).
func (m *Manager) Fire(irq int) defs.Err_t {
	if !irqValid(irq) {
		return defs.ErrInvalidArg
	}
	m.mu.Lock()
	listener := m.listeners[irq]
	m.mu.Unlock()
	if listener == defs.Deny {
		return defs.ErrNotFound
	}
	return m.im.Notify(listener, defs.NotifyIrq)
}

// Tick advances the kernel's uptime counter by one and decrements every
// live task's armed timeout, notifying NotifyTimer to any task whose
// timeout just reached zero (spec §4.6, §5, grounded on
// original_source's kernel/interrupt.c:68-83). It is safe to call
// concurrently with Uptime.
func (m *Manager) Tick() int64 {
	for _, t := range m.tm.Live() {
		if t.TickTimeout() {
			m.im.Notify(t.ID, defs.NotifyTimer)
		}
	}
	return atomic.AddInt64(&m.ticks, 1)
}

// Uptime returns the number of timer ticks observed since boot.
func (m *Manager) Uptime() int64 {
	return atomic.LoadInt64(&m.ticks)
}
