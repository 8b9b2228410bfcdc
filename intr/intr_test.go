package intr

import (
	"testing"

	"defs"
	"ipc"
	"mem"
	"sched"
	"task"
)

func newTestKernel() (*task.Manager, *ipc.Manager) {
	m := mem.NewManager()
	m.AddZone(mem.ZoneFreeRAM, 0, 16)
	tm := task.NewManager(m)
	s := sched.NewScheduler(tm, 1)
	return tm, ipc.NewManager(tm, s)
}

func TestListenFireUnlisten(t *testing.T) {
	tm, im := newTestKernel()
	id, _ := tm.Create("driver", defs.FromKernel, task.Entry{})
	mgr := NewManager(tm, im)

	if err := mgr.Listen(id, 3); err != defs.OK {
		t.Fatalf("listen: %v", err)
	}
	if err := mgr.Fire(3); err != defs.OK {
		t.Fatalf("fire: %v", err)
	}
	msg, err, blocked := im.Recv(id, defs.Any, false)
	if err != defs.OK || blocked {
		t.Fatalf("expected the irq notification to be waiting")
	}
	if msg.Notify.Notifications&defs.NotifyIrq == 0 {
		t.Fatalf("expected NotifyIrq bit set")
	}

	if err := mgr.Unlisten(id, 3); err != defs.OK {
		t.Fatalf("unlisten: %v", err)
	}
	if err := mgr.Fire(3); err != defs.ErrNotFound {
		t.Fatalf("expected ErrNotFound firing an unclaimed line, got %v", err)
	}
}

func TestListenRejectsSecondClaimant(t *testing.T) {
	tm, im := newTestKernel()
	a, _ := tm.Create("a", defs.FromKernel, task.Entry{})
	b, _ := tm.Create("b", defs.FromKernel, task.Entry{})
	mgr := NewManager(tm, im)

	mgr.Listen(a, 1)
	if err := mgr.Listen(b, 1); err != defs.ErrAlreadyUsed {
		t.Fatalf("expected ErrAlreadyUsed, got %v", err)
	}
}

func TestUnlistenRequiresOwnership(t *testing.T) {
	tm, im := newTestKernel()
	a, _ := tm.Create("a", defs.FromKernel, task.Entry{})
	b, _ := tm.Create("b", defs.FromKernel, task.Entry{})
	mgr := NewManager(tm, im)

	mgr.Listen(a, 2)
	if err := mgr.Unlisten(b, 2); err != defs.ErrNotAllowed {
		t.Fatalf("expected ErrNotAllowed, got %v", err)
	}
}

func TestTickAdvancesUptime(t *testing.T) {
	tm, im := newTestKernel()
	mgr := NewManager(tm, im)
	mgr.Tick()
	mgr.Tick()
	mgr.Tick()
	if got := mgr.Uptime(); got != 3 {
		t.Fatalf("expected uptime 3, got %d", got)
	}
}

func TestTickDeliversTimerOnExpiry(t *testing.T) {
	tm, im := newTestKernel()
	mgr := NewManager(tm, im)
	id, _ := tm.Create("a", defs.FromKernel, task.Entry{})
	tsk, _ := tm.Lookup(id)
	tsk.SetTimeout(3)

	for i := 0; i < 2; i++ {
		mgr.Tick()
	}
	if _, err, blocked := im.Recv(id, defs.Any, true); err != defs.ErrWouldBlock || blocked {
		t.Fatalf("expected no notification before the timeout expires, err=%v", err)
	}

	mgr.Tick()
	msg, err, blocked := im.Recv(id, defs.Any, false)
	if err != defs.OK || blocked {
		t.Fatalf("expected the expired timeout to deliver a notification, err=%v blocked=%v", err, blocked)
	}
	if msg.Notify.Notifications&defs.NotifyTimer == 0 {
		t.Fatalf("expected NotifyTimer bit set, got %b", msg.Notify.Notifications)
	}
}
