package syscalls

import (
	"testing"

	"console"
	"defs"
	"ipc"
	"intr"
	"mem"
	"sched"
	"task"
	"vm"
)

func newTestDispatcher() (*Dispatcher, *task.Manager) {
	mm := mem.NewManager()
	mm.AddZone(mem.ZoneFreeRAM, 0, 64)
	tm := task.NewManager(mm)
	sc := sched.NewScheduler(tm, 1)
	im := ipc.NewManager(tm, sc)
	in := intr.NewManager(tm, im)
	con := console.NewConsole(64)
	d := NewDispatcher(tm, sc, im, in, mm, con, nil, nil)
	return d, tm
}

func TestSerialWriteReadThroughUserMemory(t *testing.T) {
	d, tm := newTestDispatcher()
	id, _ := tm.Create("a", defs.FromKernel, task.Entry{})
	tsk, _ := tm.Lookup(id)

	paddr, _ := d.Mem.Alloc(4096, id, true, defs.PMUninitialized)
	tsk.AS.Map(d.Mem, 0x1000, paddr, defs.PageReadable|defs.PageWritable|defs.PageUser, id)
	tsk.AS.CopyOut(d.Mem, 0x1000, []byte("hello"))

	n, err := d.SerialWrite(id, tsk.AS, 0x1000, 5)
	if err != defs.OK || n != 5 {
		t.Fatalf("serial write: n=%d err=%v", n, err)
	}
	if string(d.Con.OutputLog()) != "hello" {
		t.Fatalf("expected console output %q, got %q", "hello", d.Con.OutputLog())
	}

	d.Con.Inject([]byte("world"))
	n, err = d.SerialRead(id, tsk.AS, 0x1100, 16)
	if err != defs.OK {
		t.Fatalf("serial read: %v", err)
	}
	if n != 5 {
		t.Fatalf("expected 5 bytes read, got %d", n)
	}
}

func TestTaskExitNotifiesPagerThenDestroys(t *testing.T) {
	d, tm := newTestDispatcher()
	pager, _ := tm.Create("pager", defs.FromKernel, task.Entry{})
	child, _ := tm.Create("child", pager, task.Entry{})

	if err := d.TaskExit(child, defs.OK); err != defs.OK {
		t.Fatalf("task exit: %v", err)
	}
	if _, ok := tm.Lookup(child); ok {
		t.Fatalf("expected child to be gone after exit")
	}

	msg, err, blocked := d.IPC.Recv(pager, defs.Any, false)
	if err != defs.OK || blocked {
		t.Fatalf("expected pager to have a pending exception message")
	}
	if msg.Type != defs.MsgTypeException || msg.Exception.Reason != defs.ExpGraceExit {
		t.Fatalf("expected ExpGraceExit exception, got type=%d reason=%v", msg.Type, msg.Exception.Reason)
	}
}

func TestVMMapRequiresAuthorization(t *testing.T) {
	d, tm := newTestDispatcher()
	pager, _ := tm.Create("pager", defs.FromKernel, task.Entry{})
	target, _ := tm.Create("target", pager, task.Entry{})
	outsider, _ := tm.Create("outsider", defs.FromKernel, task.Entry{})

	paddr, _ := d.Mem.Alloc(4096, target, true, defs.PMUninitialized)

	if err := d.VMMap(outsider, target, 0x3000, paddr, defs.PageReadable); err != defs.ErrNotAllowed {
		t.Fatalf("expected ErrNotAllowed, got %v", err)
	}
	if err := d.VMMap(pager, target, 0x3000, paddr, defs.PageReadable); err != defs.OK {
		t.Fatalf("expected pager to be authorized, got %v", err)
	}
}

func TestIPCCallCombinesSendAndRecv(t *testing.T) {
	d, tm := newTestDispatcher()
	a, _ := tm.Create("a", defs.FromKernel, task.Entry{})
	b, _ := tm.Create("b", defs.FromKernel, task.Entry{})

	bTask, _ := tm.Lookup(b)
	bTask.SetBlockedRecv(defs.Any)

	_, err, blocked := d.IPCCall(a, defs.Call, b, defs.Message{Type: 1})
	if err != defs.OK {
		t.Fatalf("ipc call: %v", err)
	}
	if !blocked {
		t.Fatalf("expected caller to block waiting for a reply")
	}
}

func TestIrqListenUnlisten(t *testing.T) {
	d, tm := newTestDispatcher()
	id, _ := tm.Create("a", defs.FromKernel, task.Entry{})
	if err := d.IrqListen(id, 4); err != defs.OK {
		t.Fatalf("listen: %v", err)
	}
	if err := d.IrqUnlisten(id, 4); err != defs.OK {
		t.Fatalf("unlisten: %v", err)
	}
}

func TestTimeArmsTimeoutAndExpiryNotifies(t *testing.T) {
	d, tm := newTestDispatcher()
	id, _ := tm.Create("a", defs.FromKernel, task.Entry{})

	uptime, err := d.Time(id, 2) // 2ms at TickHz=1000 -> 2 ticks
	if err != defs.OK {
		t.Fatalf("time: %v", err)
	}
	if uptime != 0 {
		t.Fatalf("expected uptime 0 before any tick, got %d", uptime)
	}

	d.Intr.Tick()
	if _, err, _ := d.IPC.Recv(id, defs.Any, true); err != defs.ErrWouldBlock {
		t.Fatalf("expected no timer notification yet, got %v", err)
	}

	d.Intr.Tick()
	msg, err, blocked := d.IPC.Recv(id, defs.Any, false)
	if err != defs.OK || blocked {
		t.Fatalf("expected the armed timeout to expire, err=%v blocked=%v", err, blocked)
	}
	if msg.Notify.Notifications&defs.NotifyTimer == 0 {
		t.Fatalf("expected NotifyTimer bit set")
	}
}

func TestTimeRejectsNegativeTimeout(t *testing.T) {
	d, tm := newTestDispatcher()
	id, _ := tm.Create("a", defs.FromKernel, task.Entry{})
	if _, err := d.Time(id, -1); err != defs.ErrInvalidArg {
		t.Fatalf("expected ErrInvalidArg, got %v", err)
	}
}

type fakeRescheduler struct{ calls int }

func (f *fakeRescheduler) Reschedule(cpu int) { f.calls++ }

func TestTaskDestroySpinWaitsOffRunningCPU(t *testing.T) {
	d, tm := newTestDispatcher()
	tm.Create("filler", defs.FromKernel, task.Entry{}) // occupies slot 1 (BootstrapTID)
	id, _ := tm.Create("a", defs.FromKernel, task.Entry{})

	d.Sched.Enqueue(id)
	if got, ok := d.Sched.Switch(0); !ok || got != id {
		t.Fatalf("expected cpu0 to pick up task %d, got %d ok=%v", id, got, ok)
	}

	ipi := &fakeRescheduler{}
	d.IPI = ipi

	if err := d.TaskDestroy(id, id); err != defs.OK {
		t.Fatalf("task destroy: %v", err)
	}
	if ipi.calls == 0 {
		t.Fatalf("expected the spin-wait to IPI the cpu still running the destroyed task")
	}
	if _, ok := tm.Lookup(id); ok {
		t.Fatalf("expected the task to be gone after the bounded spin-wait gives up")
	}
}

func TestPMAllocThenVMMapIncrementsRefCount(t *testing.T) {
	d, tm := newTestDispatcher()
	id, _ := tm.Create("a", defs.FromKernel, task.Entry{})
	tsk, _ := tm.Lookup(id)

	paddr, err := d.PMAlloc(id, 4096, defs.PMUninitialized)
	if err != defs.OK {
		t.Fatalf("pm_alloc: %v", err)
	}
	if d.Mem.RefCount(paddr) != 1 {
		t.Fatalf("expected refcount 1 after alloc")
	}
	if err := d.VMMap(id, id, vm.Addr(0x4000), paddr, defs.PageReadable); err != defs.OK {
		t.Fatalf("vm_map: %v", err)
	}
	if d.Mem.RefCount(paddr) != 2 {
		t.Fatalf("expected refcount 2 after map, got %d", d.Mem.RefCount(paddr))
	}
	_ = tsk
}
