package task

import (
	"testing"

	"defs"
	"mem"
)

func newTestMM() *mem.Manager {
	m := mem.NewManager()
	m.AddZone(mem.ZoneFreeRAM, 0, 64)
	return m
}

func TestCreateAssignsIncreasingIDs(t *testing.T) {
	m := NewManager(newTestMM())
	id1, err := m.Create("a", defs.FromKernel, Entry{Kind: EntryUser})
	if err != defs.OK {
		t.Fatalf("create a: %v", err)
	}
	id2, err := m.Create("b", defs.FromKernel, Entry{Kind: EntryUser})
	if err != defs.OK {
		t.Fatalf("create b: %v", err)
	}
	if id1 == id2 {
		t.Fatalf("expected distinct ids, got %d twice", id1)
	}
}

func TestCreateFailsAtCapacity(t *testing.T) {
	m := NewManager(newTestMM())
	for i := 0; i < 16; i++ {
		if _, err := m.Create("x", defs.FromKernel, Entry{}); err != defs.OK {
			t.Fatalf("create %d: %v", i, err)
		}
	}
	if _, err := m.Create("overflow", defs.FromKernel, Entry{}); err != defs.ErrTooManyTasks {
		t.Fatalf("expected ErrTooManyTasks, got %v", err)
	}
}

func TestDestroyFreesSlotForReuse(t *testing.T) {
	m := NewManager(newTestMM())
	m.Create("filler", defs.FromKernel, Entry{}) // occupies slot 1 (BootstrapTID)
	id, _ := m.Create("a", defs.FromKernel, Entry{})
	if err := m.Destroy(nil, id, id); err != defs.OK {
		t.Fatalf("destroy: %v", err)
	}
	if _, ok := m.Lookup(id); ok {
		t.Fatalf("expected task gone after destroy")
	}
	id2, err := m.Create("b", defs.FromKernel, Entry{})
	if err != defs.OK {
		t.Fatalf("recreate: %v", err)
	}
	if id2 != id {
		t.Fatalf("expected slot %d to be reused, got %d", id, id2)
	}
}

func TestDestroyRejectsBootstrapTask(t *testing.T) {
	m := NewManager(newTestMM())
	id, _ := m.Create("vm", defs.FromKernel, Entry{})
	if id != BootstrapTID {
		t.Fatalf("expected the first created task to be BootstrapTID, got %d", id)
	}
	if err := m.Destroy(nil, id, id); err != defs.ErrNotAllowed {
		t.Fatalf("expected ErrNotAllowed destroying the bootstrap task, got %v", err)
	}
}

func TestDestroyRejectsWhileStillAPager(t *testing.T) {
	m := NewManager(newTestMM())
	m.Create("filler", defs.FromKernel, Entry{}) // occupies slot 1 (BootstrapTID)
	pager, _ := m.Create("pager", defs.FromKernel, Entry{})
	child, _ := m.Create("child", pager, Entry{})

	if err := m.Destroy(nil, pager, pager); err != defs.ErrStillUsed {
		t.Fatalf("expected ErrStillUsed while still child's pager, got %v", err)
	}

	if err := m.Destroy(nil, child, child); err != defs.OK {
		t.Fatalf("destroy child: %v", err)
	}
	if err := m.Destroy(nil, pager, pager); err != defs.OK {
		t.Fatalf("expected pager destroy to succeed once ref_count drops to 0, got %v", err)
	}
}

func TestDestroyRequiresSelfOrPager(t *testing.T) {
	m := NewManager(newTestMM())
	pager, _ := m.Create("pager", defs.FromKernel, Entry{})
	target, _ := m.Create("target", pager, Entry{})
	outsider, _ := m.Create("outsider", defs.FromKernel, Entry{})

	if err := m.Destroy(nil, outsider, target); err != defs.ErrNotAllowed {
		t.Fatalf("expected ErrNotAllowed, got %v", err)
	}
	if err := m.Destroy(nil, pager, target); err != defs.OK {
		t.Fatalf("pager should be allowed to destroy: %v", err)
	}
}

func TestMatchesWaitOpenVsDirected(t *testing.T) {
	m := NewManager(newTestMM())
	id, _ := m.Create("recver", defs.FromKernel, Entry{})
	tsk, _ := m.Lookup(id)

	tsk.SetBlockedRecv(defs.Any)
	if !tsk.MatchesWait(42) {
		t.Fatalf("open receive should match any src")
	}

	tsk.SetBlockedRecv(7)
	if tsk.MatchesWait(8) {
		t.Fatalf("directed receive should not match an unrelated src")
	}
	if !tsk.MatchesWait(7) {
		t.Fatalf("directed receive should match its named src")
	}
}

func TestTickPreemptsAtZero(t *testing.T) {
	m := NewManager(newTestMM())
	id, _ := m.Create("a", defs.FromKernel, Entry{})
	tsk, _ := m.Lookup(id)

	_, quantum := tsk.Snapshot()
	preempted := false
	for i := 0; i < quantum; i++ {
		preempted = tsk.Tick()
	}
	if !preempted {
		t.Fatalf("expected preemption once quantum is exhausted")
	}
}

func TestDumpReflectsLiveTasks(t *testing.T) {
	m := NewManager(newTestMM())
	m.Create("a", defs.FromKernel, Entry{})
	m.Create("b", defs.FromKernel, Entry{})

	infos := m.Dump()
	if len(infos) != 2 {
		t.Fatalf("expected 2 live tasks, got %d", len(infos))
	}
}
