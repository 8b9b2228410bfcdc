// Package boot wires every kernel subsystem together and brings the
// machine up: physical memory zones from the boot memory map, the task
// table, scheduler, IPC, interrupts, console, and the per-CPU arch
// coordinator, followed by creating the bootstrap pager task (spec §2,
// §6 boot info).
//
// Grounded on original_source's kernel/main.c (zone registration order,
// then CPU bring-up, then the first task) and the teacher's chentry.go
// for how an ELF entry point and stack are handed to a freshly created
// task.
package boot

import (
	"fmt"

	"arch"
	"console"
	"defs"
	"intr"
	"ipc"
	"limits"
	"mem"
	"sched"
	"syscalls"
	"task"
)

// Info describes the boot-time memory map (spec §6): a free-RAM region
// and, optionally, an MMIO region, each given as a base physical address
// and a page count.
type Info struct {
	MemBase   mem.PAddr
	MemPages  int
	MMIOBase  mem.PAddr
	MMIOPages int
}

// Kernel holds every subsystem manager, wired together and ready to run.
type Kernel struct {
	Mem     *mem.Manager
	Tasks   *task.Manager
	Sched   *sched.Scheduler
	IPC     *ipc.Manager
	Intr    *intr.Manager
	Console *console.Console
	Arch    *arch.Coordinator
	Sys     *syscalls.Dispatcher

	Tunables *limits.Tunables
}

// Boot constructs a Kernel from a boot memory map and tunables, the
// Go analogue of original_source's main() before it creates any tasks.
func Boot(info Info, tunables *limits.Tunables) *Kernel {
	if tunables == nil {
		tunables = limits.Default()
	}

	mm := mem.NewManager()
	mm.AddZone(mem.ZoneFreeRAM, info.MemBase, info.MemPages)
	if info.MMIOPages > 0 {
		mm.AddZone(mem.ZoneMMIO, info.MMIOBase, info.MMIOPages)
	}

	tm := task.NewManager(mm)
	sc := sched.NewScheduler(tm, tunables.NumCPUsMax)
	im := ipc.NewManager(tm, sc)
	in := intr.NewManager(tm, im)
	con := console.NewConsole(1024)
	ac := arch.NewCoordinator(tunables.NumCPUsMax)
	sys := syscalls.NewDispatcher(tm, sc, im, in, mm, con, ac, ac)

	k := &Kernel{
		Mem:      mm,
		Tasks:    tm,
		Sched:    sc,
		IPC:      im,
		Intr:     in,
		Console:  con,
		Arch:     ac,
		Sys:      sys,
		Tunables: tunables,
	}
	k.logf("booted with %d CPU(s), %d frame(s) of RAM", tunables.NumCPUsMax, info.MemPages)
	return k
}

// BootstrapVM creates task #1, the kernel's sole hand-picked task: the
// initial pager, conventionally named "vm", that every other task's
// page faults and fatal exceptions ultimately flow through until it
// delegates pieces of that responsibility onward (spec §2). It starts
// runnable immediately.
func (k *Kernel) BootstrapVM(userPC, userSP uintptr) (defs.TID, defs.Err_t) {
	id, err := k.Tasks.Create("vm", defs.FromKernel, task.Entry{
		Kind:   task.EntryUser,
		UserPC: userPC,
		UserSP: userSP,
	})
	if err != defs.OK {
		return 0, err
	}
	k.Sched.Enqueue(id)
	k.logf("bootstrap task vm started as tid %d", id)
	return id, defs.OK
}

// Run asks cpu's scheduler slot which task it should run next, the
// kernel-side half of a trap-return decision (spec §4.3).
func (k *Kernel) Run(cpu int) (defs.TID, bool) {
	return k.Sched.Switch(cpu)
}

// Tick advances the uptime counter and accounts one quantum tick against
// whichever task cpu is running, returning true if a reschedule is due.
func (k *Kernel) Tick(cpu int) bool {
	k.Intr.Tick()
	return k.Sched.Tick(cpu)
}

// Shutdown halts every simulated CPU's IPI loop.
func (k *Kernel) Shutdown() {
	k.Arch.Shutdown()
}

func (k *Kernel) logf(format string, args ...any) {
	fmt.Printf("boot: "+format+"\n", args...)
}
