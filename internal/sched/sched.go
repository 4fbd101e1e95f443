// Package sched is the `scheduler` external collaborator contract (§6): the
// vCPU run-queue and cross-core signaling primitives the core calls into
// but never implements itself. vPSCI's CPU_ON is its one caller; the vGIC's
// remote injection path only sets the pending bit and does not call it.
package sched

// IPIKind distinguishes why a physical core is being sent an inter-
// processor interrupt.
type IPIKind int

const (
	// IPIReschedule asks the target core to re-evaluate its run queue,
	// e.g. because a new vCPU was just enqueued onto it.
	IPIReschedule IPIKind = iota
	// IPIVIRQ asks the target core to re-check vGIC pending state for the
	// vCPU it currently runs, e.g. after a remote InjectSGI/PPI/SPI call.
	IPIVIRQ
)

// Scheduler is the vCPU run-queue contract. vcpuIndex values are stable
// indices into an internal/vmm.Tables.VCPUs arena.
type Scheduler interface {
	// CurrVCPU returns the vCPU index currently running on the calling
	// physical core.
	CurrVCPU() int
	// EnqueueRemote places vcpuIndex on cpu's run queue, waking it if the
	// core is idle.
	EnqueueRemote(vcpuIndex, cpu int) error
	// Yield relinquishes the calling core to the scheduler.
	Yield()
	// SendIPI signals cpu with kind.
	SendIPI(cpu int, kind IPIKind)
	// TimeSliceReset resets vcpuIndex's accounted time slice, e.g. after it
	// is freshly enqueued by CPU_ON.
	TimeSliceReset(vcpuIndex int)
}
