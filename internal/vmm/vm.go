package vmm

import "fmt"

// IRQ id ranges (GICv2 semantics only, per the design's explicit non-goal
// on GICv3 redistributors).
const (
	SGIBase = 0
	SGIMax  = 16
	PPIBase = 16
	PPIMax  = 32
	SPIBase = 32
)

// LRCount is the number of hypervisor-interface list registers modeled per
// vCPU. The design calls this "typical LR_NUM = 4".
const LRCount = 4

// VCPUState is the scheduler-visible lifecycle state of a vCPU task.
type VCPUState int

const (
	VCPUCreate VCPUState = iota
	VCPUReady
	VCPURunning
	VCPUWaitIRQ
	VCPUWaiting
)

func (s VCPUState) String() string {
	switch s {
	case VCPUCreate:
		return "create"
	case VCPUReady:
		return "ready"
	case VCPURunning:
		return "running"
	case VCPUWaitIRQ:
		return "wait_irq"
	case VCPUWaiting:
		return "waiting"
	default:
		return "unknown"
	}
}

// TrapFrame is the saved general-purpose register file plus PC and
// processor state captured at trap entry/exit. Register index 30 is the
// link register; regcodec.WriteGuestReg refuses to write it.
type TrapFrame struct {
	X    [31]uint64
	PC   uint64
	PState uint64
}

// VCPU is a scheduler task: one virtual CPU belonging to exactly one VM.
// Back-pointers are stable arena indices, never raw pointers (design note
// "back-pointers... arena + stable index").
type VCPU struct {
	VMIndex int
	Index   int // vCPU index within its VM; MPIDR_EL1[7:0]
	Affinity uint64 // bit-mask over physical cores
	State   VCPUState

	Frame TrapFrame

	// MPIDREL1 carries the low eight bits as the vCPU index within its VM.
	MPIDREL1 uint64
}

// MPIDR returns the low byte used to address this vCPU from PSCI/vGIC
// routing (mpidr & 0xff).
func (v *VCPU) MPIDR() uint8 {
	return uint8(v.MPIDREL1 & 0xff)
}

// VM is a bounded-lifetime container: one guest image, its vCPU set, and
// exactly one vGIC instance (held by the caller, not embedded here, since
// vgic.Distributor is itself an arena-addressed object).
type VM struct {
	ID int

	Name string

	// StageTwoRoot is opaque to this package: the stage-2 page-table root
	// handle, owned and interpreted by the external page-table walker
	// (§6 external collaborators).
	StageTwoRoot uintptr

	EntryPC uint64

	// VCPUIndices are indices into the owning Tables.VCPUs arena, in
	// creation order.
	VCPUIndices []int
}

// Tables is the process-wide fixed-capacity VM/vCPU pool, initialized once
// and exposed only through typed accessors (design note: "global mutable
// singletons... initialize once inside an init(); expose only handles").
type Tables struct {
	VMs   *Arena[VM]
	VCPUs *Arena[VCPU]
}

// NewTables allocates the VM and vCPU arenas with the given fixed
// capacities.
func NewTables(maxVMs, maxVCPUs int) *Tables {
	return &Tables{
		VMs:   NewArena[VM](maxVMs),
		VCPUs: NewArena[VCPU](maxVCPUs),
	}
}

// CreateVM allocates a VM slot and returns its stable index.
func (t *Tables) CreateVM(name string, entryPC uint64, stage2Root uintptr) (int, error) {
	idx, err := t.VMs.Alloc(VM{Name: name, EntryPC: entryPC, StageTwoRoot: stage2Root})
	if err != nil {
		return -1, NewError("Tables.CreateVM", KindBadParameter, err)
	}
	vm, _ := t.VMs.Get(idx)
	vm.ID = idx
	return idx, nil
}

// CreateVCPU allocates a vCPU belonging to vmIndex, assigns it the next
// sequential per-VM index, and derives its MPIDR_EL1 low byte from that
// index.
func (t *Tables) CreateVCPU(vmIndex int, affinity uint64) (int, error) {
	vm, err := t.VMs.Get(vmIndex)
	if err != nil {
		return -1, NewError("Tables.CreateVCPU", KindNotPresent, fmt.Errorf("vm %d: %w", vmIndex, err))
	}
	vcpuIndex := len(vm.VCPUIndices)
	idx, err := t.VCPUs.Alloc(VCPU{
		VMIndex:  vmIndex,
		Index:    vcpuIndex,
		Affinity: affinity,
		State:    VCPUCreate,
		MPIDREL1: uint64(vcpuIndex) & 0xff,
	})
	if err != nil {
		return -1, NewError("Tables.CreateVCPU", KindBadParameter, err)
	}
	vm.VCPUIndices = append(vm.VCPUIndices, idx)
	return idx, nil
}

// FindVCPUByMPIDR locates a vCPU within vmIndex whose MPIDR low byte
// matches mpidr&0xff, as required by vPSCI CPU_ON's target lookup.
func (t *Tables) FindVCPUByMPIDR(vmIndex int, mpidr uint64) (int, error) {
	vm, err := t.VMs.Get(vmIndex)
	if err != nil {
		return -1, NewError("Tables.FindVCPUByMPIDR", KindNotPresent, err)
	}
	target := uint8(mpidr & 0xff)
	for _, idx := range vm.VCPUIndices {
		vcpu, err := t.VCPUs.Get(idx)
		if err != nil {
			continue
		}
		if vcpu.MPIDR() == target {
			return idx, nil
		}
	}
	return -1, NewError("Tables.FindVCPUByMPIDR", KindNotPresent, fmt.Errorf("no vcpu with mpidr&0xff=0x%x in vm %d", target, vmIndex))
}
