// Package psci implements the virtual PSCI 0.2 call surface a guest kernel
// issues via HVC/SMC during SMP bring-up and shutdown (§4.4): CPU_ON plus
// PSCI_VERSION, CPU_OFF, AFFINITY_INFO, and SYSTEM_OFF, the functions a
// real guest kernel's PSCI client unconditionally probes before and after
// using CPU_ON.
package psci

import (
	"github.com/armhv/hvcore/internal/sched"
	"github.com/armhv/hvcore/internal/vmm"
)

// Standard PSCI 0.2 function identifiers (SMC64 calling convention).
const (
	FnPSCIVersion   uint32 = 0x84000000
	FnCPUOff        uint32 = 0x84000002
	FnCPUOn32       uint32 = 0x84000003
	FnCPUOn64       uint32 = 0xC4000003
	FnAffinityInfo32 uint32 = 0x84000004
	FnAffinityInfo64 uint32 = 0xC4000004
	FnSystemOff     uint32 = 0x84000008
)

// Standard PSCI return codes.
const (
	Success         int64 = 0
	NotSupported    int64 = -1
	InvalidParams   int64 = -2
	Denied          int64 = -3
	AlreadyOn       int64 = -4
	OnPending       int64 = -5
	InternalFailure int64 = -6
	NotPresent      int64 = -7
	Disabled        int64 = -8
	InvalidAddress  int64 = -9
)

// version is the PSCI_VERSION return value this core reports: major 0,
// minor 2.
const version = uint32(0)<<16 | uint32(2)

// AffinityState mirrors AFFINITY_INFO's three-value result encoding.
const (
	affinityOn         int64 = 0
	affinityOff        int64 = 1
	affinityOnPending  int64 = 2
)

// haltRequested is the error type behind ErrSystemOff. Dispatch answers
// FnSystemOff with Success plus ErrSystemOff and takes no other action,
// since a library-level core has no host to actually power off.
// Embedders that can stop the machine should wrap Dispatch and intercept
// FnSystemOff before calling it.
type haltRequested struct{}

func (haltRequested) Error() string { return "system_off requested" }

// ErrSystemOff is returned by Dispatch when the guest issues SYSTEM_OFF;
// Dispatch itself takes no destructive action. Callers should tear down
// the VM and stop scheduling its vCPUs on receiving it.
var ErrSystemOff error = haltRequested{}

// Dispatch decodes and executes one PSCI call made by callingVCPU in
// vmIndex, returning the call's PSCI return code. args follows the SMC
// register convention: args[0] is x1, args[1] is x2, args[2] is x3.
func Dispatch(tables *vmm.Tables, scheduler sched.Scheduler, vmIndex, callingVCPU int, functionID uint32, args [3]uint64) (int64, error) {
	switch functionID {
	case FnPSCIVersion:
		return int64(version), nil

	case FnCPUOn32, FnCPUOn64:
		return cpuOn(tables, scheduler, vmIndex, args[0], args[1], args[2])

	case FnCPUOff:
		return cpuOff(tables, callingVCPU)

	case FnAffinityInfo32, FnAffinityInfo64:
		return affinityInfo(tables, vmIndex, args[0])

	case FnSystemOff:
		return Success, ErrSystemOff

	default:
		return NotSupported, nil
	}
}

// cpuOn implements CPU_ON (§4.4 "CPU_ON"): locate the target vCPU by MPIDR,
// validate it is off, prime its entry state, and enqueue it for execution.
func cpuOn(tables *vmm.Tables, scheduler sched.Scheduler, vmIndex int, targetMPIDR, entryPoint, contextID uint64) (int64, error) {
	targetIdx, err := tables.FindVCPUByMPIDR(vmIndex, targetMPIDR)
	if err != nil {
		return NotPresent, nil
	}
	target, err := tables.VCPUs.Get(targetIdx)
	if err != nil {
		return NotPresent, nil
	}

	switch target.State {
	case vmm.VCPURunning, vmm.VCPUReady, vmm.VCPUWaitIRQ, vmm.VCPUWaiting:
		return AlreadyOn, nil
	case vmm.VCPUCreate:
		// falls through to power-on below
	default:
		return InternalFailure, nil
	}

	if entryPoint == 0 || entryPoint%4 != 0 {
		return InvalidAddress, nil
	}

	target.Frame = vmm.TrapFrame{PC: entryPoint}
	target.Frame.X[0] = contextID
	target.State = vmm.VCPUReady

	scheduler.TimeSliceReset(targetIdx)
	targetCPU := preferredPhysicalCPU(target)
	if err := scheduler.EnqueueRemote(targetIdx, targetCPU); err != nil {
		target.State = vmm.VCPUCreate
		return InternalFailure, nil
	}
	scheduler.SendIPI(targetCPU, sched.IPIReschedule)
	return Success, nil
}

// cpuOff implements CPU_OFF: the calling vCPU powers itself down and never
// returns to its caller on a real system, but this core only records the
// state transition and leaves unwinding the trap to the caller.
func cpuOff(tables *vmm.Tables, callingVCPU int) (int64, error) {
	vcpu, err := tables.VCPUs.Get(callingVCPU)
	if err != nil {
		return InternalFailure, nil
	}
	vcpu.State = vmm.VCPUCreate
	return Success, nil
}

// affinityInfo implements AFFINITY_INFO for a single target affinity
// (lowest affinity level only; this core has no cluster/socket hierarchy).
func affinityInfo(tables *vmm.Tables, vmIndex int, targetAffinity uint64) (int64, error) {
	idx, err := tables.FindVCPUByMPIDR(vmIndex, targetAffinity)
	if err != nil {
		return NotPresent, nil
	}
	vcpu, err := tables.VCPUs.Get(idx)
	if err != nil {
		return NotPresent, nil
	}
	switch vcpu.State {
	case vmm.VCPUCreate:
		return affinityOff, nil
	case vmm.VCPUReady:
		return affinityOnPending, nil
	default:
		return affinityOn, nil
	}
}

// preferredPhysicalCPU derives the physical core CPU_ON should enqueue the
// target vCPU onto from its configured affinity mask's lowest set bit,
// falling back to core 0 when no affinity is configured.
func preferredPhysicalCPU(vcpu *vmm.VCPU) int {
	if vcpu.Affinity == 0 {
		return 0
	}
	for cpu := 0; cpu < 64; cpu++ {
		if vcpu.Affinity&(1<<uint(cpu)) != 0 {
			return cpu
		}
	}
	return 0
}
