package psci

import (
	"testing"

	"github.com/armhv/hvcore/internal/sched/fake"
	"github.com/armhv/hvcore/internal/vmm"
)

func newTestVM(t *testing.T, vcpuCount int) (*vmm.Tables, int) {
	t.Helper()
	tables := vmm.NewTables(1, vcpuCount)
	vmIdx, err := tables.CreateVM("test", 0, 0)
	if err != nil {
		t.Fatalf("CreateVM: %v", err)
	}
	for i := 0; i < vcpuCount; i++ {
		if _, err := tables.CreateVCPU(vmIdx, 0); err != nil {
			t.Fatalf("CreateVCPU: %v", err)
		}
	}
	return tables, vmIdx
}

func TestCPUOnBringsUpSecondaryVCPU(t *testing.T) {
	tables, vmIdx := newTestVM(t, 2)
	s := fake.New(0)

	code, err := Dispatch(tables, s, vmIdx, 0, FnCPUOn64, [3]uint64{1, 0x40080000, 0xabc})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if code != Success {
		t.Fatalf("CPU_ON = %d, want Success", code)
	}

	targetIdx, err := tables.FindVCPUByMPIDR(vmIdx, 1)
	if err != nil {
		t.Fatalf("FindVCPUByMPIDR: %v", err)
	}
	vcpu, _ := tables.VCPUs.Get(targetIdx)
	if vcpu.State != vmm.VCPUReady {
		t.Errorf("target state = %v, want ready", vcpu.State)
	}
	if vcpu.Frame.PC != 0x40080000 {
		t.Errorf("target PC = 0x%x, want 0x40080000", vcpu.Frame.PC)
	}
	if vcpu.Frame.X[0] != 0xabc {
		t.Errorf("target x0 = 0x%x, want 0xabc", vcpu.Frame.X[0])
	}
	if len(s.Enqueued) != 1 || s.Enqueued[0].VCPUIndex != targetIdx {
		t.Errorf("expected one enqueue of target vcpu, got %+v", s.Enqueued)
	}
}

func TestCPUOnAlreadyOnSecondCall(t *testing.T) {
	tables, vmIdx := newTestVM(t, 2)
	s := fake.New(0)

	if _, err := Dispatch(tables, s, vmIdx, 0, FnCPUOn64, [3]uint64{1, 0x40080000, 0}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	code, err := Dispatch(tables, s, vmIdx, 0, FnCPUOn64, [3]uint64{1, 0x40080000, 0})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if code != AlreadyOn {
		t.Fatalf("second CPU_ON = %d, want AlreadyOn", code)
	}
}

func TestCPUOnInvalidAddress(t *testing.T) {
	tables, vmIdx := newTestVM(t, 2)
	s := fake.New(0)

	code, err := Dispatch(tables, s, vmIdx, 0, FnCPUOn64, [3]uint64{1, 0, 0})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if code != InvalidAddress {
		t.Fatalf("CPU_ON with zero entry point = %d, want InvalidAddress", code)
	}
}

// TestCPUOnMisalignedAddress mirrors scenario 5: CPU_ON(mpidr=1,
// entry=0x80080001, ctx=0) must be rejected even though the entry point is
// non-zero, because it is not 4-byte aligned.
func TestCPUOnMisalignedAddress(t *testing.T) {
	tables, vmIdx := newTestVM(t, 2)
	s := fake.New(0)

	code, err := Dispatch(tables, s, vmIdx, 0, FnCPUOn64, [3]uint64{1, 0x80080001, 0})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if code != InvalidAddress {
		t.Fatalf("CPU_ON with misaligned entry point = %d, want InvalidAddress (-9)", code)
	}
}

func TestCPUOnUnknownMPIDRIsNotPresent(t *testing.T) {
	tables, vmIdx := newTestVM(t, 1)
	s := fake.New(0)

	code, err := Dispatch(tables, s, vmIdx, 0, FnCPUOn64, [3]uint64{99, 0x40080000, 0})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if code != NotPresent {
		t.Fatalf("CPU_ON with unknown mpidr = %d, want NotPresent", code)
	}
}

func TestPSCIVersionAndSystemOff(t *testing.T) {
	tables, vmIdx := newTestVM(t, 1)
	s := fake.New(0)

	code, err := Dispatch(tables, s, vmIdx, 0, FnPSCIVersion, [3]uint64{})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if code != int64(version) {
		t.Fatalf("PSCI_VERSION = %d, want %d", code, version)
	}

	code, err = Dispatch(tables, s, vmIdx, 0, FnSystemOff, [3]uint64{})
	if err != ErrSystemOff {
		t.Fatalf("SYSTEM_OFF err = %v, want ErrSystemOff", err)
	}
	if code != Success {
		t.Fatalf("SYSTEM_OFF code = %d, want Success", code)
	}
}
