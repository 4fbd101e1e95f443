package virtio

import (
	"context"
	"fmt"

	"github.com/armhv/hvcore/internal/hv"
	"github.com/armhv/hvcore/internal/vgic"
	"github.com/armhv/hvcore/internal/vmm"
)

// SPIInjector is the narrow slice of vgic.VGIC the mmioDevice machinery
// needs: injecting one SPI. Satisfied by *vgic.VGIC.
type SPIInjector interface {
	InjectSPI(id int, currentVCPU int) error
}

// GuestVM adapts a flat guest-physical memory buffer and a per-VM vGIC
// instance to the hv.VirtualMachine interface the kept virtio device/queue
// machinery (ReadAt/WriteAt for descriptor chains, SetIRQ for completion
// notification) is written against. Only the members virtio actually calls
// are implemented; the rest return Unsupported (AddDevice accepts and
// ignores the device), since this core has no VM
// lifecycle, vCPU execution loop, or snapshot format of its own — those
// live in vmm/vgic/psci instead.
type GuestVM struct {
	mem  []byte
	base uint64
	gic  SPIInjector
}

// NewGuestVM wraps mem (addressed starting at base) and gic. SetIRQ takes
// the low 16 bits of its line argument as the absolute SPI id, so a plain
// SPI id and a line built by EncodeIRQLineForArch reach the same SPI.
func NewGuestVM(mem []byte, base uint64, gic SPIInjector) *GuestVM {
	return &GuestVM{mem: mem, base: base, gic: gic}
}

func (g *GuestVM) ReadAt(p []byte, off int64) (int, error) {
	start := off - int64(g.base)
	if start < 0 || start+int64(len(p)) > int64(len(g.mem)) {
		return 0, fmt.Errorf("guestvm: ReadAt out of range at 0x%x len %d", off, len(p))
	}
	return copy(p, g.mem[start:start+int64(len(p))]), nil
}

func (g *GuestVM) WriteAt(p []byte, off int64) (int, error) {
	start := off - int64(g.base)
	if start < 0 || start+int64(len(p)) > int64(len(g.mem)) {
		return 0, fmt.Errorf("guestvm: WriteAt out of range at 0x%x len %d", off, len(p))
	}
	return copy(g.mem[start:start+int64(len(p))], p), nil
}

func (g *GuestVM) Close() error { return nil }

// SetIRQ forwards a level-high virtio completion interrupt to the vGIC as
// an SPI injection. level==false (deassertion) is a no-op: this core's SPI
// delivery is edge-triggered-on-injection, not a held level line — the
// virtqueue interrupt-status word is what the guest actually polls to
// clear the condition.
func (g *GuestVM) SetIRQ(irqLine uint32, level bool) error {
	if !level {
		return nil
	}
	return g.gic.InjectSPI(int(irqLine&0xFFFF), -1)
}

func (g *GuestVM) MemorySize() uint64 { return uint64(len(g.mem)) }
func (g *GuestVM) MemoryBase() uint64 { return g.base }

func (g *GuestVM) Run(ctx context.Context, cfg hv.RunConfig) error {
	return vmm.NewError("GuestVM.Run", vmm.KindUnsupported, fmt.Errorf("vCPU execution is driven by the hypervisor core, not GuestVM"))
}

func (g *GuestVM) VirtualCPUCall(id int, f func(vcpu hv.VirtualCPU) error) error {
	return vmm.NewError("GuestVM.VirtualCPUCall", vmm.KindUnsupported, fmt.Errorf("no hv.VirtualCPU model in this core"))
}

func (g *GuestVM) AddDevice(dev hv.Device) error { return nil }

func (g *GuestVM) AllocateMemory(physAddr, size uint64) (hv.MemoryRegion, error) {
	return nil, vmm.NewError("GuestVM.AllocateMemory", vmm.KindUnsupported, fmt.Errorf("guest memory is allocated once at VM creation"))
}

func (g *GuestVM) CaptureSnapshot() (hv.Snapshot, error) {
	return nil, vmm.NewError("GuestVM.CaptureSnapshot", vmm.KindUnsupported, fmt.Errorf("snapshotting is out of scope for this core"))
}

func (g *GuestVM) RestoreSnapshot(snap hv.Snapshot) error {
	return vmm.NewError("GuestVM.RestoreSnapshot", vmm.KindUnsupported, fmt.Errorf("snapshotting is out of scope for this core"))
}

var (
	_ hv.VirtualMachine = (*GuestVM)(nil)
	_ SPIInjector       = (*vgic.VGIC)(nil)
)
