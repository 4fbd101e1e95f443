package vgic

import (
	"testing"

	"github.com/armhv/hvcore/internal/gichw/softhw"
	"github.com/armhv/hvcore/internal/vmm"
)

func newTestVGIC(t *testing.T, vcpuCount, spiMax int) *VGIC {
	t.Helper()
	hw := softhw.New(0, 0)
	return New(vcpuCount, spiMax, hw)
}

func TestSGIBroadcastToAllButSelf(t *testing.T) {
	g := newTestVGIC(t, 4, 64)

	ctx := AccessContext{VCPUIndex: 0}
	sgir := uint32(3) | (uint32(sgirFilterAllButSelf) << 24)
	if _, err := g.HandleMMIO(ctx, offSGIR, 4, true, uint64(sgir)); err != nil {
		t.Fatalf("SGIR write: %v", err)
	}

	for i := 1; i < 4; i++ {
		if !g.VCPU[i].pendingBit(3) {
			t.Errorf("vcpu %d: expected SGI 3 pending", i)
		}
	}
	if g.VCPU[0].pendingBit(3) {
		t.Errorf("vcpu 0: self must not receive its own broadcast SGI")
	}
}

func TestSPIEnableAndInjectDrainsImmediatelyWhenCurrent(t *testing.T) {
	g := newTestVGIC(t, 2, 64)
	const spi = 40

	ctx := AccessContext{VCPUIndex: 0}
	if _, err := g.HandleMMIO(ctx, offITARG+spi, 1, true, 1); err != nil {
		t.Fatalf("ITARGETSR write: %v", err)
	}
	word := spi / 32
	bit := uint32(1) << uint(spi%32)
	if _, err := g.HandleMMIO(ctx, offISENA+uint64(word)*4, 4, true, uint64(bit)); err != nil {
		t.Fatalf("ISENABLER write: %v", err)
	}

	if err := g.InjectSPI(spi, 0); err != nil {
		t.Fatalf("InjectSPI: %v", err)
	}

	if g.VCPU[0].pendingBit(spi) {
		t.Errorf("pending bit should have drained into a list register")
	}
	found := false
	for i := 0; i < vmm.LRCount; i++ {
		lr := g.HW.ReadLR(i)
		if lr != 0 {
			found = true
		}
	}
	if !found {
		t.Errorf("expected a populated list register after drain")
	}
}

func TestTYPERReflectsVCPUCountAndSPIMax(t *testing.T) {
	g := newTestVGIC(t, 4, 96)
	v, err := g.HandleMMIO(AccessContext{VCPUIndex: 0}, offTYPER, 4, false, 0)
	if err != nil {
		t.Fatalf("TYPER read: %v", err)
	}
	wantCPU := uint32(3) << 5
	wantLines := uint32(96/32 - 1)
	if uint32(v) != wantLines|wantCPU {
		t.Errorf("TYPER = 0x%x, want 0x%x", v, wantLines|wantCPU)
	}
}

func TestInjectSPIWithoutTargetIsNotPresent(t *testing.T) {
	g := newTestVGIC(t, 2, 64)
	const spi = 40
	ctx := AccessContext{VCPUIndex: 0}
	word := spi / 32
	bit := uint32(1) << uint(spi%32)
	if _, err := g.HandleMMIO(ctx, offISENA+uint64(word)*4, 4, true, uint64(bit)); err != nil {
		t.Fatalf("ISENABLER write: %v", err)
	}
	err := g.InjectSPI(spi, 0)
	if !vmm.IsKind(err, vmm.KindNotPresent) {
		t.Fatalf("expected KindNotPresent, got %v", err)
	}
}

func TestInjectSPIRejectedWhenDisabled(t *testing.T) {
	g := newTestVGIC(t, 2, 64)
	const spi = 40
	ctx := AccessContext{VCPUIndex: 0}
	if _, err := g.HandleMMIO(ctx, offITARG+spi, 1, true, 1); err != nil {
		t.Fatalf("ITARGETSR write: %v", err)
	}
	err := g.InjectSPI(spi, 0)
	if !vmm.IsKind(err, vmm.KindBadParameter) {
		t.Fatalf("expected KindBadParameter for disabled SPI, got %v", err)
	}
	if g.VCPU[0].pendingBit(spi) {
		t.Errorf("disabled SPI must not become pending")
	}
}

func TestInjectPPIRejectedWhenDisabled(t *testing.T) {
	g := newTestVGIC(t, 2, 64)
	const ppi = 20
	err := g.InjectPPI(ppi, 0, 0)
	if !vmm.IsKind(err, vmm.KindBadParameter) {
		t.Fatalf("expected KindBadParameter for disabled PPI, got %v", err)
	}
	if g.VCPU[0].pendingBit(ppi) {
		t.Errorf("disabled PPI must not become pending")
	}

	ctx := AccessContext{VCPUIndex: 0}
	if _, err := g.HandleMMIO(ctx, offISENA, 4, true, uint64(1)<<uint(ppi)); err != nil {
		t.Fatalf("ISENABLER write: %v", err)
	}
	if err := g.InjectPPI(ppi, 0, 0); err != nil {
		t.Fatalf("InjectPPI after enable: %v", err)
	}
}

func TestSaveRestoreCPUStateRoundTrip(t *testing.T) {
	g := newTestVGIC(t, 1, 64)
	g.HW.WriteLR(0, 0x12345)
	if err := g.SaveCPUState(0); err != nil {
		t.Fatalf("SaveCPUState: %v", err)
	}
	g.HW.WriteLR(0, 0)
	if err := g.RestoreCPUState(0); err != nil {
		t.Fatalf("RestoreCPUState: %v", err)
	}
	if g.HW.ReadLR(0) != 0x12345 {
		t.Errorf("LR0 = 0x%x after restore, want 0x12345", g.HW.ReadLR(0))
	}
}
