package vgic

import (
	"fmt"
	"math/bits"

	"github.com/armhv/hvcore/internal/gichw"
	"github.com/armhv/hvcore/internal/vmm"
)

// InjectSGI marks a software-generated interrupt pending for targetVCPU,
// sourced from sourceCPU (§4.2.2). If currentVCPU is the same as
// targetVCPU — the calling physical core is already running the target —
// the drain happens immediately; otherwise the pending bit is left set for
// the target to drain on its next trap return or IPI-driven re-check.
func (g *VGIC) InjectSGI(id int, sourceCPU uint8, targetVCPU, currentVCPU int) error {
	if id < vmm.SGIBase || id >= vmm.SGIMax {
		return vmm.NewError("vgic.InjectSGI", vmm.KindBadParameter, fmt.Errorf("id %d is not an SGI id", id))
	}
	c, err := g.vcpu(targetVCPU)
	if err != nil {
		return err
	}
	c.setPendingBit(id)
	if targetVCPU == currentVCPU {
		_, err := g.tryDrainPendingLocked(c, targetVCPU, sourceCPU)
		return err
	}
	return nil
}

// InjectPPI marks a private peripheral interrupt pending for targetVCPU
// (§4.2.2). Unlike SGI, a PPI whose SGIPPIIsEnabler bit is clear is
// rejected rather than queued: PSCI and console IPI delivery rely on SGI
// being injectable while disabled, but nothing depends on that for PPIs.
func (g *VGIC) InjectPPI(id int, targetVCPU, currentVCPU int) error {
	if id < vmm.PPIBase || id >= vmm.SPIBase {
		return vmm.NewError("vgic.InjectPPI", vmm.KindBadParameter, fmt.Errorf("id %d is not a PPI id", id))
	}
	c, err := g.vcpu(targetVCPU)
	if err != nil {
		return err
	}
	if c.SGIPPIIsEnabler&(1<<uint(id)) == 0 {
		return vmm.NewError("vgic.InjectPPI", vmm.KindBadParameter, fmt.Errorf("PPI %d is not enabled", id))
	}
	c.setPendingBit(id)
	if targetVCPU == currentVCPU {
		_, err := g.tryDrainPendingLocked(c, targetVCPU, 0)
		return err
	}
	return nil
}

// InjectSPI marks a shared peripheral interrupt pending against whichever
// vCPU the distributor's ITARGETSR names for id, honoring the lowest set
// bit when more than one vCPU is targeted (§4.2.2, "SPI routing"). An SPI
// whose SCEnabler bit is clear is rejected rather than queued, same as
// InjectPPI.
func (g *VGIC) InjectSPI(id int, currentVCPU int) error {
	if id < vmm.SPIBase || id >= g.Dist.SPIMax {
		return vmm.NewError("vgic.InjectSPI", vmm.KindBadParameter, fmt.Errorf("id %d is not an SPI id", id))
	}
	if !g.spiEnabled(id) {
		return vmm.NewError("vgic.InjectSPI", vmm.KindBadParameter, fmt.Errorf("SPI %d is not enabled", id))
	}
	mask := g.Dist.ITargetsR[id]
	if mask == 0 {
		return vmm.NewError("vgic.InjectSPI", vmm.KindNotPresent, fmt.Errorf("SPI %d has no target", id))
	}
	targetVCPU := bits.TrailingZeros8(mask)
	c, err := g.vcpu(targetVCPU)
	if err != nil {
		return err
	}
	c.setPendingBit(id)
	if targetVCPU == currentVCPU {
		_, err := g.tryDrainPendingLocked(c, targetVCPU, 0)
		return err
	}
	return nil
}

// TryDrainPending moves as many software-pending IRQs as there are free
// list registers into the hypervisor-interface list registers for vcpu,
// which must be the vCPU the calling physical core currently runs.
// Returns the count of IRQs drained.
func (g *VGIC) TryDrainPending(vcpuIdx int) (int, error) {
	c, err := g.vcpu(vcpuIdx)
	if err != nil {
		return 0, err
	}
	return g.tryDrainPendingLocked(c, vcpuIdx, 0)
}

// tryDrainPendingLocked implements the design's lowest-IRQ-id /
// lowest-free-LR tie-break (§9 "LR allocation tie-break", Invariant A/B):
// scan pending ids from lowest to highest, and for each, claim the
// lowest-numbered free list register until either runs out.
func (g *VGIC) tryDrainPendingLocked(c *VGICC, vcpuIdx int, sgiSourceCPU uint8) (int, error) {
	drained := 0
	for {
		elsr := g.HW.ELSR()
		lrIdx := lowestFreeLR(elsr)
		if lrIdx < 0 {
			break
		}
		id := c.lowestPendingID()
		if id < 0 {
			break
		}
		priority := g.priorityFor(id, vcpuIdx)
		var word uint64
		if id < vmm.PPIBase {
			word = gichw.EncodeSGI(uint32(id), sgiSourceCPU, priority)
		} else {
			word = gichw.EncodeHardware(uint32(id), priority)
		}
		g.HW.WriteLR(lrIdx, word)
		c.clearPendingBit(id)
		drained++
	}
	return drained, nil
}

// spiEnabled reports whether id's bit is set in the distributor's
// SCEnabler bitmap (bit (id-32) within word (id-32)/32).
func (g *VGIC) spiEnabled(id int) bool {
	bit := id - vmm.SPIBase
	word := bit / 32
	if word < 0 || word >= len(g.Dist.SCEnabler) {
		return false
	}
	return g.Dist.SCEnabler[word]&(1<<uint(bit%32)) != 0
}

func lowestFreeLR(elsr uint32) int {
	if elsr == 0 {
		return -1
	}
	return bits.TrailingZeros32(elsr)
}

// lowestPendingID returns the lowest-numbered pending IRQ id, or -1 if none
// is pending.
func (c *VGICC) lowestPendingID() int {
	for word, bitmap := range c.IRQPendingMask {
		if bitmap == 0 {
			continue
		}
		return word*32 + bits.TrailingZeros32(bitmap)
	}
	return -1
}

// priorityFor returns the effective priority byte for id as seen by
// vcpuIdx: the per-vCPU banked priority for SGI/PPI ids, the VM-wide
// distributor priority for SPI ids.
func (g *VGIC) priorityFor(id, vcpuIdx int) uint8 {
	if id < vmm.SPIBase {
		if c := g.VCPU[vcpuIdx]; c != nil {
			return c.SGIPPIIPriorityR[id]
		}
		return 0
	}
	if id < len(g.Dist.IPriorityR) {
		return g.Dist.IPriorityR[id]
	}
	return 0
}

// SaveCPUState captures ELSR and the list registers for vcpuIdx before it
// stops running, so they can be restored verbatim when rescheduled
// (§4.2.3). VMCR, APR and HCR are not captured: gichw.Interface has no
// accessors for them.
func (g *VGIC) SaveCPUState(vcpuIdx int) error {
	c, err := g.vcpu(vcpuIdx)
	if err != nil {
		return err
	}
	c.SavedELSR0 = g.HW.ELSR()
	for i := 0; i < vmm.LRCount; i++ {
		c.SavedLR[i] = g.HW.ReadLR(i)
	}
	return nil
}

// RestoreCPUState reprograms the hypervisor-interface list registers from
// vcpuIdx's saved state when it resumes running (§4.2.3). Per Invariant B,
// any IRQ whose LR is being restored as pending is dropped from the
// software pending bitmap so it is never represented twice.
func (g *VGIC) RestoreCPUState(vcpuIdx int) error {
	c, err := g.vcpu(vcpuIdx)
	if err != nil {
		return err
	}
	for i := 0; i < vmm.LRCount; i++ {
		g.HW.WriteLR(i, c.SavedLR[i])
		if c.SavedLR[i] != 0 {
			c.clearPendingBit(int(gichw.DecodeVirtualID(c.SavedLR[i])))
		}
	}
	return nil
}
