package vgic

import (
	"fmt"
	"math/bits"

	"github.com/armhv/hvcore/internal/gichw"
	"github.com/armhv/hvcore/internal/vmm"
)

// Distributor MMIO register offsets (GICv2 layout), relative to GICDBase.
const (
	offCTLR   = 0x000
	offTYPER  = 0x004
	offIIDR   = 0x008
	offISENA  = 0x100
	offICENA  = 0x180
	offISPEND = 0x200
	offICPEND = 0x280
	offIPRIO  = 0x400
	offITARG  = 0x800
	offICFGR  = 0xC00
	offSGIR   = 0xF00
	offCPEND  = 0xF10
	offSPEND  = 0xF20

	distWindowEnd = 0xF30
)

// AccessContext identifies which vCPU's trap produced a distributor MMIO
// access, needed to resolve the banked SGI/PPI rows of ITARGETSR/
// IPRIORITYR/ISENABLER and the RAZ/WI SGI/PPI row of ICFGR.
type AccessContext struct {
	VCPUIndex int
}

// ConfigSetter is an optional extension a gichw.Interface implementation
// may satisfy to receive edge/level configuration changes; the base
// gichw.Interface contract has no such method; most deployments leave SPI
// triggering fixed at boot and never need it.
type ConfigSetter interface {
	SetConfig(id int, edgeTriggered bool)
}

// ReadMMIO and WriteMMIO satisfy faultdispatch.Handler, routing a
// distributor-window access from vcpuIndex through HandleMMIO.
func (g *VGIC) ReadMMIO(vcpuIndex int, offset uint64, width int) (uint64, error) {
	return g.HandleMMIO(AccessContext{VCPUIndex: vcpuIndex}, offset, width, false, 0)
}

func (g *VGIC) WriteMMIO(vcpuIndex int, offset uint64, width int, value uint64) error {
	_, err := g.HandleMMIO(AccessContext{VCPUIndex: vcpuIndex}, offset, width, true, value)
	return err
}

// HandleMMIO emulates one word- or byte-granularity distributor register
// access at byte offset within the GICD window (§4.2.1).
func (g *VGIC) HandleMMIO(ctx AccessContext, offset uint64, width int, isWrite bool, value uint64) (uint64, error) {
	if offset >= distWindowEnd {
		return 0, vmm.NewError("vgic.HandleMMIO", vmm.KindNotPresent, fmt.Errorf("offset 0x%x out of distributor window", offset))
	}
	c, err := g.vcpu(ctx.VCPUIndex)
	if err != nil {
		return 0, err
	}

	switch {
	case offset == offCTLR:
		if isWrite {
			g.Dist.CTLR = uint32(value)
			return 0, nil
		}
		return uint64(g.Dist.CTLR), nil

	case offset == offTYPER:
		if isWrite {
			return 0, nil // RO
		}
		itLines := uint32((g.Dist.SPIMax+31)/32 - 1)
		cpuCount := uint32(len(g.VCPU) - 1)
		return uint64(itLines | (cpuCount << 5)), nil

	case offset == offIIDR:
		if isWrite {
			return 0, nil // RO
		}
		return uint64(g.HW.IIDR()), nil

	case offset >= offISENA && offset < offICENA:
		return g.handleSetEnable(ctx, c, offset-offISENA, isWrite, uint32(value))

	case offset >= offICENA && offset < offISPEND:
		return g.handleClearEnable(ctx, c, offset-offICENA, isWrite, uint32(value))

	case offset >= offISPEND && offset < offICPEND:
		return g.handleSetPending(ctx, offset-offISPEND, isWrite, uint32(value))

	case offset >= offICPEND && offset < offIPRIO:
		return g.handleClearPending(ctx, offset-offICPEND, isWrite, uint32(value))

	case offset >= offIPRIO && offset < offITARG:
		return g.handlePriority(ctx, c, offset-offIPRIO, isWrite, uint8(value))

	case offset >= offITARG && offset < offICFGR:
		return g.handleTargets(ctx, offset-offITARG, isWrite, uint8(value))

	case offset >= offICFGR && offset < offSGIR:
		return g.handleConfig(offset-offICFGR, isWrite, uint32(value))

	case offset == offSGIR:
		if !isWrite {
			return 0, nil // WO
		}
		return 0, g.handleSGIR(ctx, uint32(value))

	case offset >= offCPEND && offset < offSPEND+16:
		// CPENDSGIRn/SPENDSGIRn: implemented RAZ/WI. Source-CPU pending
		// bookkeeping for SGIs is already carried end-to-end through the
		// list-register PID field set by EncodeSGI on drain, so these
		// registers have no software state backing them here.
		return 0, nil

	default:
		return 0, vmm.NewError("vgic.HandleMMIO", vmm.KindNotPresent, fmt.Errorf("unhandled distributor offset 0x%x", offset))
	}
}

func wordIndexAndIRQBase(rangeOffset uint64) (word int, irqBase int) {
	word = int(rangeOffset / 4)
	return word, word * 32
}

func (g *VGIC) handleSetEnable(ctx AccessContext, c *VGICC, rangeOffset uint64, isWrite bool, value uint32) (uint64, error) {
	word, base := wordIndexAndIRQBase(rangeOffset)
	if word == 0 {
		if isWrite {
			c.SGIPPIIsEnabler |= value
			for bit := 0; bit < 32; bit++ {
				if value&(1<<uint(bit)) != 0 {
					g.HW.EnableInt(bit, true)
				}
			}
			return 0, nil
		}
		return uint64(c.SGIPPIIsEnabler), nil
	}
	idx := word - 1
	if idx < 0 || idx >= len(g.Dist.SCEnabler) {
		return 0, vmm.NewError("vgic.handleSetEnable", vmm.KindNotPresent, fmt.Errorf("SPI enable word %d out of range", idx))
	}
	if isWrite {
		g.Dist.SCEnabler[idx] |= value
		for bit := 0; bit < 32; bit++ {
			if value&(1<<uint(bit)) != 0 {
				g.HW.EnableInt(base+bit, true)
			}
		}
		return 0, nil
	}
	return uint64(g.Dist.SCEnabler[idx]), nil
}

func (g *VGIC) handleClearEnable(ctx AccessContext, c *VGICC, rangeOffset uint64, isWrite bool, value uint32) (uint64, error) {
	word, base := wordIndexAndIRQBase(rangeOffset)
	if word == 0 {
		if isWrite {
			c.SGIPPIIsEnabler &^= value
			for bit := 0; bit < 32; bit++ {
				if value&(1<<uint(bit)) != 0 {
					g.HW.EnableInt(bit, false)
				}
			}
			return 0, nil
		}
		return uint64(c.SGIPPIIsEnabler), nil
	}
	idx := word - 1
	if idx < 0 || idx >= len(g.Dist.SCEnabler) {
		return 0, vmm.NewError("vgic.handleClearEnable", vmm.KindNotPresent, fmt.Errorf("SPI enable word %d out of range", idx))
	}
	if isWrite {
		g.Dist.SCEnabler[idx] &^= value
		for bit := 0; bit < 32; bit++ {
			if value&(1<<uint(bit)) != 0 {
				g.HW.EnableInt(base+bit, false)
			}
		}
		return 0, nil
	}
	return uint64(g.Dist.SCEnabler[idx]), nil
}

// targetVCPUForID resolves which vCPU owns id's pending state: the
// currently faulting vCPU for SGI/PPI ids, the lowest bit of ITARGETSR for
// SPI ids.
func (g *VGIC) targetVCPUForID(ctx AccessContext, id int) (int, bool) {
	if id < vmm.SPIBase {
		return ctx.VCPUIndex, true
	}
	if id >= len(g.Dist.ITargetsR) {
		return 0, false
	}
	mask := g.Dist.ITargetsR[id]
	if mask == 0 {
		return 0, false
	}
	return bits.TrailingZeros8(mask), true
}

func (g *VGIC) handleSetPending(ctx AccessContext, rangeOffset uint64, isWrite bool, value uint32) (uint64, error) {
	_, base := wordIndexAndIRQBase(rangeOffset)
	var out uint32
	for bit := 0; bit < 32; bit++ {
		id := base + bit
		vcpuIdx, ok := g.targetVCPUForID(ctx, id)
		if !ok {
			continue
		}
		c, err := g.vcpu(vcpuIdx)
		if err != nil {
			continue
		}
		if isWrite && value&(1<<uint(bit)) != 0 {
			c.setPendingBit(id)
		}
		if c.pendingBit(id) {
			out |= 1 << uint(bit)
		}
	}
	return uint64(out), nil
}

func (g *VGIC) handleClearPending(ctx AccessContext, rangeOffset uint64, isWrite bool, value uint32) (uint64, error) {
	_, base := wordIndexAndIRQBase(rangeOffset)
	var out uint32
	for bit := 0; bit < 32; bit++ {
		id := base + bit
		vcpuIdx, ok := g.targetVCPUForID(ctx, id)
		if !ok {
			continue
		}
		c, err := g.vcpu(vcpuIdx)
		if err != nil {
			continue
		}
		if isWrite && value&(1<<uint(bit)) != 0 {
			c.clearPendingBit(id)
			if vcpuIdx == ctx.VCPUIndex {
				for lr := 0; lr < vmm.LRCount; lr++ {
					word := g.HW.ReadLR(lr)
					if word != 0 && int(gichw.DecodeVirtualID(word)) == id {
						g.HW.WriteLR(lr, 0)
					}
				}
			}
		}
		if c.pendingBit(id) {
			out |= 1 << uint(bit)
		}
	}
	return uint64(out), nil
}

func (g *VGIC) handlePriority(ctx AccessContext, c *VGICC, rangeOffset uint64, isWrite bool, value uint8) (uint64, error) {
	id := int(rangeOffset)
	if id < vmm.SPIBase {
		if isWrite {
			c.SGIPPIIPriorityR[id] = value
			g.HW.SetPriority(id, value)
			return 0, nil
		}
		return uint64(c.SGIPPIIPriorityR[id]), nil
	}
	if id >= len(g.Dist.IPriorityR) {
		return 0, vmm.NewError("vgic.handlePriority", vmm.KindNotPresent, fmt.Errorf("IPRIORITYR id %d out of range", id))
	}
	if isWrite {
		g.Dist.IPriorityR[id] = value
		g.HW.SetPriority(id, value)
		return 0, nil
	}
	return uint64(g.Dist.IPriorityR[id]), nil
}

func (g *VGIC) handleTargets(ctx AccessContext, rangeOffset uint64, isWrite bool, value uint8) (uint64, error) {
	id := int(rangeOffset)
	if id < vmm.SPIBase {
		// Banked, RO: each vCPU reads its own bit set.
		return uint64(1 << uint(ctx.VCPUIndex)), nil
	}
	if id >= len(g.Dist.ITargetsR) {
		return 0, vmm.NewError("vgic.handleTargets", vmm.KindNotPresent, fmt.Errorf("ITARGETSR id %d out of range", id))
	}
	if isWrite {
		g.Dist.ITargetsR[id] = value
		g.HW.SetTarget(id, value)
		return 0, nil
	}
	return uint64(g.Dist.ITargetsR[id]), nil
}

func (g *VGIC) handleConfig(rangeOffset uint64, isWrite bool, value uint32) (uint64, error) {
	word := int(rangeOffset / 4)
	if word == 0 {
		return 0xAAAAAAAA, nil // SGI row: RAZ/WI canonical edge pattern.
	}
	if word == 1 {
		return 0, nil // PPI row: RAZ/WI.
	}
	idx := word
	if idx >= len(g.Dist.ICFGR) {
		return 0, vmm.NewError("vgic.handleConfig", vmm.KindNotPresent, fmt.Errorf("ICFGR word %d out of range", idx))
	}
	if isWrite {
		g.Dist.ICFGR[idx] = value
		if setter, ok := g.HW.(ConfigSetter); ok {
			base := word * 16
			for i := 0; i < 16; i++ {
				edge := value&(1<<uint(i*2+1)) != 0
				setter.SetConfig(base+i, edge)
			}
		}
		return 0, nil
	}
	return uint64(g.Dist.ICFGR[idx]), nil
}

// SGIR target-list filter values (GICD_SGIR bits [25:24]).
const (
	sgirFilterCPUTargetList = 0
	sgirFilterAllButSelf    = 1
	sgirFilterSelfOnly      = 2
)

// handleSGIR decodes a GICD_SGIR write and broadcasts the named SGI to
// every matching vCPU (§4.2.2 "SGI broadcast").
func (g *VGIC) handleSGIR(ctx AccessContext, value uint32) error {
	id := int(value & 0xf)
	filter := (value >> 24) & 0x3
	cpuTargetList := uint8((value >> 16) & 0xff)

	switch filter {
	case sgirFilterCPUTargetList:
		for i := 0; i < len(g.VCPU); i++ {
			if cpuTargetList&(1<<uint(i)) != 0 {
				if err := g.InjectSGI(id, uint8(ctx.VCPUIndex), i, ctx.VCPUIndex); err != nil {
					return err
				}
			}
		}
	case sgirFilterAllButSelf:
		for i := 0; i < len(g.VCPU); i++ {
			if i == ctx.VCPUIndex {
				continue
			}
			if err := g.InjectSGI(id, uint8(ctx.VCPUIndex), i, ctx.VCPUIndex); err != nil {
				return err
			}
		}
	case sgirFilterSelfOnly:
		if err := g.InjectSGI(id, uint8(ctx.VCPUIndex), ctx.VCPUIndex, ctx.VCPUIndex); err != nil {
			return err
		}
	default:
		return vmm.NewError("vgic.handleSGIR", vmm.KindBadParameter, fmt.Errorf("reserved SGIR filter value %d", filter))
	}
	return nil
}
