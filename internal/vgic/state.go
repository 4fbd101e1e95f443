// Package vgic implements the virtual Generic Interrupt Controller: per-VM
// distributor emulation plus per-vCPU list-register state, pending-bitmap
// bookkeeping, and injection of SGI/PPI/SPI virtual interrupts through the
// gichw primitive layer (§4.2). One VGIC instance is owned exclusively by
// one VM; one VGICC slice entry is owned exclusively by one vCPU.
package vgic

import (
	"github.com/armhv/hvcore/internal/gichw"
	"github.com/armhv/hvcore/internal/vmm"
)

// Distributor is the one-per-VM distributor state (§3 "Distributor
// state"). Arrays are sized to SPIMax; SGI/PPI rows of IPriorityR/
// ITargetsR/ICFGR are accepted here but the MMIO handlers in mmio.go only
// ever read/write them for id>=32 — the SGI/PPI portion of those three
// registers is banked per-vCPU and lives in VGICC instead.
type Distributor struct {
	CTLR uint32

	IPriorityR []uint8  // length SPIMax, meaningful for ids [32,SPIMax)
	ITargetsR  []uint8  // length SPIMax, meaningful for ids [32,SPIMax)
	ICFGR      []uint32 // length ceil(SPIMax/16), words 0 (SGI) and 1 (PPI) are RAZ/WI rows
	SCEnabler  []uint32 // SPI enable bitmap, bit (id-32) within word (id-32)/32

	SPIMax int
}

// NewDistributor allocates a Distributor sized for spiMax IRQ ids.
func NewDistributor(spiMax int) Distributor {
	return Distributor{
		IPriorityR: make([]uint8, spiMax),
		ITargetsR:  make([]uint8, spiMax),
		ICFGR:      make([]uint32, (spiMax+15)/16),
		SCEnabler:  make([]uint32, (spiMax-vmm.SPIBase+31)/32),
		SPIMax:     spiMax,
	}
}

// VGICC is the per-vCPU slice of vGIC state (§3 "Per-vCPU GIC state").
type VGICC struct {
	VMCR       uint32
	SavedELSR0 uint32
	SavedAPR   uint32
	SavedHCR   uint32
	SavedLR    [vmm.LRCount]uint64

	SGIPPIIsEnabler  uint32    // one word: bit i enables SGI/PPI id i
	SGIPPIIPriorityR [32]uint8 // per-vCPU priority for ids [0,32)

	// IRQPendingMask is a bitmap of software-set pending IRQ ids, sized
	// ceil(SPIMax/32) words, indexed id/32 word and id%32 bit.
	IRQPendingMask []uint32
}

// NewVGICC allocates a VGICC sized for spiMax IRQ ids.
func NewVGICC(spiMax int) *VGICC {
	return &VGICC{
		IRQPendingMask: make([]uint32, (spiMax+31)/32),
	}
}

func (c *VGICC) pendingBit(id int) bool {
	word := id / 32
	if word < 0 || word >= len(c.IRQPendingMask) {
		return false
	}
	return c.IRQPendingMask[word]&(1<<uint(id%32)) != 0
}

func (c *VGICC) setPendingBit(id int) {
	word := id / 32
	if word < 0 || word >= len(c.IRQPendingMask) {
		return
	}
	c.IRQPendingMask[word] |= 1 << uint(id%32)
}

func (c *VGICC) clearPendingBit(id int) {
	word := id / 32
	if word < 0 || word >= len(c.IRQPendingMask) {
		return
	}
	c.IRQPendingMask[word] &^= 1 << uint(id%32)
}

// VGIC is the per-VM virtual interrupt controller: one Distributor plus
// one VGICC per vCPU, all driven through a shared gichw.Interface for
// physical register programming.
type VGIC struct {
	Dist Distributor
	VCPU []*VGICC // indexed by vCPU-within-VM index (MPIDR_EL1 low byte)
	HW   gichw.Interface
}

// New builds a VGIC for a VM with the given vCPU count and SPI_MAX.
func New(vcpuCount, spiMax int, hw gichw.Interface) *VGIC {
	g := &VGIC{
		Dist: NewDistributor(spiMax),
		VCPU: make([]*VGICC, vcpuCount),
		HW:   hw,
	}
	for i := range g.VCPU {
		g.VCPU[i] = NewVGICC(spiMax)
	}
	return g
}

func (g *VGIC) vcpu(idx int) (*VGICC, error) {
	if idx < 0 || idx >= len(g.VCPU) {
		return nil, vmm.NewError("vgic.vcpu", vmm.KindBadParameter, errVCPUIndex(idx))
	}
	return g.VCPU[idx], nil
}

type errVCPUIndex int

func (e errVCPUIndex) Error() string {
	return "vcpu index out of range"
}
