// Package softhw is a software-emulated gichw.Interface: it behaves like
// a real GICv2 distributor/CPU-interface/hypervisor-interface pair closely
// enough to drive the vgic package's unit tests and the cmd/hvcore-sim
// demo without real EL2 hardware underneath: a from-scratch interrupt
// controller answering fixed register offsets rather than delegating to a
// host kernel, satisfying gichw.Interface directly instead of an MMIO
// ReadAt/WriteAt surface.
package softhw

import (
	"math/bits"
	"sync"

	"github.com/armhv/hvcore/internal/gichw"
)

const lrCount = 4

// SoftGIC is an in-process GICv2 stand-in. enabled/priority/target are
// indexed directly by IRQ id.
type SoftGIC struct {
	mu sync.Mutex

	enabled  map[int]bool
	priority map[int]uint8
	target   map[int]uint8

	lr   [lrCount]uint64
	elsr uint32

	typer uint32
	iidr  uint32
}

// New returns a SoftGIC with all list registers initially free and the
// given TYPER/IIDR passthrough values.
func New(typer, iidr uint32) *SoftGIC {
	g := &SoftGIC{
		enabled:  make(map[int]bool),
		priority: make(map[int]uint8),
		target:   make(map[int]uint8),
		typer:    typer,
		iidr:     iidr,
	}
	g.elsr = (uint32(1) << lrCount) - 1
	return g
}

func (g *SoftGIC) EnableInt(id int, on bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.enabled[id] = on
}

func (g *SoftGIC) SetPriority(id int, value uint8) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.priority[id] = value
}

func (g *SoftGIC) SetTarget(id int, mask uint8) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.target[id] = mask
}

func (g *SoftGIC) ReadLR(idx int) uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	if idx < 0 || idx >= lrCount {
		return 0
	}
	return g.lr[idx]
}

func (g *SoftGIC) WriteLR(idx int, value uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if idx < 0 || idx >= lrCount {
		return
	}
	g.lr[idx] = value
	if value == 0 {
		g.elsr |= 1 << uint(idx)
	} else {
		g.elsr &^= 1 << uint(idx)
	}
}

func (g *SoftGIC) ELSR() uint32 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.elsr
}

func (g *SoftGIC) TYPER() uint32 {
	return g.typer
}

func (g *SoftGIC) IIDR() uint32 {
	return g.iidr
}

// LowestFreeLR returns the lowest-indexed free list register, or -1 if
// none is free, using the same trailing-zero tie-break the design
// requires for LR selection.
func (g *SoftGIC) LowestFreeLR() int {
	elsr := g.ELSR()
	if elsr == 0 {
		return -1
	}
	return bits.TrailingZeros32(elsr)
}

var _ gichw.Interface = (*SoftGIC)(nil)
