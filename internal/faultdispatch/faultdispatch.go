// Package faultdispatch demultiplexes stage-2 MMIO faults to device models
// by guest-physical-address range (§4.3): an overlap-checked range table
// built once at VM construction time, then a linear scan on every trap.
package faultdispatch

import (
	"fmt"

	"github.com/armhv/hvcore/internal/debug"
	"github.com/armhv/hvcore/internal/vmm"
)

// Handler emulates one MMIO device model's register window. offset is
// relative to the region's base address. vcpuIndex identifies which vCPU
// of the owning VM produced the access, needed by handlers with banked
// per-vCPU state (the vGIC distributor's SGI/PPI rows); handlers that have
// no such state simply ignore it.
type Handler interface {
	ReadMMIO(vcpuIndex int, offset uint64, width int) (uint64, error)
	WriteMMIO(vcpuIndex int, offset uint64, width int, value uint64) error
}

type binding struct {
	name    string
	base    uint64
	size    uint64
	handler Handler
}

// Builder registers device regions before producing an immutable Table.
type Builder struct {
	bindings []binding
}

// NewBuilder returns an empty Builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// WithRegion registers handler as the owner of [base, base+size). Returns
// an error if the region is degenerate, overflows, or overlaps a region
// already registered.
func (b *Builder) WithRegion(name string, base, size uint64, handler Handler) error {
	if handler == nil {
		return vmm.NewError("faultdispatch.WithRegion", vmm.KindBadParameter, fmt.Errorf("region %q has nil handler", name))
	}
	if size == 0 {
		return vmm.NewError("faultdispatch.WithRegion", vmm.KindBadParameter, fmt.Errorf("region %q has zero size", name))
	}
	if base+size < base {
		return vmm.NewError("faultdispatch.WithRegion", vmm.KindBadParameter, fmt.Errorf("region %q at 0x%x size 0x%x overflows", name, base, size))
	}
	for _, existing := range b.bindings {
		if regionsOverlap(base, size, existing.base, existing.size) {
			return vmm.NewError("faultdispatch.WithRegion", vmm.KindBadParameter,
				fmt.Errorf("region %q (0x%x-0x%x) overlaps %q (0x%x-0x%x)",
					name, base, base+size-1, existing.name, existing.base, existing.base+existing.size-1))
		}
	}
	b.bindings = append(b.bindings, binding{name: name, base: base, size: size, handler: handler})
	return nil
}

// Build finalizes the range table.
func (b *Builder) Build() *Table {
	bindings := make([]binding, len(b.bindings))
	copy(bindings, b.bindings)
	return &Table{bindings: bindings}
}

func regionsOverlap(baseA, sizeA, baseB, sizeB uint64) bool {
	endA := baseA + sizeA
	endB := baseB + sizeB
	return baseA < endB && baseB < endA
}

// Table is the immutable, built range-to-handler dispatch table.
type Table struct {
	bindings []binding
}

// Dispatch routes one decoded MMIO access, sourced from vcpuIndex, to its
// owning handler, or logs the access and returns a NotPresent error if no
// registered region covers addr.
func (t *Table) Dispatch(vcpuIndex int, addr uint64, width int, isWrite bool, value uint64) (uint64, error) {
	accessEnd := addr + uint64(width)
	if accessEnd < addr {
		return 0, vmm.NewError("faultdispatch.Dispatch", vmm.KindBadParameter, fmt.Errorf("MMIO access overflow at 0x%016x", addr))
	}
	for _, bnd := range t.bindings {
		end := bnd.base + bnd.size
		if addr >= bnd.base && accessEnd <= end {
			offset := addr - bnd.base
			debug.Writef("faultdispatch.Dispatch", "region=%s offset=0x%x width=%d isWrite=%t", bnd.name, offset, width, isWrite)
			if isWrite {
				return 0, bnd.handler.WriteMMIO(vcpuIndex, offset, width, value)
			}
			return bnd.handler.ReadMMIO(vcpuIndex, offset, width)
		}
	}
	debug.Writef("faultdispatch.Dispatch", "unmatched addr=0x%x width=%d isWrite=%t", addr, width, isWrite)
	return 0, vmm.NewError("faultdispatch.Dispatch", vmm.KindNotPresent, fmt.Errorf("no handler for MMIO address 0x%016x", addr))
}
