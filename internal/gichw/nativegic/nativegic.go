//go:build linux && arm64

// Package nativegic is a real-hardware gichw.Interface backed by a
// physical GICv2 distributor/CPU-interface MMIO mapping, dynamically
// bound through libc via purego rather than cgo — the same technique the
// teacher uses to bind Apple's Hypervisor.framework for HVF and X11 for
// clipboard access, applied here to mmap(2)/munmap(2) so this package
// never needs a C compiler in its build. It is the hardware-backed
// counterpart to softhw's in-process stand-in: softhw satisfies
// gichw.Interface for tests and the demo binary, nativegic satisfies it
// against an actual GICv2 on a real ARMv8-A host running under EL2.
package nativegic

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/armhv/hvcore/internal/gichw"
	"github.com/ebitengine/purego"
)

const (
	protRead  = 0x1
	protWrite = 0x2
	mapShared = 0x1

	// GICv2 distributor/CPU-interface register offsets this backend
	// actually touches (a subset of internal/vgic/mmio.go's emulated
	// offsets — here they name physical, not virtual, registers).
	gicdISENABLER = 0x100
	gicdICENABLER = 0x180
	gicdIPRIORITYR = 0x400
	gicdITARGETSR  = 0x800
	gicdTYPER      = 0x004
	gicdIIDR       = 0x008

	gichELRSR0 = 0x030
	gichLR0    = 0x100
)

var (
	libcOnce sync.Once
	libcErr  error

	libcMmap   func(addr unsafe.Pointer, length uintptr, prot, flags, fd int32, offset int64) unsafe.Pointer
	libcMunmap func(addr unsafe.Pointer, length uintptr) int32
	libcOpen   func(path string, flags int32) int32
	libcClose  func(fd int32) int32
)

func loadLibc() error {
	libcOnce.Do(func() {
		lib, err := purego.Dlopen("libc.so.6", purego.RTLD_NOW|purego.RTLD_GLOBAL)
		if err != nil {
			libcErr = fmt.Errorf("nativegic: dlopen libc: %w", err)
			return
		}
		purego.RegisterLibFunc(&libcMmap, lib, "mmap")
		purego.RegisterLibFunc(&libcMunmap, lib, "munmap")
		purego.RegisterLibFunc(&libcOpen, lib, "open")
		purego.RegisterLibFunc(&libcClose, lib, "close")
	})
	return libcErr
}

// GIC maps the physical GICv2 distributor and hypervisor-interface
// windows from /dev/mem and implements gichw.Interface directly against
// them. This is the real-hardware leaf of the interrupt-controller
// primitive layer: everything above gichw.Interface (vgic, faultdispatch)
// is identical whether it is driven by this or by softhw.
type GIC struct {
	mu sync.Mutex

	fd int32

	distBase unsafe.Pointer
	distLen  uintptr
	gichBase unsafe.Pointer
	gichLen  uintptr
}

// Open maps distBase/distSize (GICD_*) and gichBase/gichSize (GICH_*,
// the hypervisor-interface block, distinct from the GICC block the guest
// itself traps through) from physical memory via /dev/mem.
func Open(distBase, distSize, gichBase, gichSize uint64) (*GIC, error) {
	if err := loadLibc(); err != nil {
		return nil, err
	}

	const oRDWR = 0x2
	const oSYNC = 0x101000
	fd := libcOpen("/dev/mem\x00", oRDWR|oSYNC)
	if fd < 0 {
		return nil, fmt.Errorf("nativegic: open /dev/mem failed (need CAP_SYS_RAWIO)")
	}

	dist := libcMmap(nil, uintptr(distSize), protRead|protWrite, mapShared, fd, int64(distBase))
	if dist == nil || uintptr(dist) == ^uintptr(0) {
		libcClose(fd)
		return nil, fmt.Errorf("nativegic: mmap distributor at 0x%x failed", distBase)
	}

	gich := libcMmap(nil, uintptr(gichSize), protRead|protWrite, mapShared, fd, int64(gichBase))
	if gich == nil || uintptr(gich) == ^uintptr(0) {
		libcMunmap(dist, uintptr(distSize))
		libcClose(fd)
		return nil, fmt.Errorf("nativegic: mmap hypervisor interface at 0x%x failed", gichBase)
	}

	return &GIC{
		fd:       fd,
		distBase: dist,
		distLen:  uintptr(distSize),
		gichBase: gich,
		gichLen:  uintptr(gichSize),
	}, nil
}

// Close unmaps both windows and closes the backing fd.
func (g *GIC) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	libcMunmap(g.distBase, g.distLen)
	libcMunmap(g.gichBase, g.gichLen)
	return errnoToError(libcClose(g.fd))
}

func errnoToError(rc int32) error {
	if rc != 0 {
		return fmt.Errorf("nativegic: close failed, rc=%d", rc)
	}
	return nil
}

func (g *GIC) distReg32(offset uintptr) *uint32 {
	return (*uint32)(unsafe.Pointer(uintptr(g.distBase) + offset))
}

func (g *GIC) gichReg32(offset uintptr) *uint32 {
	return (*uint32)(unsafe.Pointer(uintptr(g.gichBase) + offset))
}

func (g *GIC) EnableInt(id int, on bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	word, bit := id/32, uint32(id%32)
	if on {
		*g.distReg32(gicdISENABLER + uintptr(word)*4) = 1 << bit
	} else {
		*g.distReg32(gicdICENABLER + uintptr(word)*4) = 1 << bit
	}
}

func (g *GIC) SetPriority(id int, value uint8) {
	g.mu.Lock()
	defer g.mu.Unlock()
	reg := g.distReg32(gicdIPRIORITYR + uintptr(id&^3))
	shift := uint32(id%4) * 8
	*reg = (*reg &^ (0xff << shift)) | (uint32(value) << shift)
}

func (g *GIC) SetTarget(id int, mask uint8) {
	g.mu.Lock()
	defer g.mu.Unlock()
	reg := g.distReg32(gicdITARGETSR + uintptr(id&^3))
	shift := uint32(id%4) * 8
	*reg = (*reg &^ (0xff << shift)) | (uint32(mask) << shift)
}

func (g *GIC) ReadLR(idx int) uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	lo := *g.gichReg32(gichLR0 + uintptr(idx)*4)
	return uint64(lo)
}

func (g *GIC) WriteLR(idx int, value uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	*g.gichReg32(gichLR0 + uintptr(idx)*4) = uint32(value)
}

func (g *GIC) ELSR() uint32 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return *g.gichReg32(gichELRSR0)
}

func (g *GIC) TYPER() uint32 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return *g.distReg32(gicdTYPER)
}

func (g *GIC) IIDR() uint32 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return *g.distReg32(gicdIIDR)
}

var _ gichw.Interface = (*GIC)(nil)
