package hv

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sync"
)

// FixedRegion is one pre-determined MMIO window (GICD, the virtio MMIO
// scan range, the UART) carved out of guest physical address space ahead
// of RAM allocation.
type FixedRegion struct {
	Name string
	Base uint64
	Size uint64
}

// AddressSpace tracks the fixed MMIO windows registered against a VM's
// guest-physical memory and guards against any of them overlapping RAM or
// each other. This core's device set is static and known at startup, so
// unlike a PCI-enumerated guest there is no dynamic MMIO allocator here:
// every region is registered by RegisterFixed once, at boot.
type AddressSpace struct {
	mu sync.Mutex

	arch    CpuArchitecture
	ramBase uint64
	ramSize uint64

	fixed []FixedRegion
}

// NewAddressSpace describes the guest-physical RAM window [ramBase,
// ramBase+ramSize) for arch. Fixed MMIO regions registered afterward are
// checked against this window.
func NewAddressSpace(arch CpuArchitecture, ramBase, ramSize uint64) *AddressSpace {
	return &AddressSpace{arch: arch, ramBase: ramBase, ramSize: ramSize}
}

// RegisterFixed records a pre-determined MMIO region, rejecting it if it
// overlaps RAM or a previously registered fixed region.
func (a *AddressSpace) RegisterFixed(name string, base, size uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if size == 0 {
		return fmt.Errorf("hv: cannot register zero-size fixed region %s", name)
	}

	end := base + size
	ramEnd := a.ramBase + a.ramSize
	if base < ramEnd && end > a.ramBase {
		return fmt.Errorf("hv: fixed region %s [0x%x-0x%x) overlaps RAM [0x%x-0x%x)",
			name, base, end, a.ramBase, ramEnd)
	}

	for _, r := range a.fixed {
		rEnd := r.Base + r.Size
		if base < rEnd && end > r.Base {
			return fmt.Errorf("hv: fixed region %s [0x%x-0x%x) overlaps region %s [0x%x-0x%x)",
				name, base, end, r.Name, r.Base, rEnd)
		}
	}

	a.fixed = append(a.fixed, FixedRegion{Name: name, Base: base, Size: size})
	return nil
}

// FixedRegions returns a copy of every region registered so far.
func (a *AddressSpace) FixedRegions() []FixedRegion {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]FixedRegion, len(a.fixed))
	copy(out, a.fixed)
	return out
}

// Architecture returns the guest instruction set this address space was
// built for.
func (a *AddressSpace) Architecture() CpuArchitecture {
	return a.arch
}

// VMConfigHash identifies a VM's static configuration. A snapshot can only
// be restored into a VM whose hash matches the one it was captured under.
type VMConfigHash [32]byte

// DeviceConfig captures one device's placement for hashing.
type DeviceConfig struct {
	ID      string
	Base    uint64
	Size    uint64
	IRQLine uint32
}

// ComputeConfigHash derives a deterministic hash from a VM's architecture,
// memory layout, vCPU count, and device placement. deviceConfigs order is
// significant: callers must pass devices in a stable order for the hash to
// be reproducible across runs.
func ComputeConfigHash(arch CpuArchitecture, memSize, memBase uint64, cpuCount int, deviceConfigs []DeviceConfig) VMConfigHash {
	h := sha256.New()

	h.Write([]byte(arch))
	h.Write([]byte{0})

	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], memSize)
	h.Write(buf[:])
	binary.LittleEndian.PutUint64(buf[:], memBase)
	h.Write(buf[:])
	binary.LittleEndian.PutUint64(buf[:], uint64(cpuCount))
	h.Write(buf[:])

	for _, dc := range deviceConfigs {
		h.Write([]byte(dc.ID))
		h.Write([]byte{0})
		binary.LittleEndian.PutUint64(buf[:], dc.Base)
		h.Write(buf[:])
		binary.LittleEndian.PutUint64(buf[:], dc.Size)
		h.Write(buf[:])
		binary.LittleEndian.PutUint32(buf[:4], dc.IRQLine)
		h.Write(buf[:4])
	}

	var result VMConfigHash
	copy(result[:], h.Sum(nil))
	return result
}

// String renders the hash as lowercase hex.
func (h VMConfigHash) String() string {
	const hexChars = "0123456789abcdef"
	out := make([]byte, 64)
	for i, b := range h {
		out[i*2] = hexChars[b>>4]
		out[i*2+1] = hexChars[b&0x0f]
	}
	return string(out)
}
