// Package regcodec decodes a trapped instruction's syndrome into a
// strongly typed record and moves one word between a guest register file
// and an emulated backing store, with the fence discipline the design
// requires around both operations (§4.1, §9 "ESR/HSR bit decoding").
package regcodec

import (
	"fmt"

	"github.com/armhv/hvcore/internal/vmm"
)

// Syndrome field layout for an ISS-encoded data-abort (ESR_EL2, DABT
// class), the subset this codec decodes: SRT (bits 20:16), SAS (bits
// 23:22), WnR (bit 6).
const (
	issSRTShift  = 16
	issSRTMask   = 0x1f
	issSASShift  = 22
	issSASMask   = 0x3
	issWnRShift  = 6
	issWnRMask   = 0x1
)

// DecodedAccess is the strongly typed record produced once at trap entry
// and passed everywhere downstream, per design note "ESR/HSR bit decoding".
type DecodedAccess struct {
	RegIndex int
	Width    int // 1, 2, 4, or 8
	IsWrite  bool
}

// Decode extracts {reg_index, width, is_write} from a captured syndrome
// register value.
func Decode(syndrome uint64) (DecodedAccess, error) {
	sas := (syndrome >> issSASShift) & issSASMask
	width, err := widthFromSAS(sas)
	if err != nil {
		return DecodedAccess{}, vmm.NewError("regcodec.Decode", vmm.KindBadParameter, err)
	}
	return DecodedAccess{
		RegIndex: int((syndrome >> issSRTShift) & issSRTMask),
		Width:    width,
		IsWrite:  (syndrome>>issWnRShift)&issWnRMask != 0,
	}, nil
}

func widthFromSAS(sas uint64) (int, error) {
	switch sas {
	case 0:
		return 1, nil
	case 1:
		return 2, nil
	case 2:
		return 4, nil
	case 3:
		return 8, nil
	default:
		return 0, fmt.Errorf("impossible SAS value %d", sas)
	}
}

// refusedWriteIndex is the link register: writes to it are suppressed so a
// synthetic emulation unwind preserves the guest's return address.
const refusedWriteIndex = 30

// GuestRegs is an explicit, indexed accessor over a trapped vCPU's
// general-purpose register file, replacing raw memory aliasing (design
// note "Integer register file aliasing through raw memory writes").
type GuestRegs struct {
	X *[31]uint64
}

// ReadGuestReg returns the full 64-bit value at reg_index.
func (g GuestRegs) ReadGuestReg(regIndex int) (uint64, error) {
	if regIndex < 0 || regIndex >= len(g.X) {
		return 0, vmm.NewError("GuestRegs.ReadGuestReg", vmm.KindBadParameter, fmt.Errorf("register index %d out of range", regIndex))
	}
	return g.X[regIndex], nil
}

// WriteGuestReg zero-extends value to 64 bits when width < 8 and writes it
// to reg_index, except that writes to index 30 (x30/LR) are silently
// suppressed.
func (g GuestRegs) WriteGuestReg(regIndex int, value uint64, width int) error {
	if regIndex < 0 || regIndex >= len(g.X) {
		return vmm.NewError("GuestRegs.WriteGuestReg", vmm.KindBadParameter, fmt.Errorf("register index %d out of range", regIndex))
	}
	switch width {
	case 1, 2, 4, 8:
	default:
		return vmm.NewError("GuestRegs.WriteGuestReg", vmm.KindBadParameter, fmt.Errorf("unsupported width %d", width))
	}
	if regIndex == refusedWriteIndex {
		return nil
	}
	masked := value
	if width < 8 {
		masked = value & ((uint64(1) << (uint(width) * 8)) - 1)
	}
	g.X[regIndex] = masked
	return nil
}

// Fencer issues the full system-level data-synchronization and
// instruction-synchronization fence required around every MMIO codec
// operation. The default implementation is a no-op so the codec is
// exercisable on non-ARM test hosts; a real EL2 build wires this to the
// DSB SY + ISB primitive layer.
type Fencer interface {
	Fence()
}

type noopFencer struct{}

func (noopFencer) Fence() {}

// NoopFencer is the test/host-default Fencer.
var NoopFencer Fencer = noopFencer{}

// Bus is the `mmio` external collaborator contract (§6): explicit-width
// reads and writes, each bracketed by a Fencer.
type Bus interface {
	Read8(addr uint64) uint8
	Read16(addr uint64) uint16
	Read32(addr uint64) uint32
	Read64(addr uint64) uint64
	Write8(addr uint64, v uint8)
	Write16(addr uint64, v uint16)
	Write32(addr uint64, v uint32)
	Write64(addr uint64, v uint64)
}

// ReadGuestRegFenced performs ReadGuestReg bracketed by Fence() on both
// sides, as required by §4.1.
func ReadGuestRegFenced(f Fencer, g GuestRegs, regIndex int) (uint64, error) {
	f.Fence()
	v, err := g.ReadGuestReg(regIndex)
	f.Fence()
	return v, err
}

// WriteGuestRegFenced performs WriteGuestReg bracketed by Fence() on both
// sides.
func WriteGuestRegFenced(f Fencer, g GuestRegs, regIndex int, value uint64, width int) error {
	f.Fence()
	err := g.WriteGuestReg(regIndex, value, width)
	f.Fence()
	return err
}
