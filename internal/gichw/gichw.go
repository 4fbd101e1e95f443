// Package gichw is the `gic_hw` external collaborator contract (§6):
// programming real distributor/CPU-interface/hypervisor-interface
// registers. The hypervisor core only ever calls through this interface;
// no package outside gichw/softhw touches real or simulated GIC hardware
// registers directly.
package gichw

// Interface is the primitive layer vgic programs. Implementations own the
// physical (or simulated) GICv2 distributor, CPU interface, and
// hypervisor interface registers.
type Interface interface {
	// EnableInt enables or disables forwarding of a physical IRQ line.
	EnableInt(id int, on bool)
	// SetPriority programs the physical priority register for id.
	SetPriority(id int, value uint8)
	// SetTarget programs the physical CPU target mask for id.
	SetTarget(id int, mask uint8)
	// ReadLR/WriteLR access hypervisor-interface list register idx.
	ReadLR(idx int) uint64
	WriteLR(idx int, value uint64)
	// ELSR returns the Empty List-Register Status bitmask (bit i set ⇔
	// list register i is free).
	ELSR() uint32
	// TYPER returns the hardware TYPER register, read by the distributor
	// emulation with its CPU-count bits overwritten per VM.
	TYPER() uint32
	// IIDR returns the hardware IIDR register, passed through unmodified.
	IIDR() uint32
}

// ListRegisterState decodes the subset of a list register's fields the
// core inspects directly (state bits aside, which are read via ELSR).
type ListRegisterState struct {
	VirtualID uint32
	PhysicalID uint32
	Priority  uint8
	Group1    bool
	HW        bool // true selects "virtual hardware interrupt" encoding
}

// List register field layout (GICv2 hypervisor-interface encoding).
const (
	lrVIDShift   = 0
	lrVIDMask    = 0x3ff
	lrPIDShift   = 10
	lrPIDMask    = 0x3ff
	lrPriShift   = 23
	lrPriMask    = 0x1f
	lrHWBit      = uint64(1) << 31
	lrGroup1Bit  = uint64(1) << 30
	lrStateShift = 28
	lrStateMask  = 0x3

	// LRStatePending marks an IRQ as injected-or-in-flight, per the
	// design's Invariant A.
	LRStatePending = 0x1
)

// EncodeSGI builds the "virtual software SGI" list-register encoding,
// which additionally carries the source CPU id in the physical-id field.
func EncodeSGI(virtualID uint32, sourceCPU uint8, priority uint8) uint64 {
	word := (uint64(virtualID) & lrVIDMask) << lrVIDShift
	word |= (uint64(sourceCPU) & lrPIDMask) << lrPIDShift
	word |= (uint64(priority) & lrPriMask) << lrPriShift
	word |= uint64(LRStatePending) << lrStateShift
	return word
}

// EncodeHardware builds the "virtual hardware interrupt" list-register
// encoding used for PPI and SPI injection, where the virtual and physical
// ids are identical (vid == pid).
func EncodeHardware(id uint32, priority uint8) uint64 {
	word := (uint64(id) & lrVIDMask) << lrVIDShift
	word |= (uint64(id) & lrPIDMask) << lrPIDShift
	word |= (uint64(priority) & lrPriMask) << lrPriShift
	word |= lrHWBit
	word |= uint64(LRStatePending) << lrStateShift
	return word
}

// DecodeVirtualID extracts the virtual interrupt id carried by a
// list-register word, regardless of encoding.
func DecodeVirtualID(lr uint64) uint32 {
	return uint32((lr >> lrVIDShift) & lrVIDMask)
}

// IsFree reports whether list register idx is free according to elsr.
func IsFree(elsr uint32, idx int) bool {
	if idx < 0 || idx >= 32 {
		return false
	}
	return elsr&(1<<uint(idx)) != 0
}
