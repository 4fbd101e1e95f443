// Package hostblk is the host-side VirtIO block front-end: it scans the
// fixed VirtIO MMIO slot range for a real block device, negotiates
// features, and drives queue 0 to service sector reads/writes (§4.5
// "VirtIO front-end"). The back-end virtio package here is entirely
// guest-facing, so this front-end's register sequencing is grounded
// directly in the VirtIO 1.0 MMIO handshake the kept back-end
// (`internal/devices/virtio/mmio.go`) implements the other side of, and
// its bounded-spin polling follows design note "spin-loops as
// poll-until-done" (`internal/vmm.PollUntil`).
package hostblk

import (
	"encoding/binary"
	"fmt"

	"github.com/armhv/hvcore/internal/regcodec"
	"github.com/armhv/hvcore/internal/vmm"
)

// VirtIO MMIO register offsets this driver touches (§4.5, mirrors the
// back-end's internal/devices/virtio/mmio.go layout).
const (
	regMagic           = 0x000
	regVersion         = 0x004
	regDeviceID        = 0x008
	regDeviceFeatures  = 0x010
	regDeviceFeatSel   = 0x014
	regDriverFeatures  = 0x020
	regDriverFeatSel   = 0x024
	regQueueSel        = 0x030
	regQueueNumMax     = 0x034
	regQueueNum        = 0x038
	regQueueReady      = 0x044
	regQueueNotify     = 0x050
	regInterruptStatus = 0x060
	regInterruptAck    = 0x064
	regStatus          = 0x070
	regQueueDescLow    = 0x080
	regQueueDescHigh   = 0x084
	regQueueAvailLow   = 0x090
	regQueueAvailHigh  = 0x094
	regQueueUsedLow    = 0x0a0
	regQueueUsedHigh   = 0x0a4
)

const (
	magicValue  = 0x74726976 // "virt" little-endian
	blockDevID  = 2
	mmioVersion = 2
)

// Status register bits (VirtIO 1.0 §2.1).
const (
	statusAcknowledge     = 1 << 0
	statusDriver          = 1 << 1
	statusDriverOK        = 1 << 2
	statusFeaturesOK      = 1 << 3
	statusDeviceNeedsReset = 1 << 6
	statusFailed          = 1 << 7
)

const descSize = 16 // {addr u64, len u32, flags u16, next u16}

// Descriptor flags.
const (
	descFlagNext  = 1
	descFlagWrite = 2 // device-writable, i.e. host reads into this buffer
)

// VIRTIO_BLK request types and status codes (VirtIO 1.0 §5.2).
const (
	blkTypeIn  = 0 // read
	blkTypeOut = 1 // write

	blkStatusOK     = 0
	blkStatusIOErr  = 1
	blkStatusUnsupp = 2
)

const sectorSize = 512

// pollBudget bounds every spin-wait on device-side queue drain.
const pollBudget = 1_000_000

// Frontend drives one discovered VirtIO block device's queue 0. mem is the
// front-end's own flat memory arena backing the virtqueue and request
// buffers; addresses placed in descriptors are plain byte offsets into it,
// since this driver and the device model it talks to share one address
// space (no IOMMU modeled, per spec Non-goals).
type Frontend struct {
	bus  regcodec.Bus
	base uint64
	mem  []byte

	qSize    uint16
	descOff  uint64
	availOff uint64
	usedOff  uint64
	dataOff  uint64

	lastUsedIdx uint16
}

// Scan probes the fixed VirtIO MMIO slot range for a block device (device
// id 2) and returns its slot base address.
func Scan(bus regcodec.Bus) (uint64, error) {
	for slot := 0; slot < vmm.VirtioScanSlotCount; slot++ {
		base := vmm.VirtioScanBase + uint64(slot)*vmm.VirtioScanSlotSize
		if bus.Read32(base+regMagic) != magicValue {
			continue
		}
		if bus.Read32(base+regVersion) != mmioVersion {
			continue
		}
		if bus.Read32(base+regDeviceID) == blockDevID {
			return base, nil
		}
	}
	return 0, vmm.NewError("hostblk.Scan", vmm.KindNotPresent, fmt.Errorf("no virtio-blk device found in scan range"))
}

// Init negotiates features and sets up queue 0 against the device at base,
// using mem as the front-end's queue/request memory arena.
func Init(bus regcodec.Bus, base uint64, mem []byte) (*Frontend, error) {
	bus.Write32(base+regStatus, 0) // reset
	bus.Write32(base+regStatus, statusAcknowledge)
	bus.Write32(base+regStatus, statusAcknowledge|statusDriver)

	bus.Write32(base+regDeviceFeatSel, 0)
	_ = bus.Read32(base + regDeviceFeatures) // no optional features accepted
	bus.Write32(base+regDriverFeatSel, 0)
	bus.Write32(base+regDriverFeatures, 0)

	bus.Write32(base+regStatus, statusAcknowledge|statusDriver|statusFeaturesOK)
	if bus.Read32(base+regStatus)&statusFeaturesOK == 0 {
		bus.Write32(base+regStatus, statusFailed)
		return nil, vmm.NewError("hostblk.Init", vmm.KindDeviceError, fmt.Errorf("device rejected requested feature set"))
	}

	bus.Write32(base+regQueueSel, 0)
	qMax := bus.Read32(base + regQueueNumMax)
	if qMax == 0 {
		return nil, vmm.NewError("hostblk.Init", vmm.KindDeviceError, fmt.Errorf("queue 0 unavailable"))
	}
	qSize := uint16(qMax)
	if qSize > 256 {
		qSize = 256
	}
	bus.Write32(base+regQueueNum, uint32(qSize))

	f := &Frontend{bus: bus, base: base, mem: mem, qSize: qSize}
	f.descOff = 0
	f.availOff = f.descOff + uint64(qSize)*descSize
	availSize := uint64(6) + uint64(qSize)*2
	f.usedOff = f.availOff + availSize
	usedSize := uint64(6) + uint64(qSize)*8
	f.dataOff = f.usedOff + usedSize

	if f.dataOff+sectorSize*128+16 > uint64(len(mem)) {
		return nil, vmm.NewError("hostblk.Init", vmm.KindBadParameter, fmt.Errorf("memory arena too small for queue size %d", qSize))
	}

	bus.Write32(base+regQueueDescLow, uint32(f.descOff))
	bus.Write32(base+regQueueDescHigh, uint32(f.descOff>>32))
	bus.Write32(base+regQueueAvailLow, uint32(f.availOff))
	bus.Write32(base+regQueueAvailHigh, uint32(f.availOff>>32))
	bus.Write32(base+regQueueUsedLow, uint32(f.usedOff))
	bus.Write32(base+regQueueUsedHigh, uint32(f.usedOff>>32))
	bus.Write32(base+regQueueReady, 1)

	bus.Write32(base+regStatus, statusAcknowledge|statusDriver|statusFeaturesOK|statusDriverOK)

	return f, nil
}

func (f *Frontend) putDescriptor(idx uint16, addr uint64, length uint32, flags uint16, next uint16) {
	off := f.descOff + uint64(idx)*descSize
	binary.LittleEndian.PutUint64(f.mem[off:], addr)
	binary.LittleEndian.PutUint32(f.mem[off+8:], length)
	binary.LittleEndian.PutUint16(f.mem[off+12:], flags)
	binary.LittleEndian.PutUint16(f.mem[off+14:], next)
}

func (f *Frontend) availRingIdx() uint16 {
	return binary.LittleEndian.Uint16(f.mem[f.availOff+2:])
}

func (f *Frontend) setAvailRingIdx(v uint16) {
	binary.LittleEndian.PutUint16(f.mem[f.availOff+2:], v)
}

func (f *Frontend) setAvailRingEntry(slot, descHead uint16) {
	off := f.availOff + 4 + uint64(slot)*2
	binary.LittleEndian.PutUint16(f.mem[off:], descHead)
}

func (f *Frontend) usedRingIdx() uint16 {
	return binary.LittleEndian.Uint16(f.mem[f.usedOff+2:])
}

// submitAndWait pushes one 3-descriptor chain (header|data|status),
// notifies the device, and bounded-spin-polls the used ring until it
// advances (128-sector batching keeps the wait short in practice: the
// caller never submits more than 128 sectors per call).
func (f *Frontend) submitAndWait(reqType uint32, sector uint64, data []byte, dataIsDeviceWrite bool) (uint8, error) {
	headerOff := f.dataOff
	dataOff := headerOff + 16
	statusOff := dataOff + uint64(len(data))
	if statusOff+1 > uint64(len(f.mem)) {
		return 0, vmm.NewError("hostblk.submitAndWait", vmm.KindBadParameter, fmt.Errorf("request too large for scratch area"))
	}

	binary.LittleEndian.PutUint32(f.mem[headerOff:], reqType)
	binary.LittleEndian.PutUint32(f.mem[headerOff+4:], 0)
	binary.LittleEndian.PutUint64(f.mem[headerOff+8:], sector)
	if !dataIsDeviceWrite {
		copy(f.mem[dataOff:], data)
	}
	f.mem[statusOff] = 0xff

	dataFlags := uint16(descFlagNext)
	if dataIsDeviceWrite {
		dataFlags |= descFlagWrite
	}
	f.putDescriptor(0, headerOff, 16, descFlagNext, 1)
	f.putDescriptor(1, dataOff, uint32(len(data)), dataFlags, 2)
	f.putDescriptor(2, statusOff, 1, descFlagWrite, 0)

	slot := f.availRingIdx() % f.qSize
	f.setAvailRingEntry(slot, 0)
	f.setAvailRingIdx(f.availRingIdx() + 1)

	f.bus.Write32(f.base+regQueueNotify, 0)

	wantIdx := f.lastUsedIdx + 1
	err := vmm.PollUntil("hostblk.submitAndWait", pollBudget, func() bool {
		return f.usedRingIdx() == wantIdx
	})
	if err != nil {
		return 0, err
	}
	f.lastUsedIdx = wantIdx

	if dataIsDeviceWrite {
		copy(data, f.mem[dataOff:dataOff+uint64(len(data))])
	}
	return f.mem[statusOff], nil
}

// ReadSectors reads up to 128 sectors starting at sector into buf, which
// must be a multiple of 512 bytes and no larger than 128*512.
func (f *Frontend) ReadSectors(sector uint64, buf []byte) error {
	if len(buf) == 0 || len(buf)%sectorSize != 0 || len(buf) > 128*sectorSize {
		return vmm.NewError("hostblk.ReadSectors", vmm.KindBadParameter, fmt.Errorf("buffer length %d invalid", len(buf)))
	}
	status, err := f.submitAndWait(blkTypeIn, sector, buf, true)
	if err != nil {
		return err
	}
	return statusToError("hostblk.ReadSectors", status)
}

// WriteSectors writes up to 128 sectors starting at sector from buf.
func (f *Frontend) WriteSectors(sector uint64, buf []byte) error {
	if len(buf) == 0 || len(buf)%sectorSize != 0 || len(buf) > 128*sectorSize {
		return vmm.NewError("hostblk.WriteSectors", vmm.KindBadParameter, fmt.Errorf("buffer length %d invalid", len(buf)))
	}
	status, err := f.submitAndWait(blkTypeOut, sector, buf, false)
	if err != nil {
		return err
	}
	return statusToError("hostblk.WriteSectors", status)
}

func statusToError(op string, status uint8) error {
	switch status {
	case blkStatusOK:
		return nil
	case blkStatusUnsupp:
		return vmm.NewError(op, vmm.KindUnsupported, fmt.Errorf("device returned VIRTIO_BLK_S_UNSUPP"))
	default:
		return vmm.NewError(op, vmm.KindDeviceError, fmt.Errorf("device returned status %d", status))
	}
}
