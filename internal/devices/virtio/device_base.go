package virtio

import (
	"fmt"

	"github.com/armhv/hvcore/internal/hv"
	"github.com/armhv/hvcore/internal/timeslice"
)

// MMIODeviceConfig is the device-specific identity and queue shape shared
// by every instance of one virtio device type (block, console, ...).
type MMIODeviceConfig struct {
	DefaultMMIOBase uint64
	DefaultMMIOSize uint64

	// IRQLine is the ARM SPI number this device raises, before
	// EncodeIRQLineForArch folds in the SPI type bits.
	IRQLine uint32

	DeviceID uint32
	VendorID uint32
	Version  uint32

	QueueCount   int
	QueueMaxSize uint16

	FeatureBits []uint64

	DeviceName string

	// Timeslice IDs (optional, can be 0)
	TimesliceRead  timeslice.TimesliceID
	TimesliceWrite timeslice.TimesliceID
}

// MMIODeviceBase is the shared plumbing every virtio MMIO device embeds: it
// owns the mmioDevice transport and implements the hv.MemoryMappedIODevice
// trap entry points, leaving the device struct to provide only its
// deviceHandler callbacks (OnQueueNotify, ReadConfig, WriteConfig, OnReset).
type MMIODeviceBase struct {
	dev     device
	base    uint64
	size    uint64
	irqLine uint32
	config  *MMIODeviceConfig
}

// NewMMIODeviceBase describes a device's MMIO window and IRQ line ahead of
// InitBase wiring it to a live VirtualMachine.
func NewMMIODeviceBase(base, size uint64, irqLine uint32, config *MMIODeviceConfig) MMIODeviceBase {
	return MMIODeviceBase{base: base, size: size, irqLine: irqLine, config: config}
}

// InitBase wires the device to vm, constructing the underlying mmioDevice
// transport on first call. handler is the device-specific deviceHandler
// (the embedding device itself, typically).
func (b *MMIODeviceBase) InitBase(vm hv.VirtualMachine, handler deviceHandler) error {
	if b.dev != nil {
		if mmio, ok := b.dev.(*mmioDevice); ok && vm != nil {
			mmio.vm = vm
		}
		return nil
	}
	if vm == nil {
		return fmt.Errorf("%s: virtual machine is nil", b.config.DeviceName)
	}
	b.dev = newMMIODevice(
		vm, b.base, b.size, b.irqLine,
		b.config.DeviceID, b.config.VendorID, b.config.Version,
		b.config.FeatureBits, handler,
	)
	return nil
}

// MMIORegions implements hv.MemoryMappedIODevice.
func (b *MMIODeviceBase) MMIORegions() []hv.MMIORegion {
	if b.size == 0 {
		return nil
	}
	return []hv.MMIORegion{{Address: b.base, Size: b.size}}
}

// ReadMMIO implements hv.MemoryMappedIODevice.
func (b *MMIODeviceBase) ReadMMIO(ctx hv.ExitContext, addr uint64, data []byte) error {
	if b.config.TimesliceRead != 0 {
		ctx.SetExitTimeslice(b.config.TimesliceRead)
	}
	dev, err := b.RequireDevice()
	if err != nil {
		return err
	}
	return dev.readMMIO(ctx, addr, data)
}

// WriteMMIO implements hv.MemoryMappedIODevice.
func (b *MMIODeviceBase) WriteMMIO(ctx hv.ExitContext, addr uint64, data []byte) error {
	if b.config.TimesliceWrite != 0 {
		ctx.SetExitTimeslice(b.config.TimesliceWrite)
	}
	dev, err := b.RequireDevice()
	if err != nil {
		return err
	}
	return dev.writeMMIO(ctx, addr, data)
}

// RequireDevice returns the underlying transport or an error if InitBase
// has not run yet.
func (b *MMIODeviceBase) RequireDevice() (device, error) {
	if b.dev == nil {
		return nil, fmt.Errorf("%s: device not initialized", b.config.DeviceName)
	}
	return b.dev, nil
}

// Device returns the underlying transport, or nil before InitBase runs.
func (b *MMIODeviceBase) Device() device {
	return b.dev
}

// NumQueues implements deviceHandler.
func (b *MMIODeviceBase) NumQueues() int {
	return b.config.QueueCount
}

// QueueMaxSize implements deviceHandler.
func (b *MMIODeviceBase) QueueMaxSize(queue int) uint16 {
	return b.config.QueueMaxSize
}

// Base returns the MMIO base address.
func (b *MMIODeviceBase) Base() uint64 {
	return b.base
}

// Size returns the MMIO region size.
func (b *MMIODeviceBase) Size() uint64 {
	return b.size
}

// IRQLine returns the IRQ line exactly as it was passed to
// NewMMIODeviceBase (arch-encoded for a Blk built by NewBlkForBusSlot).
func (b *MMIODeviceBase) IRQLine() uint32 {
	return b.irqLine
}

// Stoppable is implemented by devices that have background resources to
// clean up (goroutines, open files) beyond their MMIO transport.
type Stoppable interface {
	Stop() error
}
