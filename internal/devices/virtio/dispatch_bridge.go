package virtio

import (
	"encoding/binary"

	"github.com/armhv/hvcore/internal/timeslice"
)

// noopExitContext satisfies hv.ExitContext for traps the fault dispatcher
// routes here; this core tracks vCPU exit accounting in vmm, not through
// the timeslice recorder, so SetExitTimeslice is a no-op.
type noopExitContext struct{}

func (noopExitContext) SetExitTimeslice(timeslice.TimesliceID) {}

// BusHandler adapts a *VirtioMMIOBus to faultdispatch.Handler. The virtio
// transport registers have no banked per-vCPU state, so vcpuIndex is
// accepted and ignored. faultdispatch.Table.Dispatch hands handlers an
// offset relative to the registered region's base, but VirtioMMIOBus.
// ReadMMIO/WriteMMIO key off the bus's own absolute baseAddr to find a
// slot, so Base must be set to whatever address the region was registered
// at (normally the bus's own base) to translate back.
type BusHandler struct {
	Bus  *VirtioMMIOBus
	Base uint64
}

func (h BusHandler) ReadMMIO(vcpuIndex int, offset uint64, width int) (uint64, error) {
	data := make([]byte, width)
	if err := h.Bus.ReadMMIO(noopExitContext{}, h.Base+offset, data); err != nil {
		return 0, err
	}
	return decodeLE(data), nil
}

func (h BusHandler) WriteMMIO(vcpuIndex int, offset uint64, width int, value uint64) error {
	data := encodeLE(value, width)
	return h.Bus.WriteMMIO(noopExitContext{}, h.Base+offset, data)
}

// ConsoleHandler adapts a *Console to faultdispatch.Handler, same caveat as
// BusHandler above: it reconstructs an absolute address from Console.Base()
// since this bridge lives in the same package.
type ConsoleHandler struct {
	Console *Console
}

func (h ConsoleHandler) ReadMMIO(vcpuIndex int, offset uint64, width int) (uint64, error) {
	data := make([]byte, width)
	if err := h.Console.ReadMMIO(noopExitContext{}, h.Console.Base()+offset, data); err != nil {
		return 0, err
	}
	return decodeLE(data), nil
}

func (h ConsoleHandler) WriteMMIO(vcpuIndex int, offset uint64, width int, value uint64) error {
	return h.Console.WriteMMIO(noopExitContext{}, h.Console.Base()+offset, encodeLE(value, width))
}

func decodeLE(data []byte) uint64 {
	switch len(data) {
	case 1:
		return uint64(data[0])
	case 2:
		return uint64(binary.LittleEndian.Uint16(data))
	case 4:
		return uint64(binary.LittleEndian.Uint32(data))
	case 8:
		return binary.LittleEndian.Uint64(data)
	default:
		return 0
	}
}

func encodeLE(value uint64, width int) []byte {
	data := make([]byte, width)
	switch width {
	case 1:
		data[0] = byte(value)
	case 2:
		binary.LittleEndian.PutUint16(data, uint16(value))
	case 4:
		binary.LittleEndian.PutUint32(data, uint32(value))
	case 8:
		binary.LittleEndian.PutUint64(data, value)
	}
	return data
}
