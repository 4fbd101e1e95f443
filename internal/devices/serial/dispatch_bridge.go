package serial

import (
	"encoding/binary"

	"github.com/armhv/hvcore/internal/timeslice"
)

type noopExitContext struct{}

func (noopExitContext) SetExitTimeslice(timeslice.TimesliceID) {}

// Handler adapts a *PL011Device to faultdispatch.Handler.
type Handler struct {
	Device *PL011Device
}

func (h Handler) ReadMMIO(vcpuIndex int, offset uint64, width int) (uint64, error) {
	data := make([]byte, width)
	if err := h.Device.ReadMMIO(noopExitContext{}, h.Device.base+offset, data); err != nil {
		return 0, err
	}
	return decodeLE(data), nil
}

func (h Handler) WriteMMIO(vcpuIndex int, offset uint64, width int, value uint64) error {
	data := encodeLE(value, width)
	return h.Device.WriteMMIO(noopExitContext{}, h.Device.base+offset, data)
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
