package vmm

// GuestImageSlot is one of the two fixed host-side boot image slots
// (§6 Boot + memory layout). Addresses are guest-physical.
type GuestImageSlot struct {
	Name        string
	BinLoadAddr uint64
	DTBLoadAddr uint64
	FSLoadAddr  uint64
	SMPNum      int
}

// DefaultGuestImageSlots returns the two fixed slots named in §6.
func DefaultGuestImageSlots() [2]GuestImageSlot {
	return [2]GuestImageSlot{
		{
			Name:        "slot0",
			BinLoadAddr: 0x70200000,
			DTBLoadAddr: 0x70000000,
			FSLoadAddr:  0x78000000,
		},
		{
			Name:        "slot1",
			BinLoadAddr: 0x50200000,
			DTBLoadAddr: 0x50000000,
			FSLoadAddr:  0x58000000,
		},
	}
}

// Fixed MMIO window layout (§6).
const (
	// GICDBase is the distributor window base; the window spans 0x10000
	// bytes.
	GICDBase uint64 = 0x08000000
	GICDSize uint64 = 0x10000

	// VirtioScanBase is where the host block front-end scans for a real
	// VirtIO device across 32 slots of 0x200 bytes each.
	VirtioScanBase      uint64 = 0x0A000000
	VirtioScanSlotSize  uint64 = 0x200
	VirtioScanSlotCount int    = 32

	// VirtioBackendSlotSize is the per-device window size a guest-facing
	// back-end presents within its VM's address space.
	VirtioBackendSlotSize uint64 = 0x1000
)

// VirtioBackendBase returns the per-VM base address at which guest-facing
// VirtIO back-end devices are presented: 0x0A000000 + vm_id*0x10000.
func VirtioBackendBase(vmID int) uint64 {
	return VirtioScanBase + uint64(vmID)*0x10000
}

// Config is the fixed, host-side configuration of a VM instance: CPU
// count, memory layout, and which guest image slot it boots from. A small
// set of dumb getters plus a pre-validated fixed MMIO layout, rather than
// a free-form options struct.
type Config struct {
	CPUCount   int
	MemoryBase uint64
	MemorySize uint64
	ImageSlot  GuestImageSlot
	SPIMax     int // exclusive upper bound on SPI IRQ ids
}

// Validate checks the configuration against the invariants the rest of the
// core assumes (SPI range, non-zero CPU count, image slot load address set).
func (c Config) Validate() error {
	if c.CPUCount <= 0 {
		return NewError("Config.Validate", KindBadParameter, errConfigField("cpu_count must be positive"))
	}
	if c.SPIMax <= SPIBase {
		return NewError("Config.Validate", KindBadParameter, errConfigField("spi_max must exceed 32"))
	}
	if c.ImageSlot.BinLoadAddr == 0 {
		return NewError("Config.Validate", KindBadParameter, errConfigField("image slot bin_load_addr is unset"))
	}
	return nil
}

type configFieldError string

func (e configFieldError) Error() string { return string(e) }

func errConfigField(msg string) error { return configFieldError(msg) }
