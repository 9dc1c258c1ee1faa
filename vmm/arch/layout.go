package arch

// Guest-physical layout of the boot environment.
const (
	BootGDT   = 0x1000
	BootPML4  = 0x10000
	BootPDPTE = 0x11000
	BootPDE   = 0x12000

	// BootStackTop is the initial RSP shared by every VCPU.
	BootStackTop = 0x200000 - 0x1000

	// BootIdentityLimit bounds the identity map built for early boot.
	BootIdentityLimit = 512 << 20

	// APICBase is the default local APIC MMIO base.
	APICBase = 0xfee00000
)

// The 32-bit compatibility gap below 4G is left unbacked so the guest sees
// the usual PCI/APIC hole.
const (
	GapSize  = 768 << 20
	GapStart = 1<<32 - GapSize
	GapEnd   = GapStart + GapSize
)

// Default addresses for the pages KVM reserves on Intel hosts.
const (
	IdentityMapAddrDefault = 0xfffbc000
	IdentityMapAddrSyncMMU = 0xfeffc000
)

// Region is one guest memory slot. HostOffset is the offset of the slot in
// the host mapping; it always equals GuestPhysAddr.
type Region struct {
	Slot          uint32
	GuestPhysAddr uint64
	HostOffset    uint64
	Size          uint64
}

// End returns the first guest-physical address after the region.
func (r Region) End() uint64 {
	return r.GuestPhysAddr + r.Size
}

// MemoryLayout partitions size bytes of guest memory into slots. Memory that
// would overlap the gap is moved above 4G.
func MemoryLayout(size uint64) []Region {
	if size <= GapStart {
		return []Region{{Slot: 0, Size: size}}
	}

	return []Region{
		{Slot: 0, Size: GapStart},
		{Slot: 1, GuestPhysAddr: GapEnd, HostOffset: GapEnd, Size: size - GapStart},
	}
}

// HostSize returns how many bytes of host address space back size bytes of
// guest memory, including the unbacked gap.
func HostSize(size uint64) uint64 {
	if size <= GapStart {
		return size
	}

	return size + GapSize
}
