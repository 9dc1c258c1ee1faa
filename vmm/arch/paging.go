//go:build linux

package arch

import (
	"fmt"

	"github.com/c35s/ehyve/kvm"
)

// Page table entry bits.
const (
	pteP  = 1 << 0
	pteRW = 1 << 1
	ptePS = 1 << 7
)

const (
	pageSize   = 0x1000
	hugePage   = 2 << 20
	tableBytes = 512 * 8
)

// Control register bits for long mode.
const (
	cr0PE = 1 << 0
	cr0ET = 1 << 4
	cr0NE = 1 << 5
	cr0PG = 1 << 31

	cr4PAE = 1 << 5

	eferLME = 1 << 8
	eferLMA = 1 << 10
)

// WritePageTables writes an identity map of the first memSize bytes of guest
// memory, capped at BootIdentityLimit, using 2M pages. It returns the number
// of page directory entries written.
func WritePageTables(mem []byte, memSize uint64) (int, error) {
	if BootPDE+tableBytes > uint64(len(mem)) {
		return 0, fmt.Errorf("page tables at %#x do not fit in %#x bytes of memory", BootPML4, len(mem))
	}

	for _, t := range []uint64{BootPML4, BootPDPTE, BootPDE} {
		clear(mem[t : t+pageSize])
	}

	le.PutUint64(mem[BootPML4:], BootPDPTE|pteP|pteRW)
	le.PutUint64(mem[BootPDPTE:], BootPDE|pteP|pteRW)

	limit := memSize
	if limit > BootIdentityLimit {
		limit = BootIdentityLimit
	}

	n := int((limit + hugePage - 1) / hugePage)
	for i := 0; i < n; i++ {
		le.PutUint64(mem[BootPDE+uint64(i)*8:], uint64(i)*hugePage|pteP|pteRW|ptePS)
	}

	return n, nil
}

// LongModeSregs loads the boot GDT segments and enables paging and long mode.
func LongModeSregs(sregs *kvm.Sregs, segs BootSegments) {
	sregs.GDT = segs.GDT
	sregs.CS = segs.Code
	sregs.DS = segs.Data
	sregs.ES = segs.Data
	sregs.FS = segs.Data
	sregs.GS = segs.Data
	sregs.SS = segs.Data

	sregs.CR3 = BootPML4
	sregs.CR4 |= cr4PAE
	sregs.CR0 |= cr0PE | cr0ET | cr0NE | cr0PG
	sregs.EFER |= eferLME | eferLMA
}

// apicBaseFlags are the BSP, x2APIC and enable bits of IA32_APIC_BASE.
const apicBaseFlags = 1<<8 | 1<<10 | 1<<11

// RelocateAPIC returns cur with the APIC base moved to APICBase. The flag
// bits are per-VCPU and are kept.
func RelocateAPIC(cur uint64) uint64 {
	return APICBase | cur&apicBaseFlags
}

// BootRegs returns the general-purpose registers every VCPU starts with.
func BootRegs(entry uint64) kvm.Regs {
	return kvm.Regs{
		RIP:    entry,
		RSP:    BootStackTop,
		RFlags: 0x2,
	}
}
