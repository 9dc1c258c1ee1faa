//go:build linux

package arch

import (
	"encoding/binary"
	"fmt"

	"github.com/c35s/ehyve/kvm"
)

// GDT slots used at boot.
const (
	gdtNull = iota
	gdtCode
	gdtData
	gdtLen
)

// Descriptor flags: the access byte in the low 8 bits, the G/DB/L/AVL
// nibble in bits 12-15.
const (
	codeFlags = 0xa09b // present, ring 0, code, exec/read, long mode, 4K granular
	dataFlags = 0xc093 // present, ring 0, data, read/write, 32-bit, 4K granular
)

var le = binary.LittleEndian

// BootSegments is the segment state that matches the boot GDT.
type BootSegments struct {
	GDT  kvm.Dtable
	Code kvm.Segment
	Data kvm.Segment
}

// GDTEntry encodes a segment descriptor.
func GDTEntry(flags uint16, base uint32, limit uint32) uint64 {
	return ((uint64(base) & 0xff000000) << (56 - 24)) |
		((uint64(flags) & 0x0000f0ff) << 40) |
		((uint64(limit) & 0x000f0000) << (48 - 16)) |
		((uint64(base) & 0x00ffffff) << 16) |
		(uint64(limit) & 0x0000ffff)
}

// Segment decodes the descriptor at GDT slot index into the form KVM loads
// into a segment register.
func Segment(index int, entry uint64) kvm.Segment {
	access := uint8(entry >> 40)
	flags := uint8(entry>>52) & 0xf

	return kvm.Segment{
		Base:     (entry>>16)&0xffffff | (entry>>56&0xff)<<24,
		Limit:    uint32(entry&0xffff | (entry>>48&0xf)<<16),
		Selector: uint16(index * 8),
		Type:     access & 0xf,
		S:        access >> 4 & 1,
		DPL:      access >> 5 & 3,
		Present:  access >> 7,
		Avl:      flags & 1,
		L:        flags >> 1 & 1,
		DB:       flags >> 2 & 1,
		G:        flags >> 3,
	}
}

// WriteGDT writes the three-entry boot GDT to mem at addr and returns the
// segment state derived from it.
func WriteGDT(mem []byte, addr uint64) (BootSegments, error) {
	gdt := [gdtLen]uint64{
		gdtNull: 0,
		gdtCode: GDTEntry(codeFlags, 0, 0xfffff),
		gdtData: GDTEntry(dataFlags, 0, 0xfffff),
	}

	if addr+gdtLen*8 > uint64(len(mem)) {
		return BootSegments{}, fmt.Errorf("gdt at %#x does not fit in %#x bytes of memory", addr, len(mem))
	}

	for i, e := range gdt {
		le.PutUint64(mem[addr+uint64(i)*8:], e)
	}

	segs := BootSegments{
		GDT:  kvm.Dtable{Base: addr, Limit: gdtLen*8 - 1},
		Code: Segment(gdtCode, gdt[gdtCode]),
		Data: Segment(gdtData, gdt[gdtData]),
	}

	return segs, nil
}
