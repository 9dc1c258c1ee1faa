//go:build linux

package vmm

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/c35s/ehyve/kvm"
	"github.com/c35s/ehyve/vmm/arch"
)

var le = binary.LittleEndian

// CPUState is the architectural state a register dump reads back.
type CPUState struct {
	Regs    kvm.Regs
	Sregs   kvm.Sregs
	FPU     kvm.FPU
	MSRs    []kvm.MSREntry
	MPState kvm.MPState
}

// dumpMSRs are the MSRs included in a register dump, if the host has them.
var dumpMSRs = []struct {
	index int
	name  string
}{
	{arch.MSREFER, "efer"},
	{arch.MSRSTAR, "star"},
	{arch.MSRLSTAR, "lstar"},
	{arch.MSRCSTAR, "cstar"},
	{arch.MSRSyscallMask, "sfmask"},
	{arch.MSRFSBase, "fs base"},
	{arch.MSRGSBase, "gs base"},
	{arch.MSRKernelGSBase, "kernel gs base"},
	{arch.MSRIA32APICBase, "apic base"},
	{arch.MSRIA32MiscEnable, "misc enable"},
	{arch.MSRIA32TSC, "tsc"},
}

// ReadCPUState reads c's registers without changing its state.
func ReadCPUState(c VCPU) (*CPUState, error) {
	var s CPUState

	if err := c.GetRegs(&s.Regs); err != nil {
		return nil, err
	}

	if err := c.GetSregs(&s.Sregs); err != nil {
		return nil, err
	}

	if err := c.GetFPU(&s.FPU); err != nil {
		return nil, err
	}

	indices := make([]int, len(dumpMSRs))
	for i, m := range dumpMSRs {
		indices[i] = m.index
	}

	msrs, err := c.GetMSRs(indices)
	if err != nil {
		return nil, err
	}

	s.MSRs = msrs

	if s.MPState, err = c.GetMPState(); err != nil {
		return nil, err
	}

	return &s, nil
}

// DumpRegisters writes the VCPU's registers and descriptor tables to w in
// a human-readable form. It does not change the VCPU's state.
func DumpRegisters(w io.Writer, c VCPU) error {
	s, err := ReadCPUState(c)
	if err != nil {
		return err
	}

	_, err = w.Write(FormatRegisters(c.Index(), s))
	return err
}

// FormatRegisters formats a register dump.
func FormatRegisters(cpu int, s *CPUState) []byte {
	b := new(bytes.Buffer)
	regs, sregs := &s.Regs, &s.Sregs

	fmt.Fprintf(b, "\nDump state of CPU %d\n", cpu)
	fmt.Fprintf(b, "mp state: %v\n", s.MPState)
	fmt.Fprintf(b, "\nRegisters:\n----------\n")
	fmt.Fprintf(b, "rip: %016x   rsp: %016x flags: %016x\n", regs.RIP, regs.RSP, regs.RFlags)
	fmt.Fprintf(b, "rax: %016x   rbx: %016x   rcx: %016x\n", regs.RAX, regs.RBX, regs.RCX)
	fmt.Fprintf(b, "rdx: %016x   rsi: %016x   rdi: %016x\n", regs.RDX, regs.RSI, regs.RDI)
	fmt.Fprintf(b, "rbp: %016x    r8: %016x    r9: %016x\n", regs.RBP, regs.R8, regs.R9)
	fmt.Fprintf(b, "r10: %016x   r11: %016x   r12: %016x\n", regs.R10, regs.R11, regs.R12)
	fmt.Fprintf(b, "r13: %016x   r14: %016x   r15: %016x\n", regs.R13, regs.R14, regs.R15)
	fmt.Fprintf(b, "cr0: %016x   cr2: %016x   cr3: %016x\n", sregs.CR0, sregs.CR2, sregs.CR3)
	fmt.Fprintf(b, "cr4: %016x   cr8: %016x\n", sregs.CR4, sregs.CR8)

	fmt.Fprintf(b, "\nSegment registers:\n------------------\n")
	fmt.Fprintf(b, "register  selector  base              limit     type  p dpl db s l g avl\n")

	for _, r := range []struct {
		name string
		seg  *kvm.Segment
	}{
		{"cs ", &sregs.CS},
		{"ss ", &sregs.SS},
		{"ds ", &sregs.DS},
		{"es ", &sregs.ES},
		{"fs ", &sregs.FS},
		{"gs ", &sregs.GS},
		{"tr ", &sregs.TR},
		{"ldt", &sregs.LDT},
	} {
		g := r.seg
		fmt.Fprintf(b, "%s       %04x      %016x  %08x  %02x    %x %x   %x  %x %x %x %x\n",
			r.name, g.Selector, g.Base, g.Limit, g.Type, g.Present, g.DPL, g.DB, g.S, g.L, g.G, g.Avl)
	}

	fmt.Fprintf(b, "gdt                 %016x  %08x\n", sregs.GDT.Base, sregs.GDT.Limit)
	fmt.Fprintf(b, "idt                 %016x  %08x\n", sregs.IDT.Base, sregs.IDT.Limit)

	fmt.Fprintf(b, "\nAPIC:\n-----\n")
	fmt.Fprintf(b, "efer: %016x  apic base: %016x\n", sregs.EFER, sregs.APICBase)

	fmt.Fprintf(b, "\nMSRs:\n-----\n")
	for _, m := range s.MSRs {
		fmt.Fprintf(b, "%-15s %08x  %016x\n", msrName(m.Index)+":", m.Index, m.Data)
	}

	f := &s.FPU
	fmt.Fprintf(b, "\nFPU:\n----\n")
	fmt.Fprintf(b, "fcw: %04x  fsw: %04x  ftw: %02x  fop: %04x  mxcsr: %08x\n",
		f.FCW, f.FSW, f.FTWX, f.LastOpcode, f.MXCSR)
	fmt.Fprintf(b, "fip: %016x  fdp: %016x\n", f.LastIP, f.LastDP)

	for i, x := range f.XMM {
		fmt.Fprintf(b, "xmm%-2d %016x%016x\n", i, le.Uint64(x[8:]), le.Uint64(x[:8]))
	}

	fmt.Fprintf(b, "\nInterrupt bitmap:\n-----------------\n")
	for _, w := range sregs.InterruptBitmap {
		fmt.Fprintf(b, "%016x ", w)
	}

	fmt.Fprintf(b, "\n")
	return b.Bytes()
}

func msrName(index uint32) string {
	for _, m := range dumpMSRs {
		if uint32(m.index) == index {
			return m.name
		}
	}

	return "msr"
}
