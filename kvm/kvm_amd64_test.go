//go:build linux && amd64

package kvm_test

import (
	"testing"

	"github.com/c35s/ehyve/kvm"
	"github.com/google/go-cmp/cmp"
)

func TestGetMSRIndexList(t *testing.T) {
	sys := openSys(t)

	indices, err := kvm.GetMSRIndexList(sys)
	if err != nil {
		t.Fatal(err)
	}

	if len(indices) == 0 {
		t.Fatal("no msrs")
	}
}

func TestRegs(t *testing.T) {
	vcpu := createVCPU(t, createVM(t, openSys(t)), 0)

	var regs kvm.Regs
	if err := kvm.GetRegs(vcpu, &regs); err != nil {
		t.Fatal(err)
	}

	if regs.RFlags != 0x2 {
		t.Fatalf("RFlags %#x != 0x2", regs.RFlags)
	}

	want := regs
	want.RAX, want.RSP, want.RIP = 0xe4e, 0x1ff000, 0x100000

	if err := kvm.SetRegs(vcpu, &want); err != nil {
		t.Fatal(err)
	}

	var got kvm.Regs
	if err := kvm.GetRegs(vcpu, &got); err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("regs mismatch (-want +got):\n%s", diff)
	}
}

func TestSregs(t *testing.T) {
	vcpu := createVCPU(t, createVM(t, openSys(t)), 0)

	var sregs kvm.Sregs
	if err := kvm.GetSregs(vcpu, &sregs); err != nil {
		t.Fatal(err)
	}

	// reset vector
	if sregs.CS.Base != 0xffff0000 {
		t.Fatalf("CS.Base %#x != 0xffff0000", sregs.CS.Base)
	}

	sregs.CS.Base = 0x1000
	sregs.GDT = kvm.Dtable{Base: 0x1000, Limit: 23}

	if err := kvm.SetSregs(vcpu, &sregs); err != nil {
		t.Fatal(err)
	}

	var got kvm.Sregs
	if err := kvm.GetSregs(vcpu, &got); err != nil {
		t.Fatal(err)
	}

	if got.CS.Base != 0x1000 || got.GDT.Base != 0x1000 || got.GDT.Limit != 23 {
		t.Fatalf("sregs not applied: cs.base %#x gdt %+v", got.CS.Base, got.GDT)
	}
}

func TestMSRs(t *testing.T) {
	vcpu := createVCPU(t, createVM(t, openSys(t)), 0)

	const miscEnable = 0x1a0
	if err := kvm.SetMSRs(vcpu, []kvm.MSREntry{{Index: miscEnable, Data: 1}}); err != nil {
		t.Fatal(err)
	}

	msrs, err := kvm.GetMSRs(vcpu, []int{miscEnable})
	if err != nil {
		t.Fatal(err)
	}

	if len(msrs) != 1 || msrs[0].Data&1 != 1 {
		t.Fatalf("fast string not set: %+v", msrs)
	}
}

func TestFPU(t *testing.T) {
	vcpu := createVCPU(t, createVM(t, openSys(t)), 0)

	var fpu kvm.FPU
	if err := kvm.GetFPU(vcpu, &fpu); err != nil {
		t.Fatal(err)
	}

	if fpu.FCW != 0x37f {
		t.Fatalf("FCW %#x != 0x37f", fpu.FCW)
	}
}

func TestTSSAndIdentityMap(t *testing.T) {
	sys := openSys(t)

	for _, c := range []kvm.Cap{kvm.CapSetTSSAddr, kvm.CapSetIdentityMapAddr} {
		if ext, _ := kvm.CheckExtension(sys, c); ext != 1 {
			t.Skipf("%v is %d", c, ext)
		}
	}

	vm := createVM(t, sys)

	if err := kvm.SetIdentityMapAddr(vm, 0xfeffc000); err != nil {
		t.Fatal(err)
	}

	if err := kvm.SetTSSAddr(vm, 0xfeffd000); err != nil {
		t.Fatal(err)
	}
}

func TestMPState(t *testing.T) {
	sys := openSys(t)
	vm := createVM(t, sys)

	if err := kvm.CreateIRQChip(vm); err != nil {
		t.Fatal(err)
	}

	vcpu := createVCPU(t, vm, 1)

	if err := kvm.SetMPState(vcpu, kvm.MPStateRunnable); err != nil {
		t.Fatal(err)
	}

	s, err := kvm.GetMPState(vcpu)
	if err != nil {
		t.Fatal(err)
	}

	if s != kvm.MPStateRunnable {
		t.Fatalf("mp state %d != %d", s, kvm.MPStateRunnable)
	}
}

func TestCPUID(t *testing.T) {
	sys := openSys(t)

	entries, err := kvm.GetSupportedCPUID(sys)
	if err != nil {
		t.Fatal(err)
	}

	if len(entries) == 0 {
		t.Fatal("no cpuid entries")
	}

	var leaf0 bool
	for _, e := range entries {
		if e.Function == 0 {
			leaf0 = true
		}
	}

	if !leaf0 {
		t.Fatal("supported cpuid has no leaf 0")
	}

	vcpu := createVCPU(t, createVM(t, sys), 0)

	if err := kvm.SetCPUID2(vcpu, entries); err != nil {
		t.Fatal(err)
	}
}

func TestIOAPICRedirection(t *testing.T) {
	vm := createVM(t, openSys(t))

	if err := kvm.CreateIRQChip(vm); err != nil {
		t.Fatal(err)
	}

	chip := kvm.IRQChip{ChipID: kvm.IRQChipIOAPIC}
	if err := kvm.GetIRQChip(vm, &chip); err != nil {
		t.Fatal(err)
	}

	chip.IOAPIC().RedirTbl[4] = 0x24 | kvm.IOAPICRedirMasked

	if err := kvm.SetIRQChip(vm, &chip); err != nil {
		t.Fatal(err)
	}

	got := kvm.IRQChip{ChipID: kvm.IRQChipIOAPIC}
	if err := kvm.GetIRQChip(vm, &got); err != nil {
		t.Fatal(err)
	}

	if e := got.IOAPIC().RedirTbl[4]; e&kvm.IOAPICRedirVectorMask != 0x24 || e&kvm.IOAPICRedirMasked == 0 {
		t.Fatalf("redirection entry %#x", e)
	}
}
