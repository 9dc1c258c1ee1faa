//go:build linux

package arch

import (
	"fmt"
	"log/slog"
	"slices"

	"github.com/c35s/ehyve/kvm"
)

// Arch does the amd64-specific parts of VM and VCPU setup.
type Arch struct {
	supportedCPUID []kvm.CPUIDEntry2
	supportedMSRs  []int
	ext            Extensions
}

// New reads the host's supported CPUID table and MSR index list. ext
// selects optional features.
func New(sys *kvm.System, ext Extensions) (*Arch, error) {
	supp, err := kvm.GetSupportedCPUID(sys)
	if err != nil {
		return nil, fmt.Errorf("get supported cpuid: %w", err)
	}

	msrs, err := kvm.GetMSRIndexList(sys)
	if err != nil {
		return nil, fmt.Errorf("get msr index list: %w", err)
	}

	a := Arch{
		supportedCPUID: supp,
		supportedMSRs:  msrs,
		ext:            ext,
	}

	return &a, nil
}

// SetupVM places the Intel identity map and TSS pages, creates the in-kernel
// irqchip, and routes IOAPIC pins to vectors 0x20 and up. It must run before
// the first VCPU is created.
func (a *Arch) SetupVM(vm *kvm.VM) error {
	identity := uint64(IdentityMapAddrDefault)
	if a.ext.SyncMMU {
		identity = IdentityMapAddrSyncMMU
		if err := kvm.SetIdentityMapAddr(vm, identity); err != nil {
			return fmt.Errorf("set identity map addr: %w", err)
		}
	}

	if err := kvm.SetTSSAddr(vm, identity+0x1000); err != nil {
		return fmt.Errorf("set tss addr: %w", err)
	}

	if err := kvm.CreateIRQChip(vm); err != nil {
		return fmt.Errorf("create irqchip: %w", err)
	}

	if a.ext.X2APICAPI {
		cfg := kvm.EnableCapConfig{Cap: kvm.CapX2APICAPI}
		cfg.Args[0] = kvm.X2APICAPIUse32BitIDs | kvm.X2APICAPIDisableBroadcastQuirk

		if err := kvm.EnableCap(vm, &cfg); err != nil {
			slog.Warn("x2apic api not enabled", "err", err)
		}
	}

	chip := kvm.IRQChip{ChipID: kvm.IRQChipIOAPIC}
	if err := kvm.GetIRQChip(vm, &chip); err != nil {
		return fmt.Errorf("get ioapic: %w", err)
	}

	ioapic := chip.IOAPIC()
	for pin := range ioapic.RedirTbl {
		ioapic.RedirTbl[pin] = IOAPICRedirection(pin)
	}

	if err := kvm.SetIRQChip(vm, &chip); err != nil {
		return fmt.Errorf("set ioapic: %w", err)
	}

	return nil
}

// IOAPICRedirection returns the boot redirection entry for pin: fixed
// delivery of vector 0x20+pin to APIC 0. Pin 2 (the legacy timer cascade) is
// masked.
func IOAPICRedirection(pin int) uint64 {
	e := uint64(0x20 + pin)
	if pin == 2 {
		e |= kvm.IOAPICRedirMasked
	}

	return e
}

// Model-specific registers.
const (
	MSRIA32TSC        = 0x10
	MSRIA32APICBase   = 0x1b
	MSRIA32MiscEnable = 0x1a0
	MSREFER           = 0xc0000080
	MSRSTAR           = 0xc0000081
	MSRLSTAR          = 0xc0000082
	MSRCSTAR          = 0xc0000083
	MSRSyscallMask    = 0xc0000084
	MSRFSBase         = 0xc0000100
	MSRGSBase         = 0xc0000101
	MSRKernelGSBase   = 0xc0000102
)

const msrMiscEnableFastStr = 1 << 0

// bootMSRs are seeded on every VCPU.
var bootMSRs = []kvm.MSREntry{
	{Index: MSRIA32MiscEnable, Data: msrMiscEnableFastStr},
}

// SupportedMSRs returns the indices in want that appear in supported, in
// the order of want.
func SupportedMSRs(supported, want []int) []int {
	var out []int
	for _, idx := range want {
		if slices.Contains(supported, idx) {
			out = append(out, idx)
		}
	}

	return out
}

// SupportedMSRs filters want down to the MSRs the host lets guests use.
func (a *Arch) SupportedMSRs(want []int) []int {
	return SupportedMSRs(a.supportedMSRs, want)
}

// SetupVCPU installs the filtered CPUID table, seeds the MSRs the host
// supports, and marks the VCPU runnable. boot selects the boot CPU's extra
// CPUID leaves.
func (a *Arch) SetupVCPU(vcpu *kvm.VCPU, boot bool) error {
	if err := kvm.SetCPUID2(vcpu, FilterCPUID(a.supportedCPUID, a.ext, boot)); err != nil {
		return fmt.Errorf("set cpuid: %w", err)
	}

	var msrs []kvm.MSREntry
	for _, e := range bootMSRs {
		if !slices.Contains(a.supportedMSRs, int(e.Index)) {
			slog.Debug("msr not supported by host", "msr", fmt.Sprintf("%#x", e.Index))
			continue
		}

		msrs = append(msrs, e)
	}

	if err := kvm.SetMSRs(vcpu, msrs); err != nil {
		return fmt.Errorf("set msrs: %w", err)
	}

	if err := kvm.SetMPState(vcpu, kvm.MPStateRunnable); err != nil {
		return fmt.Errorf("set mp state: %w", err)
	}

	return nil
}

// CPUID leaves and bits touched by FilterCPUID.
const (
	cpuidFeatures   = 0x1
	cpuidPerfmon    = 0xa
	cpuidHypervisor = 0x40000000

	cpuid1ECXTSCDeadline = 1 << 24
	cpuid1ECXHypervisor  = 1 << 31
	cpuid1EDXMSR         = 1 << 5
)

// HypervisorVendor is reported in CPUID leaf 0x40000000 on the boot CPU.
const HypervisorVendor = "ehyve"

// FilterCPUID returns a copy of supported patched for the guest: the
// hypervisor bit is set, the perfmon leaf is cleared, and the TSC deadline
// bit follows ext. The boot CPU also advertises MSR support and carries the
// hypervisor vendor leaf.
func FilterCPUID(supported []kvm.CPUIDEntry2, ext Extensions, boot bool) []kvm.CPUIDEntry2 {
	out := make([]kvm.CPUIDEntry2, 0, len(supported)+1)

	var vendorSeen bool
	for _, e := range supported {
		switch e.Function {
		case cpuidFeatures:
			e.ECX |= cpuid1ECXHypervisor
			if ext.TSCDeadlineTimer {
				e.ECX |= cpuid1ECXTSCDeadline
			}

			if boot {
				e.EDX |= cpuid1EDXMSR
			}

		case cpuidPerfmon:
			e.EAX, e.EBX, e.ECX, e.EDX = 0, 0, 0, 0

		case cpuidHypervisor:
			if boot {
				e = vendorLeaf(e.EAX)
				vendorSeen = true
			}
		}

		out = append(out, e)
	}

	if boot && !vendorSeen {
		out = append(out, vendorLeaf(cpuidHypervisor))
	}

	return out
}

// vendorLeaf builds leaf 0x40000000: EAX is the highest hypervisor leaf and
// EBX:ECX:EDX hold the vendor string.
func vendorLeaf(maxLeaf uint32) kvm.CPUIDEntry2 {
	var id [12]byte
	copy(id[:], HypervisorVendor)

	return kvm.CPUIDEntry2{
		Function: cpuidHypervisor,
		EAX:      maxLeaf,
		EBX:      le.Uint32(id[0:]),
		ECX:      le.Uint32(id[4:]),
		EDX:      le.Uint32(id[8:]),
	}
}

const cpuidFrequency = 0x16

// CPUIDFrequency returns the processor base frequency in MHz from leaf 0x16
// of a CPUID table, if the table has it.
func CPUIDFrequency(cpuid []kvm.CPUIDEntry2) (uint32, bool) {
	var maxLeaf uint32
	for _, e := range cpuid {
		if e.Function == 0 {
			maxLeaf = e.EAX
		}
	}

	if maxLeaf < cpuidFrequency {
		return 0, false
	}

	for _, e := range cpuid {
		if e.Function == cpuidFrequency && e.EAX&0xffff != 0 {
			return e.EAX & 0xffff, true
		}
	}

	return 0, false
}

// CPUFrequency returns CPUIDFrequency of the host's supported CPUID table.
func (a *Arch) CPUFrequency() (uint32, bool) {
	return CPUIDFrequency(a.supportedCPUID)
}
