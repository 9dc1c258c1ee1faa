//go:build linux

package kvm

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// ioctl request numbers for amd64.
const (
	kGetAPIVersion          = 0xae00
	kCreateVM               = 0xae01
	kGetMSRIndexList        = 0xc004ae02
	kCheckExtension         = 0xae03
	kGetVCPUMmapSize        = 0xae04
	kGetSupportedCPUID      = 0xc008ae05
	kCreateVCPU             = 0xae41
	kSetUserMemoryRegion    = 0x4020ae46
	kSetTSSAddr             = 0xae47
	kSetIdentityMapAddr     = 0x4008ae48
	kCreateIRQChip          = 0xae60
	kRun                    = 0xae80
	kGetRegs                = 0x8090ae81
	kSetRegs                = 0x4090ae82
	kGetSregs               = 0x8138ae83
	kSetSregs               = 0x4138ae84
	kGetMSRs                = 0xc008ae88
	kSetMSRs                = 0x4008ae89
	kGetFPU                 = 0x81a0ae8c
	kSetCPUID2              = 0x4008ae90
	kGetMPState             = 0x8004ae98
	kSetMPState             = 0x4004ae99
	kEnableCap              = 0x4068aea3
	kGetIRQChip             = 0xc208ae62
	kSetIRQChip             = 0x8208ae63
)

// nrInterrupts is KVM_NR_INTERRUPTS.
const nrInterrupts = 256

// ClockTSCStable is set in the CheckExtension(CapAdjustClock) bit set when
// kvmclock is stable across VCPUs.
const ClockTSCStable = 2

// EnableCap(CapX2APICAPI) argument bits.
const (
	X2APICAPIUse32BitIDs           = 1 << 0
	X2APICAPIDisableBroadcastQuirk = 1 << 1
)

// Chip ids for GetIRQChip and SetIRQChip.
const (
	IRQChipPICMaster = 0
	IRQChipPICSlave  = 1
	IRQChipIOAPIC    = 2
)

// IOAPICNumPins is the number of IOAPIC redirection table entries.
const IOAPICNumPins = 24

// IOAPIC redirection entry fields.
const (
	IOAPICRedirVectorMask = 0xff
	IOAPICRedirMasked     = 1 << 16
	IOAPICRedirDestShift  = 56
)

// Regs has the layout of struct kvm_regs.
type Regs struct {
	RAX, RBX, RCX, RDX uint64
	RSI, RDI, RSP, RBP uint64
	R8, R9, R10, R11   uint64
	R12, R13, R14, R15 uint64
	RIP, RFlags        uint64
}

// Sregs has the layout of struct kvm_sregs.
type Sregs struct {
	CS, DS, ES, FS, GS, SS  Segment
	TR, LDT                 Segment
	GDT, IDT                Dtable
	CR0, CR2, CR3, CR4, CR8 uint64
	EFER                    uint64
	APICBase                uint64
	InterruptBitmap         [(nrInterrupts + 63) / 64]uint64
}

// Segment has the layout of struct kvm_segment.
type Segment struct {
	Base                           uint64
	Limit                          uint32
	Selector                       uint16
	Type                           uint8
	Present, DPL, DB, S, L, G, Avl uint8
	Unusable                       uint8
	_                              uint8
}

// Dtable has the layout of struct kvm_dtable.
type Dtable struct {
	Base  uint64
	Limit uint16
	_     [3]uint16
}

// MSREntry has the layout of struct kvm_msr_entry.
type MSREntry struct {
	Index uint32
	_     uint32
	Data  uint64
}

// FPU has the layout of struct kvm_fpu.
type FPU struct {
	FPR        [8][16]uint8
	FCW        uint16
	FSW        uint16
	FTWX       uint8
	_          uint8
	LastOpcode uint16
	LastIP     uint64
	LastDP     uint64
	XMM        [16][16]uint8
	MXCSR      uint32
	_          uint32
}

// CPUIDEntry2 has the layout of struct kvm_cpuid_entry2.
type CPUIDEntry2 struct {
	Function uint32
	Index    uint32
	Flags    uint32
	EAX      uint32
	EBX      uint32
	ECX      uint32
	EDX      uint32
	_        [3]uint32
}

// IRQChip has the layout of struct kvm_irqchip.
type IRQChip struct {
	ChipID uint32
	_      uint32
	Chip   [512]uint8
}

// IOAPICState has the layout of struct kvm_ioapic_state.
type IOAPICState struct {
	BaseAddress uint64
	IORegSel    uint32
	ID          uint32
	IRR         uint32
	_           uint32
	RedirTbl    [IOAPICNumPins]uint64
}

// IOAPIC views the chip payload as IOAPIC state. Only meaningful when
// ChipID is IRQChipIOAPIC.
func (c *IRQChip) IOAPIC() *IOAPICState {
	return (*IOAPICState)(unsafe.Pointer(&c.Chip[0]))
}

// MPState is a VCPU's multiprocessing state.
type MPState uint32

const (
	MPStateRunnable      MPState = 0
	MPStateUninitialized MPState = 1
	MPStateInitReceived  MPState = 2
	MPStateHalted        MPState = 3
	MPStateSIPIReceived  MPState = 4
)

var mpStateNames = map[MPState]string{
	MPStateRunnable:      "KVM_MP_STATE_RUNNABLE",
	MPStateUninitialized: "KVM_MP_STATE_UNINITIALIZED",
	MPStateInitReceived:  "KVM_MP_STATE_INIT_RECEIVED",
	MPStateHalted:        "KVM_MP_STATE_HALTED",
	MPStateSIPIReceived:  "KVM_MP_STATE_SIPI_RECEIVED",
}

func (s MPState) String() string {
	if name, ok := mpStateNames[s]; ok {
		return name
	}

	return fmt.Sprintf("MPState(%d)", uint32(s))
}

// VCPUState overlays struct kvm_run, the region shared between KVM and
// userspace through the VCPU's mmap.
type VCPUState struct {
	RequestInterruptWindow uint8
	ImmediateExit          uint8
	_                      [6]uint8
	ExitReason             Exit
	ReadyForInjection      uint8
	IFFlag                 uint8
	Flags                  uint16
	CR8                    uint64
	APICBase               uint64

	// exitData is the anonymous union of per-exit data.
	exitData [256]uint8

	ValidRegs uint64
	DirtyRegs uint64
	_         [2048]uint8
}

// IOExitData is the "io" member of the kvm_run exit union.
// Offset is relative to the start of the VCPU's mmap.
type IOExitData struct {
	IsOut  bool
	Size   uint8
	Port   uint16
	Count  uint32
	Offset uint64
}

// MMIOExitData is the "mmio" member of the kvm_run exit union.
type MMIOExitData struct {
	PhysAddr uint64
	Data     [8]uint8
	Len      uint32
	IsWrite  bool
	_        [3]uint8
}

// FailEntryData is the "fail_entry" member of the kvm_run exit union.
type FailEntryData struct {
	HardwareEntryFailureReason uint64
	CPU                        uint32
}

// InternalErrorData is the "internal" member of the kvm_run exit union.
type InternalErrorData struct {
	Suberror uint32
	NData    uint32
	Data     [16]uint64
}

// IOExitData decodes the current KVM_EXIT_IO. Undefined for other exits.
func (s *VCPUState) IOExitData() *IOExitData {
	return (*IOExitData)(unsafe.Pointer(&s.exitData[0]))
}

// MMIOExitData decodes the current KVM_EXIT_MMIO. Undefined for other exits.
func (s *VCPUState) MMIOExitData() *MMIOExitData {
	return (*MMIOExitData)(unsafe.Pointer(&s.exitData[0]))
}

// FailEntryData decodes the current KVM_EXIT_FAIL_ENTRY.
func (s *VCPUState) FailEntryData() *FailEntryData {
	return (*FailEntryData)(unsafe.Pointer(&s.exitData[0]))
}

// InternalErrorData decodes the current KVM_EXIT_INTERNAL_ERROR.
func (s *VCPUState) InternalErrorData() *InternalErrorData {
	return (*InternalErrorData)(unsafe.Pointer(&s.exitData[0]))
}

// The C structs below end in flexible arrays. Go has no equivalent so the
// arrays are sized generously.

type msrList struct {
	n       uint32
	indices [255]uint32
}

type msrs struct {
	n       uint32
	_       uint32
	entries [255]MSREntry
}

type cpuid2 struct {
	n       uint32
	_       uint32
	entries [255]CPUIDEntry2
}

// GetMSRIndexList returns the MSRs KVM lets guests read and write.
func GetMSRIndexList(sys *System) ([]int, error) {
	l := msrList{n: uint32(len(msrList{}.indices))}
	if err := ioctlPtr(sys, kGetMSRIndexList, unsafe.Pointer(&l)); err != nil {
		return nil, err
	}

	out := make([]int, l.n)
	for i := range out {
		out[i] = int(l.indices[i])
	}

	return out, nil
}

// GetSupportedCPUID returns the CPUID leaves supported by both the host and
// KVM. The result is the usual starting point for SetCPUID2.
func GetSupportedCPUID(sys *System) ([]CPUIDEntry2, error) {
	c := cpuid2{n: uint32(len(cpuid2{}.entries))}
	if err := ioctlPtr(sys, kGetSupportedCPUID, unsafe.Pointer(&c)); err != nil {
		return nil, err
	}

	return append([]CPUIDEntry2(nil), c.entries[:c.n]...), nil
}

// SetCPUID2 defines the VCPU's responses to the cpuid instruction.
func SetCPUID2(vcpu *VCPU, entries []CPUIDEntry2) error {
	c := cpuid2{n: uint32(len(entries))}
	if copy(c.entries[:], entries) != len(entries) {
		return unix.E2BIG
	}

	return ioctlPtr(vcpu, kSetCPUID2, unsafe.Pointer(&c))
}

func GetRegs(vcpu *VCPU, regs *Regs) error {
	return ioctlPtr(vcpu, kGetRegs, unsafe.Pointer(regs))
}

func SetRegs(vcpu *VCPU, regs *Regs) error {
	return ioctlPtr(vcpu, kSetRegs, unsafe.Pointer(regs))
}

func GetSregs(vcpu *VCPU, sregs *Sregs) error {
	return ioctlPtr(vcpu, kGetSregs, unsafe.Pointer(sregs))
}

func SetSregs(vcpu *VCPU, sregs *Sregs) error {
	return ioctlPtr(vcpu, kSetSregs, unsafe.Pointer(sregs))
}

// GetMSRs reads the given MSRs from the VCPU. KVM stops at the first index
// it cannot read, so the result may be shorter than indices.
func GetMSRs(vcpu *VCPU, indices []int) ([]MSREntry, error) {
	m := msrs{n: uint32(len(indices))}
	if len(indices) > len(m.entries) {
		return nil, unix.E2BIG
	}

	for i, idx := range indices {
		m.entries[i].Index = uint32(idx)
	}

	// KVM returns the number of MSRs it actually read.
	r, _, errno := unix.Syscall(unix.SYS_IOCTL, vcpu.Fd(), kGetMSRs, uintptr(unsafe.Pointer(&m)))
	if errno != 0 {
		return nil, errno
	}

	return append([]MSREntry(nil), m.entries[:r]...), nil
}

// SetMSRs writes MSRs to the VCPU.
func SetMSRs(vcpu *VCPU, entries []MSREntry) error {
	m := msrs{n: uint32(len(entries))}
	if copy(m.entries[:], entries) != len(entries) {
		return unix.E2BIG
	}

	r, _, errno := unix.Syscall(unix.SYS_IOCTL, vcpu.Fd(), kSetMSRs, uintptr(unsafe.Pointer(&m)))
	if errno != 0 {
		return errno
	}

	// KVM returns the number of MSRs it actually set.
	if int(r) != len(entries) {
		return unix.EINVAL
	}

	return nil
}

// GetFPU reads the VCPU's x87 and SSE state.
func GetFPU(vcpu *VCPU, fpu *FPU) error {
	return ioctlPtr(vcpu, kGetFPU, unsafe.Pointer(fpu))
}

// GetMPState reads the VCPU's multiprocessing state.
func GetMPState(vcpu *VCPU) (MPState, error) {
	var s MPState
	err := ioctlPtr(vcpu, kGetMPState, unsafe.Pointer(&s))
	return s, err
}

// SetMPState sets the VCPU's multiprocessing state. Requires an in-kernel irqchip.
func SetMPState(vcpu *VCPU, s MPState) error {
	return ioctlPtr(vcpu, kSetMPState, unsafe.Pointer(&s))
}

// SetTSSAddr places the three-page TSS region Intel hosts need for real-mode
// emulation. It must sit below 4G and outside every memory slot.
func SetTSSAddr(vm *VM, addr uint64) error {
	_, err := ioctl(vm, kSetTSSAddr, uintptr(addr))
	return err
}

// SetIdentityMapAddr places the one-page EPT identity map Intel hosts need.
// It must sit below 4G, outside every memory slot, and be set before the
// first CreateVCPU. Zero restores the default of 0xfffbc000.
func SetIdentityMapAddr(vm *VM, addr uint64) error {
	return ioctlPtr(vm, kSetIdentityMapAddr, unsafe.Pointer(&addr))
}

// GetIRQChip reads the state of the in-kernel chip named by chip.ChipID.
func GetIRQChip(vm *VM, chip *IRQChip) error {
	return ioctlPtr(vm, kGetIRQChip, unsafe.Pointer(chip))
}

// SetIRQChip writes the state of the in-kernel chip named by chip.ChipID.
func SetIRQChip(vm *VM, chip *IRQChip) error {
	return ioctlPtr(vm, kSetIRQChip, unsafe.Pointer(chip))
}
