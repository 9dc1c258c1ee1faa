//go:build linux

// Package kvm is a thin binding to the Linux KVM ioctl API.
//
// Each function wraps a single ioctl. Errors are the raw unix.Errno returned
// by the kernel so callers can match them with errors.Is.
package kvm

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// StableAPIVersion is the only KVM API version this package speaks.
const StableAPIVersion = 12

// DevicePath is where the KVM system device lives.
const DevicePath = "/dev/kvm"

// System is an open handle to /dev/kvm.
type System = os.File

// VM is a KVM virtual machine fd.
type VM struct{ *os.File }

// VCPU is a KVM virtual CPU fd.
type VCPU struct{ *os.File }

// Open opens the KVM system device.
func Open() (*System, error) {
	return os.OpenFile(DevicePath, os.O_RDWR|unix.O_CLOEXEC, 0)
}

// fder is anything that owns a KVM fd: *System, *VM or *VCPU.
type fder interface{ Fd() uintptr }

func ioctl(f fder, req uintptr, arg uintptr) (uintptr, error) {
	r, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), req, arg)
	if errno != 0 {
		return r, errno
	}

	return r, nil
}

// ioctlPtr passes a pointer argument. The conversion to uintptr happens in
// the Syscall argument list so the pointee stays put for the call.
func ioctlPtr(f fder, req uintptr, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), req, uintptr(arg))
	if errno != 0 {
		return errno
	}

	return nil
}

// GetAPIVersion returns the KVM API version. It should always be StableAPIVersion.
func GetAPIVersion(sys *System) (int, error) {
	v, err := ioctl(sys, kGetAPIVersion, 0)
	return int(v), err
}

// CheckExtension reports the value of a KVM extension. Zero means the
// extension is unsupported; some extensions report a count or bit set.
// f may be the system fd or, if CapCheckExtensionVM is present, a VM fd.
func CheckExtension(f fder, c Cap) (int, error) {
	v, err := ioctl(f, kCheckExtension, uintptr(c))
	return int(v), err
}

// GetVCPUMmapSize returns the size of the shared kvm_run region of a VCPU.
func GetVCPUMmapSize(sys *System) (int, error) {
	v, err := ioctl(sys, kGetVCPUMmapSize, 0)
	return int(v), err
}

// CreateVM creates a new virtual machine with no memory and no VCPUs.
func CreateVM(sys *System) (*VM, error) {
	fd, err := ioctl(sys, kCreateVM, 0)
	if err != nil {
		return nil, err
	}

	return &VM{os.NewFile(fd, "kvm-vm")}, nil
}

// CreateVCPU adds a VCPU with the given id to the VM.
func CreateVCPU(vm *VM, id int) (*VCPU, error) {
	fd, err := ioctl(vm, kCreateVCPU, uintptr(id))
	if err != nil {
		return nil, err
	}

	return &VCPU{os.NewFile(fd, fmt.Sprintf("kvm-vcpu:%d", id))}, nil
}

// UserspaceMemoryRegion has the same layout as struct kvm_userspace_memory_region.
type UserspaceMemoryRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

// SetUserMemoryRegion creates, moves or deletes a guest memory slot.
// A region with MemorySize 0 deletes the slot.
func SetUserMemoryRegion(vm *VM, r *UserspaceMemoryRegion) error {
	return ioctlPtr(vm, kSetUserMemoryRegion, unsafe.Pointer(r))
}

// CreateIRQChip creates the in-kernel interrupt controller model
// (PIC, IOAPIC and a local APIC per VCPU on x86).
func CreateIRQChip(vm *VM) error {
	_, err := ioctl(vm, kCreateIRQChip, 0)
	return err
}

// EnableCapConfig has the same layout as struct kvm_enable_cap.
type EnableCapConfig struct {
	Cap   Cap
	Flags uint32
	Args  [4]uint64
	_     [64]uint8
}

// EnableCap turns on an extension that is off by default. It is available
// on VM fds if CheckExtension(CapEnableCapVM) returns 1.
func EnableCap(vm *VM, cfg *EnableCapConfig) error {
	return ioctlPtr(vm, kEnableCap, unsafe.Pointer(cfg))
}

// Run enters the guest until the next vmexit. The exit reason and its data
// are reported through the VCPU's mmaped VCPUState.
func Run(vcpu *VCPU) error {
	_, err := ioctl(vcpu, kRun, 0)
	return err
}

// Cap is a KVM extension number as passed to KVM_CHECK_EXTENSION.
type Cap uint32

const (
	CapIRQChip               Cap = 0
	CapHLT                   Cap = 1
	CapUserMemory            Cap = 3
	CapSetTSSAddr            Cap = 4
	CapVAPIC                 Cap = 6
	CapExtCPUID              Cap = 7
	CapClocksource           Cap = 8
	CapNrVCPUs               Cap = 9
	CapNrMemslots            Cap = 10
	CapPIT                   Cap = 11
	CapNopIODelay            Cap = 12
	CapMPState               Cap = 14
	CapCoalescedMMIO         Cap = 15
	CapSyncMMU               Cap = 16
	CapUserNMI               Cap = 22
	CapSetGuestDebug         Cap = 23
	CapIRQRouting            Cap = 25
	CapIRQInjectStatus       Cap = 26
	CapMCE                   Cap = 31
	CapIRQFD                 Cap = 32
	CapPIT2                  Cap = 33
	CapSetBootCPUID          Cap = 34
	CapPITState2             Cap = 35
	CapIOEventFD             Cap = 36
	CapSetIdentityMapAddr    Cap = 37
	CapAdjustClock           Cap = 39
	CapInternalErrorData     Cap = 40
	CapVCPUEvents            Cap = 41
	CapDebugRegs             Cap = 50
	CapXSave                 Cap = 55
	CapXCRS                  Cap = 56
	CapTSCControl            Cap = 60
	CapGetTSCKHz             Cap = 61
	CapMaxVCPUs              Cap = 66
	CapOneReg                Cap = 70
	CapTSCDeadlineTimer      Cap = 72
	CapSyncRegs              Cap = 74
	CapKVMClockCtrl          Cap = 76
	CapSignalMSI             Cap = 77
	CapReadonlyMem           Cap = 81
	CapCheckExtensionVM      Cap = 105
	CapSplitIRQChip          Cap = 121
	CapMaxVCPUID             Cap = 128
	CapX2APICAPI             Cap = 129
	CapImmediateExit         Cap = 136
	CapGetMSRFeatures        Cap = 153
	CapEnableCapVM           Cap = 98
	CapIOEventFDAnyLength    Cap = 122
	CapHypervSynic           Cap = 123
	CapDisableQuirks         Cap = 116
	CapX86SMM                Cap = 117
	CapMultiAddressSpace     Cap = 118
	CapGuestDebugHWBreakpts  Cap = 119
	CapGuestDebugHWWatchpts  Cap = 120
	CapIOAPICPolarityIgnored Cap = 97
)

var capNames = map[Cap]string{
	CapIRQChip:               "KVM_CAP_IRQCHIP",
	CapHLT:                   "KVM_CAP_HLT",
	CapUserMemory:            "KVM_CAP_USER_MEMORY",
	CapSetTSSAddr:            "KVM_CAP_SET_TSS_ADDR",
	CapVAPIC:                 "KVM_CAP_VAPIC",
	CapExtCPUID:              "KVM_CAP_EXT_CPUID",
	CapClocksource:           "KVM_CAP_CLOCKSOURCE",
	CapNrVCPUs:               "KVM_CAP_NR_VCPUS",
	CapNrMemslots:            "KVM_CAP_NR_MEMSLOTS",
	CapPIT:                   "KVM_CAP_PIT",
	CapNopIODelay:            "KVM_CAP_NOP_IO_DELAY",
	CapMPState:               "KVM_CAP_MP_STATE",
	CapCoalescedMMIO:         "KVM_CAP_COALESCED_MMIO",
	CapSyncMMU:               "KVM_CAP_SYNC_MMU",
	CapUserNMI:               "KVM_CAP_USER_NMI",
	CapSetGuestDebug:         "KVM_CAP_SET_GUEST_DEBUG",
	CapIRQRouting:            "KVM_CAP_IRQ_ROUTING",
	CapIRQInjectStatus:       "KVM_CAP_IRQ_INJECT_STATUS",
	CapMCE:                   "KVM_CAP_MCE",
	CapIRQFD:                 "KVM_CAP_IRQFD",
	CapPIT2:                  "KVM_CAP_PIT2",
	CapSetBootCPUID:          "KVM_CAP_SET_BOOT_CPU_ID",
	CapPITState2:             "KVM_CAP_PIT_STATE2",
	CapIOEventFD:             "KVM_CAP_IOEVENTFD",
	CapSetIdentityMapAddr:    "KVM_CAP_SET_IDENTITY_MAP_ADDR",
	CapAdjustClock:           "KVM_CAP_ADJUST_CLOCK",
	CapInternalErrorData:     "KVM_CAP_INTERNAL_ERROR_DATA",
	CapVCPUEvents:            "KVM_CAP_VCPU_EVENTS",
	CapDebugRegs:             "KVM_CAP_DEBUGREGS",
	CapXSave:                 "KVM_CAP_XSAVE",
	CapXCRS:                  "KVM_CAP_XCRS",
	CapTSCControl:            "KVM_CAP_TSC_CONTROL",
	CapGetTSCKHz:             "KVM_CAP_GET_TSC_KHZ",
	CapMaxVCPUs:              "KVM_CAP_MAX_VCPUS",
	CapOneReg:                "KVM_CAP_ONE_REG",
	CapTSCDeadlineTimer:      "KVM_CAP_TSC_DEADLINE_TIMER",
	CapSyncRegs:              "KVM_CAP_SYNC_REGS",
	CapKVMClockCtrl:          "KVM_CAP_KVMCLOCK_CTRL",
	CapSignalMSI:             "KVM_CAP_SIGNAL_MSI",
	CapReadonlyMem:           "KVM_CAP_READONLY_MEM",
	CapIOAPICPolarityIgnored: "KVM_CAP_IOAPIC_POLARITY_IGNORED",
	CapEnableCapVM:           "KVM_CAP_ENABLE_CAP_VM",
	CapCheckExtensionVM:      "KVM_CAP_CHECK_EXTENSION_VM",
	CapDisableQuirks:         "KVM_CAP_DISABLE_QUIRKS",
	CapX86SMM:                "KVM_CAP_X86_SMM",
	CapMultiAddressSpace:     "KVM_CAP_MULTI_ADDRESS_SPACE",
	CapGuestDebugHWBreakpts:  "KVM_CAP_GUEST_DEBUG_HW_BPS",
	CapGuestDebugHWWatchpts:  "KVM_CAP_GUEST_DEBUG_HW_WPS",
	CapSplitIRQChip:          "KVM_CAP_SPLIT_IRQCHIP",
	CapIOEventFDAnyLength:    "KVM_CAP_IOEVENTFD_ANY_LENGTH",
	CapHypervSynic:           "KVM_CAP_HYPERV_SYNIC",
	CapMaxVCPUID:             "KVM_CAP_MAX_VCPU_ID",
	CapX2APICAPI:             "KVM_CAP_X2APIC_API",
	CapImmediateExit:         "KVM_CAP_IMMEDIATE_EXIT",
	CapGetMSRFeatures:        "KVM_CAP_GET_MSR_FEATURES",
}

func (c Cap) String() string {
	if s, ok := capNames[c]; ok {
		return s
	}

	return fmt.Sprintf("Cap(%d)", uint32(c))
}

// AllCaps returns every extension this package has a name for, in numeric order.
func AllCaps() []Cap {
	var caps []Cap
	for c := Cap(0); c <= CapGetMSRFeatures; c++ {
		if _, ok := capNames[c]; ok {
			caps = append(caps, c)
		}
	}

	return caps
}

// Exit is the reason a VCPU returned from Run.
type Exit uint32

const (
	ExitUnknown       Exit = 0
	ExitException     Exit = 1
	ExitIO            Exit = 2
	ExitHypercall     Exit = 3
	ExitDebug         Exit = 4
	ExitHLT           Exit = 5
	ExitMMIO          Exit = 6
	ExitIRQWindowOpen Exit = 7
	ExitShutdown      Exit = 8
	ExitFailEntry     Exit = 9
	ExitIntr          Exit = 10
	ExitSetTPR        Exit = 11
	ExitTPRAccess     Exit = 12
	ExitNMI           Exit = 16
	ExitInternalError Exit = 17
	ExitWatchdog      Exit = 21
	ExitEPR           Exit = 23
	ExitSystemEvent   Exit = 24
	ExitIOAPICEOI     Exit = 26
	ExitHyperv        Exit = 27
	ExitX86RDMSR      Exit = 29
	ExitX86WRMSR      Exit = 30
	ExitDirtyRingFull Exit = 31
	ExitAPResetHold   Exit = 32
	ExitX86BusLock    Exit = 33
	ExitXen           Exit = 34
	ExitNotify        Exit = 37
	ExitMemoryFault   Exit = 39
)

var exitNames = map[Exit]string{
	ExitUnknown:       "KVM_EXIT_UNKNOWN",
	ExitException:     "KVM_EXIT_EXCEPTION",
	ExitIO:            "KVM_EXIT_IO",
	ExitHypercall:     "KVM_EXIT_HYPERCALL",
	ExitDebug:         "KVM_EXIT_DEBUG",
	ExitHLT:           "KVM_EXIT_HLT",
	ExitMMIO:          "KVM_EXIT_MMIO",
	ExitIRQWindowOpen: "KVM_EXIT_IRQ_WINDOW_OPEN",
	ExitShutdown:      "KVM_EXIT_SHUTDOWN",
	ExitFailEntry:     "KVM_EXIT_FAIL_ENTRY",
	ExitIntr:          "KVM_EXIT_INTR",
	ExitSetTPR:        "KVM_EXIT_SET_TPR",
	ExitTPRAccess:     "KVM_EXIT_TPR_ACCESS",
	ExitNMI:           "KVM_EXIT_NMI",
	ExitInternalError: "KVM_EXIT_INTERNAL_ERROR",
	ExitWatchdog:      "KVM_EXIT_WATCHDOG",
	ExitEPR:           "KVM_EXIT_EPR",
	ExitSystemEvent:   "KVM_EXIT_SYSTEM_EVENT",
	ExitIOAPICEOI:     "KVM_EXIT_IOAPIC_EOI",
	ExitHyperv:        "KVM_EXIT_HYPERV",
	ExitX86RDMSR:      "KVM_EXIT_X86_RDMSR",
	ExitX86WRMSR:      "KVM_EXIT_X86_WRMSR",
	ExitDirtyRingFull: "KVM_EXIT_DIRTY_RING_FULL",
	ExitAPResetHold:   "KVM_EXIT_AP_RESET_HOLD",
	ExitX86BusLock:    "KVM_EXIT_X86_BUS_LOCK",
	ExitXen:           "KVM_EXIT_XEN",
	ExitNotify:        "KVM_EXIT_NOTIFY",
	ExitMemoryFault:   "KVM_EXIT_MEMORY_FAULT",
}

func (e Exit) String() string {
	if s, ok := exitNames[e]; ok {
		return s
	}

	return fmt.Sprintf("Exit(%d)", uint32(e))
}
