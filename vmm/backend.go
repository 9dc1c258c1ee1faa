//go:build linux

package vmm

import (
	"github.com/c35s/ehyve/kvm"
	"github.com/c35s/ehyve/vmm/arch"
)

// Backend is a hypervisor the VM runs on. OpenKVM returns the Linux KVM
// implementation.
type Backend interface {

	// Extensions reports the optional host features found at open time.
	Extensions() arch.Extensions

	// CPUFrequency reports the host CPU frequency in MHz.
	CPUFrequency() (uint32, error)

	// CreateMachine creates a VM with mem installed as its physical memory
	// and the arch-specific "hardware" set up.
	CreateMachine(mem *GuestMemory) (Machine, error)

	Close() error
}

// Machine is one VM created by a Backend.
type Machine interface {

	// CreateVCPU creates the VCPU with the given index. Indices start at 0
	// and the VCPU at index 0 boots the guest.
	CreateVCPU(index int) (VCPU, error)

	Close() error
}

// VCPU is one virtual CPU. Run must be called from a single OS thread; the
// other methods may be called from any goroutine while the VCPU is not
// running.
type VCPU interface {
	Index() int

	// Setup installs the CPUID table, MSRs, and MP state. boot is true for
	// the boot CPU.
	Setup(boot bool) error

	GetRegs(regs *kvm.Regs) error
	SetRegs(regs *kvm.Regs) error
	GetSregs(sregs *kvm.Sregs) error
	SetSregs(sregs *kvm.Sregs) error

	// GetFPU, GetMSRs and GetMPState read the rest of the architectural
	// state for register dumps. GetMSRs omits MSRs the host does not
	// support.
	GetFPU(fpu *kvm.FPU) error
	GetMSRs(indices []int) ([]kvm.MSREntry, error)
	GetMPState() (kvm.MPState, error)

	// Run executes guest code until the next VM exit and decodes it. It
	// returns ErrInterrupted if it was interrupted by a signal or by Kick.
	Run() (Event, error)

	// Kick makes the current or next Run return ErrInterrupted. It is safe
	// to call from any goroutine.
	Kick()

	Close() error
}

// Event is a decoded VM exit.
type Event interface {
	event()
}

// IOEvent is guest port I/O. Data holds Size*Count bytes. For OUT it is
// what the guest wrote; for IN the handler fills it in. Data is only valid
// until the next Run.
type IOEvent struct {
	Port  uint16
	Out   bool
	Size  uint8
	Count uint32
	Data  []byte
}

// HaltEvent means the guest executed HLT.
type HaltEvent struct{}

// ShutdownEvent means the guest triple-faulted or otherwise reset.
type ShutdownEvent struct{}

// UnknownEvent is any other exit.
type UnknownEvent struct {
	Reason kvm.Exit
	Detail string
}

func (IOEvent) event()       {}
func (HaltEvent) event()     {}
func (ShutdownEvent) event() {}
func (UnknownEvent) event()  {}
