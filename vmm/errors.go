//go:build linux

package vmm

import (
	"errors"
	"fmt"

	"github.com/c35s/ehyve/kvm"
)

var (
	ErrOpenKVM             = errors.New("vm: KVM is not available")
	ErrCompat              = errors.New("vm: incompatible KVM")
	ErrConfig              = errors.New("vm: invalid config")
	ErrState               = errors.New("vm: operation not valid in this state")
	ErrNotRunning          = errors.New("vm: not running")
	ErrCreate              = errors.New("vm: create failed")
	ErrSetup               = errors.New("vm: setup failed")
	ErrNotEnoughMemory     = errors.New("vm: not enough memory")
	ErrSetUserMemoryRegion = errors.New("vm: set user memory region failed")
	ErrGuestAddress        = errors.New("vm: guest address out of range")
	ErrMemorySealed        = errors.New("vm: guest memory is sealed")
	ErrLoadKernel          = errors.New("vm: kernel load failed")
	ErrCreateVCPU          = errors.New("vm: VCPU create failed")
	ErrSetupVCPU           = errors.New("vm: VCPU setup failed")
	ErrMissingFrequency    = errors.New("vm: CPU frequency unavailable")

	// ErrInterrupted is returned by VCPU.Run when the step was cut short by a
	// signal or a Kick. It is not fatal.
	ErrInterrupted = errors.New("vm: VCPU run interrupted")

	ErrHostControl       = errors.New("vm: host control operation failed")
	ErrUnknownIOPort     = errors.New("vm: unknown I/O port")
	ErrUnknownExitReason = errors.New("vm: unknown exit reason")
	ErrTranslationFault  = errors.New("vm: translation fault")
)

// HostControlError reports a rejected host control operation. CPU is -1 for
// VM-wide operations.
type HostControlError struct {
	Op  string
	CPU int
	Err error
}

func (e *HostControlError) Error() string {
	if e.CPU < 0 {
		return fmt.Sprintf("%v: %s: %v", ErrHostControl, e.Op, e.Err)
	}

	return fmt.Sprintf("%v: cpu %d: %s: %v", ErrHostControl, e.CPU, e.Op, e.Err)
}

func (e *HostControlError) Unwrap() []error {
	return []error{ErrHostControl, e.Err}
}

// UnknownIOPortError reports guest port I/O that no device claims.
type UnknownIOPortError struct {
	CPU  int
	Port uint16
	Out  bool
}

func (e *UnknownIOPortError) Error() string {
	dir := "in"
	if e.Out {
		dir = "out"
	}

	return fmt.Sprintf("%v: cpu %d: %s %#x", ErrUnknownIOPort, e.CPU, dir, e.Port)
}

func (e *UnknownIOPortError) Unwrap() error {
	return ErrUnknownIOPort
}

// UnknownExitReasonError reports a VM exit the run loop does not handle.
type UnknownExitReasonError struct {
	CPU    int
	Reason kvm.Exit
}

func (e *UnknownExitReasonError) Error() string {
	return fmt.Sprintf("%v: cpu %d: %v (%d)", ErrUnknownExitReason, e.CPU, e.Reason, uint32(e.Reason))
}

func (e *UnknownExitReasonError) Unwrap() error {
	return ErrUnknownExitReason
}

// TranslationFaultError reports guest execution that the host could not back
// with memory.
type TranslationFaultError struct {
	CPU int
	RIP uint64
}

func (e *TranslationFaultError) Error() string {
	return fmt.Sprintf("%v: cpu %d: rip %#x", ErrTranslationFault, e.CPU, e.RIP)
}

func (e *TranslationFaultError) Unwrap() error {
	return ErrTranslationFault
}
