//go:build linux

package vmm

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"unsafe"

	"github.com/c35s/ehyve/kvm"
	"github.com/c35s/ehyve/vmm/arch"
	"golang.org/x/sys/unix"
)

// kickSignal interrupts a VCPU thread blocked in KVM_RUN. The Go runtime
// catches it and otherwise ignores it.
const kickSignal = unix.SIGUSR2

type kvmBackend struct {
	sys      *kvm.System
	arch     *arch.Arch
	ext      arch.Extensions
	mmapSize int
}

// OpenKVM opens /dev/kvm and checks that it can run a VM.
func OpenKVM() (Backend, error) {
	sys, err := kvm.Open()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrOpenKVM, err)
	}

	b, err := newKVMBackend(sys)
	if err != nil {
		sys.Close()
		return nil, err
	}

	return b, nil
}

func newKVMBackend(sys *kvm.System) (*kvmBackend, error) {
	if err := arch.ValidateKVM(sys); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCompat, err)
	}

	ext := arch.ProbeExtensions(sys)
	slog.Debug("kvm extensions", "ext", ext)

	a, err := arch.New(sys, ext)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCompat, &HostControlError{Op: "read host cpuid and msrs", CPU: -1, Err: err})
	}

	mmsz, err := kvm.GetVCPUMmapSize(sys)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCompat, &HostControlError{Op: "get vcpu mmap size", CPU: -1, Err: err})
	}

	if mmsz < int(unsafe.Sizeof(kvm.VCPUState{})) {
		return nil, fmt.Errorf("%w: vcpu mmap size %d is too small", ErrCompat, mmsz)
	}

	b := kvmBackend{
		sys:      sys,
		arch:     a,
		ext:      ext,
		mmapSize: mmsz,
	}

	return &b, nil
}

func (b *kvmBackend) Extensions() arch.Extensions {
	return b.ext
}

func (b *kvmBackend) CPUFrequency() (uint32, error) {
	if mhz, ok := b.arch.CPUFrequency(); ok {
		return mhz, nil
	}

	return HostCPUFrequency()
}

func (b *kvmBackend) CreateMachine(mem *GuestMemory) (Machine, error) {
	vm, err := kvm.CreateVM(b.sys)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCreate, &HostControlError{Op: "create vm", CPU: -1, Err: err})
	}

	if err := b.arch.SetupVM(vm); err != nil {
		vm.Close()
		return nil, fmt.Errorf("%w: %w", ErrSetup, err)
	}

	for _, r := range mem.Regions() {
		mr := kvm.UserspaceMemoryRegion{
			Slot:          r.Slot,
			GuestPhysAddr: r.GuestPhysAddr,
			MemorySize:    r.Size,
			UserspaceAddr: mem.HostAddr(r),
		}

		if err := kvm.SetUserMemoryRegion(vm, &mr); err != nil {
			vm.Close()
			return nil, fmt.Errorf("%w: slot %d: %w", ErrSetUserMemoryRegion, r.Slot, err)
		}

		slog.Debug("memory region",
			"slot", r.Slot,
			"gpa", fmt.Sprintf("%#x", r.GuestPhysAddr),
			"size", r.Size)
	}

	return &kvmMachine{b: b, fd: vm}, nil
}

func (b *kvmBackend) Close() error {
	return b.sys.Close()
}

type kvmMachine struct {
	b  *kvmBackend
	fd *kvm.VM
}

func (m *kvmMachine) CreateVCPU(index int) (VCPU, error) {
	fd, err := kvm.CreateVCPU(m.fd, index)
	if err != nil {
		return nil, &HostControlError{Op: "create vcpu", CPU: index, Err: err}
	}

	mm, err := unix.Mmap(int(fd.Fd()), 0, m.b.mmapSize,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)

	if err != nil {
		fd.Close()
		return nil, &HostControlError{Op: "mmap vcpu", CPU: index, Err: err}
	}

	c := kvmVCPU{
		index: index,
		fd:    fd,
		mm:    mm,
		arch:  m.b.arch,
	}

	return &c, nil
}

func (m *kvmMachine) Close() error {
	return m.fd.Close()
}

// kvmVCPU collects a VCPU fd and its mmaped state.
type kvmVCPU struct {
	index int
	fd    *kvm.VCPU
	mm    []byte
	arch  *arch.Arch

	// tid is the thread that last called Run.
	tid atomic.Int32
}

func (c *kvmVCPU) State() *kvm.VCPUState {
	return (*kvm.VCPUState)(unsafe.Pointer(&c.mm[0]))
}

func (c *kvmVCPU) Index() int {
	return c.index
}

func (c *kvmVCPU) Setup(boot bool) error {
	if err := c.arch.SetupVCPU(c.fd, boot); err != nil {
		return &HostControlError{Op: "setup vcpu", CPU: c.index, Err: err}
	}

	return nil
}

func (c *kvmVCPU) GetRegs(regs *kvm.Regs) error {
	return c.hostControl("get regs", kvm.GetRegs(c.fd, regs))
}

func (c *kvmVCPU) SetRegs(regs *kvm.Regs) error {
	return c.hostControl("set regs", kvm.SetRegs(c.fd, regs))
}

func (c *kvmVCPU) GetSregs(sregs *kvm.Sregs) error {
	return c.hostControl("get sregs", kvm.GetSregs(c.fd, sregs))
}

func (c *kvmVCPU) SetSregs(sregs *kvm.Sregs) error {
	return c.hostControl("set sregs", kvm.SetSregs(c.fd, sregs))
}

func (c *kvmVCPU) GetFPU(fpu *kvm.FPU) error {
	return c.hostControl("get fpu", kvm.GetFPU(c.fd, fpu))
}

func (c *kvmVCPU) GetMSRs(indices []int) ([]kvm.MSREntry, error) {
	msrs, err := kvm.GetMSRs(c.fd, c.arch.SupportedMSRs(indices))
	return msrs, c.hostControl("get msrs", err)
}

func (c *kvmVCPU) GetMPState() (kvm.MPState, error) {
	s, err := kvm.GetMPState(c.fd)
	return s, c.hostControl("get mp state", err)
}

func (c *kvmVCPU) hostControl(op string, err error) error {
	if err == nil {
		return nil
	}

	return &HostControlError{Op: op, CPU: c.index, Err: err}
}

func (c *kvmVCPU) Run() (Event, error) {
	c.tid.Store(int32(unix.Gettid()))

	state := c.State()
	if err := kvm.Run(c.fd); err != nil {
		switch {
		case errors.Is(err, unix.EINTR):
			state.ImmediateExit = 0
			return nil, ErrInterrupted

		case errors.Is(err, unix.EAGAIN):
			return nil, ErrInterrupted

		case errors.Is(err, unix.EFAULT):
			var regs kvm.Regs
			if err := kvm.GetRegs(c.fd, &regs); err != nil {
				return nil, &HostControlError{Op: "get regs", CPU: c.index, Err: err}
			}

			return nil, &TranslationFaultError{CPU: c.index, RIP: regs.RIP}
		}

		return nil, &HostControlError{Op: "run", CPU: c.index, Err: err}
	}

	return decodeExit(state, c.mm), nil
}

func decodeExit(state *kvm.VCPUState, mm []byte) Event {
	switch state.ExitReason {
	case kvm.ExitIO:
		xd := state.IOExitData()
		n := uint64(xd.Size) * uint64(xd.Count)

		if xd.Offset > uint64(len(mm)) || n > uint64(len(mm))-xd.Offset {
			return UnknownEvent{Reason: kvm.ExitIO, Detail: fmt.Sprintf("io data [%#x, +%d) outside the run page", xd.Offset, n)}
		}

		return IOEvent{
			Port:  xd.Port,
			Out:   xd.IsOut,
			Size:  xd.Size,
			Count: xd.Count,
			Data:  mm[xd.Offset : xd.Offset+n],
		}

	case kvm.ExitHLT:
		return HaltEvent{}

	case kvm.ExitShutdown:
		return ShutdownEvent{}

	case kvm.ExitMMIO:
		xd := state.MMIOExitData()
		return UnknownEvent{Reason: kvm.ExitMMIO, Detail: fmt.Sprintf("addr %#x len %d write %v", xd.PhysAddr, xd.Len, xd.IsWrite)}

	case kvm.ExitFailEntry:
		xd := state.FailEntryData()
		return UnknownEvent{Reason: kvm.ExitFailEntry, Detail: fmt.Sprintf("hardware entry failure reason %#x on cpu %d", xd.HardwareEntryFailureReason, xd.CPU)}

	case kvm.ExitInternalError:
		xd := state.InternalErrorData()
		return UnknownEvent{Reason: kvm.ExitInternalError, Detail: fmt.Sprintf("suberror %d", xd.Suberror)}
	}

	return UnknownEvent{Reason: state.ExitReason}
}

func (c *kvmVCPU) Kick() {
	c.State().ImmediateExit = 1

	if tid := c.tid.Load(); tid != 0 {
		if err := unix.Tgkill(unix.Getpid(), int(tid), kickSignal); err != nil && !errors.Is(err, unix.ESRCH) {
			slog.Warn("kick failed", "cpu", c.index, "err", err)
		}
	}
}

func (c *kvmVCPU) Close() error {
	err := c.fd.Close()
	unix.Munmap(c.mm)
	return err
}
