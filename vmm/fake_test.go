//go:build linux

package vmm_test

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/c35s/ehyve/kvm"
	"github.com/c35s/ehyve/os/eduos"
	"github.com/c35s/ehyve/vmm"
	"github.com/c35s/ehyve/vmm/arch"
)

// fakeBackend is a scripted Backend. Each VCPU runs the program returned by
// guest for its index.
type fakeBackend struct {
	guest func(index int) []step

	freq             uint32
	createMachineErr error
	createVCPUErr    error
	setupErr         error

	mu      sync.Mutex
	mem     *vmm.GuestMemory
	regions []arch.Region
	vcpus   []*fakeVCPU
}

func (b *fakeBackend) Extensions() arch.Extensions {
	return arch.Extensions{IRQChip: true}
}

func (b *fakeBackend) CPUFrequency() (uint32, error) {
	if b.freq == 0 {
		return 2000, nil
	}

	return b.freq, nil
}

func (b *fakeBackend) CreateMachine(mem *vmm.GuestMemory) (vmm.Machine, error) {
	if b.createMachineErr != nil {
		return nil, b.createMachineErr
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.mem = mem
	b.regions = mem.Regions()
	return &fakeMachine{b: b}, nil
}

func (b *fakeBackend) Close() error {
	return nil
}

type fakeMachine struct {
	b *fakeBackend
}

func (m *fakeMachine) CreateVCPU(index int) (vmm.VCPU, error) {
	if m.b.createVCPUErr != nil && index > 0 {
		return nil, &vmm.HostControlError{Op: "create vcpu", CPU: index, Err: m.b.createVCPUErr}
	}

	var steps []step
	if m.b.guest != nil {
		steps = m.b.guest(index)
	}

	c := &fakeVCPU{
		b:     m.b,
		index: index,
		steps: steps,
		kick:  make(chan struct{}, 1),
	}

	c.sregs.CR0 = 0x60000010
	c.sregs.APICBase = 0xfee00800
	if index == 0 {
		c.sregs.APICBase |= 1 << 8
	}

	m.b.mu.Lock()
	m.b.vcpus = append(m.b.vcpus, c)
	m.b.mu.Unlock()

	return c, nil
}

func (m *fakeMachine) Close() error {
	return nil
}

// step is one instruction of a fake guest. Returning (nil, nil) moves on to
// the next step without exiting. Returning ErrInterrupted retries the step
// on the next Run.
type step func(c *fakeVCPU) (vmm.Event, error)

type fakeVCPU struct {
	b     *fakeBackend
	index int
	steps []step
	pc    int
	kick  chan struct{}

	mu          sync.Mutex
	regs        kvm.Regs
	sregs       kvm.Sregs
	setupCalls  []bool
	interrupted atomic.Int32
	runs        atomic.Int32
	closed      atomic.Bool
}

func (c *fakeVCPU) Index() int {
	return c.index
}

func (c *fakeVCPU) Setup(boot bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.setupCalls = append(c.setupCalls, boot)
	if c.b.setupErr != nil {
		return &vmm.HostControlError{Op: "setup vcpu", CPU: c.index, Err: c.b.setupErr}
	}

	return nil
}

func (c *fakeVCPU) GetRegs(regs *kvm.Regs) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	*regs = c.regs
	return nil
}

func (c *fakeVCPU) SetRegs(regs *kvm.Regs) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.regs = *regs
	return nil
}

func (c *fakeVCPU) GetSregs(sregs *kvm.Sregs) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	*sregs = c.sregs
	return nil
}

func (c *fakeVCPU) SetSregs(sregs *kvm.Sregs) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sregs = *sregs
	return nil
}

func (c *fakeVCPU) GetFPU(fpu *kvm.FPU) error {
	*fpu = kvm.FPU{FCW: 0x37f, MXCSR: 0x1f80}
	return nil
}

// GetMSRs reads the few MSRs the fake host supports.
func (c *fakeVCPU) GetMSRs(indices []int) ([]kvm.MSREntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []kvm.MSREntry
	for _, idx := range indices {
		e := kvm.MSREntry{Index: uint32(idx)}
		switch idx {
		case arch.MSREFER:
			e.Data = c.sregs.EFER
		case arch.MSRIA32APICBase:
			e.Data = c.sregs.APICBase
		case arch.MSRLSTAR:
		default:
			continue
		}

		out = append(out, e)
	}

	return out, nil
}

func (c *fakeVCPU) GetMPState() (kvm.MPState, error) {
	return kvm.MPStateRunnable, nil
}

func (c *fakeVCPU) Run() (vmm.Event, error) {
	c.runs.Add(1)

	for {
		select {
		case <-c.kick:
			c.interrupted.Add(1)
			return nil, vmm.ErrInterrupted
		default:
		}

		if c.pc >= len(c.steps) {
			// the guest spins until something interrupts it
			<-c.kick
			c.interrupted.Add(1)
			return nil, vmm.ErrInterrupted
		}

		ev, err := c.steps[c.pc](c)
		if errors.Is(err, vmm.ErrInterrupted) {
			c.interrupted.Add(1)
			return nil, err
		}

		c.pc++
		if ev == nil && err == nil {
			continue
		}

		return ev, err
	}
}

func (c *fakeVCPU) Kick() {
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

func (c *fakeVCPU) Close() error {
	c.closed.Store(true)
	return nil
}

func (c *fakeVCPU) bootInfo() eduos.BootInfo {
	b, err := c.b.mem.Slice(testKernelAddr, eduos.BootInfoSize)
	if err != nil {
		panic(err)
	}

	v, err := eduos.NewBootInfoView(b)
	if err != nil {
		panic(err)
	}

	return v.Get()
}

// steps

func out(port uint16, data ...byte) step {
	return func(*fakeVCPU) (vmm.Event, error) {
		return vmm.IOEvent{Port: port, Out: true, Size: 1, Count: uint32(len(data)), Data: data}, nil
	}
}

func in(port uint16, data []byte) step {
	return func(*fakeVCPU) (vmm.Event, error) {
		return vmm.IOEvent{Port: port, Size: 1, Count: uint32(len(data)), Data: data}, nil
	}
}

func shutdown(code byte) step {
	return out(eduos.ShutdownPort, code)
}

func halt() step {
	return func(*fakeVCPU) (vmm.Event, error) {
		return vmm.HaltEvent{}, nil
	}
}

func exit(ev vmm.Event) step {
	return func(*fakeVCPU) (vmm.Event, error) {
		return ev, nil
	}
}

func fail(err error) step {
	return func(*fakeVCPU) (vmm.Event, error) {
		return nil, err
	}
}

// do runs f and moves on.
func do(f func(c *fakeVCPU)) step {
	return func(c *fakeVCPU) (vmm.Event, error) {
		f(c)
		return nil, nil
	}
}

// await blocks until ch is closed, ignoring kicks.
func await(ch <-chan struct{}) step {
	return func(*fakeVCPU) (vmm.Event, error) {
		<-ch
		return nil, nil
	}
}

// failAfter fails with err once ch is closed, ignoring kicks.
func failAfter(ch <-chan struct{}, err error) step {
	return func(*fakeVCPU) (vmm.Event, error) {
		<-ch
		return nil, err
	}
}

// waitOnline waits for the boot info to count n online VCPUs. A kick
// interrupts the wait.
func waitOnline(n uint32) step {
	return func(c *fakeVCPU) (vmm.Event, error) {
		for c.bootInfo().CPUsOnline < n {
			select {
			case <-c.kick:
				return nil, vmm.ErrInterrupted
			case <-time.After(time.Millisecond):
			}
		}

		return nil, nil
	}
}

// test kernel

const (
	testKernelAddr  = 0x200000
	testKernelEntry = testKernelAddr + 0x40
	testMemSize     = 8 << 20
)

// writeKernel writes a minimal x86-64 executable with one PT_LOAD segment
// at testKernelAddr holding code at testKernelEntry. class and typ override
// the header fields when non-zero.
func writeKernel(t *testing.T, code []byte, class elf.Class, typ elf.Type) string {
	t.Helper()

	if class == 0 {
		class = elf.ELFCLASS64
	}

	if typ == 0 {
		typ = elf.ET_EXEC
	}

	seg := make([]byte, 0x1000)
	copy(seg[testKernelEntry-testKernelAddr:], code)

	var ident [elf.EI_NIDENT]byte
	copy(ident[:], elf.ELFMAG)
	ident[elf.EI_CLASS] = byte(class)
	ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)

	b := new(bytes.Buffer)

	if class == elf.ELFCLASS32 {
		hdr := elf.Header32{
			Ident:   ident,
			Type:    uint16(typ),
			Machine: uint16(elf.EM_386),
			Version: uint32(elf.EV_CURRENT),
			Entry:   testKernelEntry,
			Ehsize:  52,
		}

		if err := binary.Write(b, binary.LittleEndian, &hdr); err != nil {
			t.Fatal(err)
		}
	} else {
		hdr := elf.Header64{
			Ident:     ident,
			Type:      uint16(typ),
			Machine:   uint16(elf.EM_X86_64),
			Version:   uint32(elf.EV_CURRENT),
			Entry:     testKernelEntry,
			Phoff:     64,
			Ehsize:    64,
			Phentsize: 56,
			Phnum:     1,
		}

		ph := elf.Prog64{
			Type:   uint32(elf.PT_LOAD),
			Flags:  uint32(elf.PF_R | elf.PF_W | elf.PF_X),
			Off:    0x1000,
			Vaddr:  testKernelAddr,
			Paddr:  testKernelAddr,
			Filesz: uint64(len(seg)),
			Memsz:  uint64(len(seg)) + 0x1000,
			Align:  0x1000,
		}

		if err := binary.Write(b, binary.LittleEndian, &hdr); err != nil {
			t.Fatal(err)
		}

		if err := binary.Write(b, binary.LittleEndian, &ph); err != nil {
			t.Fatal(err)
		}

		file := make([]byte, 0x1000)
		copy(file, b.Bytes())

		b = bytes.NewBuffer(append(file, seg...))
	}

	path := filepath.Join(t.TempDir(), "kernel.elf")
	if err := os.WriteFile(path, b.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}

	return path
}
