//go:build linux

// Package vmm runs a multi-VCPU virtual machine that boots an eduos kernel.
package vmm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"

	"github.com/c35s/ehyve/kvm"
	"github.com/c35s/ehyve/os/eduos"
	"github.com/c35s/ehyve/vmm/arch"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

// Config describes a new VM.
type Config struct {

	// MemSize is the size of the VM's memory in bytes.
	// It must be a multiple of the page size.
	// If MemSize is 0, the VM will have 512M of memory.
	MemSize uint64

	// NumCPUs is the number of VCPUs. If NumCPUs is 0, the VM has one.
	NumCPUs int

	// Backend, if set, is the hypervisor to run on. If Backend is nil, New
	// opens KVM and the VM closes it when it is closed.
	Backend Backend

	// Console receives the guest's console output. Defaults to os.Stdout.
	Console io.Writer

	// Diagnostics receives register dumps. Defaults to os.Stderr.
	Diagnostics io.Writer

	// Log defaults to slog.Default().
	Log *slog.Logger

	// HandleSignals makes Run stop the VM on SIGINT and SIGTERM and dump
	// every VCPU's registers on SIGUSR1.
	HandleSignals bool
}

// MaxCPUs is the largest supported NumCPUs.
const MaxCPUs = 255

// VM is a virtual machine. The lifecycle is New, LoadKernel, CreateCPUs,
// Init, Run, and finally Close.
type VM struct {
	cfg     Config
	log     *slog.Logger
	backend Backend
	machine Machine
	mem     *GuestMemory
	console io.Writer
	coord   *coordinator

	mu          sync.Mutex
	kernel      eduos.Kernel
	boot        *eduos.BootInfoView
	cpus        []*vcpu
	loaded      bool
	initialized bool
	started     bool
	stopped     bool
	closed      bool

	group      *errgroup.Group
	errs       []error
	runCtx     context.Context
	stopSignal atomic.Int32

	stopOnce sync.Once
	result   error

	pauseMu sync.Mutex
	paused  bool
}

// New allocates the VM's memory and creates it on the backend.
func New(cfg Config) (*VM, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}

	backend := cfg.Backend
	if backend == nil {
		b, err := OpenKVM()
		if err != nil {
			return nil, err
		}

		backend = b
	}

	m := &VM{
		cfg:     cfg,
		log:     cfg.Log,
		backend: backend,
		console: &syncWriter{w: cfg.Console},
		coord:   newCoordinator(cfg.NumCPUs),
	}

	mem, err := NewGuestMemory(cfg.MemSize)
	if err != nil {
		m.Close()
		return nil, err
	}

	m.mem = mem

	machine, err := backend.CreateMachine(mem)
	if err != nil {
		m.Close()
		return nil, err
	}

	m.machine = machine

	m.log.Debug("vm created",
		"mem", cfg.MemSize,
		"cpus", cfg.NumCPUs,
		"regions", len(mem.Regions()),
		"ext", backend.Extensions())

	return m, nil
}

// LoadKernel loads the kernel ELF image at path and records its entry
// point.
func (m *VM) LoadKernel(path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.loaded || m.initialized || m.closed {
		return fmt.Errorf("%w: load kernel", ErrState)
	}

	l := eduos.Loader{
		Path:    path,
		CPUFreq: m.backend.CPUFrequency,
	}

	k, err := l.Load(m.mem, m.mem.Size())
	if err != nil {
		return fmt.Errorf("%w: %w", ErrLoadKernel, err)
	}

	b, err := m.mem.Slice(k.BootInfoAddr, eduos.BootInfoSize)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrLoadKernel, err)
	}

	boot, err := eduos.NewBootInfoView(b)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrLoadKernel, err)
	}

	m.kernel = k
	m.boot = boot
	m.loaded = true

	m.log.Info("kernel loaded",
		"path", path,
		"entry", fmt.Sprintf("%#x", k.Entry),
		"boot_info", fmt.Sprintf("%#x", k.BootInfoAddr))

	return nil
}

// Kernel returns the loaded kernel.
func (m *VM) Kernel() eduos.Kernel {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.kernel
}

// CreateCPUs creates NumCPUs VCPUs with indices 0 through NumCPUs-1.
func (m *VM) CreateCPUs() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cpus != nil || m.closed {
		return fmt.Errorf("%w: create cpus", ErrState)
	}

	cpus := make([]*vcpu, 0, m.cfg.NumCPUs)
	for i := 0; i < m.cfg.NumCPUs; i++ {
		c, err := m.machine.CreateVCPU(i)
		if err != nil {
			for _, c := range cpus {
				c.Close()
			}

			return fmt.Errorf("%w: %w", ErrCreateVCPU, err)
		}

		cpus = append(cpus, &vcpu{
			VCPU:    c,
			coord:   m.coord,
			console: m.console,
			diag:    m.cfg.Diagnostics,
			log:     m.log.With("cpu", i),
		})
	}

	m.cpus = cpus
	return nil
}

// NumCPUs returns the number of VCPUs the VM has or will have.
func (m *VM) NumCPUs() int {
	return m.cfg.NumCPUs
}

// Init writes the boot GDT and page tables, then puts every VCPU in long
// mode at the kernel's entry point. The boot CPU's privileged state is
// shared by all VCPUs. Guest memory is sealed afterwards.
func (m *VM) Init() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.loaded || m.cpus == nil || m.initialized || m.closed {
		return fmt.Errorf("%w: init", ErrState)
	}

	mem := m.mem.Bytes()

	segs, err := arch.WriteGDT(mem, arch.BootGDT)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSetup, err)
	}

	n, err := arch.WritePageTables(mem, m.mem.Size())
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSetup, err)
	}

	m.log.Debug("boot tables written", "gdt", fmt.Sprintf("%#x", arch.BootGDT), "pde_entries", n)

	for _, c := range m.cpus {
		if err := c.Setup(c.Index() == 0); err != nil {
			return fmt.Errorf("%w: %w", ErrSetupVCPU, err)
		}
	}

	var sregs kvm.Sregs
	if err := m.cpus[0].GetSregs(&sregs); err != nil {
		return fmt.Errorf("%w: %w", ErrSetupVCPU, err)
	}

	arch.LongModeSregs(&sregs, segs)

	for _, c := range m.cpus {
		if err := m.initVCPU(c, sregs); err != nil {
			return fmt.Errorf("%w: %w", ErrSetupVCPU, err)
		}
	}

	m.mem.Seal()
	m.initialized = true

	return nil
}

func (m *VM) initVCPU(c *vcpu, sregs kvm.Sregs) error {
	var cur kvm.Sregs
	if err := c.GetSregs(&cur); err != nil {
		return err
	}

	sregs.APICBase = arch.RelocateAPIC(cur.APICBase)
	if err := c.SetSregs(&sregs); err != nil {
		return err
	}

	regs := arch.BootRegs(m.kernel.Entry)
	return c.SetRegs(&regs)
}

// Run starts every VCPU on its own OS thread and blocks until the guest
// shuts down, a VCPU fails, every VCPU halts, ctx is done, or Stop is
// called. It then stops the VM and returns Stop's result.
func (m *VM) Run(ctx context.Context) error {
	m.mu.Lock()
	if !m.initialized || m.started || m.stopped || m.closed {
		m.mu.Unlock()
		return fmt.Errorf("%w: run", ErrState)
	}

	m.boot.SetNumCPUs(uint32(len(m.cpus)))
	m.coord.running.Store(true)

	g, gctx := errgroup.WithContext(ctx)
	m.group = g
	m.runCtx = ctx
	m.errs = make([]error, len(m.cpus))
	m.started = true

	for i, c := range m.cpus {
		i, c := i, c
		c.boot = m.boot
		g.Go(func() error {
			err := c.run()
			m.errs[i] = err
			return err
		})
	}

	m.mu.Unlock()

	var sigs chan os.Signal
	if m.cfg.HandleSignals {
		sigs = make(chan os.Signal, 1)
		signal.Notify(sigs, unix.SIGINT, unix.SIGTERM, unix.SIGUSR1)
		defer signal.Stop(sigs)
	}

	done := make(chan struct{})
	go func() {
		g.Wait()
		close(done)
	}()

	m.log.Info("vm running", "cpus", len(m.cpus))

wait:
	for {
		select {
		case <-m.coord.stopped:
			break wait

		case <-gctx.Done():
			break wait

		case <-done:
			break wait

		case sig := <-sigs:
			if sig == unix.SIGUSR1 {
				if err := m.DumpRegisters(m.cfg.Diagnostics); err != nil {
					m.log.Warn("register dump failed", "err", err)
				}

				continue
			}

			m.log.Info("stopping", "signal", sig)
			if s, ok := sig.(unix.Signal); ok {
				m.stopSignal.Store(int32(s))
			}

			break wait
		}
	}

	return m.Stop()
}

// Stop stops every VCPU, waits for them, and returns the VM's result: nil if
// the guest shut down, else the first VCPU error in index order, else the
// error of the context passed to Run. Calling Stop again returns the same
// result.
func (m *VM) Stop() error {
	m.stopOnce.Do(func() {
		m.mu.Lock()
		started := m.started
		m.stopped = true
		m.mu.Unlock()

		m.coord.stop()
		m.Resume()

		if !started {
			return
		}

		for _, c := range m.cpus {
			c.Kick()
		}

		m.group.Wait()
		m.result = m.aggregate()

		m.log.Debug("vm stopped", "err", m.result)
	})

	return m.result
}

func (m *VM) aggregate() error {
	if m.coord.shutdown.Load() {
		return nil
	}

	for _, err := range m.errs {
		if err != nil {
			return err
		}
	}

	if m.stopSignal.Load() != 0 {
		return nil
	}

	return m.runCtx.Err()
}

// Running reports whether the VCPUs are running.
func (m *VM) Running() bool {
	return m.coord.running.Load()
}

// ExitCode returns the byte the guest wrote to the shutdown port, or
// 128+signo if a signal stopped the VM, or 0.
func (m *VM) ExitCode() int {
	if m.coord.shutdown.Load() {
		return int(m.coord.exitCode.Load())
	}

	if sig := m.stopSignal.Load(); sig != 0 {
		return 128 + int(sig)
	}

	return 0
}

// Pause stops every running VCPU at the barrier. It returns once they are
// all there.
func (m *VM) Pause() error {
	m.pauseMu.Lock()
	defer m.pauseMu.Unlock()

	if !m.Running() {
		return ErrNotRunning
	}

	if m.paused {
		return nil
	}

	m.coord.interrupt.Store(true)
	for _, c := range m.cpus {
		c.Kick()
	}

	m.coord.barrier.wait()
	m.paused = true

	return nil
}

// Resume releases VCPUs stopped by Pause.
func (m *VM) Resume() error {
	m.pauseMu.Lock()
	defer m.pauseMu.Unlock()

	if !m.paused {
		return nil
	}

	m.coord.interrupt.Store(false)
	m.coord.barrier.wait()
	m.paused = false

	return nil
}

// DumpRegisters pauses the VM, writes every VCPU's registers to w, and
// resumes.
func (m *VM) DumpRegisters(w io.Writer) error {
	if err := m.Pause(); err != nil {
		return err
	}

	defer m.Resume()

	var errs []error
	for _, c := range m.cpus {
		errs = append(errs, DumpRegisters(w, c))
	}

	return errors.Join(errs...)
}

// Close stops the VM and releases its resources.
func (m *VM) Close() error {
	m.Stop()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}

	m.closed = true

	for _, c := range m.cpus {
		c.Close()
	}

	if m.machine != nil {
		m.machine.Close()
	}

	if m.mem != nil {
		m.mem.Close()
	}

	if m.cfg.Backend == nil && m.backend != nil {
		m.backend.Close()
	}

	return nil
}

func (cfg Config) validate() error {
	if err := validateMemSize(cfg.MemSize); err != nil {
		return err
	}

	if cfg.NumCPUs < 1 || cfg.NumCPUs > MaxCPUs {
		return fmt.Errorf("cpus must be between 1 and %d: %d", MaxCPUs, cfg.NumCPUs)
	}

	return nil
}

func (cfg Config) withDefaults() Config {
	if cfg.MemSize == 0 {
		cfg.MemSize = MemSizeDefault
	}

	if cfg.NumCPUs == 0 {
		cfg.NumCPUs = 1
	}

	if cfg.Console == nil {
		cfg.Console = os.Stdout
	}

	if cfg.Diagnostics == nil {
		cfg.Diagnostics = os.Stderr
	}

	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}

	return cfg
}
