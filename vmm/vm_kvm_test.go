//go:build linux

package vmm_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/c35s/ehyve/vmm"
)

// Guest programs. Each is 64-bit code loaded at testKernelEntry.
var (
	// print "hi" on the console, then shut down with exit code 7
	helloCode = []byte{
		0x66, 0xba, 0xf8, 0x03, // mov dx, 0x3f8
		0xb0, 'h',              // mov al, 'h'
		0xee,                   // out dx, al
		0xb0, 'i',              // mov al, 'i'
		0xee,                   // out dx, al
		0x66, 0xba, 0xf4, 0x00, // mov dx, 0xf4
		0xb0, 0x07,             // mov al, 7
		0xee,                   // out dx, al
		0xf4,                   // hlt
	}

	// write to a port nobody owns
	badPortCode = []byte{
		0xb0, 0x01, // mov al, 1
		0xe6, 0x80, // out 0x80, al
		0xf4,       // hlt
	}

	// spin forever
	spinCode = []byte{0xeb, 0xfe} // jmp .
)

func newKVMVM(t *testing.T, ncpu int, code []byte, console *bytes.Buffer) *vmm.VM {
	t.Helper()

	m, err := vmm.New(vmm.Config{
		MemSize:     testMemSize,
		NumCPUs:     ncpu,
		Console:     console,
		Diagnostics: new(bytes.Buffer),
		Log:         quiet,
	})

	if errors.Is(err, vmm.ErrOpenKVM) {
		t.Skip(err)
	}

	if err != nil {
		t.Fatal(err)
	}

	t.Cleanup(func() { m.Close() })

	if err := m.LoadKernel(writeKernel(t, code, 0, 0)); err != nil {
		t.Fatal(err)
	}

	if err := m.CreateCPUs(); err != nil {
		t.Fatal(err)
	}

	if err := m.Init(); err != nil {
		t.Fatal(err)
	}

	return m
}

func TestKVMHello(t *testing.T) {
	console := new(bytes.Buffer)
	m := newKVMVM(t, 1, helloCode, console)

	if err := m.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	if got := console.String(); got != "hi" {
		t.Errorf("console = %q, want %q", got, "hi")
	}

	if got := m.ExitCode(); got != 7 {
		t.Errorf("ExitCode = %d, want 7", got)
	}
}

func TestKVMMultiCPU(t *testing.T) {
	for _, n := range []int{2, 4} {
		t.Run(fmt.Sprint(n), func(t *testing.T) {
			m := newKVMVM(t, n, helloCode, new(bytes.Buffer))

			if err := m.Run(context.Background()); err != nil {
				t.Fatal(err)
			}

			if got := m.ExitCode(); got != 7 {
				t.Errorf("ExitCode = %d, want 7", got)
			}
		})
	}
}

func TestKVMUnknownPort(t *testing.T) {
	m := newKVMVM(t, 1, badPortCode, new(bytes.Buffer))

	err := m.Run(context.Background())

	var pe *vmm.UnknownIOPortError
	if !errors.As(err, &pe) {
		t.Fatalf("error isn't an UnknownIOPortError: %v", err)
	}

	if pe.Port != 0x80 || !pe.Out {
		t.Errorf("error = %+v, want out 0x80", pe)
	}
}

func TestKVMStopSpinning(t *testing.T) {
	m := newKVMVM(t, 2, spinCode, new(bytes.Buffer))

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	if err := m.Run(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("error isn't context.DeadlineExceeded: %v", err)
	}

	if m.Running() {
		t.Error("vm is still running")
	}
}

func TestKVMPause(t *testing.T) {
	m := newKVMVM(t, 2, spinCode, new(bytes.Buffer))

	errc := make(chan error, 1)
	go func() { errc <- m.Run(context.Background()) }()
	waitRunning(t, m)

	b := new(bytes.Buffer)
	if err := m.DumpRegisters(b); err != nil {
		t.Fatal(err)
	}

	if !bytes.Contains(b.Bytes(), []byte("Dump state of CPU 1")) {
		t.Errorf("no dump for cpu 1:\n%s", b)
	}

	if !bytes.Contains(b.Bytes(), []byte("lstar:          c0000082  0000000000000000")) {
		t.Errorf("no lstar in msr dump:\n%s", b)
	}

	m.Stop()
	if err := waitResult(t, errc); err != nil {
		t.Error(err)
	}
}
