//go:build linux

// Package eduos loads a flat ELF teaching kernel and defines the small ABI
// it shares with the host: the boot info header and two I/O ports.
package eduos

import (
	"bytes"
	"debug/elf"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"

	"golang.org/x/sys/unix"
)

var (
	ErrInvalidFile     = errors.New("eduos: invalid kernel file")
	ErrKernelNotLoaded = errors.New("eduos: kernel not loaded")
)

// Loader loads a kernel image into guest memory.
type Loader struct {

	// Path is the kernel ELF image.
	Path string

	// CPUFreq reports the host CPU frequency in MHz for the boot info header.
	CPUFreq func() (uint32, error)
}

// Kernel describes a loaded kernel.
type Kernel struct {
	Entry        uint64
	BootInfoAddr uint64
}

// Load copies every PT_LOAD segment of the image to its physical address in
// mem, zeroes the BSS tails, and writes the boot info header at the start of
// the first segment. memSize is the guest memory size reported to the kernel.
func (l *Loader) Load(mem io.WriterAt, memSize uint64) (Kernel, error) {
	data, err := mapFile(l.Path)
	if err != nil {
		return Kernel{}, fmt.Errorf("%w: %s: %w", ErrInvalidFile, l.Path, err)
	}

	defer unix.Munmap(data)

	k, err := l.load(data, mem, memSize)
	if err != nil {
		return Kernel{}, fmt.Errorf("%s: %w", l.Path, err)
	}

	return k, nil
}

func (l *Loader) load(data []byte, mem io.WriterAt, memSize uint64) (Kernel, error) {
	f, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		return Kernel{}, fmt.Errorf("%w: %w", ErrInvalidFile, err)
	}

	if err := checkHeader(&f.FileHeader); err != nil {
		return Kernel{}, err
	}

	k := Kernel{Entry: f.Entry}
	slog.Debug("elf entry point", "entry", fmt.Sprintf("%#x", f.Entry))

	first := true
	for i, p := range f.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}

		if err := loadSegment(data, mem, &p.ProgHeader); err != nil {
			return Kernel{}, fmt.Errorf("%w: segment %d: %w", ErrInvalidFile, i, err)
		}

		slog.Debug("loaded segment",
			"paddr", fmt.Sprintf("%#x", p.Paddr),
			"filesz", p.Filesz,
			"memsz", p.Memsz,
			"offset", p.Off)

		if !first {
			continue
		}

		first = false
		if err := l.writeBootInfo(mem, memSize, p.Paddr, p.Memsz); err != nil {
			return Kernel{}, err
		}

		k.BootInfoAddr = p.Paddr
	}

	if first {
		return Kernel{}, fmt.Errorf("%w: no loadable segments", ErrInvalidFile)
	}

	return k, nil
}

func checkHeader(h *elf.FileHeader) error {
	switch {
	case h.Class != elf.ELFCLASS64:
		return fmt.Errorf("%w: class %v", ErrInvalidFile, h.Class)

	case h.Type != elf.ET_EXEC:
		return fmt.Errorf("%w: type %v", ErrInvalidFile, h.Type)

	case h.Machine != elf.EM_X86_64:
		return fmt.Errorf("%w: machine %v", ErrInvalidFile, h.Machine)
	}

	return nil
}

// zeroes is the chunk written to clear BSS.
var zeroes = make([]byte, 64<<10)

func loadSegment(data []byte, mem io.WriterAt, p *elf.ProgHeader) error {
	if p.Filesz > p.Memsz {
		return fmt.Errorf("filesz %#x > memsz %#x", p.Filesz, p.Memsz)
	}

	if p.Off > uint64(len(data)) || p.Filesz > uint64(len(data))-p.Off {
		return fmt.Errorf("file range [%#x, %#x) is past the end of the image", p.Off, p.Off+p.Filesz)
	}

	if p.Paddr+p.Memsz < p.Paddr || p.Paddr+p.Memsz > math.MaxInt64 {
		return fmt.Errorf("paddr %#x + memsz %#x overflows", p.Paddr, p.Memsz)
	}

	// mem rejects ranges outside guest memory, including the gap below 4G.
	if _, err := mem.WriteAt(data[p.Off:p.Off+p.Filesz], int64(p.Paddr)); err != nil {
		return err
	}

	for addr, end := p.Paddr+p.Filesz, p.Paddr+p.Memsz; addr < end; {
		n := end - addr
		if n > uint64(len(zeroes)) {
			n = uint64(len(zeroes))
		}

		if _, err := mem.WriteAt(zeroes[:n], int64(addr)); err != nil {
			return err
		}

		addr += n
	}

	return nil
}

func (l *Loader) writeBootInfo(mem io.WriterAt, memSize, addr, segSize uint64) error {
	if segSize < BootInfoSize || addr%8 != 0 {
		return fmt.Errorf("%w: no room for boot info at %#x", ErrInvalidFile, addr)
	}

	if l.CPUFreq == nil {
		return fmt.Errorf("%w: no cpu frequency source", ErrKernelNotLoaded)
	}

	freq, err := l.CPUFreq()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrKernelNotLoaded, err)
	}

	bi := BootInfo{
		NumCPUs:  1,
		CPUFreq:  freq,
		MemLimit: memSize,
	}

	b, err := bi.MarshalBinary()
	if err != nil {
		return err
	}

	if _, err := mem.WriteAt(b, int64(addr)); err != nil {
		return fmt.Errorf("%w: %w", ErrKernelNotLoaded, err)
	}

	slog.Debug("wrote boot info", "addr", fmt.Sprintf("%#x", addr), "cpu_freq", freq, "mem_limit", memSize)
	return nil
}

// mapFile maps the whole file read-only.
func mapFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}

	if fi.Size() == 0 {
		return nil, io.ErrUnexpectedEOF
	}

	return unix.Mmap(int(f.Fd()), 0, int(fi.Size()), unix.PROT_READ, unix.MAP_PRIVATE)
}
