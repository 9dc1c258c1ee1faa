//go:build linux

package vmm

import (
	"fmt"
	"io"
	"sync/atomic"
	"unsafe"

	"github.com/c35s/ehyve/vmm/arch"
	"golang.org/x/sys/unix"
)

const (
	MemSizeMin     = 2 << 20   // 2M
	MemSizeDefault = 512 << 20 // 512M
	MemSizeMax     = 1 << 40   // 1T
)

const pageSize = 0x1000

// GuestMemory is the guest's physical memory. It is one anonymous host
// mapping; guest-physical addresses are offsets into it. When the guest has
// more memory than fits below the 32-bit gap, the gap stays in the mapping
// but is inaccessible and not registered with the hypervisor.
type GuestMemory struct {
	size    uint64
	host    []byte
	regions []arch.Region
	sealed  atomic.Bool
}

// NewGuestMemory allocates size bytes of zeroed guest memory.
func NewGuestMemory(size uint64) (*GuestMemory, error) {
	if err := validateMemSize(size); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}

	host, err := unix.Mmap(-1, 0, int(arch.HostSize(size)),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)

	if err != nil {
		return nil, fmt.Errorf("%w: %d bytes: %w", ErrNotEnoughMemory, size, err)
	}

	if size > arch.GapStart {
		if err := unix.Mprotect(host[arch.GapStart:arch.GapEnd], unix.PROT_NONE); err != nil {
			unix.Munmap(host)
			return nil, fmt.Errorf("%w: protect gap: %w", ErrNotEnoughMemory, err)
		}
	}

	m := GuestMemory{
		size:    size,
		host:    host,
		regions: arch.MemoryLayout(size),
	}

	return &m, nil
}

func validateMemSize(size uint64) error {
	if size%pageSize != 0 {
		return fmt.Errorf("memory size must be a multiple of the page size (%d)", pageSize)
	}

	if size < MemSizeMin {
		return fmt.Errorf("memory is too small: %d < %d", size, MemSizeMin)
	}

	if size > MemSizeMax {
		return fmt.Errorf("memory is too large: %d > %d", size, MemSizeMax)
	}

	return nil
}

// Size returns the amount of guest memory in bytes, not counting the gap.
func (m *GuestMemory) Size() uint64 {
	return m.size
}

// Regions returns the slots to register with the hypervisor.
func (m *GuestMemory) Regions() []arch.Region {
	return append([]arch.Region(nil), m.regions...)
}

// HostAddr returns the host virtual address backing r.
func (m *GuestMemory) HostAddr(r arch.Region) uint64 {
	return uint64(uintptr(unsafe.Pointer(&m.host[r.HostOffset])))
}

// Bytes returns the whole host mapping, indexed by guest-physical address.
// Touching the gap faults.
func (m *GuestMemory) Bytes() []byte {
	return m.host
}

// Slice returns the n bytes at addr. The range must lie within one region.
func (m *GuestMemory) Slice(addr, n uint64) ([]byte, error) {
	for _, r := range m.regions {
		if addr >= r.GuestPhysAddr && addr <= r.End() && n <= r.End()-addr {
			off := r.HostOffset + (addr - r.GuestPhysAddr)
			return m.host[off : off+n : off+n], nil
		}
	}

	return nil, fmt.Errorf("%w: [%#x, %#x)", ErrGuestAddress, addr, addr+n)
}

// ReadAt implements io.ReaderAt over guest-physical addresses.
func (m *GuestMemory) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("%w: negative offset", ErrGuestAddress)
	}

	b, err := m.Slice(uint64(off), uint64(len(p)))
	if err != nil {
		return 0, err
	}

	return copy(p, b), nil
}

// WriteAt implements io.WriterAt over guest-physical addresses. It fails
// with ErrMemorySealed once the memory is sealed.
func (m *GuestMemory) WriteAt(p []byte, off int64) (int, error) {
	if m.sealed.Load() {
		return 0, ErrMemorySealed
	}

	if off < 0 {
		return 0, fmt.Errorf("%w: negative offset", ErrGuestAddress)
	}

	b, err := m.Slice(uint64(off), uint64(len(p)))
	if err != nil {
		return 0, err
	}

	return copy(b, p), nil
}

// Seal ends the boot phase. Afterwards only the guest writes to its memory.
func (m *GuestMemory) Seal() {
	m.sealed.Store(true)
}

// Sealed reports whether Seal was called.
func (m *GuestMemory) Sealed() bool {
	return m.sealed.Load()
}

// Close unmaps the memory.
func (m *GuestMemory) Close() error {
	if m.host == nil {
		return nil
	}

	err := unix.Munmap(m.host)
	m.host = nil
	return err
}

var (
	_ io.ReaderAt = (*GuestMemory)(nil)
	_ io.WriterAt = (*GuestMemory)(nil)
)
