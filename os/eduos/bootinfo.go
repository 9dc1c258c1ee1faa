package eduos

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"runtime"
	"sync/atomic"
	"unsafe"
)

// I/O ports the guest uses to talk to the host.
const (
	ConsolePort  = 0x3f8 // COM1; each OUT byte goes to the host console
	ShutdownPort = 0xf4  // any OUT requests shutdown; the byte is the exit code
)

// BootInfo is the header the kernel reads at the start of its first loadable
// segment. It has the layout of the kernel's own struct, including the
// padding before MemLimit.
type BootInfo struct {
	NumCPUs    uint32
	CPUsOnline uint32
	CPUFreq    uint32 // MHz
	_          uint32
	MemLimit   uint64
}

// BootInfoSize is the size of BootInfo in guest memory.
const BootInfoSize = 24

// Field offsets within BootInfo.
const (
	offNumCPUs    = 0
	offCPUsOnline = 4
	offCPUFreq    = 8
	offMemLimit   = 16
)

// MarshalBinary encodes the header as the guest sees it.
func (bi *BootInfo) MarshalBinary() ([]byte, error) {
	b := new(bytes.Buffer)
	if err := binary.Write(b, binary.LittleEndian, bi); err != nil {
		return nil, err
	}

	return b.Bytes(), nil
}

// UnmarshalBinary decodes a header. It returns io.ErrUnexpectedEOF if data
// is too short.
func (bi *BootInfo) UnmarshalBinary(data []byte) error {
	if len(data) < BootInfoSize {
		return io.ErrUnexpectedEOF
	}

	return binary.Read(bytes.NewReader(data[:BootInfoSize]), binary.LittleEndian, bi)
}

// BootInfoView is a live view of the header in guest memory. The two
// counters are accessed atomically because the guest polls them while VCPUs
// come up.
type BootInfoView struct {
	b []byte
}

// NewBootInfoView wraps the BootInfoSize bytes at the start of b. The
// counters must be 4-byte aligned.
func NewBootInfoView(b []byte) (*BootInfoView, error) {
	if len(b) < BootInfoSize {
		return nil, fmt.Errorf("boot info: %w", io.ErrUnexpectedEOF)
	}

	if uintptr(unsafe.Pointer(&b[0]))%8 != 0 {
		return nil, fmt.Errorf("boot info at %p is not 8-byte aligned", &b[0])
	}

	return &BootInfoView{b: b[:BootInfoSize:BootInfoSize]}, nil
}

func (v *BootInfoView) word(off int) *uint32 {
	return (*uint32)(unsafe.Pointer(&v.b[off]))
}

// Put overwrites the whole header.
func (v *BootInfoView) Put(bi BootInfo) {
	atomic.StoreUint32(v.word(offNumCPUs), bi.NumCPUs)
	atomic.StoreUint32(v.word(offCPUsOnline), bi.CPUsOnline)
	atomic.StoreUint32(v.word(offCPUFreq), bi.CPUFreq)
	binary.LittleEndian.PutUint64(v.b[offMemLimit:], bi.MemLimit)
}

// Get reads the whole header.
func (v *BootInfoView) Get() BootInfo {
	return BootInfo{
		NumCPUs:    atomic.LoadUint32(v.word(offNumCPUs)),
		CPUsOnline: atomic.LoadUint32(v.word(offCPUsOnline)),
		CPUFreq:    atomic.LoadUint32(v.word(offCPUFreq)),
		MemLimit:   binary.LittleEndian.Uint64(v.b[offMemLimit:]),
	}
}

// SetNumCPUs records the final CPU count. It must be called before any VCPU
// runs.
func (v *BootInfoView) SetNumCPUs(n uint32) {
	atomic.StoreUint32(v.word(offNumCPUs), n)
}

// CPUsOnline returns how many VCPUs have announced themselves.
func (v *BootInfoView) CPUsOnline() uint32 {
	return atomic.LoadUint32(v.word(offCPUsOnline))
}

// Announce waits until every lower-indexed VCPU has announced itself, then
// counts index as online. It yields the processor while waiting and gives up,
// returning false, as soon as running reports false.
func (v *BootInfoView) Announce(index uint32, running func() bool) bool {
	online := v.word(offCPUsOnline)
	for atomic.LoadUint32(online) != index {
		if !running() {
			return false
		}

		runtime.Gosched()
	}

	atomic.AddUint32(online, 1)
	return true
}
