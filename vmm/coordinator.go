package vmm

import (
	"sync"
	"sync/atomic"
)

// coordinator is the state the VCPU goroutines share with the controller.
// running only ever goes from true to false. interrupt asks every VCPU to
// meet the controller at the barrier.
type coordinator struct {
	running   atomic.Bool
	interrupt atomic.Bool
	barrier   *barrier

	once    sync.Once
	stopped chan struct{}

	// set by the VCPU that saw the shutdown request
	shutdown atomic.Bool
	exitCode atomic.Int32
}

func newCoordinator(ncpu int) *coordinator {
	return &coordinator{
		barrier: newBarrier(ncpu + 1),
		stopped: make(chan struct{}),
	}
}

// stop clears running and wakes the controller. It is safe to call more
// than once.
func (c *coordinator) stop() {
	c.running.Store(false)
	c.once.Do(func() { close(c.stopped) })
}

// requestShutdown records the guest's exit code and stops the VM. Only the
// first request counts.
func (c *coordinator) requestShutdown(code uint8) {
	if c.shutdown.CompareAndSwap(false, true) {
		c.exitCode.Store(int32(code))
	}

	c.stop()
}

// barrier is a reusable rendezvous for a fixed number of parties.
// Participants that are done for good call leave so the rest don't wait for
// them.
type barrier struct {
	mu    sync.Mutex
	cond  *sync.Cond
	n     int
	count int
	gen   uint64
}

func newBarrier(n int) *barrier {
	b := &barrier{n: n}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// wait blocks until n parties have called wait in the current generation.
func (b *barrier) wait() {
	b.mu.Lock()
	defer b.mu.Unlock()

	gen := b.gen
	b.count++
	if b.count >= b.n {
		b.next()
		return
	}

	for gen == b.gen {
		b.cond.Wait()
	}
}

// leave removes one party for good.
func (b *barrier) leave() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.n--
	if b.count > 0 && b.count >= b.n {
		b.next()
	}
}

func (b *barrier) next() {
	b.count = 0
	b.gen++
	b.cond.Broadcast()
}
