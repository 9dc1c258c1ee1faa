package vmm

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestBarrier(t *testing.T) {
	const n = 4
	b := newBarrier(n)

	var (
		wg      sync.WaitGroup
		arrived atomic.Int32
	)

	for round := 0; round < 3; round++ {
		arrived.Store(0)

		for i := 0; i < n-1; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				arrived.Add(1)
				b.wait()
			}()
		}

		for arrived.Load() != n-1 {
			time.Sleep(time.Millisecond)
		}

		b.wait()
		wg.Wait()
	}
}

func TestBarrierLeave(t *testing.T) {
	b := newBarrier(3)

	done := make(chan struct{})
	go func() {
		b.wait()
		close(done)
	}()

	b.leave()

	select {
	case <-done:
		t.Fatal("barrier released early")
	case <-time.After(20 * time.Millisecond):
	}

	// the last party leaving releases the one still waiting
	b.leave()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("barrier never released")
	}

	// with one party left, wait doesn't block
	b.wait()
}

func TestRequestShutdown(t *testing.T) {
	c := newCoordinator(1)
	c.running.Store(true)

	c.requestShutdown(3)
	c.requestShutdown(4)

	if !c.shutdown.Load() {
		t.Error("shutdown not recorded")
	}

	if got := c.exitCode.Load(); got != 3 {
		t.Errorf("exit code = %d, want 3", got)
	}

	if c.running.Load() {
		t.Error("still running")
	}

	select {
	case <-c.stopped:
	default:
		t.Error("stopped is open")
	}
}
