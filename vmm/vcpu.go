//go:build linux

package vmm

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"sync"

	"github.com/c35s/ehyve/kvm"
	"github.com/c35s/ehyve/os/eduos"
)

// vcpu runs one VCPU's exit loop.
type vcpu struct {
	VCPU

	coord   *coordinator
	boot    *eduos.BootInfoView
	console io.Writer
	diag    io.Writer
	log     *slog.Logger
}

// run announces the VCPU to the guest and then handles exits until the guest
// halts or shuts down, the VM is stopped, or something goes wrong. It locks
// the calling goroutine to its OS thread so Kick can signal it.
func (c *vcpu) run() error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	defer c.coord.barrier.leave()

	if !c.boot.Announce(uint32(c.Index()), c.coord.running.Load) {
		return nil
	}

	c.log.Debug("vcpu online")

	for c.coord.running.Load() {
		ev, err := c.Run()
		if errors.Is(err, ErrInterrupted) {
			if c.coord.interrupt.Load() {
				c.coord.barrier.wait() // paused
				c.coord.barrier.wait() // resumed
			}

			continue
		}

		if err != nil {
			return c.fatal(err)
		}

		done, err := c.dispatch(ev)
		if err != nil {
			return c.fatal(err)
		}

		if done {
			return nil
		}
	}

	return nil
}

// dispatch handles one exit. done is true when this VCPU's loop should end.
func (c *vcpu) dispatch(ev Event) (done bool, err error) {
	switch ev := ev.(type) {
	case IOEvent:
		return c.handleIO(ev)

	case HaltEvent:
		c.log.Debug("vcpu halted")
		return true, nil

	case ShutdownEvent:
		return false, &UnknownExitReasonError{CPU: c.Index(), Reason: kvm.ExitShutdown}

	case UnknownEvent:
		if ev.Detail != "" {
			c.log.Error("unhandled exit", "reason", ev.Reason, "detail", ev.Detail)
		}

		return false, &UnknownExitReasonError{CPU: c.Index(), Reason: ev.Reason}
	}

	return false, fmt.Errorf("unexpected event %T", ev)
}

func (c *vcpu) handleIO(ev IOEvent) (bool, error) {
	switch {
	case ev.Port == eduos.ConsolePort && ev.Out:
		if _, err := c.console.Write(ev.Data); err != nil {
			c.log.Warn("console write failed", "err", err)
		}

		return false, nil

	case ev.Port == eduos.ConsolePort:
		clear(ev.Data)
		return false, nil

	case ev.Port == eduos.ShutdownPort && ev.Out:
		var code uint8
		if len(ev.Data) > 0 {
			code = ev.Data[0]
		}

		c.log.Debug("guest requested shutdown", "code", code)
		c.coord.requestShutdown(code)
		return true, nil
	}

	return false, &UnknownIOPortError{CPU: c.Index(), Port: ev.Port, Out: ev.Out}
}

// fatal logs err with a register dump and returns it.
func (c *vcpu) fatal(err error) error {
	c.log.Error("vcpu failed", "err", err)

	var hc *HostControlError
	if errors.As(err, &hc) {
		return err
	}

	if derr := DumpRegisters(c.diag, c.VCPU); derr != nil {
		c.log.Warn("register dump failed", "err", derr)
	}

	return err
}

// syncWriter serializes writes from several VCPUs.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (w *syncWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.w.Write(p)
}
