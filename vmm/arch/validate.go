//go:build linux

package arch

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"

	"github.com/c35s/ehyve/kvm"
)

// requiredCaps are the KVM extensions a VM cannot run without.
var requiredCaps = []kvm.Cap{
	kvm.CapIRQChip,
	kvm.CapHLT,
	kvm.CapUserMemory,
	kvm.CapSetTSSAddr,
	kvm.CapExtCPUID,
	kvm.CapImmediateExit,
	kvm.CapIRQFD,
}

var (
	ErrUnstableAPI       = errors.New("arch: unstable KVM API")
	ErrMissingCapability = errors.New("arch: missing required KVM extension")
)

// MissingCapabilityError lists the required extensions KVM lacks.
type MissingCapabilityError struct {
	Caps []kvm.Cap
}

func (e *MissingCapabilityError) Error() string {
	names := make([]string, len(e.Caps))
	for i, c := range e.Caps {
		names[i] = c.String()
	}

	return fmt.Sprintf("%v: %s", ErrMissingCapability, strings.Join(names, ","))
}

func (e *MissingCapabilityError) Unwrap() error {
	return ErrMissingCapability
}

// ValidateKVM returns an error if KVM speaks an unexpected API version or
// lacks a required extension.
func ValidateKVM(sys *kvm.System) error {
	version, err := kvm.GetAPIVersion(sys)
	if err != nil {
		return err
	}

	if version != kvm.StableAPIVersion {
		return fmt.Errorf("%w: %d != %d", ErrUnstableAPI, version, kvm.StableAPIVersion)
	}

	var missing []kvm.Cap
	for _, c := range requiredCaps {
		val, err := kvm.CheckExtension(sys, c)
		if err != nil {
			return err
		}

		if val < 1 {
			missing = append(missing, c)
		}
	}

	if len(missing) > 0 {
		return &MissingCapabilityError{Caps: missing}
	}

	return nil
}

// Extensions records optional KVM features. A false field means absent or
// unknown; callers only use them to enable extras.
type Extensions struct {
	TSCDeadlineTimer bool
	IRQChip          bool
	StableClock      bool
	VAPIC            bool
	SyncMMU          bool
	X2APICAPI        bool
}

// ProbeExtensions queries the optional extensions. Query errors count as
// absence.
func ProbeExtensions(sys *kvm.System) Extensions {
	has := func(c kvm.Cap) int {
		v, err := kvm.CheckExtension(sys, c)
		if err != nil {
			slog.Debug("extension probe failed", "cap", c, "err", err)
			return 0
		}

		return v
	}

	return Extensions{
		TSCDeadlineTimer: has(kvm.CapTSCDeadlineTimer) > 0,
		IRQChip:          has(kvm.CapIRQChip) > 0,
		StableClock:      has(kvm.CapAdjustClock) == kvm.ClockTSCStable,
		VAPIC:            has(kvm.CapVAPIC) > 0,
		SyncMMU:          has(kvm.CapSyncMMU) > 0,
		X2APICAPI:        has(kvm.CapX2APICAPI) > 0,
	}
}

// LogValue lets an Extensions print as one structured group.
func (e Extensions) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Bool("tsc_deadline", e.TSCDeadlineTimer),
		slog.Bool("irqchip", e.IRQChip),
		slog.Bool("stable_clock", e.StableClock),
		slog.Bool("vapic", e.VAPIC),
		slog.Bool("sync_mmu", e.SyncMMU),
		slog.Bool("x2apic_api", e.X2APICAPI),
	)
}

// CapValue is one row of an extension report.
type CapValue struct {
	Cap      kvm.Cap
	Value    int
	Required bool
}

// QueryCaps checks every extension this package knows about.
func QueryCaps(sys *kvm.System) ([]CapValue, error) {
	var vals []CapValue
	for _, c := range kvm.AllCaps() {
		v, err := kvm.CheckExtension(sys, c)
		if err != nil {
			return nil, fmt.Errorf("check %v: %w", c, err)
		}

		vals = append(vals, CapValue{Cap: c, Value: v, Required: slices.Contains(requiredCaps, c)})
	}

	return vals, nil
}

// WriteReport prints the API version, every extension with its value, and
// a verdict on whether a VM can run. The verdict is derived from the same
// rules as ValidateKVM.
func WriteReport(w io.Writer, version int, caps []CapValue) error {
	fmt.Fprintf(w, "KVM API version: %d\n", version)
	fmt.Fprintf(w, "\n# extensions\n")

	var missing []kvm.Cap
	for _, c := range caps {
		note := ""
		if c.Required {
			note = " (required)"
			if c.Value < 1 {
				missing = append(missing, c.Cap)
			}
		}

		fmt.Fprintf(w, "%v: %d%s\n", c.Cap, c.Value, note)
	}

	var err error
	switch {
	case version != kvm.StableAPIVersion:
		err = fmt.Errorf("%w: %d != %d", ErrUnstableAPI, version, kvm.StableAPIVersion)
	case len(missing) > 0:
		err = &MissingCapabilityError{Caps: missing}
	}

	if err != nil {
		fmt.Fprintf(w, "\nunsupported: %v\n", err)
		return err
	}

	fmt.Fprintf(w, "\nsupported\n")
	return nil
}
