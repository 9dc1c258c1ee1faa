// ehyve boots an eduos kernel in a KVM virtual machine.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/c35s/ehyve/kvm"
	"github.com/c35s/ehyve/vmm"
	"github.com/c35s/ehyve/vmm/arch"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// Process exit statuses for failures, from sysexits.h.
const (
	exitUsage    = 64
	exitSoftware = 70
)

// exitStatus is returned by a command to set a specific exit status.
type exitStatus int

func (s exitStatus) Error() string {
	return fmt.Sprintf("exit status %d", int(s))
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr, os.Getenv))
}

func run(args []string, stdout, stderr io.Writer, getenv func(string) string) int {
	cmd := newRootCommand(stdout, stderr, getenv)
	cmd.SetArgs(args)

	err := cmd.Execute()

	var st exitStatus
	switch {
	case err == nil:
		return 0

	case errors.As(err, &st):
		return int(st)

	case errors.Is(err, errUsage), errors.Is(err, vmm.ErrConfig):
		fmt.Fprintf(stderr, "ehyve: %v\n\n%s", err, cmd.UsageString())
		return exitUsage
	}

	fmt.Fprintf(stderr, "ehyve: %v\n", err)
	return exitSoftware
}

func newRootCommand(stdout, stderr io.Writer, getenv func(string) string) *cobra.Command {
	root := &cobra.Command{
		Use:   "ehyve [flags] KERNEL",
		Short: "Boot an eduos kernel in a KVM virtual machine",
		Long: `ehyve loads a 64-bit ELF kernel into a fresh KVM virtual machine and runs it
until the guest writes its exit code to the shutdown port.

Settings are taken from flags, then the EHYVE_MEM, EHYVE_CPUS and EHYVE_LOG
environment variables, then the --config file.`,

		Args:          usageArgs(cobra.MaximumNArgs(1)),
		SilenceErrors: true,
		SilenceUsage:  true,

		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := resolveSettings(cmd, args, getenv)
			if err != nil {
				return err
			}

			log := newLogger(stderr, s.LogLevel, isTerminal(stderr))
			slog.SetDefault(log)

			code, err := runKernel(cmd.Context(), s, stdout, log)
			if err != nil {
				log.Error("vm failed", "err", err)
				return err
			}

			if code != 0 {
				return exitStatus(code)
			}

			return nil
		},
	}

	root.SetOut(stdout)
	root.SetErr(stderr)

	root.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return fmt.Errorf("%w: %w", errUsage, err)
	})

	root.Flags().String("mem", "512M", "guest memory size, with an optional K/M/G/T/P/E suffix")
	root.Flags().Int("cpus", 1, "number of virtual CPUs (0 means 1)")
	root.PersistentFlags().String("config", "", "YAML config file")
	root.PersistentFlags().String("log-level", "info", "log level: debug, info, warn or error")

	root.AddCommand(newCheckCommand(stdout))

	return root
}

// runKernel boots the kernel and returns the guest's exit code.
func runKernel(ctx context.Context, s settings, console io.Writer, log *slog.Logger) (int, error) {
	m, err := vmm.New(vmm.Config{
		MemSize:       s.MemSize,
		NumCPUs:       s.NumCPUs,
		Console:       console,
		Log:           log,
		HandleSignals: true,
	})

	if err != nil {
		return 0, err
	}

	defer m.Close()

	if err := m.LoadKernel(s.Kernel); err != nil {
		return 0, err
	}

	if err := m.CreateCPUs(); err != nil {
		return 0, err
	}

	if err := m.Init(); err != nil {
		return 0, err
	}

	if err := m.Run(ctx); err != nil {
		return 0, err
	}

	return m.ExitCode(), nil
}

func newCheckCommand(stdout io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Report the host's KVM API version and extensions",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			sys, err := kvm.Open()
			if err != nil {
				return fmt.Errorf("%w: %w", vmm.ErrOpenKVM, err)
			}

			defer sys.Close()

			version, err := kvm.GetAPIVersion(sys)
			if err != nil {
				return err
			}

			caps, err := arch.QueryCaps(sys)
			if err != nil {
				return err
			}

			return arch.WriteReport(stdout, version, caps)
		},
	}
}

// usageArgs marks argument errors as usage errors.
func usageArgs(check cobra.PositionalArgs) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := check(cmd, args); err != nil {
			return fmt.Errorf("%w: %w", errUsage, err)
		}

		return nil
	}
}

// newLogger logs text to terminals and JSON elsewhere.
func newLogger(w io.Writer, level slog.Level, tty bool) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if tty {
		return slog.New(slog.NewTextHandler(w, opts))
	}

	return slog.New(slog.NewJSONHandler(w, opts))
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
