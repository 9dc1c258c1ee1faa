package main

import (
	"errors"
	"fmt"
	"log/slog"
	"math/bits"
	"os"
	"strconv"
	"strings"

	"github.com/c35s/ehyve/vmm"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var errUsage = errors.New("usage")

// fileConfig is the YAML config file.
type fileConfig struct {
	Mem      string `yaml:"mem"`
	CPUs     *int   `yaml:"cpus"`
	Kernel   string `yaml:"kernel"`
	LogLevel string `yaml:"log_level"`
}

// settings are the resolved options for a run.
type settings struct {
	MemSize  uint64
	NumCPUs  int
	Kernel   string
	LogLevel slog.Level
}

// options holds the unparsed value of each setting from one source. Empty
// means unset.
type options struct {
	mem      string
	cpus     string
	kernel   string
	logLevel string
}

// override replaces o's values with the ones set in over.
func (o *options) override(over options) {
	for _, f := range []struct{ dst, src *string }{
		{&o.mem, &over.mem},
		{&o.cpus, &over.cpus},
		{&o.kernel, &over.kernel},
		{&o.logLevel, &over.logLevel},
	} {
		if *f.src != "" {
			*f.dst = *f.src
		}
	}
}

// loadConfigFile reads a YAML config file.
func loadConfigFile(path string) (options, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return options{}, fmt.Errorf("%w: %w", errUsage, err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(b, &fc); err != nil {
		return options{}, fmt.Errorf("%w: %s: %w", errUsage, path, err)
	}

	o := options{
		mem:      fc.Mem,
		kernel:   fc.Kernel,
		logLevel: fc.LogLevel,
	}

	if fc.CPUs != nil {
		o.cpus = strconv.Itoa(*fc.CPUs)
	}

	return o, nil
}

func envOptions(getenv func(string) string) options {
	return options{
		mem:      getenv("EHYVE_MEM"),
		cpus:     getenv("EHYVE_CPUS"),
		logLevel: getenv("EHYVE_LOG"),
	}
}

// flagOptions returns the flags the user set on cmd.
func flagOptions(cmd *cobra.Command, args []string) options {
	var o options

	flags := cmd.Flags()
	for name, dst := range map[string]*string{
		"mem":       &o.mem,
		"cpus":      &o.cpus,
		"log-level": &o.logLevel,
	} {
		if flags.Changed(name) {
			*dst = flags.Lookup(name).Value.String()
		}
	}

	if len(args) > 0 {
		o.kernel = args[0]
	}

	return o
}

// resolveSettings merges defaults, the config file, the environment, and
// the command line, later sources winning.
func resolveSettings(cmd *cobra.Command, args []string, getenv func(string) string) (settings, error) {
	o := options{
		mem:      "512M",
		cpus:     "1",
		logLevel: "info",
	}

	path, _ := cmd.Flags().GetString("config")
	if path != "" {
		fo, err := loadConfigFile(path)
		if err != nil {
			return settings{}, err
		}

		o.override(fo)
	}

	o.override(envOptions(getenv))
	o.override(flagOptions(cmd, args))

	return o.parse()
}

func (o options) parse() (settings, error) {
	var s settings

	mem, err := parseMemSize(o.mem)
	if err != nil {
		return s, fmt.Errorf("%w: mem: %w", errUsage, err)
	}

	cpus, err := strconv.Atoi(strings.TrimSpace(o.cpus))
	if err != nil {
		return s, fmt.Errorf("%w: cpus: %w", errUsage, err)
	}

	if cpus == 0 {
		cpus = 1
	}

	if cpus < 0 || cpus > vmm.MaxCPUs {
		return s, fmt.Errorf("%w: cpus must be between 1 and %d: %d", errUsage, vmm.MaxCPUs, cpus)
	}

	if o.kernel == "" {
		return s, fmt.Errorf("%w: no kernel", errUsage)
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(o.logLevel)); err != nil {
		return s, fmt.Errorf("%w: log level: %w", errUsage, err)
	}

	s = settings{
		MemSize:  mem,
		NumCPUs:  cpus,
		Kernel:   o.kernel,
		LogLevel: level,
	}

	return s, nil
}

// parseMemSize parses a byte count with an optional binary suffix: K, M, G,
// T, P or E, in either case.
func parseMemSize(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("empty size")
	}

	shift := 0
	switch s[len(s)-1] {
	case 'K', 'k':
		shift = 10
	case 'M', 'm':
		shift = 20
	case 'G', 'g':
		shift = 30
	case 'T', 't':
		shift = 40
	case 'P', 'p':
		shift = 50
	case 'E', 'e':
		shift = 60
	}

	num := s
	if shift > 0 {
		num = s[:len(s)-1]
	}

	n, err := strconv.ParseUint(num, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bad size %q", s)
	}

	if shift > 0 && bits.LeadingZeros64(n) < shift {
		return 0, fmt.Errorf("size %q overflows", s)
	}

	return n << shift, nil
}
