//go:build linux

package vmm

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

var (
	cpuMaxFreqPath = "/sys/devices/system/cpu/cpu0/cpufreq/cpuinfo_max_freq"
	cpuInfoPath    = "/proc/cpuinfo"
)

// HostCPUFrequency returns the host CPU frequency in MHz from cpufreq's
// maximum frequency, or else from the first "cpu MHz" line in /proc/cpuinfo.
func HostCPUFrequency() (uint32, error) {
	if f, err := os.Open(cpuMaxFreqPath); err == nil {
		defer f.Close()
		return parseMaxFreq(f)
	}

	f, err := os.Open(cpuInfoPath)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrMissingFrequency, err)
	}

	defer f.Close()
	return parseCPUInfo(f)
}

// parseMaxFreq parses a kHz value.
func parseMaxFreq(r io.Reader) (uint32, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrMissingFrequency, err)
	}

	khz, err := strconv.ParseUint(strings.TrimSpace(string(b)), 10, 64)
	if err != nil || khz < 1000 {
		return 0, fmt.Errorf("%w: bad cpuinfo_max_freq %q", ErrMissingFrequency, b)
	}

	return uint32(khz / 1000), nil
}

func parseCPUInfo(r io.Reader) (uint32, error) {
	s := bufio.NewScanner(r)
	for s.Scan() {
		line := s.Text()
		if !strings.HasPrefix(line, "cpu MHz") {
			continue
		}

		_, val, ok := strings.Cut(line, ":")
		if !ok {
			break
		}

		mhz, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		if err != nil || mhz < 1 {
			return 0, fmt.Errorf("%w: bad cpu MHz %q", ErrMissingFrequency, val)
		}

		return uint32(mhz), nil
	}

	if err := s.Err(); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrMissingFrequency, err)
	}

	return 0, fmt.Errorf("%w: no cpu MHz in %s", ErrMissingFrequency, cpuInfoPath)
}
