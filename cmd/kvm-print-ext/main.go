// kvm-print-ext prints information about the KVM API and extensions, and
// whether ehyve can run on this host.
package main

import (
	"fmt"
	"os"

	"github.com/c35s/ehyve/kvm"
	"github.com/c35s/ehyve/vmm/arch"
)

func main() {
	sys, err := kvm.Open()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	defer sys.Close()

	version, err := kvm.GetAPIVersion(sys)
	if err != nil {
		panic(err)
	}

	caps, err := arch.QueryCaps(sys)
	if err != nil {
		panic(err)
	}

	if err := arch.WriteReport(os.Stdout, version, caps); err != nil {
		sys.Close()
		os.Exit(1)
	}
}
