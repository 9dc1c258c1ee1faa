// readme-example boots a kernel with the vmm package directly.
package main

import (
	"context"
	"os"

	"github.com/c35s/ehyve/vmm"
)

func main() {
	m, err := vmm.New(vmm.Config{
		MemSize:       64 << 20,
		NumCPUs:       2,
		HandleSignals: true,
	})

	if err != nil {
		panic(err)
	}

	defer m.Close()

	if err := m.LoadKernel(".build/eduos/hello"); err != nil {
		panic(err)
	}

	if err := m.CreateCPUs(); err != nil {
		panic(err)
	}

	if err := m.Init(); err != nil {
		panic(err)
	}

	if err := m.Run(context.TODO()); err != nil {
		panic(err)
	}

	m.Close()
	os.Exit(m.ExitCode())
}
