package main

import (
	"errors"
	"fmt"
	"os"

	"execfence/internal/controlplane"
)

//go:generate clang -O2 -g -target bpf -D__TARGET_ARCH_x86 -I./bpf -c ./bpf/execfence.bpf.c -o ./bpf/execfence.bpf.o

// Process exit codes.
const (
	exitOK     = 0
	exitConfig = 1
	exitAttach = 2
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "execfence:", err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps a command error to the process status.
func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	var aerr *controlplane.AttachError
	if errors.As(err, &aerr) {
		return exitAttach
	}
	return exitConfig
}
