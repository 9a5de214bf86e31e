// Command test execs each argument and reports whether execfence denied it.
//
//	sudo execfence start --policy nc &
//	go run ./test /usr/bin/nc /usr/bin/true
package main

import (
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"

	"golang.org/x/sys/unix"
)

func main() {
	if len(os.Args) < 2 {
		log.Fatalf("usage: %s executable...", os.Args[0])
	}
	fmt.Println("Test program started. PID:", os.Getpid())

	denied := 0
	for _, path := range os.Args[1:] {
		fmt.Printf("Executing %s...\n", path)
		err := exec.Command(path).Run()

		var exitErr *exec.ExitError
		switch {
		case err == nil:
			fmt.Printf("  %s ran\n", path)
		case errors.Is(err, unix.EACCES):
			denied++
			fmt.Printf("  %s denied: %v\n", path, err)
			fmt.Println("  This is expected if execfence is blocking it!")
		case errors.As(err, &exitErr):
			fmt.Printf("  %s ran and exited %d\n", path, exitErr.ExitCode())
		default:
			log.Printf("  %s failed: %v", path, err)
		}
	}
	fmt.Printf("\n%d of %d executions denied\n", denied, len(os.Args)-1)
}
