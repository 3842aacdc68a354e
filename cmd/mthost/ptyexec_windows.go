//go:build windows

package main

import (
	"fmt"
	"os"
)

// runPtyExec's setsid/TIOCSCTTY/dup2 dance has no Windows equivalent,
// so --pty-exec is simply rejected there.
func runPtyExec(args []string) {
	fmt.Fprintln(os.Stderr, "mthost --pty-exec: unsupported on windows")
	os.Exit(1)
}
