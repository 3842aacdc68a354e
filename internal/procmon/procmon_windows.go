//go:build windows

package procmon

import "fmt"

// foregroundPid is not implemented on Windows: the gateway's
// ForegroundChange reporting is best-effort and simply stays empty
// there. TIOCGPGRP has no Windows analogue reachable through the
// ConPTY handle this package is given.
func foregroundPid(fd uintptr) (int, error) {
	return 0, fmt.Errorf("procmon: foreground detection unsupported on windows")
}

func resolve(pid int) (Event, error) {
	return Event{}, fmt.Errorf("procmon: foreground detection unsupported on windows")
}
