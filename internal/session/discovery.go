package session

import "github.com/shirou/gopsutil/v4/process"

// runningMthostPids lists every currently running process named
// "mthost", used to find processes no discovered endpoint accounted
// for (the orphan set killed once discovery finishes).
func runningMthostPids() map[int]bool {
	orphans := make(map[int]bool)

	procs, err := process.Processes()
	if err != nil {
		return orphans
	}
	for _, p := range procs {
		name, err := p.Name()
		if err != nil {
			continue
		}
		if name == "mthost" || name == "mthost.exe" {
			orphans[int(p.Pid)] = true
		}
	}
	return orphans
}
