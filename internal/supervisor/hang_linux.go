//go:build linux

package supervisor

import (
	"fmt"
	"os"
	"syscall"
)

func readProcStat(pid int) (procStat, error) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return procStat{}, err
	}
	return parseProcStat(data)
}

// reapZombie collects a dead child's exit status without blocking.
func reapZombie(pid int) {
	var status syscall.WaitStatus
	syscall.Wait4(pid, &status, syscall.WNOHANG, nil)
}

func signalTerm(pid int) {
	syscall.Kill(pid, syscall.SIGTERM)
}

func signalKill(pid int) {
	syscall.Kill(pid, syscall.SIGKILL)
}
