//go:build !windows

package sandbox

import (
	"os/exec"
	"runtime"
	"syscall"
)

// setupProcessGroup puts the child in its own process group so a kill
// reaches its descendants.
func setupProcessGroup(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
}

// peakMemoryMB reads the child's max RSS from rusage. Linux reports
// KiB, darwin reports bytes.
func peakMemoryMB(cmd *exec.Cmd) float64 {
	if cmd.ProcessState == nil {
		return 0
	}
	rusage, ok := cmd.ProcessState.SysUsage().(*syscall.Rusage)
	if !ok || rusage == nil {
		return 0
	}
	switch runtime.GOOS {
	case "darwin":
		return float64(rusage.Maxrss) / (1024 * 1024)
	default:
		return float64(rusage.Maxrss) / 1024
	}
}
