//go:build windows

package sandbox

import "os/exec"

func setupProcessGroup(_ *exec.Cmd) {}

func peakMemoryMB(_ *exec.Cmd) float64 { return 0 }
