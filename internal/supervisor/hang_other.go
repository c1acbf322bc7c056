//go:build !linux

package supervisor

import "errors"

// errNoProcFS makes the scanner drop PIDs immediately on platforms
// without /proc.
var errNoProcFS = errors.New("hang detection requires /proc")

func readProcStat(int) (procStat, error) {
	return procStat{}, errNoProcFS
}

func reapZombie(int) {}

func signalTerm(int) {}

func signalKill(int) {}
