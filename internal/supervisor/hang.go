package supervisor

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Hang detection thresholds: a child burning CPU near-flat-out for
// five minutes is presumed stuck and escalated from SIGTERM to
// SIGKILL.
const (
	hangCPURatio        = 0.9
	hangSustain         = 5 * time.Minute
	hangTermGrace       = 10 * time.Second
	hangScanInterval    = 30 * time.Second
	clockTicksPerSecond = 100
)

// procStat is the slice of /proc/<pid>/stat the detector needs.
type procStat struct {
	state      byte
	cpuJiffies uint64
}

func (p procStat) zombie() bool { return p.state == 'Z' }

// parseProcStat extracts state and cumulative CPU jiffies from a stat
// line. The comm field may contain spaces, so parsing anchors on the
// last closing paren.
func parseProcStat(data []byte) (procStat, error) {
	s := string(data)
	end := strings.LastIndexByte(s, ')')
	if end < 0 || end+2 >= len(s) {
		return procStat{}, fmt.Errorf("malformed stat line")
	}
	fields := strings.Fields(s[end+1:])
	if len(fields) < 13 {
		return procStat{}, fmt.Errorf("stat line too short: %d fields", len(fields))
	}

	utime, err := strconv.ParseUint(fields[11], 10, 64)
	if err != nil {
		return procStat{}, fmt.Errorf("parse utime: %w", err)
	}
	stime, err := strconv.ParseUint(fields[12], 10, 64)
	if err != nil {
		return procStat{}, fmt.Errorf("parse stime: %w", err)
	}
	return procStat{state: fields[0][0], cpuJiffies: utime + stime}, nil
}

// hangAction is what one observation asks the scanner to do.
type hangAction int

const (
	hangNone hangAction = iota
	hangReap
	hangTerm
	hangKill
)

type pidSample struct {
	lastCPU    uint64
	lastSample time.Time
	highSince  time.Time
	termSentAt time.Time
}

// pidTracker keeps per-PID CPU history between scans.
type pidTracker struct {
	mu      sync.Mutex
	samples map[int]*pidSample
}

func newPIDTracker() *pidTracker {
	return &pidTracker{samples: make(map[int]*pidSample)}
}

func (t *pidTracker) add(pid int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.samples[pid]; !ok {
		t.samples[pid] = &pidSample{}
	}
}

func (t *pidTracker) remove(pid int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.samples, pid)
}

func (t *pidTracker) pids() []int {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]int, 0, len(t.samples))
	for pid := range t.samples {
		out = append(out, pid)
	}
	return out
}

// observe folds one stat reading into the PID's history and decides
// the escalation step. Zombies are reaped; sustained high CPU earns a
// SIGTERM, and ignoring it earns a SIGKILL after the grace period.
func (t *pidTracker) observe(pid int, st procStat, now time.Time) hangAction {
	t.mu.Lock()
	defer t.mu.Unlock()

	sample, ok := t.samples[pid]
	if !ok {
		return hangNone
	}

	if st.zombie() {
		delete(t.samples, pid)
		return hangReap
	}

	if sample.lastSample.IsZero() {
		sample.lastCPU = st.cpuJiffies
		sample.lastSample = now
		return hangNone
	}

	elapsed := now.Sub(sample.lastSample).Seconds()
	cpuSeconds := float64(st.cpuJiffies-sample.lastCPU) / clockTicksPerSecond
	sample.lastCPU = st.cpuJiffies
	sample.lastSample = now

	if elapsed <= 0 {
		return hangNone
	}

	if cpuSeconds/elapsed < hangCPURatio {
		sample.highSince = time.Time{}
		sample.termSentAt = time.Time{}
		return hangNone
	}

	if sample.highSince.IsZero() {
		sample.highSince = now
		return hangNone
	}
	if now.Sub(sample.highSince) < hangSustain {
		return hangNone
	}

	if sample.termSentAt.IsZero() {
		sample.termSentAt = now
		return hangTerm
	}
	if now.Sub(sample.termSentAt) >= hangTermGrace {
		delete(t.samples, pid)
		return hangKill
	}
	return hangNone
}

// RegisterPID adds a child process to hang detection.
func (s *Supervisor) RegisterPID(pid int) {
	if pid > 0 {
		s.pids.add(pid)
	}
}

// UnregisterPID removes a child process from hang detection.
func (s *Supervisor) UnregisterPID(pid int) {
	s.pids.remove(pid)
}

// StartHangDetection scans registered child PIDs periodically until
// the context is cancelled. It returns immediately; the scan runs in
// the background. On platforms without /proc the scan is a no-op.
func (s *Supervisor) StartHangDetection(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = hangScanInterval
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.scanPIDs()
			}
		}
	}()
}

// scanPIDs takes one detection pass over the registered PIDs.
func (s *Supervisor) scanPIDs() {
	for _, pid := range s.pids.pids() {
		st, err := readProcStat(pid)
		if err != nil {
			// Process exited or the platform has no /proc.
			s.pids.remove(pid)
			continue
		}
		switch s.pids.observe(pid, st, s.nowFn()) {
		case hangReap:
			reapZombie(pid)
			s.logger.Info("reaped zombie child", zap.Int("pid", pid))
		case hangTerm:
			s.logger.Warn("terminating hung child", zap.Int("pid", pid))
			signalTerm(pid)
		case hangKill:
			s.logger.Warn("killing hung child", zap.Int("pid", pid))
			signalKill(pid)
		}
	}
}
