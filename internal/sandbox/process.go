package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// processExecutor runs code as a resource-limited child process. Limits
// are applied with ulimit in a shell child before exec replaces it with
// the interpreter, so the interpreter itself runs constrained.
type processExecutor struct {
	limits Limits
	shell  string
}

func newProcessExecutor(limits Limits) *processExecutor {
	shell := "sh"
	if path, err := exec.LookPath("bash"); err == nil {
		shell = path
	}
	return &processExecutor{limits: limits, shell: shell}
}

func (e *processExecutor) Name() string { return "process" }

// Available is always true; every host can fork a child.
func (e *processExecutor) Available() bool { return true }

func (e *processExecutor) Execute(ctx context.Context, req Request) (*Result, error) {
	binary, interpArgs, ext, err := interpreterFor(req.Language)
	if err != nil {
		return nil, err
	}
	if _, err := exec.LookPath(binary); err != nil {
		return nil, fmt.Errorf("sandbox: interpreter %s not found: %w", binary, err)
	}

	codeFile, cleanup, err := writeCodeFile(req.Code, ext)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	timeout := time.Duration(e.limits.TimeoutSeconds) * time.Second
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	script := e.buildScript(binary, interpArgs, codeFile, req.Args)
	cmd := exec.CommandContext(execCtx, e.shell, "-c", script)
	cmd.Dir = req.WorkDir
	cmd.Env = append(minimalEnv(), req.Env...)
	setupProcessGroup(cmd)

	maxOutput := int64(e.limits.MaxFileSizeMB) * 1024 * 1024
	if maxOutput <= 0 {
		maxOutput = 10 * 1024 * 1024
	}
	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &limitedWriter{w: &stdoutBuf, max: maxOutput}
	cmd.Stderr = &limitedWriter{w: &stderrBuf, max: maxOutput}

	started := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(started)

	result := &Result{
		ExitCode:      -1,
		Stdout:        stdoutBuf.String(),
		Stderr:        stderrBuf.String(),
		ExecutionTime: elapsed,
		MemoryUsedMB:  peakMemoryMB(cmd),
	}

	switch {
	case execCtx.Err() == context.DeadlineExceeded:
		result.Killed = true
		result.KillReason = timeoutReason(e.limits)
	case runErr == nil:
		result.Success = true
		result.ExitCode = 0
	default:
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		} else {
			return nil, fmt.Errorf("sandbox: launch failed: %w", runErr)
		}
	}
	return result, nil
}

// buildScript assembles the ulimit preamble and the exec line. CPU time
// is seconds, address space and file size are KiB under bash.
func (e *processExecutor) buildScript(binary string, interpArgs []string, codeFile string, args []string) string {
	var b strings.Builder
	if e.limits.MaxCPUSeconds > 0 {
		fmt.Fprintf(&b, "ulimit -t %d; ", e.limits.MaxCPUSeconds)
	}
	if e.limits.MaxMemoryMB > 0 {
		fmt.Fprintf(&b, "ulimit -v %d; ", e.limits.MaxMemoryMB*1024)
	}
	if e.limits.MaxFileSizeMB > 0 {
		fmt.Fprintf(&b, "ulimit -f %d; ", e.limits.MaxFileSizeMB*1024)
	}
	b.WriteString("exec")
	for _, part := range append(append([]string{binary}, interpArgs...), codeFile) {
		b.WriteString(" ")
		b.WriteString(shellQuote(part))
	}
	for _, a := range args {
		b.WriteString(" ")
		b.WriteString(shellQuote(a))
	}
	return b.String()
}

func writeCodeFile(code, ext string) (string, func(), error) {
	dir, err := os.MkdirTemp("", "artemis-sandbox-")
	if err != nil {
		return "", nil, fmt.Errorf("sandbox: temp dir: %w", err)
	}
	path := filepath.Join(dir, "code"+ext)
	if err := os.WriteFile(path, []byte(code), 0o600); err != nil {
		os.RemoveAll(dir)
		return "", nil, fmt.Errorf("sandbox: write code: %w", err)
	}
	return path, func() { os.RemoveAll(dir) }, nil
}

// minimalEnv keeps the child environment down to what interpreters
// need to start.
func minimalEnv() []string {
	env := []string{}
	for _, key := range []string{"PATH", "HOME", "LANG", "TMPDIR"} {
		if val := os.Getenv(key); val != "" {
			env = append(env, key+"="+val)
		}
	}
	return env
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// limitedWriter caps captured output without failing the writer.
type limitedWriter struct {
	w         *bytes.Buffer
	max       int64
	written   int64
	truncated bool
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	n := len(p)
	if lw.written >= lw.max {
		lw.truncated = true
		return n, nil
	}
	remaining := lw.max - lw.written
	if int64(n) > remaining {
		lw.truncated = true
		written, err := lw.w.Write(p[:remaining])
		lw.written += int64(written)
		return n, err
	}
	written, err := lw.w.Write(p)
	lw.written += int64(written)
	return written, err
}
