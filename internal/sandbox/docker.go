package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"
)

const defaultDockerImage = "python:3.12-alpine"

// dockerExecutor runs code inside a throwaway container with a
// read-only root, memory and CPU-time caps, and no network unless the
// limits allow it.
type dockerExecutor struct {
	limits     Limits
	dockerPath string
	available  bool
	image      string
}

func newDockerExecutor(limits Limits) *dockerExecutor {
	image := os.Getenv("ARTEMIS_SANDBOX_IMAGE")
	if image == "" {
		image = defaultDockerImage
	}
	e := &dockerExecutor{limits: limits, image: image}
	e.detect()
	return e
}

// detect probes for a responsive docker daemon.
func (e *dockerExecutor) detect() {
	path, err := exec.LookPath("docker")
	if err != nil {
		return
	}
	e.dockerPath = path

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := exec.CommandContext(ctx, path, "version", "--format", "{{.Server.Version}}").Run(); err != nil {
		return
	}
	e.available = true
}

func (e *dockerExecutor) Name() string { return "docker" }

func (e *dockerExecutor) Available() bool { return e.available }

func (e *dockerExecutor) Execute(ctx context.Context, req Request) (*Result, error) {
	if !e.available {
		return nil, fmt.Errorf("sandbox: docker not available")
	}
	binary, interpArgs, ext, err := interpreterFor(req.Language)
	if err != nil {
		return nil, err
	}

	codeFile, cleanup, err := writeCodeFile(req.Code, ext)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	timeout := time.Duration(e.limits.TimeoutSeconds) * time.Second
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := e.buildArgs(codeFile, binary, interpArgs, req)
	cmd := exec.CommandContext(execCtx, e.dockerPath, args...)

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
			// 137 is SIGKILL from the OOM killer under --memory.
			if result.ExitCode == 137 {
				result.Killed = true
				result.KillReason = fmt.Sprintf("OOM(%dMB)", e.limits.MaxMemoryMB)
			}
		} else {
			return nil, fmt.Errorf("sandbox: docker run failed: %w", runErr)
		}
	}
	return result, nil
}

func (e *dockerExecutor) buildArgs(codeFile, binary string, interpArgs []string, req Request) []string {
	args := []string{"run", "--rm", "--read-only"}

	network := "none"
	if e.limits.AllowNetwork {
		network = "bridge"
	}
	args = append(args, "--network", network)
	args = append(args, "--tmpfs", "/tmp:size=64m")

	if e.limits.MaxMemoryMB > 0 {
		args = append(args, "--memory", fmt.Sprintf("%dm", e.limits.MaxMemoryMB))
	}
	if e.limits.MaxCPUSeconds > 0 {
		args = append(args, "--ulimit", fmt.Sprintf("cpu=%d", e.limits.MaxCPUSeconds))
	}
	if e.limits.MaxFileSizeMB > 0 {
		args = append(args, "--ulimit", fmt.Sprintf("fsize=%d", int64(e.limits.MaxFileSizeMB)*1024*1024))
	}

	// The code file's directory is mounted read-only at /sandbox.
	args = append(args, "-v", fmt.Sprintf("%s:/sandbox:ro", filepath.Dir(codeFile)))
	for _, path := range e.limits.AllowedPaths {
		args = append(args, "-v", fmt.Sprintf("%s:%s:rw", path, path))
	}

	workDir := req.WorkDir
	if workDir == "" {
		workDir = "/sandbox"
	}
	args = append(args, "-w", workDir)

	for _, env := range req.Env {
		args = append(args, "-e", env)
	}

	args = append(args, e.image, binary)
	args = append(args, interpArgs...)
	args = append(args, "/sandbox/"+filepath.Base(codeFile))
	args = append(args, req.Args...)
	return args
}

