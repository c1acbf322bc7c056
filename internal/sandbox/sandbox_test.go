package sandbox

import (
	"bytes"
	"context"
	"errors"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubBackend struct {
	lastReq *Request
	result  *Result
}

func (s *stubBackend) Execute(_ context.Context, req Request) (*Result, error) {
	s.lastReq = &req
	if s.result != nil {
		return s.result, nil
	}
	return &Result{Success: true, ExitCode: 0}, nil
}

func (s *stubBackend) Available() bool { return true }
func (s *stubBackend) Name() string    { return "stub" }

func TestSandboxRefusesForbiddenCode(t *testing.T) {
	backend := &stubBackend{}
	sb := New(DefaultLimits(), WithBackend(backend))

	result, err := sb.Execute(t.Context(), Request{
		Code: "import subprocess\nsubprocess.run(['rm', '-rf', '/'])\n",
		Scan: true,
	})
	require.Error(t, err)

	var secErr *SecurityError
	require.True(t, errors.As(err, &secErr))
	assert.NotEmpty(t, secErr.Findings)

	require.NotNil(t, result)
	assert.False(t, result.Success)
	assert.True(t, result.Killed)
	assert.Equal(t, "Failed security scan", result.KillReason)
	assert.Nil(t, backend.lastReq, "refused code must never reach the backend")
}

func TestSandboxRefusesHTTPWithoutNetwork(t *testing.T) {
	backend := &stubBackend{}
	limits := DefaultLimits()
	limits.AllowNetwork = false
	sb := New(limits, WithBackend(backend))

	_, err := sb.Execute(t.Context(), Request{
		Code: "import requests\nrequests.get('http://example.com')\n",
		Scan: true,
	})
	require.Error(t, err)
	assert.Nil(t, backend.lastReq)
}

func TestSandboxAllowsHTTPWithNetwork(t *testing.T) {
	backend := &stubBackend{}
	limits := DefaultLimits()
	limits.AllowNetwork = true
	sb := New(limits, WithBackend(backend))

	result, err := sb.Execute(t.Context(), Request{
		Code: "import requests\nrequests.get('http://example.com')\n",
		Scan: true,
	})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.NotNil(t, backend.lastReq)
}

func TestSandboxSkipsScanWhenDisabled(t *testing.T) {
	backend := &stubBackend{}
	sb := New(DefaultLimits(), WithBackend(backend))

	result, err := sb.Execute(t.Context(), Request{
		Code: "import subprocess\n",
		Scan: false,
	})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.NotNil(t, backend.lastReq)
}

func TestTimeoutReasonFormat(t *testing.T) {
	limits := Limits{TimeoutSeconds: 30}
	assert.Equal(t, "Timeout(30s)", timeoutReason(limits))
}

func TestInterpreterMapping(t *testing.T) {
	binary, args, ext, err := interpreterFor("python")
	require.NoError(t, err)
	assert.Equal(t, "python3", binary)
	assert.Empty(t, args)
	assert.Equal(t, ".py", ext)

	binary, args, _, err = interpreterFor("go")
	require.NoError(t, err)
	assert.Equal(t, "go", binary)
	assert.Equal(t, []string{"run"}, args)

	_, _, _, err = interpreterFor("cobol")
	require.Error(t, err)
}

func TestProcessExecutorRunsShellCode(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell backend is unix-only")
	}
	limits := DefaultLimits()
	pe := newProcessExecutor(limits)

	result, err := pe.Execute(t.Context(), Request{
		Code:     "echo hello from sandbox",
		Language: "sh",
	})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 0, result.ExitCode)
	assert.Contains(t, result.Stdout, "hello from sandbox")
	assert.Greater(t, result.ExecutionTime, time.Duration(0))
}

func TestProcessExecutorReportsExitCode(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell backend is unix-only")
	}
	pe := newProcessExecutor(DefaultLimits())

	result, err := pe.Execute(t.Context(), Request{
		Code:     "exit 3",
		Language: "sh",
	})
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, 3, result.ExitCode)
	assert.False(t, result.Killed)
}

func TestProcessExecutorKillsOnTimeout(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell backend is unix-only")
	}
	limits := DefaultLimits()
	limits.TimeoutSeconds = 1
	pe := newProcessExecutor(limits)

	result, err := pe.Execute(t.Context(), Request{
		Code:     "sleep 10",
		Language: "sh",
	})
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.True(t, result.Killed)
	assert.Equal(t, "Timeout(1s)", result.KillReason)
}

func TestLimitedWriterTruncates(t *testing.T) {
	var buf bytes.Buffer
	lw := &limitedWriter{w: &buf, max: 5}

	n, err := lw.Write([]byte("0123456789"))
	require.NoError(t, err)
	assert.Equal(t, 10, n, "caller sees the full length")
	assert.True(t, lw.truncated)
	assert.Equal(t, "01234", buf.String())
}
