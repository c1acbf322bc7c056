// Package sandbox runs untrusted code produced by developer stages
// behind resource limits. A docker backend is preferred when the daemon
// answers; otherwise code runs as a resource-limited child process.
package sandbox

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Limits caps what executed code may consume.
type Limits struct {
	MaxCPUSeconds  int
	MaxMemoryMB    int
	MaxFileSizeMB  int
	AllowNetwork   bool
	TimeoutSeconds int
	AllowedPaths   []string
}

// DefaultLimits returns the standard caps for developer output.
func DefaultLimits() Limits {
	return Limits{
		MaxCPUSeconds:  30,
		MaxMemoryMB:    512,
		MaxFileSizeMB:  10,
		AllowNetwork:   false,
		TimeoutSeconds: 60,
	}
}

// Request is one execution of a piece of source text.
type Request struct {
	Code     string
	Language string
	Args     []string
	Env      []string
	WorkDir  string
	// Scan runs the security pre-check before launch.
	Scan bool
}

// Result reports what happened.
type Result struct {
	Success       bool          `json:"success"`
	ExitCode      int           `json:"exit_code"`
	Stdout        string        `json:"stdout"`
	Stderr        string        `json:"stderr"`
	ExecutionTime time.Duration `json:"execution_time"`
	MemoryUsedMB  float64       `json:"memory_used_mb,omitempty"`
	Killed        bool          `json:"killed"`
	KillReason    string        `json:"kill_reason,omitempty"`
}

// Executor is one isolation backend.
type Executor interface {
	Execute(ctx context.Context, req Request) (*Result, error)
	Available() bool
	Name() string
}

// SecurityError reports a refused launch.
type SecurityError struct {
	Risk     string
	Findings []string
}

func (e *SecurityError) Error() string {
	return fmt.Sprintf("sandbox: security scan refused execution (risk %s): %s",
		e.Risk, strings.Join(e.Findings, "; "))
}

// Sandbox scans and then dispatches to the selected backend.
type Sandbox struct {
	limits  Limits
	scanner *Scanner
	backend Executor
	logger  *zap.Logger
}

// Option tunes sandbox construction.
type Option func(*Sandbox)

// WithLogger attaches a logger. Nil keeps the no-op default.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Sandbox) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithBackend pins the isolation backend instead of probing.
func WithBackend(backend Executor) Option {
	return func(s *Sandbox) { s.backend = backend }
}

// New builds a sandbox over the first available backend: docker when
// the daemon responds, otherwise the child-process backend.
func New(limits Limits, opts ...Option) *Sandbox {
	s := &Sandbox{
		limits:  limits,
		scanner: NewScanner(),
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.backend == nil {
		if docker := newDockerExecutor(limits); docker.Available() {
			s.backend = docker
		} else {
			s.backend = newProcessExecutor(limits)
		}
	}
	s.logger.Info("sandbox ready", zap.String("backend", s.backend.Name()))
	return s
}

// Name reports the active backend.
func (s *Sandbox) Name() string { return s.backend.Name() }

// Available reports whether the active backend can run code.
func (s *Sandbox) Available() bool { return s.backend.Available() }

// Execute scans the code when requested, then runs it. A refused scan
// never launches the code and reports a SecurityError alongside the
// killed result.
func (s *Sandbox) Execute(ctx context.Context, req Request) (*Result, error) {
	if req.Scan {
		report := s.scanner.Scan(req.Code)
		refused := report.Forbidden || report.Risk == RiskHigh
		if !s.limits.AllowNetwork && report.hasFamily(familyHTTPClient) {
			refused = true
		}
		if refused {
			s.logger.Warn("security scan refused execution",
				zap.String("risk", string(report.Risk)),
				zap.Int("findings", len(report.Findings)))
			return &Result{
					Success:    false,
					ExitCode:   -1,
					Killed:     true,
					KillReason: "Failed security scan",
				}, &SecurityError{
					Risk:     string(report.Risk),
					Findings: report.findingSummaries(),
				}
		}
	}
	return s.backend.Execute(ctx, req)
}

// timeoutReason formats the kill reason for a deadline hit.
func timeoutReason(limits Limits) string {
	return fmt.Sprintf("Timeout(%ds)", limits.TimeoutSeconds)
}

// interpreterFor maps a language onto the interpreter invocation. The
// returned args are placed before the code file path.
func interpreterFor(language string) (binary string, args []string, ext string, err error) {
	switch strings.ToLower(language) {
	case "", "python", "python3":
		return "python3", nil, ".py", nil
	case "javascript", "node", "js":
		return "node", nil, ".js", nil
	case "bash":
		return "bash", nil, ".sh", nil
	case "sh", "shell":
		return "sh", nil, ".sh", nil
	case "go", "golang":
		return "go", []string{"run"}, ".go", nil
	default:
		return "", nil, "", fmt.Errorf("sandbox: unsupported language %q", language)
	}
}
