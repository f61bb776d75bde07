package health

import (
	"bytes"
	"context"
	"os/exec"
	"time"

	"github.com/cuemby/rgmanager/pkg/types"
)

const maxOutput = 100

// ExecChecker runs a command on the host; exit code 0 is healthy. The
// command sees RG_GROUP set to the checked group.
type ExecChecker struct {
	Group string

	// Command is the command to execute (e.g., ["pg_isready", "-U", "postgres"])
	Command []string

	// Env is appended to the daemon environment
	Env []string

	// Timeout is the command execution timeout (default: 10 seconds)
	Timeout time.Duration
}

// NewExecChecker creates a new exec checker
func NewExecChecker(group string, command []string) *ExecChecker {
	return &ExecChecker{
		Group:   group,
		Command: command,
		Timeout: DefaultTimeout,
	}
}

// Check runs the command
func (e *ExecChecker) Check(ctx context.Context) Result {
	start := time.Now()

	if len(e.Command) == 0 {
		return failed(start, "%s: no check command", e.Group)
	}

	execCtx, cancel := context.WithTimeout(ctx, e.Timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, e.Command[0], e.Command[1:]...)
	cmd.Env = append(cmd.Environ(), "RG_GROUP="+e.Group)
	cmd.Env = append(cmd.Env, e.Env...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if stderr.Len() > 0 {
			return failed(start, "%s: %v: %v, stderr: %s", e.Group, e.Command, err, Truncate(stderr.String(), maxOutput))
		}
		return failed(start, "%s: %v: %v", e.Group, e.Command, err)
	}

	if stdout.Len() > 0 {
		return passed(start, "%s: %v, output: %s", e.Group, e.Command, Truncate(stdout.String(), maxOutput))
	}
	return passed(start, "%s: %v", e.Group, e.Command)
}

// Type returns the check type
func (e *ExecChecker) Type() types.CheckType {
	return types.CheckExec
}

// WithTimeout sets the execution timeout
func (e *ExecChecker) WithTimeout(timeout time.Duration) *ExecChecker {
	e.Timeout = timeout
	return e
}

// WithEnv adds environment variables to the command
func (e *ExecChecker) WithEnv(env ...string) *ExecChecker {
	e.Env = append(e.Env, env...)
	return e
}

// Truncate shortens s to at most n bytes, marking the cut
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
