package capability

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"time"

	"go.uber.org/zap"
)

// ExecRunner runs commands through the local shell. It is the one
// capability that executes in-process rather than behind a remote
// service, because command side effects must land in the working
// directory of the run.
type ExecRunner struct {
	workDir string
	timeout time.Duration
	logger  *zap.Logger
}

// NewExecRunner creates a runner rooted at workDir. A zero timeout
// disables the per-command deadline.
func NewExecRunner(workDir string, timeout time.Duration, logger *zap.Logger) *ExecRunner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ExecRunner{workDir: workDir, timeout: timeout, logger: logger}
}

// RunCommand executes cmd via "sh -c". A non-zero exit is not an
// error: the result carries the exit code and captured output, and the
// caller decides what failure means. An error is returned only when
// the process could not be started or the context ended.
func (r *ExecRunner) RunCommand(ctx context.Context, cmd string) (CommandResult, error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	c := exec.CommandContext(ctx, "sh", "-c", cmd)
	c.Dir = r.workDir

	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr

	start := time.Now()
	err := c.Run()
	exitCode := -1
	if c.ProcessState != nil {
		exitCode = c.ProcessState.ExitCode()
	}
	result := CommandResult{
		ExitCode: exitCode,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
	}

	r.logger.Debug("command finished",
		zap.String("cmd", cmd),
		zap.Int("exit_code", result.ExitCode),
		zap.Duration("duration", time.Since(start)))

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return result, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return result, ctxErr
		}
		return result, err
	}
	return result, nil
}
