package builds

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"
)

const defaultWaitDelay = 5 * time.Second

// BuildSpec is everything a runner needs to turn a source tree into static output.
type BuildSpec struct {
	ProjectID string
	SourceDir string
	OutputDir string
	Env       []string
}

// Runner executes the external build tool. Combined output goes to out.
// Run returns nil on a zero exit, *ExitError on a non-zero exit and the
// context error when ctx ended first.
type Runner interface {
	Run(ctx context.Context, spec BuildSpec, out io.Writer) error
}

type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("build tool exited with code %d", e.Code)
}

// ProcessRunner runs the build tool as a local subprocess:
// <Tool> <Args...> <source dir> <output dir>.
type ProcessRunner struct {
	Tool      string
	Args      []string
	WaitDelay time.Duration
}

func (r *ProcessRunner) Run(ctx context.Context, spec BuildSpec, out io.Writer) error {
	args := make([]string, 0, len(r.Args)+2)
	args = append(args, r.Args...)
	args = append(args, spec.SourceDir, spec.OutputDir)

	cmd := exec.CommandContext(ctx, r.Tool, args...)
	cmd.Env = append(os.Environ(), spec.Env...)
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.WaitDelay = r.WaitDelay
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = defaultWaitDelay
	}
	setProcessGroup(cmd)

	err := cmd.Run()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return &ExitError{Code: exitErr.ExitCode()}
	}
	if err != nil {
		return fmt.Errorf("running %s: %w", r.Tool, err)
	}
	return nil
}
