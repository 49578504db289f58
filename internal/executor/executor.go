package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// Executor runs external tools (yt-dlp, whisper.cpp, ffprobe).
type Executor interface {
	// Execute runs name with args and returns captured stdout and stderr.
	// A non-zero exit is returned as *ExitError carrying both streams.
	Execute(ctx context.Context, name string, args ...string) (Output, error)
}

type Output struct {
	Stdout string
	Stderr string
}

// ExitError wraps a failed command together with its captured stderr so that
// callers can classify failures from tool output.
type ExitError struct {
	Name   string
	Err    error
	Stdout string
	Stderr string
}

func (e *ExitError) Error() string {
	stderr := strings.TrimSpace(e.Stderr)
	if stderr != "" {
		return fmt.Sprintf("command '%s' failed: %v\nstderr: %s", e.Name, e.Err, lastLines(stderr, 5))
	}
	return fmt.Sprintf("command '%s' failed: %v", e.Name, e.Err)
}

func (e *ExitError) Unwrap() error { return e.Err }

// AsExitError extracts the *ExitError from err, if any.
func AsExitError(err error) (*ExitError, bool) {
	var ee *ExitError
	ok := errors.As(err, &ee)
	return ee, ok
}

type implExecutor struct{}

func New() Executor {
	return &implExecutor{}
}

func (e *implExecutor) Execute(ctx context.Context, name string, args ...string) (Output, error) {
	cmd := exec.CommandContext(ctx, name, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	out := Output{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		return out, &ExitError{Name: name, Err: err, Stdout: out.Stdout, Stderr: out.Stderr}
	}
	return out, nil
}

func lastLines(s string, n int) string {
	lines := strings.Split(s, "\n")
	if len(lines) <= n {
		return s
	}
	return strings.Join(lines[len(lines)-n:], "\n")
}
