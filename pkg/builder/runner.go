// Package builder turns a cloned source tree into an installable package:
// it runs package manager commands, parses their reports and assembles the
// distributable tarball.
package builder

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

const (
	stderrTailLines = 20
	// waitDelay bounds how long Run waits for output pipes after the process is killed.
	waitDelay = 2 * time.Second
)

// Result holds the captured output of one command.
type Result struct {
	Command  string
	Stdout   string
	Stderr   string
	Combined string
	ExitCode int
	Duration time.Duration
}

// Lines splits the combined output into non-empty log lines.
func (r *Result) Lines() []string {
	if r == nil {
		return nil
	}

	lines := strings.Split(strings.TrimRight(r.Combined, "\n"), "\n")
	out := make([]string, 0, len(lines))

	for _, line := range lines {
		if line = strings.TrimRight(line, "\r"); line != "" {
			out = append(out, line)
		}
	}

	return out
}

// CommandError is returned when a command exits with a non-zero code or
// cannot be started.
type CommandError struct {
	Result *Result
	Err    error
}

func (e *CommandError) Error() string {
	tail := lastLines(e.Result.Stderr, stderrTailLines)
	if tail == "" {
		return fmt.Sprintf("command %q exited with code %d", e.Result.Command, e.Result.ExitCode)
	}

	return fmt.Sprintf("command %q exited with code %d: %s", e.Result.Command, e.Result.ExitCode, tail)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// CommandRunner executes external commands in a working directory.
type CommandRunner interface {
	Run(ctx context.Context, dir, name string, args ...string) (*Result, error)
}

// Runner runs commands with os/exec, overlaying Env on the process environment.
type Runner struct {
	Env    map[string]string
	logger *slog.Logger
}

func NewRunner(env map[string]string, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}

	return &Runner{Env: env, logger: logger}
}

// WithEnv returns a runner with extra variables layered over r.Env.
func (r *Runner) WithEnv(env map[string]string) *Runner {
	merged := make(map[string]string, len(r.Env)+len(env))
	for k, v := range r.Env {
		merged[k] = v
	}

	for k, v := range env {
		merged[k] = v
	}

	return &Runner{Env: merged, logger: r.logger}
}

func (r *Runner) Run(ctx context.Context, dir, name string, args ...string) (*Result, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.WaitDelay = waitDelay

	if len(r.Env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range r.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}

	var stdout, stderr bytes.Buffer

	combined := &lockedBuffer{}
	cmd.Stdout = io.MultiWriter(&stdout, combined)
	cmd.Stderr = io.MultiWriter(&stderr, combined)

	command := strings.TrimSpace(name + " " + strings.Join(args, " "))
	r.logger.DebugContext(ctx, "Running command", "command", command, "dir", dir)

	start := time.Now()
	err := cmd.Run()

	result := &Result{
		Command:  command,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Combined: combined.String(),
		Duration: time.Since(start),
	}

	if err == nil {
		return result, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		result.ExitCode = exitErr.ExitCode()
	} else {
		result.ExitCode = -1
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		err = ctxErr
	}

	return result, &CommandError{Result: result, Err: err}
}

// ExitCode extracts the exit code from a CommandError, or -1.
func ExitCode(err error) int {
	var cmdErr *CommandError
	if errors.As(err, &cmdErr) {
		return cmdErr.Result.ExitCode
	}

	return -1
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.buf.String()
}

func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}

	return strings.TrimSpace(strings.Join(lines, "\n"))
}
