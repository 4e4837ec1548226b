// Package process runs the external command-line tools the signing
// components are built on and captures their standard output.
package process

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// maxStderr bounds how much stderr is kept for error messages.
const maxStderr = 8 * 1024

// maxLine is the longest stdout line collect accepts.
const maxLine = 4 * 1024 * 1024

// Command is a single executable invocation
type Command struct {
	Name string
	Args []string
}

// NewCommand builds a Command
func NewCommand(name string, args ...string) Command {
	return Command{Name: name, Args: args}
}

// String returns the executable and its first argument, which for the tools
// used here is the subcommand. Remaining arguments may carry passwords.
func (c Command) String() string {
	if len(c.Args) == 0 {
		return c.Name
	}
	return c.Name + " " + c.Args[0]
}

// Runner runs external commands and returns their buffered stdout
type Runner interface {
	// Run executes a single command.
	Run(ctx context.Context, cmd Command) (string, error)
	// RunPiped executes first and feeds its stdout into second's stdin.
	// The returned text is the stdout of second.
	RunPiped(ctx context.Context, first, second Command) (string, error)
}

// ExecRunner is a Runner backed by os/exec
type ExecRunner struct {
	// Timeout, when non-zero, bounds every invocation.
	Timeout time.Duration
	Log     logrus.FieldLogger
}

// NewExecRunner returns an ExecRunner that logs to log
func NewExecRunner(log logrus.FieldLogger) *ExecRunner {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &ExecRunner{Log: log}
}

func (r *ExecRunner) logger() logrus.FieldLogger {
	if r.Log == nil {
		return logrus.StandardLogger()
	}
	return r.Log
}

func (r *ExecRunner) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.Timeout > 0 {
		return context.WithTimeout(ctx, r.Timeout)
	}
	return context.WithCancel(ctx)
}

// Run executes cmd and returns its trimmed stdout once it has exited
func (r *ExecRunner) Run(ctx context.Context, cmd Command) (string, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	r.logger().WithField("command", cmd.String()).Debug("running")

	c, err := r.command(ctx, cmd)
	if err != nil {
		return "", err
	}

	stderr := &limitedBuffer{limit: maxStderr}
	c.Stderr = stderr
	stdout, err := c.StdoutPipe()
	if err != nil {
		return "", fmt.Errorf("failed to open stdout of %s: %w", cmd.Name, err)
	}

	if err := c.Start(); err != nil {
		return "", startError(cmd, err)
	}

	out, readErr := collect(stdout)
	waitErr := c.Wait()
	if waitErr != nil {
		return "", exitError(cmd, waitErr, out, stderr.String())
	}
	if readErr != nil {
		return "", fmt.Errorf("failed to read output of %s: %w", cmd.Name, readErr)
	}
	return out, nil
}

// RunPiped executes first | second. A failure of first is reported in
// preference to a failure of second, since second usually fails only because
// its input was empty.
func (r *ExecRunner) RunPiped(ctx context.Context, first, second Command) (string, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	r.logger().WithFields(logrus.Fields{
		"command": first.String(),
		"pipe":    second.String(),
	}).Debug("running")

	a, err := r.command(ctx, first)
	if err != nil {
		return "", err
	}
	b, err := r.command(ctx, second)
	if err != nil {
		return "", err
	}

	stderrA := &limitedBuffer{limit: maxStderr}
	stderrB := &limitedBuffer{limit: maxStderr}
	a.Stderr = stderrA
	b.Stderr = stderrB

	pipe, err := a.StdoutPipe()
	if err != nil {
		return "", fmt.Errorf("failed to open stdout of %s: %w", first.Name, err)
	}
	b.Stdin = pipe
	stdout, err := b.StdoutPipe()
	if err != nil {
		return "", fmt.Errorf("failed to open stdout of %s: %w", second.Name, err)
	}

	if err := a.Start(); err != nil {
		return "", startError(first, err)
	}
	if err := b.Start(); err != nil {
		_ = a.Process.Kill()
		_ = a.Wait()
		return "", startError(second, err)
	}
	// second holds its own copy of the read end; keeping ours open would
	// block first on a full pipe if second exits early.
	pipe.Close()

	out, readErr := collect(stdout)
	errB := b.Wait()
	errA := a.Wait()

	if errA != nil {
		return "", exitError(first, errA, "", stderrA.String())
	}
	if errB != nil {
		return "", exitError(second, errB, out, stderrB.String())
	}
	if readErr != nil {
		return "", fmt.Errorf("failed to read output of %s: %w", second.Name, readErr)
	}
	return out, nil
}

func (r *ExecRunner) command(ctx context.Context, cmd Command) (*exec.Cmd, error) {
	path, err := exec.LookPath(cmd.Name)
	if err != nil {
		return nil, &ExecutionError{Executable: cmd.Name, ExitCode: -1, Err: err}
	}
	return exec.CommandContext(ctx, path, cmd.Args...), nil
}

// collect reads r line by line, trimming each line and dropping empty ones.
// After a read error the rest of r is discarded so the writer can exit.
func collect(r io.Reader) (string, error) {
	var lines []string
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLine)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	if err := scanner.Err(); err != nil {
		_, _ = io.Copy(io.Discard, r)
		return strings.Join(lines, "\n"), err
	}
	return strings.Join(lines, "\n"), nil
}

func startError(cmd Command, err error) error {
	return &ExecutionError{Executable: cmd.Name, ExitCode: -1, Err: err}
}

func exitError(cmd Command, err error, stdout, stderr string) error {
	code := -1
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code = exitErr.ExitCode()
	}
	return &ExecutionError{
		Executable: cmd.Name,
		ExitCode:   code,
		Stdout:     stdout,
		Stderr:     strings.TrimSpace(stderr),
		Err:        err,
	}
}

// limitedBuffer keeps the first limit bytes written to it and discards the rest.
type limitedBuffer struct {
	buf   bytes.Buffer
	limit int
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	if room := b.limit - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *limitedBuffer) String() string {
	return b.buf.String()
}
