package actions

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

// ErrCommandTimeout is returned when a command outlives the runner timeout.
var ErrCommandTimeout = errors.New("command timed out")

// CommandRunner executes shell commands with a timeout watchdog.
type CommandRunner struct {
	Timeout time.Duration
	logger  zerolog.Logger
}

func NewCommandRunner(timeout time.Duration, logger zerolog.Logger) *CommandRunner {
	return &CommandRunner{Timeout: timeout, logger: logger}
}

// Run executes command through the platform shell and returns its trimmed
// combined output. A non-zero exit is an error carrying the output.
func (r *CommandRunner) Run(ctx context.Context, command, workingDir string) (string, error) {
	var buf bytes.Buffer
	out := &syncWriter{w: &buf}

	cmd := commandFor(ctx, command)
	cmd.Dir = workingDir
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.WaitDelay = 2 * time.Second

	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("start command: %w", err)
	}

	var timedOut atomic.Bool
	var watchdog *time.Timer
	if r.Timeout > 0 {
		proc := cmd.Process
		watchdog = time.AfterFunc(r.Timeout, func() {
			timedOut.Store(true)
			r.logger.Warn().Str("command", command).Dur("timeout", r.Timeout).Msg("command exceeded timeout, sending termination")
			sendTermination(proc)
			time.AfterFunc(5*time.Second, func() {
				_ = proc.Kill()
			})
		})
	}
	waitErr := cmd.Wait()
	if watchdog != nil {
		watchdog.Stop()
	}
	output := strings.TrimSpace(out.String())

	switch {
	case timedOut.Load():
		return output, fmt.Errorf("%w after %s", ErrCommandTimeout, r.Timeout)
	case waitErr == nil:
		return output, nil
	case ctx.Err() != nil:
		return output, ctx.Err()
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		return output, fmt.Errorf("command exited with code %d: %s", exitErr.ExitCode(), output)
	}
	return output, fmt.Errorf("run command: %w", waitErr)
}

func commandFor(ctx context.Context, command string) *exec.Cmd {
	if runtime.GOOS == "windows" {
		return exec.CommandContext(ctx, "cmd", "/C", command) // #nosec G204
	}
	return exec.CommandContext(ctx, "/bin/sh", "-c", command) // #nosec G204
}

// backupCommand builds the platform copy command for a recursive backup.
func backupCommand(goos, source, destination string) string {
	if goos == "windows" {
		return fmt.Sprintf(`xcopy "%s" "%s" /E /I /Y`, source, destination)
	}
	return fmt.Sprintf("cp -r %s %s", shellQuote(source), shellQuote(destination))
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

func (s *syncWriter) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.w.(*bytes.Buffer); ok {
		return b.String()
	}
	return ""
}

func sendTermination(process *os.Process) {
	if process == nil {
		return
	}
	if runtime.GOOS == "windows" {
		_ = process.Kill()
		return
	}
	_ = process.Signal(syscall.SIGTERM)
}
