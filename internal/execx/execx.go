// Package execx is the command executor (spec §4.A): it spawns a single
// external process, local or already-prefixed for a remote host, and
// reports its exit status and optionally its captured output.
//
// It does not decide locality or chain processes together — that is the
// pipeline builder's job (internal/pipeline). execx only knows how to run
// one argv vector and hand back what happened.
package execx

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"

	"go.uber.org/zap"
)

// Disposition controls what a spawned process's stdin/stdout is connected
// to.
type Disposition int

const (
	// Piped connects the stream to an anonymous pipe the caller reads from
	// or writes to (used to chain stages together).
	Piped Disposition = iota
	// Inherited connects the stream to this process's own stdin/stdout.
	Inherited
	// Discarded connects the stream to /dev/null (stdout) or closes it
	// immediately (stdin, meaning the child sees EOF right away).
	Discarded
)

// StderrMode controls how a spawned process's stderr is handled.
type StderrMode int

const (
	// StderrCapture buffers stderr so it can be surfaced on failure.
	StderrCapture StderrMode = iota
	// StderrInherit connects stderr to this process's own stderr.
	StderrInherit
	// StderrDiscard throws stderr away; no error text is ever produced from
	// it. This is what --no-read-stderr degrades StderrCapture to, because
	// blocking on a remote wrapper's stderr (e.g. ssh ControlPersist) can
	// hang forever.
	StderrDiscard
)

// ErrCommandFailed wraps a non-zero exit from a spawned process.
var ErrCommandFailed = errors.New("execx: command failed")

// Result is what a completed (non-streaming) command produced.
type Result struct {
	Argv     []string
	ExitCode int
	Stdout   []byte // nil unless requested
	Stderr   []byte // nil unless StderrMode was StderrCapture
}

// Failed reports whether the command exited non-zero.
func (r *Result) Failed() bool { return r.ExitCode != 0 }

// Runner executes processes. Construct it with New; the zero value has a
// nil Logger and is not usable.
type Runner struct {
	// NoReadStderr degrades StderrCapture to StderrDiscard for every
	// invocation. Set from the --no-read-stderr flag.
	NoReadStderr bool
	Logger       *zap.Logger
}

// New creates a Runner. logger may be nil, in which case a no-op logger is
// used.
func New(logger *zap.Logger, noReadStderr bool) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{NoReadStderr: noReadStderr, Logger: logger.Named("exec")}
}

func (r *Runner) effectiveStderrMode(mode StderrMode) StderrMode {
	if mode == StderrCapture && r.NoReadStderr {
		return StderrDiscard
	}
	return mode
}

// Run executes argv to completion and returns its result. stdin, if
// non-nil, is written to the child's stdin before closing it; captureStdout
// requests that stdout be buffered and returned.
//
// Run never returns an error for a non-zero exit code by itself — callers
// that want ErrCommandFailed semantics should check Result.Failed() or call
// RunChecked.
func (r *Runner) Run(ctx context.Context, argv []string, stdin io.Reader, captureStdout bool, stderrMode StderrMode) (*Result, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("execx: empty argv")
	}
	stderrMode = r.effectiveStderrMode(stderrMode)

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	if stdin != nil {
		cmd.Stdin = stdin
	}

	var stdoutBuf, stderrBuf bytes.Buffer
	if captureStdout {
		cmd.Stdout = &stdoutBuf
	}
	switch stderrMode {
	case StderrCapture:
		cmd.Stderr = &stderrBuf
	case StderrInherit:
		cmd.Stderr = nil // exec.Cmd default behavior is discard; inherit set below
	case StderrDiscard:
		cmd.Stderr = nil
	}
	if stderrMode == StderrInherit {
		cmd.Stderr = os.Stderr
	}

	r.Logger.Debug("run", zap.Strings("argv", argv))
	err := cmd.Run()

	res := &Result{Argv: argv, ExitCode: exitCodeOf(err)}
	if captureStdout {
		res.Stdout = stdoutBuf.Bytes()
	}
	if stderrMode == StderrCapture {
		res.Stderr = stderrBuf.Bytes()
	}

	if err != nil && res.ExitCode == 0 {
		// Process never even started (e.g. binary not found) — this is not
		// a "failed" exit code, it is a spawn failure.
		return res, fmt.Errorf("execx: failed to run %v: %w", argv, err)
	}

	r.Logger.Debug("run finished", zap.Strings("argv", argv), zap.Int("exit_code", res.ExitCode))
	return res, nil
}

// RunChecked is Run followed by turning a non-zero exit into ErrCommandFailed,
// with stderr (if captured) included in the error text.
func (r *Runner) RunChecked(ctx context.Context, argv []string, stdin io.Reader, captureStdout bool, stderrMode StderrMode) (*Result, error) {
	res, err := r.Run(ctx, argv, stdin, captureStdout, stderrMode)
	if err != nil {
		return res, err
	}
	if res.Failed() {
		if len(res.Stderr) > 0 {
			return res, fmt.Errorf("%w: %v (exit %d): %s", ErrCommandFailed, argv, res.ExitCode, bytes.TrimSpace(res.Stderr))
		}
		return res, fmt.Errorf("%w: %v (exit %d)", ErrCommandFailed, argv, res.ExitCode)
	}
	return res, nil
}

func exitCodeOf(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return 0
}
