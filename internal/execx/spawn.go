package execx

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Handle is a running process started by Spawn.
type Handle struct {
	Argv    []string
	cmd     *exec.Cmd
	stderr  *bytes.Buffer
	mu      sync.Mutex
	done    bool
	lastErr error
	waitCh  chan error
}

// GracePeriod is how long Terminate gives a process to exit on its own
// before escalating to Kill.
const GracePeriod = 5 * time.Second

// Spawn starts argv without waiting for it to finish.
//
// stdin, if non-nil, is connected directly to the child's stdin. Passing
// the *os.File returned as stdout by a previous Spawn call shares the
// actual OS pipe between the two processes with no copying through this
// process — this is how the pipeline builder wires adjacent stages
// together (spec §4.B "Pipe wiring"). A nil stdin discards (child reads
// EOF immediately).
//
// stdoutDisp selects what the child's stdout is connected to: Piped
// returns an *os.File the caller can hand to the next stage's Spawn call
// (or read from directly) and must close once done with it — an unclosed
// pipe end prevents EOF from ever propagating down the chain (spec §4.B,
// §9). Inherited connects to this process's own stdout. Discarded sends
// output to /dev/null.
func (r *Runner) Spawn(ctx context.Context, argv []string, stdin io.Reader, stdoutDisp Disposition, stderrMode StderrMode) (h *Handle, stdout *os.File, err error) {
	if len(argv) == 0 {
		return nil, nil, fmt.Errorf("execx: empty argv")
	}
	stderrMode = r.effectiveStderrMode(stderrMode)

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdin = stdin
	cmd.WaitDelay = GracePeriod

	switch stdoutDisp {
	case Piped:
		pr, pw, perr := os.Pipe()
		if perr != nil {
			return nil, nil, fmt.Errorf("execx: stdout pipe for %v: %w", argv, perr)
		}
		cmd.Stdout = pw
		// The write end is owned by the child once started; cmd.Start dups
		// its fd so we must close our copy immediately after Start or the
		// read end never sees EOF.
		defer pw.Close()
		stdout = pr
	case Inherited:
		cmd.Stdout = os.Stdout
	case Discarded:
		cmd.Stdout = nil
	}

	var stderrBuf bytes.Buffer
	switch stderrMode {
	case StderrCapture:
		cmd.Stderr = &stderrBuf
	case StderrInherit:
		cmd.Stderr = os.Stderr
	case StderrDiscard:
		cmd.Stderr = nil
	}

	r.Logger.Debug("spawn", zap.Strings("argv", argv))
	if err := cmd.Start(); err != nil {
		if stdout != nil {
			stdout.Close()
		}
		return nil, nil, fmt.Errorf("execx: failed to spawn %v: %w", argv, err)
	}

	h = &Handle{Argv: argv, cmd: cmd, stderr: &stderrBuf, waitCh: make(chan error, 1)}
	go func() { h.waitCh <- cmd.Wait() }()
	return h, stdout, nil
}

// Wait blocks until the process exits and returns its result. Safe to call
// more than once; later calls return the cached result.
func (h *Handle) Wait() *Result {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.done {
		err := <-h.waitCh
		h.done = true
		h.lastErr = err
	}
	return &Result{
		Argv:     h.Argv,
		ExitCode: exitCodeOf(h.lastErr),
		Stderr:   h.stderr.Bytes(),
	}
}

// Terminate asks the process to exit (os.Interrupt — the only signal the
// os package portably supports sending), waits up to GracePeriod, and
// force-kills it if it hasn't exited by then. Used by the pipeline's
// teardown stack when tearing down on an error path before a stage has
// naturally finished.
func (h *Handle) Terminate() {
	h.mu.Lock()
	if h.done {
		h.mu.Unlock()
		return
	}
	h.mu.Unlock()

	proc := h.cmd.Process
	if proc == nil {
		return
	}
	_ = proc.Signal(os.Interrupt)

	select {
	case err := <-h.waitCh:
		h.mu.Lock()
		h.done, h.lastErr = true, err
		h.mu.Unlock()
	case <-time.After(GracePeriod):
		_ = proc.Kill()
		err := <-h.waitCh
		h.mu.Lock()
		h.done, h.lastErr = true, err
		h.mu.Unlock()
	}
}
