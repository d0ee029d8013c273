package execx

import (
	"context"
	"strings"
	"testing"
)

func TestRunSuccess(t *testing.T) {
	r := New(nil, false)
	res, err := r.Run(context.Background(), []string{"true"}, nil, false, StderrDiscard)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Failed() {
		t.Fatalf("expected success, got exit %d", res.ExitCode)
	}
}

func TestRunCapturesStdout(t *testing.T) {
	r := New(nil, false)
	res, err := r.Run(context.Background(), []string{"echo", "-n", "hello"}, nil, true, StderrDiscard)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if string(res.Stdout) != "hello" {
		t.Fatalf("stdout = %q, want %q", res.Stdout, "hello")
	}
}

func TestRunFailureCapturesStderr(t *testing.T) {
	r := New(nil, false)
	res, err := r.Run(context.Background(), []string{"sh", "-c", "echo boom >&2; exit 3"}, nil, false, StderrCapture)
	if err != nil {
		t.Fatalf("Run should not itself error on non-zero exit: %v", err)
	}
	if res.ExitCode != 3 {
		t.Fatalf("exit code = %d, want 3", res.ExitCode)
	}
	if !strings.Contains(string(res.Stderr), "boom") {
		t.Fatalf("stderr = %q, want to contain %q", res.Stderr, "boom")
	}
}

func TestNoReadStderrDegradesToDiscard(t *testing.T) {
	r := New(nil, true) // --no-read-stderr
	res, err := r.Run(context.Background(), []string{"sh", "-c", "echo boom >&2; exit 1"}, nil, false, StderrCapture)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Stderr) != 0 {
		t.Fatalf("expected no captured stderr under --no-read-stderr, got %q", res.Stderr)
	}
	if res.ExitCode != 1 {
		t.Fatalf("exit code = %d, want 1", res.ExitCode)
	}
}

func TestRunCheckedWrapsFailure(t *testing.T) {
	r := New(nil, false)
	_, err := r.RunChecked(context.Background(), []string{"sh", "-c", "exit 2"}, nil, false, StderrDiscard)
	if err == nil {
		t.Fatal("expected error for non-zero exit")
	}
}

func TestSpawnWiresPipe(t *testing.T) {
	r := New(nil, false)
	h1, out1, err := r.Spawn(context.Background(), []string{"echo", "-n", "piped"}, nil, Piped, StderrDiscard)
	if err != nil {
		t.Fatalf("spawn stage 1: %v", err)
	}
	h2, out2, err := r.Spawn(context.Background(), []string{"cat"}, out1, Discarded, StderrDiscard)
	out1.Close()
	if err != nil {
		t.Fatalf("spawn stage 2: %v", err)
	}
	if out2 != nil {
		t.Fatalf("expected no stdout pipe for Discarded disposition")
	}

	res1 := h1.Wait()
	res2 := h2.Wait()
	if res1.Failed() || res2.Failed() {
		t.Fatalf("stage failed: %+v %+v", res1, res2)
	}
}
