package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/arkeep-io/btrfs-backup/internal/execx"
)

func TestValidateFilterSpecAllowsLeadingAndTrailingToken(t *testing.T) {
	send := [][]string{{"cat", FileToken}, {"gzip"}}
	recv := [][]string{{"gunzip"}}
	if err := ValidateFilterSpec(send, recv); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	send = [][]string{{"gzip"}}
	recv = [][]string{{"gunzip"}, {"tee", FileToken}}
	if err := ValidateFilterSpec(send, recv); err != nil {
		t.Fatalf("unexpected error for trailing token: %v", err)
	}
}

func TestValidateFilterSpecRejectsMisplacedToken(t *testing.T) {
	send := [][]string{{"gzip"}, {"cat", FileToken}}
	if err := ValidateFilterSpec(send, nil); !errors.Is(err, ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration, got %v", err)
	}
}

func TestValidateFilterSpecRejectsDuplicateToken(t *testing.T) {
	send := [][]string{{"cat", FileToken}}
	recv := [][]string{{"tee", FileToken}}
	if err := ValidateFilterSpec(send, recv); !errors.Is(err, ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration, got %v", err)
	}
}

func TestPlanRequiresFilterForFileSource(t *testing.T) {
	spec := Spec{
		Source: Endpoint{Path: "/tmp/blob"},
		Sink:   Endpoint{Argv: []string{"true"}},
	}
	if _, err := plan(spec); !errors.Is(err, ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration for missing {file} filter, got %v", err)
	}
}

func TestPlanRequiresRemoteCmdWhenSideIsRemote(t *testing.T) {
	spec := Spec{
		Source:       Endpoint{Argv: []string{"true"}},
		SourceRemote: true,
		Sink:         Endpoint{Argv: []string{"true"}},
	}
	if _, err := plan(spec); !errors.Is(err, ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration for missing remote-cmd, got %v", err)
	}
}

func TestRunSimplePipeline(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "out.txt")

	spec := Spec{
		Source: Endpoint{Argv: []string{"echo", "-n", "hello world"}},
		SendFilters: [][]string{
			{"tr", "a-z", "A-Z"},
		},
		Sink: Endpoint{Argv: []string{"sh", "-c", "cat > " + out}},
	}

	runner := execx.New(nil, false)
	p, err := Run(context.Background(), runner, execx.StderrCapture, spec)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !p.Successful() {
		t.Fatalf("pipeline failed: %+v", p.Results())
	}

	got, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("reading output: %v", err)
	}
	if string(got) != "HELLO WORLD" {
		t.Fatalf("output = %q, want %q", got, "HELLO WORLD")
	}
}

func TestRunSubstitutesFileToken(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.blob")
	if err := os.WriteFile(src, []byte("payload"), 0o644); err != nil {
		t.Fatalf("setup: %v", err)
	}
	out := filepath.Join(dir, "out.blob")

	spec := Spec{
		Source:      Endpoint{Path: src},
		SendFilters: [][]string{{"cat", FileToken}},
		Sink:        Endpoint{Argv: []string{"sh", "-c", "cat > " + out}},
	}

	runner := execx.New(nil, false)
	p, err := Run(context.Background(), runner, execx.StderrCapture, spec)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !p.Successful() {
		t.Fatalf("pipeline failed: %+v", p.Results())
	}
	got, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("reading output: %v", err)
	}
	if string(got) != "payload" {
		t.Fatalf("output = %q, want %q", got, "payload")
	}
}

func TestRunRemovesPartialSinkFileOnFailure(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "out.blob")

	spec := Spec{
		Source:      Endpoint{Argv: []string{"echo", "-n", "partial"}},
		RecvFilters: [][]string{{"sh", "-c", `cat > "$1"; exit 1`, "sh", FileToken}},
		Sink:        Endpoint{Path: out},
	}

	runner := execx.New(nil, false)
	p, err := Run(context.Background(), runner, execx.StderrCapture, spec)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if p.Successful() {
		t.Fatal("expected pipeline to report failure")
	}
	if _, err := os.Stat(out); !os.IsNotExist(err) {
		t.Fatalf("expected partial sink file to be removed, stat err = %v", err)
	}
}

func TestRunPropagatesNonZeroExit(t *testing.T) {
	spec := Spec{
		Source: Endpoint{Argv: []string{"sh", "-c", "exit 5"}},
		Sink:   Endpoint{Argv: []string{"cat"}},
	}
	runner := execx.New(nil, false)
	p, err := Run(context.Background(), runner, execx.StderrCapture, spec)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if p.Successful() {
		t.Fatal("expected pipeline to report failure")
	}
	if p.Results()[0].ExitCode != 5 {
		t.Fatalf("first stage exit = %d, want 5", p.Results()[0].ExitCode)
	}
}
