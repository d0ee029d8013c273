// Package pipeline is the pipeline builder (spec §4.B): it composes a send
// stage, any number of filter stages, an optional remote-command wrapper,
// and a sink stage into one chained process graph, wires their stdin/stdout
// together with pipes, and tears everything down in reverse spawn order on
// every exit path.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/arkeep-io/btrfs-backup/internal/execx"
)

// ErrConfiguration marks a pipeline that cannot be built at all — a bad
// {file} placement, a missing filter a declared file-repository requires,
// or similar. It is always a configuration error (spec §7), never surfaced
// as a command or I/O failure.
var ErrConfiguration = errors.New("pipeline: configuration error")

// ErrPipelineBuild marks a stage that could not be spawned (spec §7);
// stages already spawned are torn down before Run returns it.
var ErrPipelineBuild = errors.New("pipeline: build error")

// FileToken is the literal placeholder substituted with the on-disk path of
// a file-repository snapshot before a filter is spawned.
const FileToken = "{file}"

// Endpoint is what a repository hands the pipeline builder for the source
// (send) or sink (receive) end of a transfer (spec §4.D SendStage/
// ReceiveStage). A subvolume repository yields a Process (it spawns
// `btrfs send`/`btrfs receive` itself); a file repository yields a Path —
// there is no process of its own, the path is substituted into the
// neighboring filter that carries the {file} token.
type Endpoint struct {
	// Argv is set for a subvolume-repository endpoint: a real process to
	// spawn (e.g. "btrfs send -p <parent> <snapshot>" or
	// "btrfs receive <root>").
	Argv []string
	// Path is set for a file-repository endpoint: the absolute path of the
	// snapshot blob to read from or write to, substituted for FileToken.
	Path string
}

// IsPath reports whether this endpoint is a file-repository path rather
// than a spawned process.
func (e Endpoint) IsPath() bool { return e.Argv == nil }

// Spec describes everything needed to build one pipeline (spec §4.B's
// parameter list): a source endpoint, the send-side filters, an optional
// remote-command prefix, the receive-side filters, and a sink endpoint.
// Locality is carried per side rather than per stage, matching spec §4.E's
// "the remote-command wrapper if either side is remote" — stages on the
// source side inherit SourceRemote, stages on the destination side inherit
// DestRemote.
type Spec struct {
	Source       Endpoint
	SourceRemote bool
	SendFilters  [][]string

	RemoteCmd []string // e.g. ["/usr/bin/ssh", "host"]; nil if no remote side

	RecvFilters [][]string
	Sink        Endpoint
	DestRemote  bool
}

// ValidateFilterSpec enforces spec §3's filter-spec invariant: at most one
// {file} token across the whole filter chain, appearing only as the first
// send filter or the last receive filter.
func ValidateFilterSpec(sendFilters, recvFilters [][]string) error {
	count := 0
	at := func(argv []string, allowed bool) error {
		has := argvHasToken(argv)
		if has {
			count++
			if !allowed {
				return fmt.Errorf("%w: %s may only appear in the first send filter or the last receive filter", ErrConfiguration, FileToken)
			}
		}
		return nil
	}
	for i, f := range sendFilters {
		if err := at(f, i == 0); err != nil {
			return err
		}
	}
	for i, f := range recvFilters {
		if err := at(f, i == len(recvFilters)-1); err != nil {
			return err
		}
	}
	if count > 1 {
		return fmt.Errorf("%w: %s may appear at most once across the filter chain", ErrConfiguration, FileToken)
	}
	return nil
}

func argvHasToken(argv []string) bool {
	for _, a := range argv {
		if a == FileToken {
			return true
		}
	}
	return false
}

func substitute(argv []string, path string) []string {
	out := make([]string, len(argv))
	for i, a := range argv {
		if a == FileToken {
			out[i] = path
		} else {
			out[i] = a
		}
	}
	return out
}

// plannedStage is one fully-resolved process in the chain: final argv
// (remote-prefixed if needed) plus its position in the stream.
type plannedStage struct {
	argv   []string
	remote bool
}

// plan assembles the ordered list of process stages and performs {file}
// substitution. It returns an error (wrapping ErrConfiguration) if a
// declared file endpoint has no eligible filter to substitute into.
func plan(spec Spec) ([]plannedStage, error) {
	if err := ValidateFilterSpec(spec.SendFilters, spec.RecvFilters); err != nil {
		return nil, err
	}

	sendFilters := make([][]string, len(spec.SendFilters))
	copy(sendFilters, spec.SendFilters)
	recvFilters := make([][]string, len(spec.RecvFilters))
	copy(recvFilters, spec.RecvFilters)

	if spec.Source.IsPath() {
		if len(sendFilters) == 0 || !argvHasToken(sendFilters[0]) {
			return nil, fmt.Errorf("%w: file-repository source requires a first send filter containing %s", ErrConfiguration, FileToken)
		}
		sendFilters[0] = substitute(sendFilters[0], spec.Source.Path)
	}
	if spec.Sink.IsPath() {
		if len(recvFilters) == 0 || !argvHasToken(recvFilters[len(recvFilters)-1]) {
			return nil, fmt.Errorf("%w: file-repository sink requires a last receive filter containing %s", ErrConfiguration, FileToken)
		}
		last := len(recvFilters) - 1
		recvFilters[last] = substitute(recvFilters[last], spec.Sink.Path)
	}

	var stages []plannedStage
	if !spec.Source.IsPath() {
		stages = append(stages, plannedStage{argv: spec.Source.Argv, remote: spec.SourceRemote})
	}
	for _, f := range sendFilters {
		stages = append(stages, plannedStage{argv: f, remote: spec.SourceRemote})
	}
	for _, f := range recvFilters {
		stages = append(stages, plannedStage{argv: f, remote: spec.DestRemote})
	}
	if !spec.Sink.IsPath() {
		stages = append(stages, plannedStage{argv: spec.Sink.Argv, remote: spec.DestRemote})
	}

	for i := range stages {
		if stages[i].remote {
			if len(spec.RemoteCmd) == 0 {
				return nil, fmt.Errorf("%w: stage %v is on the remote side but no --remote-cmd was given", ErrConfiguration, stages[i].argv)
			}
			full := make([]string, 0, len(spec.RemoteCmd)+len(stages[i].argv))
			full = append(full, spec.RemoteCmd...)
			full = append(full, stages[i].argv...)
			stages[i].argv = full
		}
	}

	if len(stages) == 0 {
		return nil, fmt.Errorf("%w: pipeline has no stages", ErrConfiguration)
	}
	return stages, nil
}

// StageResult is the outcome of one spawned stage.
type StageResult struct {
	Argv     []string
	ExitCode int
	Stderr   []byte
}

// Pipeline is a built, running (or finished) chain of processes.
type Pipeline struct {
	results []StageResult
}

// Successful reports whether every stage exited zero.
func (p *Pipeline) Successful() bool {
	for _, r := range p.results {
		if r.ExitCode != 0 {
			return false
		}
	}
	return true
}

// Results returns the ordered per-stage exit codes (spec §4.B: "a
// pipeline's result is the ordered list of per-stage exit codes").
func (p *Pipeline) Results() []StageResult { return p.results }

// Run builds and executes a pipeline per spec, then releases every spawned
// stage in reverse order (spec §4.B "Lifetime") before returning. It is the
// only entry point — there is no separate build-then-execute split exposed
// to callers, since the teardown discipline must cover the whole lifetime
// including build-time failures (spec §7 "Pipeline build error").
func Run(ctx context.Context, runner *execx.Runner, stderrMode execx.StderrMode, spec Spec) (*Pipeline, error) {
	stages, err := plan(spec)
	if err != nil {
		return nil, err
	}

	var teardown teardownStack
	defer teardown.run()

	handles := make([]*execx.Handle, len(stages))
	var prevStdout *os.File // the previous stage's read end, becomes this stage's stdin

	for i, st := range stages {
		stdoutDisp := execx.Piped
		if i == len(stages)-1 {
			stdoutDisp = execx.Discarded
		}

		h, stdout, err := runner.Spawn(ctx, st.argv, prevStdout, stdoutDisp, stderrMode)
		if prevStdout != nil {
			// The read end is now owned by the child we just started (its fd
			// table holds a dup); our copy must close immediately or the
			// upstream stage's writes never see a reader go away on our side
			// and, worse, we'd leak an fd per stage.
			prevStdout.Close()
			prevStdout = nil
		}
		if err != nil {
			return nil, fmt.Errorf("%w: spawning stage %d (%v): %v", ErrPipelineBuild, i, st.argv, err)
		}
		handles[i] = h
		idx := i
		teardown.push(func() { handles[idx].Terminate() })

		if stdout != nil {
			prevStdout = stdout
			teardown.push(func() { stdout.Close() })
		}
	}

	results := make([]StageResult, len(stages))
	// Await in reverse order after the source stage has closed its stdout
	// (spec §5 "Ordering guarantees") — waiting in forward order can
	// deadlock if an earlier stage blocks writing to a full pipe that a
	// later stage hasn't started draining yet.
	for i := len(stages) - 1; i >= 0; i-- {
		res := handles[i].Wait()
		results[i] = StageResult{Argv: res.Argv, ExitCode: res.ExitCode, Stderr: res.Stderr}
	}

	p := &Pipeline{results: results}
	if !p.Successful() && spec.Sink.IsPath() {
		// A failed transfer into a file repository may have left a truncated
		// blob behind (the sink filter exited non-zero partway through
		// writing {file}); remove it rather than let a later List treat it
		// as a legitimate snapshot. Best effort — the file may never have
		// been created at all.
		os.Remove(spec.Sink.Path)
	}
	return p, nil
}

// teardownStack is the idiomatic Go expression of the source's scoped
// "defer helper" (spec §9): a LIFO stack of closures run on every exit path.
type teardownStack struct {
	fns []func()
}

func (t *teardownStack) push(fn func()) { t.fns = append(t.fns, fn) }

func (t *teardownStack) run() {
	for i := len(t.fns) - 1; i >= 0; i-- {
		t.fns[i]()
	}
}

