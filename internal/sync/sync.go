// Package sync implements the sync engine (spec §4.E): the core algorithm
// that snapshots a subvolume, diffs two repositories' inventories, picks an
// incremental parent, drives the pipeline builder, and applies retention.
// It is grounded on the teacher's executor.Executor.execute — a numbered
// sequence of named steps, logged start/finish around the unit of work,
// continuing past one failure instead of aborting the whole run — adapted
// from "one destination per job, continue on a destination failure" to
// "one subvolume per invocation, continue on a subvolume failure".
package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/arkeep-io/btrfs-backup/internal/execx"
	"github.com/arkeep-io/btrfs-backup/internal/pipeline"
	"github.com/arkeep-io/btrfs-backup/internal/repository"
	"github.com/arkeep-io/btrfs-backup/internal/snapshot"
)

// Subvolume is one source path and the tag derived from its basename
// (spec §3 "Subvolume").
type Subvolume struct {
	Path string
	Tag  string
}

// Options carries everything the CLI surface resolves before calling Sync
// (spec §4.F): the user's filter specs, the optional remote-command prefix,
// and retention. --snapshots-only (spec §6) is resolved one level up, by
// the CLI choosing dest's root to be the snapshots repository instead of
// the live subvolume's parent directory — Sync itself is unaware of the
// distinction, it only ever writes into whatever Repository it is given.
type Options struct {
	SendFilters [][]string
	RecvFilters [][]string
	RemoteCmd   []string
	KeepFor     time.Duration
	HasKeepFor  bool
	StderrMode  execx.StderrMode
}

// Result is the structured per-subvolume outcome (SPEC_FULL.md's
// "structured per-subvolume summary" — the teacher logs a start/finish pair
// around every unit of work; this is its equivalent typed return value).
type Result struct {
	Tag          string
	Snapshot     snapshot.Snapshot
	Incremental  bool // false means a full send (no parent found)
	NoOp         bool // destination already had this snapshot
	StageResults []pipeline.StageResult
	Duration     time.Duration
}

// Successful reports whether every stage of the transfer exited zero, or
// true unconditionally for a no-op sync.
func (r Result) Successful() bool {
	if r.NoOp {
		return true
	}
	for _, sr := range r.StageResults {
		if sr.ExitCode != 0 {
			return false
		}
	}
	return true
}

// Sync runs the core algorithm (spec §4.E) for one subvolume: snapshot,
// diff, pick parent, build and execute the pipeline, purge. It returns a
// non-nil error only when the transfer cannot be attempted: a configuration
// problem (pipeline.ErrConfiguration), a stage that could not be spawned
// (pipeline.ErrPipelineBuild), or a failed repository operation (listing,
// generation check, snapshot creation) — a non-zero exit code from the pipeline
// itself is reported in the returned Result, not as an error, matching
// §4.E step 6 ("the transfer is considered failed for this subvolume but
// does not abort sibling subvolumes" — the caller, Run, is what implements
// "sibling" by calling Sync once per subvolume and aggregating).
func Sync(ctx context.Context, runner *execx.Runner, logger *zap.Logger, source, dest *repository.Repository, sv Subvolume, opts Options, now time.Time) (*Result, error) {
	corrID := uuid.NewString()
	log := logger.With(zap.String("correlation_id", corrID), zap.String("subvolume", sv.Tag))
	log.Info("sync started")
	start := time.Now()

	// Step 1: ensure the source has a fresh snapshot (spec §4.E step 1). A
	// file-repository source (the restore direction reading a prior backup's
	// blobs) has no live subvolume to compare generations against or create
	// a new snapshot from — it can only ever offer its latest existing
	// snapshot, which must already exist.
	latest, hasLatest, err := source.Latest(ctx, sv.Tag)
	if err != nil {
		return nil, fmt.Errorf("sync: listing source repository for %s: %w", sv.Tag, err)
	}

	var child snapshot.Snapshot
	var hasNewData bool
	if source.Kind == repository.FileRepository {
		if !hasLatest {
			return nil, fmt.Errorf("sync: %s: %w", sv.Tag, repository.ErrNotFound)
		}
		child = latest
	} else {
		hasNewData, err = source.HasNewData(ctx, sv.Path, latest, hasLatest)
		if err != nil {
			return nil, fmt.Errorf("sync: checking for new data in %s: %w", sv.Tag, err)
		}
		sourceList, err := source.List(ctx, sv.Tag)
		if err != nil {
			return nil, fmt.Errorf("sync: listing source repository for %s: %w", sv.Tag, err)
		}
		child, err = source.Snapshot(ctx, sv.Path, sv.Tag, now, sourceList, hasNewData, latest, hasLatest)
		if err != nil {
			return nil, fmt.Errorf("sync: snapshotting %s: %w", sv.Tag, err)
		}
	}
	log.Info("snapshot resolved", zap.String("snapshot", child.String()), zap.Bool("fresh", hasNewData))

	// Step 2: list both repositories' inventories (spec §4.E step 2). Listed
	// fresh here rather than reusing any earlier listing, since Snapshot may
	// just have created child and an earlier listing would not include it.
	sourceList, err := source.List(ctx, sv.Tag)
	if err != nil {
		return nil, fmt.Errorf("sync: listing source repository for %s: %w", sv.Tag, err)
	}
	destList, err := dest.List(ctx, sv.Tag)
	if err != nil {
		return nil, fmt.Errorf("sync: listing destination repository for %s: %w", sv.Tag, err)
	}

	// Step 3: pick the incremental parent — the snapshot present in both
	// inventories with the greatest (timestamp, gen), by exact name equality.
	parent, hasParent := pickParent(sourceList, destList)

	// Step 4: no-op if the destination already has child by name.
	if containsByName(destList, child) {
		log.Info("sync no-op: destination already has this snapshot", zap.String("snapshot", child.String()))
		return &Result{Tag: sv.Tag, Snapshot: child, Incremental: hasParent, NoOp: true, Duration: time.Since(start)}, nil
	}

	// Step 5+6: build and execute the pipeline.
	var parentPtr *snapshot.Snapshot
	if hasParent {
		parentPtr = &parent
	}
	spec := pipeline.Spec{
		Source:       source.SendStage(child, parentPtr),
		SourceRemote: source.IsRemote(),
		SendFilters:  opts.SendFilters,
		RemoteCmd:    opts.RemoteCmd,
		RecvFilters:  opts.RecvFilters,
		Sink:         dest.ReceiveStage(child),
		DestRemote:   dest.IsRemote(),
	}

	p, err := pipeline.Run(ctx, runner, opts.StderrMode, spec)
	if err != nil {
		return nil, fmt.Errorf("sync: building pipeline for %s: %w", sv.Tag, err)
	}

	result := &Result{
		Tag:          sv.Tag,
		Snapshot:     child,
		Incremental:  hasParent,
		StageResults: p.Results(),
		Duration:     time.Since(start),
	}

	if !p.Successful() {
		log.Error("sync failed", zap.Any("stages", p.Results()))
		return result, nil
	}
	log.Info("sync succeeded", zap.Duration("duration", result.Duration))

	// Step 7: purge under --keep-for.
	if opts.HasKeepFor {
		if err := source.Purge(ctx, sv.Tag, opts.KeepFor, now); err != nil {
			log.Warn("purge failed", zap.Error(err))
		}
	}

	return result, nil
}

// Run drives Sync once per subvolume in sequence (spec §5 "Between
// subvolumes... sync is strictly sequential"), aggregating every failure
// with multierr so the process's final exit code (spec §6) reflects all
// of them, not just the first, while continuing to the next subvolume
// after one fails (spec §4.E step 6).
func Run(ctx context.Context, runner *execx.Runner, logger *zap.Logger, source, dest *repository.Repository, subvolumes []Subvolume, opts Options, now time.Time) ([]*Result, error) {
	results := make([]*Result, 0, len(subvolumes))
	var errs error
	for _, sv := range subvolumes {
		res, err := Sync(ctx, runner, logger, source, dest, sv, opts, now)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("subvolume %s: %w", sv.Tag, err))
			continue
		}
		results = append(results, res)
		if !res.Successful() {
			errs = multierr.Append(errs, fmt.Errorf("subvolume %s: pipeline reported a non-zero exit", sv.Tag))
		}
	}
	return results, errs
}

// pickParent finds the snapshot present in both inventories with the
// greatest (timestamp, gen), comparing by exact name equality (spec §4.E
// step 3). Both slices are assumed sorted ascending (repository.List's
// contract).
func pickParent(source, dest []snapshot.Snapshot) (snapshot.Snapshot, bool) {
	destSet := make(map[string]snapshot.Snapshot, len(dest))
	for _, s := range dest {
		destSet[s.String()] = s
	}
	var best snapshot.Snapshot
	found := false
	for _, s := range source {
		if _, ok := destSet[s.String()]; !ok {
			continue
		}
		if !found || snapshot.Less(best, s) {
			best = s
			found = true
		}
	}
	return best, found
}

func containsByName(list []snapshot.Snapshot, s snapshot.Snapshot) bool {
	for _, c := range list {
		if snapshot.Equal(c, s) {
			return true
		}
	}
	return false
}
