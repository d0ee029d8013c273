// Package repository implements the repository abstraction (spec §4.D): a
// directory of snapshots, local or reached through a remote-command prefix,
// holding either live btrfs subvolumes or opaque files. It is grounded on
// the teacher's restic.Wrapper — one method per logical operation, each
// building its own argv and delegating to the executor — generalized from
// "one restic binary, many subcommands" to "one remote-command prefix,
// many btrfs/shell invocations", and on docker.discovery's
// unavailable-backend sentinel pattern, generalized from a missing Docker
// daemon to a directory listing that can't be parsed or reached.
package repository

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/arkeep-io/btrfs-backup/internal/execx"
	"github.com/arkeep-io/btrfs-backup/internal/pipeline"
	"github.com/arkeep-io/btrfs-backup/internal/snapshot"
)

// Kind distinguishes a repository whose contents are live btrfs subvolumes
// from one whose contents are opaque files (spec §3 "kind").
type Kind int

const (
	SubvolumeRepository Kind = iota
	FileRepository
)

// ErrListUnavailable is returned by List when the repository directory
// cannot be read at all (missing, permission denied, or the remote command
// failed) — distinct from a directory that is merely empty, and distinct
// from snapshot.ErrInvalidName entries within it, which are silently
// skipped per §3 ("any filename not matching is ignored").
var ErrListUnavailable = errors.New("repository: directory listing unavailable")

// ErrNotFound is returned when an operation needs an existing snapshot and
// the repository has none (e.g. Snapshot called with no new data and no
// prior snapshot of the tag).
var ErrNotFound = errors.New("repository: snapshot not found")

// Repository is one side of a transfer: a root directory, a locality, and
// a kind (spec §3 "Repository"). Remote repositories prepend RemoteCmd to
// every spawned command and every directory listing (spec §4.D).
type Repository struct {
	Root      string
	RemoteCmd []string // nil if local
	Kind      Kind
	Ext       string // file-repository extension; empty for subvolume repositories

	runner *execx.Runner
}

// New constructs a Repository handle. It performs no I/O — per spec §3
// "Lifecycles", repository handles are created at CLI parse time and live
// until process exit; the directory is only touched by List/Snapshot/etc.
func New(runner *execx.Runner, root string, remoteCmd []string, kind Kind, ext string) *Repository {
	return &Repository{Root: root, RemoteCmd: remoteCmd, Kind: kind, Ext: ext, runner: runner}
}

func (r *Repository) IsRemote() bool { return len(r.RemoteCmd) > 0 }

// argv prepends RemoteCmd to argv if this repository is remote, per §4.D
// "Remote repositories prepend the remote-command vector to every spawned
// command".
func (r *Repository) argv(argv ...string) []string {
	if !r.IsRemote() {
		return argv
	}
	full := make([]string, 0, len(r.RemoteCmd)+len(argv))
	full = append(full, r.RemoteCmd...)
	full = append(full, argv...)
	return full
}

// List reads the repository directory (locally or via the remote command),
// parses entries per §4.C, filters by tag, and returns them sorted
// ascending by (timestamp, gen). Unparseable entries are ignored, not
// reported — only a wholly unreadable directory is an error (§4.D, §7).
func (r *Repository) List(ctx context.Context, tag string) ([]snapshot.Snapshot, error) {
	res, err := r.runner.Run(ctx, r.argv("ls", "-1", r.Root), nil, true, execx.StderrCapture)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrListUnavailable, r.Root, err)
	}
	if res.Failed() {
		return nil, fmt.Errorf("%w: %s: %s", ErrListUnavailable, r.Root, strings.TrimSpace(string(res.Stderr)))
	}

	var out []snapshot.Snapshot
	for _, line := range strings.Split(string(res.Stdout), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		s, err := snapshot.Parse(line)
		if err != nil {
			continue // not a snapshot name; per §3, ignored
		}
		if s.Tag != tag {
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return snapshot.Less(out[i], out[j]) })
	return out, nil
}

// Latest returns the most recent snapshot of tag, or false if none exist.
func (r *Repository) Latest(ctx context.Context, tag string) (snapshot.Snapshot, bool, error) {
	all, err := r.List(ctx, tag)
	if err != nil {
		return snapshot.Snapshot{}, false, err
	}
	if len(all) == 0 {
		return snapshot.Snapshot{}, false, nil
	}
	return all[len(all)-1], true, nil
}

// HasNewData reports whether the live subvolume at subvolumePath contains
// data not already represented by latest (spec §4.D): true when the live
// subvolume's current btrfs generation exceeds the snapshot's. A repository
// with no prior snapshot always has new data. File repositories have no
// live subvolume to compare against and are always considered to have new
// data when asked — callers only ask this of subvolume-repository sources.
func (r *Repository) HasNewData(ctx context.Context, subvolumePath string, latest snapshot.Snapshot, hasLatest bool) (bool, error) {
	if !hasLatest || r.Kind == FileRepository {
		return true, nil
	}
	liveGen, err := r.subvolumeGeneration(ctx, subvolumePath)
	if err != nil {
		return false, err
	}
	snapGen, err := r.subvolumeGeneration(ctx, snapshotPath(r.Root, latest))
	if err != nil {
		return false, err
	}
	return liveGen > snapGen, nil
}

// subvolumeGeneration parses the "Generation" field out of
// `btrfs subvolume show <path>`, the standard way to read a subvolume's
// current btrfs generation without a CGo ioctl binding.
func (r *Repository) subvolumeGeneration(ctx context.Context, path string) (uint64, error) {
	res, err := r.runner.Run(ctx, r.argv("btrfs", "subvolume", "show", path), nil, true, execx.StderrCapture)
	if err != nil {
		return 0, fmt.Errorf("repository: btrfs subvolume show %s: %w", path, err)
	}
	if res.Failed() {
		return 0, fmt.Errorf("repository: btrfs subvolume show %s: %s", path, strings.TrimSpace(string(res.Stderr)))
	}
	for _, line := range strings.Split(string(res.Stdout), "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "Generation:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		g, err := strconv.ParseUint(fields[len(fields)-1], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("repository: parsing generation from %q: %w", line, err)
		}
		return g, nil
	}
	return 0, fmt.Errorf("repository: no Generation field in btrfs subvolume show output for %s", path)
}

// Snapshot implements spec §4.D "snapshot(subvolume)": if hasNewData is
// true it creates a fresh read-only btrfs snapshot named per §3 using now
// and the next free generation, and returns it; otherwise it returns
// latest unchanged. The caller is expected to have already computed
// hasNewData/latest via HasNewData/Latest — kept as explicit parameters
// rather than re-deriving them here so callers can log the decision.
func (r *Repository) Snapshot(ctx context.Context, subvolumePath, tag string, now time.Time, existing []snapshot.Snapshot, hasNewData bool, latest snapshot.Snapshot, hasLatest bool) (snapshot.Snapshot, error) {
	if !hasNewData {
		if !hasLatest {
			return snapshot.Snapshot{}, fmt.Errorf("%w: no existing snapshot and no new data for %s", ErrNotFound, tag)
		}
		return latest, nil
	}

	ts := now.UTC().Truncate(time.Second)
	gen := snapshot.NextGeneration(existing, tag, ts)
	s := snapshot.Snapshot{Tag: tag, Timestamp: ts, Gen: gen, Ext: r.Ext}
	dest := snapshotPath(r.Root, s)

	res, err := r.runner.Run(ctx, r.argv("btrfs", "subvolume", "snapshot", "-r", subvolumePath, dest), nil, false, execx.StderrCapture)
	if err != nil {
		return snapshot.Snapshot{}, fmt.Errorf("repository: creating snapshot %s: %w", s, err)
	}
	if res.Failed() {
		return snapshot.Snapshot{}, fmt.Errorf("repository: btrfs subvolume snapshot %s: %s", s, strings.TrimSpace(string(res.Stderr)))
	}
	return s, nil
}

// SendStage produces the pipeline.Endpoint that reads child out of this
// repository (spec §4.D "send_stage"). For subvolume repositories it is a
// real `btrfs send [-p parent] child` process; for file repositories there
// is no process of its own — the bare path is returned for the pipeline
// builder to substitute into the neighboring {file} filter.
func (r *Repository) SendStage(child snapshot.Snapshot, parent *snapshot.Snapshot) pipeline.Endpoint {
	childPath := snapshotPath(r.Root, child)
	if r.Kind == FileRepository {
		return pipeline.Endpoint{Path: childPath}
	}
	argv := []string{"btrfs", "send"}
	if parent != nil {
		argv = append(argv, "-p", snapshotPath(r.Root, *parent))
	}
	argv = append(argv, childPath)
	return pipeline.Endpoint{Argv: argv}
}

// ReceiveStage produces the pipeline.Endpoint that writes expectedName into
// this repository (spec §4.D "receive_stage"). For subvolume repositories
// it is `btrfs receive <root>`, relying on the stream to carry the
// subvolume name; for file repositories it is the literal destination path
// `<root>/<expectedName>.<ext>`.
func (r *Repository) ReceiveStage(expectedName snapshot.Snapshot) pipeline.Endpoint {
	if r.Kind == FileRepository {
		named := expectedName
		named.Ext = r.Ext
		return pipeline.Endpoint{Path: snapshotPath(r.Root, named)}
	}
	return pipeline.Endpoint{Argv: []string{"btrfs", "receive", r.Root}}
}

// Purge deletes every snapshot of tag whose age (relative to now) exceeds
// keepFor, except the single newest one overall, which is always protected
// even if over-age (spec §4.D "purge", most_recent_protection=true).
// Deletion uses `btrfs subvolume delete` for subvolume repositories and
// `rm` for file repositories.
func (r *Repository) Purge(ctx context.Context, tag string, keepFor time.Duration, now time.Time) error {
	all, err := r.List(ctx, tag)
	if err != nil {
		return err
	}
	if len(all) == 0 {
		return nil
	}
	// all[len(all)-1] is the newest and is never a candidate, regardless of
	// age — the most-recent-protection invariant (§4.D).
	var errs []error
	for _, s := range all[:len(all)-1] {
		if now.Sub(s.Timestamp) <= keepFor {
			continue
		}
		if err := r.delete(ctx, s); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

func (r *Repository) delete(ctx context.Context, s snapshot.Snapshot) error {
	path := snapshotPath(r.Root, s)
	var argv []string
	if r.Kind == FileRepository {
		argv = r.argv("rm", "-f", path)
	} else {
		argv = r.argv("btrfs", "subvolume", "delete", path)
	}
	res, err := r.runner.Run(ctx, argv, nil, false, execx.StderrCapture)
	if err != nil {
		return fmt.Errorf("repository: deleting %s: %w", s, err)
	}
	if res.Failed() {
		return fmt.Errorf("repository: deleting %s: %s", s, strings.TrimSpace(string(res.Stderr)))
	}
	return nil
}

// snapshotPath is the on-disk (or remote-directory) path of s within root.
// s's own Ext (set by the repository when it names the snapshot) is already
// embedded in s.String(), so no separate extension parameter is needed.
func snapshotPath(root string, s snapshot.Snapshot) string {
	var b bytes.Buffer
	b.WriteString(root)
	if !strings.HasSuffix(root, "/") {
		b.WriteByte('/')
	}
	b.WriteString(s.String())
	return b.String()
}
