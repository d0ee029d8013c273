// Package cli is the external collaborator (spec §4.F, §6): it parses argv
// into two Repository handles, a subvolume list, and sync.Options, then
// drives the sync engine once per subvolume. It is grounded on the
// teacher's cmd/agent/main.go — a cobra root command with PersistentFlags,
// an envOrDefault helper, and a buildLogger step — generalized from one
// long-running daemon command to two one-shot subcommands (backup,
// restore) sharing all their flags.
package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/arkeep-io/btrfs-backup/internal/execx"
	"github.com/arkeep-io/btrfs-backup/internal/pipeline"
	"github.com/arkeep-io/btrfs-backup/internal/repository"
	"github.com/arkeep-io/btrfs-backup/internal/sync"
)

var (
	version = "dev"
	commit  = "none"
)

// flags holds every option from spec §6's table. Both backup and restore
// bind the same set — the direction they run sync in is the only
// difference, aside from --reverse/--snapshots-only semantics.
type flags struct {
	subvolumes    []string
	keepFor       string
	remoteCmd     string
	sendFilters   []string
	recvFilters   []string
	snapshotExt   string
	fileRepoSide  string
	reverse       bool
	snapshotsOnly bool
	snapshotsDir  string
	noReadStderr  bool
	logLevel      string
}

// NewRootCmd builds the top-level command tree: btrfs-backup backup|restore
// <source-root> <destination-root>.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "btrfs-backup",
		Short: "Incremental btrfs snapshot backup and restore",
		Long: `btrfs-backup orchestrates btrfs send/receive between two repositories,
optionally through filter commands and a remote-command wrapper, applying
a retention policy to the source repository after a successful backup.`,
	}

	root.AddCommand(newBackupCmd())
	root.AddCommand(newRestoreCmd())
	root.AddCommand(newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("btrfs-backup %s (commit: %s)\n", version, commit)
		},
	}
}

func newBackupCmd() *cobra.Command {
	f := &flags{}
	cmd := &cobra.Command{
		Use:   "backup <source-repo-root> <destination-repo-root>",
		Short: "Send fresh subvolume snapshots from source to destination",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDirection(cmd.Context(), f, "backup", args[0], args[1])
		},
	}
	bindFlags(cmd, f)
	return cmd
}

func newRestoreCmd() *cobra.Command {
	f := &flags{}
	cmd := &cobra.Command{
		Use:   "restore <source-repo-root> <destination-repo-root>",
		Short: "Receive subvolume snapshots from source into destination",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			src, dst := args[0], args[1]
			// --reverse preserves the same positional order as the paired
			// backup invocation; without it, restore's positional args are
			// already (source, destination) from the caller's point of view
			// (spec §4.E "Restore is the same algorithm with source and
			// destination swapped... or, equivalently, with --reverse
			// preserving argv order and swapping them internally").
			if f.reverse {
				src, dst = dst, src
			}
			return runDirection(cmd.Context(), f, "restore", src, dst)
		},
	}
	bindFlags(cmd, f)
	cmd.Flags().BoolVar(&f.reverse, "reverse", false, "swap the semantic roles of the two positional repositories")
	cmd.Flags().BoolVar(&f.snapshotsOnly, "snapshots-only", false, "materialize only the snapshots into a snapshots repository, not the live subvolume")
	cmd.Flags().StringVar(&f.snapshotsDir, "snapshots-dir", "", "with --snapshots-only, the snapshots repository root to receive into instead of the live-subvolume parent")
	return cmd
}

func bindFlags(cmd *cobra.Command, f *flags) {
	cmd.Flags().StringArrayVarP(&f.subvolumes, "subvolume", "s", nil, "subvolume(s) to process (repeatable)")
	cmd.Flags().StringVar(&f.keepFor, "keep-for", "", "purge snapshots older than DURATION from the source repo after a successful run")
	cmd.Flags().StringVar(&f.remoteCmd, "remote-cmd", "", "absolute path of the command prefix used to reach a remote host, e.g. '/usr/bin/ssh host'")
	cmd.Flags().StringArrayVar(&f.sendFilters, "send-filter", nil, "filter command applied after serialization (repeatable, absolute path)")
	cmd.Flags().StringArrayVar(&f.recvFilters, "recv-filter", nil, "filter command applied before deserialization (repeatable, absolute path)")
	cmd.Flags().StringVar(&f.snapshotExt, "snapshot-ext", "", "declare one side of this transfer a file repository with this extension")
	cmd.Flags().StringVar(&f.fileRepoSide, "file-repo-side", "dest", "which side of this invocation's resolved transfer (source or dest) --snapshot-ext applies to")
	cmd.Flags().BoolVar(&f.noReadStderr, "no-read-stderr", false, "do not capture stderr from spawned commands")
	cmd.Flags().StringVar(&f.logLevel, "log-level", envOrDefault("BTRFS_BACKUP_LOG_LEVEL", "info"), "log level (debug, info, warn, error)")
}

// runDirection resolves flags into repository handles and a subvolume
// list, then calls sync.Run once (source → destination). backup and
// restore (after --reverse swap) both funnel through this one path —
// there is no separate restore algorithm, per spec §4.E. direction is
// "backup" or "restore", passed by the caller rather than re-derived from
// flags, since --reverse already consumed the positional mapping by the
// time sourceRoot/destRoot reach here.
func runDirection(ctx context.Context, f *flags, direction, sourceRoot, destRoot string) error {
	logger, err := buildLogger(f.logLevel)
	if err != nil {
		return fmt.Errorf("cli: building logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	if len(f.subvolumes) == 0 {
		return fmt.Errorf("cli: at least one --subvolume is required")
	}

	remoteCmd, err := parseRemoteCmd(f.remoteCmd)
	if err != nil {
		return err
	}

	sendFilters, err := parseFilters(f.sendFilters)
	if err != nil {
		return fmt.Errorf("cli: --send-filter: %w", err)
	}
	recvFilters, err := parseFilters(f.recvFilters)
	if err != nil {
		return fmt.Errorf("cli: --recv-filter: %w", err)
	}

	// --snapshot-ext declares ONE side a file repository; --file-repo-side
	// says which (spec §6). There is no default side that's always right:
	// a plain backup's file repository is its destination, but a
	// --reverse restore's file repository is its source (the archive being
	// read back from) even though --reverse leaves destRoot holding the
	// live-subvolume path. Deriving the side from source/dest labels alone
	// — rather than from an explicit flag — was exactly how this used to
	// silently mismaterialize a restore.
	sourceKind := repository.SubvolumeRepository
	destKind := repository.SubvolumeRepository
	sourceExt, destExt := "", ""
	if f.snapshotExt != "" {
		switch f.fileRepoSide {
		case "source":
			sourceKind = repository.FileRepository
			sourceExt = f.snapshotExt
		case "dest":
			destKind = repository.FileRepository
			destExt = f.snapshotExt
		default:
			return fmt.Errorf("cli: --file-repo-side must be %q or %q, got %q", "source", "dest", f.fileRepoSide)
		}
		// This upfront check covers only where a {file} token may appear.
		// Whether the declared file repository has a filter carrying the
		// token is not checked here: plan() inside pipeline.Run checks it
		// per subvolume, when that subvolume's pipeline is built.
		if err := pipeline.ValidateFilterSpec(sendFilters, recvFilters); err != nil {
			return fmt.Errorf("cli: %w", err)
		}
	}

	// §6 "--snapshots-only": on restore, redirect the receive target away
	// from destRoot (the live-subvolume parent) into a separate snapshots
	// repository, instead of materializing the live subvolume.
	effectiveDestRoot := destRoot
	if f.snapshotsOnly {
		if f.snapshotsDir == "" {
			return fmt.Errorf("cli: --snapshots-only requires --snapshots-dir")
		}
		effectiveDestRoot = f.snapshotsDir
	}

	// spec §9's Open Question: reject, rather than guess, any combination
	// where the live subvolume would need to be materialized from a
	// file-repo blob. On restore (effectiveDestRoot still the live-subvolume
	// parent, i.e. --snapshots-only didn't redirect it elsewhere), dest
	// must be a real subvolume repository so ReceiveStage actually runs
	// `btrfs receive` — a FileRepository endpoint there would instead write
	// a bare file into the live subvolume's parent with no receive ever
	// invoked, and no error raised.
	if direction == "restore" && !f.snapshotsOnly && destKind == repository.FileRepository {
		return fmt.Errorf("%w: cli: restore would materialize the live subvolume from a file-repository blob; pass --snapshots-only (with --snapshots-dir) to target a snapshots repository instead, or --file-repo-side=source if the archive is the source", pipeline.ErrConfiguration)
	}

	logger.Info("resolved transfer direction",
		zap.String("direction", direction),
		zap.String("source", sourceRoot),
		zap.String("destination", effectiveDestRoot),
		zap.Bool("reverse", f.reverse),
		zap.Bool("snapshots_only", f.snapshotsOnly),
		zap.String("file_repo_side", f.fileRepoSide),
	)

	var keepFor time.Duration
	hasKeepFor := f.keepFor != ""
	if hasKeepFor {
		keepFor, err = parseKeepFor(f.keepFor)
		if err != nil {
			return fmt.Errorf("cli: --keep-for: %w", err)
		}
	}

	runner := execx.New(logger, f.noReadStderr)
	stderrMode := execx.StderrCapture
	if f.noReadStderr {
		stderrMode = execx.StderrDiscard
	}

	source := repository.New(runner, sourceRoot, remoteCmd, sourceKind, sourceExt)
	dest := repository.New(runner, effectiveDestRoot, remoteCmd, destKind, destExt)

	subvolumes := make([]sync.Subvolume, 0, len(f.subvolumes))
	for _, path := range f.subvolumes {
		subvolumes = append(subvolumes, sync.Subvolume{Path: path, Tag: filepath.Base(strings.TrimRight(path, "/"))})
	}

	opts := sync.Options{
		SendFilters: sendFilters,
		RecvFilters: recvFilters,
		RemoteCmd:   remoteCmd,
		KeepFor:     keepFor,
		HasKeepFor:  hasKeepFor,
		StderrMode:  stderrMode,
	}

	results, err := sync.Run(ctx, runner, logger, source, dest, subvolumes, opts, time.Now())
	for _, r := range results {
		logResult(logger, r)
		printSummary(r)
	}
	return err
}

// printSummary prints one human-readable line per subvolume to stdout,
// independent of the structured zap log, so an operator running the
// command interactively sees a readable result even at --log-level=error.
func printSummary(r *sync.Result) {
	kind := "incremental"
	if !r.Incremental {
		kind = "full"
	}
	status := "ok"
	if !r.Successful() {
		status = "FAILED"
	}
	if r.NoOp {
		fmt.Printf("%s: %s — already up to date\n", r.Tag, status)
		return
	}
	fmt.Printf("%s: %s %s send of %s in %s\n", r.Tag, status, kind, r.Snapshot, humanize.RelTime(time.Now().Add(-r.Duration), time.Now(), "", ""))
}

func logResult(logger *zap.Logger, r *sync.Result) {
	fields := []zap.Field{
		zap.String("subvolume", r.Tag),
		zap.String("snapshot", r.Snapshot.String()),
		zap.Bool("incremental", r.Incremental),
		zap.Bool("noop", r.NoOp),
		zap.Duration("duration", r.Duration),
	}
	if r.Successful() {
		logger.Info("subvolume transfer complete", fields...)
	} else {
		logger.Error("subvolume transfer failed", fields...)
	}
}

// parseRemoteCmd splits --remote-cmd's value on whitespace and validates
// that its first token is an absolute path (spec §6: "must be an absolute
// path; its remaining argv tail is the command to run remotely").
func parseRemoteCmd(raw string) ([]string, error) {
	if raw == "" {
		return nil, nil
	}
	fields := strings.Fields(raw)
	if len(fields) == 0 || !filepath.IsAbs(fields[0]) {
		return nil, fmt.Errorf("cli: --remote-cmd must begin with an absolute path, got %q", raw)
	}
	return fields, nil
}

// parseFilters splits each --send-filter/--recv-filter value on whitespace
// into an argv vector and validates each command's first token is an
// absolute path (spec §6).
func parseFilters(raw []string) ([][]string, error) {
	out := make([][]string, 0, len(raw))
	for _, r := range raw {
		fields := strings.Fields(r)
		if len(fields) == 0 || !filepath.IsAbs(fields[0]) {
			return nil, fmt.Errorf("must begin with an absolute path, got %q", r)
		}
		out = append(out, fields)
	}
	return out, nil
}

// keepForUnit maps spec §6's single-letter duration units to their
// second-equivalent (S,M,H,d,w,m,y; months = 30 days, years = 365 days).
// Go's time.ParseDuration understands neither 'd'/'w'/'m'/'y' nor
// calendar months/years, so --keep-for gets its own small parser rather
// than stretching stdlib duration parsing to fit.
var keepForUnit = map[byte]time.Duration{
	'S': time.Second,
	'M': time.Minute,
	'H': time.Hour,
	'd': 24 * time.Hour,
	'w': 7 * 24 * time.Hour,
	'm': 30 * 24 * time.Hour,
	'y': 365 * 24 * time.Hour,
}

// parseKeepFor parses a --keep-for value: a decimal quantity followed by
// one of the unit letters above (e.g. "3d", "2w", "1y").
func parseKeepFor(raw string) (time.Duration, error) {
	if raw == "" {
		return 0, fmt.Errorf("empty duration")
	}
	unit, ok := keepForUnit[raw[len(raw)-1]]
	if !ok {
		return 0, fmt.Errorf("unrecognized unit in %q (want one of S,M,H,d,w,m,y)", raw)
	}
	n, err := strconv.ParseFloat(raw[:len(raw)-1], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid quantity in %q: %w", raw, err)
	}
	return time.Duration(n * float64(unit)), nil
}

func buildLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	return cfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
