package repository

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/arkeep-io/btrfs-backup/internal/execx"
	"github.com/arkeep-io/btrfs-backup/internal/snapshot"
)

func TestListFiltersAndSorts(t *testing.T) {
	dir := t.TempDir()
	names := []string{
		"home-2024-01-15_12:00:00_0",
		"home-2024-01-15_12:00:00_1",
		"home-2024-01-14_12:00:00_0",
		"other-2024-01-16_12:00:00_0",
		"not-a-snapshot.txt",
	}
	for _, n := range names {
		if err := os.WriteFile(filepath.Join(dir, n), nil, 0o644); err != nil {
			t.Fatalf("setup: %v", err)
		}
	}

	repo := New(execx.New(nil, false), dir, nil, SubvolumeRepository, "")
	got, err := repo.List(context.Background(), "home")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("List returned %d snapshots, want 3: %+v", len(got), got)
	}
	if !(got[0].Timestamp.Before(got[1].Timestamp) || (got[0].Timestamp.Equal(got[1].Timestamp) && got[0].Gen < got[1].Gen)) {
		t.Fatalf("List not sorted ascending: %+v", got)
	}
}

func TestListUnavailableDirectory(t *testing.T) {
	repo := New(execx.New(nil, false), "/nonexistent/does/not/exist", nil, SubvolumeRepository, "")
	if _, err := repo.List(context.Background(), "home"); err == nil {
		t.Fatal("expected error listing a nonexistent directory")
	}
}

func TestLatestEmptyRepo(t *testing.T) {
	dir := t.TempDir()
	repo := New(execx.New(nil, false), dir, nil, SubvolumeRepository, "")
	_, ok, err := repo.Latest(context.Background(), "home")
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if ok {
		t.Fatal("expected no latest snapshot in an empty repo")
	}
}

func TestSendStageFileRepository(t *testing.T) {
	repo := New(execx.New(nil, false), "/repo", nil, FileRepository, "bin")
	child := snapshot.Snapshot{Tag: "home", Timestamp: time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC), Gen: 0, Ext: "bin"}
	ep := repo.SendStage(child, nil)
	if !ep.IsPath() {
		t.Fatalf("expected a path endpoint for a file repository, got argv %v", ep.Argv)
	}
	want := "/repo/" + child.String()
	if ep.Path != want {
		t.Fatalf("Path = %q, want %q", ep.Path, want)
	}
}

func TestSendStageSubvolumeRepositoryWithParent(t *testing.T) {
	repo := New(execx.New(nil, false), "/repo", nil, SubvolumeRepository, "")
	parent := snapshot.Snapshot{Tag: "home", Timestamp: time.Date(2024, 1, 14, 12, 0, 0, 0, time.UTC), Gen: 0}
	child := snapshot.Snapshot{Tag: "home", Timestamp: time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC), Gen: 0}
	ep := repo.SendStage(child, &parent)
	if ep.IsPath() {
		t.Fatal("expected a process endpoint for a subvolume repository")
	}
	want := []string{"btrfs", "send", "-p", "/repo/" + parent.String(), "/repo/" + child.String()}
	if len(ep.Argv) != len(want) {
		t.Fatalf("argv = %v, want %v", ep.Argv, want)
	}
	for i := range want {
		if ep.Argv[i] != want[i] {
			t.Fatalf("argv = %v, want %v", ep.Argv, want)
		}
	}
}

func TestRemoteRepositoryPrefixesDirectoryListing(t *testing.T) {
	dir := t.TempDir()
	repo := New(execx.New(nil, false), dir, []string{"sh", "-c", "exec \"$@\"", "--"}, SubvolumeRepository, "")
	if !repo.IsRemote() {
		t.Fatal("expected IsRemote to be true with a non-empty RemoteCmd")
	}
	_, err := repo.List(context.Background(), "home")
	if err != nil {
		t.Fatalf("List via remote-command wrapper: %v", err)
	}
}

func TestPurgeKeepsNewestEvenIfOverAge(t *testing.T) {
	dir := t.TempDir()
	old := snapshot.Snapshot{Tag: "home", Timestamp: time.Now().Add(-72 * time.Hour).Truncate(time.Second), Gen: 0, Ext: "bin"}
	older := snapshot.Snapshot{Tag: "home", Timestamp: time.Now().Add(-96 * time.Hour).Truncate(time.Second), Gen: 0, Ext: "bin"}
	for _, s := range []snapshot.Snapshot{old, older} {
		if err := os.WriteFile(filepath.Join(dir, s.String()), nil, 0o644); err != nil {
			t.Fatalf("setup: %v", err)
		}
	}

	repo := New(execx.New(nil, false), dir, nil, FileRepository, "bin")
	if err := repo.Purge(context.Background(), "home", time.Hour, time.Now()); err != nil {
		t.Fatalf("Purge: %v", err)
	}

	remaining, err := repo.List(context.Background(), "home")
	if err != nil {
		t.Fatalf("List after purge: %v", err)
	}
	if len(remaining) != 1 {
		t.Fatalf("expected exactly one snapshot to survive purge, got %d: %+v", len(remaining), remaining)
	}
	if !snapshot.Equal(remaining[0], old) {
		t.Fatalf("expected the newest snapshot to survive, got %+v", remaining[0])
	}
}
