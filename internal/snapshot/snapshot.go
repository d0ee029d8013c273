// Package snapshot implements snapshot identity (spec §4.C): the naming
// grammar, parsing, and total order of snapshot names.
package snapshot

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

// layout is the second-precision UTC timestamp embedded in a snapshot name.
const layout = "2006-01-02_15:04:05"

// nameRE matches <tag>-<YYYY-MM-DD_HH:MM:SS>_<gen>[.<ext>]. The tag itself
// may contain hyphens (subvolume basenames do), so it is captured greedily
// and the timestamp/generation/extension are anchored from the right.
var nameRE = regexp.MustCompile(`^(.+)-(\d{4}-\d{2}-\d{2}_\d{2}:\d{2}:\d{2})_(\d+)(?:\.(.+))?$`)

// Snapshot identifies one named snapshot in a repository. It carries no
// filesystem state — it is the parsed/formatted form of a name, per §3.
type Snapshot struct {
	Tag       string
	Timestamp time.Time // always UTC, second precision
	Gen       int
	Ext       string // empty for remanifested snapshots
}

// Name formats tag/timestamp/gen/ext per the §3 grammar.
func Name(tag string, ts time.Time, gen int, ext string) string {
	n := fmt.Sprintf("%s-%s_%d", tag, ts.UTC().Format(layout), gen)
	if ext != "" {
		n += "." + ext
	}
	return n
}

// String formats s per the §3 grammar. Name(s.Tag, s.Timestamp, s.Gen,
// s.Ext) == s.String().
func (s Snapshot) String() string {
	return Name(s.Tag, s.Timestamp, s.Gen, s.Ext)
}

// Parse parses a directory entry name per the §3 grammar. Entries that do
// not match are not an error per se (callers ignore them, per §7's "name
// parse error... recoverable" policy) — ErrInvalidName distinguishes this
// case from a genuine I/O failure.
func Parse(name string) (Snapshot, error) {
	m := nameRE.FindStringSubmatch(name)
	if m == nil {
		return Snapshot{}, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	ts, err := time.ParseInLocation(layout, m[2], time.UTC)
	if err != nil {
		return Snapshot{}, fmt.Errorf("%w: %q: %v", ErrInvalidName, name, err)
	}
	gen, err := strconv.Atoi(m[3])
	if err != nil {
		return Snapshot{}, fmt.Errorf("%w: %q: %v", ErrInvalidName, name, err)
	}
	return Snapshot{Tag: m[1], Timestamp: ts, Gen: gen, Ext: m[4]}, nil
}

// ErrInvalidName is returned by Parse for any name not matching the §3
// grammar. Sync-engine and repository code ignore it (entries that don't
// parse are simply not snapshots); it exists so callers that do want to
// distinguish "not a snapshot" from "I/O error" can.
var ErrInvalidName = fmt.Errorf("snapshot: name does not match grammar")

// Less implements the total order from §4.C: ascending by (timestamp, gen).
// It does not check tag equality — per §4.C, tag equality is a
// precondition the caller (the sync engine, comparing within one
// subvolume's inventory) must already have established.
func Less(a, b Snapshot) bool {
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.Before(b.Timestamp)
	}
	return a.Gen < b.Gen
}

// Equal reports whether a and b name the exact same snapshot (same tag,
// timestamp, gen, and extension) — the equality spec §4.E's parent
// selection and child lookup use ("comparing by exact name equality").
func Equal(a, b Snapshot) bool {
	return a.Tag == b.Tag && a.Timestamp.Equal(b.Timestamp) && a.Gen == b.Gen && a.Ext == b.Ext
}

// NextGeneration returns the smallest generation number strictly greater
// than any existing snapshot in existing that shares tag and timestamp with
// the new snapshot being named — the tie-break rule from §4.C ("make_name
// chooses the next generation greater than any existing snapshot with the
// same (tag, timestamp)").
func NextGeneration(existing []Snapshot, tag string, ts time.Time) int {
	next := 0
	ts = ts.UTC()
	for _, s := range existing {
		if s.Tag == tag && s.Timestamp.Equal(ts) && s.Gen >= next {
			next = s.Gen + 1
		}
	}
	return next
}
