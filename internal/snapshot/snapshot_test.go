package snapshot

import (
	"testing"
	"time"
)

func TestNameParseRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		tag  string
		ts   time.Time
		gen  int
		ext  string
	}{
		{"no extension", "sv", time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC), 0, ""},
		{"with extension", "home", time.Date(2024, 1, 15, 12, 5, 0, 0, time.UTC), 3, "gpg"},
		{"hyphenated tag", "my-subvol", time.Date(2024, 1, 15, 12, 5, 0, 0, time.UTC), 1, "bin"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			n := Name(tc.tag, tc.ts, tc.gen, tc.ext)
			got, err := Parse(n)
			if err != nil {
				t.Fatalf("Parse(%q): %v", n, err)
			}
			if got.Tag != tc.tag || !got.Timestamp.Equal(tc.ts) || got.Gen != tc.gen || got.Ext != tc.ext {
				t.Fatalf("Parse(%q) = %+v, want tag=%s ts=%s gen=%d ext=%s", n, got, tc.tag, tc.ts, tc.gen, tc.ext)
			}
			if got.String() != n {
				t.Fatalf("round trip: %q != %q", got.String(), n)
			}
		})
	}
}

func TestParseInvalid(t *testing.T) {
	for _, n := range []string{"", "not-a-snapshot", "sv-2024-01-15_12:00:00", "sv-2024-01-15_12:00:00_abc"} {
		if _, err := Parse(n); err == nil {
			t.Errorf("Parse(%q): expected error, got nil", n)
		}
	}
}

func TestLess(t *testing.T) {
	t0 := time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)
	t1 := time.Date(2024, 1, 15, 12, 5, 0, 0, time.UTC)
	a := Snapshot{Tag: "sv", Timestamp: t0, Gen: 0}
	b := Snapshot{Tag: "sv", Timestamp: t0, Gen: 1}
	c := Snapshot{Tag: "sv", Timestamp: t1, Gen: 0}

	if !Less(a, b) {
		t.Error("same timestamp: expected gen 0 < gen 1")
	}
	if !Less(b, c) {
		t.Error("expected earlier timestamp to sort first regardless of gen")
	}
	if Less(c, a) {
		t.Error("later timestamp should not be Less than earlier")
	}
}

func TestNextGeneration(t *testing.T) {
	ts := time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)
	existing := []Snapshot{
		{Tag: "sv", Timestamp: ts, Gen: 0},
		{Tag: "sv", Timestamp: ts, Gen: 1},
		{Tag: "other", Timestamp: ts, Gen: 5},
	}
	if got := NextGeneration(existing, "sv", ts); got != 2 {
		t.Errorf("NextGeneration = %d, want 2", got)
	}
	if got := NextGeneration(existing, "sv", ts.Add(time.Hour)); got != 0 {
		t.Errorf("NextGeneration for new timestamp = %d, want 0", got)
	}
	if got := NextGeneration(nil, "sv", ts); got != 0 {
		t.Errorf("NextGeneration on empty = %d, want 0", got)
	}
}
