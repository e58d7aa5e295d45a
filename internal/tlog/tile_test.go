package tlog

import (
	"testing"
)

func TestTilePath(t *testing.T) {
	tests := []struct {
		tile     Tile
		expected string
	}{
		{Tile{Kind: KindData, Index: 0}, "tile/data/000"},
		{Tile{Kind: KindData, Index: 5}, "tile/data/005"},
		{Tile{Kind: KindData, Index: 999}, "tile/data/999"},
		{Tile{Kind: KindData, Index: 1000}, "tile/data/x001/000"},
		{Tile{Kind: KindData, Index: 5123}, "tile/data/x005/123"},
		{Tile{Kind: KindData, Index: 1234067}, "tile/data/x001/x234/067"},
		{Tile{Kind: KindHash, Level: 0, Index: 0}, "tile/0/000"},
		{Tile{Kind: KindHash, Level: 1, Index: 16}, "tile/1/016"},
		{Tile{Kind: KindHash, Level: 2, Index: 1000}, "tile/2/x001/000"},
	}

	for _, tt := range tests {
		if got := tt.tile.Path(); got != tt.expected {
			t.Errorf("Path(%+v) = %q, want %q", tt.tile, got, tt.expected)
		}
	}
}

func TestParsePathRoundTrip(t *testing.T) {
	tiles := []Tile{
		{Kind: KindData, Index: 0},
		{Kind: KindData, Index: 999},
		{Kind: KindData, Index: 1000},
		{Kind: KindData, Index: 18446744073709551615},
		{Kind: KindHash, Level: 0, Index: 4095},
		{Kind: KindHash, Level: 1, Index: 0},
		{Kind: KindHash, Level: 5, Index: 123456789},
	}

	for _, want := range tiles {
		got, err := ParsePath(want.Path())
		if err != nil {
			t.Errorf("ParsePath(%q) failed: %v", want.Path(), err)
			continue
		}
		if got != want {
			t.Errorf("ParsePath(%q) = %+v, want %+v", want.Path(), got, want)
		}
	}
}

func TestParsePathRejectsNonCanonical(t *testing.T) {
	bad := []string{
		"",
		"tile",
		"tile/data",
		"checkpoint",
		"tile/data/5",              // unpadded
		"tile/data/0005",           // over-padded
		"tile/data/x000/005",       // excess zero group
		"tile/data/001/000",        // missing x prefix
		"tile/data/x001/000.p/200", // partial tile
		"tile/-1/000",
		"tile/data/abc",
		"tile/data/x001/x234",   // trailing directory segment
		"tile/data/000/",        // trailing slash
		"tile/1x/000",           // bad level
		"not/a/tile/path",
	}

	for _, p := range bad {
		if tile, err := ParsePath(p); err == nil {
			t.Errorf("ParsePath(%q) = %+v, want error", p, tile)
		}
	}
}

func TestEntryRangeValidate(t *testing.T) {
	tests := []struct {
		r  EntryRange
		ok bool
	}{
		{EntryRange{0, 1048576}, true},
		{EntryRange{1048576, 2097152}, true},
		{EntryRange{0, 2097152}, false},     // two groups wide
		{EntryRange{100, 1048676}, false},   // unaligned start
		{EntryRange{1048576, 1048576}, false},
		{EntryRange{0, 0}, false},
	}

	for _, tt := range tests {
		err := tt.r.Validate()
		if tt.ok && err != nil {
			t.Errorf("Validate(%v) failed: %v", tt.r, err)
		}
		if !tt.ok && err == nil {
			t.Errorf("Validate(%v) should fail", tt.r)
		}
	}
}

func TestEntryRangeName(t *testing.T) {
	r := EntryRange{Start: 1048576, End: 2097152}
	if got := r.Name(); got != "L01-1048576-2097152" {
		t.Errorf("Name() = %q, want L01-1048576-2097152", got)
	}
}

func TestGroupMembers(t *testing.T) {
	r := EntryRange{Start: GroupEntries, End: 2 * GroupEntries}
	tiles := r.Group()

	if len(tiles) != 8208 {
		t.Fatalf("Group() returned %d tiles, want 8208", len(tiles))
	}

	var data, l0, l1 int
	seen := make(map[string]bool)
	for _, tile := range tiles {
		p := tile.Path()
		if seen[p] {
			t.Errorf("duplicate tile %q", p)
		}
		seen[p] = true

		switch {
		case tile.Kind == KindData:
			data++
			if tile.Index < 4096 || tile.Index >= 8192 {
				t.Errorf("data tile index %d out of range", tile.Index)
			}
		case tile.Level == 0:
			l0++
		case tile.Level == 1:
			l1++
			if tile.Index < 16 || tile.Index >= 32 {
				t.Errorf("level-1 tile index %d out of range", tile.Index)
			}
		default:
			t.Errorf("unexpected tile level %d", tile.Level)
		}
	}

	if data != 4096 || l0 != 4096 || l1 != 16 {
		t.Errorf("tile counts = %d data, %d level-0, %d level-1; want 4096/4096/16", data, l0, l1)
	}
}

func TestGroupPanicsOnInvalidRange(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("Group() on a misaligned range should panic")
		}
	}()
	EntryRange{Start: 100, End: 200}.Group()
}
