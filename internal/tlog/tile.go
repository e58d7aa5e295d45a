// Package tlog models the tile tree of a static CT log: tile coordinates,
// their canonical paths, and the fixed tile set belonging to an entry range.
package tlog

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	// TileWidth is the number of entries in a data tile and the number of
	// hashes in a hash tile.
	TileWidth = 256

	// HashTileBytes is the size of a full hash tile (256 SHA-256 hashes).
	HashTileBytes = TileWidth * 32

	// TilesPerGroup is the number of data tiles packaged together.
	TilesPerGroup = 4096

	// GroupEntries is the number of log entries covered by one package.
	GroupEntries uint64 = TilesPerGroup * TileWidth
)

// Kind distinguishes data tiles from Merkle hash tiles.
type Kind int

const (
	KindData Kind = iota
	KindHash
)

func (k Kind) String() string {
	if k == KindData {
		return "data"
	}
	return "hash"
}

// Tile identifies a single tile in the tree. Data tiles always have level 0.
type Tile struct {
	Kind  Kind
	Level int
	Index uint64
}

// Path returns the canonical relative path for the tile, as used by the
// upstream log and by the local mirror.
func (t Tile) Path() string {
	parts := indexParts(t.Index)
	if t.Kind == KindData {
		return "tile/data/" + strings.Join(parts, "/")
	}
	return fmt.Sprintf("tile/%d/%s", t.Level, strings.Join(parts, "/"))
}

// indexParts encodes a tile index as zero-padded decimal split into groups of
// three digits. Every group but the last is prefixed with "x" and becomes a
// directory segment; the last group is the filename.
func indexParts(n uint64) []string {
	s := strconv.FormatUint(n, 10)
	if pad := (3 - len(s)%3) % 3; pad > 0 {
		s = strings.Repeat("0", pad) + s
	}
	parts := make([]string, 0, len(s)/3)
	for i := 0; i < len(s); i += 3 {
		group := s[i : i+3]
		if i+3 < len(s) {
			group = "x" + group
		}
		parts = append(parts, group)
	}
	return parts
}

// ParsePath is the inverse of Tile.Path. It rejects anything that is not the
// canonical encoding of a valid tile coordinate, including partial-tile paths.
func ParsePath(p string) (Tile, error) {
	segs := strings.Split(p, "/")
	if len(segs) < 3 || segs[0] != "tile" {
		return Tile{}, fmt.Errorf("not a tile path: %q", p)
	}

	t := Tile{}
	switch segs[1] {
	case "data":
		t.Kind = KindData
	default:
		level, err := strconv.Atoi(segs[1])
		if err != nil || level < 0 {
			return Tile{}, fmt.Errorf("bad tile level %q in %q", segs[1], p)
		}
		t.Kind = KindHash
		t.Level = level
	}

	var digits strings.Builder
	for i, seg := range segs[2:] {
		last := i == len(segs)-3
		if !last {
			if len(seg) != 4 || seg[0] != 'x' {
				return Tile{}, fmt.Errorf("bad path segment %q in %q", seg, p)
			}
			seg = seg[1:]
		}
		if len(seg) != 3 {
			return Tile{}, fmt.Errorf("bad path segment %q in %q", seg, p)
		}
		digits.WriteString(seg)
	}

	n, err := strconv.ParseUint(digits.String(), 10, 64)
	if err != nil {
		return Tile{}, fmt.Errorf("bad tile index in %q: %w", p, err)
	}
	t.Index = n

	// Reject non-canonical encodings such as excess zero-padding.
	if t.Path() != p {
		return Tile{}, fmt.Errorf("non-canonical tile path %q", p)
	}
	return t, nil
}
