package tlog

import "fmt"

// EntryRange is a half-open interval [Start, End) of log entry indices.
// Packaged ranges are always aligned on GroupEntries and exactly one group
// wide.
type EntryRange struct {
	Start uint64
	End   uint64
}

// Validate reports whether the range satisfies the packaging alignment
// invariant.
func (r EntryRange) Validate() error {
	if r.Start%GroupEntries != 0 {
		return fmt.Errorf("range start %d not aligned to %d", r.Start, GroupEntries)
	}
	if r.End != r.Start+GroupEntries {
		return fmt.Errorf("range [%d, %d) is not exactly one group wide", r.Start, r.End)
	}
	return nil
}

// Name returns the identifier used in torrent and artifact file names,
// e.g. "L01-0-1048576".
func (r EntryRange) Name() string {
	return fmt.Sprintf("L01-%d-%d", r.Start, r.End)
}

func (r EntryRange) String() string {
	return fmt.Sprintf("[%d, %d)", r.Start, r.End)
}

// Group returns every tile belonging to the range: 4096 data tiles, 4096
// level-0 hash tiles and 16 level-1 hash tiles, all full width. Partial tiles
// are never members; a tile belongs only when the range covers it entirely.
func (r EntryRange) Group() []Tile {
	if err := r.Validate(); err != nil {
		panic(err)
	}
	tiles := make([]Tile, 0, 2*TilesPerGroup+TilesPerGroup/TileWidth)

	firstTile := r.Start / TileWidth
	for i := uint64(0); i < TilesPerGroup; i++ {
		tiles = append(tiles, Tile{Kind: KindData, Index: firstTile + i})
	}
	for i := uint64(0); i < TilesPerGroup; i++ {
		tiles = append(tiles, Tile{Kind: KindHash, Level: 0, Index: firstTile + i})
	}

	firstL1 := firstTile / TileWidth
	for i := uint64(0); i < TilesPerGroup/TileWidth; i++ {
		tiles = append(tiles, Tile{Kind: KindHash, Level: 1, Index: firstL1 + i})
	}
	return tiles
}
