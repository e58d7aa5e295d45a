// Package planner decides which entry ranges are ready to be packaged.
package planner

import (
	"github.com/heliotorrent/heliotorrent/internal/tlog"
)

// Plan returns the aligned entry ranges that the upstream tree has fully
// committed and that are not yet packaged, in ascending order.
//
// A range is eligible only when its upper boundary is at or below the last
// full group boundary of the tree; the tail of the log that is still growing
// is never packaged speculatively. When entryLimit is nonzero, ranges ending
// beyond it are excluded as well.
func Plan(treeSize uint64, packaged map[tlog.EntryRange]bool, entryLimit uint64) []tlog.EntryRange {
	boundary := treeSize / tlog.GroupEntries * tlog.GroupEntries
	if entryLimit != 0 && entryLimit < boundary {
		boundary = entryLimit / tlog.GroupEntries * tlog.GroupEntries
	}

	var ranges []tlog.EntryRange
	for start := uint64(0); start+tlog.GroupEntries <= boundary; start += tlog.GroupEntries {
		r := tlog.EntryRange{Start: start, End: start + tlog.GroupEntries}
		if packaged[r] {
			continue
		}
		ranges = append(ranges, r)
	}
	return ranges
}
