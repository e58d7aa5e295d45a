// Package state owns the on-disk layout contract for one log and inspects it
// to determine which entry ranges are already fetched or packaged.
//
// The directory listing is the only source of truth: there is no separate
// index, so whatever the scan reports is by construction consistent with what
// survived a crash.
package state

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strconv"

	"github.com/heliotorrent/heliotorrent/internal/tlog"
)

// ReadmeName is the manifest file injected at the root of every package so
// clients can recover the log's canonical URL.
const ReadmeName = "README.md"

// Layout maps one log to its mirror and artifact directories.
type Layout struct {
	DataDir    string // root holding per-log tile mirrors
	TorrentDir string // root holding per-log artifacts and feeds
	LogName    string
}

// StorageDir is the root of the log's tile mirror. Tile paths below it mirror
// the upstream path scheme exactly; the seed server depends on that.
func (l Layout) StorageDir() string {
	return filepath.Join(l.DataDir, l.LogName)
}

// TilePath returns the absolute path of a mirrored tile.
func (l Layout) TilePath(t tlog.Tile) string {
	return filepath.Join(l.StorageDir(), filepath.FromSlash(t.Path()))
}

// ReadmePath returns the absolute path of the log's manifest file.
func (l Layout) ReadmePath() string {
	return filepath.Join(l.StorageDir(), ReadmeName)
}

// TorrentsDir is where artifacts and feed documents for the log live.
func (l Layout) TorrentsDir() string {
	return filepath.Join(l.TorrentDir, l.LogName)
}

// TorrentPath returns the artifact path for an entry range. The range is
// recoverable from the file name alone, which is what makes the packaged-set
// scan cheap.
func (l Layout) TorrentPath(r tlog.EntryRange) string {
	return filepath.Join(l.TorrentsDir(), r.Name()+".torrent")
}

// FeedPath returns the RSS document path.
func (l Layout) FeedPath() string {
	return filepath.Join(l.TorrentsDir(), "feed.xml")
}

// ManifestPath returns the JSON feed document path.
func (l Layout) ManifestPath() string {
	return filepath.Join(l.TorrentsDir(), "torrents.json")
}

// EnsureDirs creates the mirror and artifact directories.
func (l Layout) EnsureDirs() error {
	for _, dir := range []string{l.StorageDir(), l.TorrentsDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

// EnsureReadme writes the manifest file if absent. An existing manifest with
// different content is an error: the file is a member of every published
// torrent, so changing it would invalidate existing artifacts.
func (l Layout) EnsureReadme(logURL string) error {
	want := "LOG_URL: " + logURL + "\n"
	path := l.ReadmePath()

	existing, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		if err := os.WriteFile(path, []byte(want), 0o644); err != nil {
			return fmt.Errorf("write %s: %w", path, err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("read %s: %w", path, err)
	}
	if string(existing) != want {
		return fmt.Errorf("%s exists with different content; refusing to overwrite a file referenced by published torrents", path)
	}
	return nil
}

var torrentNameRe = regexp.MustCompile(`^L01-(\d+)-(\d+)\.torrent$`)

// Inspector scans the layout. It looks at file presence and size only, never
// file contents.
type Inspector struct {
	Layout Layout
}

// Packaged enumerates existing artifacts by file name and returns the entry
// ranges they cover. Files whose names do not encode a valid aligned range
// are ignored.
func (in Inspector) Packaged() (map[tlog.EntryRange]bool, error) {
	entries, err := os.ReadDir(in.Layout.TorrentsDir())
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return map[tlog.EntryRange]bool{}, nil
		}
		return nil, fmt.Errorf("read %s: %w", in.Layout.TorrentsDir(), err)
	}

	packaged := make(map[tlog.EntryRange]bool)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		r, ok := ParseTorrentName(e.Name())
		if !ok {
			continue
		}
		packaged[r] = true
	}
	return packaged, nil
}

// ParseTorrentName recovers the entry range encoded in an artifact file name.
func ParseTorrentName(name string) (tlog.EntryRange, bool) {
	m := torrentNameRe.FindStringSubmatch(name)
	if m == nil {
		return tlog.EntryRange{}, false
	}
	start, err1 := strconv.ParseUint(m[1], 10, 64)
	end, err2 := strconv.ParseUint(m[2], 10, 64)
	if err1 != nil || err2 != nil {
		return tlog.EntryRange{}, false
	}
	r := tlog.EntryRange{Start: start, End: end}
	if r.Validate() != nil {
		return tlog.EntryRange{}, false
	}
	return r, true
}

// MissingTiles returns the group members of r that are not present locally
// with a plausible size. Interrupted downloads live under temporary names and
// are therefore invisible here.
func (in Inspector) MissingTiles(r tlog.EntryRange) ([]tlog.Tile, error) {
	var missing []tlog.Tile
	for _, t := range r.Group() {
		info, err := os.Stat(in.Layout.TilePath(t))
		switch {
		case errors.Is(err, fs.ErrNotExist):
			missing = append(missing, t)
			continue
		case err != nil:
			return nil, fmt.Errorf("stat tile %s: %w", t.Path(), err)
		}
		if !tileSizeOK(t, info.Size()) {
			missing = append(missing, t)
		}
	}
	return missing, nil
}

// Fetched reports whether every group member of r is present.
func (in Inspector) Fetched(r tlog.EntryRange) (bool, error) {
	missing, err := in.MissingTiles(r)
	if err != nil {
		return false, err
	}
	return len(missing) == 0, nil
}

// tileSizeOK checks a tile file's size against its expected width. Hash tiles
// in a packaged group are always full; data tile entries are variable-size,
// so only emptiness can be ruled out.
func tileSizeOK(t tlog.Tile, size int64) bool {
	if t.Kind == tlog.KindHash {
		return size == tlog.HashTileBytes
	}
	return size > 0
}

// RemoveTiles deletes the mirrored tile files of a packaged range. Callers
// must only invoke this after the range's artifact is durably on disk.
// Returns the number of files removed; absent files are not an error.
func RemoveTiles(l Layout, r tlog.EntryRange) (int, error) {
	removed := 0
	for _, t := range r.Group() {
		err := os.Remove(l.TilePath(t))
		switch {
		case err == nil:
			removed++
		case errors.Is(err, fs.ErrNotExist):
		default:
			return removed, fmt.Errorf("remove tile %s: %w", t.Path(), err)
		}
	}
	return removed, nil
}
