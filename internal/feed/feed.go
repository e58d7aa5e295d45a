// Package feed maintains the per-log list of published packages and renders
// the RSS and JSON feed documents.
package feed

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/feeds"

	"github.com/heliotorrent/heliotorrent/internal/state"
	"github.com/heliotorrent/heliotorrent/internal/torrent"
)

// State is the append-only, in-memory list of published packages for one
// log, ordered by range start. It is rebuilt from the artifact directory at
// startup; the directory is the source of truth, not this value.
type State struct {
	LogName     string
	LastUpdated time.Time
	Packages    []*torrent.Package
}

// Rehydrate rebuilds feed state by reading the existing artifacts in the
// log's torrent directory.
func Rehydrate(layout state.Layout) (*State, error) {
	s := &State{LogName: layout.LogName}

	entries, err := os.ReadDir(layout.TorrentsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("read %s: %w", layout.TorrentsDir(), err)
	}

	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if _, ok := state.ParseTorrentName(e.Name()); !ok {
			continue
		}
		pkg, err := torrent.ReadPackage(filepath.Join(layout.TorrentsDir(), e.Name()))
		if err != nil {
			return nil, fmt.Errorf("rehydrate %s: %w", e.Name(), err)
		}
		s.Packages = append(s.Packages, pkg)
	}

	sort.Slice(s.Packages, func(i, j int) bool {
		return s.Packages[i].Range.Start < s.Packages[j].Range.Start
	})
	return s, nil
}

// Append adds newly assembled packages, keeping ascending range order and
// dropping duplicates. It never removes or rewrites existing entries.
func (s *State) Append(pkgs ...*torrent.Package) {
	for _, pkg := range pkgs {
		dup := false
		for _, existing := range s.Packages {
			if existing.Range == pkg.Range {
				dup = true
				break
			}
		}
		if !dup {
			s.Packages = append(s.Packages, pkg)
		}
	}
	sort.Slice(s.Packages, func(i, j int) bool {
		return s.Packages[i].Range.Start < s.Packages[j].Range.Start
	})
}

// Publisher renders feed documents for one log.
type Publisher struct {
	Layout      state.Layout
	FeedURL     string // public URL of the RSS document
	Description string
}

// Publish re-renders both feed documents in full. Callers invoke it only
// when at least one new package was produced this cycle; a render failure
// does not unwind the packages that were already durably written.
func (p *Publisher) Publish(s *State) error {
	s.LastUpdated = time.Now().UTC()

	if err := p.writeRSS(s); err != nil {
		return fmt.Errorf("render rss: %w", err)
	}
	if err := p.writeJSON(s); err != nil {
		return fmt.Errorf("render json: %w", err)
	}
	return nil
}

// baseURL is the public directory the feed and artifacts are served from.
func (p *Publisher) baseURL() string {
	if i := strings.LastIndex(p.FeedURL, "/"); i > 0 {
		return p.FeedURL[:i]
	}
	return p.FeedURL
}

func (p *Publisher) torrentURL(pkg *torrent.Package) string {
	return p.baseURL() + "/" + pkg.Range.Name() + ".torrent"
}

func (p *Publisher) writeRSS(s *State) error {
	f := &feeds.Feed{
		Title:       s.LogName,
		Link:        &feeds.Link{Href: p.FeedURL},
		Description: p.Description,
		Created:     s.LastUpdated,
	}

	for _, pkg := range s.Packages {
		url := p.torrentURL(pkg)
		f.Items = append(f.Items, &feeds.Item{
			Title:   s.LogName + "-" + pkg.Range.Name(),
			Link:    &feeds.Link{Href: url},
			Created: pkg.CreatedAt,
			Enclosure: &feeds.Enclosure{
				Url:    url,
				Length: strconv.FormatInt(pkg.TorrentSize, 10),
				Type:   "application/x-bittorrent",
			},
		})
	}

	rss, err := f.ToRss()
	if err != nil {
		return err
	}
	return writeFileAtomic(p.Layout.FeedPath(), []byte(rss))
}

// manifest is the torrents.json document schema.
type manifest struct {
	LogName     string          `json:"log_name"`
	LastUpdated string          `json:"last_updated"`
	Torrents    []manifestEntry `json:"torrents"`
}

type manifestEntry struct {
	StartIndex    uint64 `json:"start_index"`
	EndIndex      uint64 `json:"end_index"`
	DataSizeBytes int64  `json:"data_size_bytes"`
	CreationTime  string `json:"creation_time"`
	TorrentURL    string `json:"torrent_url"`
}

func (p *Publisher) writeJSON(s *State) error {
	m := manifest{
		LogName:     s.LogName,
		LastUpdated: s.LastUpdated.Format(time.RFC3339),
		Torrents:    []manifestEntry{},
	}
	for _, pkg := range s.Packages {
		m.Torrents = append(m.Torrents, manifestEntry{
			StartIndex:    pkg.Range.Start,
			EndIndex:      pkg.Range.End,
			DataSizeBytes: pkg.DataSize,
			CreationTime:  pkg.CreatedAt.Format(time.RFC3339),
			TorrentURL:    p.torrentURL(pkg),
		})
	}

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(p.Layout.ManifestPath(), append(data, '\n'))
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", tmp, err)
	}
	return nil
}
