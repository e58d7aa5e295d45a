package worker

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/heliotorrent/heliotorrent/internal/checkpoint"
	"github.com/heliotorrent/heliotorrent/internal/config"
	"github.com/heliotorrent/heliotorrent/internal/fetcher"
	"github.com/heliotorrent/heliotorrent/internal/state"
	"github.com/heliotorrent/heliotorrent/internal/tlog"
	"github.com/heliotorrent/heliotorrent/internal/torrent"
)

// logServer emulates a static log with the given tree size: a checkpoint
// endpoint plus synthetic tile bodies.
func logServer(t *testing.T, treeSize uint64) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/checkpoint" {
			fmt.Fprintf(w, "example.com/testlog\n%d\nq0LkxPbzEvtWGRdOyTsulh6BWgBBbUKKrDzJ6JTJd2w=\n", treeSize)
			return
		}
		tile, err := tlog.ParsePath(strings.TrimPrefix(r.URL.Path, "/"))
		if err != nil {
			http.NotFound(w, r)
			return
		}
		if tile.Kind == tlog.KindHash {
			w.Write(bytes.Repeat([]byte{0x11}, tlog.HashTileBytes))
			return
		}
		w.Write([]byte("entry data"))
	}))
}

func newTestWorker(t *testing.T, srvURL string, target config.LogTarget) (*Worker, state.Layout) {
	t.Helper()
	target.LogURL = srvURL
	dataDir, torrentDir := t.TempDir(), t.TempDir()
	if target.Name == "" {
		target.Name = "testlog"
	}
	if target.FeedURL == "" {
		target.FeedURL = "https://feeds.example/testlog/feed.xml"
	}

	cp := &checkpoint.Client{HTTP: http.DefaultClient, UserAgent: "test-agent"}
	f := &fetcher.Fetcher{HTTP: http.DefaultClient, UserAgent: "test-agent", Parallel: 16}
	b := &torrent.Builder{CreatedBy: "test"}

	w := New(target, dataDir, torrentDir, cp, f, b, nil)
	return w, state.Layout{DataDir: dataDir, TorrentDir: torrentDir, LogName: target.Name}
}

func TestRunOneShot(t *testing.T) {
	srv := logServer(t, tlog.GroupEntries+500)
	defer srv.Close()

	w, layout := newTestWorker(t, srv.URL, config.LogTarget{})
	if err := w.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	r := tlog.EntryRange{Start: 0, End: tlog.GroupEntries}
	if _, err := os.Stat(layout.TorrentPath(r)); err != nil {
		t.Fatalf("artifact missing: %v", err)
	}
	if _, err := os.Stat(layout.FeedPath()); err != nil {
		t.Errorf("feed.xml missing: %v", err)
	}
	if _, err := os.Stat(layout.ManifestPath()); err != nil {
		t.Errorf("torrents.json missing: %v", err)
	}

	data, err := os.ReadFile(layout.ReadmePath())
	if err != nil {
		t.Fatalf("README missing: %v", err)
	}
	if string(data) != "LOG_URL: "+srv.URL+"\n" {
		t.Errorf("README content = %q", data)
	}

	// Tiles stay on disk when retention is off.
	if _, err := os.Stat(layout.TilePath(tlog.Tile{Kind: tlog.KindData, Index: 0})); err != nil {
		t.Errorf("tile missing with retention off: %v", err)
	}

	manifest, err := os.ReadFile(layout.ManifestPath())
	if err != nil {
		t.Fatalf("read manifest: %v", err)
	}
	if !strings.Contains(string(manifest), `"start_index": 0`) {
		t.Errorf("manifest missing package entry:\n%s", manifest)
	}
}

func TestRunOneShotRetention(t *testing.T) {
	srv := logServer(t, tlog.GroupEntries)
	defer srv.Close()

	w, layout := newTestWorker(t, srv.URL, config.LogTarget{DeleteTiles: true})
	if err := w.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	r := tlog.EntryRange{Start: 0, End: tlog.GroupEntries}
	if _, err := os.Stat(layout.TorrentPath(r)); err != nil {
		t.Fatalf("artifact missing: %v", err)
	}
	for _, tile := range []tlog.Tile{
		{Kind: tlog.KindData, Index: 0},
		{Kind: tlog.KindHash, Level: 0, Index: 4095},
		{Kind: tlog.KindHash, Level: 1, Index: 15},
	} {
		if _, err := os.Stat(layout.TilePath(tile)); !os.IsNotExist(err) {
			t.Errorf("tile %s survived retention: %v", tile.Path(), err)
		}
	}
	if _, err := os.Stat(layout.ReadmePath()); err != nil {
		t.Errorf("README removed by retention: %v", err)
	}
}

func TestRunSecondPassIsNoop(t *testing.T) {
	srv := logServer(t, tlog.GroupEntries)
	defer srv.Close()

	w, layout := newTestWorker(t, srv.URL, config.LogTarget{})
	if err := w.Run(context.Background()); err != nil {
		t.Fatalf("first Run failed: %v", err)
	}

	r := tlog.EntryRange{Start: 0, End: tlog.GroupEntries}
	stat1, err := os.Stat(layout.TorrentPath(r))
	if err != nil {
		t.Fatalf("artifact missing: %v", err)
	}

	// A fresh worker over the same directories rediscovers the packaged set
	// from file names and rebuilds nothing.
	w2, _ := newTestWorker(t, srv.URL, config.LogTarget{})
	w2.layout = layout
	w2.inspector = state.Inspector{Layout: layout}
	w2.publisher.Layout = layout
	if err := w2.Run(context.Background()); err != nil {
		t.Fatalf("second Run failed: %v", err)
	}

	stat2, err := os.Stat(layout.TorrentPath(r))
	if err != nil {
		t.Fatalf("artifact missing after second run: %v", err)
	}
	if !stat2.ModTime().Equal(stat1.ModTime()) {
		t.Error("artifact rebuilt on second run")
	}
}

func TestRunSmallTreePackagesNothing(t *testing.T) {
	srv := logServer(t, tlog.GroupEntries-1)
	defer srv.Close()

	w, layout := newTestWorker(t, srv.URL, config.LogTarget{})
	if err := w.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	entries, err := os.ReadDir(layout.TorrentsDir())
	if err != nil {
		t.Fatalf("read torrents dir: %v", err)
	}
	for _, e := range entries {
		t.Errorf("unexpected artifact %s for an uncommitted group", e.Name())
	}
}

func TestRunEntryLimit(t *testing.T) {
	srv := logServer(t, 3*tlog.GroupEntries)
	defer srv.Close()

	w, layout := newTestWorker(t, srv.URL, config.LogTarget{EntryLimit: tlog.GroupEntries})
	if err := w.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if _, err := os.Stat(layout.TorrentPath(tlog.EntryRange{Start: 0, End: tlog.GroupEntries})); err != nil {
		t.Errorf("first group not packaged: %v", err)
	}
	second := tlog.EntryRange{Start: tlog.GroupEntries, End: 2 * tlog.GroupEntries}
	if _, err := os.Stat(layout.TorrentPath(second)); !os.IsNotExist(err) {
		t.Errorf("second group packaged past the entry limit: %v", err)
	}
}

func TestRunCheckpointFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	w, layout := newTestWorker(t, srv.URL, config.LogTarget{})
	if err := w.Run(context.Background()); err == nil {
		t.Fatal("one-shot Run with unreachable checkpoint should fail")
	}

	entries, err := os.ReadDir(layout.TorrentsDir())
	if err != nil {
		t.Fatalf("read torrents dir: %v", err)
	}
	for _, e := range entries {
		t.Errorf("unexpected artifact %s after failed cycle", e.Name())
	}
}

func TestRunReadmeConflict(t *testing.T) {
	srv := logServer(t, tlog.GroupEntries)
	defer srv.Close()

	w, layout := newTestWorker(t, srv.URL, config.LogTarget{})
	if err := layout.EnsureDirs(); err != nil {
		t.Fatalf("EnsureDirs failed: %v", err)
	}
	if err := layout.EnsureReadme("https://someone.else/log"); err != nil {
		t.Fatalf("seed README: %v", err)
	}

	if err := w.Run(context.Background()); err == nil {
		t.Fatal("Run should refuse to reuse a mirror bound to a different log URL")
	}
}
