// Package fetcher downloads tile files from the upstream log with atomic,
// resumable writes.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"golang.org/x/sync/errgroup"

	"github.com/heliotorrent/heliotorrent/internal/state"
	"github.com/heliotorrent/heliotorrent/internal/tlog"
)

// ErrMalformedTile indicates a response body that cannot be a full tile.
var ErrMalformedTile = errors.New("malformed tile")

// PartialError reports a group fetch that obtained some but not all tiles.
// The tiles already finalized on disk stay there and are not re-downloaded on
// the next attempt.
type PartialError struct {
	Missing []tlog.Tile
}

func (e *PartialError) Error() string {
	return fmt.Sprintf("fetch incomplete: %d tiles missing", len(e.Missing))
}

// DefaultParallel bounds concurrent downloads per group so a single worker
// does not overwhelm the upstream log.
const DefaultParallel = 5

// Fetcher downloads tiles for one log.
type Fetcher struct {
	HTTP      *http.Client
	UserAgent string
	Parallel  int
	Log       *slog.Logger
}

// FetchGroup downloads every listed tile into the layout's mirror. Tiles are
// fetched in parallel up to the configured fan-out; individual failures are
// collected rather than aborting the group, and a PartialError is returned
// when any tile is still missing afterwards.
func (f *Fetcher) FetchGroup(ctx context.Context, baseURL string, layout state.Layout, tiles []tlog.Tile) error {
	parallel := f.Parallel
	if parallel < 1 {
		parallel = DefaultParallel
	}
	log := f.Log
	if log == nil {
		log = slog.Default()
	}

	var (
		mu      sync.Mutex
		missing []tlog.Tile
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallel)
	for _, t := range tiles {
		t := t
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			if err := f.fetchTile(gctx, baseURL, layout, t); err != nil {
				log.Debug("tile fetch failed", "tile", t.Path(), "error", err)
				mu.Lock()
				missing = append(missing, t)
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if len(missing) > 0 {
		return &PartialError{Missing: missing}
	}
	return nil
}

// fetchTile downloads one tile to a temporary file in the target directory
// and renames it into place only after the full body arrived and its size
// passed the width check. A crash mid-download leaves nothing visible at the
// canonical path.
func (f *Fetcher) fetchTile(ctx context.Context, baseURL string, layout state.Layout, t tlog.Tile) error {
	url := baseURL + "/" + t.Path()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", f.UserAgent)
	req.Header.Set("Accept-Encoding", "zstd, gzip, identity")

	resp, err := f.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("get %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("get %s: status %d", url, resp.StatusCode)
	}

	body, err := decodeBody(resp)
	if err != nil {
		return err
	}

	final := layout.TilePath(t)
	if err := os.MkdirAll(filepath.Dir(final), 0o755); err != nil {
		return fmt.Errorf("create tile directory: %w", err)
	}

	tmp := final + ".tmp-" + uuid.New().String()
	w, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}

	n, err := io.Copy(w, body)
	if cerr := w.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return fmt.Errorf("write %s: %w", tmp, err)
	}

	if err := checkTileSize(t, n); err != nil {
		os.Remove(tmp)
		return err
	}

	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", tmp, err)
	}
	return nil
}

// decodeBody unwraps the negotiated content encoding.
func decodeBody(resp *http.Response) (io.Reader, error) {
	switch resp.Header.Get("Content-Encoding") {
	case "", "identity":
		return resp.Body, nil
	case "zstd":
		zr, err := zstd.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("zstd reader: %w", err)
		}
		return zr.IOReadCloser(), nil
	case "gzip":
		gr, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("gzip reader: %w", err)
		}
		return gr, nil
	default:
		return nil, fmt.Errorf("%w: unsupported content encoding %q", ErrMalformedTile, resp.Header.Get("Content-Encoding"))
	}
}

// checkTileSize validates a downloaded body against the tile's expected
// width: hash tiles in a committed group are exactly full, data tiles carry
// variable-size entries but are never empty.
func checkTileSize(t tlog.Tile, size int64) error {
	if t.Kind == tlog.KindHash && size != tlog.HashTileBytes {
		return fmt.Errorf("%w: hash tile %s has %d bytes, want %d", ErrMalformedTile, t.Path(), size, tlog.HashTileBytes)
	}
	if t.Kind == tlog.KindData && size == 0 {
		return fmt.Errorf("%w: data tile %s is empty", ErrMalformedTile, t.Path())
	}
	return nil
}
