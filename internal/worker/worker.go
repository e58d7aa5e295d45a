// Package worker runs one independent control loop per configured log:
// checkpoint, plan, fetch, assemble, publish, optional cleanup, sleep.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/heliotorrent/heliotorrent/internal/checkpoint"
	"github.com/heliotorrent/heliotorrent/internal/config"
	"github.com/heliotorrent/heliotorrent/internal/feed"
	"github.com/heliotorrent/heliotorrent/internal/fetcher"
	"github.com/heliotorrent/heliotorrent/internal/logging"
	"github.com/heliotorrent/heliotorrent/internal/metrics"
	"github.com/heliotorrent/heliotorrent/internal/mirror"
	"github.com/heliotorrent/heliotorrent/internal/planner"
	"github.com/heliotorrent/heliotorrent/internal/state"
	"github.com/heliotorrent/heliotorrent/internal/tlog"
	"github.com/heliotorrent/heliotorrent/internal/torrent"
)

// Version information (set via ldflags)
var (
	Version = "v0.1.0"
	GitSHA  = "unknown"
)

// maxStartupJitter caps the randomized delay before a worker's first cycle.
// The jitter keeps many workers from hitting their upstreams in lockstep.
const maxStartupJitter = time.Minute

// Worker drives the pipeline for exactly one log. Workers share no mutable
// state: each owns its target's directories outright.
type Worker struct {
	target      config.LogTarget
	layout      state.Layout
	inspector   state.Inspector
	checkpoints *checkpoint.Client
	fetcher     *fetcher.Fetcher
	builder     *torrent.Builder
	publisher   *feed.Publisher
	mirror      *mirror.Mirror // nil when mirroring is disabled
	feedState   *feed.State
	log         *slog.Logger
}

// New creates a worker for one log target.
func New(target config.LogTarget, dataDir, torrentDir string, cp *checkpoint.Client, f *fetcher.Fetcher, b *torrent.Builder, m *mirror.Mirror) *Worker {
	layout := state.Layout{DataDir: dataDir, TorrentDir: torrentDir, LogName: target.Name}
	log := logging.WorkerLogger(target.Name)

	tileFetcher := *f
	tileFetcher.Log = log

	return &Worker{
		target:      target,
		layout:      layout,
		inspector:   state.Inspector{Layout: layout},
		checkpoints: cp,
		fetcher:     &tileFetcher,
		builder:     b,
		publisher: &feed.Publisher{
			Layout:      layout,
			FeedURL:     target.FeedURL,
			Description: fmt.Sprintf("Heliotorrent %s - Feed for %s", Version, target.Name),
		},
		mirror: m,
		log:    log,
	}
}

// Run executes cycles until the context is cancelled, or exactly once when
// the target's interval is zero. Cycle errors are logged and absorbed; a
// persistently failing upstream degrades only this log's freshness.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.layout.EnsureDirs(); err != nil {
		return err
	}
	if err := w.layout.EnsureReadme(w.target.LogURL); err != nil {
		return err
	}

	fs, err := feed.Rehydrate(w.layout)
	if err != nil {
		return fmt.Errorf("rehydrate feed state: %w", err)
	}
	w.feedState = fs
	w.log.Info("worker starting", "packages", len(fs.Packages), "interval", w.target.Interval)

	if w.target.EntryLimit > 0 {
		w.log.Warn("running with maximum entry limit", "entry_limit", w.target.EntryLimit)
	}

	if w.target.Interval > 0 {
		jitter := time.Duration(rand.Int63n(int64(min(w.target.Interval, maxStartupJitter))))
		select {
		case <-time.After(jitter):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	for {
		err := w.cycle(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.log.Error("cycle failed", "error", err)
		}
		if w.target.Interval == 0 {
			return err
		}
		select {
		case <-time.After(w.target.Interval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// cycle runs one pass of the pipeline. Any stage error abandons the cycle;
// nothing is retried until the next interval.
func (w *Worker) cycle(ctx context.Context) error {
	if m := metrics.Get(); m != nil {
		m.IncCycles(w.target.Name)
	}

	cp, err := w.checkpoints.Fetch(ctx, w.target.LogURL)
	if err != nil {
		return w.stageErr("checkpoint", err)
	}
	w.log.Debug("fetched checkpoint", "tree_size", cp.TreeSize)
	if m := metrics.Get(); m != nil {
		m.SetTreeSize(w.target.Name, float64(cp.TreeSize))
	}

	packaged, err := w.inspector.Packaged()
	if err != nil {
		return w.stageErr("scan", err)
	}

	ranges := planner.Plan(cp.TreeSize, packaged, w.target.EntryLimit)
	if len(ranges) == 0 {
		w.log.Debug("nothing to package", "tree_size", cp.TreeSize, "packaged", len(packaged))
		return nil
	}
	w.log.Info("planned ranges", "count", len(ranges))

	// Ranges are processed oldest first so the feed grows monotonically and
	// a crash mid-batch leaves only a prefix packaged. Shutdown is honored
	// between ranges, never in the middle of building an artifact.
	var built []*torrent.Package
	for _, r := range ranges {
		if ctx.Err() != nil {
			break
		}
		pkg, err := w.packageRange(ctx, r)
		if err != nil {
			if pubErr := w.publish(built); pubErr != nil {
				w.log.Error("publish failed", "error", pubErr)
			}
			return err
		}
		built = append(built, pkg)
	}

	if err := w.publish(built); err != nil {
		return w.stageErr("publish", err)
	}
	return ctx.Err()
}

// packageRange fetches the missing tiles of one range, assembles its
// artifact, and applies retention.
func (w *Worker) packageRange(ctx context.Context, r tlog.EntryRange) (*torrent.Package, error) {
	log := logging.RangeLogger(w.log, r)

	missing, err := w.inspector.MissingTiles(r)
	if err != nil {
		return nil, w.stageErr("scan", err)
	}

	if len(missing) > 0 {
		log.Info("fetching tiles", "missing", len(missing))
		start := time.Now()
		err := w.fetcher.FetchGroup(ctx, w.target.LogURL, w.layout, missing)
		if m := metrics.Get(); m != nil {
			m.ObserveFetchDuration(w.target.Name, time.Since(start).Seconds())
		}
		if err != nil {
			var partial *fetcher.PartialError
			if errors.As(err, &partial) {
				if m := metrics.Get(); m != nil {
					m.AddTilesFetched(w.target.Name, float64(len(missing)-len(partial.Missing)))
					m.AddTileFetchErrors(w.target.Name, float64(len(partial.Missing)))
				}
			}
			return nil, w.stageErr("fetch", err)
		}
		if m := metrics.Get(); m != nil {
			m.AddTilesFetched(w.target.Name, float64(len(missing)))
		}
	}

	reused := fileExists(w.layout.TorrentPath(r))
	start := time.Now()
	pkg, err := w.builder.Assemble(w.layout, r, w.target.Webseeds)
	if err != nil {
		return nil, w.stageErr("assemble", err)
	}
	if m := metrics.Get(); m != nil {
		m.ObserveAssembleDuration(w.target.Name, time.Since(start).Seconds())
		if reused {
			m.IncPackagesSkipped(w.target.Name)
		} else {
			m.IncPackagesBuilt(w.target.Name)
		}
	}
	log.Info("assembled package", "infohash", pkg.InfoHash, "data_bytes", pkg.DataSize)

	// Retention runs only once the artifact is durably on disk; tiles are
	// never deleted ahead of the package that references them.
	if w.target.DeleteTiles {
		removed, err := state.RemoveTiles(w.layout, r)
		if m := metrics.Get(); m != nil {
			m.AddTilesDeleted(w.target.Name, float64(removed))
		}
		if err != nil {
			log.Warn("tile cleanup incomplete", "removed", removed, "error", err)
		} else {
			log.Debug("deleted mirrored tiles", "removed", removed)
		}
	}

	return pkg, nil
}

// publish appends the cycle's new packages to the feed state and re-renders
// both feed documents. A render failure never unwinds artifacts that are
// already durable.
func (w *Worker) publish(built []*torrent.Package) error {
	if len(built) == 0 {
		return nil
	}
	w.feedState.Append(built...)
	if err := w.publisher.Publish(w.feedState); err != nil {
		return err
	}
	w.log.Info("published feeds", "new_packages", len(built), "total_packages", len(w.feedState.Packages))

	if w.mirror != nil {
		w.uploadToMirror(built)
	}
	return nil
}

// uploadToMirror pushes the new artifacts and the regenerated feed documents
// to the configured bucket. Best-effort: mirror failures never fail a cycle.
func (w *Worker) uploadToMirror(built []*torrent.Package) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	paths := make([]string, 0, len(built)+2)
	for _, pkg := range built {
		paths = append(paths, pkg.Path)
	}
	paths = append(paths, w.layout.FeedPath(), w.layout.ManifestPath())

	for _, p := range paths {
		key := w.target.Name + "/" + filepath.Base(p)
		if err := w.mirror.Upload(ctx, p, key); err != nil {
			w.log.Warn("mirror upload failed", "key", key, "error", err)
		}
	}
}

func (w *Worker) stageErr(stage string, err error) error {
	if m := metrics.Get(); m != nil {
		m.IncCycleFailed(w.target.Name, stage)
	}
	return fmt.Errorf("%s: %w", stage, err)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
