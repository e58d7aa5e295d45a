package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/heliotorrent/heliotorrent/internal/checkpoint"
	"github.com/heliotorrent/heliotorrent/internal/config"
	"github.com/heliotorrent/heliotorrent/internal/fetcher"
	"github.com/heliotorrent/heliotorrent/internal/logging"
	"github.com/heliotorrent/heliotorrent/internal/metrics"
	"github.com/heliotorrent/heliotorrent/internal/mirror"
	"github.com/heliotorrent/heliotorrent/internal/torrent"
	"github.com/heliotorrent/heliotorrent/internal/worker"
)

func main() {
	var configPath string

	root := &cobra.Command{
		Use:     "heliotorrent",
		Short:   "Package transparency log tiles into torrents and publish feeds",
		Version: fmt.Sprintf("%s (%s)", worker.Version, worker.GitSHA),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath)
		},
		SilenceUsage: true,
	}
	root.Flags().StringVarP(&configPath, "config", "c", "heliotorrent.yaml", "path to configuration file")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logging.Setup(cfg.Logging)
	log := logging.Component("main")
	log.Info("starting heliotorrent", "version", worker.Version, "git_sha", worker.GitSHA, "logs", len(cfg.Logs))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		sig := <-ch
		log.Info("received signal, shutting down", "signal", sig.String())
		cancel()
	}()

	if cfg.Metrics.Enabled {
		metrics.Init("heliotorrent")
		go func() {
			if err := metrics.StartServer(cfg.Metrics.Address); err != nil {
				log.Error("metrics server failed", "error", err)
			}
		}()
	}

	httpClient := &http.Client{Timeout: 5 * time.Minute}
	userAgent := cfg.UserAgent(worker.Version)

	trackers := cfg.Trackers
	if len(trackers) == 0 {
		listURL := cfg.TrackerListURL
		if listURL == "" {
			listURL = torrent.DefaultTrackerListURL
		}
		fetched, err := torrent.FetchTrackers(ctx, httpClient, listURL, userAgent)
		if err != nil {
			log.Warn("tracker list unavailable, torrents will be tracker-less", "url", listURL, "error", err)
		} else {
			trackers = fetched
			log.Info("fetched tracker list", "count", len(trackers))
		}
	}

	m, err := mirror.Open(ctx, cfg.Mirror)
	if err != nil {
		return fmt.Errorf("open mirror bucket: %w", err)
	}
	if m != nil {
		defer m.Close()
	}

	checkpoints := &checkpoint.Client{HTTP: httpClient, UserAgent: userAgent}
	tiles := &fetcher.Fetcher{
		HTTP:      httpClient,
		UserAgent: userAgent,
		Parallel:  cfg.FetchParallel,
	}
	builder := &torrent.Builder{
		CreatedBy: "Heliotorrent " + worker.Version,
		Trackers:  trackers,
	}

	var wg sync.WaitGroup
	for _, target := range cfg.Targets() {
		target := target
		w := worker.New(target, cfg.DataDir, cfg.TorrentDir, checkpoints, tiles, builder, m)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := w.Run(ctx); err != nil && ctx.Err() == nil {
				log.Error("worker exited", "log", target.Name, "error", err)
			}
		}()
	}
	wg.Wait()

	log.Info("all workers stopped")
	return nil
}
