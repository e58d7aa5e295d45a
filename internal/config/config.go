// Package config loads the YAML configuration file and turns it into
// validated per-log targets.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/heliotorrent/heliotorrent/internal/logging"
	"github.com/heliotorrent/heliotorrent/internal/metrics"
	"github.com/heliotorrent/heliotorrent/internal/mirror"
)

// Config is the process-wide configuration. Global keys are defaults that
// individual log entries may override.
type Config struct {
	DataDir      string `yaml:"data_dir"`
	TorrentDir   string `yaml:"torrent_dir"`
	FeedURLBase  string `yaml:"feed_url_base"`
	ContactEmail string `yaml:"contact_email"`

	Frequency   int      `yaml:"frequency"` // seconds between cycles; 0 = single batch run
	EntryLimit  uint64   `yaml:"entry_limit"`
	DeleteTiles bool     `yaml:"delete_tiles"`
	Webseeds    []string `yaml:"webseeds"`

	Trackers       []string `yaml:"trackers"`
	TrackerListURL string   `yaml:"tracker_list_url"`
	FetchParallel  int      `yaml:"fetch_parallel"`

	Logging logging.Config `yaml:"logging"`
	Metrics metrics.Config `yaml:"metrics"`
	Mirror  mirror.Config  `yaml:"mirror"`

	Logs []LogConfig `yaml:"logs"`
}

// LogConfig is one entry under "logs". Optional keys fall back to the global
// defaults.
type LogConfig struct {
	Name        string   `yaml:"name"`
	LogURL      string   `yaml:"log_url"`
	FeedURL     string   `yaml:"feed_url"`
	Frequency   *int     `yaml:"frequency"`
	EntryLimit  *uint64  `yaml:"entry_limit"`
	DeleteTiles *bool    `yaml:"delete_tiles"`
	Webseeds    []string `yaml:"webseeds"`
}

// LogTarget is the validated, immutable per-log configuration handed to a
// worker.
type LogTarget struct {
	Name        string
	LogURL      string
	FeedURL     string
	Interval    time.Duration
	EntryLimit  uint64
	DeleteTiles bool
	Webseeds    []string
}

// Load reads and validates a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := &Config{
		DataDir:     "data",
		TorrentDir:  "torrents",
		FeedURLBase: "http://127.0.0.1:8080/torrents",
		Frequency:   300,
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if strings.TrimSpace(c.ContactEmail) == "" {
		return fmt.Errorf("contact_email must be set; every upstream request carries it in the User-Agent")
	}
	if len(c.Logs) == 0 {
		return fmt.Errorf("no logs configured")
	}
	seen := make(map[string]bool)
	for i, lc := range c.Logs {
		if lc.LogURL == "" {
			return fmt.Errorf("logs[%d]: log_url must be set", i)
		}
		name := SanitizeName(lc.Name, lc.LogURL)
		if seen[name] {
			return fmt.Errorf("logs[%d]: duplicate log name %q", i, name)
		}
		seen[name] = true
	}
	return nil
}

// UserAgent builds the contactable identifier sent on every upstream
// request.
func (c *Config) UserAgent(version string) string {
	return fmt.Sprintf("Heliotorrent %s Contact: %s", version, strings.TrimSpace(c.ContactEmail))
}

// Targets resolves the configured logs against the global defaults.
func (c *Config) Targets() []LogTarget {
	targets := make([]LogTarget, 0, len(c.Logs))
	for _, lc := range c.Logs {
		name := SanitizeName(lc.Name, lc.LogURL)

		t := LogTarget{
			Name:        name,
			LogURL:      strings.TrimSuffix(lc.LogURL, "/"),
			FeedURL:     lc.FeedURL,
			Interval:    time.Duration(c.Frequency) * time.Second,
			EntryLimit:  c.EntryLimit,
			DeleteTiles: c.DeleteTiles,
			Webseeds:    c.Webseeds,
		}
		if lc.Frequency != nil {
			t.Interval = time.Duration(*lc.Frequency) * time.Second
		}
		if lc.EntryLimit != nil {
			t.EntryLimit = *lc.EntryLimit
		}
		if lc.DeleteTiles != nil {
			t.DeleteTiles = *lc.DeleteTiles
		}
		if len(lc.Webseeds) > 0 {
			t.Webseeds = lc.Webseeds
		}
		if t.FeedURL == "" {
			t.FeedURL = strings.TrimSuffix(c.FeedURLBase, "/") + "/" + name + "/feed.xml"
		}
		targets = append(targets, t)
	}
	return targets
}

var invalidNameChars = regexp.MustCompile(`[\\/*?:"<>|]`)

// SanitizeName makes a configured log name safe to use as a directory name,
// deriving one from the log URL when no name was given.
func SanitizeName(name, logURL string) string {
	s := strings.TrimSpace(invalidNameChars.ReplaceAllString(name, "_"))
	if s != "" {
		return s
	}
	s = strings.TrimPrefix(logURL, "https://")
	s = strings.TrimPrefix(s, "http://")
	s = strings.TrimSuffix(s, "/")
	s = strings.ReplaceAll(s, ".", "_")
	return strings.ReplaceAll(s, "/", "_")
}
