package torrent

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// DefaultTrackerListURL serves a community-maintained plain-text list of
// healthy public trackers, one URL per line.
const DefaultTrackerListURL = "https://raw.githubusercontent.com/ngosang/trackerslist/master/trackers_best.txt"

// FetchTrackers retrieves a tracker list. Failure is expected to be treated
// as non-fatal by the caller: artifacts built without trackers still work
// through their webseeds.
func FetchTrackers(ctx context.Context, client *http.Client, url, userAgent string) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build tracker list request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch tracker list: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch tracker list: status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read tracker list: %w", err)
	}

	var trackers []string
	for _, line := range strings.Split(string(body), "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			trackers = append(trackers, line)
		}
	}
	return trackers, nil
}
