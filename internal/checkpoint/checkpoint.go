// Package checkpoint fetches a log's signed tree head and extracts its size.
//
// No signature or consistency verification happens here; the packager only
// needs the committed tree size, and proof checking belongs to monitoring
// tooling outside this process.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrUnavailable indicates a network or HTTP failure talking to the log.
	ErrUnavailable = errors.New("checkpoint endpoint unavailable")

	// ErrMalformed indicates a response that fails structural validation.
	ErrMalformed = errors.New("malformed checkpoint")
)

// Checkpoint is the upstream tree size observed at a point in time. It is
// fetched fresh each cycle and never persisted.
type Checkpoint struct {
	Origin    string
	TreeSize  uint64
	FetchedAt time.Time
}

// Client fetches checkpoints from a log's public endpoint.
type Client struct {
	HTTP      *http.Client
	UserAgent string
}

// maxBody bounds the checkpoint response; real checkpoints are a few hundred
// bytes.
const maxBody = 1 << 16

// Fetch issues one request to <baseURL>/checkpoint and parses the tree size.
// There is no retry here; retry policy belongs to the caller's cycle loop.
func (c *Client) Fetch(ctx context.Context, baseURL string) (*Checkpoint, error) {
	url := strings.TrimSuffix(baseURL, "/") + "/checkpoint"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build checkpoint request: %w", err)
	}
	req.Header.Set("User-Agent", c.UserAgent)
	req.Header.Set("Accept", "text/plain")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d from %s", ErrUnavailable, resp.StatusCode, url)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrUnavailable, err)
	}

	cp, err := parse(body)
	if err != nil {
		return nil, err
	}
	cp.FetchedAt = time.Now().UTC()
	return cp, nil
}

// parse extracts origin and tree size from a checkpoint note body. The note
// format is: origin line, decimal tree size, root hash, then signatures.
func parse(body []byte) (*Checkpoint, error) {
	lines := strings.Split(string(body), "\n")
	if len(lines) < 3 {
		return nil, fmt.Errorf("%w: %d lines", ErrMalformed, len(lines))
	}
	origin := strings.TrimSpace(lines[0])
	if origin == "" {
		return nil, fmt.Errorf("%w: empty origin line", ErrMalformed)
	}
	size, err := strconv.ParseUint(strings.TrimSpace(lines[1]), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: tree size %q", ErrMalformed, lines[1])
	}
	return &Checkpoint{Origin: origin, TreeSize: size}, nil
}
