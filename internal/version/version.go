// Package version detects that the running client is stale.
//
// A small descriptor is fetched on an interval, on visibility/focus and once
// shortly after start. The first descriptor ever seen is stored silently;
// later ones are compared field by field against the stored record and a
// change is surfaced on the bus as APP_UPDATE_AVAILABLE. Every failure in
// here is swallowed: version checks never block or alarm the user.
package version

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// Descriptor is produced by the build and served as version.json.
type Descriptor struct {
	Version   string `json:"version"`
	BuildTime int64  `json:"buildTime"`
	BuildHash string `json:"buildHash"`
}

func (d Descriptor) IsZero() bool {
	return d.Version == "" && d.BuildTime == 0 && d.BuildHash == ""
}

// Changed reports whether current differs from stored: a different version
// string, a newer build time, or two non-empty hashes that disagree.
func Changed(stored, current Descriptor) bool {
	if current.Version != stored.Version {
		return true
	}
	if current.BuildTime > stored.BuildTime {
		return true
	}
	if stored.BuildHash != "" && current.BuildHash != "" && stored.BuildHash != current.BuildHash {
		return true
	}
	return false
}

// Source fetches the descriptor of the currently deployed build.
type Source interface {
	Fetch(ctx context.Context) (Descriptor, error)
}

var ErrBadStatus = errors.New("version: unexpected status")

// HTTPSource fetches <base>/version.json with cache busting.
type HTTPSource struct {
	endpoint string
	client   *http.Client
	now      func() time.Time
}

// NewHTTPSource builds a source for endpoint (full URL of version.json).
func NewHTTPSource(endpoint string, client *http.Client) *HTTPSource {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPSource{endpoint: strings.TrimSpace(endpoint), client: client, now: time.Now}
}

func (s *HTTPSource) Fetch(ctx context.Context) (Descriptor, error) {
	u, err := url.Parse(s.endpoint)
	if err != nil {
		return Descriptor{}, fmt.Errorf("version: parse endpoint: %w", err)
	}
	q := u.Query()
	q.Set("t", strconv.FormatInt(s.now().UnixMilli(), 10))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return Descriptor{}, err
	}
	req.Header.Set("Cache-Control", "no-cache, no-store, must-revalidate")
	req.Header.Set("Pragma", "no-cache")
	req.Header.Set("Expires", "0")

	resp, err := s.client.Do(req)
	if err != nil {
		return Descriptor{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Descriptor{}, fmt.Errorf("%w: %d", ErrBadStatus, resp.StatusCode)
	}
	var d Descriptor
	if err := json.NewDecoder(resp.Body).Decode(&d); err != nil {
		return Descriptor{}, fmt.Errorf("version: decode: %w", err)
	}
	return d, nil
}
