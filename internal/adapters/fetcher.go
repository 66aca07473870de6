package adapters

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/r3e-network/fleetctl/internal/domain"
)

// VersionFetcher implements versionwatcher.Fetcher over HTTP, with a
// distinct extraction path per domain.SourceType the way the teacher's
// datafeed/oracle dispatch picks its gjson path per feed shape.
type VersionFetcher struct {
	client *httpClient
}

// NewVersionFetcher builds a Fetcher with the given per-request timeout.
func NewVersionFetcher(timeout time.Duration) *VersionFetcher {
	return &VersionFetcher{client: newHTTPClient("", timeout)}
}

// Fetch retrieves the latest version string for source, using an
// extraction rule keyed on source.Type.
func (f *VersionFetcher) Fetch(ctx context.Context, source domain.UpstreamSource) (string, error) {
	body, err := f.client.getJSON(ctx, source.URL)
	if err != nil {
		return "", fmt.Errorf("fetch %s: %w", source.URL, err)
	}

	var version string
	switch source.Type {
	case domain.SourceNPM:
		version = gjson.Get(body, "version").String()
	case domain.SourceGitHubReleases:
		version = strings.TrimPrefix(gjson.Get(body, "tag_name").String(), "v")
	case domain.SourceHomebrew:
		version = gjson.Get(body, "versions.stable").String()
	case domain.SourceCustom:
		version = gjson.Get(body, "version").String()
	default:
		return "", fmt.Errorf("fetch %s: unknown source type %q", source.URL, source.Type)
	}

	if version == "" {
		return "", fmt.Errorf("fetch %s: no version found in response", source.URL)
	}
	return version, nil
}
