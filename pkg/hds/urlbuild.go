package hds

import (
	"fmt"
	"strings"

	"github.com/jmylchreest/hdsflv/internal/urlutil"
)

// hasHTTPScheme reports whether u is already a fully qualified http(s) URL,
// so it should override the pipeline's server/base URL rather than be
// appended as a movie-id path segment. The scheme is matched case-insensitively.
func hasHTTPScheme(u string) bool {
	return urlutil.IsRemoteURL(strings.ToLower(u))
}

// normalizeBase trims a trailing slash so path joining never double-slashes.
// It does not invent a scheme: a manifest directory or server entry missing
// one is a malformed manifest, not something to silently repair.
func normalizeBase(base string) string {
	return strings.TrimRight(strings.TrimSpace(base), "/")
}

// buildFragmentURL constructs the HTTP URL for one fragment, following the
// grammar {server}/{movie_id}{quality}Seg{seg}-Frag{frag}. server is
// server_entries[0] if the bootstrap declared any, else pipelineBaseURL.
// If the stream's media URL is itself fully qualified, it overrides the
// server entirely; otherwise it is appended as the movie-id path segment.
func buildFragmentURL(serverEntries []string, pipelineBaseURL, mediaURL, qualityModifier string, segNum, fragNum uint32) string {
	base := pipelineBaseURL
	if len(serverEntries) > 0 {
		base = serverEntries[0]
	}

	var movieSegment string
	if hasHTTPScheme(mediaURL) {
		base = mediaURL
	} else {
		movieSegment = mediaURL
	}

	base = normalizeBase(base)

	var b strings.Builder
	b.WriteString(base)
	b.WriteString("/")
	b.WriteString(movieSegment)
	b.WriteString(qualityModifier)
	fmt.Fprintf(&b, "Seg%d-Frag%d", segNum, fragNum)
	return b.String()
}

// resolveBootstrapURL resolves a (possibly relative) abst refresh URL
// against pipelineBaseURL for live mode.
func resolveBootstrapURL(abstURL, pipelineBaseURL string) string {
	if hasHTTPScheme(abstURL) {
		return abstURL
	}
	return normalizeBase(pipelineBaseURL) + "/" + strings.TrimLeft(abstURL, "/")
}
