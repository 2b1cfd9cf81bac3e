package hds

import "errors"

// Sentinel errors returned by this package. Wrapped with context via
// fmt.Errorf("...: %w", err) at each layer, so errors.Is/errors.As work
// end to end.
var (
	// ErrNotHDS is returned by Open when the fetched manifest does not look
	// like an HDS manifest (Detect reports false). Not fatal: callers should
	// try other filters.
	ErrNotHDS = errors.New("hds: input is not an HTTP Dynamic Streaming manifest")

	// ErrManifestInvalid wraps a structural XML/manifest parse failure.
	ErrManifestInvalid = errors.New("hds: manifest is invalid")

	// ErrNoStreams is returned when a manifest parses but yields no usable
	// media/bootstrap pairing.
	ErrNoStreams = errors.New("hds: manifest contains no usable media streams")

	// ErrBootstrapInvalid marks a malformed abst box. Open fails with it
	// when the selected bootstrap cannot be parsed; a live refresh that
	// fails to parse is logged and the previous tables are kept.
	ErrBootstrapInvalid = errors.New("hds: bootstrap box is invalid")

	// ErrTimelineGap is returned by the timeline generator when the run
	// tables are exhausted without producing a next chunk (e.g. a trailing
	// discontinuity marker with no following run).
	ErrTimelineGap = errors.New("hds: fragment timeline has no next entry")

	// ErrBoxTruncated is returned by the box reader when a box header or
	// payload would overrun the available bytes.
	ErrBoxTruncated = errors.New("hds: box truncated")

	// ErrNoMdat is returned by the box reader when no mdat box is found
	// before the end of the buffer.
	ErrNoMdat = errors.New("hds: no mdat box found")

	// ErrFragmentTooLarge is returned by the download worker when a
	// fragment exceeds the configured size cap.
	ErrFragmentTooLarge = errors.New("hds: fragment exceeds maximum size")

	// ErrShortRead describes a fragment download that yields fewer bytes
	// than advertised by Content-Length. Such a download is reported through
	// fetchResult.ShortRead and a "short_read" attempt record; no function
	// in this package returns ErrShortRead.
	ErrShortRead = errors.New("hds: short read downloading fragment")

	// ErrClosed is returned by Read/Peek after the StreamFilter has been
	// closed.
	ErrClosed = errors.New("hds: stream filter is closed")
)
