package hds

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Maximum table sizes enforced while parsing a bootstrap, mirroring the
// bounds a well-formed abst box respects.
const (
	maxServerEntries  = 10
	maxSegmentRuns    = 256
	maxFragmentRuns   = 10000
	maxQualityEntries = 1
	maxMediaEntries   = 10
	maxBootstrapInfos = 10
)

// segmentRun describes a contiguous range of segments sharing a
// fragments-per-segment count.
type segmentRun struct {
	FirstSegment       uint32
	FragmentsPerSegment uint32
}

// fragmentRun describes a contiguous range of fragments sharing a duration
// and timestamp origin. A zero Duration marks a discontinuity; Discont then
// holds the one-byte tag that followed it in the afrt box.
type fragmentRun struct {
	FragmentNumberStart uint32
	FragmentTimestamp   uint64
	FragmentDuration    uint32
	Discont             uint8
}

func (r fragmentRun) isDiscontinuity() bool { return r.FragmentDuration == 0 }

// bootstrap holds the decoded abst tables for one Stream. It is replaced
// wholesale under Stream.bootstrapMu on each live refresh.
type bootstrap struct {
	Timescale              uint32
	AfrtTimescale          uint32
	LiveCurrentTime        uint64
	MovieID                string
	ServerEntries          []string
	QualitySegmentModifier string
	SegmentRuns            []segmentRun
	FragmentRuns           []fragmentRun
}

// Stream is one active HDS media presentation: one bootstrap, one set of
// fragment-run tables, and the chunk queue the pipeline maintains against
// them. Exactly one Stream backs a StreamFilter.
type Stream struct {
	logger *slog.Logger

	// Immutable for the Stream's lifetime.
	id               string
	mediaURL         string
	abstURL          string
	baseURL          string
	live             bool
	durationSeconds  uint64
	downloadLeadtime time.Duration

	// bootstrapMu guards bs; held briefly by the live worker while
	// rewriting, and by any goroutine reading tables to generate chunks.
	bootstrapMu sync.Mutex
	bs          *bootstrap

	// queueMu guards the linked chunk queue and its cursors, pairing with
	// downloadSignal as the idiomatic substitute for a condition variable
	// (a single-slot buffered channel, in the manner of a buffered
	// notify-channel pattern): a send is a no-op if a signal is already
	// pending, and the worker drains it before re-checking the queue.
	queueMu             sync.Mutex
	chunksHead           *Chunk
	chunksTail           *Chunk
	chunksLiveReadPos    *Chunk
	chunksDownloadPos    *Chunk
	chunkCount           int
	downloadSignal       chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// signalDownload wakes the download worker if it is idle-waiting. Safe to
// call under or without queueMu held.
func (s *Stream) signalDownload() {
	select {
	case s.downloadSignal <- struct{}{}:
	default:
	}
}

// IsLive reports whether this Stream is operating in live mode (manifest
// duration absent or zero).
func (s *Stream) IsLive() bool { return s.live }
