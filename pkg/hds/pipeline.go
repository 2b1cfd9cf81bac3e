package hds

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// AttemptRecord describes one fragment fetch attempt, for ambient
// diagnostics persistence. Nothing in the pipeline reads these back: they
// exist purely for operator troubleshooting.
type AttemptRecord struct {
	StreamID      string
	SegNum        uint32
	FragNum       uint32
	URL           string
	Attempt       int
	Outcome       string // ok, short_read, http_error, size_exceeded, no_mdat
	BytesReceived int64
	BytesExpected int64 // -1 if unknown
	DurationMS    int64
}

// AttemptRecorder receives a best-effort record of each fragment fetch
// attempt. RecordAttempt runs synchronously on the download worker's
// goroutine, so it is one of the worker's suspension points alongside the
// fragment fetch itself; internal/diagnostics satisfies this with a direct,
// blocking database write.
type AttemptRecorder interface {
	RecordAttempt(ctx context.Context, rec AttemptRecord)
}

// noopRecorder discards every record. recordAttempt skips a nil recorder
// itself, so the pipeline does not install this type.
type noopRecorder struct{}

func (noopRecorder) RecordAttempt(context.Context, AttemptRecord) {}

// pipelineConfig bundles the pipeline's external collaborators and tuning,
// kept distinct from Stream since several streams can share one Fetcher and
// AttemptRecorder.
type pipelineConfig struct {
	fetcher             Fetcher
	recorder            AttemptRecorder
	logger              *slog.Logger
	maxFragmentSize     int64
	livePollMinInterval time.Duration
}

// downloadRetryInterval bounds how long the download worker waits before
// re-attempting a chunk that just failed, when nothing else would wake it.
// A VOD stream's extendVOD only re-signals on a successful read, so without
// this the worker would block forever on downloadSignal after a single
// transient fetch error, stalling the stream on what should have been a
// retryable failure.
const downloadRetryInterval = 2 * time.Second

// runDownloadWorker is the Stream's dedicated download-worker goroutine
// (§4.5). It terminates when s.ctx is cancelled.
func runDownloadWorker(s *Stream, cfg pipelineConfig) {
	defer s.wg.Done()

	for {
		attempted := advanceDownloadPos(s)
		if !attempted {
			if !waitForDownloadWork(s, 0) {
				return
			}
			continue
		}

		failed := false
		for {
			chunk := currentDownloadChunk(s)
			if chunk == nil {
				break
			}
			if !downloadOneChunk(s, cfg, chunk) {
				failed = true
				break
			}
			advanceDownloadPos(s)
		}

		wait := time.Duration(0)
		if failed {
			wait = downloadRetryInterval
		}
		if !waitForDownloadWork(s, wait) {
			return
		}
	}
}

// waitForDownloadWork blocks until s.ctx is cancelled (returning false), the
// download signal fires, or delay elapses (when delay > 0) - whichever
// comes first. delay <= 0 waits on ctx/signal only, matching the live
// worker's time.NewTimer-against-ctx.Done() idiom for cancellable waits.
func waitForDownloadWork(s *Stream, delay time.Duration) bool {
	if delay <= 0 {
		select {
		case <-s.ctx.Done():
			return false
		case <-s.downloadSignal:
			return true
		}
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-s.ctx.Done():
		return false
	case <-s.downloadSignal:
		return true
	case <-timer.C:
		return true
	}
}

// advanceDownloadPos moves chunksDownloadPos to the next chunk lacking
// data, starting from chunksHead if it is nil. Returns true if it now
// points somewhere.
func advanceDownloadPos(s *Stream) bool {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()

	if s.chunksDownloadPos == nil {
		s.chunksDownloadPos = s.chunksHead
	}
	for s.chunksDownloadPos != nil && s.chunksDownloadPos.Data != nil && !s.chunksDownloadPos.Failed {
		s.chunksDownloadPos = s.chunksDownloadPos.next
	}
	return s.chunksDownloadPos != nil
}

func currentDownloadChunk(s *Stream) *Chunk {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	return s.chunksDownloadPos
}

// downloadOneChunk fetches and parses a single chunk in place. It returns
// false when the chunk failed and the worker should stop this pass (so the
// caller re-checks the signal rather than spinning on a broken fragment).
func downloadOneChunk(s *Stream, cfg pipelineConfig, chunk *Chunk) bool {
	url := buildChunkURL(s, chunk)
	start := time.Now()

	s.queueMu.Lock()
	chunk.attempts++
	s.queueMu.Unlock()

	res, err := cfg.fetcher.Fetch(s.ctx, url)
	elapsed := time.Since(start).Milliseconds()

	if err != nil {
		outcome := "http_error"
		if errors.Is(err, ErrFragmentTooLarge) {
			outcome = "size_exceeded"
		}
		markFailed(s, chunk)
		recordAttempt(s, cfg, chunk, url, outcome, 0, -1, elapsed)
		if cfg.logger != nil {
			cfg.logger.Warn("hds: fragment download failed", slog.String("url", url), slog.Any("error", err))
		}
		return false
	}

	if res.ShortRead {
		markFailed(s, chunk)
		recordAttempt(s, cfg, chunk, url, "short_read", int64(len(res.Body)), res.ContentLength, elapsed)
		return false
	}

	mdat, mdatErr := locateMdat(res.Body)
	outcome := "ok"
	if mdatErr != nil {
		mdat = res.Body
		outcome = "no_mdat"
	}

	publishChunk(s, chunk, res.Body, mdat)
	recordAttempt(s, cfg, chunk, url, outcome, int64(len(res.Body)), res.ContentLength, elapsed)
	return true
}

func buildChunkURL(s *Stream, chunk *Chunk) string {
	s.bootstrapMu.Lock()
	servers := s.bs.ServerEntries
	quality := s.bs.QualitySegmentModifier
	s.bootstrapMu.Unlock()
	return buildFragmentURL(servers, s.baseURL, s.mediaURL, quality, chunk.SegNum, chunk.FragNum)
}

func markFailed(s *Stream, chunk *Chunk) {
	s.queueMu.Lock()
	chunk.Failed = true
	s.queueMu.Unlock()
}

// publishChunk stores the downloaded payload before the caller advances
// past it, so a reader observing non-nil Data always sees a complete,
// verified fragment (§5 ordering guarantee).
func publishChunk(s *Stream, chunk *Chunk, data, mdat []byte) {
	s.queueMu.Lock()
	chunk.Data = data
	chunk.MdatData = mdat
	chunk.Failed = false
	s.chunkCount++
	s.queueMu.Unlock()
}

func recordAttempt(s *Stream, cfg pipelineConfig, chunk *Chunk, url, outcome string, received, expected int64, elapsedMS int64) {
	if cfg.recorder == nil {
		return
	}
	s.queueMu.Lock()
	attempt := chunk.attempts
	s.queueMu.Unlock()

	cfg.recorder.RecordAttempt(s.ctx, AttemptRecord{
		StreamID:      s.id,
		SegNum:        chunk.SegNum,
		FragNum:       chunk.FragNum,
		URL:           url,
		Attempt:       attempt,
		Outcome:       outcome,
		BytesReceived: received,
		BytesExpected: expected,
		DurationMS:    elapsedMS,
	})
}

// runLiveWorker is the Stream's live-refresh goroutine (§4.6). It only runs
// for live streams. It terminates when s.ctx is cancelled.
func runLiveWorker(s *Stream, cfg pipelineConfig) {
	defer s.wg.Done()

	abstURL := resolveBootstrapURL(s.abstURL, s.baseURL)

	for {
		start := time.Now()
		res, err := cfg.fetcher.Fetch(s.ctx, abstURL)
		if err != nil {
			if cfg.logger != nil {
				cfg.logger.Warn("hds: live bootstrap refresh failed", slog.String("url", abstURL), slog.Any("error", err))
			}
		} else if bs, err := parseBootstrap(res.Body, cfg.logger); err != nil {
			if cfg.logger != nil {
				cfg.logger.Warn("hds: live bootstrap refresh parse failed", slog.Any("error", err))
			}
		} else {
			s.bootstrapMu.Lock()
			s.bs = bs
			s.bootstrapMu.Unlock()
			if added := maintainLiveChunks(s); added {
				s.signalDownload()
			}
		}

		sleep := cfg.livePollMinInterval
		if d := currentFragmentDurationInterval(s); d > sleep {
			sleep = d
		}

		timer := time.NewTimer(sleep - time.Since(start))
		select {
		case <-s.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// maintainLiveChunks extends the live queue until the tail's timestamp
// passes live_current_time, and frees any fully drained prefix. Returns
// true if any chunk was appended.
func maintainLiveChunks(s *Stream) bool {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()

	added := false

	if s.chunksHead == nil {
		s.bootstrapMu.Lock()
		bs := s.bs
		next, err := generateNextChunk(bs, nil, true)
		s.bootstrapMu.Unlock()
		if err != nil {
			return false
		}
		s.chunksHead = next
		s.chunksTail = next
		s.chunksLiveReadPos = next
		added = true
	}

	for {
		s.bootstrapMu.Lock()
		bs := s.bs
		tailPassesLive := bs.Timescale != 0 && bs.AfrtTimescale != 0 &&
			s.chunksTail.Timestamp*uint64(bs.Timescale)/uint64(bs.AfrtTimescale) > bs.LiveCurrentTime
		if tailPassesLive {
			s.bootstrapMu.Unlock()
			break
		}
		next, err := generateNextChunk(bs, s.chunksTail, true)
		s.bootstrapMu.Unlock()
		if err != nil {
			break
		}
		s.chunksTail.next = next
		s.chunksTail = next
		added = true
	}

	advanceHead(s)

	return added
}

// advanceHead frees a drained, non-EOF prefix of the chunk queue up to (but
// not including) chunksLiveReadPos, advancing chunksHead past it so the
// nodes become unreachable and their Data/MdatData can be garbage
// collected. Callers must hold s.queueMu. Used by both the live worker's
// maintenance pass and VOD reads, since a VOD stream's chunks are never
// otherwise freed once downloaded (§5: chunksHead is the oldest
// still-useful chunk).
func advanceHead(s *Stream) {
	for s.chunksHead != nil && s.chunksHead != s.chunksLiveReadPos && s.chunksHead.drained() && s.chunksHead.next != nil {
		s.chunksHead = s.chunksHead.next
	}
}

// currentFragmentDurationInterval converts the tail chunk's duration into a
// wall-clock polling interval, per §4.6's "cadence tracks the current
// fragment duration" rule.
func currentFragmentDurationInterval(s *Stream) time.Duration {
	s.queueMu.Lock()
	tail := s.chunksTail
	s.queueMu.Unlock()
	if tail == nil {
		return 0
	}
	s.bootstrapMu.Lock()
	ts := s.bs.AfrtTimescale
	s.bootstrapMu.Unlock()
	if ts == 0 {
		return 0
	}
	return time.Duration(tail.Duration) * time.Second / time.Duration(ts)
}
