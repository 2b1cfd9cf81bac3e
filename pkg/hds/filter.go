package hds

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jmylchreest/hdsflv/pkg/httpclient"
)

// flvHeader is the fixed 13-byte FLV signature every StreamFilter prepends
// to its output, regardless of mode: "FLV", version 1, audio+video present,
// header size 9, and a 4-byte zero PreviousTagSize0.
var flvHeader = [13]byte{
	0x46, 0x4C, 0x56, 0x01, 0x05, 0x00, 0x00, 0x00, 0x09, 0x00, 0x00, 0x00, 0x00,
}

// Options configures Open. Only ManifestURL-reachable fields are required;
// everything else falls back to a sensible default.
type Options struct {
	// Fetcher overrides the default HTTP-backed Fetcher, primarily for
	// tests. If nil, one is built around HTTPClient.
	Fetcher Fetcher
	// HTTPClient backs the default Fetcher when Fetcher is nil. If also
	// nil, httpclient.New(httpclient.DefaultConfig()) is used.
	HTTPClient *httpclient.Client

	Logger *slog.Logger

	MaxFragmentSize     int64
	DownloadLeadtime    time.Duration
	LivePollMinInterval time.Duration
	NetworkCachingDelay time.Duration

	// Recorder receives a best-effort record of every fragment fetch
	// attempt, for the ambient diagnostics store. May be nil.
	Recorder AttemptRecorder

	// StreamID, if set, is attached to every diagnostic attempt record and
	// to the StreamFilter's ID() accessor. Typically assigned by the stream
	// registry before Open is called.
	StreamID string
}

// ID returns the identifier this StreamFilter was opened with, or "" if
// none was supplied.
func (f *StreamFilter) ID() string { return f.stream.id }

// ControlInfo answers the host's capability/pacing query.
type ControlInfo struct {
	CanSeek        bool
	CanFastSeek    bool
	CanPause       bool
	CanControlPace bool
	PTSDelay       time.Duration
}

// StreamFilter is the façade a host reads FLV bytes from. One StreamFilter
// wraps exactly one Stream and its background workers.
type StreamFilter struct {
	stream *Stream
	cfg    pipelineConfig

	networkCachingDelay time.Duration

	mu         sync.Mutex
	headerPos  int
	closed     bool
}

// Open fetches and parses manifestURL, resolves its first media/bootstrap
// pairing, and starts the pipeline's background workers. The returned
// StreamFilter is ready to Read from immediately; early reads before the
// first fragment downloads return (0, nil) per the documented short-read
// contract.
func Open(ctx context.Context, manifestURL string, opts Options) (*StreamFilter, error) {
	fetcher := opts.Fetcher
	if fetcher == nil {
		client := opts.HTTPClient
		if client == nil {
			client = httpclient.New(httpclient.DefaultConfig())
		}
		fetcher = newHTTPFetcher(client, opts.MaxFragmentSize)
	}

	manifestRes, err := fetcher.Fetch(ctx, manifestURL)
	if err != nil {
		return nil, fmt.Errorf("fetching manifest %s: %w", manifestURL, err)
	}

	ok, _, err := Detect(bytes.NewReader(manifestRes.Body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotHDS, err)
	}
	if !ok {
		return nil, ErrNotHDS
	}

	mi, err := parseManifest(bytes.NewReader(manifestRes.Body), opts.Logger)
	if err != nil {
		return nil, err
	}
	if len(mi.Media) == 0 || len(mi.Bootstraps) == 0 {
		return nil, ErrNoStreams
	}

	media := mi.Media[0]
	bsElem, ok := findBootstrapInfo(mi.Bootstraps, media.BootstrapInfoID)
	if !ok {
		return nil, ErrNoStreams
	}

	baseURL := normalizeBase(manifestDir(manifestURL))

	var bs *bootstrap
	var abstURL string
	switch {
	case len(bsElem.Data) > 0:
		bs, err = parseBootstrap(bsElem.Data, opts.Logger)
	case bsElem.URL != "":
		abstURL = bsElem.URL
		bootRes, ferr := fetcher.Fetch(ctx, resolveBootstrapURL(abstURL, baseURL))
		if ferr != nil {
			return nil, fmt.Errorf("fetching bootstrap %s: %w", abstURL, ferr)
		}
		bs, err = parseBootstrap(bootRes.Body, opts.Logger)
	default:
		return nil, fmt.Errorf("%w: bootstrapInfo has neither inline data nor a url", ErrBootstrapInvalid)
	}
	if err != nil {
		return nil, err
	}

	streamCtx, cancel := context.WithCancel(ctx)
	s := &Stream{
		logger:           opts.Logger,
		id:               opts.StreamID,
		mediaURL:         media.URL,
		abstURL:          abstURL,
		baseURL:          baseURL,
		live:             mi.Live,
		durationSeconds:  mi.DurationSeconds,
		downloadLeadtime: opts.DownloadLeadtime,
		bs:               bs,
		downloadSignal:   make(chan struct{}, 1),
		ctx:              streamCtx,
		cancel:           cancel,
	}

	first, err := generateNextChunk(bs, nil, s.live)
	if err != nil {
		cancel()
		return nil, err
	}
	if !s.live {
		markEOF(bs, first, s.durationSeconds)
	}
	s.chunksHead = first
	s.chunksTail = first
	s.chunksLiveReadPos = first

	cfg := pipelineConfig{
		fetcher:             fetcher,
		recorder:            opts.Recorder,
		logger:              opts.Logger,
		maxFragmentSize:     opts.MaxFragmentSize,
		livePollMinInterval: opts.LivePollMinInterval,
	}

	sf := &StreamFilter{stream: s, cfg: cfg, networkCachingDelay: opts.NetworkCachingDelay}
	if !s.live {
		// Preseed the VOD queue up to the download lead-time.
		sf.extendVOD()
	}

	s.wg.Add(1)
	go runDownloadWorker(s, cfg)
	if s.live {
		s.wg.Add(1)
		go runLiveWorker(s, cfg)
	}
	s.signalDownload()

	return sf, nil
}

func findBootstrapInfo(bootstraps []bootstrapInfoElem, id string) (bootstrapInfoElem, bool) {
	if id == "" {
		if len(bootstraps) == 0 {
			return bootstrapInfoElem{}, false
		}
		return bootstraps[0], true
	}
	for _, b := range bootstraps {
		if b.ID == id {
			return b, true
		}
	}
	return bootstrapInfoElem{}, false
}

// manifestDir returns manifestURL with its final path segment removed, the
// directory fragment URLs are resolved against.
func manifestDir(manifestURL string) string {
	idx := strings.LastIndex(manifestURL, "/")
	if idx < 0 {
		return manifestURL
	}
	return manifestURL[:idx]
}

// Read implements io.Reader. It first drains the 13-byte FLV header, then
// drains mdat bytes from the chunk queue.
//
// A Read that finds the head chunk not yet downloaded returns (0, nil):
// this is a deliberate short read, not EOF, and is not the usual io.Reader
// violation it would be for a generic reader - callers must retry rather
// than treat it as a transient error.
func (f *StreamFilter) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return 0, ErrClosed
	}
	if f.headerPos < len(flvHeader) {
		n := copy(p, flvHeader[f.headerPos:])
		f.headerPos += n
		f.mu.Unlock()
		return n, nil
	}
	f.mu.Unlock()

	s := f.stream
	s.queueMu.Lock()
	head := s.chunksLiveReadPos
	if head == nil {
		s.queueMu.Unlock()
		return 0, nil
	}

	n := head.readMdat(p)
	var reachedEOF bool
	if head.drained() {
		if head.EOF {
			reachedEOF = true
		} else if head.next != nil {
			s.chunksLiveReadPos = head.next
		}
	}
	if !s.live {
		advanceHead(s)
	}
	s.queueMu.Unlock()

	if reachedEOF && n == 0 {
		return 0, io.EOF
	}

	if !s.live && n > 0 {
		f.extendVOD()
	}

	return n, nil
}

// extendVOD opportunistically appends chunks to the queue while reading a
// VOD stream, until the buffered duration ahead of the read cursor reaches
// the configured download lead-time, then signals the download worker. In
// live mode this is exclusively the live worker's job.
func (f *StreamFilter) extendVOD() {
	s := f.stream

	s.bootstrapMu.Lock()
	ts := s.bs.AfrtTimescale
	s.bootstrapMu.Unlock()
	if ts == 0 {
		return
	}

	added := false
	for {
		s.queueMu.Lock()
		tail := s.chunksTail
		readPos := s.chunksLiveReadPos
		if tail == nil || readPos == nil || tail.EOF {
			s.queueMu.Unlock()
			break
		}
		// A fully drained read position no longer counts as buffered.
		start := readPos.Timestamp
		if readPos.drained() {
			start += uint64(readPos.Duration)
		}
		bufferedSeconds := float64(tail.Timestamp+uint64(tail.Duration)-start) / float64(ts)
		s.queueMu.Unlock()

		if bufferedSeconds >= s.downloadLeadtime.Seconds() {
			break
		}

		s.bootstrapMu.Lock()
		next, err := generateNextChunk(s.bs, tail, false)
		if err == nil {
			markEOF(s.bs, next, s.durationSeconds)
		}
		s.bootstrapMu.Unlock()
		if err != nil {
			break
		}

		s.queueMu.Lock()
		s.chunksTail.next = next
		s.chunksTail = next
		s.queueMu.Unlock()
		added = true
	}

	if added {
		s.signalDownload()
	}
}

// Peek returns up to n unread bytes without advancing past them: from the
// FLV header if it has not been fully sent yet, otherwise from the head
// chunk's unread mdat window. It never spans the header/mdat boundary or
// across chunks.
func (f *StreamFilter) Peek(n int) ([]byte, error) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil, ErrClosed
	}
	if f.headerPos < len(flvHeader) {
		remaining := flvHeader[f.headerPos:]
		if n > len(remaining) {
			n = len(remaining)
		}
		out := make([]byte, n)
		copy(out, remaining[:n])
		f.mu.Unlock()
		return out, nil
	}
	f.mu.Unlock()

	s := f.stream
	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	head := s.chunksLiveReadPos
	if head == nil {
		return nil, nil
	}
	return head.peekMdat(n), nil
}

// Control reports the host-facing capability and pacing contract.
func (f *StreamFilter) Control() ControlInfo {
	return ControlInfo{
		CanSeek:        false,
		CanFastSeek:    false,
		CanPause:       false,
		CanControlPace: true,
		PTSDelay:       f.networkCachingDelay,
	}
}

// IsLive reports whether the underlying stream is operating in live mode.
func (f *StreamFilter) IsLive() bool { return f.stream.IsLive() }

// Close stops the background workers and releases the underlying stream.
// Safe to call more than once.
func (f *StreamFilter) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	f.mu.Unlock()

	f.stream.cancel()
	f.stream.wg.Wait()
	return nil
}
