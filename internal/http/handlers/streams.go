package handlers

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/go-chi/chi/v5"
	"github.com/jmylchreest/hdsflv/internal/diagnostics"
	"github.com/jmylchreest/hdsflv/internal/streamregistry"
	"github.com/jmylchreest/hdsflv/internal/urlutil"
	"github.com/jmylchreest/hdsflv/pkg/hds"
)

// StreamOpener opens a StreamFilter against a manifest URL, wiring it with
// whatever Fetcher/recorder/tuning the caller has configured.
type StreamOpener func(ctx context.Context, manifestURL string, streamID string) (*hds.StreamFilter, error)

// StreamsHandler exposes the network control surface's stream lifecycle and
// diagnostics endpoints.
type StreamsHandler struct {
	registry *streamregistry.Registry
	open     StreamOpener
	diag     *diagnostics.Store
	logger   *slog.Logger
}

// NewStreamsHandler wires a StreamsHandler. diag may be nil if no
// diagnostics store is configured.
func NewStreamsHandler(registry *streamregistry.Registry, open StreamOpener, diag *diagnostics.Store, logger *slog.Logger) *StreamsHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &StreamsHandler{registry: registry, open: open, diag: diag, logger: logger}
}

// Register wires the JSON CRUD endpoints via Huma and the raw FLV byte
// stream directly onto the chi router, since Huma's operation model is
// JSON-body oriented and unsuited to a chunked binary response.
func (h *StreamsHandler) Register(api huma.API, router chi.Router) {
	huma.Register(api, huma.Operation{
		OperationID: "openStream",
		Method:      "POST",
		Path:        "/api/v1/streams",
		Summary:     "Open an HDS stream",
		Description: "Fetches and parses the manifest at manifest_url, opens a StreamFilter, and registers it under a new ID",
		Tags:        []string{"Streams"},
	}, h.OpenStream)

	huma.Register(api, huma.Operation{
		OperationID: "listStreams",
		Method:      "GET",
		Path:        "/api/v1/streams",
		Summary:     "List open streams",
		Tags:        []string{"Streams"},
	}, h.ListStreams)

	huma.Register(api, huma.Operation{
		OperationID: "closeStream",
		Method:      "DELETE",
		Path:        "/api/v1/streams/{id}",
		Summary:     "Close and evict a stream",
		Tags:        []string{"Streams"},
	}, h.CloseStream)

	huma.Register(api, huma.Operation{
		OperationID: "listDiagnosticAttempts",
		Method:      "GET",
		Path:        "/api/v1/diagnostics/attempts",
		Summary:     "Recent fragment download attempts",
		Tags:        []string{"Diagnostics"},
	}, h.ListAttempts)

	router.Get("/api/v1/streams/{id}/flv", h.ServeFLV)
}

// OpenStreamInput is the request body for POST /api/v1/streams.
type OpenStreamInput struct {
	Body struct {
		ManifestURL string `json:"manifest_url" doc:"URL of the HDS manifest to open"`
	}
}

// StreamSummary describes one registered stream.
type StreamSummary struct {
	ID          string    `json:"id"`
	ManifestURL string    `json:"manifest_url"`
	Live        bool      `json:"live"`
	OpenedAt    time.Time `json:"opened_at"`
	LastReadAt  time.Time `json:"last_read_at"`
}

type OpenStreamOutput struct {
	Body StreamSummary
}

type ListStreamsInput struct{}

type ListStreamsOutput struct {
	Body struct {
		Streams []StreamSummary `json:"streams"`
	}
}

type CloseStreamInput struct {
	ID string `path:"id"`
}

type CloseStreamOutput struct {
	Body struct {
		Closed bool `json:"closed"`
	}
}

type ListAttemptsInput struct {
	StreamID string `query:"stream_id"`
	Limit    int    `query:"limit"`
}

type ListAttemptsOutput struct {
	Body struct {
		Attempts []diagnostics.Attempt `json:"attempts"`
	}
}

func (h *StreamsHandler) OpenStream(ctx context.Context, input *OpenStreamInput) (*OpenStreamOutput, error) {
	if input.Body.ManifestURL == "" {
		return nil, huma.Error422UnprocessableEntity("manifest_url is required")
	}
	if err := urlutil.ValidateURL(input.Body.ManifestURL); err != nil {
		return nil, huma.Error422UnprocessableEntity(fmt.Sprintf("manifest_url: %v", err))
	}

	// The filter needs its stream ID up front to tag diagnostic rows, so the
	// ID is reserved before Open runs and the registry entry is created
	// under that same ID afterward.
	id := h.registry.NewID()
	filter, err := h.open(ctx, input.Body.ManifestURL, id)
	if err != nil {
		return nil, huma.Error502BadGateway(fmt.Sprintf("opening stream: %v", err))
	}

	registeredID := h.registry.RegisterWithID(id, input.Body.ManifestURL, filter)

	out := &OpenStreamOutput{}
	out.Body = StreamSummary{
		ID:          registeredID,
		ManifestURL: input.Body.ManifestURL,
		Live:        filter.IsLive(),
		OpenedAt:    time.Now(),
		LastReadAt:  time.Now(),
	}
	return out, nil
}

func (h *StreamsHandler) ListStreams(ctx context.Context, _ *ListStreamsInput) (*ListStreamsOutput, error) {
	entries := h.registry.List()
	out := &ListStreamsOutput{}
	out.Body.Streams = make([]StreamSummary, 0, len(entries))
	for _, e := range entries {
		out.Body.Streams = append(out.Body.Streams, StreamSummary{
			ID:          e.ID,
			ManifestURL: e.ManifestURL,
			Live:        e.Live,
			OpenedAt:    e.OpenedAt,
			LastReadAt:  e.LastReadAt,
		})
	}
	return out, nil
}

func (h *StreamsHandler) CloseStream(ctx context.Context, input *CloseStreamInput) (*CloseStreamOutput, error) {
	out := &CloseStreamOutput{}
	out.Body.Closed = h.registry.Close(input.ID)
	if !out.Body.Closed {
		return nil, huma.Error404NotFound("stream not found")
	}
	return out, nil
}

func (h *StreamsHandler) ListAttempts(ctx context.Context, input *ListAttemptsInput) (*ListAttemptsOutput, error) {
	out := &ListAttemptsOutput{}
	if h.diag == nil {
		return out, nil
	}
	rows, err := h.diag.ListAttempts(ctx, input.StreamID, input.Limit)
	if err != nil {
		return nil, huma.Error500InternalServerError("listing diagnostic attempts", err)
	}
	out.Body.Attempts = rows
	return out, nil
}

// ServeFLV streams the synthesized FLV bytes for an open stream over a
// chunked HTTP response. It is registered directly on the chi router since
// it is not a JSON operation.
func (h *StreamsHandler) ServeFLV(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	filter, ok := h.registry.Get(id)
	if !ok {
		http.Error(w, "stream not found", http.StatusNotFound)
		return
	}

	SetDefaultCORSHeaders(w)
	w.Header().Set("Content-Type", "video/x-flv")
	w.WriteHeader(http.StatusOK)

	flusher, canFlush := w.(http.Flusher)
	buf := make([]byte, 64*1024)
	for {
		select {
		case <-r.Context().Done():
			return
		default:
		}

		n, err := filter.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
			if canFlush {
				flusher.Flush()
			}
		}
		if err == io.EOF {
			return
		}
		if err != nil {
			h.logger.Warn("streams: error reading from filter", slog.String("id", id), slog.Any("error", err))
			return
		}
		if n == 0 {
			time.Sleep(20 * time.Millisecond)
		}
	}
}
