package hds

import (
	"context"
	"fmt"
	"io"

	"github.com/jmylchreest/hdsflv/pkg/httpclient"
)

// fetchResult carries the outcome of one HTTP fetch alongside the
// information the diagnostics layer wants to record.
type fetchResult struct {
	Body           []byte
	ContentLength  int64 // -1 if unknown
	ShortRead      bool
	StatusCode     int
}

// Fetcher retrieves the bytes at url. It is the concrete realization of the
// HttpFetch external collaborator: manifests, bootstraps, and fragments are
// all fetched through the same interface.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (fetchResult, error)
}

// httpFetcher is the default Fetcher, backed by pkg/httpclient's resilient
// client (circuit breaker, retry, transparent decompression).
type httpFetcher struct {
	client      *httpclient.Client
	maxBodySize int64
}

// newHTTPFetcher builds a Fetcher around client, capping any single
// response body at maxBodySize bytes (0 means unlimited).
func newHTTPFetcher(client *httpclient.Client, maxBodySize int64) *httpFetcher {
	return &httpFetcher{client: client, maxBodySize: maxBodySize}
}

func (f *httpFetcher) Fetch(ctx context.Context, url string) (fetchResult, error) {
	resp, err := f.client.Get(ctx, url)
	if err != nil {
		return fetchResult{}, fmt.Errorf("fetching %s: %w", url, err)
	}
	defer resp.Body.Close()

	contentLength := resp.ContentLength

	var reader io.Reader = resp.Body
	if f.maxBodySize > 0 {
		reader = io.LimitReader(resp.Body, f.maxBodySize+1)
	}

	body, err := io.ReadAll(reader)
	if err != nil {
		return fetchResult{StatusCode: resp.StatusCode}, fmt.Errorf("reading body of %s: %w", url, err)
	}

	if f.maxBodySize > 0 && int64(len(body)) > f.maxBodySize {
		return fetchResult{StatusCode: resp.StatusCode}, fmt.Errorf("%w: %s exceeds %d bytes", ErrFragmentTooLarge, url, f.maxBodySize)
	}

	result := fetchResult{
		Body:          body,
		ContentLength: contentLength,
		StatusCode:    resp.StatusCode,
	}
	if contentLength >= 0 && int64(len(body)) < contentLength {
		result.ShortRead = true
	}
	return result, nil
}
