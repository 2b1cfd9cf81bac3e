package hds

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"
)

// fakeFetcher serves canned responses keyed by exact URL, standing in for
// pkg/httpclient in tests so no real network traffic is needed.
type fakeFetcher struct {
	mu        sync.Mutex
	responses map[string][]byte
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{responses: make(map[string][]byte)}
}

func (f *fakeFetcher) set(url string, body []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[url] = body
}

func (f *fakeFetcher) Fetch(_ context.Context, url string) (fetchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	body, ok := f.responses[url]
	if !ok {
		return fetchResult{}, fmt.Errorf("fakeFetcher: no fixture for %s", url)
	}
	return fetchResult{Body: body, ContentLength: int64(len(body))}, nil
}

// readAllWithDeadline drains f until io.EOF, retrying on the filter's
// documented (0, nil) not-ready short read, failing the test if deadline
// elapses first.
func readAllWithDeadline(t *testing.T, f *StreamFilter, deadline time.Duration) []byte {
	t.Helper()
	var out bytes.Buffer
	buf := make([]byte, 4096)
	stop := time.Now().Add(deadline)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			out.Write(buf[:n])
		}
		if err == io.EOF {
			return out.Bytes()
		}
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		if n == 0 {
			if time.Now().After(stop) {
				t.Fatalf("timed out waiting for stream to complete, got %d bytes so far", out.Len())
			}
			time.Sleep(time.Millisecond)
		}
	}
}

func TestOpenAndReadVODStream(t *testing.T) {
	const manifestURL = "http://example.com/hds/manifest.f4m"
	const baseURL = "http://example.com/hds"

	asrt := buildASRT("", [][2]uint32{{1, 4}})
	afrt := buildAFRT(1000, "", []afrtEntry{{start: 1, ts: 0, dur: 2500}})
	abst := buildABST(1000, 0, "movie", nil, "", [][]byte{asrt}, [][]byte{afrt})

	manifest := fmt.Sprintf(`<?xml version="1.0"?>
<manifest xmlns="http://ns.adobe.com/f4m/1.0">
  <id>sample</id>
  <duration>10</duration>
  <bootstrapInfo id="bs1">%s</bootstrapInfo>
  <media url="video" bootstrapInfoId="bs1"/>
</manifest>
`, base64.StdEncoding.EncodeToString(abst))

	fetcher := newFakeFetcher()
	fetcher.set(manifestURL, []byte(manifest))

	fragPayloads := []string{"frag-one-", "frag-two-", "frag-three", "frag-four-"}
	for i, payload := range fragPayloads {
		url := fmt.Sprintf("%s/videoSeg1-Frag%d", baseURL, i+1)
		fetcher.set(url, box("mdat", []byte(payload)))
	}

	filter, err := Open(context.Background(), manifestURL, Options{
		Fetcher:             fetcher,
		MaxFragmentSize:     0,
		DownloadLeadtime:    time.Second,
		LivePollMinInterval: 50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer filter.Close()

	if filter.IsLive() {
		t.Fatal("expected VOD stream, got live")
	}

	got := readAllWithDeadline(t, filter, 5*time.Second)

	if !bytes.HasPrefix(got, flvHeader[:]) {
		t.Fatalf("output does not start with FLV header: %x", got[:min(len(got), 16)])
	}

	wantMdat := []byte(fragPayloads[0] + fragPayloads[1] + fragPayloads[2] + fragPayloads[3])
	gotMdat := got[len(flvHeader):]
	if !bytes.Equal(gotMdat, wantMdat) {
		t.Fatalf("mdat bytes = %q, want %q", gotMdat, wantMdat)
	}
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
