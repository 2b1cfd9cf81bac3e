package diagnostics

import (
	"context"
	"testing"
	"time"

	"github.com/jmylchreest/hdsflv/internal/config"
	"github.com/jmylchreest/hdsflv/internal/database"
	"github.com/jmylchreest/hdsflv/pkg/hds"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := database.New(config.DatabaseConfig{
		Driver:   "sqlite",
		DSN:      "file::memory:?cache=shared",
		LogLevel: "silent",
	}, nil, &database.Options{PrepareStmt: false})
	if err != nil {
		t.Fatalf("database.New: %v", err)
	}
	store, err := NewStore(db, nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return store
}

func TestRecordAttemptRedactsURL(t *testing.T) {
	store := newTestStore(t)

	store.RecordAttempt(context.Background(), hds.AttemptRecord{
		StreamID:      "stream-1",
		SegNum:        1,
		FragNum:       2,
		URL:           "http://cdn.example.com/hds/videoSeg1-Frag2?token=topsecret",
		Attempt:       1,
		Outcome:       "ok",
		BytesReceived: 1024,
		BytesExpected: 1024,
		DurationMS:    15,
	})

	rows, err := store.ListAttempts(context.Background(), "stream-1", 10)
	if err != nil {
		t.Fatalf("ListAttempts: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("got %d rows, want 1", len(rows))
	}
	row := rows[0]
	if row.Attempt != 1 {
		t.Fatalf("Attempt = %d, want 1", row.Attempt)
	}
	if row.SegNum != 1 || row.FragNum != 2 {
		t.Fatalf("SegNum/FragNum = %d/%d", row.SegNum, row.FragNum)
	}
	if row.URL == "http://cdn.example.com/hds/videoSeg1-Frag2?token=topsecret" {
		t.Fatalf("expected token to be redacted, got %q", row.URL)
	}
	if row.ID == "" {
		t.Fatal("expected a ULID to be assigned")
	}
}

func TestListAttemptsFiltersByStreamAndOrdersNewestFirst(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	store.RecordAttempt(ctx, hds.AttemptRecord{StreamID: "a", SegNum: 1, FragNum: 1, Outcome: "ok"})
	time.Sleep(2 * time.Millisecond)
	store.RecordAttempt(ctx, hds.AttemptRecord{StreamID: "b", SegNum: 1, FragNum: 1, Outcome: "ok"})
	time.Sleep(2 * time.Millisecond)
	store.RecordAttempt(ctx, hds.AttemptRecord{StreamID: "a", SegNum: 1, FragNum: 2, Outcome: "short_read"})

	rows, err := store.ListAttempts(ctx, "a", 10)
	if err != nil {
		t.Fatalf("ListAttempts: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("got %d rows for stream a, want 2", len(rows))
	}
	if rows[0].FragNum != 2 {
		t.Fatalf("expected newest attempt first, got frag %d", rows[0].FragNum)
	}
}

func TestListAttemptsClampsOutOfRangeLimit(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		store.RecordAttempt(ctx, hds.AttemptRecord{StreamID: "s", SegNum: 1, FragNum: uint32(i), Outcome: "ok"})
	}

	rows, err := store.ListAttempts(ctx, "s", -1)
	if err != nil {
		t.Fatalf("ListAttempts: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("got %d rows, want 3 (negative limit should fall back to default)", len(rows))
	}
}
