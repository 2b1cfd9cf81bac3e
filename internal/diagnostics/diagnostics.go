// Package diagnostics persists a best-effort log of fragment download
// attempts for operator troubleshooting. Nothing in the fetch/serve path
// depends on it being available; a Store failure is logged and dropped.
//
// RecordAttempt writes synchronously on the download worker's goroutine: it
// is best-effort in the sense that a write failure never propagates or
// aborts the download, but the call itself is a blocking database round
// trip and is one of the download worker's suspension points alongside the
// fragment fetch itself.
package diagnostics

import (
	"context"
	"log/slog"
	"time"

	"github.com/jmylchreest/hdsflv/internal/database"
	"github.com/jmylchreest/hdsflv/internal/observability"
	"github.com/jmylchreest/hdsflv/pkg/hds"
	"github.com/oklog/ulid/v2"
)

// Attempt is one persisted fragment download attempt row.
type Attempt struct {
	ID             string `gorm:"primaryKey"`
	StreamID       string `gorm:"index"`
	SegNum         uint32
	FragNum        uint32
	URL            string
	Attempt        int
	Outcome        string `gorm:"index"`
	BytesReceived  int64
	BytesExpected  int64
	DurationMS     int64
	CreatedAt      time.Time `gorm:"index"`
}

// TableName pins the GORM table name regardless of the default pluralizer.
func (Attempt) TableName() string { return "diagnostic_attempts" }

// Store persists Attempt rows and satisfies hds.AttemptRecorder. Record
// writes happen synchronously on the caller's goroutine and are best-effort:
// a write error is logged, never propagated to the pipeline.
type Store struct {
	db     *database.DB
	logger *slog.Logger
}

// NewStore runs AutoMigrate for Attempt and returns a ready Store.
func NewStore(db *database.DB, logger *slog.Logger) (*Store, error) {
	if err := db.AutoMigrate(&Attempt{}); err != nil {
		return nil, err
	}
	return &Store{db: db, logger: logger}, nil
}

// RecordAttempt implements hds.AttemptRecorder. It blocks the caller for the
// duration of the database write and never returns an error; failures are
// logged at warn level.
func (s *Store) RecordAttempt(ctx context.Context, rec hds.AttemptRecord) {
	row := Attempt{
		ID:            ulid.Make().String(),
		StreamID:      rec.StreamID,
		SegNum:        rec.SegNum,
		FragNum:       rec.FragNum,
		URL:           observability.RedactURL(rec.URL),
		Attempt:       rec.Attempt,
		Outcome:       rec.Outcome,
		BytesReceived: rec.BytesReceived,
		BytesExpected: rec.BytesExpected,
		DurationMS:    rec.DurationMS,
		CreatedAt:     time.Now(),
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil && s.logger != nil {
		s.logger.Warn("diagnostics: failed to record fragment attempt", slog.Any("error", err))
	}
}

// ListAttempts returns the most recent attempts for a stream, newest first,
// bounded by limit.
func (s *Store) ListAttempts(ctx context.Context, streamID string, limit int) ([]Attempt, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var rows []Attempt
	q := s.db.WithContext(ctx).Order("created_at DESC").Limit(limit)
	if streamID != "" {
		q = q.Where("stream_id = ?", streamID)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}
