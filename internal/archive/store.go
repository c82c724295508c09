// Package archive persists the final record of every consultation session
// to Postgres.
package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/telesalud/realtime-assistant/internal/conversation"
	apperrors "github.com/telesalud/realtime-assistant/internal/shared/errors"
	"github.com/telesalud/realtime-assistant/internal/shared/metrics"
)

// Reasons a session leaves the registry
const (
	ReasonEnded   = "ended"
	ReasonEvicted = "evicted"
)

// querier is the part of *pgxpool.Pool the store needs
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store writes session exports to the consultation_sessions table.
type Store struct {
	db     querier
	logger *slog.Logger
	now    func() time.Time
}

// NewStore creates a store on top of a pgx pool.
func NewStore(db querier, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		db:     db,
		logger: logger.With("component", "archive"),
		now:    time.Now,
	}
}

type record struct {
	ConsultationID       string
	ConsultationType     string
	SessionStart         time.Time
	EndedAt              time.Time
	EndReason            string
	TotalSegments        int
	CompletionPercentage float64
	Export               []byte
}

func newRecord(export conversation.Export, reason string, endedAt time.Time) (record, error) {
	payload, err := json.Marshal(export)
	if err != nil {
		return record{}, fmt.Errorf("failed to encode export: %w", err)
	}
	meta := export.Metadata
	return record{
		ConsultationID:       meta.ConsultationID,
		ConsultationType:     string(meta.ConsultationType),
		SessionStart:         meta.SessionStart,
		EndedAt:              endedAt.UTC(),
		EndReason:            reason,
		TotalSegments:        meta.TotalSegments,
		CompletionPercentage: meta.CompletionPercentage,
		Export:               payload,
	}, nil
}

// Archive upserts the export. A consultation started again after it was
// archived overwrites its earlier record.
func (s *Store) Archive(ctx context.Context, export conversation.Export, reason string) error {
	rec, err := newRecord(export, reason, s.now())
	if err != nil {
		return err
	}

	query := `
		INSERT INTO consultation_sessions (
			consultation_id, consultation_type, session_start, ended_at,
			end_reason, total_segments, completion_percentage, export
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (consultation_id) DO UPDATE SET
			consultation_type = EXCLUDED.consultation_type,
			session_start = EXCLUDED.session_start,
			ended_at = EXCLUDED.ended_at,
			end_reason = EXCLUDED.end_reason,
			total_segments = EXCLUDED.total_segments,
			completion_percentage = EXCLUDED.completion_percentage,
			export = EXCLUDED.export,
			archived_at = NOW()`

	_, err = s.db.Exec(ctx, query,
		rec.ConsultationID, rec.ConsultationType, rec.SessionStart, rec.EndedAt,
		rec.EndReason, rec.TotalSegments, rec.CompletionPercentage, rec.Export,
	)
	metrics.RecordArchiveWrite(err)
	if err != nil {
		return apperrors.Wrap(err, "failed to archive session")
	}

	s.logger.Info("session archived",
		"consultation_id", rec.ConsultationID,
		"reason", reason,
		"segments", rec.TotalSegments)
	return nil
}

// Get returns the archived export of a consultation.
func (s *Store) Get(ctx context.Context, consultationID string) (*conversation.Export, error) {
	query := `SELECT export FROM consultation_sessions WHERE consultation_id = $1`

	var payload []byte
	err := s.db.QueryRow(ctx, query, consultationID).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.SessionNotFound(consultationID)
	}
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to load archived session")
	}

	var export conversation.Export
	if err := json.Unmarshal(payload, &export); err != nil {
		return nil, apperrors.Wrap(err, "failed to decode archived session")
	}
	return &export, nil
}
