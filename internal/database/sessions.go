package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/meetassist/scribe-engine/internal/pipeline"
	"github.com/meetassist/scribe-engine/internal/segment"
)

// ErrNotFound is returned when a lookup matches no session.
var ErrNotFound = errors.New("database: session not found")

// SessionSummary is one row of the session history list.
type SessionSummary struct {
	ID              string    `json:"id"`
	StartedAt       time.Time `json:"started_at"`
	EndedAt         time.Time `json:"ended_at"`
	Language        string    `json:"language"`
	Provider        string    `json:"provider"`
	DurationSeconds float64   `json:"duration_seconds"`
	ChunksTotal     int       `json:"chunks_total"`
	ChunksLost      int       `json:"chunks_lost"`
	EndState        string    `json:"end_state"`
	SegmentCount    int       `json:"segment_count"`
}

// SessionDetail is a summary plus the full segment list.
type SessionDetail struct {
	SessionSummary
	Segments []segment.Segment `json:"segments"`
}

// SaveSession stores a completed session and its segments in one
// transaction. Implements pipeline.SessionSink.
func (db *DB) SaveSession(ctx context.Context, rec pipeline.SessionRecord) error {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO sessions (id, started_at, ended_at, language, provider,
			duration_seconds, chunks_total, chunks_lost, end_state)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING`,
		rec.ID, rec.StartedAt, rec.EndedAt, rec.Language, rec.Provider,
		rec.DurationSeconds, rec.ChunksTotal, rec.ChunksLost, rec.EndState)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}

	if len(rec.Segments) > 0 {
		rows := make([][]any, 0, len(rec.Segments))
		for i, s := range rec.Segments {
			rows = append(rows, []any{rec.ID, i, s.Speaker, s.Label, s.Text, s.Timestamp, s.Start, s.Duration})
		}
		_, err = tx.CopyFrom(ctx,
			pgx.Identifier{"transcript_segments"},
			[]string{"session_id", "position", "speaker", "label", "text", "ts", "start_seconds", "duration_seconds"},
			pgx.CopyFromRows(rows))
		if err != nil {
			return fmt.Errorf("copy segments: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	db.log.Info().Str("session", rec.ID).Int("segments", len(rec.Segments)).Msg("session persisted")
	return nil
}

// ListSessions returns recent sessions, newest first.
func (db *DB) ListSessions(ctx context.Context, limit int) ([]SessionSummary, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT s.id, s.started_at, s.ended_at, s.language, s.provider,
			s.duration_seconds, s.chunks_total, s.chunks_lost, s.end_state,
			(SELECT count(*) FROM transcript_segments t WHERE t.session_id = s.id)
		FROM sessions s
		ORDER BY s.started_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SessionSummary
	for rows.Next() {
		var s SessionSummary
		if err := rows.Scan(&s.ID, &s.StartedAt, &s.EndedAt, &s.Language, &s.Provider,
			&s.DurationSeconds, &s.ChunksTotal, &s.ChunksLost, &s.EndState, &s.SegmentCount); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// GetSession returns one session with its ordered segments.
func (db *DB) GetSession(ctx context.Context, id string) (*SessionDetail, error) {
	var d SessionDetail
	err := db.Pool.QueryRow(ctx, `
		SELECT id, started_at, ended_at, language, provider,
			duration_seconds, chunks_total, chunks_lost, end_state
		FROM sessions WHERE id = $1`, id).
		Scan(&d.ID, &d.StartedAt, &d.EndedAt, &d.Language, &d.Provider,
			&d.DurationSeconds, &d.ChunksTotal, &d.ChunksLost, &d.EndState)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	rows, err := db.Pool.Query(ctx, `
		SELECT speaker, label, text, ts, start_seconds, duration_seconds
		FROM transcript_segments
		WHERE session_id = $1
		ORDER BY position`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var s segment.Segment
		if err := rows.Scan(&s.Speaker, &s.Label, &s.Text, &s.Timestamp, &s.Start, &s.Duration); err != nil {
			return nil, err
		}
		d.Segments = append(d.Segments, s)
	}
	d.SegmentCount = len(d.Segments)
	return &d, rows.Err()
}

// DeleteExpiredSessions removes sessions (and their segments, via cascade)
// that ended before the cutoff. Used by the retention pruner when the user
// has transcript auto-deletion enabled.
func (db *DB) DeleteExpiredSessions(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := db.Pool.Exec(ctx, `DELETE FROM sessions WHERE ended_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	if n := tag.RowsAffected(); n > 0 {
		db.log.Info().Int64("deleted", n).Time("cutoff", cutoff).Msg("expired sessions deleted")
		return n, nil
	}
	return 0, nil
}
