// Package persistence writes transcript segments and annotation
// occurrences in a single transaction with conflict and foreign-key
// tolerance.
package persistence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linguaclip/ingest-worker/pkg/models"
)

// Postgres error code for foreign-key violations.
const fkViolationCode = "23503"

// Store persists the output of one annotation run.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewStore creates the persistence store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{
		pool:   pool,
		logger: slog.Default().With("component", "persistence"),
	}
}

// Save writes segments then occurrences in one transaction.
//
// Segments upsert on (video_id, t_start, text); a conflict updates t_end.
// Empty-text segments are dropped before insert. Occurrence conflicts on
// (segment_id, fine_id, span) are silently dropped; foreign-key
// violations on fine_id are skipped and counted. The first error of any
// other kind is returned and rolls the transaction back; errors after it
// are only tallied so the root cause stays visible.
func (s *Store) Save(ctx context.Context, videoID int64, segments []models.Segment, annotations []models.Annotation, method, ontologyVer string) (models.SaveStats, error) {
	var stats models.SaveStats

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return stats, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Segment ids aligned with the input order; 0 marks a dropped segment.
	segmentIDs := make([]int64, len(segments))
	for i, seg := range segments {
		if seg.Text == "" {
			s.logger.Debug("Dropping empty segment", "video_id", videoID, "index", i)
			continue
		}
		meta := seg.Meta
		if meta == nil {
			meta = map[string]any{}
		}
		err := tx.QueryRow(ctx,
			`INSERT INTO segment (video_id, t_start, t_end, text, lang, speaker, meta)
			 VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7)
			 ON CONFLICT (video_id, t_start, text)
			 DO UPDATE SET t_end = EXCLUDED.t_end, updated_at = now()
			 RETURNING id`,
			videoID, seg.TStart, seg.TEnd, seg.Text, seg.Lang, seg.Speaker, meta,
		).Scan(&segmentIDs[i])
		if err != nil {
			return stats, fmt.Errorf("failed to upsert segment %d: %w", i, err)
		}
		stats.SegmentsInserted++
	}

	var firstErr error
	for _, a := range annotations {
		if a.SegmentIndex < 0 || a.SegmentIndex >= len(segments) {
			s.logger.Warn("Annotation references unknown segment",
				"video_id", videoID, "segment_index", a.SegmentIndex)
			stats.OccurrencesSkipped++
			continue
		}
		segmentID := segmentIDs[a.SegmentIndex]
		if segmentID == 0 {
			stats.OccurrencesSkipped++
			continue
		}
		if firstErr != nil {
			// Transaction is already doomed; only tally.
			stats.OccurrencesSkipped++
			continue
		}

		score := 0.5
		if a.Score != nil {
			score = *a.Score
		}
		evidence := map[string]any{
			"span":                      map[string]any{"start": a.Span.Start, "end": a.Span.End},
			"rationale":                 a.Rationale,
			"visual_comprehensibility":  a.VisualComprehensibility,
			"textual_comprehensibility": a.TextualComprehensibility,
		}

		// Savepoint per insert so a tolerated FK violation does not doom
		// the rest of the batch.
		sp, err := tx.Begin(ctx)
		if err != nil {
			firstErr = fmt.Errorf("failed to create savepoint: %w", err)
			stats.OccurrencesSkipped++
			continue
		}
		tag, err := sp.Exec(ctx,
			`INSERT INTO occurrence
			   (segment_id, fine_id, reliability_score, detection_method, ontology_ver, evidence)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 ON CONFLICT (segment_id, fine_id, (evidence -> 'span')) DO NOTHING`,
			segmentID, a.FineID, score, method, ontologyVer, evidence,
		)
		if err != nil {
			_ = sp.Rollback(ctx)
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == fkViolationCode {
				s.logger.Warn("Skipping occurrence with unknown fine unit",
					"video_id", videoID, "fine_id", a.FineID)
				stats.OccurrencesSkipped++
				continue
			}
			firstErr = fmt.Errorf("failed to insert occurrence (fine_id=%d): %w", a.FineID, err)
			stats.OccurrencesSkipped++
			continue
		}
		if err := sp.Commit(ctx); err != nil {
			firstErr = fmt.Errorf("failed to release savepoint: %w", err)
			stats.OccurrencesSkipped++
			continue
		}

		if tag.RowsAffected() > 0 {
			stats.OccurrencesInserted++
		} else {
			// Duplicate (segment_id, fine_id, span): silently dropped.
			stats.OccurrencesSkipped++
		}
	}

	if firstErr != nil {
		return stats, firstErr
	}

	if err := tx.Commit(ctx); err != nil {
		return stats, fmt.Errorf("failed to commit: %w", err)
	}
	return stats, nil
}

// UpdateVideoStatus finalizes a video row. Nil paths leave the stored
// values untouched.
func (s *Store) UpdateVideoStatus(ctx context.Context, videoID int64, status string, hlsPath, transcriptPath *string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE video
		 SET status = $2,
		     hls_path = COALESCE($3, hls_path),
		     structured_transcript_path = COALESCE($4, structured_transcript_path),
		     updated_at = now()
		 WHERE id = $1`,
		videoID, status, hlsPath, transcriptPath,
	)
	if err != nil {
		return fmt.Errorf("failed to update video %d: %w", videoID, err)
	}
	return nil
}
