package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linguaclip/ingest-worker/pkg/models"
)

const uniqueViolationCode = "23505"

// Stores owns the Video and IngestJob SQL. No other component writes
// these tables.
type Stores struct {
	pool *pgxpool.Pool
}

// NewStores creates the workflow stores.
func NewStores(pool *pgxpool.Pool) *Stores {
	return &Stores{pool: pool}
}

// GetJob returns the job row for the idempotency key, or nil when none
// exists.
func (s *Stores) GetJob(ctx context.Context, objectKey, contentHash string) (*models.IngestJob, error) {
	job := &models.IngestJob{ObjectKey: objectKey, ContentHash: contentHash}
	err := s.pool.QueryRow(ctx,
		`SELECT video_uid, COALESCE(video_id, 0), status, retry_count, started_at, finished_at, COALESCE(err, '')
		 FROM ingest_jobs WHERE object_key = $1 AND content_hash = $2`,
		objectKey, contentHash,
	).Scan(&job.VideoUID, &job.VideoID, &job.Status, &job.RetryCount, &job.StartedAt, &job.FinishedAt, &job.Err)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load ingest job: %w", err)
	}
	return job, nil
}

// ResetStaleJob moves an abandoned processing row back to queued and
// bumps its retry count. A processing row with no start time counts as
// stale. Returns false when the row was not stale anymore (someone else
// got there first).
func (s *Stores) ResetStaleJob(ctx context.Context, objectKey, contentHash string, cutoff time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE ingest_jobs
		 SET status = 'queued', retry_count = retry_count + 1, updated_at = now()
		 WHERE object_key = $1 AND content_hash = $2
		   AND status = 'processing' AND (started_at < $3 OR started_at IS NULL)`,
		objectKey, contentHash, cutoff,
	)
	if err != nil {
		return false, fmt.Errorf("failed to reset stale job: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// InsertJob inserts a fresh processing row. The unique primary key on
// (object_key, content_hash) is the serialization point for concurrent
// deliveries: the loser gets ErrInFlight.
func (s *Stores) InsertJob(ctx context.Context, objectKey, contentHash, videoUID string, videoID int64) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO ingest_jobs (object_key, content_hash, video_uid, video_id, status, started_at)
		 VALUES ($1, $2, $3, $4, 'processing', now())`,
		objectKey, contentHash, videoUID, videoID,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode {
			return ErrInFlight
		}
		return fmt.Errorf("failed to insert ingest job: %w", err)
	}
	return nil
}

// ClaimJob re-claims an existing queued or errored row. Returns
// ErrInFlight when the row changed state under us.
func (s *Stores) ClaimJob(ctx context.Context, objectKey, contentHash, videoUID string, videoID int64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE ingest_jobs
		 SET status = 'processing', started_at = now(), finished_at = NULL, err = NULL,
		     video_uid = $3, video_id = $4, updated_at = now()
		 WHERE object_key = $1 AND content_hash = $2 AND status IN ('queued', 'error')`,
		objectKey, contentHash, videoUID, videoID,
	)
	if err != nil {
		return fmt.Errorf("failed to claim ingest job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrInFlight
	}
	return nil
}

// FinishJob moves a job to its terminal state. errMsg is only stored for
// status error.
func (s *Stores) FinishJob(ctx context.Context, objectKey, contentHash, status, errMsg string) error {
	var errValue any
	if status == models.JobStatusError && errMsg != "" {
		errValue = errMsg
	}
	_, err := s.pool.Exec(ctx,
		`UPDATE ingest_jobs
		 SET status = $3, finished_at = now(), err = $4, updated_at = now()
		 WHERE object_key = $1 AND content_hash = $2`,
		objectKey, contentHash, status, errValue,
	)
	if err != nil {
		return fmt.Errorf("failed to finish ingest job: %w", err)
	}
	return nil
}

// GetOrCreateVideo returns the id of the video row for the uid, creating
// it as PROCESSING on first sighting.
func (s *Stores) GetOrCreateVideo(ctx context.Context, videoUID, storagePath string) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO video (video_uid, status, storage_path)
		 VALUES ($1, 'PROCESSING', $2)
		 ON CONFLICT (video_uid) DO UPDATE SET updated_at = now()
		 RETURNING id`,
		videoUID, storagePath,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to get or create video: %w", err)
	}
	return id, nil
}
