// Package workflow implements the ingestion controller: the idempotent
// state machine that fans out the external adapters, runs annotation,
// persists, and finalizes the video and job records.
package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/linguaclip/ingest-worker/pkg/config"
	"github.com/linguaclip/ingest-worker/pkg/gcs"
	"github.com/linguaclip/ingest-worker/pkg/models"
	"github.com/linguaclip/ingest-worker/pkg/notify"
)

// TranscodeRunner runs the non-fatal transcoding pass.
type TranscodeRunner interface {
	Run(ctx context.Context, videoUID, objectKey string) models.TranscodeResult
}

// ASRRunner runs the fatal transcription pass.
type ASRRunner interface {
	Run(ctx context.Context, videoUID, objectKey string) (*models.ASRResult, error)
}

// AnnotationRunner runs the agentic annotation pass.
type AnnotationRunner interface {
	Run(ctx context.Context, videoUID, videoURI string, segments []models.Segment) (*models.AgenticResult, error)
}

// Persister writes segments and occurrences and finalizes videos.
type Persister interface {
	Save(ctx context.Context, videoID int64, segments []models.Segment, annotations []models.Annotation, method, ontologyVer string) (models.SaveStats, error)
	UpdateVideoStatus(ctx context.Context, videoID int64, status string, hlsPath, transcriptPath *string) error
}

// Notifier reports fatal failures.
type Notifier interface {
	SendError(ctx context.Context, title string, content []notify.Field)
}

// Controller processes one ingress event end to end.
type Controller struct {
	stores    *Stores
	transcode TranscodeRunner
	asr       ASRRunner
	annotate  AnnotationRunner
	persister Persister
	notifier  Notifier

	rawBucket         string
	processingTimeout time.Duration

	logger *slog.Logger
}

// NewController wires the ingestion pipeline.
func NewController(stores *Stores, transcode TranscodeRunner, asr ASRRunner, annotate AnnotationRunner, persister Persister, notifier Notifier, cfg *config.Config) *Controller {
	return &Controller{
		stores:            stores,
		transcode:         transcode,
		asr:               asr,
		annotate:          annotate,
		persister:         persister,
		notifier:          notifier,
		rawBucket:         cfg.RawBucket,
		processingTimeout: cfg.ProcessingTimeout,
		logger:            slog.Default().With("component", "ingest-controller"),
	}
}

// Process runs the full ingestion for one event. ErrAlreadyDone and
// ErrInFlight are idempotency stops, not failures; any other error left
// the job and video marked as failed.
func (c *Controller) Process(ctx context.Context, event models.ObjectEvent) error {
	videoUID := models.DeriveVideoUID(event.ObjectKey)
	logger := c.logger.With("video_uid", videoUID, "object_key", event.ObjectKey)
	started := time.Now()

	videoID, err := c.claim(ctx, logger, event, videoUID)
	if err != nil {
		return err
	}
	logger.Info("Ingestion claimed", "video_id", videoID)

	// Transcoding and transcription run in parallel. Transcoding failure
	// is recorded in its result; transcription failure aborts the run.
	var (
		transcodeRes models.TranscodeResult
		asrRes       *models.ASRResult
		asrErr       error
	)
	var g errgroup.Group
	g.Go(func() error {
		transcodeRes = c.transcode.Run(ctx, videoUID, event.ObjectKey)
		return nil
	})
	g.Go(func() error {
		asrRes, asrErr = c.asr.Run(ctx, videoUID, event.ObjectKey)
		return nil
	})
	_ = g.Wait()
	adaptersDone := time.Now()

	if asrErr != nil {
		return c.fail(ctx, logger, event, videoUID, videoID, &PipelineError{Stage: StageASR, Err: asrErr})
	}
	if transcodeRes.Status != models.TranscodeSucceeded {
		logger.Warn("Transcoding failed, continuing without playback manifest",
			"error", transcodeRes.ErrorMessage)
	}

	videoURI := gcs.URI(c.rawBucket, event.ObjectKey)
	agentic, err := c.annotate.Run(ctx, videoUID, videoURI, asrRes.Segments)
	if err != nil {
		return c.fail(ctx, logger, event, videoUID, videoID, &PipelineError{Stage: StageAnnotation, Err: err})
	}
	annotationDone := time.Now()

	stats, err := c.persister.Save(ctx, videoID, asrRes.Segments, agentic.Annotations, agentic.Method, agentic.OntologyVer)
	if err != nil {
		return c.fail(ctx, logger, event, videoUID, videoID, &PipelineError{Stage: StagePersistence, Err: err})
	}

	var hlsPath *string
	if transcodeRes.Status == models.TranscodeSucceeded {
		hlsPath = &transcodeRes.HLSPath
	}
	transcriptPath := &asrRes.TranscriptURI
	if err := c.persister.UpdateVideoStatus(ctx, videoID, models.VideoStatusReady, hlsPath, transcriptPath); err != nil {
		return c.fail(ctx, logger, event, videoUID, videoID, &PipelineError{Stage: StageFinalize, Err: err})
	}
	if err := c.stores.FinishJob(ctx, event.ObjectKey, event.ContentHash, models.JobStatusDone, ""); err != nil {
		return c.fail(ctx, logger, event, videoUID, videoID, &PipelineError{Stage: StageFinalize, Err: err})
	}

	logger.Info("Ingestion finished",
		"segments", len(asrRes.Segments),
		"annotations", len(agentic.Annotations),
		"segments_inserted", stats.SegmentsInserted,
		"occurrences_inserted", stats.OccurrencesInserted,
		"occurrences_skipped", stats.OccurrencesSkipped,
		"method", agentic.Method,
		"transcode_status", transcodeRes.Status,
		"adapters_secs", adaptersDone.Sub(started).Seconds(),
		"annotation_secs", annotationDone.Sub(adaptersDone).Seconds(),
		"total_secs", time.Since(started).Seconds(),
	)
	return nil
}

// claim runs the idempotency state machine and returns the video id to
// process under, or an idempotency stop.
func (c *Controller) claim(ctx context.Context, logger *slog.Logger, event models.ObjectEvent, videoUID string) (int64, error) {
	job, err := c.stores.GetJob(ctx, event.ObjectKey, event.ContentHash)
	if err != nil {
		return 0, err
	}

	claimExisting := false
	if job != nil {
		switch {
		case job.Status == models.JobStatusDone:
			logger.Info("Ingestion already complete, skipping")
			return 0, ErrAlreadyDone

		case job.Status == models.JobStatusProcessing:
			cutoff := time.Now().Add(-c.processingTimeout)
			if job.StartedAt != nil && job.StartedAt.After(cutoff) {
				logger.Info("Ingestion in flight, skipping")
				return 0, ErrInFlight
			}
			reset, err := c.stores.ResetStaleJob(ctx, event.ObjectKey, event.ContentHash, cutoff)
			if err != nil {
				return 0, err
			}
			if !reset {
				logger.Info("Stale job recovered by another worker, skipping")
				return 0, ErrInFlight
			}
			logger.Warn("Recovered abandoned ingestion", "retry_count", job.RetryCount+1)
			claimExisting = true

		default:
			// queued or error: re-claim below.
			claimExisting = true
		}
	}

	// GetOrCreateVideo inserts new rows as PROCESSING; an existing row
	// keeps its status, so a re-ingest never demotes a READY video.
	storagePath := gcs.URI(c.rawBucket, event.ObjectKey)
	videoID, err := c.stores.GetOrCreateVideo(ctx, videoUID, storagePath)
	if err != nil {
		return 0, err
	}

	if claimExisting {
		if err := c.stores.ClaimJob(ctx, event.ObjectKey, event.ContentHash, videoUID, videoID); err != nil {
			return 0, err
		}
	} else {
		if err := c.stores.InsertJob(ctx, event.ObjectKey, event.ContentHash, videoUID, videoID); err != nil {
			return 0, err
		}
	}
	return videoID, nil
}

// fail marks the job and video as failed, notifies, and returns the
// pipeline error.
func (c *Controller) fail(ctx context.Context, logger *slog.Logger, event models.ObjectEvent, videoUID string, videoID int64, perr *PipelineError) error {
	logger.Error("Ingestion failed", "stage", perr.Stage, "error", perr.Err)

	if err := c.stores.FinishJob(ctx, event.ObjectKey, event.ContentHash, models.JobStatusError, perr.Error()); err != nil {
		logger.Error("Failed to mark job as errored", "error", err)
	}
	if err := c.persister.UpdateVideoStatus(ctx, videoID, models.VideoStatusError, nil, nil); err != nil {
		logger.Error("Failed to mark video as errored", "error", err)
	}

	c.notifier.SendError(ctx, "Video ingestion failed", []notify.Field{
		{Key: "Video", Value: videoUID},
		{Key: "Object", Value: fmt.Sprintf("gs://%s/%s", c.rawBucket, event.ObjectKey)},
		{Key: "Stage", Value: perr.Stage},
		{Key: "Error", Value: perr.Err.Error()},
	})
	return perr
}
