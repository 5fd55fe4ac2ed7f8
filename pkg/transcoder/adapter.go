// Package transcoder wraps the managed transcoding service behind a
// submit-and-poll adapter. Transcoding failures are non-fatal to an
// ingestion run: the adapter reports them in the result, never as an
// error.
package transcoder

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"cloud.google.com/go/video/transcoder/apiv1/transcoderpb"
	"github.com/cenkalti/backoff/v4"

	"github.com/linguaclip/ingest-worker/pkg/config"
	"github.com/linguaclip/ingest-worker/pkg/gcs"
	"github.com/linguaclip/ingest-worker/pkg/models"
)

const (
	pollInterval = 10 * time.Second
	pollDeadline = 30 * time.Minute
)

// JobService is the slice of the transcoder API the adapter uses.
type JobService interface {
	CreateJob(ctx context.Context, parent string, job *transcoderpb.Job) (*transcoderpb.Job, error)
	GetJob(ctx context.Context, name string) (*transcoderpb.Job, error)
}

// ObjectChecker verifies the input object exists before submission.
type ObjectChecker interface {
	Exists(ctx context.Context, uri string) (bool, error)
}

// Service runs transcoding jobs for uploaded videos.
type Service struct {
	jobs    JobService
	objects ObjectChecker

	parent       string
	templateID   string
	rawBucket    string
	hlsBucket    string
	maxRetries   int
	retryBackoff time.Duration
	pollInterval time.Duration
	pollDeadline time.Duration

	logger *slog.Logger
}

// NewService creates the transcoding adapter.
func NewService(jobs JobService, objects ObjectChecker, cfg *config.Config) *Service {
	return &Service{
		jobs:         jobs,
		objects:      objects,
		parent:       fmt.Sprintf("projects/%s/locations/%s", cfg.GCPProject, cfg.GCPRegion),
		templateID:   cfg.TranscoderTemplateID,
		rawBucket:    cfg.RawBucket,
		hlsBucket:    cfg.HLSBucket,
		maxRetries:   cfg.MaxRetries,
		retryBackoff: cfg.RetryBackoff,
		pollInterval: pollInterval,
		pollDeadline: pollDeadline,
		logger:       slog.Default().With("component", "transcoder"),
	}
}

// Run transcodes one video to HLS. It retries the whole submit+poll
// workflow up to the configured retry budget and reports terminal
// failure through the result status.
func (s *Service) Run(ctx context.Context, videoUID, objectKey string) models.TranscodeResult {
	logger := s.logger.With("video_uid", videoUID)

	inputURI := gcs.URI(s.rawBucket, objectKey)
	outputURI := gcs.URI(s.hlsBucket, "encoded/"+videoUID) + "/"

	exists, err := s.objects.Exists(ctx, inputURI)
	if err != nil {
		logger.Error("Input existence check failed", "uri", inputURI, "error", err)
		return models.TranscodeResult{Status: models.TranscodeFailed, ErrorMessage: err.Error()}
	}
	if !exists {
		logger.Error("Input object not found", "uri", inputURI)
		return models.TranscodeResult{
			Status:       models.TranscodeFailed,
			ErrorMessage: "input object not found: " + inputURI,
		}
	}

	run := func() error {
		return s.submitAndPoll(ctx, logger, inputURI, outputURI)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.retryBackoff
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0

	err = backoff.Retry(run, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(s.maxRetries-1)), ctx))
	if err != nil {
		logger.Error("Transcoding failed after retries", "error", err)
		return models.TranscodeResult{Status: models.TranscodeFailed, ErrorMessage: err.Error()}
	}

	hlsPath := outputURI + "manifest.m3u8"
	logger.Info("Transcoding succeeded", "hls_path", hlsPath)
	return models.TranscodeResult{Status: models.TranscodeSucceeded, HLSPath: hlsPath}
}

func (s *Service) submitAndPoll(ctx context.Context, logger *slog.Logger, inputURI, outputURI string) error {
	job, err := s.jobs.CreateJob(ctx, s.parent, &transcoderpb.Job{
		InputUri:  inputURI,
		OutputUri: outputURI,
		JobConfig: &transcoderpb.Job_TemplateId{TemplateId: s.templateID},
	})
	if err != nil {
		return fmt.Errorf("failed to create transcoding job: %w", err)
	}
	logger.Info("Transcoding job submitted", "job", job.GetName())

	deadline := time.Now().Add(s.pollDeadline)
	for {
		if time.Now().After(deadline) {
			return fmt.Errorf("transcoding job %s did not finish within %s", job.GetName(), s.pollDeadline)
		}

		select {
		case <-ctx.Done():
			return backoff.Permanent(ctx.Err())
		case <-time.After(s.pollInterval):
		}

		got, err := s.jobs.GetJob(ctx, job.GetName())
		if err != nil {
			return fmt.Errorf("failed to poll transcoding job: %w", err)
		}

		switch got.GetState() {
		case transcoderpb.Job_SUCCEEDED:
			return nil
		case transcoderpb.Job_FAILED:
			msg := got.GetError().GetMessage()
			return fmt.Errorf("transcoding job %s failed: %s", job.GetName(), msg)
		case transcoderpb.Job_PENDING, transcoderpb.Job_RUNNING:
			// keep polling
		default:
			logger.Warn("Unexpected transcoding job state", "state", got.GetState().String())
		}
	}
}
