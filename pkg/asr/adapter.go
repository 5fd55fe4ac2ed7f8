package asr

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/linguaclip/ingest-worker/pkg/config"
	"github.com/linguaclip/ingest-worker/pkg/gcs"
	"github.com/linguaclip/ingest-worker/pkg/models"
)

const pollDeadline = 30 * time.Minute

// PredictionAPI is the slice of the provider client the adapter uses.
type PredictionAPI interface {
	CreatePrediction(ctx context.Context, audioURL, language string) (*Prediction, error)
	GetPrediction(ctx context.Context, id string) (*Prediction, error)
}

// ObjectStore is the slice of the object store the adapter uses.
type ObjectStore interface {
	Exists(ctx context.Context, uri string) (bool, error)
	SignedGetURL(bucket, object string, ttl time.Duration) (string, error)
	Upload(ctx context.Context, uri, contentType string, data []byte) error
}

// Service runs transcription jobs. Unlike transcoding, transcription is
// fatal to the ingestion run: exhausting the retry budget returns an
// error to the caller.
type Service struct {
	predictions PredictionAPI
	objects     ObjectStore

	rawBucket        string
	transcriptBucket string
	signedURLTTL     time.Duration
	maxRetries       int
	retryBackoff     time.Duration
	pollInterval     time.Duration
	pollDeadline     time.Duration

	logger *slog.Logger
}

// NewService creates the transcription adapter.
func NewService(predictions PredictionAPI, objects ObjectStore, cfg *config.Config) *Service {
	return &Service{
		predictions:      predictions,
		objects:          objects,
		rawBucket:        cfg.RawBucket,
		transcriptBucket: cfg.TranscriptBucket,
		signedURLTTL:     cfg.SignedURLTTL,
		maxRetries:       cfg.MaxRetries,
		retryBackoff:     cfg.RetryBackoff,
		pollInterval:     cfg.PollInterval,
		pollDeadline:     pollDeadline,
		logger:           slog.Default().With("component", "asr"),
	}
}

// whisperOutput is the provider's transcription payload.
type whisperOutput struct {
	Segments []struct {
		Start    float64 `json:"start"`
		End      float64 `json:"end"`
		Text     string  `json:"text"`
		Language string  `json:"language"`
		Speaker  string  `json:"speaker"`
	} `json:"segments"`
	DetectedLanguage string `json:"detected_language"`
}

// Run transcribes one video and persists the transcript artifacts.
func (s *Service) Run(ctx context.Context, videoUID, objectKey string) (*models.ASRResult, error) {
	logger := s.logger.With("video_uid", videoUID)

	inputURI := gcs.URI(s.rawBucket, objectKey)
	exists, err := s.objects.Exists(ctx, inputURI)
	if err != nil {
		return nil, fmt.Errorf("input existence check failed: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("input object not found: %s", inputURI)
	}

	audioURL, err := s.objects.SignedGetURL(s.rawBucket, objectKey, s.signedURLTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to sign input URL: %w", err)
	}

	var final *Prediction
	run := func() error {
		p, err := s.submitAndPoll(ctx, logger, audioURL)
		if err != nil {
			return err
		}
		final = p
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.retryBackoff
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0

	if err := backoff.Retry(run, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(s.maxRetries-1)), ctx)); err != nil {
		return nil, fmt.Errorf("transcription failed after retries: %w", err)
	}

	var output whisperOutput
	if err := json.Unmarshal(final.Output, &output); err != nil {
		return nil, fmt.Errorf("failed to decode transcription output: %w", err)
	}

	segments := parseSegments(output)
	logger.Info("Transcription succeeded",
		"prediction_id", final.ID, "segments", len(segments))

	transcriptURI := gcs.URI(s.transcriptBucket, videoUID+"/asr.json")
	if err := s.objects.Upload(ctx, transcriptURI, "application/json", final.Output); err != nil {
		return nil, fmt.Errorf("failed to upload transcript: %w", err)
	}

	subtitlesURI := gcs.URI(s.transcriptBucket, videoUID+"/subs.vtt")
	if err := s.objects.Upload(ctx, subtitlesURI, "text/vtt", []byte(FormatWebVTT(segments))); err != nil {
		return nil, fmt.Errorf("failed to upload subtitles: %w", err)
	}

	var duration float64
	if len(segments) > 0 {
		duration = segments[len(segments)-1].TEnd
	}

	return &models.ASRResult{
		Segments:        segments,
		TranscriptURI:   transcriptURI,
		SubtitlesURI:    subtitlesURI,
		DurationSecs:    duration,
		DetectedLang:    output.DetectedLanguage,
		RawPredictionID: final.ID,
	}, nil
}

func (s *Service) submitAndPoll(ctx context.Context, logger *slog.Logger, audioURL string) (*Prediction, error) {
	p, err := s.predictions.CreatePrediction(ctx, audioURL, "en")
	if err != nil {
		return nil, fmt.Errorf("failed to submit prediction: %w", err)
	}
	logger.Info("Transcription submitted", "prediction_id", p.ID)

	deadline := time.Now().Add(s.pollDeadline)
	for !p.Terminal() {
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("prediction %s did not finish within %s", p.ID, s.pollDeadline)
		}

		select {
		case <-ctx.Done():
			return nil, backoff.Permanent(ctx.Err())
		case <-time.After(s.pollInterval):
		}

		p, err = s.predictions.GetPrediction(ctx, p.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to poll prediction: %w", err)
		}
	}

	switch p.Status {
	case PredictionSucceeded:
		return p, nil
	case PredictionCanceled:
		return nil, fmt.Errorf("prediction %s was canceled", p.ID)
	default:
		return nil, fmt.Errorf("prediction %s failed: %s", p.ID, p.ErrorMessage())
	}
}

// parseSegments maps provider segments one-to-one onto transcript
// segments. Text is whitespace-trimmed; empty segments are kept here and
// dropped by persistence so counts stay aligned with the raw output.
func parseSegments(output whisperOutput) []models.Segment {
	segments := make([]models.Segment, 0, len(output.Segments))
	for _, seg := range output.Segments {
		lang := seg.Language
		if lang == "" {
			lang = output.DetectedLanguage
		}
		if lang == "" {
			lang = "en"
		}
		segments = append(segments, models.Segment{
			TStart:  seg.Start,
			TEnd:    seg.End,
			Text:    strings.TrimSpace(seg.Text),
			Lang:    lang,
			Speaker: seg.Speaker,
		})
	}
	return segments
}
