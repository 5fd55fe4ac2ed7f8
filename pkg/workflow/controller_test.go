package workflow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linguaclip/ingest-worker/pkg/config"
	"github.com/linguaclip/ingest-worker/pkg/models"
	"github.com/linguaclip/ingest-worker/pkg/notify"
	"github.com/linguaclip/ingest-worker/pkg/persistence"
	"github.com/linguaclip/ingest-worker/test/util"
)

type fakeTranscode struct {
	result models.TranscodeResult
	calls  int
}

func (f *fakeTranscode) Run(context.Context, string, string) models.TranscodeResult {
	f.calls++
	return f.result
}

type fakeASR struct {
	result *models.ASRResult
	err    error
	calls  int
	onRun  func()
}

func (f *fakeASR) Run(context.Context, string, string) (*models.ASRResult, error) {
	f.calls++
	if f.onRun != nil {
		f.onRun()
	}
	return f.result, f.err
}

type fakeAnnotate struct {
	result *models.AgenticResult
	err    error
}

func (f *fakeAnnotate) Run(context.Context, string, string, []models.Segment) (*models.AgenticResult, error) {
	return f.result, f.err
}

type fakeNotifier struct {
	mu     sync.Mutex
	titles []string
}

func (f *fakeNotifier) SendError(_ context.Context, title string, _ []notify.Field) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.titles = append(f.titles, title)
}

type fixture struct {
	pool       *pgxpool.Pool
	controller *Controller
	transcode  *fakeTranscode
	asr        *fakeASR
	annotate   *fakeAnnotate
	notifier   *fakeNotifier
	fineID     int64
}

func newFixture(t *testing.T) *fixture {
	pool := util.SetupTestPool(t)
	ctx := context.Background()

	var fineID int64
	err := pool.QueryRow(ctx,
		`INSERT INTO semantic.fine_unit (kind, label, lang, def, status)
		 VALUES ('phrase_sense', 'give up', 'en', 'stop trying', 'active') RETURNING id`,
	).Scan(&fineID)
	require.NoError(t, err)

	f := &fixture{
		pool: pool,
		transcode: &fakeTranscode{result: models.TranscodeResult{
			Status:  models.TranscodeSucceeded,
			HLSPath: "gs://hls/encoded/x/manifest.m3u8",
		}},
		asr: &fakeASR{result: &models.ASRResult{
			Segments: []models.Segment{
				{TStart: 0, TEnd: 3.5, Text: "I want to give up learning English", Lang: "en"},
			},
			TranscriptURI: "gs://transcripts/x/asr.json",
		}},
		notifier: &fakeNotifier{},
		fineID:   fineID,
	}
	f.annotate = &fakeAnnotate{result: &models.AgenticResult{
		Annotations: []models.Annotation{{
			SegmentIndex:             0,
			FineID:                   fineID,
			Span:                     models.Span{Start: 10, End: 17},
			Rationale:                "phrasal verb",
			VisualComprehensibility:  0.85,
			TextualComprehensibility: 0.7,
		}},
		Method:      models.MethodModelVideo,
		OntologyVer: "gemini-2.0-flash",
	}}

	cfg := &config.Config{RawBucket: "raw", ProcessingTimeout: time.Hour}
	f.controller = NewController(
		NewStores(pool), f.transcode, f.asr, f.annotate,
		persistence.NewStore(pool), f.notifier, cfg,
	)
	return f
}

func testEvent() models.ObjectEvent {
	return models.ObjectEvent{
		Bucket:      "raw",
		ObjectKey:   "uploads/6f8b4c2e-1a2b-4c3d-8e9f-0a1b2c3d4e5f/v.mp4",
		ContentHash: "abc",
	}
}

func (f *fixture) jobRow(t *testing.T, event models.ObjectEvent) (status string, retryCount int, errMsg *string) {
	t.Helper()
	err := f.pool.QueryRow(context.Background(),
		`SELECT status, retry_count, err FROM ingest_jobs WHERE object_key = $1 AND content_hash = $2`,
		event.ObjectKey, event.ContentHash).Scan(&status, &retryCount, &errMsg)
	require.NoError(t, err)
	return status, retryCount, errMsg
}

func (f *fixture) videoRow(t *testing.T, uid string) (status string, hlsPath *string) {
	t.Helper()
	err := f.pool.QueryRow(context.Background(),
		`SELECT status, hls_path FROM video WHERE video_uid = $1`, uid).Scan(&status, &hlsPath)
	require.NoError(t, err)
	return status, hlsPath
}

func TestProcessHappyPath(t *testing.T) {
	f := newFixture(t)
	event := testEvent()

	require.NoError(t, f.controller.Process(context.Background(), event))

	status, retries, errMsg := f.jobRow(t, event)
	assert.Equal(t, models.JobStatusDone, status)
	assert.Zero(t, retries)
	assert.Nil(t, errMsg)

	vStatus, hlsPath := f.videoRow(t, "6f8b4c2e-1a2b-4c3d-8e9f-0a1b2c3d4e5f")
	assert.Equal(t, models.VideoStatusReady, vStatus)
	require.NotNil(t, hlsPath)
	assert.Equal(t, "gs://hls/encoded/x/manifest.m3u8", *hlsPath)

	var segments, occurrences int
	require.NoError(t, f.pool.QueryRow(context.Background(), `SELECT count(*) FROM segment`).Scan(&segments))
	require.NoError(t, f.pool.QueryRow(context.Background(), `SELECT count(*) FROM occurrence`).Scan(&occurrences))
	assert.Equal(t, 1, segments)
	assert.Equal(t, 1, occurrences)
	assert.Empty(t, f.notifier.titles)
}

func TestProcessDuplicateAfterDone(t *testing.T) {
	f := newFixture(t)
	event := testEvent()

	require.NoError(t, f.controller.Process(context.Background(), event))
	err := f.controller.Process(context.Background(), event)
	require.ErrorIs(t, err, ErrAlreadyDone)

	// Replay must not add rows.
	var occurrences int
	require.NoError(t, f.pool.QueryRow(context.Background(), `SELECT count(*) FROM occurrence`).Scan(&occurrences))
	assert.Equal(t, 1, occurrences)
	assert.Equal(t, 1, f.asr.calls)
}

func TestProcessInFlightSkips(t *testing.T) {
	f := newFixture(t)
	event := testEvent()

	// A fresh processing row within the timeout window.
	_, err := f.pool.Exec(context.Background(),
		`INSERT INTO ingest_jobs (object_key, content_hash, video_uid, status, started_at)
		 VALUES ($1, $2, 'x', 'processing', now())`,
		event.ObjectKey, event.ContentHash)
	require.NoError(t, err)

	err = f.controller.Process(context.Background(), event)
	require.ErrorIs(t, err, ErrInFlight)
	assert.Zero(t, f.asr.calls)
}

func TestProcessTimeoutRecovery(t *testing.T) {
	f := newFixture(t)
	event := testEvent()

	// An abandoned processing row, older than the timeout.
	_, err := f.pool.Exec(context.Background(),
		`INSERT INTO ingest_jobs (object_key, content_hash, video_uid, status, started_at)
		 VALUES ($1, $2, 'x', 'processing', now() - interval '2 hours')`,
		event.ObjectKey, event.ContentHash)
	require.NoError(t, err)

	require.NoError(t, f.controller.Process(context.Background(), event))

	status, retries, _ := f.jobRow(t, event)
	assert.Equal(t, models.JobStatusDone, status)
	assert.Equal(t, 1, retries)
}

func TestProcessRecoversJobWithoutStartTime(t *testing.T) {
	f := newFixture(t)
	event := testEvent()

	// A processing row that never recorded a start time must not block
	// reprocessing forever.
	_, err := f.pool.Exec(context.Background(),
		`INSERT INTO ingest_jobs (object_key, content_hash, video_uid, status)
		 VALUES ($1, $2, 'x', 'processing')`,
		event.ObjectKey, event.ContentHash)
	require.NoError(t, err)

	require.NoError(t, f.controller.Process(context.Background(), event))

	status, retries, _ := f.jobRow(t, event)
	assert.Equal(t, models.JobStatusDone, status)
	assert.Equal(t, 1, retries)
}

func TestProcessReingestKeepsVideoReady(t *testing.T) {
	f := newFixture(t)
	event := testEvent()
	require.NoError(t, f.controller.Process(context.Background(), event))

	// The object is overwritten: same key, new content hash. The READY
	// video must stay READY while the new job runs.
	overwritten := event
	overwritten.ContentHash = "def"
	f.asr.onRun = func() {
		status, _ := f.videoRow(t, "6f8b4c2e-1a2b-4c3d-8e9f-0a1b2c3d4e5f")
		assert.Equal(t, models.VideoStatusReady, status)
	}

	require.NoError(t, f.controller.Process(context.Background(), overwritten))

	var videos int
	require.NoError(t, f.pool.QueryRow(context.Background(), `SELECT count(*) FROM video`).Scan(&videos))
	assert.Equal(t, 1, videos)
	status, _ := f.videoRow(t, "6f8b4c2e-1a2b-4c3d-8e9f-0a1b2c3d4e5f")
	assert.Equal(t, models.VideoStatusReady, status)
}

func TestProcessConcurrentInsertLosesGracefully(t *testing.T) {
	f := newFixture(t)
	event := testEvent()

	stores := NewStores(f.pool)
	require.NoError(t, stores.InsertJob(context.Background(), event.ObjectKey, event.ContentHash, "x", 0))

	err := stores.InsertJob(context.Background(), event.ObjectKey, event.ContentHash, "x", 0)
	require.ErrorIs(t, err, ErrInFlight)
}

func TestProcessTranscodeFailureIsNonFatal(t *testing.T) {
	f := newFixture(t)
	f.transcode.result = models.TranscodeResult{
		Status:       models.TranscodeFailed,
		ErrorMessage: "encoder crashed",
	}
	event := testEvent()

	require.NoError(t, f.controller.Process(context.Background(), event))

	status, _, _ := f.jobRow(t, event)
	assert.Equal(t, models.JobStatusDone, status)

	vStatus, hlsPath := f.videoRow(t, "6f8b4c2e-1a2b-4c3d-8e9f-0a1b2c3d4e5f")
	assert.Equal(t, models.VideoStatusReady, vStatus)
	assert.Nil(t, hlsPath)
}

func TestProcessASRFailureIsFatal(t *testing.T) {
	f := newFixture(t)
	f.asr.result = nil
	f.asr.err = errors.New("transcription failed after retries")
	event := testEvent()

	err := f.controller.Process(context.Background(), event)
	require.Error(t, err)
	var perr *PipelineError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, StageASR, perr.Stage)

	status, _, errMsg := f.jobRow(t, event)
	assert.Equal(t, models.JobStatusError, status)
	require.NotNil(t, errMsg)
	assert.Contains(t, *errMsg, "transcription failed")

	vStatus, _ := f.videoRow(t, "6f8b4c2e-1a2b-4c3d-8e9f-0a1b2c3d4e5f")
	assert.Equal(t, models.VideoStatusError, vStatus)
	assert.Equal(t, []string{"Video ingestion failed"}, f.notifier.titles)
}

func TestProcessErroredJobIsRetried(t *testing.T) {
	f := newFixture(t)
	event := testEvent()

	// First run fails in ASR.
	f.asr.err = errors.New("boom")
	require.Error(t, f.controller.Process(context.Background(), event))

	// Second delivery reprocesses and succeeds.
	f.asr.err = nil
	require.NoError(t, f.controller.Process(context.Background(), event))

	status, _, errMsg := f.jobRow(t, event)
	assert.Equal(t, models.JobStatusDone, status)
	assert.Nil(t, errMsg)
}

func TestProcessUnknownFineUnitSkipped(t *testing.T) {
	f := newFixture(t)
	f.annotate.result.Annotations = append(f.annotate.result.Annotations, models.Annotation{
		SegmentIndex:             0,
		FineID:                   999999,
		Span:                     models.Span{Start: 0, End: 6},
		Rationale:                "ghost",
		VisualComprehensibility:  0.5,
		TextualComprehensibility: 0.5,
	})
	event := testEvent()

	require.NoError(t, f.controller.Process(context.Background(), event))

	status, _, _ := f.jobRow(t, event)
	assert.Equal(t, models.JobStatusDone, status)

	var occurrences int
	require.NoError(t, f.pool.QueryRow(context.Background(), `SELECT count(*) FROM occurrence`).Scan(&occurrences))
	assert.Equal(t, 1, occurrences)
}

func TestDeriveUIDStableAcrossDeliveries(t *testing.T) {
	f := newFixture(t)
	event := testEvent()

	require.NoError(t, f.controller.Process(context.Background(), event))

	var videos int
	require.NoError(t, f.pool.QueryRow(context.Background(), `SELECT count(*) FROM video`).Scan(&videos))
	assert.Equal(t, 1, videos)
}
