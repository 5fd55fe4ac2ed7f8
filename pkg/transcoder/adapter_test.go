package transcoder

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"cloud.google.com/go/video/transcoder/apiv1/transcoderpb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linguaclip/ingest-worker/pkg/config"
	"github.com/linguaclip/ingest-worker/pkg/models"
)

type fakeJobs struct {
	createCalls int
	createErr   error
	// states consumed one per GetJob call; last value repeats.
	states  []transcoderpb.Job_ProcessingState
	getErr  error
	jobName string
}

func (f *fakeJobs) CreateJob(_ context.Context, parent string, job *transcoderpb.Job) (*transcoderpb.Job, error) {
	f.createCalls++
	if f.createErr != nil {
		return nil, f.createErr
	}
	name := fmt.Sprintf("%s/jobs/job-%d", parent, f.createCalls)
	f.jobName = name
	return &transcoderpb.Job{Name: name, InputUri: job.GetInputUri(), OutputUri: job.GetOutputUri()}, nil
}

func (f *fakeJobs) GetJob(_ context.Context, name string) (*transcoderpb.Job, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	state := f.states[0]
	if len(f.states) > 1 {
		f.states = f.states[1:]
	}
	return &transcoderpb.Job{Name: name, State: state}, nil
}

type fakeChecker struct {
	exists bool
	err    error
}

func (f *fakeChecker) Exists(context.Context, string) (bool, error) {
	return f.exists, f.err
}

func testConfig() *config.Config {
	return &config.Config{
		GCPProject:           "proj",
		GCPRegion:            "us-central1",
		TranscoderTemplateID: "hls-preset",
		RawBucket:            "raw",
		HLSBucket:            "hls",
		MaxRetries:           3,
		RetryBackoff:         time.Millisecond,
	}
}

func newTestService(jobs JobService, objects ObjectChecker) *Service {
	s := NewService(jobs, objects, testConfig())
	s.pollInterval = time.Millisecond
	s.pollDeadline = time.Second
	return s
}

func TestRunSucceeds(t *testing.T) {
	jobs := &fakeJobs{states: []transcoderpb.Job_ProcessingState{
		transcoderpb.Job_PENDING,
		transcoderpb.Job_RUNNING,
		transcoderpb.Job_SUCCEEDED,
	}}
	s := newTestService(jobs, &fakeChecker{exists: true})

	res := s.Run(context.Background(), "abc", "uploads/abc/v.mp4")

	assert.Equal(t, models.TranscodeSucceeded, res.Status)
	assert.Equal(t, "gs://hls/encoded/abc/manifest.m3u8", res.HLSPath)
	assert.Equal(t, 1, jobs.createCalls)
}

func TestRunMissingInputFailsWithoutSubmit(t *testing.T) {
	jobs := &fakeJobs{}
	s := newTestService(jobs, &fakeChecker{exists: false})

	res := s.Run(context.Background(), "abc", "uploads/abc/v.mp4")

	assert.Equal(t, models.TranscodeFailed, res.Status)
	assert.Contains(t, res.ErrorMessage, "not found")
	assert.Zero(t, jobs.createCalls)
}

func TestRunRetriesFailedJob(t *testing.T) {
	// Every submit+poll cycle ends in FAILED; the retry budget should be
	// spent and the result must carry the failure, not an error.
	jobs := &fakeJobs{states: []transcoderpb.Job_ProcessingState{transcoderpb.Job_FAILED}}
	s := newTestService(jobs, &fakeChecker{exists: true})

	res := s.Run(context.Background(), "abc", "uploads/abc/v.mp4")

	assert.Equal(t, models.TranscodeFailed, res.Status)
	assert.Equal(t, 3, jobs.createCalls)
	assert.Empty(t, res.HLSPath)
}

func TestRunRecoversOnRetry(t *testing.T) {
	jobs := &fakeJobs{states: []transcoderpb.Job_ProcessingState{
		transcoderpb.Job_FAILED,
		transcoderpb.Job_SUCCEEDED,
	}}
	s := newTestService(jobs, &fakeChecker{exists: true})

	res := s.Run(context.Background(), "abc", "uploads/abc/v.mp4")

	assert.Equal(t, models.TranscodeSucceeded, res.Status)
	assert.Equal(t, 2, jobs.createCalls)
}

func TestRunSubmitErrorRetriesThenFails(t *testing.T) {
	jobs := &fakeJobs{createErr: errors.New("quota exceeded")}
	s := newTestService(jobs, &fakeChecker{exists: true})

	res := s.Run(context.Background(), "abc", "uploads/abc/v.mp4")

	assert.Equal(t, models.TranscodeFailed, res.Status)
	assert.Contains(t, res.ErrorMessage, "quota exceeded")
	assert.Equal(t, 3, jobs.createCalls)
}

func TestRunCanceledContextStops(t *testing.T) {
	jobs := &fakeJobs{states: []transcoderpb.Job_ProcessingState{transcoderpb.Job_RUNNING}}
	s := newTestService(jobs, &fakeChecker{exists: true})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := s.Run(ctx, "abc", "uploads/abc/v.mp4")
	require.Equal(t, models.TranscodeFailed, res.Status)
	assert.Equal(t, 1, jobs.createCalls)
}
