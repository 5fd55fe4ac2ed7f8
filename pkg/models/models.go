// Package models holds the data types shared across the ingestion
// pipeline and the status vocabularies stored in the database.
package models

import "time"

// Video lifecycle states.
const (
	VideoStatusProcessing = "PROCESSING"
	VideoStatusReady      = "READY"
	VideoStatusError      = "ERROR"
)

// Ingest job lifecycle states.
const (
	JobStatusQueued     = "queued"
	JobStatusProcessing = "processing"
	JobStatusDone       = "done"
	JobStatusError      = "error"
)

// Detection methods recorded on occurrences. They name the session
// setup the annotation ran under.
const (
	MethodModelVideo   = "model_video"
	MethodModelText    = "model_text"
	MethodModelNoCache = "model_nocache"
)

// Fine unit kinds. Grammar rules are reserved: the catalog accepts the
// kind but no annotator produces it yet.
const (
	KindWordSense   = "word_sense"
	KindPhraseSense = "phrase_sense"
	KindGrammarRule = "grammar_rule"
)

// ObjectEvent is one finalized-object notification from the upload
// bucket. ObjectKey plus ContentHash is the idempotency key.
type ObjectEvent struct {
	Bucket      string
	ObjectKey   string
	ContentHash string
	Generation  int64
	EventTime   time.Time
	Attributes  map[string]string
}

// Segment is one timed transcript line.
type Segment struct {
	TStart  float64        `json:"t_start"`
	TEnd    float64        `json:"t_end"`
	Text    string         `json:"text"`
	Lang    string         `json:"lang"`
	Speaker string         `json:"speaker,omitempty"`
	Meta    map[string]any `json:"meta,omitempty"`
}

// Span is a half-open character range [Start, End) into a segment text.
type Span struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Annotation links a catalog fine unit to a span of one segment.
type Annotation struct {
	SegmentIndex             int      `json:"segment_index"`
	FineID                   int64    `json:"fine_id"`
	Span                     Span     `json:"span"`
	Rationale                string   `json:"rationale"`
	VisualComprehensibility  float64  `json:"visual_comprehensibility"`
	TextualComprehensibility float64  `json:"textual_comprehensibility"`
	Score                    *float64 `json:"score,omitempty"`
}

// ASRResult is the outcome of a successful transcription run.
type ASRResult struct {
	Segments        []Segment
	TranscriptURI   string
	SubtitlesURI    string
	DurationSecs    float64
	DetectedLang    string
	RawPredictionID string
}

// Transcoding outcome statuses.
const (
	TranscodeSucceeded = "succeeded"
	TranscodeFailed    = "failed"
	TranscodeSkipped   = "skipped"
)

// TranscodeResult is the outcome of a transcoding run. Failures are
// carried here, never as an error.
type TranscodeResult struct {
	Status       string
	HLSPath      string
	ErrorMessage string
}

// AgenticResult is the outcome of one annotation run over all segments.
type AgenticResult struct {
	Annotations []Annotation
	Method      string
	OntologyVer string
}

// IngestJob mirrors one ingest_jobs row.
type IngestJob struct {
	ObjectKey   string
	ContentHash string
	VideoUID    string
	VideoID     int64
	Status      string
	RetryCount  int
	StartedAt   *time.Time
	FinishedAt  *time.Time
	Err         string
}

// SaveStats summarizes one persistence run.
type SaveStats struct {
	SegmentsInserted    int
	OccurrencesInserted int
	OccurrencesSkipped  int
}
