// Package asr wraps the speech-to-text provider behind a submit-and-poll
// adapter and turns its output into transcript segments and artifacts.
package asr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultBaseURL = "https://api.replicate.com/v1"

// whisperXVersion pins the transcription model revision. Alignment must
// stay enabled: downstream span offsets assume the aligned text.
const whisperXVersion = "84d2ad2d6194fe98a17d2b60bef1c7f910c46b2f6fd38996ca457afd9c8abfcb"

// Prediction statuses reported by the provider.
const (
	PredictionStarting   = "starting"
	PredictionProcessing = "processing"
	PredictionSucceeded  = "succeeded"
	PredictionFailed     = "failed"
	PredictionCanceled   = "canceled"
)

// Prediction is one transcription job on the provider side.
type Prediction struct {
	ID     string          `json:"id"`
	Status string          `json:"status"`
	Output json.RawMessage `json:"output,omitempty"`
	Error  json.RawMessage `json:"error,omitempty"`
}

// Terminal reports whether the prediction has reached a final state.
func (p *Prediction) Terminal() bool {
	switch p.Status {
	case PredictionSucceeded, PredictionFailed, PredictionCanceled:
		return true
	}
	return false
}

// ErrorMessage renders the provider error field, which may be a JSON
// string or an arbitrary object.
func (p *Prediction) ErrorMessage() string {
	if len(p.Error) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(p.Error, &s); err == nil {
		return s
	}
	return string(p.Error)
}

// ReplicateClient is a minimal HTTP client for the prediction API.
// The provider has no Go SDK; the REST contract is small enough that a
// plain net/http client covers it.
type ReplicateClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewReplicateClient creates a client authenticated with the given token.
func NewReplicateClient(token string) *ReplicateClient {
	return &ReplicateClient{
		baseURL:    defaultBaseURL,
		token:      token,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// NewReplicateClientWithBaseURL targets a custom API URL. Useful for
// testing with a mock server.
func NewReplicateClientWithBaseURL(token, baseURL string) *ReplicateClient {
	c := NewReplicateClient(token)
	c.baseURL = strings.TrimSuffix(baseURL, "/")
	return c
}

// CreatePrediction submits a WhisperX transcription for the audio URL.
func (c *ReplicateClient) CreatePrediction(ctx context.Context, audioURL, language string) (*Prediction, error) {
	payload := map[string]any{
		"version": whisperXVersion,
		"input": map[string]any{
			"audio_file":   audioURL,
			"language":     language,
			"align_output": true,
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode prediction request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/predictions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	return c.do(req)
}

// GetPrediction fetches the current state of a prediction.
func (c *ReplicateClient) GetPrediction(ctx context.Context, id string) (*Prediction, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/predictions/"+id, nil)
	if err != nil {
		return nil, err
	}
	return c.do(req)
}

func (c *ReplicateClient) do(req *http.Request) (*Prediction, error) {
	req.Header.Set("Authorization", "Token "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("prediction request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read prediction response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("prediction API returned %d: %s", resp.StatusCode, truncate(string(data), 200))
	}

	var p Prediction
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to decode prediction response: %w", err)
	}
	return &p, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
