// Package notify dispatches card-shaped alert messages to the configured
// webhook. Delivery failures are logged and swallowed; a broken notifier
// must never take the pipeline down.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Severity levels and their card header colors.
const (
	SeverityError   = "error"
	SeverityWarning = "warning"
	SeverityInfo    = "info"
	SeveritySuccess = "success"
)

var severityTemplates = map[string]string{
	SeverityError:   "red",
	SeverityWarning: "orange",
	SeverityInfo:    "blue",
	SeveritySuccess: "green",
}

const sendTimeout = 5 * time.Second

// Notifier posts interactive card messages to a single webhook URL.
type Notifier struct {
	webhookURL string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewNotifier creates a notifier for the given webhook URL.
func NewNotifier(webhookURL string) *Notifier {
	return &Notifier{
		webhookURL: webhookURL,
		httpClient: &http.Client{Timeout: sendTimeout},
		logger:     slog.Default().With("component", "notifier"),
	}
}

// Send posts one card. content entries become key/value lines in card
// order; metadata entries, when present, are rendered after a divider.
// Errors are logged, never returned.
func (n *Notifier) Send(ctx context.Context, severity, title string, content []Field, metadata []Field) {
	card := buildCard(severity, title, content, metadata)

	body, err := json.Marshal(card)
	if err != nil {
		n.logger.Error("Failed to encode notification card", "title", title, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		n.logger.Error("Failed to build notification request", "title", title, "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		n.logger.Error("Notification dispatch failed", "title", title, "error", err)
		return
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		n.logger.Error("Notification rejected by webhook",
			"title", title, "status", resp.StatusCode)
	}
}

// SendError dispatches a fatal pipeline failure card.
func (n *Notifier) SendError(ctx context.Context, title string, content []Field) {
	n.Send(ctx, SeverityError, title, content, nil)
}

// SendPhraseNotFound reports a phrase-sense catalog miss. Phrase misses
// are warnings: the catalog is expected to cover common phrases, so a
// miss usually means a coverage gap worth curating.
func (n *Notifier) SendPhraseNotFound(ctx context.Context, videoUID, phrase string, tStart, tEnd float64) {
	n.Send(ctx, SeverityWarning, "Phrase not found in catalog",
		[]Field{
			{"Video", videoUID},
			{"Phrase", phrase},
			{"Segment time", fmt.Sprintf("%.1fs - %.1fs", tStart, tEnd)},
		},
		[]Field{
			{"Suggestion", "Consider adding this phrase to the semantic catalog"},
		})
}

// SendWordNotFound reports a word-sense catalog miss. Informational only.
func (n *Notifier) SendWordNotFound(ctx context.Context, videoUID, lemma, pos string) {
	n.Send(ctx, SeverityInfo, "Word not found in catalog",
		[]Field{
			{"Video", videoUID},
			{"Lemma", lemma},
			{"POS", pos},
		}, nil)
}
