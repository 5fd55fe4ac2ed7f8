package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendBuildsInteractiveCard(t *testing.T) {
	var received Card
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(body, &received))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := NewNotifier(srv.URL)
	n.Send(context.Background(), SeverityError, "Ingestion failed",
		[]Field{{"Video", "abc"}, {"Stage", "asr"}},
		[]Field{{"Attempt", "3"}})

	assert.Equal(t, "interactive", received.MsgType)
	assert.Equal(t, "red", received.Card.Header.Template)
	assert.Equal(t, "Ingestion failed", received.Card.Header.Title.Content)

	// 2 content divs + hr + 1 metadata div + trailing note.
	require.Len(t, received.Card.Elements, 5)
	assert.Equal(t, "div", received.Card.Elements[0].Tag)
	assert.Equal(t, "**Video:** abc", received.Card.Elements[0].Text.Content)
	assert.Equal(t, "hr", received.Card.Elements[2].Tag)
	assert.Equal(t, "note", received.Card.Elements[4].Tag)
}

func TestSeverityTemplates(t *testing.T) {
	tests := []struct {
		severity string
		template string
	}{
		{SeverityError, "red"},
		{SeverityWarning, "orange"},
		{SeverityInfo, "blue"},
		{SeveritySuccess, "green"},
		{"unknown", "blue"},
	}
	for _, tt := range tests {
		t.Run(tt.severity, func(t *testing.T) {
			card := buildCard(tt.severity, "t", nil, nil)
			assert.Equal(t, tt.template, card.Card.Header.Template)
		})
	}
}

func TestSendSwallowsFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	n := NewNotifier(srv.URL)
	// Must not panic or propagate anything.
	n.SendError(context.Background(), "boom", []Field{{"k", "v"}})

	srv.Close()
	n.SendWordNotFound(context.Background(), "abc", "run", "verb")
}

func TestPhraseNotFoundShape(t *testing.T) {
	var received Card
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&received)
	}))
	defer srv.Close()

	n := NewNotifier(srv.URL)
	n.SendPhraseNotFound(context.Background(), "abc", "give up", 0.0, 3.5)

	assert.Equal(t, "orange", received.Card.Header.Template)
	assert.Equal(t, "Phrase not found in catalog", received.Card.Header.Title.Content)
	require.GreaterOrEqual(t, len(received.Card.Elements), 4)
	assert.Equal(t, "**Phrase:** give up", received.Card.Elements[1].Text.Content)
	assert.Equal(t, "**Segment time:** 0.0s - 3.5s", received.Card.Elements[2].Text.Content)
}
