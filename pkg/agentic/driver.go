package agentic

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"cloud.google.com/go/vertexai/genai"

	"github.com/linguaclip/ingest-worker/pkg/models"
)

// maxIterations caps the function-call loop of one conversation.
const maxIterations = 10

// ToolHandler executes one model tool call and returns its response
// payload: either {"candidates": [...], "lemma": ...} or {"error": ...}.
type ToolHandler func(ctx context.Context, call genai.FunctionCall) map[string]any

// chatSession is the slice of a model chat the driver needs.
type chatSession interface {
	SendMessage(ctx context.Context, parts ...genai.Part) (*genai.GenerateContentResponse, error)
}

// Driver runs exactly one model conversation for one (segment,
// annotator) pair: send the instruction, execute tool calls in order,
// and parse the final JSON reply.
type Driver struct {
	callTimeout time.Duration
	logger      *slog.Logger
}

// NewDriver creates a driver with the given per-call timeout.
func NewDriver(callTimeout time.Duration) *Driver {
	return &Driver{
		callTimeout: callTimeout,
		logger:      slog.Default().With("component", "lm-driver"),
	}
}

type annotationsPayload struct {
	Annotations []models.Annotation `json:"annotations"`
}

// Run drives the conversation to completion and returns the parsed
// annotations. An empty-parts reply means "nothing to annotate" and
// yields zero annotations without error. When the iteration cap is
// reached the last reply is parsed as final.
func (d *Driver) Run(ctx context.Context, session chatSession, instruction string, handler ToolHandler) ([]models.Annotation, error) {
	parts := []genai.Part{genai.Text(instruction)}

	for iteration := 1; iteration <= maxIterations; iteration++ {
		callCtx, cancel := context.WithTimeout(ctx, d.callTimeout)
		resp, err := session.SendMessage(callCtx, parts...)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("model call failed on iteration %d: %w", iteration, err)
		}

		content := responseContent(resp)
		if content == nil || len(content.Parts) == 0 {
			return []models.Annotation{}, nil
		}

		calls := functionCalls(content)
		if len(calls) == 0 || iteration == maxIterations {
			if iteration == maxIterations && len(calls) > 0 {
				d.logger.Warn("Iteration cap reached with pending tool calls",
					"iterations", maxIterations)
			}
			return parseFinal(content)
		}

		parts = parts[:0]
		for _, call := range calls {
			result := handler(ctx, call)
			parts = append(parts, genai.FunctionResponse{
				Name:     call.Name,
				Response: result,
			})
		}
	}

	// Unreachable: the cap branch above always returns.
	return nil, fmt.Errorf("conversation exceeded %d iterations", maxIterations)
}

func responseContent(resp *genai.GenerateContentResponse) *genai.Content {
	if resp == nil || len(resp.Candidates) == 0 {
		return nil
	}
	return resp.Candidates[0].Content
}

func functionCalls(content *genai.Content) []genai.FunctionCall {
	var calls []genai.FunctionCall
	for _, part := range content.Parts {
		if fc, ok := part.(genai.FunctionCall); ok {
			calls = append(calls, fc)
		}
	}
	return calls
}

func parseFinal(content *genai.Content) ([]models.Annotation, error) {
	var b strings.Builder
	for _, part := range content.Parts {
		if text, ok := part.(genai.Text); ok {
			b.WriteString(string(text))
		}
	}
	text := strings.TrimSpace(b.String())
	if text == "" {
		return []models.Annotation{}, nil
	}

	var payload annotationsPayload
	if err := json.Unmarshal([]byte(text), &payload); err == nil {
		return payload.Annotations, nil
	}

	salvaged := salvageJSON(text)
	if err := json.Unmarshal([]byte(salvaged), &payload); err != nil {
		return nil, fmt.Errorf("failed to parse model reply as JSON: %w", err)
	}
	return payload.Annotations, nil
}

// salvageJSON recovers a JSON object from a decorated model reply:
// markdown fences are stripped, then the text is sliced from the first
// "{" to the last "}".
func salvageJSON(text string) string {
	s := strings.TrimSpace(text)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
		s = strings.TrimSpace(s)
	}
	first := strings.Index(s, "{")
	last := strings.LastIndex(s, "}")
	if first >= 0 && last > first {
		return s[first : last+1]
	}
	return s
}
