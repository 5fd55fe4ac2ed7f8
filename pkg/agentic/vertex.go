package agentic

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/vertexai/genai"
)

const systemInstruction = `You are a linguistic annotation engine for English learning videos. You bind spans of transcript segments to entries of a semantic catalog using the provided tools. You only ever reference catalog ids returned by tool calls in this conversation. You respond with a single JSON object matching the required schema and nothing else.`

// SessionFactory opens a fresh model conversation. Each (segment,
// annotator) pair gets its own session.
type SessionFactory func() chatSession

// LMProvider creates chat sessions, optionally backed by a server-side
// context cache.
type LMProvider interface {
	// CreateCachedFactory builds a context cache holding the system
	// instruction, tool schemas, transcript, and (optionally) the video,
	// and returns a factory for sessions on top of it.
	CreateCachedFactory(ctx context.Context, videoURI, transcript string, withVideo bool) (SessionFactory, error)
	// NoCacheFactory returns a factory for plain sessions carrying the
	// tool schemas and system instruction on every call.
	NoCacheFactory() SessionFactory
}

// VertexProvider implements LMProvider on the Vertex AI Gemini API.
type VertexProvider struct {
	client    *genai.Client
	modelName string
	cacheTTL  time.Duration
}

// NewVertexProvider creates the provider and its underlying client.
func NewVertexProvider(ctx context.Context, project, region, modelName string, cacheTTL time.Duration) (*VertexProvider, error) {
	client, err := genai.NewClient(ctx, project, region)
	if err != nil {
		return nil, fmt.Errorf("failed to create vertex client: %w", err)
	}
	return &VertexProvider{client: client, modelName: modelName, cacheTTL: cacheTTL}, nil
}

// Close releases the underlying client.
func (p *VertexProvider) Close() error {
	return p.client.Close()
}

func modelTools() []*genai.Tool {
	return []*genai.Tool{{FunctionDeclarations: Declarations()}}
}

// CreateCachedFactory builds the context cache and returns a session
// factory over it. Cache creation failures (quota, size, unsupported
// input) surface as errors so the orchestrator can fall back.
func (p *VertexProvider) CreateCachedFactory(ctx context.Context, videoURI, transcript string, withVideo bool) (SessionFactory, error) {
	var parts []genai.Part
	if withVideo {
		parts = append(parts, genai.FileData{MIMEType: "video/mp4", FileURI: videoURI})
	}
	parts = append(parts, genai.Text("Full transcript of the video:\n"+transcript))

	cache, err := p.client.CreateCachedContent(ctx, &genai.CachedContent{
		Model: p.modelName,
		SystemInstruction: &genai.Content{
			Parts: []genai.Part{genai.Text(systemInstruction)},
		},
		Contents:   []*genai.Content{{Role: "user", Parts: parts}},
		Tools:      modelTools(),
		Expiration: genai.ExpireTimeOrTTL{TTL: p.cacheTTL},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create context cache (video=%t): %w", withVideo, err)
	}

	return func() chatSession {
		model := p.client.GenerativeModelFromCachedContent(cache)
		configureGeneration(model)
		return model.StartChat()
	}, nil
}

// NoCacheFactory returns sessions that carry tools and the system
// instruction per call.
func (p *VertexProvider) NoCacheFactory() SessionFactory {
	return func() chatSession {
		model := p.client.GenerativeModel(p.modelName)
		model.Tools = modelTools()
		model.SystemInstruction = &genai.Content{
			Parts: []genai.Part{genai.Text(systemInstruction)},
		}
		configureGeneration(model)
		model.SafetySettings = permissiveSafetySettings()
		return model.StartChat()
	}
}

func configureGeneration(model *genai.GenerativeModel) {
	model.SetTemperature(0)
	model.SetMaxOutputTokens(8192)
	model.GenerationConfig.ResponseMIMEType = "application/json"
	model.GenerationConfig.ResponseSchema = OutputSchema()
}

func permissiveSafetySettings() []*genai.SafetySetting {
	categories := []genai.HarmCategory{
		genai.HarmCategoryHarassment,
		genai.HarmCategoryHateSpeech,
		genai.HarmCategorySexuallyExplicit,
		genai.HarmCategoryDangerousContent,
	}
	settings := make([]*genai.SafetySetting, 0, len(categories))
	for _, c := range categories {
		settings = append(settings, &genai.SafetySetting{
			Category:  c,
			Threshold: genai.HarmBlockNone,
		})
	}
	return settings
}
