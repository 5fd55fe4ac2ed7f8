package agentic

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"cloud.google.com/go/vertexai/genai"
	"golang.org/x/sync/semaphore"

	"github.com/linguaclip/ingest-worker/pkg/config"
	"github.com/linguaclip/ingest-worker/pkg/models"
	"github.com/linguaclip/ingest-worker/pkg/notify"
)

// Catalog is the tool execution surface. *CatalogTool implements it.
type Catalog interface {
	QueryFineUnits(ctx context.Context, lemma, kind, pos, lang string) ([]Candidate, error)
	CreateFineUnit(ctx context.Context, lemma, kind, pos, definition, lang, videoUID string) (*CreateResult, error)
}

// Notifier is the alert surface the orchestrator reports through.
type Notifier interface {
	SendError(ctx context.Context, title string, content []notify.Field)
	SendPhraseNotFound(ctx context.Context, videoUID, phrase string, tStart, tEnd float64)
	SendWordNotFound(ctx context.Context, videoUID, lemma, pos string)
}

// Orchestrator runs the annotation pass for one video: create a context
// cache with fallback, fan out per-segment tasks under a concurrency
// cap, and merge the results in segment order.
type Orchestrator struct {
	provider LMProvider
	catalog  Catalog
	notifier Notifier
	driver   *Driver

	modelName      string
	maxConcurrency int64
	annotators     []Annotator

	logger *slog.Logger
}

// NewOrchestrator wires the annotation subsystem. Annotator order is
// fixed: phrase before word, so phrase annotations take precedence over
// their constituent words.
func NewOrchestrator(provider LMProvider, catalog Catalog, notifier Notifier, driver *Driver, cfg *config.Config) *Orchestrator {
	return &Orchestrator{
		provider:       provider,
		catalog:        catalog,
		notifier:       notifier,
		driver:         driver,
		modelName:      cfg.ModelName,
		maxConcurrency: int64(cfg.MaxConcurrency),
		annotators:     []Annotator{PhraseAnnotator{}, WordAnnotator{}},
		logger:         slog.Default().With("component", "annotation-orchestrator"),
	}
}

// Run annotates all segments of one video. ontology_ver is the model
// revision; method records which cache level the run ended up on.
func (o *Orchestrator) Run(ctx context.Context, videoUID, videoURI string, segments []models.Segment) (*models.AgenticResult, error) {
	logger := o.logger.With("video_uid", videoUID)

	if len(segments) == 0 {
		return &models.AgenticResult{
			Annotations: []models.Annotation{},
			Method:      models.MethodModelNoCache,
			OntologyVer: o.modelName,
		}, nil
	}

	factory, method := o.createSessionFactory(ctx, logger, videoURI, segments)
	logger.Info("Annotation pass starting",
		"segments", len(segments), "method", method)

	sem := semaphore.NewWeighted(o.maxConcurrency)
	results := make([][]models.Annotation, len(segments))

	var wg sync.WaitGroup
	for i, seg := range segments {
		wg.Add(1)
		go func(i int, seg models.Segment) {
			defer wg.Done()
			if err := sem.Acquire(ctx, 1); err != nil {
				logger.Warn("Segment task canceled before start", "segment", i, "error", err)
				return
			}
			defer sem.Release(1)

			anns, err := o.annotateSegment(ctx, factory, videoUID, seg, i)
			if err != nil {
				logger.Error("Segment annotation failed", "segment", i, "error", err)
				o.notifier.SendError(ctx, "Segment annotation failed", []notify.Field{
					{Key: "Video", Value: videoUID},
					{Key: "Segment", Value: fmt.Sprintf("%d (%.1fs - %.1fs)", i, seg.TStart, seg.TEnd)},
					{Key: "Error", Value: err.Error()},
				})
				return
			}
			results[i] = anns
		}(i, seg)
	}
	wg.Wait()

	var merged []models.Annotation
	for _, anns := range results {
		merged = append(merged, anns...)
	}
	logger.Info("Annotation pass finished",
		"annotations", len(merged), "method", method)

	return &models.AgenticResult{
		Annotations: merged,
		Method:      method,
		OntologyVer: o.modelName,
	}, nil
}

// createSessionFactory tries the three cache levels in order:
// multimodal, text-only, none. The first level that works determines
// the recorded detection method.
func (o *Orchestrator) createSessionFactory(ctx context.Context, logger *slog.Logger, videoURI string, segments []models.Segment) (SessionFactory, string) {
	transcript := transcriptText(segments)

	factory, err := o.provider.CreateCachedFactory(ctx, videoURI, transcript, true)
	if err == nil {
		return factory, models.MethodModelVideo
	}
	logger.Warn("Multimodal cache creation failed, falling back to text-only", "error", err)

	factory, err = o.provider.CreateCachedFactory(ctx, videoURI, transcript, false)
	if err == nil {
		return factory, models.MethodModelText
	}
	logger.Warn("Text-only cache creation failed, falling back to uncached calls", "error", err)

	return o.provider.NoCacheFactory(), models.MethodModelNoCache
}

// annotateSegment runs phrase then word annotation for one segment and
// concatenates the validated output. Either conversation failing fails
// the whole segment task.
func (o *Orchestrator) annotateSegment(ctx context.Context, factory SessionFactory, videoUID string, seg models.Segment, index int) ([]models.Annotation, error) {
	var out []models.Annotation
	for _, annotator := range o.annotators {
		session := factory()
		instruction := annotator.BuildInstruction(seg, index)
		handler := o.toolHandler(videoUID, seg, annotator.Kind())

		raw, err := o.driver.Run(ctx, session, instruction, handler)
		if err != nil {
			return nil, fmt.Errorf("%s annotation failed: %w", annotator.Kind(), err)
		}

		for _, a := range raw {
			if err := annotator.Validate(a, seg, index); err != nil {
				o.logger.Warn("Dropping invalid annotation",
					"video_uid", videoUID, "segment", index,
					"kind", annotator.Kind(), "error", err)
				continue
			}
			out = append(out, a)
		}
	}
	return out, nil
}

// toolHandler dispatches model tool calls for one (segment, annotator)
// conversation. Catalog misses are reported here because only this
// scope knows the annotator kind and segment times.
func (o *Orchestrator) toolHandler(videoUID string, seg models.Segment, kind string) ToolHandler {
	return func(ctx context.Context, call genai.FunctionCall) map[string]any {
		switch call.Name {
		case FuncQueryFineUnits:
			lemma := stringArg(call.Args, "lemma")
			queryKind := stringArg(call.Args, "kind")
			if queryKind == "" {
				queryKind = kind
			}
			pos := stringArg(call.Args, "pos")
			lang := stringArg(call.Args, "lang")

			candidates, err := o.catalog.QueryFineUnits(ctx, lemma, queryKind, pos, lang)
			if err != nil {
				return map[string]any{"error": err.Error()}
			}
			if len(candidates) == 0 {
				if kind == models.KindPhraseSense {
					o.notifier.SendPhraseNotFound(ctx, videoUID, lemma, seg.TStart, seg.TEnd)
				} else {
					o.notifier.SendWordNotFound(ctx, videoUID, lemma, pos)
				}
			}
			return map[string]any{"candidates": candidateValues(candidates), "lemma": lemma}

		case FuncCreateFineUnit:
			res, err := o.catalog.CreateFineUnit(ctx,
				stringArg(call.Args, "lemma"),
				stringArg(call.Args, "kind"),
				stringArg(call.Args, "pos"),
				stringArg(call.Args, "definition"),
				stringArg(call.Args, "lang"),
				videoUID,
			)
			if err != nil {
				return map[string]any{"error": err.Error()}
			}
			return map[string]any{"fine_id": res.FineID, "status": res.Status, "note": res.Note}

		default:
			return map[string]any{"error": "unknown function: " + call.Name}
		}
	}
}

func transcriptText(segments []models.Segment) string {
	var b strings.Builder
	for i, seg := range segments {
		fmt.Fprintf(&b, "[%d] %.2f-%.2f: %s\n", i, seg.TStart, seg.TEnd, seg.Text)
	}
	return b.String()
}

// candidateValues converts candidates to plain JSON values accepted by
// the function-response protobuf conversion.
func candidateValues(candidates []Candidate) []any {
	out := make([]any, 0, len(candidates))
	for _, c := range candidates {
		m := map[string]any{
			"fine_id":    c.FineID,
			"label":      c.Label,
			"definition": c.Definition,
		}
		if c.POS != "" {
			m["pos"] = c.POS
		}
		out = append(out, m)
	}
	return out
}

func stringArg(args map[string]any, key string) string {
	if v, ok := args[key].(string); ok {
		return v
	}
	return ""
}
