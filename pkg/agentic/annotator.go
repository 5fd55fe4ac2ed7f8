package agentic

import (
	"fmt"
	"math"

	"cloud.google.com/go/vertexai/genai"

	"github.com/linguaclip/ingest-worker/pkg/models"
)

// Annotator builds per-segment instructions and validates model output
// for one kind of catalog entry. The grammar-rule annotator is reserved
// and has no implementation yet.
type Annotator interface {
	Kind() string
	BuildInstruction(segment models.Segment, index int) string
	Validate(a models.Annotation, segment models.Segment, index int) error
}

// OutputSchema is the JSON response schema shared by all annotators:
// an object holding a flat list of annotations.
func OutputSchema() *genai.Schema {
	return &genai.Schema{
		Type: genai.TypeObject,
		Properties: map[string]*genai.Schema{
			"annotations": {
				Type: genai.TypeArray,
				Items: &genai.Schema{
					Type: genai.TypeObject,
					Properties: map[string]*genai.Schema{
						"segment_index": {Type: genai.TypeInteger},
						"fine_id":       {Type: genai.TypeInteger},
						"span": {
							Type: genai.TypeObject,
							Properties: map[string]*genai.Schema{
								"start": {Type: genai.TypeInteger},
								"end":   {Type: genai.TypeInteger},
							},
							Required: []string{"start", "end"},
						},
						"rationale":                 {Type: genai.TypeString},
						"visual_comprehensibility":  {Type: genai.TypeNumber},
						"textual_comprehensibility": {Type: genai.TypeNumber},
					},
					Required: []string{
						"segment_index", "fine_id", "span", "rationale",
						"visual_comprehensibility", "textual_comprehensibility",
					},
				},
			},
		},
		Required: []string{"annotations"},
	}
}

// validateAnnotation enforces the output contract: index match, integer
// fine_id grounded in a tool result, span inside the segment text, both
// comprehensibilities finite in [0,1], non-empty rationale.
func validateAnnotation(a models.Annotation, segment models.Segment, index int) error {
	if a.SegmentIndex != index {
		return fmt.Errorf("segment_index %d does not match segment %d", a.SegmentIndex, index)
	}
	if a.FineID <= 0 {
		return fmt.Errorf("fine_id %d is not a valid catalog id", a.FineID)
	}
	if a.Span.Start < 0 || a.Span.Start >= a.Span.End || a.Span.End > len(segment.Text) {
		return fmt.Errorf("span [%d,%d) out of bounds for text of length %d",
			a.Span.Start, a.Span.End, len(segment.Text))
	}
	for name, v := range map[string]float64{
		"visual_comprehensibility":  a.VisualComprehensibility,
		"textual_comprehensibility": a.TextualComprehensibility,
	} {
		if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 || v > 1 {
			return fmt.Errorf("%s %v is not a finite number in [0,1]", name, v)
		}
	}
	if a.Rationale == "" {
		return fmt.Errorf("rationale is empty")
	}
	return nil
}

const comprehensibilityRubric = `Score two comprehensibility values on [0,1] for each annotation:
- visual_comprehensibility: how strongly the video's visual channel at this segment conveys the sense (1.0 = the action/object is clearly shown; 0.0 = nothing visual supports it).
- textual_comprehensibility: how strongly the surrounding transcript context conveys the sense (1.0 = meaning is obvious from context; 0.0 = context gives no help).`

const outputContract = `Return a single JSON object: {"annotations": [{"segment_index": <int>, "fine_id": <int>, "span": {"start": <int>, "end": <int>}, "rationale": <string>, "visual_comprehensibility": <float>, "textual_comprehensibility": <float>}]}.
Rules:
- segment_index must be exactly the index given above.
- span start/end are character offsets into the segment text; span must cover the exact surface form.
- fine_id must be an id returned by a query_fine_units call in this conversation. Never invent ids.
- If a lookup returns no candidates, do not annotate that item.
- If there is nothing to annotate, return {"annotations": []}.`
