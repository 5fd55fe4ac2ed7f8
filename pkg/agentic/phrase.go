package agentic

import (
	"fmt"

	"github.com/linguaclip/ingest-worker/pkg/models"
)

// PhraseAnnotator targets multi-word expressions: phrasal verbs,
// collocations and idioms. It runs before the word annotator for each
// segment; phrases are preferred over their constituent words.
type PhraseAnnotator struct{}

func (PhraseAnnotator) Kind() string { return models.KindPhraseSense }

func (PhraseAnnotator) BuildInstruction(segment models.Segment, index int) string {
	return fmt.Sprintf(`You are annotating one transcript segment of an English learning video with phrase-sense knowledge points.

Segment index: %d
Segment text: %q
Time range: %.2fs - %.2fs

Workflow:
1. Identify multi-word expressions in the segment text: phrasal verbs, collocations, idioms.
2. Prefer the whole phrase over its constituent words; a phrase annotation replaces any word annotations it would overlap.
3. For each expression, call query_fine_units with the base form of the phrase, kind "phrase_sense" and pos "N/A".
4. Pick the one returned fine_id whose definition matches the usage in this segment. If the query returns no candidates, skip the expression.
5. The span must cover the whole phrase as it appears in the segment text.
6. %s

%s`, index, segment.Text, segment.TStart, segment.TEnd, comprehensibilityRubric, outputContract)
}

func (PhraseAnnotator) Validate(a models.Annotation, segment models.Segment, index int) error {
	return validateAnnotation(a, segment, index)
}
