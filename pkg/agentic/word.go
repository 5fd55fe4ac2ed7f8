package agentic

import (
	"fmt"

	"github.com/linguaclip/ingest-worker/pkg/models"
)

// WordAnnotator targets content-word lemmas: nouns, verbs, adjectives
// and adverbs.
type WordAnnotator struct{}

func (WordAnnotator) Kind() string { return models.KindWordSense }

func (WordAnnotator) BuildInstruction(segment models.Segment, index int) string {
	return fmt.Sprintf(`You are annotating one transcript segment of an English learning video with word-sense knowledge points.

Segment index: %d
Segment text: %q
Time range: %.2fs - %.2fs

Workflow:
1. Identify the content words (nouns, verbs, adjectives, adverbs) in the segment text and lemmatize each.
2. Skip words already covered by a phrase annotation pass; single words inside an annotated phrase must not be annotated again.
3. For each lemma, call query_fine_units with the lemma, kind "word_sense" and its part of speech.
4. Pick the one returned fine_id whose definition matches the sense used in this segment. If the query returns no candidates, skip the word.
5. %s

%s`, index, segment.Text, segment.TStart, segment.TEnd, comprehensibilityRubric, outputContract)
}

func (WordAnnotator) Validate(a models.Annotation, segment models.Segment, index int) error {
	return validateAnnotation(a, segment, index)
}
