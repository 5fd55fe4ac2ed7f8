package asr

import (
	"fmt"
	"strings"

	"github.com/linguaclip/ingest-worker/pkg/models"
)

// FormatWebVTT renders segments as a WebVTT subtitle document. Segments
// with empty text are skipped; cue numbering stays contiguous.
func FormatWebVTT(segments []models.Segment) string {
	var b strings.Builder
	b.WriteString("WEBVTT\n\n")

	cue := 0
	for _, seg := range segments {
		if seg.Text == "" {
			continue
		}
		cue++
		fmt.Fprintf(&b, "%d\n%s --> %s\n%s\n\n",
			cue, vttTimestamp(seg.TStart), vttTimestamp(seg.TEnd), seg.Text)
	}
	return b.String()
}

func vttTimestamp(seconds float64) string {
	if seconds < 0 {
		seconds = 0
	}
	millis := int64(seconds*1000 + 0.5)
	h := millis / 3600000
	m := (millis % 3600000) / 60000
	s := (millis % 60000) / 1000
	ms := millis % 1000
	return fmt.Sprintf("%02d:%02d:%02d.%03d", h, m, s, ms)
}
