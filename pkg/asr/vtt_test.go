package asr

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/linguaclip/ingest-worker/pkg/models"
)

func TestFormatWebVTT(t *testing.T) {
	segments := []models.Segment{
		{TStart: 0, TEnd: 3.5, Text: "I want to give up learning English"},
		{TStart: 3.5, TEnd: 6, Text: ""},
		{TStart: 3661.25, TEnd: 3662, Text: "one hour in"},
	}

	got := FormatWebVTT(segments)

	want := "WEBVTT\n\n" +
		"1\n00:00:00.000 --> 00:00:03.500\nI want to give up learning English\n\n" +
		"2\n01:01:01.250 --> 01:01:02.000\none hour in\n\n"
	assert.Equal(t, want, got)
}

func TestFormatWebVTTEmpty(t *testing.T) {
	assert.Equal(t, "WEBVTT\n\n", FormatWebVTT(nil))
}

func TestVTTTimestamp(t *testing.T) {
	tests := []struct {
		seconds float64
		want    string
	}{
		{0, "00:00:00.000"},
		{3.5, "00:00:03.500"},
		{59.999, "00:00:59.999"},
		{60, "00:01:00.000"},
		{3600, "01:00:00.000"},
		{-1, "00:00:00.000"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, vttTimestamp(tt.seconds), "seconds=%v", tt.seconds)
	}
}
